// Package fanout issues the same logical request to several nodes of one chain
// concurrently and collects their answers in node order.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/marko911/pulse-ledger/internal/ledger"
	"github.com/marko911/pulse-ledger/internal/platform/metrics"
)

// ErrUnexpectedStatus marks a node answer whose status the round does not
// accept.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// Node is one configured RPC endpoint.
type Node struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// NodeSet is the ordered node list of a chain. The first node is authoritative.
type NodeSet []Node

// Authoritative returns the node fast mode reads from, or the zero Node for an
// empty set.
func (s NodeSet) Authoritative() Node {
	if len(s) == 0 {
		return Node{}
	}
	return s[0]
}

// Names returns the node names in order.
func (s NodeSet) Names() []string {
	names := make([]string, len(s))
	for i, n := range s {
		names[i] = n.Name
	}
	return names
}

// Validate checks that the set is usable for the given chain.
func (s NodeSet) Validate(chain string) error {
	if len(s) == 0 {
		return &ledger.ConfigurationError{Chain: chain, Setting: "nodes"}
	}
	seen := make(map[string]bool, len(s))
	for i, n := range s {
		if n.URL == "" {
			return &ledger.ConfigurationError{Chain: chain, Setting: fmt.Sprintf("nodes[%d].url", i)}
		}
		if n.Name == "" {
			return &ledger.ConfigurationError{Chain: chain, Setting: fmt.Sprintf("nodes[%d].name", i)}
		}
		if seen[n.Name] {
			return &ledger.ConfigurationError{Chain: chain, Setting: "nodes", Reason: "has duplicate name " + n.Name}
		}
		seen[n.Name] = true
	}
	return nil
}

// Status classifies a node's answer to one request.
type Status int

const (
	StatusSuccess Status = iota
	StatusNotFound
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotFound:
		return "not_found"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Response is one node's answer.
type Response[T any] struct {
	Node    Node
	Status  Status
	Payload T
	Err     error
	Latency time.Duration
}

// Options bound a fan-out round.
type Options struct {
	Chain   string
	BlockID int64

	// Concurrency caps in-flight requests. Zero means one per node.
	Concurrency int
	// Timeout applies to each request independently.
	Timeout time.Duration
	// Fast queries only the authoritative node.
	Fast bool
	// Accept lists the statuses treated as answers. Defaults to success and not-found.
	Accept []Status
	// MinSuccess is the number of accepted answers required. Defaults to one.
	MinSuccess int

	Limiter *rate.Limiter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o Options) accepts(s Status) bool {
	if s == StatusError {
		return false
	}
	if len(o.Accept) == 0 {
		return true
	}
	for _, a := range o.Accept {
		if a == s {
			return true
		}
	}
	return false
}

func (o Options) limit(tasks int) int {
	if o.Concurrency <= 0 || o.Concurrency > tasks {
		return tasks
	}
	return o.Concurrency
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) targets(nodes NodeSet) NodeSet {
	if o.Fast && len(nodes) > 1 {
		return nodes[:1]
	}
	return nodes
}

// RequestFunc performs one request against one node. Returning StatusNotFound
// with a nil error marks a legitimate absence of data.
type RequestFunc[T any] func(ctx context.Context, node Node) (T, Status, error)

// Fetch sends fn to every node (or only the authoritative one in fast mode)
// and returns the responses in node order. If fewer than MinSuccess nodes
// answered with an accepted status the responses are still returned along
// with a *ledger.ConnectivityError.
func Fetch[T any](ctx context.Context, nodes NodeSet, opts Options, fn RequestFunc[T]) ([]Response[T], error) {
	targets := opts.targets(nodes)
	if len(targets) == 0 {
		return nil, &ledger.ConfigurationError{Chain: opts.Chain, Setting: "nodes"}
	}

	responses := make([]Response[T], len(targets))

	var g errgroup.Group
	g.SetLimit(opts.limit(len(targets)))

	for i, node := range targets {
		g.Go(func() error {
			payload, status, latency, err := do(ctx, node, opts, func(ctx context.Context) (T, Status, error) {
				return fn(ctx, node)
			})
			responses[i] = Response[T]{Node: node, Status: status, Payload: payload, Err: err, Latency: latency}
			return nil
		})
	}
	_ = g.Wait()

	return responses, check(responses, opts)
}

// Unit is one sub-unit answer inside a FetchUnits response.
type Unit[T any] struct {
	Key     int64
	Status  Status
	Payload T
}

// UnitFunc performs one request for one sub-unit against one node.
type UnitFunc[T any] func(ctx context.Context, node Node, unit int64) (T, Status, error)

// FetchUnits fans out one request per (node, unit) pair and groups the answers
// per node. A node fails as a whole when any of its unit requests fails; a
// node where every unit is absent reports StatusNotFound.
func FetchUnits[T any](ctx context.Context, nodes NodeSet, units []int64, opts Options, fn UnitFunc[T]) ([]Response[[]Unit[T]], error) {
	targets := opts.targets(nodes)
	if len(targets) == 0 {
		return nil, &ledger.ConfigurationError{Chain: opts.Chain, Setting: "nodes"}
	}

	type cell struct {
		unit    Unit[T]
		err     error
		latency time.Duration
	}
	grid := make([][]cell, len(targets))
	for i := range grid {
		grid[i] = make([]cell, len(units))
	}

	var g errgroup.Group
	g.SetLimit(opts.limit(len(targets) * len(units)))

	for i, node := range targets {
		for j, key := range units {
			g.Go(func() error {
				payload, status, latency, err := do(ctx, node, opts, func(ctx context.Context) (T, Status, error) {
					return fn(ctx, node, key)
				})
				grid[i][j] = cell{unit: Unit[T]{Key: key, Status: status, Payload: payload}, err: err, latency: latency}
				return nil
			})
		}
	}
	_ = g.Wait()

	responses := make([]Response[[]Unit[T]], len(targets))
	for i, node := range targets {
		resp := Response[[]Unit[T]]{Node: node, Status: StatusNotFound, Payload: make([]Unit[T], 0, len(units))}
		for _, c := range grid[i] {
			if c.latency > resp.Latency {
				resp.Latency = c.latency
			}
			if c.err != nil && resp.Err == nil {
				resp.Err = fmt.Errorf("unit %d: %w", c.unit.Key, c.err)
			}
			if c.unit.Status == StatusSuccess {
				resp.Status = StatusSuccess
			}
			resp.Payload = append(resp.Payload, c.unit)
		}
		if resp.Err != nil {
			resp.Status = StatusError
		}
		responses[i] = resp
	}

	return responses, check(responses, opts)
}

func do[T any](ctx context.Context, node Node, opts Options, call func(context.Context) (T, Status, error)) (T, Status, time.Duration, error) {
	var zero T

	if opts.Limiter != nil {
		if err := opts.Limiter.Wait(ctx); err != nil {
			return zero, StatusError, 0, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	payload, status, err := call(reqCtx)
	latency := time.Since(start)

	switch {
	case err != nil:
		status = StatusError
	case !opts.accepts(status):
		err = fmt.Errorf("%w: %s", ErrUnexpectedStatus, status)
		status = StatusError
	}

	opts.Metrics.ObserveRequest(opts.Chain, node.Name, status.String(), latency.Seconds())
	if err != nil {
		opts.Metrics.NodeFailed(opts.Chain, node.Name)
		opts.logger().Warn("node request failed",
			"chain", opts.Chain,
			"block_id", opts.BlockID,
			"node", node.Name,
			"latency", latency,
			"error", err,
		)
		return zero, status, latency, err
	}

	return payload, status, latency, nil
}

func check[T any](responses []Response[T], opts Options) error {
	need := opts.MinSuccess
	if need < 1 {
		need = 1
	}

	var (
		ok       int
		lastErr  error
		lastNode string
	)
	for _, r := range responses {
		if r.Status == StatusError {
			lastErr = r.Err
			lastNode = r.Node.Name
			continue
		}
		ok++
	}

	if ok >= need {
		return nil
	}
	if lastErr == nil {
		lastErr = ledger.ErrNoResponses
	}
	return &ledger.ConnectivityError{
		Chain:   opts.Chain,
		BlockID: opts.BlockID,
		Node:    lastNode,
		Err:     fmt.Errorf("%d of %d nodes answered, need %d: %w", ok, len(responses), need, lastErr),
	}
}

// Succeeded returns the responses that carry an accepted status.
func Succeeded[T any](responses []Response[T]) []Response[T] {
	out := make([]Response[T], 0, len(responses))
	for _, r := range responses {
		if r.Status != StatusError {
			out = append(out, r)
		}
	}
	return out
}
