package adapter

import (
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/marko911/pulse-ledger/internal/consensus"
	"github.com/marko911/pulse-ledger/internal/fanout"
	"github.com/marko911/pulse-ledger/internal/ledger"
	"github.com/marko911/pulse-ledger/internal/platform/metrics"
)

// Base bundles the pieces every adapter needs to fan out and verify. It is
// read-only after construction.
type Base struct {
	Settings Settings
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Verifier *consensus.Verifier

	limiter *rate.Limiter
}

func NewBase(deps Deps, component string) *Base {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := deps.Settings
	v := consensus.NewVerifier(s.Chain, logger, deps.Metrics)
	v.MinResponses = s.MinResponses

	b := &Base{
		Settings: s,
		Logger:   logger.With("component", component, "chain", s.Chain),
		Metrics:  deps.Metrics,
		Verifier: v,
	}
	if s.RequestsPerSecond > 0 {
		burst := s.Concurrency
		if burst < 1 {
			burst = len(s.Nodes)
		}
		b.limiter = rate.NewLimiter(rate.Limit(s.RequestsPerSecond), burst)
	}
	return b
}

func (b *Base) Chain() string { return b.Settings.Chain }

func (b *Base) Nodes() fanout.NodeSet { return b.Settings.Nodes }

// Options returns the fan-out options for one block. A consensus round needs
// an answer from MinResponses nodes; fewer is a connectivity failure.
func (b *Base) Options(blockID int64, mode ledger.TrustMode) fanout.Options {
	opts := fanout.Options{
		Chain:       b.Settings.Chain,
		BlockID:     blockID,
		Concurrency: b.Settings.Concurrency,
		Timeout:     b.Settings.Timeout,
		Fast:        mode == ledger.TrustFast,
		Limiter:     b.limiter,
		Metrics:     b.Metrics,
		Logger:      b.Logger,
	}
	if mode == ledger.TrustConsensus {
		opts.MinSuccess = b.Settings.MinResponses
	}
	return opts
}

// Context builds the block context for a confirmed identity.
func (b *Base) Context(identity ledger.BlockIdentity, mode ledger.TrustMode) ledger.BlockContext {
	nodes := b.Settings.Nodes.Names()
	if mode == ledger.TrustFast && len(nodes) > 1 {
		nodes = nodes[:1]
	}
	return ledger.BlockContext{
		Chain:     b.Settings.Chain,
		Identity:  identity,
		Mode:      mode,
		Nodes:     nodes,
		AttemptID: uuid.NewString(),
	}
}

// EmptyContext builds the context of a block no node reported.
func (b *Base) EmptyContext(id int64, mode ledger.TrustMode) ledger.BlockContext {
	bc := b.Context(ledger.BlockIdentity{ID: id}, mode)
	bc.Empty = true
	return bc
}
