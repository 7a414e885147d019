// Package noderpc is the HTTP transport for node REST and JSON-RPC endpoints.
// Responses are classified into fan-out statuses so adapters can hand them
// straight to the fetcher.
package noderpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/marko911/pulse-ledger/internal/fanout"
)

type Config struct {
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	Headers      map[string]string
}

func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		RetryCount:   2,
		RetryWait:    200 * time.Millisecond,
		RetryMaxWait: 2 * time.Second,
	}
}

// TransportError is a response with a status the caller did not allow.
type TransportError struct {
	Node   string
	URL    string
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("node %s: %s returned HTTP %d: %s", e.Node, e.URL, e.Status, body)
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorCode matches the go-ethereum rpc.Error interface.
func (e *RPCError) ErrorCode() int { return e.Code }

// CodeMethodNotFound is returned by nodes that do not serve a method.
const CodeMethodNotFound = -32601

type Client struct {
	http   *resty.Client
	logger *slog.Logger
	nextID atomic.Uint64
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	r := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeader("Accept", "application/json").
		SetHeaders(cfg.Headers).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := resp.StatusCode()
			return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
		})

	return &Client{
		http:   r,
		logger: logger.With("component", "noderpc"),
	}
}

// Get fetches node.URL+path and decodes the JSON body into out. Statuses listed
// in notFound report fanout.StatusNotFound.
func (c *Client) Get(ctx context.Context, node fanout.Node, path string, out any, notFound ...int) (fanout.Status, error) {
	url := node.URL + path

	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return fanout.StatusError, fmt.Errorf("get %s: %w", url, err)
	}

	code := resp.StatusCode()
	for _, nf := range notFound {
		if code == nf {
			c.logger.Debug("resource not found", "node", node.Name, "url", url, "status", code)
			return fanout.StatusNotFound, nil
		}
	}
	if code < 200 || code > 299 {
		return fanout.StatusError, &TransportError{Node: node.Name, URL: url, Status: code, Body: resp.String()}
	}

	if err := Decode(resp.Body(), out); err != nil {
		return fanout.StatusError, fmt.Errorf("decode %s: %w", url, err)
	}
	return fanout.StatusSuccess, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call performs a JSON-RPC 2.0 request against node.URL. A null result reports
// fanout.StatusNotFound.
func (c *Client) Call(ctx context.Context, node fanout.Node, method string, params []any, out any) (fanout.Status, error) {
	if params == nil {
		params = []any{}
	}
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(node.URL)
	if err != nil {
		return fanout.StatusError, fmt.Errorf("call %s: %w", method, err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fanout.StatusError, &TransportError{Node: node.Name, URL: node.URL, Status: code, Body: resp.String()}
	}

	var envelope rpcResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fanout.StatusError, fmt.Errorf("decode %s envelope: %w", method, err)
	}
	if envelope.Error != nil {
		return fanout.StatusError, envelope.Error
	}
	if len(envelope.Result) == 0 || bytes.Equal(envelope.Result, []byte("null")) {
		return fanout.StatusNotFound, nil
	}
	if err := Decode(envelope.Result, out); err != nil {
		return fanout.StatusError, fmt.Errorf("decode %s result: %w", method, err)
	}
	return fanout.StatusSuccess, nil
}

// Caller binds the client to one node in the calling convention of the
// go-ethereum rpc.Client.
type Caller struct {
	client *Client
	node   fanout.Node
}

func (c *Client) Caller(node fanout.Node) *Caller {
	return &Caller{client: c, node: node}
}

// CallContext leaves result untouched when the node answers null.
func (c *Caller) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	_, err := c.client.Call(ctx, c.node, method, args, result)
	return err
}

func (c *Caller) Close() {}

// Decode unmarshals JSON keeping untyped numbers as json.Number so large
// integers survive intact.
func Decode(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}
