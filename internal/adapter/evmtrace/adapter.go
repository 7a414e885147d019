// Package evmtrace complements the evm adapter with value moved by internal
// calls, read from call traces.
package evmtrace

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/adapter/evm"
	"github.com/marko911/pulse-ledger/internal/consensus"
	"github.com/marko911/pulse-ledger/internal/fanout"
	"github.com/marko911/pulse-ledger/internal/ledger"
	"github.com/marko911/pulse-ledger/internal/platform/noderpc"
)

const Kind = "evmtrace"

// Caller is the JSON-RPC surface the adapter needs. *rpc.Client satisfies it.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

type Dialer func(ctx context.Context, node fanout.Node) (Caller, error)

func DialRPC(ctx context.Context, node fanout.Node) (Caller, error) {
	c, err := rpc.DialContext(ctx, node.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", node.Name, err)
	}
	return c, nil
}

// DialHTTP sends plain HTTP endpoints through client, which retries rate
// limited and failed requests, and dials anything else with DialRPC.
func DialHTTP(client *noderpc.Client) Dialer {
	return func(ctx context.Context, node fanout.Node) (Caller, error) {
		if strings.HasPrefix(node.URL, "http://") || strings.HasPrefix(node.URL, "https://") {
			return client.Caller(node), nil
		}
		return DialRPC(ctx, node)
	}
}

// rpcHeader is the subset of eth_getBlockByNumber the adapter decodes.
type rpcHeader struct {
	Hash         common.Hash    `json:"hash"`
	ParentHash   common.Hash    `json:"parentHash"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	Transactions []common.Hash  `json:"transactions"`
}

type traceResult struct {
	TxHash common.Hash `json:"txHash"`
	Result callFrame   `json:"result"`
}

type callFrame struct {
	Type  string          `json:"type"`
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
	Error string          `json:"error"`
	Calls []callFrame     `json:"calls"`
}

var headerStrategy = consensus.PairedHashTime(
	func(h *rpcHeader) string { return h.Hash.Hex() },
	func(h *rpcHeader) time.Time { return time.Unix(int64(h.Timestamp), 0).UTC() },
)

type Adapter struct {
	*adapter.Base

	depth   int64
	clients map[string]Caller
}

var _ adapter.Adapter = (*Adapter)(nil)

func New(ctx context.Context, deps adapter.Deps) (adapter.Adapter, error) {
	cfg := noderpc.DefaultConfig()
	if deps.Settings.Timeout > 0 {
		cfg.Timeout = deps.Settings.Timeout
	}
	return NewWithDialer(ctx, deps, DialHTTP(noderpc.New(cfg, deps.Logger)))
}

func NewWithDialer(ctx context.Context, deps adapter.Deps, dial Dialer) (*Adapter, error) {
	clients := make(map[string]Caller, len(deps.Settings.Nodes))
	for _, node := range deps.Settings.Nodes {
		c, err := dial(ctx, node)
		if err != nil {
			for _, opened := range clients {
				opened.Close()
			}
			return nil, fmt.Errorf("connect trace nodes: %w", err)
		}
		clients[node.Name] = c
	}

	return &Adapter{
		Base:    adapter.NewBase(deps, "evmtrace-adapter"),
		depth:   deps.Settings.Constants.ConfirmationDepth,
		clients: clients,
	}, nil
}

func (a *Adapter) Name() string { return Kind }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{Complements: evm.Kind}
}

func (a *Adapter) LatestHeight(ctx context.Context) (int64, error) {
	node := a.Nodes().Authoritative()
	var head hexutil.Uint64
	if err := a.clients[node.Name].CallContext(ctx, &head, "eth_blockNumber"); err != nil {
		return 0, &ledger.ConnectivityError{Chain: a.Chain(), Node: node.Name, Err: fmt.Errorf("get block number: %w", err)}
	}
	return int64(head) - a.depth, nil
}

func (a *Adapter) header(ctx context.Context, node fanout.Node, id int64) (*rpcHeader, fanout.Status, error) {
	var h *rpcHeader
	if err := a.clients[node.Name].CallContext(ctx, &h, "eth_getBlockByNumber", hexutil.EncodeBig(big.NewInt(id)), false); err != nil {
		return nil, fanout.StatusError, err
	}
	if h == nil {
		return nil, fanout.StatusNotFound, nil
	}
	return h, fanout.StatusSuccess, nil
}

func (a *Adapter) ConfirmBlock(ctx context.Context, id int64, mode ledger.TrustMode) (ledger.BlockContext, error) {
	responses, err := fanout.Fetch(ctx, a.Nodes(), a.Options(id, mode),
		func(ctx context.Context, node fanout.Node) (*rpcHeader, fanout.Status, error) {
			return a.header(ctx, node, id)
		})
	if err != nil {
		return ledger.BlockContext{}, err
	}

	agreement, err := consensus.Verify(a.Verifier, id, mode, responses, headerStrategy)
	if err != nil {
		return ledger.BlockContext{}, err
	}
	if agreement.Empty {
		return a.EmptyContext(id, mode), nil
	}

	identity := agreement.Identity(id)
	identity.ParentHash = agreement.Payload.ParentHash.Hex()
	return a.Context(identity, mode), nil
}

func (a *Adapter) ProcessBlock(ctx context.Context, bc ledger.BlockContext) (ledger.BlockOutput, error) {
	if bc.Empty {
		return ledger.Empty(), nil
	}

	id := bc.Identity.ID
	node := a.Nodes().Authoritative()

	h, status, err := a.header(ctx, node, id)
	if err != nil {
		return ledger.BlockOutput{}, &ledger.ConnectivityError{Chain: a.Chain(), BlockID: id, Node: node.Name, Err: fmt.Errorf("get block: %w", err)}
	}
	if status == fanout.StatusNotFound || h.Hash.Hex() != bc.Identity.Hash {
		got := ""
		if h != nil {
			got = h.Hash.Hex()
		}
		return ledger.BlockOutput{}, &ledger.ConsensusError{
			Chain:     a.Chain(),
			BlockID:   id,
			Reference: bc.Identity.Hash,
			Node:      node.Name,
			Got:       got,
			Reason:    "block changed between confirmation and tracing",
		}
	}

	var traces []traceResult
	err = a.clients[node.Name].CallContext(ctx, &traces, "debug_traceBlockByNumber",
		hexutil.EncodeBig(big.NewInt(id)), map[string]interface{}{"tracer": "callTracer"})
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == noderpc.CodeMethodNotFound {
		return ledger.BlockOutput{}, &ledger.ConfigurationError{
			Chain:   a.Chain(),
			Setting: fmt.Sprintf("complement_nodes[%s]", node.Name),
			Reason:  "does not serve debug_traceBlockByNumber",
		}
	}
	if err != nil {
		return ledger.BlockOutput{}, &ledger.ConnectivityError{Chain: a.Chain(), BlockID: id, Node: node.Name, Err: fmt.Errorf("trace block: %w", err)}
	}

	if len(traces) != len(h.Transactions) {
		return ledger.BlockOutput{}, ledger.ModuleErrorf(a.Chain(), id,
			"block has %d transactions but %d traces", len(h.Transactions), len(traces))
	}

	var fragments []ledger.Fragment
	for i, tr := range traces {
		txHash := h.Transactions[i]
		if tr.TxHash != (common.Hash{}) && tr.TxHash != txHash {
			return ledger.BlockOutput{}, ledger.ModuleErrorf(a.Chain(), id,
				"trace %d belongs to %s, expected %s", i, tr.TxHash.Hex(), txHash.Hex())
		}
		if tr.Result.Error != "" {
			continue
		}
		var seq uint32
		for _, call := range tr.Result.Calls {
			fragments = internalTransfers(fragments, txHash.Hex(), uint64(i), &seq, call)
		}
	}

	return ledger.Events(fragments, nil), nil
}

// internalTransfers walks a call frame and its children, emitting a pair for
// every successful value-bearing call. Reverted frames are skipped together
// with their children. seq counts the pairs emitted for the transaction.
func internalTransfers(out []ledger.Fragment, txID string, primary uint64, seq *uint32, f callFrame) []ledger.Fragment {
	if f.Error != "" {
		return out
	}

	if f.Value != nil && f.Value.ToInt().Sign() > 0 && f.To != nil && movesValue(f.Type) {
		pair := ledger.TransferAt(txID, f.From.Hex(), f.To.Hex(), f.Value.ToInt(), primary, adapter.InternalDebit, *seq)
		for i := range pair {
			pair[i].Extra = strings.ToLower(f.Type)
		}
		out = append(out, pair[:]...)
		*seq++
	}

	for _, child := range f.Calls {
		out = internalTransfers(out, txID, primary, seq, child)
	}
	return out
}

func movesValue(callType string) bool {
	switch strings.ToUpper(callType) {
	case "CALL", "CREATE", "CREATE2", "SELFDESTRUCT":
		return true
	default:
		return false
	}
}

func (a *Adapter) Close() error {
	for _, c := range a.clients {
		c.Close()
	}
	return nil
}
