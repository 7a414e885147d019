// Package solana adapts Solana slots: fees, lamport balance changes and SPL
// token balance changes.
package solana

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/consensus"
	"github.com/marko911/pulse-ledger/internal/fanout"
	"github.com/marko911/pulse-ledger/internal/ledger"
)

const Kind = "solana"

// RPC error codes for slots that will never hold a block.
const (
	codeSlotSkipped            = -32007
	codeLongTermStorageSkipped = -32009
)

// BlockSource is the part of the Solana RPC client the adapter reads from.
// *rpc.Client satisfies it.
type BlockSource interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBlockWithOpts(ctx context.Context, slot uint64, opts *rpc.GetBlockOpts) (*rpc.GetBlockResult, error)
	Close() error
}

type Dialer func(ctx context.Context, node fanout.Node) (BlockSource, error)

func DialRPC(_ context.Context, node fanout.Node) (BlockSource, error) {
	return rpc.New(node.URL), nil
}

var blockFingerprint consensus.Strategy[*rpc.GetBlockResult] = func(b *rpc.GetBlockResult) (consensus.Fingerprint, error) {
	if b.Blockhash.IsZero() {
		return consensus.Fingerprint{}, errors.New("block without blockhash")
	}
	fp := consensus.Fingerprint{
		Hash:   b.Blockhash.String(),
		Parent: b.PreviousBlockhash.String(),
	}
	if b.BlockTime != nil {
		fp.Time = b.BlockTime.Time().UTC()
	}
	return fp, nil
}

type Adapter struct {
	*adapter.Base

	commitment rpc.CommitmentType
	clients    map[string]BlockSource
}

var _ adapter.Adapter = (*Adapter)(nil)

func New(ctx context.Context, deps adapter.Deps) (adapter.Adapter, error) {
	return NewWithDialer(ctx, deps, DialRPC)
}

func NewWithDialer(ctx context.Context, deps adapter.Deps, dial Dialer) (*Adapter, error) {
	commitment := rpc.CommitmentFinalized
	switch deps.Settings.Constants.Commitment {
	case "", string(rpc.CommitmentFinalized):
	case string(rpc.CommitmentConfirmed):
		commitment = rpc.CommitmentConfirmed
	default:
		return nil, &ledger.ConfigurationError{
			Chain:   deps.Settings.Chain,
			Setting: "commitment",
			Reason:  "must be finalized or confirmed, got " + deps.Settings.Constants.Commitment,
		}
	}

	clients := make(map[string]BlockSource, len(deps.Settings.Nodes))
	for _, node := range deps.Settings.Nodes {
		c, err := dial(ctx, node)
		if err != nil {
			for _, opened := range clients {
				opened.Close()
			}
			return nil, fmt.Errorf("connect solana nodes: %w", err)
		}
		clients[node.Name] = c
	}

	a := &Adapter{
		Base:       adapter.NewBase(deps, "solana-adapter"),
		commitment: commitment,
		clients:    clients,
	}
	a.Logger.Info("solana adapter ready", "nodes", len(clients), "commitment", commitment)
	return a, nil
}

func (a *Adapter) Name() string { return Kind }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{}
}

func (a *Adapter) LatestHeight(ctx context.Context) (int64, error) {
	node := a.Nodes().Authoritative()
	slot, err := a.clients[node.Name].GetSlot(ctx, a.commitment)
	if err != nil {
		return 0, &ledger.ConnectivityError{Chain: a.Chain(), Node: node.Name, Err: fmt.Errorf("get slot: %w", err)}
	}
	return int64(slot), nil
}

func (a *Adapter) getBlock(ctx context.Context, node fanout.Node, slot int64, details rpc.TransactionDetailsType) (*rpc.GetBlockResult, fanout.Status, error) {
	maxVersion := uint64(0)
	rewards := false
	block, err := a.clients[node.Name].GetBlockWithOpts(ctx, uint64(slot), &rpc.GetBlockOpts{
		Encoding:                       solana.EncodingBase64,
		TransactionDetails:             details,
		Rewards:                        &rewards,
		Commitment:                     a.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if isSkipped(err) {
		return nil, fanout.StatusNotFound, nil
	}
	if err != nil {
		return nil, fanout.StatusError, err
	}
	if block == nil {
		return nil, fanout.StatusNotFound, nil
	}
	return block, fanout.StatusSuccess, nil
}

func isSkipped(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == codeSlotSkipped || rpcErr.Code == codeLongTermStorageSkipped
}

func (a *Adapter) ConfirmBlock(ctx context.Context, id int64, mode ledger.TrustMode) (ledger.BlockContext, error) {
	responses, err := fanout.Fetch(ctx, a.Nodes(), a.Options(id, mode),
		func(ctx context.Context, node fanout.Node) (*rpc.GetBlockResult, fanout.Status, error) {
			return a.getBlock(ctx, node, id, rpc.TransactionDetailsNone)
		})
	if err != nil {
		return ledger.BlockContext{}, err
	}

	agreement, err := consensus.Verify(a.Verifier, id, mode, responses, blockFingerprint)
	if err != nil {
		return ledger.BlockContext{}, err
	}
	if agreement.Empty {
		a.Logger.Debug("slot skipped", "block_id", id)
		return a.EmptyContext(id, mode), nil
	}
	return a.Context(agreement.Identity(id), mode), nil
}

func (a *Adapter) ProcessBlock(ctx context.Context, bc ledger.BlockContext) (ledger.BlockOutput, error) {
	if bc.Empty {
		return ledger.Empty(), nil
	}

	id := bc.Identity.ID
	node := a.Nodes().Authoritative()

	block, status, err := a.getBlock(ctx, node, id, rpc.TransactionDetailsFull)
	if err != nil {
		return ledger.BlockOutput{}, &ledger.ConnectivityError{Chain: a.Chain(), BlockID: id, Node: node.Name, Err: fmt.Errorf("get block: %w", err)}
	}
	if status == fanout.StatusNotFound || block.Blockhash.String() != bc.Identity.Hash {
		got := ""
		if block != nil {
			got = block.Blockhash.String()
		}
		return ledger.BlockOutput{}, &ledger.ConsensusError{
			Chain:     a.Chain(),
			BlockID:   id,
			Reference: bc.Identity.Hash,
			Node:      node.Name,
			Got:       got,
			Reason:    "slot changed between confirmation and processing",
		}
	}

	var (
		fragments  []ledger.Fragment
		currencies = newCurrencySet()
	)
	for i, twm := range block.Transactions {
		tx, err := decode(a.Chain(), id, i, twm)
		if err != nil {
			return ledger.BlockOutput{}, err
		}
		txFragments, err := tx.fragments(a.Chain(), id, uint64(i), currencies)
		if err != nil {
			return ledger.BlockOutput{}, err
		}
		fragments = append(fragments, txFragments...)
	}

	return ledger.Events(fragments, currencies.list()), nil
}

func (a *Adapter) Close() error {
	var errs []error
	for _, c := range a.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
