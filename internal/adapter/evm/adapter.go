// Package evm adapts Ethereum and EVM-compatible execution chains: native
// value transfers, transaction fees and ERC-20 token transfers.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/consensus"
	"github.com/marko911/pulse-ledger/internal/fanout"
	"github.com/marko911/pulse-ledger/internal/ledger"
)

const Kind = "evm"

// headerFingerprint identifies a block by its header hash. Time and parent
// come from the reference header.
var headerFingerprint consensus.Strategy[*types.Header] = func(h *types.Header) (consensus.Fingerprint, error) {
	if h == nil || h.Number == nil {
		return consensus.Fingerprint{}, errors.New("header without number")
	}
	return consensus.Fingerprint{
		Hash:   h.Hash().Hex(),
		Time:   time.Unix(int64(h.Time), 0).UTC(),
		Parent: h.ParentHash.Hex(),
	}, nil
}

type Adapter struct {
	*adapter.Base

	chainID     *big.Int
	signer      types.Signer
	depth       int64
	indexTokens bool

	clients map[string]BlockSource
	tokens  *tokenCache
}

var _ adapter.Adapter = (*Adapter)(nil)

// New is the registry factory for the evm kind.
func New(ctx context.Context, deps adapter.Deps) (adapter.Adapter, error) {
	return NewWithDialer(ctx, deps, DialRPC)
}

func NewWithDialer(ctx context.Context, deps adapter.Deps, dial Dialer) (*Adapter, error) {
	s := deps.Settings
	if err := s.RequirePositive("chain_id", s.Constants.ChainID); err != nil {
		return nil, err
	}

	clients, err := dialAll(ctx, s.Nodes, dial)
	if err != nil {
		return nil, fmt.Errorf("connect evm nodes: %w", err)
	}

	chainID := big.NewInt(s.Constants.ChainID)
	a := &Adapter{
		Base:        adapter.NewBase(deps, "evm-adapter"),
		chainID:     chainID,
		signer:      types.LatestSignerForChainID(chainID),
		depth:       s.Constants.ConfirmationDepth,
		indexTokens: s.Constants.IndexTokens,
		clients:     clients,
		tokens:      newTokenCache(),
	}

	if err := a.checkChainID(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Logger.Info("evm adapter ready",
		"chain_id", s.Constants.ChainID,
		"nodes", len(s.Nodes),
		"confirmation_depth", a.depth,
		"index_tokens", a.indexTokens,
	)
	return a, nil
}

// checkChainID compares the authoritative node's chain id with the configured
// one. An unreachable node is not fatal here; the first block fetch reports it.
func (a *Adapter) checkChainID(ctx context.Context) error {
	node := a.Nodes().Authoritative()
	got, err := a.clients[node.Name].ChainID(ctx)
	if err != nil {
		a.Logger.Warn("could not verify chain id", "node", node.Name, "error", err)
		return nil
	}
	if got.Cmp(a.chainID) != 0 {
		return &ledger.ConfigurationError{
			Chain:   a.Chain(),
			Setting: "chain_id",
			Reason:  fmt.Sprintf("is %s but node %s reports %s", a.chainID, node.Name, got),
		}
	}
	return nil
}

func (a *Adapter) Name() string { return Kind }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{ReorgSafe: true, Mempool: true}
}

func (a *Adapter) authoritative() (fanout.Node, BlockSource) {
	node := a.Nodes().Authoritative()
	return node, a.clients[node.Name]
}

func (a *Adapter) LatestHeight(ctx context.Context) (int64, error) {
	node, client := a.authoritative()
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, &ledger.ConnectivityError{Chain: a.Chain(), Node: node.Name, Err: fmt.Errorf("get block number: %w", err)}
	}
	return int64(head) - a.depth, nil
}

func (a *Adapter) ConfirmBlock(ctx context.Context, id int64, mode ledger.TrustMode) (ledger.BlockContext, error) {
	if id == ledger.MempoolBlock {
		return a.Context(ledger.BlockIdentity{ID: id, Time: time.Now().UTC()}, ledger.TrustFast), nil
	}

	responses, err := fanout.Fetch(ctx, a.Nodes(), a.Options(id, mode),
		func(ctx context.Context, node fanout.Node) (*types.Header, fanout.Status, error) {
			h, err := a.clients[node.Name].HeaderByNumber(ctx, big.NewInt(id))
			if errors.Is(err, ethereum.NotFound) {
				return nil, fanout.StatusNotFound, nil
			}
			if err != nil {
				return nil, fanout.StatusError, err
			}
			return h, fanout.StatusSuccess, nil
		})
	if err != nil {
		return ledger.BlockContext{}, err
	}

	agreement, err := consensus.Verify(a.Verifier, id, mode, responses, headerFingerprint)
	if err != nil {
		return ledger.BlockContext{}, err
	}
	if agreement.Empty {
		return a.EmptyContext(id, mode), nil
	}
	return a.Context(agreement.Identity(id), mode), nil
}

func (a *Adapter) ProcessBlock(ctx context.Context, bc ledger.BlockContext) (ledger.BlockOutput, error) {
	if bc.Empty {
		return ledger.Empty(), nil
	}
	if bc.Identity.ID == ledger.MempoolBlock {
		return a.processMempool(ctx)
	}

	id := bc.Identity.ID
	node, client := a.authoritative()

	block, err := client.BlockByNumber(ctx, big.NewInt(id))
	if err != nil {
		return ledger.BlockOutput{}, &ledger.ConnectivityError{Chain: a.Chain(), BlockID: id, Node: node.Name, Err: fmt.Errorf("get block: %w", err)}
	}
	if got := block.Hash().Hex(); got != bc.Identity.Hash {
		return ledger.BlockOutput{}, &ledger.ConsensusError{
			Chain:     a.Chain(),
			BlockID:   id,
			Reference: bc.Identity.Hash,
			Node:      node.Name,
			Got:       got,
			Reason:    "block hash changed between confirmation and processing",
		}
	}

	receipts, err := client.BlockReceipts(ctx, rpc.BlockNumberOrHashWithHash(block.Hash(), true))
	if err != nil {
		return ledger.BlockOutput{}, &ledger.ConnectivityError{Chain: a.Chain(), BlockID: id, Node: node.Name, Err: fmt.Errorf("get receipts: %w", err)}
	}

	txs := block.Transactions()
	if len(receipts) != len(txs) {
		return ledger.BlockOutput{}, ledger.ModuleErrorf(a.Chain(), id,
			"block has %d transactions but %d receipts", len(txs), len(receipts))
	}

	var (
		fragments  []ledger.Fragment
		currencies []ledger.Currency
		seen       = make(map[common.Address]bool)
	)

	for i, tx := range txs {
		receipt := receipts[i]
		if receipt.TxHash != tx.Hash() {
			return ledger.BlockOutput{}, ledger.ModuleErrorf(a.Chain(), id,
				"receipt %d belongs to %s, expected %s", i, receipt.TxHash.Hex(), tx.Hash().Hex())
		}

		from, err := types.Sender(a.signer, tx)
		if err != nil {
			return ledger.BlockOutput{}, &ledger.ModuleError{Chain: a.Chain(), BlockID: id, Reason: "recover sender of " + tx.Hash().Hex(), Err: err}
		}

		primary := uint64(i)
		failed := receipt.Status == types.ReceiptStatusFailed

		txFragments := feeFragments(tx, receipt, from, block.Header(), primary)

		if !failed {
			txFragments = append(txFragments, valueFragments(tx, receipt, from, primary)...)

			if a.indexTokens {
				transfers := tokenTransfers(tx.Hash().Hex(), receipt.Logs, primary)
				txFragments = append(txFragments, transfers...)
				for _, f := range transfers {
					addr := common.HexToAddress(f.Currency)
					if seen[addr] {
						continue
					}
					seen[addr] = true
					currencies = append(currencies, a.tokens.describe(ctx, client, addr, block.Number(), a.Logger))
				}
			}
		}

		if failed {
			for j := range txFragments {
				txFragments[j].Failed = true
			}
		}
		fragments = append(fragments, txFragments...)
	}

	return ledger.Events(fragments, currencies), nil
}

// processMempool reads the pending pseudo block from the authoritative node.
// Only value transfers are emitted; fees are unknown until inclusion.
func (a *Adapter) processMempool(ctx context.Context) (ledger.BlockOutput, error) {
	node, client := a.authoritative()

	block, err := client.BlockByNumber(ctx, big.NewInt(int64(rpc.PendingBlockNumber)))
	if err != nil {
		return ledger.BlockOutput{}, &ledger.ConnectivityError{Chain: a.Chain(), BlockID: ledger.MempoolBlock, Node: node.Name, Err: fmt.Errorf("get pending block: %w", err)}
	}

	var fragments []ledger.Fragment
	for i, tx := range block.Transactions() {
		if tx.Value().Sign() <= 0 || tx.To() == nil {
			continue
		}
		from, err := types.Sender(a.signer, tx)
		if err != nil {
			a.Logger.Debug("skipping pending transaction", "tx", tx.Hash().Hex(), "error", err)
			continue
		}
		pair := ledger.Transfer(tx.Hash().Hex(), from.Hex(), tx.To().Hex(), tx.Value(), uint64(i), adapter.ValueDebit)
		fragments = append(fragments, pair[:]...)
	}
	return ledger.Events(fragments, nil), nil
}

func (a *Adapter) Close() error {
	for _, c := range a.clients {
		c.Close()
	}
	return nil
}

// feeFragments debits the full fee from the sender and credits the priority
// part to the block producer and the burnt part to the void.
func feeFragments(tx *types.Transaction, receipt *types.Receipt, from common.Address, header *types.Header, primary uint64) []ledger.Fragment {
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = tx.GasPrice()
	}
	gas := new(big.Int).SetUint64(receipt.GasUsed)
	fee := new(big.Int).Mul(price, gas)

	burnt := new(big.Int)
	if header.BaseFee != nil {
		burnt.Mul(header.BaseFee, gas)
	}
	if receipt.BlobGasPrice != nil && receipt.BlobGasUsed > 0 {
		blob := new(big.Int).Mul(receipt.BlobGasPrice, new(big.Int).SetUint64(receipt.BlobGasUsed))
		fee.Add(fee, blob)
		burnt.Add(burnt, blob)
	}
	tip := new(big.Int).Sub(fee, burnt)

	if fee.Sign() == 0 {
		return nil
	}

	txID := tx.Hash().Hex()
	key := func(t uint8) ledger.OrderKey {
		return ledger.OrderKey{Primary: primary, Secondary: txID, Tertiary: t}
	}

	out := []ledger.Fragment{{TxID: txID, Address: from.Hex(), Effect: new(big.Int).Neg(fee), Order: key(adapter.FeeDebit)}}
	if tip.Sign() != 0 {
		out = append(out, ledger.Fragment{TxID: txID, Address: header.Coinbase.Hex(), Effect: tip, Order: key(adapter.FeeCredit)})
	}
	if burnt.Sign() != 0 {
		out = append(out, ledger.Fragment{TxID: txID, Address: ledger.VoidAddress, Effect: burnt, Extra: "burnt", Order: key(adapter.FeeCredit)})
	}
	return out
}

func valueFragments(tx *types.Transaction, receipt *types.Receipt, from common.Address, primary uint64) []ledger.Fragment {
	if tx.Value().Sign() <= 0 {
		return nil
	}
	to := receipt.ContractAddress
	if tx.To() != nil {
		to = *tx.To()
	}
	pair := ledger.Transfer(tx.Hash().Hex(), from.Hex(), to.Hex(), tx.Value(), primary, adapter.ValueDebit)
	return pair[:]
}
