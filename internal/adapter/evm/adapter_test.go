package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/fanout"
	"github.com/marko911/pulse-ledger/internal/ledger"
)

// mockNode implements BlockSource for testing.
type mockNode struct {
	chainID  *big.Int
	head     uint64
	headers  map[int64]*types.Header
	blocks   map[int64]*types.Block
	receipts map[common.Hash][]*types.Receipt
	pending  *types.Block
	calls    map[string][]byte
	err      error
}

func newMockNode() *mockNode {
	return &mockNode{
		chainID:  big.NewInt(1),
		headers:  make(map[int64]*types.Header),
		blocks:   make(map[int64]*types.Block),
		receipts: make(map[common.Hash][]*types.Receipt),
		calls:    make(map[string][]byte),
	}
}

func (m *mockNode) ChainID(context.Context) (*big.Int, error) { return m.chainID, m.err }
func (m *mockNode) BlockNumber(context.Context) (uint64, error) {
	return m.head, m.err
}

func (m *mockNode) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	if m.err != nil {
		return nil, m.err
	}
	h, ok := m.headers[n.Int64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (m *mockNode) BlockByNumber(_ context.Context, n *big.Int) (*types.Block, error) {
	if m.err != nil {
		return nil, m.err
	}
	if n.Int64() == int64(rpc.PendingBlockNumber) {
		return m.pending, nil
	}
	b, ok := m.blocks[n.Int64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return b, nil
}

func (m *mockNode) BlockReceipts(_ context.Context, bnh rpc.BlockNumberOrHash) ([]*types.Receipt, error) {
	hash, _ := bnh.Hash()
	return m.receipts[hash], nil
}

func (m *mockNode) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	out, ok := m.calls[hex.EncodeToString(msg.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (m *mockNode) Close() {}

type fixture struct {
	key      *ecdsa.PrivateKey
	from     common.Address
	to       common.Address
	miner    common.Address
	token    common.Address
	header   *types.Header
	block    *types.Block
	receipts []*types.Receipt
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &fixture{
		key:   key,
		from:  crypto.PubkeyToAddress(key.PublicKey),
		to:    common.HexToAddress("0x00000000000000000000000000000000000000b0"),
		miner: common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		token: common.HexToAddress("0x00000000000000000000000000000000000000d0"),
	}

	signer := types.LatestSignerForChainID(big.NewInt(1))
	sign := func(nonce uint64, to common.Address, value int64) *types.Transaction {
		return types.MustSignNewTx(key, signer, &types.DynamicFeeTx{
			ChainID:   big.NewInt(1),
			Nonce:     nonce,
			GasTipCap: big.NewInt(2),
			GasFeeCap: big.NewInt(20),
			Gas:       21000,
			To:        &to,
			Value:     big.NewInt(value),
		})
	}

	txs := []*types.Transaction{
		sign(0, f.to, 1000),
		sign(1, f.token, 0),
		sign(2, f.to, 500),
	}

	f.header = &types.Header{
		Number:     big.NewInt(100),
		ParentHash: common.HexToHash("0x01"),
		Time:       1700000000,
		BaseFee:    big.NewInt(10),
		Coinbase:   f.miner,
		Difficulty: big.NewInt(0),
	}
	f.block = types.NewBlockWithHeader(f.header).WithBody(types.Body{Transactions: txs})

	receipt := func(tx *types.Transaction, status uint64, logs ...*types.Log) *types.Receipt {
		return &types.Receipt{
			Status:            status,
			GasUsed:           21000,
			EffectiveGasPrice: big.NewInt(12),
			TxHash:            tx.Hash(),
			Logs:              logs,
		}
	}
	transferLog := &types.Log{
		Address: f.token,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(f.from.Bytes()),
			common.BytesToHash(f.to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(5000).Bytes(), 32),
	}

	f.receipts = []*types.Receipt{
		receipt(txs[0], types.ReceiptStatusSuccessful),
		receipt(txs[1], types.ReceiptStatusSuccessful, transferLog),
		receipt(txs[2], types.ReceiptStatusFailed),
	}
	return f
}

func (f *fixture) node() *mockNode {
	n := newMockNode()
	n.head = 120
	n.headers[100] = f.header
	n.blocks[100] = f.block
	n.receipts[f.block.Hash()] = f.receipts

	pack := func(method string, v interface{}) {
		out, err := erc20.Methods[method].Outputs.Pack(v)
		if err != nil {
			panic(err)
		}
		n.calls[hex.EncodeToString(erc20.Methods[method].ID)] = out
	}
	pack("name", "Test Token")
	pack("symbol", "TT")
	pack("decimals", uint8(6))
	return n
}

func newTestAdapter(t *testing.T, nodes map[string]*mockNode, names ...string) *Adapter {
	t.Helper()

	set := make(fanout.NodeSet, len(names))
	for i, name := range names {
		set[i] = fanout.Node{Name: name, URL: "http://" + name}
	}
	deps := adapter.Deps{Settings: adapter.Settings{
		Chain:       "ethereum",
		Kind:        Kind,
		Nodes:       set,
		Concurrency: 3,
		Timeout:     time.Second,
		Constants:   adapter.Constants{ChainID: 1, ConfirmationDepth: 6, IndexTokens: true},
	}}

	a, err := NewWithDialer(context.Background(), deps, func(_ context.Context, node fanout.Node) (BlockSource, error) {
		return nodes[node.Name], nil
	})
	if err != nil {
		t.Fatalf("NewWithDialer() error = %v", err)
	}
	return a
}

func TestConfirmBlock_AllNodesAgree(t *testing.T) {
	f := newFixture(t)
	nodes := map[string]*mockNode{"a": f.node(), "b": f.node(), "c": f.node()}
	a := newTestAdapter(t, nodes, "a", "b", "c")

	bc, err := a.ConfirmBlock(context.Background(), 100, ledger.TrustConsensus)
	if err != nil {
		t.Fatalf("ConfirmBlock() error = %v", err)
	}
	if bc.Identity.Hash != f.header.Hash().Hex() {
		t.Errorf("hash = %s", bc.Identity.Hash)
	}
	if !bc.Identity.Time.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("time = %v", bc.Identity.Time)
	}
	if bc.Identity.ParentHash != f.header.ParentHash.Hex() {
		t.Errorf("parent = %s", bc.Identity.ParentHash)
	}
	if len(bc.Nodes) != 3 {
		t.Errorf("nodes = %v", bc.Nodes)
	}
}

func TestConfirmBlock_ForkedNode(t *testing.T) {
	f := newFixture(t)
	forked := f.node()
	other := types.CopyHeader(f.header)
	other.Time++
	forked.headers[100] = other

	a := newTestAdapter(t, map[string]*mockNode{"a": f.node(), "b": f.node(), "c": forked}, "a", "b", "c")

	_, err := a.ConfirmBlock(context.Background(), 100, ledger.TrustConsensus)
	var consErr *ledger.ConsensusError
	if !errors.As(err, &consErr) {
		t.Fatalf("expected ConsensusError, got %v", err)
	}
	if consErr.BlockID != 100 || consErr.Node != "c" {
		t.Errorf("unexpected error fields: %+v", consErr)
	}
}

func TestConfirmBlock_FastPath(t *testing.T) {
	f := newFixture(t)
	down := f.node()
	down.err = errors.New("connection refused")

	a := newTestAdapter(t, map[string]*mockNode{"a": f.node(), "b": down}, "a", "b")

	bc, err := a.ConfirmBlock(context.Background(), 100, ledger.TrustFast)
	if err != nil {
		t.Fatalf("ConfirmBlock() error = %v", err)
	}
	if bc.Mode != ledger.TrustFast || len(bc.Nodes) != 1 {
		t.Errorf("unexpected context: %+v", bc)
	}
}

func TestConfirmBlock_NotYetProduced(t *testing.T) {
	f := newFixture(t)
	a := newTestAdapter(t, map[string]*mockNode{"a": f.node(), "b": f.node()}, "a", "b")

	bc, err := a.ConfirmBlock(context.Background(), 101, ledger.TrustConsensus)
	if err != nil {
		t.Fatalf("ConfirmBlock() error = %v", err)
	}
	if !bc.Empty {
		t.Error("expected empty context")
	}

	out, err := a.ProcessBlock(context.Background(), bc)
	if err != nil || out.Status != ledger.OutputEmpty {
		t.Errorf("ProcessBlock() = %v, %v", out.Status, err)
	}
}

func TestProcessBlock_Fragments(t *testing.T) {
	f := newFixture(t)
	a := newTestAdapter(t, map[string]*mockNode{"a": f.node()}, "a")
	ctx := context.Background()

	bc, err := a.ConfirmBlock(ctx, 100, ledger.TrustConsensus)
	if err != nil {
		t.Fatalf("ConfirmBlock() error = %v", err)
	}
	out, err := a.ProcessBlock(ctx, bc)
	if err != nil {
		t.Fatalf("ProcessBlock() error = %v", err)
	}

	// tx0: fee debit, tip, burn, value pair. tx1: fee triple, token pair. tx2 failed: fee triple.
	if len(out.Fragments) != 13 {
		t.Fatalf("fragments = %d, want 13", len(out.Fragments))
	}

	events := ledger.Assemble(bc, out.Fragments)
	if err := ledger.CheckBalanced(events); err != nil {
		t.Errorf("CheckBalanced() error = %v", err)
	}

	sums := make(map[string]*big.Int)
	for _, e := range events {
		k := e.TxID + "/" + e.Currency
		if sums[k] == nil {
			sums[k] = new(big.Int)
		}
		sums[k].Add(sums[k], e.Effect)
	}
	for k, s := range sums {
		if s.Sign() != 0 {
			t.Errorf("%s sums to %s", k, s)
		}
	}

	first := events[:5]
	want := []struct {
		addr   string
		effect int64
	}{
		{f.from.Hex(), -252000},
		{f.miner.Hex(), 42000},
		{ledger.VoidAddress, 210000},
		{f.from.Hex(), -1000},
		{f.to.Hex(), 1000},
	}
	for i, w := range want {
		if first[i].Address != w.addr || first[i].Effect.Int64() != w.effect {
			t.Errorf("event %d = (%s, %s), want (%s, %d)", i, first[i].Address, first[i].Effect, w.addr, w.effect)
		}
	}

	token := events[8:10]
	if token[0].Currency != f.token.Hex() || token[0].Effect.Int64() != -5000 || token[1].Address != f.to.Hex() {
		t.Errorf("unexpected token events: %+v %+v", token[0], token[1])
	}

	for _, e := range events[10:] {
		if !e.Failed {
			t.Errorf("fragment of failed tx not flagged: %+v", e)
		}
	}

	if len(out.Currencies) != 1 {
		t.Fatalf("currencies = %d", len(out.Currencies))
	}
	c := out.Currencies[0]
	if c.Name != "Test Token" || c.Symbol != "TT" || c.Decimals != 6 {
		t.Errorf("unexpected currency: %+v", c)
	}
}

func TestProcessBlock_TokenPairsStayAdjacent(t *testing.T) {
	f := newFixture(t)
	second := &types.Log{
		Address: f.token,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(f.to.Bytes()),
			common.BytesToHash(f.miner.Bytes()),
		},
		Data:  common.LeftPadBytes(big.NewInt(7).Bytes(), 32),
		Index: 1,
	}
	f.receipts[1].Logs = append(f.receipts[1].Logs, second)

	a := newTestAdapter(t, map[string]*mockNode{"a": f.node()}, "a")
	ctx := context.Background()
	bc, err := a.ConfirmBlock(ctx, 100, ledger.TrustConsensus)
	if err != nil {
		t.Fatalf("ConfirmBlock() error = %v", err)
	}
	out, err := a.ProcessBlock(ctx, bc)
	if err != nil {
		t.Fatalf("ProcessBlock() error = %v", err)
	}

	events := ledger.Assemble(bc, out.Fragments)
	tokens := events[8:12]
	want := []struct {
		addr   string
		effect int64
	}{
		{f.from.Hex(), -5000},
		{f.to.Hex(), 5000},
		{f.to.Hex(), -7},
		{f.miner.Hex(), 7},
	}
	for i, w := range want {
		if tokens[i].Address != w.addr || tokens[i].Effect.Int64() != w.effect || tokens[i].Currency != f.token.Hex() {
			t.Errorf("token event %d = (%s, %s), want (%s, %d)", i, tokens[i].Address, tokens[i].Effect, w.addr, w.effect)
		}
	}
}

func TestTokenCache_RetriesIncompleteDescriptor(t *testing.T) {
	f := newFixture(t)
	n := f.node()
	decimals := hex.EncodeToString(erc20.Methods["decimals"].ID)
	packed := n.calls[decimals]
	delete(n.calls, decimals)

	now := time.Unix(1700000000, 0)
	c := newTokenCache()
	c.now = func() time.Time { return now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	cur := c.describe(ctx, n, f.token, nil, logger)
	if cur.Decimals != 0 || cur.Symbol != "TT" {
		t.Fatalf("first describe = %+v", cur)
	}

	n.calls[decimals] = packed
	if cur := c.describe(ctx, n, f.token, nil, logger); cur.Decimals != 0 {
		t.Errorf("descriptor reread before retry window: %+v", cur)
	}

	now = now.Add(describeRetry + time.Second)
	if cur := c.describe(ctx, n, f.token, nil, logger); cur.Decimals != 6 {
		t.Errorf("descriptor after retry window = %+v", cur)
	}

	// A complete descriptor is kept even when the token later fails to answer.
	delete(n.calls, decimals)
	now = now.Add(24 * time.Hour)
	if cur := c.describe(ctx, n, f.token, nil, logger); cur.Decimals != 6 {
		t.Errorf("complete descriptor dropped: %+v", cur)
	}
}

func TestProcessBlock_ReceiptCountMismatch(t *testing.T) {
	f := newFixture(t)
	n := f.node()
	n.receipts[f.block.Hash()] = f.receipts[:2]

	a := newTestAdapter(t, map[string]*mockNode{"a": n}, "a")
	bc, err := a.ConfirmBlock(context.Background(), 100, ledger.TrustConsensus)
	if err != nil {
		t.Fatalf("ConfirmBlock() error = %v", err)
	}

	_, err = a.ProcessBlock(context.Background(), bc)
	var modErr *ledger.ModuleError
	if !errors.As(err, &modErr) {
		t.Fatalf("expected ModuleError, got %v", err)
	}
}

func TestProcessBlock_HashChangedAfterConfirm(t *testing.T) {
	f := newFixture(t)
	a := newTestAdapter(t, map[string]*mockNode{"a": f.node()}, "a")

	bc := a.Context(ledger.BlockIdentity{ID: 100, Hash: "0xdead"}, ledger.TrustConsensus)
	_, err := a.ProcessBlock(context.Background(), bc)
	if ledger.Classify(err) != ledger.ClassAbort {
		t.Fatalf("expected consensus failure, got %v", err)
	}
}

func TestLatestHeight(t *testing.T) {
	f := newFixture(t)
	a := newTestAdapter(t, map[string]*mockNode{"a": f.node()}, "a")

	h, err := a.LatestHeight(context.Background())
	if err != nil {
		t.Fatalf("LatestHeight() error = %v", err)
	}
	if h != 114 {
		t.Errorf("height = %d, want 114", h)
	}
}

func TestMempool(t *testing.T) {
	f := newFixture(t)
	n := f.node()
	n.pending = f.block
	a := newTestAdapter(t, map[string]*mockNode{"a": n}, "a")

	bc, err := a.ConfirmBlock(context.Background(), ledger.MempoolBlock, ledger.TrustConsensus)
	if err != nil {
		t.Fatalf("ConfirmBlock() error = %v", err)
	}
	out, err := a.ProcessBlock(context.Background(), bc)
	if err != nil {
		t.Fatalf("ProcessBlock() error = %v", err)
	}
	// Two value-bearing transactions; the token call carries no value.
	if len(out.Fragments) != 4 {
		t.Errorf("fragments = %d, want 4", len(out.Fragments))
	}
}

func TestNew_Configuration(t *testing.T) {
	f := newFixture(t)
	nodes := fanout.NodeSet{{Name: "a", URL: "http://a"}}
	dial := func(_ context.Context, node fanout.Node) (BlockSource, error) { return f.node(), nil }

	_, err := NewWithDialer(context.Background(), adapter.Deps{Settings: adapter.Settings{Chain: "eth", Nodes: nodes}}, dial)
	var cfgErr *ledger.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Setting != "chain_id" {
		t.Errorf("expected chain_id configuration error, got %v", err)
	}

	wrong := adapter.Deps{Settings: adapter.Settings{Chain: "eth", Nodes: nodes, Constants: adapter.Constants{ChainID: 137}}}
	if _, err := NewWithDialer(context.Background(), wrong, dial); !errors.As(err, &cfgErr) {
		t.Errorf("expected chain id mismatch, got %v", err)
	}
}
