package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/fanout"
	"github.com/marko911/pulse-ledger/internal/ledger"
	"github.com/marko911/pulse-ledger/internal/platform/noderpc"
)

const genesis = 1606824023

// fakeNode serves slot headers and blocks from in-memory maps. Slots missing
// from roots answer 404.
type fakeNode struct {
	mu          sync.Mutex
	head        int64
	roots       map[int64]string
	withdrawals map[int64][]withdrawal
	// pruned nodes answer headers but 404 every block body.
	pruned bool
}

func (f *fakeNode) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.URL.Path == "/eth/v1/beacon/headers/head":
			f.writeHeader(w, f.head, "0xhead")
		case strings.HasPrefix(r.URL.Path, "/eth/v1/beacon/headers/"):
			slot, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/eth/v1/beacon/headers/"), 10, 64)
			root, ok := f.roots[slot]
			if !ok {
				http.Error(w, `{"code":404,"message":"not found"}`, http.StatusNotFound)
				return
			}
			f.writeHeader(w, slot, root)
		case strings.HasPrefix(r.URL.Path, "/eth/v2/beacon/blocks/"):
			root := strings.TrimPrefix(r.URL.Path, "/eth/v2/beacon/blocks/")
			for slot, rr := range f.roots {
				if rr == root && !f.pruned {
					f.writeBlock(w, slot)
					return
				}
			}
			http.Error(w, `{"code":404,"message":"not found"}`, http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
}

func (f *fakeNode) writeHeader(w http.ResponseWriter, slot int64, root string) {
	fmt.Fprintf(w, `{"data":{"root":%q,"canonical":true,"header":{"message":{"slot":"%d","parent_root":"0xparent%d"}}}}`, root, slot, slot)
}

func (f *fakeNode) writeBlock(w http.ResponseWriter, slot int64) {
	ws, _ := json.Marshal(f.withdrawals[slot])
	if f.withdrawals[slot] == nil {
		ws = []byte("[]")
	}
	fmt.Fprintf(w, `{"version":"deneb","data":{"message":{"slot":"%d","body":{"execution_payload":{"withdrawals":%s}}}}}`, slot, ws)
}

func canonical() *fakeNode {
	return &fakeNode{
		head:  4*10 + 3,
		roots: map[int64]string{8: "0xr8", 9: "0xr9", 11: "0xr11"},
		withdrawals: map[int64][]withdrawal{
			9: {
				{Index: "7", ValidatorIndex: "1001", Address: "0x00000000000000000000000000000000000000a1", Amount: "15"},
				{Index: "8", ValidatorIndex: "1002", Address: "0x00000000000000000000000000000000000000a2", Amount: "0"},
			},
			11: {
				{Index: "9", ValidatorIndex: "1003", Address: "0x00000000000000000000000000000000000000a3", Amount: "32000000000"},
			},
		},
	}
}

func newTestAdapter(t *testing.T, constants adapter.Constants, nodes ...*fakeNode) *Adapter {
	t.Helper()
	var set fanout.NodeSet
	for i, n := range nodes {
		srv := httptest.NewServer(n.handler())
		t.Cleanup(srv.Close)
		set = append(set, fanout.Node{Name: fmt.Sprintf("n%d", i), URL: srv.URL})
	}

	cfg := noderpc.DefaultConfig()
	cfg.RetryCount = 0
	deps := adapter.Deps{Settings: adapter.Settings{
		Chain:     "beacon",
		Kind:      Kind,
		Nodes:     set,
		Timeout:   2 * time.Second,
		Constants: constants,
	}}
	a, err := NewWithClient(deps, noderpc.New(cfg, nil))
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	return a
}

func testConstants() adapter.Constants {
	return adapter.Constants{SlotsPerEpoch: 4, SecondsPerSlot: 12, GenesisTime: genesis, FinalityDelay: 2}
}

func TestConfirmEpoch(t *testing.T) {
	a := newTestAdapter(t, testConstants(), canonical(), canonical(), canonical())

	bc, err := a.ConfirmBlock(context.Background(), 2, ledger.TrustConsensus)
	if err != nil {
		t.Fatalf("ConfirmBlock() error = %v", err)
	}
	if bc.Empty {
		t.Fatal("expected a non-empty epoch")
	}
	if bc.Identity.Hash != "0xr80xr90xr11" {
		t.Errorf("Hash = %q, want roots of slots 8, 9 and 11", bc.Identity.Hash)
	}
	wantTime := time.Unix(genesis+8*12, 0).UTC()
	if !bc.Identity.Time.Equal(wantTime) {
		t.Errorf("Time = %v, want %v", bc.Identity.Time, wantTime)
	}
	if bc.Identity.ParentHash != "0xparent8" {
		t.Errorf("ParentHash = %q", bc.Identity.ParentHash)
	}
	if len(bc.Nodes) != 3 {
		t.Errorf("Nodes = %v", bc.Nodes)
	}
}

func TestConfirmEpochDisagreement(t *testing.T) {
	forked := canonical()
	forked.roots[11] = "0xother"
	a := newTestAdapter(t, testConstants(), canonical(), forked)

	_, err := a.ConfirmBlock(context.Background(), 2, ledger.TrustConsensus)
	var cErr *ledger.ConsensusError
	if !errors.As(err, &cErr) {
		t.Fatalf("error = %v, want ConsensusError", err)
	}
	if cErr.Node != "n1" {
		t.Errorf("Node = %q, want n1", cErr.Node)
	}
}

func TestConfirmEpochWithoutBlocks(t *testing.T) {
	a := newTestAdapter(t, testConstants(), canonical(), canonical())

	bc, err := a.ConfirmBlock(context.Background(), 5, ledger.TrustConsensus)
	if err != nil {
		t.Fatalf("ConfirmBlock() error = %v", err)
	}
	if !bc.Empty {
		t.Error("expected an empty epoch")
	}
	out, err := a.ProcessBlock(context.Background(), bc)
	if err != nil || out.Status != ledger.OutputEmpty {
		t.Errorf("ProcessBlock() = %+v, %v", out, err)
	}
}

func TestProcessWithdrawals(t *testing.T) {
	a := newTestAdapter(t, testConstants(), canonical(), canonical())
	ctx := context.Background()

	bc, err := a.ConfirmBlock(ctx, 2, ledger.TrustConsensus)
	if err != nil {
		t.Fatalf("ConfirmBlock() error = %v", err)
	}
	out, err := a.ProcessBlock(ctx, bc)
	if err != nil {
		t.Fatalf("ProcessBlock() error = %v", err)
	}

	// The zero-amount withdrawal is skipped.
	if len(out.Fragments) != 4 {
		t.Fatalf("fragments = %d, want 4", len(out.Fragments))
	}

	first := out.Fragments[0]
	if first.Address != ledger.VoidAddress || first.Effect.String() != "-15000000000" {
		t.Errorf("first fragment = %s %s", first.Address, first.Effect)
	}
	if first.ExtraIndexed != "1001" || first.Extra != "withdrawal" {
		t.Errorf("first extras = %q %q", first.Extra, first.ExtraIndexed)
	}

	last := out.Fragments[3]
	if last.Address != "0x00000000000000000000000000000000000000a3" || last.Effect.String() != "32000000000000000000" {
		t.Errorf("last fragment = %s %s", last.Address, last.Effect)
	}
	if last.Order.Primary != 9 || last.TxID != "withdrawal-9" {
		t.Errorf("last order = %+v %s", last.Order, last.TxID)
	}

	events := ledger.Assemble(bc, out.Fragments)
	if err := ledger.CheckBalanced(events); err != nil {
		t.Errorf("CheckBalanced() error = %v", err)
	}
}

func TestProcessEpochChanged(t *testing.T) {
	node := canonical()
	a := newTestAdapter(t, testConstants(), node)
	ctx := context.Background()

	bc, err := a.ConfirmBlock(ctx, 2, ledger.TrustConsensus)
	if err != nil {
		t.Fatalf("ConfirmBlock() error = %v", err)
	}
	node.mu.Lock()
	node.roots[8] = "0xreplaced"
	node.mu.Unlock()

	_, err = a.ProcessBlock(ctx, bc)
	if ledger.Classify(err) != ledger.ClassAbort {
		t.Errorf("error = %v, want consensus abort", err)
	}
}

func TestProcessMissingBlockBody(t *testing.T) {
	node := canonical()
	a := newTestAdapter(t, testConstants(), node)
	ctx := context.Background()

	bc, err := a.ConfirmBlock(ctx, 2, ledger.TrustConsensus)
	if err != nil {
		t.Fatalf("ConfirmBlock() error = %v", err)
	}
	node.mu.Lock()
	node.pruned = true
	node.mu.Unlock()

	_, err = a.ProcessBlock(ctx, bc)
	var connErr *ledger.ConnectivityError
	if !errors.As(err, &connErr) || !errors.Is(err, fanout.ErrUnexpectedStatus) {
		t.Errorf("error = %v, want connectivity error for the missing body", err)
	}
}

func TestLatestHeight(t *testing.T) {
	a := newTestAdapter(t, testConstants(), canonical())

	got, err := a.LatestHeight(context.Background())
	if err != nil {
		t.Fatalf("LatestHeight() error = %v", err)
	}
	// head slot 43 is in epoch 10; two epochs of finality delay.
	if got != 8 {
		t.Errorf("LatestHeight() = %d, want 8", got)
	}
}

func TestMissingConstants(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*adapter.Constants)
		setting string
	}{
		{"slots per epoch", func(c *adapter.Constants) { c.SlotsPerEpoch = 0 }, "slots_per_epoch"},
		{"seconds per slot", func(c *adapter.Constants) { c.SecondsPerSlot = 0 }, "seconds_per_slot"},
		{"genesis", func(c *adapter.Constants) { c.GenesisTime = 0 }, "genesis_time"},
		{"finality delay", func(c *adapter.Constants) { c.FinalityDelay = -1 }, "finality_delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConstants()
			tt.mutate(&c)
			deps := adapter.Deps{Settings: adapter.Settings{
				Chain:     "beacon",
				Nodes:     fanout.NodeSet{{Name: "n0", URL: "http://127.0.0.1:1"}},
				Constants: c,
			}}
			_, err := NewWithClient(deps, noderpc.New(noderpc.DefaultConfig(), nil))
			var cfgErr *ledger.ConfigurationError
			if !errors.As(err, &cfgErr) || cfgErr.Setting != tt.setting {
				t.Errorf("error = %v, want configuration error for %s", err, tt.setting)
			}
		})
	}
}
