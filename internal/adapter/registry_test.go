package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marko911/pulse-ledger/internal/fanout"
	"github.com/marko911/pulse-ledger/internal/ledger"
)

type stubAdapter struct{ name string }

func (s *stubAdapter) Name() string               { return s.name }
func (s *stubAdapter) Capabilities() Capabilities { return Capabilities{} }
func (s *stubAdapter) LatestHeight(context.Context) (int64, error) {
	return 0, nil
}
func (s *stubAdapter) ConfirmBlock(context.Context, int64, ledger.TrustMode) (ledger.BlockContext, error) {
	return ledger.BlockContext{}, nil
}
func (s *stubAdapter) ProcessBlock(context.Context, ledger.BlockContext) (ledger.BlockOutput, error) {
	return ledger.Empty(), nil
}
func (s *stubAdapter) Close() error { return nil }

func testSettings(kind string) Settings {
	return Settings{
		Chain: "test",
		Kind:  kind,
		Nodes: fanout.NodeSet{
			{Name: "a", URL: "http://a"},
			{Name: "b", URL: "http://b"},
		},
		Concurrency: 2,
		Timeout:     time.Second,
	}
}

func TestRegistry_New(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", func(ctx context.Context, deps Deps) (Adapter, error) {
		return &stubAdapter{name: deps.Settings.Chain}, nil
	})

	a, err := reg.New(context.Background(), Deps{Settings: testSettings("stub")})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.Name() != "test" {
		t.Errorf("name = %s", a.Name())
	}

	if kinds := reg.Kinds(); len(kinds) != 1 || kinds[0] != "stub" {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestRegistry_UnknownKind(t *testing.T) {
	_, err := NewRegistry().New(context.Background(), Deps{Settings: testSettings("nope")})

	var cfgErr *ledger.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if ledger.Classify(err) != ledger.ClassHalt {
		t.Error("configuration errors should halt")
	}
}

func TestRegistry_RejectsEmptyNodeSet(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", func(ctx context.Context, deps Deps) (Adapter, error) {
		t.Fatal("factory should not run")
		return nil, nil
	})

	s := testSettings("stub")
	s.Nodes = nil
	if _, err := reg.New(context.Background(), Deps{Settings: s}); err == nil {
		t.Fatal("expected error for empty node set")
	}
}

func TestBase_Context(t *testing.T) {
	b := NewBase(Deps{Settings: testSettings("stub")}, "test-adapter")

	id := ledger.BlockIdentity{ID: 10, Hash: "0xabc"}
	bc := b.Context(id, ledger.TrustConsensus)
	if len(bc.Nodes) != 2 || bc.AttemptID == "" || bc.Chain != "test" {
		t.Errorf("unexpected context: %+v", bc)
	}

	fast := b.Context(id, ledger.TrustFast)
	if len(fast.Nodes) != 1 || fast.Nodes[0] != "a" {
		t.Errorf("fast context nodes = %v", fast.Nodes)
	}
	if fast.AttemptID == bc.AttemptID {
		t.Error("attempt ids should be unique")
	}

	opts := b.Options(10, ledger.TrustFast)
	if !opts.Fast || opts.BlockID != 10 || opts.Concurrency != 2 {
		t.Errorf("unexpected options: %+v", opts)
	}

	if !b.EmptyContext(11, ledger.TrustConsensus).Empty {
		t.Error("empty context not flagged")
	}
}

func TestBase_OptionsRequireMinResponses(t *testing.T) {
	s := testSettings("stub")
	s.MinResponses = 2
	b := NewBase(Deps{Settings: s}, "test")

	if opts := b.Options(7, ledger.TrustConsensus); opts.MinSuccess != 2 || opts.Fast || opts.BlockID != 7 {
		t.Errorf("consensus options = %+v", opts)
	}
	if opts := b.Options(7, ledger.TrustFast); opts.MinSuccess != 0 || !opts.Fast {
		t.Errorf("fast options = %+v", opts)
	}

	// One of two nodes down is a connectivity failure when both must answer.
	_, err := fanout.Fetch(context.Background(), s.Nodes, b.Options(7, ledger.TrustConsensus),
		func(_ context.Context, node fanout.Node) (string, fanout.Status, error) {
			if node.Name == "b" {
				return "", fanout.StatusError, errors.New("connection refused")
			}
			return "h7", fanout.StatusSuccess, nil
		})
	if ledger.Classify(err) != ledger.ClassRetryable {
		t.Errorf("Fetch() error = %v, want connectivity error", err)
	}
}

func TestSettings_RequirePositive(t *testing.T) {
	s := testSettings("stub")
	if err := s.RequirePositive("chain_id", 0); err == nil {
		t.Error("expected error for zero value")
	}
	if err := s.RequirePositive("chain_id", 1); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
