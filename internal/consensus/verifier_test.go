package consensus

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/marko911/pulse-ledger/internal/fanout"
	"github.com/marko911/pulse-ledger/internal/ledger"
)

type header struct {
	Hash string
	Time time.Time
}

var headerHash = FieldHash(func(h header) string { return h.Hash })

func responses(hashes ...string) []fanout.Response[header] {
	out := make([]fanout.Response[header], len(hashes))
	for i, h := range hashes {
		out[i] = fanout.Response[header]{
			Node:    fanout.Node{Name: string(rune('a' + i))},
			Status:  fanout.StatusSuccess,
			Payload: header{Hash: h, Time: time.Unix(int64(1000+i), 0)},
		}
	}
	return out
}

func TestVerify_AllAgree(t *testing.T) {
	v := NewVerifier("eth", nil, nil)

	agreement, err := Verify(v, 100, ledger.TrustConsensus, responses("abc", "abc", "abc"), headerHash)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if agreement.Hash != "abc" {
		t.Errorf("hash = %q, want abc", agreement.Hash)
	}
	if agreement.Agreed != 3 || agreement.Empty {
		t.Errorf("unexpected agreement: %+v", agreement)
	}

	stats := v.Stats()
	if stats.BlocksVerified != 1 || stats.BlocksAgreed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestVerify_DisagreementReferencesBlock(t *testing.T) {
	v := NewVerifier("eth", nil, nil)

	_, err := Verify(v, 100, ledger.TrustConsensus, responses("abc", "abc", "xyz"), headerHash)

	var consErr *ledger.ConsensusError
	if !errors.As(err, &consErr) {
		t.Fatalf("expected ConsensusError, got %v", err)
	}
	if consErr.BlockID != 100 {
		t.Errorf("block id = %d, want 100", consErr.BlockID)
	}
	if consErr.Node != "c" || consErr.Got != "xyz" || consErr.Reference != "abc" {
		t.Errorf("unexpected error fields: %+v", consErr)
	}
	if v.Stats().BlocksDisagreed != 1 {
		t.Error("disagreement not counted")
	}
}

func TestVerify_AnyPairDisagreeing(t *testing.T) {
	tests := []struct {
		name   string
		hashes []string
	}{
		{"first differs", []string{"xyz", "abc", "abc"}},
		{"middle differs", []string{"abc", "xyz", "abc"}},
		{"two nodes", []string{"abc", "abd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(NewVerifier("c", nil, nil), 7, ledger.TrustConsensus, responses(tt.hashes...), headerHash)
			if !errors.Is(err, ledger.ErrFingerprintDrift) {
				t.Errorf("expected fingerprint drift, got %v", err)
			}
		})
	}
}

func TestVerify_FastPathTrustsSingleNode(t *testing.T) {
	v := NewVerifier("eth", nil, nil)

	agreement, err := Verify(v, 5, ledger.TrustFast, responses("only"), headerHash)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if agreement.Hash != "only" || agreement.Node != "a" {
		t.Errorf("unexpected agreement: %+v", agreement)
	}
	if v.Stats().FastPath != 1 {
		t.Error("fast path not counted")
	}
}

func TestVerify_FailedAndMissingResponsesDiscarded(t *testing.T) {
	rs := responses("abc", "zzz", "abc", "qqq")
	rs[1].Status = fanout.StatusError
	rs[3].Status = fanout.StatusNotFound

	agreement, err := Verify(NewVerifier("c", nil, nil), 1, ledger.TrustConsensus, rs, headerHash)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if agreement.Agreed != 2 {
		t.Errorf("agreed = %d, want 2", agreement.Agreed)
	}
}

func TestVerify_NothingFoundIsEmpty(t *testing.T) {
	rs := responses("", "")
	rs[0].Status = fanout.StatusNotFound
	rs[1].Status = fanout.StatusNotFound

	agreement, err := Verify(NewVerifier("c", nil, nil), 1, ledger.TrustConsensus, rs, headerHash)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !agreement.Empty {
		t.Error("expected empty agreement")
	}
}

func TestVerify_MinResponses(t *testing.T) {
	rs := responses("abc", "abc", "")
	rs[2].Status = fanout.StatusNotFound

	v := NewVerifier("c", nil, nil)
	v.MinResponses = 3

	_, err := Verify(v, 9, ledger.TrustConsensus, rs, headerHash)
	var consErr *ledger.ConsensusError
	if !errors.As(err, &consErr) {
		t.Fatalf("expected ConsensusError, got %v", err)
	}
	if consErr.BlockID != 9 {
		t.Errorf("block id = %d", consErr.BlockID)
	}
}

func TestVerify_PairedHashTimeUsesReferenceTime(t *testing.T) {
	strategy := PairedHashTime(
		func(h header) string { return h.Hash },
		func(h header) time.Time { return h.Time },
	)

	agreement, err := Verify(NewVerifier("c", nil, nil), 1, ledger.TrustConsensus, responses("abc", "abc"), strategy)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	// The second node reports a different time; times are not compared.
	if !agreement.Time.Equal(time.Unix(1000, 0)) {
		t.Errorf("time = %v, want reference time", agreement.Time)
	}

	id := agreement.Identity(1)
	if id.Hash != "abc" || id.ID != 1 {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestVerify_StrategyErrorIsModuleError(t *testing.T) {
	broken := Strategy[header](func(header) (Fingerprint, error) {
		return Fingerprint{}, errors.New("missing hash")
	})

	_, err := Verify(NewVerifier("c", nil, nil), 1, ledger.TrustConsensus, responses("abc"), broken)
	var modErr *ledger.ModuleError
	if !errors.As(err, &modErr) {
		t.Fatalf("expected ModuleError, got %v", err)
	}
}

func unitResponse(node string, roots map[int64]string, order []int64) fanout.Response[[]fanout.Unit[string]] {
	units := make([]fanout.Unit[string], 0, len(order))
	for _, k := range order {
		root, ok := roots[k]
		u := fanout.Unit[string]{Key: k, Status: fanout.StatusSuccess, Payload: root}
		if !ok {
			u.Status = fanout.StatusNotFound
		}
		units = append(units, u)
	}
	return fanout.Response[[]fanout.Unit[string]]{Node: fanout.Node{Name: node}, Status: fanout.StatusSuccess, Payload: units}
}

func TestComposite_OrderInvariant(t *testing.T) {
	roots := map[int64]string{}
	keys := make([]int64, 32)
	for i := range keys {
		keys[i] = int64(i)
		roots[int64(i)] = string(rune('A' + i%26))
	}

	strategy := Composite(func(root string) string { return root })
	base, _ := strategy(unitResponse("a", roots, keys).Payload)

	rng := rand.New(rand.NewSource(3))
	for n := 0; n < 20; n++ {
		shuffled := append([]int64(nil), keys...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		fp, err := strategy(unitResponse("a", roots, shuffled).Payload)
		if err != nil {
			t.Fatalf("strategy error = %v", err)
		}
		if fp.Hash != base.Hash {
			t.Fatalf("fingerprint depends on arrival order: %s != %s", fp.Hash, base.Hash)
		}
	}
}

func TestComposite_NumericKeyOrder(t *testing.T) {
	roots := map[int64]string{2: "b", 10: "c", 1: "a"}
	fp, _ := Composite(func(root string) string { return root })(unitResponse("a", roots, []int64{10, 2, 1}).Payload)
	if fp.Hash != "abc" {
		t.Errorf("hash = %q, want abc", fp.Hash)
	}
}

func TestComposite_SparseSlotExcluded(t *testing.T) {
	// Slot 33 is empty on every node; the epoch still agrees.
	roots := map[int64]string{32: "r32", 34: "r34"}
	order := []int64{32, 33, 34}

	rs := []fanout.Response[[]fanout.Unit[string]]{
		unitResponse("a", roots, order),
		unitResponse("b", roots, []int64{34, 33, 32}),
	}

	agreement, err := Verify(NewVerifier("beacon", nil, nil), 1, ledger.TrustConsensus, rs, Composite(func(root string) string { return root }))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if agreement.Hash != "r32r34" {
		t.Errorf("hash = %q, want r32r34", agreement.Hash)
	}
}
