package correctness

import (
	"errors"
	"testing"

	"github.com/marko911/pulse-ledger/internal/ledger"
)

func TestWatermark_ContiguousAdvance(t *testing.T) {
	w := NewWatermark("ethereum", 100, nil)

	steps := []struct {
		complete int64
		want     int64
	}{
		{102, 100},
		{101, 100},
		{100, 103},
		{104, 103},
		{103, 105},
	}
	for _, s := range steps {
		got, err := w.Complete(s.complete)
		if err != nil {
			t.Fatalf("Complete(%d) error = %v", s.complete, err)
		}
		if got != s.want {
			t.Errorf("Complete(%d) = %d, want %d", s.complete, got, s.want)
		}
	}
}

func TestWatermark_Regression(t *testing.T) {
	w := NewWatermark("ethereum", 100, nil)
	w.Complete(100)

	_, err := w.Complete(99)
	if !errors.Is(err, ErrWatermarkRegression) {
		t.Errorf("error = %v, want ErrWatermarkRegression", err)
	}
}

func TestWatermark_HaltAndResolve(t *testing.T) {
	w := NewWatermark("ethereum", 100, nil)

	if err := w.Resolve("nothing"); !errors.Is(err, ErrNotHalted) {
		t.Errorf("Resolve() error = %v, want ErrNotHalted", err)
	}

	w.Halt(HaltModule, 100, "receipt count mismatch")
	w.Halt(HaltManual, 101, "second halt is ignored")

	if !w.IsHalted() {
		t.Fatal("expected halted")
	}
	if w.HaltReason() != "receipt count mismatch" {
		t.Errorf("HaltReason() = %q", w.HaltReason())
	}
	cond, ok := w.Condition()
	if !ok || cond.Source != HaltModule || cond.BlockID != 100 {
		t.Errorf("Condition() = %+v, %v", cond, ok)
	}

	if _, err := w.Complete(100); !errors.Is(err, ledger.ErrHalted) {
		t.Errorf("Complete() while halted error = %v, want ErrHalted", err)
	}

	if err := w.Resolve("operator fixed the node"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if w.IsHalted() {
		t.Error("still halted after resolve")
	}
	if next, err := w.Complete(100); err != nil || next != 101 {
		t.Errorf("Complete() after resolve = %d, %v", next, err)
	}
}

func TestWatermark_Rewind(t *testing.T) {
	w := NewWatermark("ethereum", 100, nil)
	for _, id := range []int64{100, 101, 102, 105} {
		w.Complete(id)
	}

	w.Rewind(101)
	if w.Next() != 101 {
		t.Errorf("Next() = %d, want 101", w.Next())
	}
	// 105 was forgotten, so completing 101..104 stops at 105.
	for _, id := range []int64{101, 102, 103, 104} {
		w.Complete(id)
	}
	if w.Next() != 105 {
		t.Errorf("Next() = %d, want 105", w.Next())
	}
}

func TestHaltSourceFor(t *testing.T) {
	tests := []struct {
		err  error
		want HaltSource
	}{
		{&ledger.ConfigurationError{Chain: "c", Setting: "nodes"}, HaltConfiguration},
		{ledger.ModuleErrorf("c", 1, "bad"), HaltModule},
		{&ledger.ConsensusError{Chain: "c"}, HaltConsensus},
		{errors.New("other"), HaltManual},
	}
	for _, tt := range tests {
		if got := HaltSourceFor(tt.err); got != tt.want {
			t.Errorf("HaltSourceFor(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
