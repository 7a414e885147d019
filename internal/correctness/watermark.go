package correctness

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/pulse-ledger/internal/ledger"
)

var (
	ErrWatermarkRegression = errors.New("watermark regression not allowed")
	ErrNotHalted           = errors.New("watermark is not halted")
)

// HaltSource identifies what stopped the watermark.
type HaltSource string

const (
	HaltModule        HaltSource = "module"
	HaltConfiguration HaltSource = "configuration"
	HaltConsensus     HaltSource = "consensus"
	HaltManual        HaltSource = "manual"
)

type HaltCondition struct {
	Source     HaltSource
	Reason     string
	BlockID    int64
	DetectedAt time.Time
}

// HaltSourceFor maps an error to the halt source it should raise.
func HaltSourceFor(err error) HaltSource {
	var (
		cfgErr *ledger.ConfigurationError
		modErr *ledger.ModuleError
		conErr *ledger.ConsensusError
	)
	switch {
	case errors.As(err, &cfgErr):
		return HaltConfiguration
	case errors.As(err, &modErr):
		return HaltModule
	case errors.As(err, &conErr):
		return HaltConsensus
	default:
		return HaltManual
	}
}

// Watermark is the fail-closed cursor of one chain. It advances only over a
// contiguous run of completed blocks, so blocks may complete out of order, and
// it stops advancing while halted.
type Watermark struct {
	chain  string
	logger *slog.Logger

	mu      sync.RWMutex
	next    int64
	pending map[int64]bool
	halt    *HaltCondition
	updated time.Time
}

// NewWatermark starts the watermark with next as the first block to complete.
func NewWatermark(chain string, next int64, logger *slog.Logger) *Watermark {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watermark{
		chain:   chain,
		logger:  logger.With("component", "watermark", "chain", chain),
		next:    next,
		pending: make(map[int64]bool),
	}
}

// Next is the lowest block id not yet completed.
func (w *Watermark) Next() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.next
}

// Complete marks a block done and returns the new Next.
func (w *Watermark) Complete(id int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.halt != nil {
		return w.next, fmt.Errorf("complete block %d: %w: %s", id, ledger.ErrHalted, w.halt.Reason)
	}
	if id < w.next {
		return w.next, fmt.Errorf("complete block %d below %d: %w", id, w.next, ErrWatermarkRegression)
	}

	w.pending[id] = true
	for w.pending[w.next] {
		delete(w.pending, w.next)
		w.next++
	}
	w.updated = time.Now()
	return w.next, nil
}

// Rewind moves the watermark back after a reorg. Completions at or above to
// are forgotten.
func (w *Watermark) Rewind(to int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id := range w.pending {
		if id >= to {
			delete(w.pending, id)
		}
	}
	if to < w.next {
		w.logger.Warn("watermark rewound", "from", w.next, "to", to)
		w.next = to
	}
}

// Halt stops the watermark. The first condition wins until resolved.
func (w *Watermark) Halt(source HaltSource, blockID int64, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.halt != nil {
		return
	}
	w.halt = &HaltCondition{Source: source, Reason: reason, BlockID: blockID, DetectedAt: time.Now().UTC()}
	w.logger.Error("watermark halted",
		"source", source,
		"block_id", blockID,
		"reason", reason,
	)
}

// Resolve clears the halt after an operator has dealt with the cause.
func (w *Watermark) Resolve(resolution string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.halt == nil {
		return ErrNotHalted
	}
	w.logger.Info("watermark halt resolved",
		"source", w.halt.Source,
		"block_id", w.halt.BlockID,
		"resolution", resolution,
	)
	w.halt = nil
	return nil
}

func (w *Watermark) IsHalted() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.halt != nil
}

func (w *Watermark) HaltReason() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.halt == nil {
		return ""
	}
	return w.halt.Reason
}

// Condition returns a copy of the active halt, if any.
func (w *Watermark) Condition() (HaltCondition, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.halt == nil {
		return HaltCondition{}, false
	}
	return *w.halt, true
}
