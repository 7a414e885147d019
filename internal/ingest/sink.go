package ingest

import (
	"context"
	"fmt"

	"github.com/marko911/pulse-ledger/internal/ledger"
	protov1 "github.com/marko911/pulse-ledger/pkg/proto/v1"
)

// Sink receives assembled blocks. Writes must be idempotent per block: a block
// is written again when it is retried or reprocessed after a reorg.
type Sink interface {
	WriteBlock(ctx context.Context, block ledger.AssembledBlock) error
}

// MultiSink writes to every sink in order and stops at the first failure.
type MultiSink []Sink

func (m MultiSink) WriteBlock(ctx context.Context, block ledger.AssembledBlock) error {
	for i, s := range m {
		if err := s.WriteBlock(ctx, block); err != nil {
			return fmt.Errorf("sink %d: %w", i, err)
		}
	}
	return nil
}

// ConfirmationStore remembers the hash each block was confirmed with, so a
// later pass over the same block can take the fast path and cross-check it.
type ConfirmationStore interface {
	Get(ctx context.Context, chain string, id int64) (string, bool, error)
	Put(ctx context.Context, chain string, id int64, hash string) error
}

// Forgetter is implemented by confirmation stores that can drop entries for
// heights orphaned by a reorg.
type Forgetter interface {
	Forget(ctx context.Context, chain string, from, to int64) error
}

// SignalPublisher announces that blocks after a fork point must be reprocessed.
type SignalPublisher interface {
	PublishReorg(ctx context.Context, signal *protov1.ReorgSignal) error
}

// CursorStore persists the watermark of a chain: the last block below which
// every block has been written.
type CursorStore interface {
	LastBlock(ctx context.Context, chain string) (int64, bool, error)
	SaveCursor(ctx context.Context, chain string, last int64) error
}
