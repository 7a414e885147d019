// Package correctness tracks the confirmed chain of one ingestion pipeline:
// reorg detection from parent-hash chaining and the fail-closed watermark.
package correctness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/pulse-ledger/internal/ledger"
	protov1 "github.com/marko911/pulse-ledger/pkg/proto/v1"
)

// ReorgEvent reports that previously confirmed blocks are no longer canonical.
// Blocks after ForkPoint must be reprocessed.
type ReorgEvent struct {
	Chain string

	ForkPoint int64

	OrphanedBlocks []int64

	OrphanedHashes []string

	// NewHash is the identity that exposed the fork.
	NewHash string

	Depth int

	DetectedAt time.Time
}

// Signal converts the event to its wire form.
func (e *ReorgEvent) Signal() *protov1.ReorgSignal {
	return &protov1.ReorgSignal{
		Chain:          e.Chain,
		ForkPoint:      e.ForkPoint,
		Depth:          int32(e.Depth),
		OrphanedBlocks: e.OrphanedBlocks,
		OrphanedHashes: e.OrphanedHashes,
		NewHash:        e.NewHash,
		DetectedAt:     e.DetectedAt,
	}
}

type ReorgCallback func(ctx context.Context, event *ReorgEvent) error

// ReorgDetector follows the confirmed identities of one chain. Identities are
// expected in ascending order; a parent that does not match the tracked block
// below it means the tracked blocks from that height up were orphaned.
type ReorgDetector struct {
	chain      string
	logger     *slog.Logger
	maxTracked int

	mu       sync.RWMutex
	head     *ledger.BlockIdentity
	byHash   map[string]ledger.BlockIdentity
	byHeight map[int64]ledger.BlockIdentity

	callbacks []ReorgCallback
}

func NewReorgDetector(chain string, maxTracked int, logger *slog.Logger) *ReorgDetector {
	if maxTracked <= 0 {
		maxTracked = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ReorgDetector{
		chain:      chain,
		logger:     logger.With("component", "reorg-detector", "chain", chain),
		maxTracked: maxTracked,
		byHash:     make(map[string]ledger.BlockIdentity),
		byHeight:   make(map[int64]ledger.BlockIdentity),
	}
}

func (d *ReorgDetector) OnReorg(cb ReorgCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = append(d.callbacks, cb)
}

// Check reports the reorg that observing id would raise, without recording
// anything.
func (d *ReorgDetector) Check(id ledger.BlockIdentity) *ReorgEvent {
	if id.Hash == "" {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	ev, _ := d.detect(id)
	return ev
}

// Observe records a confirmed identity. When it reveals a fork the orphaned
// blocks are forgotten, the head moves back to the fork point and the
// identity itself is not recorded: the caller reprocesses from ForkPoint+1.
func (d *ReorgDetector) Observe(ctx context.Context, id ledger.BlockIdentity) (*ReorgEvent, error) {
	if id.Hash == "" {
		return nil, nil
	}

	d.mu.Lock()
	event := d.observe(id)
	callbacks := d.callbacks
	d.mu.Unlock()

	if event == nil {
		return nil, nil
	}

	d.logger.Warn("reorg detected",
		"fork_point", event.ForkPoint,
		"depth", event.Depth,
		"new_hash", truncateHash(event.NewHash),
	)
	for _, cb := range callbacks {
		if err := cb(ctx, event); err != nil {
			d.logger.Error("reorg callback failed", "fork_point", event.ForkPoint, "error", err)
		}
	}
	return event, nil
}

type outcome int

const (
	outcomeSkip outcome = iota
	outcomeExtend
	outcomeRestart
	outcomeFork
)

// detect decides what id means for the tracked chain. It does not modify
// the detector.
func (d *ReorgDetector) detect(id ledger.BlockIdentity) (*ReorgEvent, outcome) {
	if d.head == nil {
		return nil, outcomeExtend
	}
	if _, ok := d.byHash[id.Hash]; ok {
		return nil, outcomeSkip
	}
	if id.ID > d.head.ID+1 {
		return nil, outcomeRestart
	}
	if id.ID == d.head.ID+1 && id.ParentHash == d.head.Hash {
		return nil, outcomeExtend
	}

	// The parent is known: the fork is right above it. Otherwise the block
	// below this one is orphaned and the search continues on reprocessing.
	forkPoint := id.ID - 2
	if parent, ok := d.byHash[id.ParentHash]; ok {
		forkPoint = parent.ID
	}

	event := &ReorgEvent{
		Chain:      d.chain,
		ForkPoint:  forkPoint,
		NewHash:    id.Hash,
		DetectedAt: time.Now().UTC(),
	}
	for h := d.head.ID; h > forkPoint; h-- {
		if b, ok := d.byHeight[h]; ok {
			event.OrphanedBlocks = append(event.OrphanedBlocks, b.ID)
			event.OrphanedHashes = append(event.OrphanedHashes, b.Hash)
		}
	}
	if len(event.OrphanedBlocks) == 0 {
		return nil, outcomeSkip
	}
	event.Depth = len(event.OrphanedBlocks)
	return event, outcomeFork
}

func (d *ReorgDetector) observe(id ledger.BlockIdentity) *ReorgEvent {
	event, out := d.detect(id)
	switch out {
	case outcomeSkip:
		d.logger.Debug("block already tracked or below tracked range", "block_id", id.ID)
	case outcomeExtend:
		if d.head == nil {
			d.logger.Info("first block tracked", "block_id", id.ID, "hash", truncateHash(id.Hash))
		}
		d.record(id)
	case outcomeRestart:
		d.logger.Warn("non-contiguous block, restarting chain", "block_id", id.ID, "head", d.head.ID)
		d.reset()
		d.record(id)
	case outcomeFork:
		for i, h := range event.OrphanedBlocks {
			delete(d.byHash, event.OrphanedHashes[i])
			delete(d.byHeight, h)
		}
		if fork, ok := d.byHeight[event.ForkPoint]; ok {
			d.head = &fork
		} else {
			d.head = nil
		}
	}
	return event
}

func (d *ReorgDetector) record(id ledger.BlockIdentity) {
	d.head = &id
	d.byHash[id.Hash] = id
	d.byHeight[id.ID] = id
	d.prune()
}

func (d *ReorgDetector) reset() {
	d.head = nil
	d.byHash = make(map[string]ledger.BlockIdentity)
	d.byHeight = make(map[int64]ledger.BlockIdentity)
}

func (d *ReorgDetector) prune() {
	cutoff := d.head.ID - int64(d.maxTracked)
	for hash, b := range d.byHash {
		if b.ID <= cutoff {
			delete(d.byHash, hash)
			delete(d.byHeight, b.ID)
		}
	}
}

// Head returns the newest tracked identity.
func (d *ReorgDetector) Head() (ledger.BlockIdentity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.head == nil {
		return ledger.BlockIdentity{}, false
	}
	return *d.head, true
}

func truncateHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
