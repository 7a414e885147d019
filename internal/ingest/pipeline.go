// Package ingest drives chain adapters through confirmation, processing and
// assembly, and hands the assembled blocks to the configured sinks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/correctness"
	"github.com/marko911/pulse-ledger/internal/ledger"
	"github.com/marko911/pulse-ledger/internal/platform/metrics"
)

type Config struct {
	Chain        string
	StartBlock   int64
	PollInterval time.Duration
	Backoff      Backoff
	// MaxRetries bounds connectivity retries per block. Zero retries until
	// the context is cancelled.
	MaxRetries int
	// ConsensusRetries is how many consensus failures of one block are
	// tolerated before the pipeline halts.
	ConsensusRetries int
	CheckBalance     bool
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     12 * time.Second,
		Backoff:          DefaultBackoff(),
		ConsensusRetries: 3,
		CheckBalance:     true,
	}
}

type Options struct {
	// Complement confirms the same blocks as the main adapter and adds its
	// fragments to every block.
	Complement adapter.Adapter
	Sink       Sink
	Store      ConfirmationStore
	Cursor     CursorStore
	Signals    SignalPublisher
	Reorg      *correctness.ReorgDetector
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

type Stats struct {
	BlocksProcessed   uint64
	BlocksEmpty       uint64
	EventsEmitted     uint64
	FastPath          uint64
	Retries           uint64
	ConsensusFailures uint64
	Reorgs            uint64
	LastBlock         int64
	LastBlockAt       time.Time
}

// ReorgError stops sequential processing at a block whose identity does not
// chain onto the blocks already written.
type ReorgError struct {
	Event *correctness.ReorgEvent
}

func (e *ReorgError) Error() string {
	return fmt.Sprintf("%s: reorg of depth %d after block %d", e.Event.Chain, e.Event.Depth, e.Event.ForkPoint)
}

type Pipeline struct {
	cfg        Config
	main       adapter.Adapter
	complement adapter.Adapter
	sink       Sink
	store      ConfirmationStore
	cursor     CursorStore
	signals    SignalPublisher
	reorg      *correctness.ReorgDetector
	metrics    *metrics.Metrics
	logger     *slog.Logger

	watermark *correctness.Watermark

	mu    sync.Mutex
	stats Stats
}

func New(ctx context.Context, main adapter.Adapter, cfg Config, opts Options) (*Pipeline, error) {
	if main == nil {
		return nil, &ledger.ConfigurationError{Chain: cfg.Chain, Setting: "adapter"}
	}
	if opts.Sink == nil {
		return nil, &ledger.ConfigurationError{Chain: cfg.Chain, Setting: "sink"}
	}
	if c := opts.Complement; c != nil && c.Capabilities().Complements != main.Name() {
		return nil, &ledger.ConfigurationError{
			Chain:   cfg.Chain,
			Setting: "complement",
			Reason:  fmt.Sprintf("%s adapter does not complement %s", c.Name(), main.Name()),
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline", "chain", cfg.Chain)

	start := cfg.StartBlock
	if opts.Cursor != nil {
		last, ok, err := opts.Cursor.LastBlock(ctx, cfg.Chain)
		if err != nil {
			return nil, fmt.Errorf("load cursor: %w", err)
		}
		if ok && last+1 > start {
			logger.Info("resuming from stored cursor", "last_block", last)
			start = last + 1
		}
	}

	p := &Pipeline{
		cfg:        cfg,
		main:       main,
		complement: opts.Complement,
		sink:       opts.Sink,
		store:      opts.Store,
		cursor:     opts.Cursor,
		signals:    opts.Signals,
		reorg:      opts.Reorg,
		metrics:    opts.Metrics,
		logger:     logger,
		watermark:  correctness.NewWatermark(cfg.Chain, start, logger),
	}
	if p.reorg != nil {
		p.reorg.OnReorg(p.countReorg)
	}
	return p, nil
}

func (p *Pipeline) countReorg(_ context.Context, ev *correctness.ReorgEvent) error {
	p.mu.Lock()
	p.stats.Reorgs++
	p.mu.Unlock()
	p.metrics.Reorg(p.cfg.Chain, ev.Depth)
	return nil
}

// Step confirms, processes and writes one block.
func (p *Pipeline) Step(ctx context.Context, id int64, mode ledger.TrustMode) (ledger.AssembledBlock, error) {
	return p.step(ctx, id, mode, false)
}

func (p *Pipeline) step(ctx context.Context, id int64, mode ledger.TrustMode, observe bool) (ledger.AssembledBlock, error) {
	bc, cbc, err := p.confirm(ctx, id, mode)
	if err != nil {
		return ledger.AssembledBlock{}, err
	}

	// The detector only learns the identity once the block is written, so a
	// failed attempt leaves nothing behind.
	track := observe && p.reorg != nil && !bc.Empty && p.main.Capabilities().ReorgSafe
	if track && p.reorg.Check(bc.Identity) != nil {
		ev, err := p.reorg.Observe(ctx, bc.Identity)
		if err != nil {
			return ledger.AssembledBlock{}, err
		}
		if ev != nil {
			return ledger.AssembledBlock{}, &ReorgError{Event: ev}
		}
	}

	out, err := p.main.ProcessBlock(ctx, bc)
	if err != nil {
		return ledger.AssembledBlock{}, err
	}
	if p.complement != nil {
		extra, err := p.complement.ProcessBlock(ctx, cbc)
		if err != nil {
			return ledger.AssembledBlock{}, err
		}
		out = out.Merge(extra)
	}

	block := ledger.AssembleOutput(bc, out)
	if p.cfg.CheckBalance {
		if err := ledger.CheckBalanced(block.Events); err != nil {
			return ledger.AssembledBlock{}, &ledger.ModuleError{Chain: p.cfg.Chain, BlockID: id, Reason: "unbalanced events", Err: err}
		}
	}

	if err := p.sink.WriteBlock(ctx, block); err != nil {
		return ledger.AssembledBlock{}, fmt.Errorf("write block %d: %w", id, err)
	}

	if p.store != nil && bc.Mode == ledger.TrustConsensus && !bc.Empty {
		if err := p.store.Put(ctx, p.cfg.Chain, id, bc.Identity.Hash); err != nil {
			p.logger.Warn("failed to store confirmation", "block_id", id, "error", err)
		}
	}

	if track {
		if _, err := p.reorg.Observe(ctx, bc.Identity); err != nil {
			return ledger.AssembledBlock{}, err
		}
	}

	p.recordBlock(block)
	return block, nil
}

// confirm establishes the block identity. A block confirmed before is read
// from the authoritative node only and must match the stored hash; otherwise
// it is confirmed again across all nodes.
func (p *Pipeline) confirm(ctx context.Context, id int64, mode ledger.TrustMode) (ledger.BlockContext, ledger.BlockContext, error) {
	var stored string
	if mode == ledger.TrustConsensus && p.store != nil && id != ledger.MempoolBlock {
		hash, ok, err := p.store.Get(ctx, p.cfg.Chain, id)
		if err != nil {
			p.logger.Warn("failed to read stored confirmation", "block_id", id, "error", err)
		} else if ok {
			stored = hash
			mode = ledger.TrustFast
		}
	}

	bc, err := p.main.ConfirmBlock(ctx, id, mode)
	if err != nil {
		return ledger.BlockContext{}, ledger.BlockContext{}, err
	}
	if stored != "" {
		if bc.Identity.Hash == stored {
			p.mu.Lock()
			p.stats.FastPath++
			p.mu.Unlock()
		} else {
			p.logger.Warn("stored confirmation differs, verifying across nodes",
				"block_id", id,
				"stored", stored,
				"got", bc.Identity.Hash,
			)
			mode = ledger.TrustConsensus
			if bc, err = p.main.ConfirmBlock(ctx, id, mode); err != nil {
				return ledger.BlockContext{}, ledger.BlockContext{}, err
			}
		}
	}

	if p.complement == nil {
		return bc, ledger.BlockContext{}, nil
	}

	cbc, err := p.complement.ConfirmBlock(ctx, id, mode)
	if err != nil {
		return ledger.BlockContext{}, ledger.BlockContext{}, err
	}
	if cbc.Empty != bc.Empty || cbc.Identity.Hash != bc.Identity.Hash {
		return ledger.BlockContext{}, ledger.BlockContext{}, &ledger.ConsensusError{
			Chain:     p.cfg.Chain,
			BlockID:   id,
			Reference: bc.Identity.Hash,
			Node:      p.complement.Name(),
			Got:       cbc.Identity.Hash,
			Reason:    "complement adapter confirmed a different block",
		}
	}
	return bc, cbc, nil
}

func (p *Pipeline) recordBlock(block ledger.AssembledBlock) {
	status := "events"
	if len(block.Events) == 0 {
		status = "empty"
	}
	id := block.Context.Identity.ID

	p.mu.Lock()
	p.stats.BlocksProcessed++
	if status == "empty" {
		p.stats.BlocksEmpty++
	}
	p.stats.EventsEmitted += uint64(len(block.Events))
	if id > p.stats.LastBlock {
		p.stats.LastBlock = id
	}
	p.stats.LastBlockAt = time.Now()
	p.mu.Unlock()

	p.metrics.BlockDone(p.cfg.Chain, status, len(block.Events))
	p.logger.Debug("block written", "block_id", id, "events", len(block.Events), "mode", block.Context.Mode)
}

// process runs one block until it is written, retrying transient failures.
// Consensus failures are retried after the poll interval up to the
// configured limit; module and configuration failures halt the pipeline.
func (p *Pipeline) process(ctx context.Context, id int64, observe bool) error {
	var attempts, consensusFailures int
	for {
		if p.watermark.IsHalted() {
			return fmt.Errorf("block %d: %w: %s", id, ledger.ErrHalted, p.watermark.HaltReason())
		}

		_, err := p.step(ctx, id, ledger.TrustConsensus, observe)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var reorgErr *ReorgError
		if errors.As(err, &reorgErr) {
			return err
		}

		switch ledger.Classify(err) {
		case ledger.ClassHalt:
			p.watermark.Halt(correctness.HaltSourceFor(err), id, err.Error())
			return err

		case ledger.ClassAbort:
			consensusFailures++
			p.mu.Lock()
			p.stats.ConsensusFailures++
			p.mu.Unlock()
			p.logger.Error("block failed consensus", "block_id", id, "failures", consensusFailures, "error", err)
			if consensusFailures > p.cfg.ConsensusRetries {
				p.watermark.Halt(correctness.HaltConsensus, id, err.Error())
				return err
			}
			if err := sleep(ctx, p.cfg.PollInterval); err != nil {
				return err
			}

		default:
			attempts++
			if p.cfg.MaxRetries > 0 && attempts > p.cfg.MaxRetries {
				return fmt.Errorf("block %d after %d retries: %w", id, p.cfg.MaxRetries, err)
			}
			p.mu.Lock()
			p.stats.Retries++
			p.mu.Unlock()
			delay := p.cfg.Backoff.Delay(attempts)
			p.logger.Warn("retrying block", "block_id", id, "attempt", attempts, "backoff", delay, "error", err)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) latest(ctx context.Context) (int64, error) {
	for attempt := 1; ; attempt++ {
		h, err := p.main.LatestHeight(ctx)
		if err == nil {
			p.metrics.Height(p.cfg.Chain, "latest", h)
			return h, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if ledger.Classify(err) == ledger.ClassHalt {
			p.watermark.Halt(correctness.HaltSourceFor(err), -1, err.Error())
			return 0, err
		}
		delay := p.cfg.Backoff.Delay(attempt)
		p.logger.Warn("failed to read latest height", "attempt", attempt, "backoff", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return 0, err
		}
	}
}

// Run follows the chain head, processing blocks in order from the watermark.
// It returns nil when ctx is cancelled and an error when the pipeline halts.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "from", p.watermark.Next(), "adapter", p.main.Name())

	for {
		latest, err := p.latest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		for id := p.watermark.Next(); id <= latest; id = p.watermark.Next() {
			err := p.process(ctx, id, true)
			var reorgErr *ReorgError
			switch {
			case err == nil:
				next, err := p.watermark.Complete(id)
				if err != nil {
					return err
				}
				p.metrics.Height(p.cfg.Chain, "processed", next-1)
				p.saveCursor(ctx, next-1)
			case errors.As(err, &reorgErr):
				p.handleReorg(ctx, reorgErr.Event)
				p.saveCursor(ctx, reorgErr.Event.ForkPoint)
			case ctx.Err() != nil:
				return nil
			default:
				return err
			}
		}

		if err := sleep(ctx, p.cfg.PollInterval); err != nil {
			return nil
		}
	}
}

// saveCursor persists the watermark so a restart resumes after the last
// contiguous block. A failed save is retried with the next block.
func (p *Pipeline) saveCursor(ctx context.Context, last int64) {
	if p.cursor == nil {
		return
	}
	if err := p.cursor.SaveCursor(ctx, p.cfg.Chain, last); err != nil {
		p.logger.Warn("failed to save cursor", "last_block", last, "error", err)
	}
}

func (p *Pipeline) handleReorg(ctx context.Context, ev *correctness.ReorgEvent) {
	p.watermark.Rewind(ev.ForkPoint + 1)
	if f, ok := p.store.(Forgetter); ok && len(ev.OrphanedBlocks) > 0 {
		if err := f.Forget(ctx, p.cfg.Chain, ev.ForkPoint+1, ev.OrphanedBlocks[0]); err != nil {
			p.logger.Warn("failed to forget orphaned confirmations", "fork_point", ev.ForkPoint, "error", err)
		}
	}
	if p.signals == nil {
		return
	}
	if err := p.signals.PublishReorg(ctx, ev.Signal()); err != nil {
		p.logger.Error("failed to publish reorg signal", "fork_point", ev.ForkPoint, "error", err)
	}
}

// RunRange processes the closed range [from, to] with up to workers blocks in
// flight. Blocks complete in any order; the first failure that is not retried
// cancels the rest.
func (p *Pipeline) RunRange(ctx context.Context, from, to int64, workers int) error {
	if from > to || from < 0 {
		return &ledger.ConfigurationError{Chain: p.cfg.Chain, Setting: "range", Reason: fmt.Sprintf("invalid range %d..%d", from, to)}
	}
	if workers < 1 {
		workers = 1
	}

	progress := correctness.NewWatermark(p.cfg.Chain, from, p.logger)
	p.logger.Info("range started", "from", from, "to", to, "workers", workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for id := from; id <= to && gctx.Err() == nil; id++ {
		g.Go(func() error {
			if err := p.process(gctx, id, false); err != nil {
				return fmt.Errorf("block %d: %w", id, err)
			}
			if next, err := progress.Complete(id); err == nil {
				p.metrics.Height(p.cfg.Chain, "range", next-1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.logger.Info("range complete", "from", from, "to", to)
	return nil
}

// Mempool processes the pending pseudo block once.
func (p *Pipeline) Mempool(ctx context.Context) (ledger.AssembledBlock, error) {
	if !p.main.Capabilities().Mempool {
		return ledger.AssembledBlock{}, &ledger.ConfigurationError{
			Chain:   p.cfg.Chain,
			Setting: "mempool",
			Reason:  p.main.Name() + " adapter cannot read the mempool",
		}
	}

	bc, err := p.main.ConfirmBlock(ctx, ledger.MempoolBlock, ledger.TrustFast)
	if err != nil {
		return ledger.AssembledBlock{}, err
	}
	out, err := p.main.ProcessBlock(ctx, bc)
	if err != nil {
		return ledger.AssembledBlock{}, err
	}

	block := ledger.AssembleOutput(bc, out)
	if err := p.sink.WriteBlock(ctx, block); err != nil {
		return ledger.AssembledBlock{}, fmt.Errorf("write mempool: %w", err)
	}
	p.logger.Debug("mempool written", "events", len(block.Events))
	return block, nil
}

// Next is the next block Run will process.
func (p *Pipeline) Next() int64 { return p.watermark.Next() }

func (p *Pipeline) IsHalted() bool { return p.watermark.IsHalted() }

func (p *Pipeline) HaltReason() string { return p.watermark.HaltReason() }

// Halt returns the condition that stopped the pipeline, if any.
func (p *Pipeline) Halt() (correctness.HaltCondition, bool) { return p.watermark.Condition() }

// ResolveFailure clears a halt after the cause has been dealt with.
func (p *Pipeline) ResolveFailure(resolution string) error {
	return p.watermark.Resolve(resolution)
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
