// Command blockdump confirms and processes blocks of one configured chain
// without touching any sink and writes each assembled block as a JSON
// fixture. It is used to inspect adapter output and to record test fixtures.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/adapter/builtin"
	"github.com/marko911/pulse-ledger/internal/config"
	"github.com/marko911/pulse-ledger/internal/ingest"
	"github.com/marko911/pulse-ledger/internal/ledger"
	protov1 "github.com/marko911/pulse-ledger/pkg/proto/v1"
)

// Fixture is one recorded block.
type Fixture struct {
	RecordedAt time.Time            `json:"recorded_at"`
	Nodes      []string             `json:"nodes"`
	Block      *protov1.BlockRecord `json:"block"`
	Balanced   bool                 `json:"balanced"`
}

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	chain := flag.String("chain", "", "chain to read (required when several are configured)")
	from := flag.Int64("from", -1, "first block to dump (-1 for the latest safe block)")
	count := flag.Int("count", 1, "number of consecutive blocks to dump")
	fast := flag.Bool("fast", false, "confirm against the authoritative node only")
	outputDir := flag.String("output", "./fixtures", "output directory for fixtures")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	level, err := config.ParseLevel(*logLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cc, err := cfg.Chain(*chain)
	if err != nil {
		logger.Error("failed to select chain", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	mode := ledger.TrustConsensus
	if *fast {
		mode = ledger.TrustFast
	}

	if err := dump(ctx, cc, *from, *count, mode, *outputDir, logger); err != nil {
		logger.Error("dump failed", "error", err, "class", ledger.Classify(err).String())
		os.Exit(1)
	}
	logger.Info("dump complete", "output", *outputDir)
}

func dump(ctx context.Context, cc config.ChainConfig, from int64, count int, mode ledger.TrustMode, dir string, logger *slog.Logger) error {
	reg := builtin.Registry()
	primary, err := reg.New(ctx, adapter.Deps{Settings: cc.Settings(), Logger: logger})
	if err != nil {
		return fmt.Errorf("create adapter: %w", err)
	}
	defer primary.Close()

	var complement adapter.Adapter
	if s, ok := cc.ComplementSettings(); ok {
		if complement, err = reg.New(ctx, adapter.Deps{Settings: s, Logger: logger}); err != nil {
			return fmt.Errorf("create complement adapter: %w", err)
		}
		defer complement.Close()
	}

	if from < 0 {
		if from, err = primary.LatestHeight(ctx); err != nil {
			return fmt.Errorf("latest height: %w", err)
		}
	}

	sink := &fixtureSink{dir: filepath.Join(dir, cc.Name), nodes: cc.Nodes.Names(), logger: logger}
	if err := os.MkdirAll(sink.dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	icfg := cc.Ingest()
	// Unbalanced blocks are still written so they can be inspected.
	icfg.CheckBalance = false
	p, err := ingest.New(ctx, primary, icfg, ingest.Options{Complement: complement, Sink: sink, Logger: logger})
	if err != nil {
		return err
	}

	for id := from; id < from+int64(count); id++ {
		if _, err := p.Step(ctx, id, mode); err != nil {
			return fmt.Errorf("block %d: %w", id, err)
		}
	}
	return nil
}

// fixtureSink writes each block to <dir>/<id>.json.
type fixtureSink struct {
	dir    string
	nodes  []string
	logger *slog.Logger
}

func (s *fixtureSink) WriteBlock(_ context.Context, block ledger.AssembledBlock) error {
	fixture := Fixture{
		RecordedAt: time.Now().UTC(),
		Nodes:      s.nodes,
		Block:      block.Wire(),
		Balanced:   ledger.CheckBalanced(block.Events) == nil,
	}

	name := filepath.Join(s.dir, fmt.Sprintf("%d.json", block.Context.Identity.ID))
	if err := saveFixture(name, fixture); err != nil {
		return err
	}
	s.logger.Info("recorded block", "file", name, "events", len(block.Events), "balanced", fixture.Balanced)
	return nil
}

func saveFixture(filename string, fixture Fixture) error {
	data, err := json.MarshalIndent(fixture, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal fixture: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write fixture: %w", err)
	}

	return nil
}
