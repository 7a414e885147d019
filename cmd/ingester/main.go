package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marko911/pulse-ledger/internal/adapter"
	"github.com/marko911/pulse-ledger/internal/adapter/builtin"
	"github.com/marko911/pulse-ledger/internal/config"
	"github.com/marko911/pulse-ledger/internal/correctness"
	"github.com/marko911/pulse-ledger/internal/ingest"
	"github.com/marko911/pulse-ledger/internal/ledger"
	"github.com/marko911/pulse-ledger/internal/platform/metrics"
	"github.com/marko911/pulse-ledger/internal/platform/storage"
)

type flags struct {
	config      string
	chain       string
	from        int64
	to          int64
	workers     int
	mempool     bool
	logLevel    string
	metricsAddr string
	migrateDown int
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "path to configuration file")
	flag.StringVar(&f.chain, "chain", "", "chain to ingest (required when several are configured)")
	flag.Int64Var(&f.from, "from", -1, "first block of a historical range")
	flag.Int64Var(&f.to, "to", -1, "last block of a historical range")
	flag.IntVar(&f.workers, "workers", 4, "blocks processed concurrently in range mode")
	flag.BoolVar(&f.mempool, "mempool", false, "process the mempool pseudo block once and exit")
	flag.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error), overrides the config file")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "metrics listen address, overrides the config file")
	flag.IntVar(&f.migrateDown, "migrate-down", 0, "roll back this many schema migrations and exit")
	flag.Parse()

	cfg, err := config.Load(f.config)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if f.migrateDown > 0 {
		if err := migrateDown(ctx, cfg, f.migrateDown, logger); err != nil {
			logger.Error("migration rollback failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, f, logger); err != nil {
		logger.Error("ingester exited with error", "error", err, "class", ledger.Classify(err).String())
		os.Exit(1)
	}

	logger.Info("ingester shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, f flags, logger *slog.Logger) error {
	chain, err := cfg.Chain(f.chain)
	if err != nil {
		return err
	}
	logger = logger.With("chain", chain.Name)
	logger.Info("starting ingester", "adapter", chain.Adapter, "complement", chain.Complement, "nodes", len(chain.Nodes))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	adapters := builtin.Registry()
	primary, err := adapters.New(ctx, adapter.Deps{Settings: chain.Settings(), Logger: logger, Metrics: m})
	if err != nil {
		return fmt.Errorf("create adapter: %w", err)
	}
	defer primary.Close()

	var complement adapter.Adapter
	if settings, ok := chain.ComplementSettings(); ok {
		complement, err = adapters.New(ctx, adapter.Deps{Settings: settings, Logger: logger, Metrics: m})
		if err != nil {
			return fmt.Errorf("create complement adapter: %w", err)
		}
		defer complement.Close()
	}

	out, err := openOutputs(ctx, cfg, chain.Name, logger)
	if err != nil {
		return err
	}
	defer out.Close()

	p, err := ingest.New(ctx, primary, chain.Ingest(), ingest.Options{
		Complement: complement,
		Sink:       out.sink,
		Store:      out.store,
		Cursor:     out.cursor,
		Signals:    out.signals,
		Reorg:      correctness.NewReorgDetector(chain.Name, chain.ReorgWindow, logger),
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	srv := metricsServer(cfg.MetricsAddr, reg, p, out.checks)
	go func() {
		logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	switch {
	case f.mempool:
		block, err := p.Mempool(ctx)
		if err != nil {
			return err
		}
		logger.Info("mempool processed", "events", len(block.Events))
		return nil
	case f.from >= 0 || f.to >= 0:
		if err := p.RunRange(ctx, f.from, f.to, f.workers); err != nil {
			return err
		}
		logger.Info("range complete", "from", f.from, "to", f.to, "stats", p.Stats())
		return nil
	default:
		err := p.Run(ctx)
		if p.IsHalted() {
			logger.Error("pipeline halted", "reason", p.HaltReason())
		}
		return err
	}
}

func migrateDown(ctx context.Context, cfg *config.Config, steps int, logger *slog.Logger) error {
	db, err := storage.New(ctx, cfg.Storage.Config)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := db.MigrateDown(ctx, steps); err != nil {
		return err
	}
	logger.Info("rolled back migrations", "steps", steps)
	return nil
}

// pipelineState is the part of the pipeline /healthz reports on.
type pipelineState interface {
	Halt() (correctness.HaltCondition, bool)
	Next() int64
}

// metricsServer serves /metrics and /healthz.
func metricsServer(addr string, reg *prometheus.Registry, p pipelineState, checks []healthCheck) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", healthHandler(p, checks))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// healthHandler fails once the pipeline has halted or an output is unreachable.
func healthHandler(p pipelineState, checks []healthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cond, halted := p.Halt(); halted {
			http.Error(w, fmt.Sprintf("halted at block %d by %s: %s", cond.BlockID, cond.Source, cond.Reason), http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, c := range checks {
			if err := c.check(ctx); err != nil {
				http.Error(w, fmt.Sprintf("%s: %v", c.name, err), http.StatusServiceUnavailable)
				return
			}
		}
		fmt.Fprintf(w, "ok next=%d\n", p.Next())
	}
}
