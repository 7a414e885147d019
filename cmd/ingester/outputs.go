package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marko911/pulse-ledger/internal/config"
	"github.com/marko911/pulse-ledger/internal/ingest"
	"github.com/marko911/pulse-ledger/internal/platform/archive"
	"github.com/marko911/pulse-ledger/internal/platform/cache"
	"github.com/marko911/pulse-ledger/internal/platform/kafka"
	pnats "github.com/marko911/pulse-ledger/internal/platform/nats"
	"github.com/marko911/pulse-ledger/internal/platform/storage"
	protov1 "github.com/marko911/pulse-ledger/pkg/proto/v1"
)

// outputs holds everything the pipeline writes to, opened from config.
type outputs struct {
	sink    ingest.MultiSink
	store   ingest.ConfirmationStore
	cursor  ingest.CursorStore
	signals ingest.SignalPublisher
	checks  []healthCheck

	closers []func()
}

// healthCheck reports whether one output is reachable.
type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

var errNotConnected = errors.New("not connected")

func (o *outputs) Close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
}

// signalFanout publishes each signal to every publisher and returns the
// first failure.
type signalFanout []ingest.SignalPublisher

func (s signalFanout) PublishReorg(ctx context.Context, signal *protov1.ReorgSignal) error {
	var first error
	for _, p := range s {
		if err := p.PublishReorg(ctx, signal); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openOutputs(ctx context.Context, cfg *config.Config, chain string, logger *slog.Logger) (_ *outputs, err error) {
	o := &outputs{}
	defer func() {
		if err != nil {
			o.Close()
		}
	}()

	var signals signalFanout

	if cfg.Storage.Enabled {
		db, err := storage.New(ctx, cfg.Storage.Config)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		o.closers = append(o.closers, db.Close)
		o.checks = append(o.checks, healthCheck{"postgres", db.Health})
		if cfg.Storage.Migrate {
			if err := db.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		events := storage.NewEventStore(db, logger)
		o.sink = append(o.sink, events)
		o.cursor = events
	}

	if cfg.Archive.Enabled {
		a, err := archive.New(ctx, cfg.Archive.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		o.sink = append(o.sink, a)
	}

	if cfg.Kafka.Enabled {
		if cfg.Kafka.EnsureTopics {
			tm, err := kafka.NewTopicManager(cfg.Kafka.Brokers)
			if err != nil {
				return nil, err
			}
			err = ensureTopics(ctx, tm, cfg.Kafka.Topics())
			tm.Close()
			if err != nil {
				return nil, fmt.Errorf("ensure topics: %w", err)
			}
		}
		pub, err := kafka.NewBlockPublisher(cfg.Kafka.Config, logger)
		if err != nil {
			return nil, err
		}
		o.closers = append(o.closers, pub.Close)
		o.sink = append(o.sink, pub)
		signals = append(signals, pub)
	}

	if cfg.NATS.Enabled {
		client, err := pnats.Connect(ctx, cfg.NATS.Config, logger)
		if err != nil {
			return nil, err
		}
		o.closers = append(o.closers, func() { client.Close() })
		o.checks = append(o.checks, healthCheck{"nats", func(context.Context) error {
			if !client.IsConnected() {
				return errNotConnected
			}
			return nil
		}})
		stream, err := pnats.EnsureStream(ctx, client.JetStream(), pnats.DefaultReorgStreamConfig())
		if err != nil {
			return nil, err
		}
		if name := cfg.NATS.ReprocessConsumer; name != "" {
			if _, err := pnats.EnsureConsumer(ctx, stream, pnats.ReprocessConsumerConfig(name, chain)); err != nil {
				return nil, err
			}
			logger.Info("reprocess consumer ready", "consumer", name, "subject", pnats.SubjectForReorg(chain))
		}
		signals = append(signals, pnats.NewSignalPublisher(client.JetStream(), logger))
	}

	if cfg.Cache.Enabled {
		c, err := cache.New(ctx, cfg.Cache.Config)
		if err != nil {
			return nil, fmt.Errorf("connect cache: %w", err)
		}
		o.closers = append(o.closers, func() { c.Close() })
		o.checks = append(o.checks, healthCheck{"redis", c.Health})
		o.store = c
	}

	if len(signals) > 0 {
		o.signals = signals
	}
	return o, nil
}

// ensureTopics creates the missing topics and waits until the brokers report
// all of them.
func ensureTopics(ctx context.Context, tm *kafka.TopicManager, topics []kafka.TopicConfig) error {
	if err := tm.EnsureTopics(ctx, topics); err != nil {
		return err
	}
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = t.Name
	}
	return tm.WaitForTopics(ctx, 30*time.Second, names...)
}
