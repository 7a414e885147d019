package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const subjectPrefix = "ledger.reorg."

// StreamConfig defines the configuration for a JetStream stream.
type StreamConfig struct {
	Name        string                    `yaml:"name"`
	Subjects    []string                  `yaml:"subjects"`
	Retention   jetstream.RetentionPolicy `yaml:"-"`
	MaxAge      time.Duration             `yaml:"max_age"` // 0 = unlimited
	MaxBytes    int64                     `yaml:"max_bytes"`
	Replicas    int                       `yaml:"replicas"` // 1 for dev, 3 for prod
	Duplicates  time.Duration             `yaml:"duplicate_window"`
	Description string                    `yaml:"description"`
}

// DefaultReorgStreamConfig returns the stream reorg signals are kept in. Signals
// are retained by age rather than interest: a reprocessing job started later
// still needs to see them.
func DefaultReorgStreamConfig() StreamConfig {
	return StreamConfig{
		Name:        "LEDGER_REORGS",
		Subjects:    []string{subjectPrefix + ">"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
		Description: "Chain reorganizations requiring reprocessing from a fork point",
	}
}

// EnsureStream creates or updates a JetStream stream with the given configuration.
// This is idempotent - safe to call multiple times.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, streamConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

func streamConfig(cfg StreamConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   cfg.Retention,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.Duplicates,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	}
}

// ReprocessConsumerConfig returns a durable consumer for a job that reprocesses
// blocks of one chain after reorgs.
func ReprocessConsumerConfig(name, chain string) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: SubjectForReorg(chain),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxDeliver:    -1,
		MaxAckPending: 16,
	}
}

// EnsureConsumer creates or updates a durable consumer on the given stream.
func EnsureConsumer(ctx context.Context, stream jetstream.Stream, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	consumer, err := stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// SubjectForReorg returns the subject reorg signals of a chain are published on.
// Format: ledger.reorg.<chain>
func SubjectForReorg(chain string) string {
	return subjectPrefix + chain
}
