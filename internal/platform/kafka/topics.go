// Package kafka publishes assembled ledger blocks to Kafka/Redpanda and
// manages the topics they go to.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicConfig defines the configuration for a Kafka topic.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	RetentionMs       int64
	CleanupPolicy     string
}

const (
	TopicBlocks = "ledger-blocks"
	TopicReorgs = "ledger-reorgs"
)

// DefaultTopicConfigs returns the topics the ingester publishes to.
func DefaultTopicConfigs() []TopicConfig {
	return []TopicConfig{
		{
			Name:              TopicBlocks,
			Partitions:        12,
			ReplicationFactor: 1,
			RetentionMs:       7 * 24 * 60 * 60 * 1000, // 7 days
			CleanupPolicy:     "delete",
		},
		{
			Name:              TopicReorgs,
			Partitions:        1,
			ReplicationFactor: 1,
			RetentionMs:       30 * 24 * 60 * 60 * 1000, // 30 days
			CleanupPolicy:     "delete",
		},
	}
}

// Topics returns the default topic settings under the names cfg publishes to.
func (c Config) Topics() []TopicConfig {
	topics := DefaultTopicConfigs()
	if c.BlockTopic != "" {
		topics[0].Name = c.BlockTopic
	}
	if c.ReorgTopic != "" {
		topics[1].Name = c.ReorgTopic
	}
	return topics
}

// TopicManager manages Kafka topics.
type TopicManager struct {
	admin *kadm.Client
}

// NewTopicManager creates a new TopicManager.
func NewTopicManager(brokers string) (*TopicManager, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(SplitBrokers(brokers)...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &TopicManager{
		admin: kadm.NewClient(client),
	}, nil
}

// EnsureTopics creates topics if they don't exist.
func (m *TopicManager) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	names := make([]string, len(configs))
	for i, cfg := range configs {
		names[i] = cfg.Name
	}
	existing, err := m.ListTopics(ctx, names...)
	if err != nil {
		return err
	}

	for _, cfg := range configs {
		if existing[cfg.Name] {
			continue
		}

		if err := m.CreateTopic(ctx, cfg); err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
	}

	return nil
}

// CreateTopic creates a single topic with the given configuration.
func (m *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	resp, err := m.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor,
		map[string]*string{
			"retention.ms":   stringPtr(fmt.Sprintf("%d", cfg.RetentionMs)),
			"cleanup.policy": stringPtr(cfg.CleanupPolicy),
		},
		cfg.Name,
	)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}

	for _, r := range resp {
		if r.Err != nil {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}

	return nil
}

// ListTopics reports which of the named topics exist, or every topic when no
// names are given.
func (m *TopicManager) ListTopics(ctx context.Context, names ...string) (map[string]bool, error) {
	details, err := m.admin.ListTopics(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return presentTopics(details), nil
}

// presentTopics drops the entries the broker answered with an error, which is
// how it reports a requested topic that does not exist.
func presentTopics(details kadm.TopicDetails) map[string]bool {
	out := make(map[string]bool, len(details))
	for name, d := range details {
		if d.Err == nil {
			out[name] = true
		}
	}
	return out
}

// Close releases resources.
func (m *TopicManager) Close() {
	m.admin.Close()
}

// WaitForTopics polls until every topic is visible to the cluster metadata.
// Topics created moments ago may not be on every broker yet.
func (m *TopicManager) WaitForTopics(ctx context.Context, timeout time.Duration, topics ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		existing, err := m.ListTopics(ctx, topics...)
		if err == nil && missingTopics(existing, topics) == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for topics %v: %w", missingTopics(existing, topics), ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func missingTopics(existing map[string]bool, topics []string) []string {
	var missing []string
	for _, t := range topics {
		if !existing[t] {
			missing = append(missing, t)
		}
	}
	return missing
}

// SplitBrokers turns a comma separated broker list into seed addresses.
func SplitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func stringPtr(s string) *string {
	return &s
}
