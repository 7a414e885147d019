package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/pulse-ledger/internal/ledger"
	protov1 "github.com/marko911/pulse-ledger/pkg/proto/v1"
)

type Config struct {
	Brokers      string `yaml:"brokers"`
	BlockTopic   string `yaml:"block_topic"`
	ReorgTopic   string `yaml:"reorg_topic"`
	EnsureTopics bool   `yaml:"ensure_topics"`
}

func DefaultConfig() Config {
	return Config{
		Brokers:    "localhost:9092",
		BlockTopic: TopicBlocks,
		ReorgTopic: TopicReorgs,
	}
}

// producer is the part of *kgo.Client the publisher uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// BlockPublisher produces one record per assembled block, keyed chain:block so
// every version of a block lands on the same partition.
type BlockPublisher struct {
	client     producer
	blockTopic string
	reorgTopic string
	logger     *slog.Logger
}

func NewBlockPublisher(cfg Config, logger *slog.Logger) (*BlockPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(SplitBrokers(cfg.Brokers)...),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryBackoffFn(func(n int) time.Duration {
			return time.Duration(n*100) * time.Millisecond
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return newBlockPublisher(client, cfg, logger), nil
}

func newBlockPublisher(client producer, cfg Config, logger *slog.Logger) *BlockPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BlockTopic == "" {
		cfg.BlockTopic = TopicBlocks
	}
	if cfg.ReorgTopic == "" {
		cfg.ReorgTopic = TopicReorgs
	}
	return &BlockPublisher{
		client:     client,
		blockTopic: cfg.BlockTopic,
		reorgTopic: cfg.ReorgTopic,
		logger:     logger.With("component", "kafka-publisher"),
	}
}

func (p *BlockPublisher) WriteBlock(ctx context.Context, block ledger.AssembledBlock) error {
	record, err := blockRecord(p.blockTopic, block)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce block %d: %w", block.Context.Identity.ID, err)
	}
	p.logger.Debug("block published", "chain", block.Chain, "block_id", block.Context.Identity.ID, "events", len(block.Events))
	return nil
}

// PublishReorg lets Kafka consumers see reorg signals in the same log as the
// blocks they invalidate.
func (p *BlockPublisher) PublishReorg(ctx context.Context, signal *protov1.ReorgSignal) error {
	data, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal reorg signal: %w", err)
	}
	record := &kgo.Record{
		Topic: p.reorgTopic,
		Key:   []byte(signal.Chain),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "chain", Value: []byte(signal.Chain)},
			{Key: "fork_point", Value: []byte(strconv.FormatInt(signal.ForkPoint, 10))},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce reorg signal: %w", err)
	}
	return nil
}

func (p *BlockPublisher) Close() {
	p.client.Close()
}

func blockRecord(topic string, block ledger.AssembledBlock) (*kgo.Record, error) {
	data, err := json.Marshal(block.Wire())
	if err != nil {
		return nil, fmt.Errorf("marshal block: %w", err)
	}
	id := strconv.FormatInt(block.Context.Identity.ID, 10)
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(block.Chain + ":" + id),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "chain", Value: []byte(block.Chain)},
			{Key: "block_hash", Value: []byte(block.Context.Identity.Hash)},
			{Key: "trust_mode", Value: []byte(block.Context.Mode.String())},
		},
	}, nil
}
