// Package cache keeps confirmed block hashes in Redis so a restarted or
// parallel ingester can re-process known blocks in fast mode.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyConfirmation = "confirmed:"

type Config struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

func DefaultConfig() Config {
	return Config{
		Addr:   "localhost:6379",
		Prefix: "ledger:",
		TTL:    7 * 24 * time.Hour,
	}
}

// Confirmations maps (chain, block id) to the hash agreed on by consensus.
type Confirmations struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	owned  bool
}

func New(ctx context.Context, cfg Config) (*Confirmations, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	c := NewWithClient(client, cfg.Prefix, cfg.TTL)
	c.owned = true
	return c, nil
}

// NewWithClient uses an existing client. A zero ttl keeps entries forever.
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration) *Confirmations {
	return &Confirmations{client: client, prefix: prefix, ttl: ttl}
}

func (c *Confirmations) key(chain string, id int64) string {
	return c.prefix + keyConfirmation + chain + ":" + strconv.FormatInt(id, 10)
}

func (c *Confirmations) Get(ctx context.Context, chain string, id int64) (string, bool, error) {
	hash, err := c.client.Get(ctx, c.key(chain, id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get confirmation: %w", err)
	}
	return hash, true, nil
}

func (c *Confirmations) Put(ctx context.Context, chain string, id int64, hash string) error {
	if err := c.client.Set(ctx, c.key(chain, id), hash, c.ttl).Err(); err != nil {
		return fmt.Errorf("put confirmation: %w", err)
	}
	return nil
}

// Forget drops the confirmations of ids in [from, to], used after a reorg so the
// orphaned heights go through consensus again.
func (c *Confirmations) Forget(ctx context.Context, chain string, from, to int64) error {
	if to < from {
		return nil
	}
	keys := make([]string, 0, to-from+1)
	for id := from; id <= to; id++ {
		keys = append(keys, c.key(chain, id))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("forget confirmations: %w", err)
	}
	return nil
}

func (c *Confirmations) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Confirmations) Close() error {
	if !c.owned {
		return nil
	}
	return c.client.Close()
}
