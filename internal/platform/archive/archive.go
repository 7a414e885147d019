// Package archive stores every assembled block as a JSON object in an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/marko911/pulse-ledger/internal/ledger"
)

type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

func DefaultConfig() Config {
	return Config{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "ledger-blocks",
	}
}

type objectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive writes chain/<block id>.json objects. Rewriting a block overwrites
// its object.
type Archive struct {
	store  objectStore
	bucket string
	logger *slog.Logger
}

// New connects to the object store and creates the bucket when missing.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	a := newArchive(client, cfg.Bucket, logger)
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		a.logger.Info("created bucket", "bucket", cfg.Bucket)
	}
	return a, nil
}

func newArchive(store objectStore, bucket string, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{store: store, bucket: bucket, logger: logger.With("component", "archive", "bucket", bucket)}
}

// Key returns the object key of a block. The mempool pseudo block is stored
// as chain/mempool.json.
func Key(chain string, id int64) string {
	if id == ledger.MempoolBlock {
		return chain + "/mempool.json"
	}
	return chain + "/" + strconv.FormatInt(id, 10) + ".json"
}

func (a *Archive) WriteBlock(ctx context.Context, block ledger.AssembledBlock) error {
	data, err := json.Marshal(block.Wire())
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}

	key := Key(block.Chain, block.Context.Identity.ID)
	_, err = a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"block-hash": block.Context.Identity.Hash,
			"trust-mode": block.Context.Mode.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	a.logger.Debug("block archived", "key", key, "size", len(data))
	return nil
}
