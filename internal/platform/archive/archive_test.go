package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/marko911/pulse-ledger/internal/ledger"
	protov1 "github.com/marko911/pulse-ledger/pkg/proto/v1"
)

type putCall struct {
	bucket, key string
	body        []byte
	size        int64
	opts        minio.PutObjectOptions
}

type fakeStore struct {
	calls []putCall
	err   error
}

func (f *fakeStore) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.calls = append(f.calls, putCall{bucket, key, body, size, opts})
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func TestKey(t *testing.T) {
	tests := []struct {
		chain string
		id    int64
		want  string
	}{
		{"ethereum", 19000000, "ethereum/19000000.json"},
		{"beacon", 0, "beacon/0.json"},
		{"ethereum", ledger.MempoolBlock, "ethereum/mempool.json"},
	}
	for _, tt := range tests {
		if got := Key(tt.chain, tt.id); got != tt.want {
			t.Errorf("Key(%s, %d) = %s, want %s", tt.chain, tt.id, got, tt.want)
		}
	}
}

func TestArchive_WriteBlock(t *testing.T) {
	store := &fakeStore{}
	a := newArchive(store, "blocks", nil)

	bc := ledger.BlockContext{
		Chain:    "solana",
		Identity: ledger.BlockIdentity{ID: 250000000, Hash: "Bh1", Time: time.Unix(1700000000, 0).UTC()},
		Mode:     ledger.TrustFast,
	}
	pair := ledger.Transfer("sig1", "payer", ledger.VoidAddress, big.NewInt(5000), 0, 0)
	block := ledger.AssembleOutput(bc, ledger.Events(pair[:], nil))

	if err := a.WriteBlock(context.Background(), block); err != nil {
		t.Fatalf("WriteBlock failed: %v", err)
	}
	if len(store.calls) != 1 {
		t.Fatalf("calls = %d", len(store.calls))
	}

	c := store.calls[0]
	if c.bucket != "blocks" || c.key != "solana/250000000.json" || c.size != int64(len(c.body)) {
		t.Errorf("call = %s/%s size %d", c.bucket, c.key, c.size)
	}
	if c.opts.ContentType != "application/json" || c.opts.UserMetadata["trust-mode"] != "fast" {
		t.Errorf("opts = %+v", c.opts)
	}

	var record protov1.BlockRecord
	if err := json.Unmarshal(c.body, &record); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if record.BlockHash != "Bh1" || len(record.Events) != 2 || record.Events[1].Address != ledger.VoidAddress {
		t.Errorf("record = %+v", record)
	}
}

func TestArchive_WriteBlockError(t *testing.T) {
	boom := errors.New("access denied")
	a := newArchive(&fakeStore{err: boom}, "blocks", nil)

	err := a.WriteBlock(context.Background(), ledger.AssembledBlock{Chain: "ethereum"})
	if !errors.Is(err, boom) {
		t.Fatalf("WriteBlock error = %v, want %v", err, boom)
	}
}
