package protov1

import (
	"time"
)

type TrustMode int32

const (
	TrustMode_TRUST_MODE_UNSPECIFIED TrustMode = 0
	TrustMode_TRUST_MODE_CONSENSUS   TrustMode = 1
	TrustMode_TRUST_MODE_FAST        TrustMode = 2
)

type LedgerEvent struct {
	Chain        string    `json:"chain"`
	BlockID      int64     `json:"block_id"`
	TxID         string    `json:"transaction"`
	SortKey      int64     `json:"sort_key"`
	Time         time.Time `json:"time"`
	Address      string    `json:"address"`
	Effect       string    `json:"effect"`
	Currency     string    `json:"currency,omitempty"`
	Extra        string    `json:"extra,omitempty"`
	ExtraIndexed string    `json:"extra_indexed,omitempty"`
	Failed       bool      `json:"failed,omitempty"`
}

type Currency struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

type BlockRecord struct {
	Chain      string         `json:"chain"`
	BlockID    int64          `json:"block_id"`
	BlockHash  string         `json:"block_hash"`
	BlockTime  time.Time      `json:"block_time"`
	TrustMode  TrustMode      `json:"trust_mode"`
	AttemptID  string         `json:"attempt_id"`
	Events     []*LedgerEvent `json:"events"`
	Currencies []*Currency    `json:"currencies,omitempty"`
	IngestedAt time.Time      `json:"ingested_at"`
}

type ReorgSignal struct {
	Chain          string    `json:"chain"`
	ForkPoint      int64     `json:"fork_point"`
	Depth          int32     `json:"depth"`
	OrphanedBlocks []int64   `json:"orphaned_blocks"`
	OrphanedHashes []string  `json:"orphaned_hashes"`
	NewHash        string    `json:"new_hash"`
	DetectedAt     time.Time `json:"detected_at"`
}
