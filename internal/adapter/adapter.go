// Package adapter defines the contract every chain adapter implements and the
// plumbing adapters share: node settings, fan-out options and block contexts.
package adapter

import (
	"context"
	"time"

	"github.com/marko911/pulse-ledger/internal/fanout"
	"github.com/marko911/pulse-ledger/internal/ledger"
)

// Adapter converts one chain's blocks into ledger fragments.
//
// ConfirmBlock establishes the block identity across the node set and returns
// the context that ProcessBlock consumes. Implementations hold no per-block
// state, so one adapter may confirm and process several blocks concurrently.
type Adapter interface {
	Name() string

	Capabilities() Capabilities

	// LatestHeight is the highest block id that is safe to process.
	LatestHeight(ctx context.Context) (int64, error)

	ConfirmBlock(ctx context.Context, id int64, mode ledger.TrustMode) (ledger.BlockContext, error)

	ProcessBlock(ctx context.Context, bc ledger.BlockContext) (ledger.BlockOutput, error)

	Close() error
}

type Capabilities struct {
	// Complements names the adapter kind whose blocks this adapter enriches.
	Complements string
	// ReorgSafe adapters can re-confirm a processed block and detect forks.
	ReorgSafe bool
	// Mempool adapters can process the MempoolBlock pseudo block.
	Mempool bool
}

// Tertiary positions inside one transaction.
const (
	FeeDebit uint8 = iota
	FeeCredit
	ValueDebit
	ValueCredit
	TokenDebit
	TokenCredit
	InternalDebit
	InternalCredit
)

// Constants are the chain parameters adapters need. Which ones are required
// depends on the adapter kind.
type Constants struct {
	ChainID           int64  `yaml:"chain_id"`
	ConfirmationDepth int64  `yaml:"confirmation_depth"`
	IndexTokens       bool   `yaml:"index_tokens"`
	Commitment        string `yaml:"commitment"`
	SlotsPerEpoch     int64  `yaml:"slots_per_epoch"`
	SecondsPerSlot    int64  `yaml:"seconds_per_slot"`
	GenesisTime       int64  `yaml:"genesis_time"`
	FinalityDelay     int64  `yaml:"finality_delay"`
}

// Settings is the per-chain configuration handed to adapter factories.
type Settings struct {
	Chain             string
	Kind              string
	Nodes             fanout.NodeSet
	Concurrency       int
	Timeout           time.Duration
	MinResponses      int
	RequestsPerSecond float64
	Constants         Constants
}

// RequirePositive returns a ConfigurationError when v is not set.
func (s Settings) RequirePositive(name string, v int64) error {
	if v <= 0 {
		return &ledger.ConfigurationError{Chain: s.Chain, Setting: name, Reason: "must be set to a positive value"}
	}
	return nil
}
