// Package consensus turns the answers of several independent nodes into one
// trusted block identity, or refuses to.
package consensus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/pulse-ledger/internal/fanout"
	"github.com/marko911/pulse-ledger/internal/ledger"
	"github.com/marko911/pulse-ledger/internal/platform/metrics"
)

// Agreement is the outcome of a successful verification round.
type Agreement[T any] struct {
	Fingerprint
	// Node is the reference response's node.
	Node string
	// Payload is the reference response.
	Payload T
	// Agreed counts responses that matched the reference.
	Agreed int
	// Empty is set when no node reported the block.
	Empty bool
}

// Identity builds the block identity from the agreement.
func (a Agreement[T]) Identity(id int64) ledger.BlockIdentity {
	return ledger.BlockIdentity{ID: id, Hash: a.Hash, ParentHash: a.Parent, Time: a.Time}
}

type Stats struct {
	BlocksVerified    uint64
	BlocksAgreed      uint64
	BlocksDisagreed   uint64
	BlocksEmpty       uint64
	FastPath          uint64
	LastVerifiedBlock int64
	LastVerifiedAt    time.Time
}

// Verifier holds per-chain verification settings and counters. One Verifier
// is shared by all blocks of a chain and is safe for concurrent use.
type Verifier struct {
	chain   string
	logger  *slog.Logger
	metrics *metrics.Metrics

	// MinResponses is the number of nodes that must report the block for it to
	// be trusted. Zero lets not-found answers be discarded freely.
	MinResponses int

	mu    sync.Mutex
	stats Stats
}

func NewVerifier(chain string, logger *slog.Logger, m *metrics.Metrics) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		chain:   chain,
		logger:  logger.With("component", "consensus", "chain", chain),
		metrics: m,
	}
}

func (v *Verifier) Chain() string { return v.chain }

func (v *Verifier) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

func (v *Verifier) record(blockID int64, outcome string) {
	v.mu.Lock()
	v.stats.BlocksVerified++
	v.stats.LastVerifiedBlock = blockID
	v.stats.LastVerifiedAt = time.Now()
	switch outcome {
	case "agreed":
		v.stats.BlocksAgreed++
	case "disagreed":
		v.stats.BlocksDisagreed++
	case "empty":
		v.stats.BlocksEmpty++
	case "fast":
		v.stats.FastPath++
	}
	v.mu.Unlock()

	v.metrics.Consensus(v.chain, outcome)
}

// Verify fingerprints every response that reported the block and requires all
// fingerprints to equal the first one. Failed and not-found responses are
// discarded. When nothing remains the block is legitimately empty.
//
// In fast mode the single authoritative response is trusted as is.
func Verify[T any](v *Verifier, blockID int64, mode ledger.TrustMode, responses []fanout.Response[T], strategy Strategy[T]) (Agreement[T], error) {
	var found []fanout.Response[T]
	for _, r := range responses {
		if r.Status == fanout.StatusSuccess {
			found = append(found, r)
		}
	}

	if mode == ledger.TrustFast {
		if len(found) == 0 {
			v.record(blockID, "empty")
			return Agreement[T]{Empty: true}, nil
		}
		ref := found[0]
		fp, err := fingerprint(v, blockID, ref, strategy)
		if err != nil {
			return Agreement[T]{}, err
		}
		v.record(blockID, "fast")
		return Agreement[T]{Fingerprint: fp, Node: ref.Node.Name, Payload: ref.Payload, Agreed: 1}, nil
	}

	if v.MinResponses > 0 && len(found) < v.MinResponses {
		v.record(blockID, "disagreed")
		return Agreement[T]{}, &ledger.ConsensusError{
			Chain:   v.chain,
			BlockID: blockID,
			Reason:  fmt.Sprintf("only %d nodes reported the block, %d required", len(found), v.MinResponses),
		}
	}

	if len(found) == 0 {
		v.record(blockID, "empty")
		v.logger.Debug("no node reported block", "block_id", blockID)
		return Agreement[T]{Empty: true}, nil
	}

	ref := found[0]
	refFP, err := fingerprint(v, blockID, ref, strategy)
	if err != nil {
		return Agreement[T]{}, err
	}

	for _, r := range found[1:] {
		fp, err := fingerprint(v, blockID, r, strategy)
		if err != nil {
			return Agreement[T]{}, err
		}
		if fp.Hash != refFP.Hash {
			v.record(blockID, "disagreed")
			v.logger.Error("node fingerprints disagree",
				"block_id", blockID,
				"reference_node", ref.Node.Name,
				"reference", short(refFP.Hash),
				"node", r.Node.Name,
				"got", short(fp.Hash),
			)
			return Agreement[T]{}, &ledger.ConsensusError{
				Chain:     v.chain,
				BlockID:   blockID,
				Reference: refFP.Hash,
				Node:      r.Node.Name,
				Got:       fp.Hash,
			}
		}
	}

	v.record(blockID, "agreed")
	return Agreement[T]{Fingerprint: refFP, Node: ref.Node.Name, Payload: ref.Payload, Agreed: len(found)}, nil
}

func fingerprint[T any](v *Verifier, blockID int64, r fanout.Response[T], strategy Strategy[T]) (Fingerprint, error) {
	fp, err := strategy(r.Payload)
	if err != nil {
		return Fingerprint{}, &ledger.ModuleError{
			Chain:   v.chain,
			BlockID: blockID,
			Reason:  "fingerprint response from node " + r.Node.Name,
			Err:     err,
		}
	}
	return fp, nil
}

func short(hash string) string {
	if len(hash) <= 18 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-6:]
}
