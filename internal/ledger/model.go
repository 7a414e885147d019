// Package ledger defines the uniform ledger-event model shared by every chain
// adapter: block identities, block contexts, event fragments and their ordering.
package ledger

import (
	"math/big"
	"strings"
	"time"
)

// MempoolBlock is the pseudo block id used for unconfirmed transactions.
const MempoolBlock int64 = -1

// VoidAddress is the sentinel counterparty for intentional imbalances such as
// mints, burns and protocol rewards.
const VoidAddress = "the-void"

// TrustMode selects how a block identity was established.
type TrustMode int

const (
	// TrustConsensus requires every responding node to agree.
	TrustConsensus TrustMode = iota
	// TrustFast queries only the authoritative node.
	TrustFast
)

func (m TrustMode) String() string {
	switch m {
	case TrustConsensus:
		return "consensus"
	case TrustFast:
		return "fast"
	default:
		return "unknown"
	}
}

// BlockIdentity is the verified (id, hash, time) triple of one block.
type BlockIdentity struct {
	ID         int64
	Hash       string
	ParentHash string
	Time       time.Time
}

// BlockContext carries everything established during confirmation into block
// processing and assembly. Adapters never keep it as instance state.
type BlockContext struct {
	Chain     string
	Identity  BlockIdentity
	Mode      TrustMode
	Nodes     []string
	AttemptID string

	// Empty is set when no node reported data for the block.
	Empty bool
}

// OrderKey orders fragments within a block.
type OrderKey struct {
	// Primary is the chronological position (slot, transaction index, sequence).
	Primary uint64
	// Secondary is the owning transaction identity.
	Secondary string
	// Tertiary is the semantic position inside the transaction. Values 2n and
	// 2n+1 are the debit and credit side of one kind of movement.
	Tertiary uint8
	// Sequence numbers repeated movements of one kind inside a transaction,
	// such as several token transfers, so each debit stays next to its credit.
	Sequence uint32
}

// Compare returns -1, 0 or +1. Keys order by Primary, Secondary, the kind of
// movement, Sequence and finally the debit or credit side.
func (k OrderKey) Compare(o OrderKey) int {
	switch {
	case k.Primary < o.Primary:
		return -1
	case k.Primary > o.Primary:
		return 1
	}
	if c := strings.Compare(k.Secondary, o.Secondary); c != 0 {
		return c
	}
	if c := compare(k.Tertiary>>1, o.Tertiary>>1); c != 0 {
		return c
	}
	if c := compare(k.Sequence, o.Sequence); c != 0 {
		return c
	}
	return compare(k.Tertiary, o.Tertiary)
}

func compare[T uint8 | uint32](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Fragment is one signed balance change emitted by an adapter before assembly.
type Fragment struct {
	TxID         string
	Address      string
	Effect       *big.Int
	Currency     string
	Extra        string
	ExtraIndexed string
	Failed       bool
	Order        OrderKey
}

// Event is an assembled fragment: ordered, densely numbered and stamped.
type Event struct {
	BlockID      int64
	TxID         string
	SortKey      int64
	Time         time.Time
	Address      string
	Effect       *big.Int
	Currency     string
	Extra        string
	ExtraIndexed string
	Failed       bool
}

// Currency describes a token distinct from the chain's native asset.
type Currency struct {
	ID       string
	Name     string
	Symbol   string
	Decimals int
}

// OutputStatus tells whether processing produced events or a legitimately
// empty block.
type OutputStatus int

const (
	OutputEvents OutputStatus = iota
	OutputEmpty
)

// BlockOutput is the result of processing one block.
type BlockOutput struct {
	Status     OutputStatus
	Fragments  []Fragment
	Currencies []Currency
}

// Events builds an output carrying fragments. No fragments means empty.
func Events(fragments []Fragment, currencies []Currency) BlockOutput {
	if len(fragments) == 0 {
		return Empty()
	}
	return BlockOutput{Status: OutputEvents, Fragments: fragments, Currencies: currencies}
}

// Empty builds the benign-empty output.
func Empty() BlockOutput {
	return BlockOutput{Status: OutputEmpty}
}

// Merge appends another output's fragments and currencies, deduplicating
// currencies by id.
func (o BlockOutput) Merge(other BlockOutput) BlockOutput {
	fragments := append(append([]Fragment{}, o.Fragments...), other.Fragments...)

	seen := make(map[string]bool, len(o.Currencies)+len(other.Currencies))
	var currencies []Currency
	for _, c := range append(append([]Currency{}, o.Currencies...), other.Currencies...) {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		currencies = append(currencies, c)
	}

	return Events(fragments, currencies)
}

// Transfer builds the debit/credit pair for one movement of value.
func Transfer(txID, from, to string, amount *big.Int, primary uint64, debit uint8) [2]Fragment {
	return TransferAt(txID, from, to, amount, primary, debit, 0)
}

// TransferAt builds the pair for the seq-th movement of its kind in the
// transaction.
func TransferAt(txID, from, to string, amount *big.Int, primary uint64, debit uint8, seq uint32) [2]Fragment {
	return [2]Fragment{
		{
			TxID:    txID,
			Address: from,
			Effect:  new(big.Int).Neg(amount),
			Order:   OrderKey{Primary: primary, Secondary: txID, Tertiary: debit, Sequence: seq},
		},
		{
			TxID:    txID,
			Address: to,
			Effect:  new(big.Int).Set(amount),
			Order:   OrderKey{Primary: primary, Secondary: txID, Tertiary: debit + 1, Sequence: seq},
		},
	}
}
