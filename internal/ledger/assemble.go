package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	protov1 "github.com/marko911/pulse-ledger/pkg/proto/v1"
)

// AssembledBlock is the final, ordered output for one block.
type AssembledBlock struct {
	Chain      string
	Context    BlockContext
	Events     []Event
	Currencies []Currency
}

// Assemble orders fragments by their OrderKey, assigns dense sort keys
// starting at zero and stamps each event with the block id and time.
// Fragments with equal keys keep their emission order.
func Assemble(bc BlockContext, fragments []Fragment) []Event {
	ordered := make([]Fragment, len(fragments))
	copy(ordered, fragments)

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order.Compare(ordered[j].Order) < 0
	})

	events := make([]Event, len(ordered))
	for i, f := range ordered {
		effect := new(big.Int)
		if f.Effect != nil {
			effect.Set(f.Effect)
		}
		events[i] = Event{
			BlockID:      bc.Identity.ID,
			TxID:         f.TxID,
			SortKey:      int64(i),
			Time:         bc.Identity.Time,
			Address:      f.Address,
			Effect:       effect,
			Currency:     f.Currency,
			Extra:        f.Extra,
			ExtraIndexed: f.ExtraIndexed,
			Failed:       f.Failed,
		}
	}
	return events
}

// AssembleOutput runs Assemble over a processed block.
func AssembleOutput(bc BlockContext, out BlockOutput) AssembledBlock {
	block := AssembledBlock{
		Chain:      bc.Chain,
		Context:    bc,
		Currencies: out.Currencies,
	}
	if out.Status == OutputEvents {
		block.Events = Assemble(bc, out.Fragments)
	}
	return block
}

// CheckBalanced verifies that every (transaction, currency) group sums to zero.
// Groups touching VoidAddress are exempt.
func CheckBalanced(events []Event) error {
	type group struct {
		tx       string
		currency string
	}

	sums := make(map[group]*big.Int)
	void := make(map[group]bool)
	var order []group

	for _, e := range events {
		g := group{tx: e.TxID, currency: e.Currency}
		if _, ok := sums[g]; !ok {
			sums[g] = new(big.Int)
			order = append(order, g)
		}
		if e.Address == VoidAddress {
			void[g] = true
		}
		if e.Effect != nil {
			sums[g].Add(sums[g], e.Effect)
		}
	}

	for _, g := range order {
		if void[g] {
			continue
		}
		if sums[g].Sign() != 0 {
			return fmt.Errorf("transaction %s currency %q unbalanced by %s", g.tx, g.currency, sums[g].String())
		}
	}
	return nil
}

// Wire converts the block to its serialized representation.
func (b AssembledBlock) Wire() *protov1.BlockRecord {
	record := &protov1.BlockRecord{
		Chain:      b.Chain,
		BlockID:    b.Context.Identity.ID,
		BlockHash:  b.Context.Identity.Hash,
		BlockTime:  b.Context.Identity.Time,
		TrustMode:  wireTrustMode(b.Context.Mode),
		AttemptID:  b.Context.AttemptID,
		Events:     make([]*protov1.LedgerEvent, 0, len(b.Events)),
		IngestedAt: time.Now().UTC(),
	}

	for _, e := range b.Events {
		record.Events = append(record.Events, &protov1.LedgerEvent{
			Chain:        b.Chain,
			BlockID:      e.BlockID,
			TxID:         e.TxID,
			SortKey:      e.SortKey,
			Time:         e.Time,
			Address:      e.Address,
			Effect:       e.Effect.String(),
			Currency:     e.Currency,
			Extra:        e.Extra,
			ExtraIndexed: e.ExtraIndexed,
			Failed:       e.Failed,
		})
	}

	for _, c := range b.Currencies {
		record.Currencies = append(record.Currencies, &protov1.Currency{
			ID:       c.ID,
			Name:     c.Name,
			Symbol:   c.Symbol,
			Decimals: int32(c.Decimals),
		})
	}

	return record
}

func wireTrustMode(m TrustMode) protov1.TrustMode {
	switch m {
	case TrustConsensus:
		return protov1.TrustMode_TRUST_MODE_CONSENSUS
	case TrustFast:
		return protov1.TrustMode_TRUST_MODE_FAST
	default:
		return protov1.TrustMode_TRUST_MODE_UNSPECIFIED
	}
}
