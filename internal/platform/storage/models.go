package storage

import (
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/marko911/pulse-ledger/internal/ledger"
)

var eventColumns = []string{
	"chain", "block_id", "sort_key", "tx_id", "block_time", "address",
	"effect", "currency", "extra", "extra_indexed", "failed",
}

// EventRecord is one row of ledger_events.
type EventRecord struct {
	Chain        string             `db:"chain"`
	BlockID      int64              `db:"block_id"`
	SortKey      int64              `db:"sort_key"`
	TxID         string             `db:"tx_id"`
	BlockTime    pgtype.Timestamptz `db:"block_time"`
	Address      string             `db:"address"`
	Effect       pgtype.Numeric     `db:"effect"`
	Currency     string             `db:"currency"`
	Extra        string             `db:"extra"`
	ExtraIndexed string             `db:"extra_indexed"`
	Failed       bool               `db:"failed"`
}

func (r EventRecord) values() []any {
	return []any{
		r.Chain, r.BlockID, r.SortKey, r.TxID, r.BlockTime, r.Address,
		r.Effect, r.Currency, r.Extra, r.ExtraIndexed, r.Failed,
	}
}

// Event converts the row back to a ledger event.
func (r EventRecord) Event() ledger.Event {
	e := ledger.Event{
		BlockID:      r.BlockID,
		TxID:         r.TxID,
		SortKey:      r.SortKey,
		Address:      r.Address,
		Effect:       numericToBig(r.Effect),
		Currency:     r.Currency,
		Extra:        r.Extra,
		ExtraIndexed: r.ExtraIndexed,
		Failed:       r.Failed,
	}
	if r.BlockTime.Valid {
		e.Time = r.BlockTime.Time.UTC()
	}
	return e
}

func eventRecords(block ledger.AssembledBlock) []EventRecord {
	records := make([]EventRecord, len(block.Events))
	for i, e := range block.Events {
		records[i] = EventRecord{
			Chain:        block.Chain,
			BlockID:      e.BlockID,
			SortKey:      e.SortKey,
			TxID:         e.TxID,
			BlockTime:    timestamp(e.Time),
			Address:      e.Address,
			Effect:       numeric(e.Effect),
			Currency:     e.Currency,
			Extra:        e.Extra,
			ExtraIndexed: e.ExtraIndexed,
			Failed:       e.Failed,
		}
	}
	return records
}

func timestamp(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func numeric(v *big.Int) pgtype.Numeric {
	if v == nil {
		return pgtype.Numeric{Int: new(big.Int), Valid: true}
	}
	return pgtype.Numeric{Int: new(big.Int).Set(v), Valid: true}
}

// numericToBig converts an integral NUMERIC, which the driver may return
// with a positive exponent (1000 as 1e3).
func numericToBig(n pgtype.Numeric) *big.Int {
	if !n.Valid || n.Int == nil {
		return new(big.Int)
	}
	v := new(big.Int).Set(n.Int)
	switch {
	case n.Exp > 0:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
	case n.Exp < 0:
		v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil))
	}
	return v
}
