package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/pulse-ledger/internal/ledger"
)

// EventStore writes assembled blocks to ledger_blocks, ledger_events and
// currencies. Writing a block replaces whatever was stored for it before.
type EventStore struct {
	db     *DB
	logger *slog.Logger
}

func NewEventStore(db *DB, logger *slog.Logger) *EventStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStore{db: db, logger: logger.With("component", "event-store")}
}

func (s *EventStore) WriteBlock(ctx context.Context, block ledger.AssembledBlock) error {
	bc := block.Context
	id := bc.Identity.ID

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM ledger_events WHERE chain = $1 AND block_id = $2`, block.Chain, id); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}

		blockSQL := `
			INSERT INTO ledger_blocks (
				chain, block_id, block_hash, parent_hash, block_time,
				trust_mode, attempt_id, event_count, ingested_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			ON CONFLICT (chain, block_id) DO UPDATE SET
				block_hash = EXCLUDED.block_hash,
				parent_hash = EXCLUDED.parent_hash,
				block_time = EXCLUDED.block_time,
				trust_mode = EXCLUDED.trust_mode,
				attempt_id = EXCLUDED.attempt_id,
				event_count = EXCLUDED.event_count,
				ingested_at = EXCLUDED.ingested_at
		`
		if _, err := tx.Exec(ctx, blockSQL,
			block.Chain, id, bc.Identity.Hash, bc.Identity.ParentHash, timestamp(bc.Identity.Time),
			bc.Mode.String(), bc.AttemptID, len(block.Events),
		); err != nil {
			return fmt.Errorf("upsert block: %w", err)
		}

		if len(block.Events) > 0 {
			records := eventRecords(block)
			n, err := tx.CopyFrom(ctx, pgx.Identifier{"ledger_events"}, eventColumns,
				pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
					return records[i].values(), nil
				}),
			)
			if err != nil {
				return fmt.Errorf("copy events: %w", err)
			}
			if int(n) != len(records) {
				return fmt.Errorf("copy events: wrote %d of %d rows", n, len(records))
			}
		}

		if len(block.Currencies) > 0 {
			if err := upsertCurrencies(ctx, tx, block.Chain, block.Currencies); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertCurrencies(ctx context.Context, tx pgx.Tx, chain string, currencies []ledger.Currency) error {
	const currencySQL = `
		INSERT INTO currencies (chain, currency_id, name, symbol, decimals, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (chain, currency_id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), currencies.name),
			symbol = COALESCE(NULLIF(EXCLUDED.symbol, ''), currencies.symbol),
			decimals = EXCLUDED.decimals,
			updated_at = EXCLUDED.updated_at
	`

	batch := &pgx.Batch{}
	for _, c := range currencies {
		batch.Queue(currencySQL, chain, c.ID, c.Name, c.Symbol, c.Decimals)
	}

	results := tx.SendBatch(ctx, batch)
	for _, c := range currencies {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("upsert currency %s: %w", c.ID, err)
		}
	}
	return results.Close()
}

// LastBlock returns the cursor saved by SaveCursor: the last block of a chain
// below which nothing is missing.
func (s *EventStore) LastBlock(ctx context.Context, chain string) (int64, bool, error) {
	var last int64
	err := s.db.pool.QueryRow(ctx,
		`SELECT last_block FROM ledger_cursors WHERE chain = $1`, chain,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query cursor: %w", err)
	}
	return last, true, nil
}

// SaveCursor records the contiguous progress of a chain. It may move the
// cursor backwards, which a reorg does.
func (s *EventStore) SaveCursor(ctx context.Context, chain string, last int64) error {
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO ledger_cursors (chain, last_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain) DO UPDATE SET
			last_block = EXCLUDED.last_block,
			updated_at = EXCLUDED.updated_at`, chain, last)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Events reads the stored events of one block in sort key order.
func (s *EventStore) Events(ctx context.Context, chain string, id int64) ([]ledger.Event, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT chain, block_id, sort_key, tx_id, block_time, address,
		       effect, currency, extra, extra_indexed, failed
		FROM ledger_events
		WHERE chain = $1 AND block_id = $2
		ORDER BY sort_key`, chain, id)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[EventRecord])
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}

	events := make([]ledger.Event, len(records))
	for i, r := range records {
		events[i] = r.Event()
	}
	return events, nil
}

// Currency returns the stored descriptor of one currency.
func (s *EventStore) Currency(ctx context.Context, chain, id string) (ledger.Currency, bool, error) {
	c := ledger.Currency{ID: id}
	err := s.db.pool.QueryRow(ctx,
		`SELECT name, symbol, decimals FROM currencies WHERE chain = $1 AND currency_id = $2`, chain, id,
	).Scan(&c.Name, &c.Symbol, &c.Decimals)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Currency{}, false, nil
	}
	if err != nil {
		return ledger.Currency{}, false, fmt.Errorf("query currency: %w", err)
	}
	return c, true, nil
}
