// Package persistence drains the ledger's durable queue into Postgres and
// serves the replay reads recovery depends on. The write path is batched
// multi-row INSERT with ON CONFLICT DO NOTHING, so redelivered batches are
// idempotent by construction.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PerpGuard/internal/wal"
)

// TradeRow is one row in guard.trade_registry: a venue trade id bound to
// the intent leg it filled. The unique trade_id constraint is the durable
// tier of exactly-once fill accounting.
type TradeRow struct {
	TradeID     string
	GroupID     string
	LegIdx      uint32
	QtySteps    int64
	PriceTicks  int64
	TimestampUs int64
}

// WALWriter writes WAL events and trade registrations using batch inserts.
type WALWriter struct {
	db *sql.DB
}

func NewWALWriter(db *sql.DB) *WALWriter {
	return &WALWriter{db: db}
}

// WriteEventBatch writes a batch of WAL events to guard.wal_events inside
// the given transaction.
func (w *WALWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []wal.Event) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO guard.wal_events
		(sequence, kind, intent_hash, group_id, leg_idx, instrument, side, class,
		 qty_steps, price_ticks, label, state, filled_steps, exchange_id, anomaly,
		 timestamp_us, chain_hash, prev_hash)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*18)

	for i, e := range events {
		base := i * 18
		ph := make([]string, 18)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			e.Sequence, e.Kind.String(), fmt.Sprintf("%016x", e.Hash), nullable(e.GroupID),
			e.LegIdx, nullable(e.Instrument), nullable(e.Side), nullable(e.Class),
			e.QtySteps, e.PriceTicks, e.Label, e.State, e.FilledSteps,
			nullable(e.ExchangeID), nullable(e.Anomaly), e.TimestampUs,
			e.ChainHash[:], e.PrevHash[:],
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteTradeBatch writes a batch of trade registrations to
// guard.trade_registry inside the given transaction.
func (w *WALWriter) WriteTradeBatch(ctx context.Context, tx *sql.Tx, trades []TradeRow) error {
	if len(trades) == 0 {
		return nil
	}

	query := `INSERT INTO guard.trade_registry
		(trade_id, group_id, leg_idx, qty_steps, price_ticks, timestamp_us)
		VALUES `

	values := make([]string, 0, len(trades))
	args := make([]interface{}, 0, len(trades)*6)

	for i, t := range trades {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			t.TradeID, nullable(t.GroupID), t.LegIdx,
			t.QtySteps, t.PriceTicks, t.TimestampUs,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (trade_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// DB exposes the handle for transaction control by the worker.
func (w *WALWriter) DB() *sql.DB {
	return w.db
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
