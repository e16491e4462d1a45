package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"PerpGuard/internal/wal"
)

// Loader serves the recovery reads: the full WAL for replay and the recent
// trade ids for warming the registry LRU.
type Loader struct {
	db *sql.DB
}

func NewLoader(db *sql.DB) *Loader {
	return &Loader{db: db}
}

// LoadEvents reads the entire WAL ordered by sequence. Replay reduces it
// back into the in-memory ledger; only durably-unsent intents come out of
// that reduction eligible for redispatch.
func (l *Loader) LoadEvents(ctx context.Context) ([]wal.Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT sequence, kind, intent_hash, COALESCE(group_id::text, ''), leg_idx,
		       COALESCE(instrument, ''), COALESCE(side, ''), COALESCE(class, ''),
		       qty_steps, price_ticks, label, state, filled_steps,
		       COALESCE(exchange_id, ''), COALESCE(anomaly, ''),
		       timestamp_us, chain_hash, prev_hash
		FROM guard.wal_events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []wal.Event
	for rows.Next() {
		var (
			e         wal.Event
			kind      string
			hashHex   string
			chainHash []byte
			prevHash  []byte
		)
		if err := rows.Scan(
			&e.Sequence, &kind, &hashHex, &e.GroupID, &e.LegIdx,
			&e.Instrument, &e.Side, &e.Class,
			&e.QtySteps, &e.PriceTicks, &e.Label, &e.State, &e.FilledSteps,
			&e.ExchangeID, &e.Anomaly,
			&e.TimestampUs, &chainHash, &prevHash,
		); err != nil {
			return nil, err
		}

		k, err := parseEventKind(kind)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", e.Sequence, err)
		}
		e.Kind = k

		hash, err := strconv.ParseUint(hashHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: bad intent hash %q", e.Sequence, hashHex)
		}
		e.Hash = hash

		copy(e.ChainHash[:], chainHash)
		copy(e.PrevHash[:], prevHash)

		events = append(events, e)
	}

	return events, rows.Err()
}

// RecentTradeIDs returns trade ids inside the lookback window, newest
// first, for warming the registry LRU.
func (l *Loader) RecentTradeIDs(ctx context.Context, lookback time.Duration, limit int) ([]string, error) {
	cutoffUs := time.Now().Add(-lookback).UnixMicro()

	rows, err := l.db.QueryContext(ctx, `
		SELECT trade_id
		FROM guard.trade_registry
		WHERE timestamp_us >= $1
		ORDER BY timestamp_us DESC
		LIMIT $2
	`, cutoffUs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LatestSequence returns the highest persisted WAL sequence, or -1 on an
// empty log.
func (l *Loader) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM guard.wal_events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

func parseEventKind(s string) (wal.EventKind, error) {
	switch s {
	case "intent_recorded":
		return wal.EventIntentRecorded, nil
	case "sent_marked":
		return wal.EventSentMarked, nil
	case "state_transition":
		return wal.EventStateTransition, nil
	default:
		return 0, fmt.Errorf("unknown wal event kind %q", s)
	}
}
