// Package query serves read-only views over the persisted WAL and trade
// registry. All responses carry as_of_sequence, the highest persisted WAL
// sequence at read time, so a caller can judge freshness against the live
// ledger sequence on the status surface.
package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService reads the guard schema. It never touches in-memory state;
// answers lag the live ledger by the persistence worker's flush interval.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetIntent returns the reduced view of one intent by its 16-hex-digit
// economic identity hash.
func (qs *QueryService) GetIntent(ctx context.Context, hashHex string) (*IntentView, error) {
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var v IntentView
	err = qs.db.QueryRowContext(ctx, `
		SELECT intent_hash, COALESCE(group_id::text, ''), leg_idx,
		       COALESCE(instrument, ''), COALESCE(side, ''), COALESCE(class, ''),
		       qty_steps, price_ticks, COALESCE(label, ''), timestamp_us
		FROM guard.wal_events
		WHERE intent_hash = $1 AND kind = 'intent_recorded'
		ORDER BY sequence
		LIMIT 1
	`, hashHex).Scan(
		&v.HashHex, &v.GroupID, &v.LegIdx,
		&v.Instrument, &v.Side, &v.Class,
		&v.QtySteps, &v.PriceTicks, &v.Label, &v.RecordedUs,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(state, ''), filled_steps,
		       COALESCE(exchange_id, ''), COALESCE(anomaly, ''), timestamp_us
		FROM guard.wal_events
		WHERE intent_hash = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, hashHex).Scan(&v.State, &v.FilledSteps, &v.ExchangeID, &v.Anomaly, &v.UpdatedUs)
	if err != nil {
		return nil, err
	}

	v.AsOfSequence = asOf
	return &v, nil
}

// GetIntentByLabel resolves a venue order label to its intent view.
func (qs *QueryService) GetIntentByLabel(ctx context.Context, label string) (*IntentView, error) {
	var hashHex string
	err := qs.db.QueryRowContext(ctx, `
		SELECT intent_hash FROM guard.wal_events
		WHERE label = $1 AND kind = 'intent_recorded'
		ORDER BY sequence
		LIMIT 1
	`, label).Scan(&hashHex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return qs.GetIntent(ctx, hashHex)
}

// ListGroupEvents returns the WAL rows belonging to a group's intents in
// sequence order, paginated by afterSequence.
func (qs *QueryService) ListGroupEvents(ctx context.Context, groupID uuid.UUID, limit int, afterSequence *int64) ([]GroupEventRow, error) {
	query := `
		SELECT sequence, kind, intent_hash, COALESCE(label, ''),
		       COALESCE(state, ''), filled_steps,
		       COALESCE(exchange_id, ''), COALESCE(anomaly, ''), timestamp_us
		FROM guard.wal_events
		WHERE intent_hash IN (
			SELECT intent_hash FROM guard.wal_events WHERE group_id = $1
		)
	`
	args := []interface{}{groupID}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence > $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupEventRow
	for rows.Next() {
		var r GroupEventRow
		if err := rows.Scan(
			&r.Sequence, &r.Kind, &r.HashHex, &r.Label,
			&r.State, &r.FilledSteps, &r.ExchangeID, &r.Anomaly, &r.TimestampUs,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListGroupTrades returns the persisted trade-registry rows for a group.
func (qs *QueryService) ListGroupTrades(ctx context.Context, groupID uuid.UUID) ([]TradeRecord, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT trade_id, COALESCE(group_id::text, ''), leg_idx, qty_steps, price_ticks, timestamp_us
		FROM guard.trade_registry
		WHERE group_id = $1
		ORDER BY timestamp_us
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.TradeID, &t.GroupID, &t.LegIdx, &t.QtySteps, &t.PriceTicks, &t.TimestampUs); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// VerifyIntegrity checks hash-chain continuity across the persisted WAL:
// every row's prev_hash must equal the chain_hash of the preceding
// sequence. Breaks are capped at 10; one break is already an incident.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{AsOfSequence: asOf}

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM guard.wal_events`,
	).Scan(&report.EventsChecked); err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM guard.wal_events e1
		JOIN guard.wal_events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.chain_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

func (qs *QueryService) watermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := qs.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM guard.wal_events`,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
