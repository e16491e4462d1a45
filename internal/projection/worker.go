// Package projection materializes the executor's audit trail: every
// first-failure seed, state change, containment attempt, and exposure
// observation lands in guard.audit_log for post-incident review, with a
// bounded in-memory ring serving the ops surface without a DB round trip.
//
// The feed is intentionally lossy. The executor writes to the channel
// without blocking; if this worker falls behind, events drop and the
// counter records it. Order safety never waits on audit persistence.
package projection

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"PerpGuard/internal/group"
	"PerpGuard/internal/observability"
)

const ringCapacity = 256

// AuditWorker drains executor audit events into Postgres.
type AuditWorker struct {
	db           *sql.DB
	inputChan    <-chan group.AuditEvent
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics

	mu   sync.Mutex
	ring []group.AuditEvent
	next int
}

func NewAuditWorker(db *sql.DB, inputChan <-chan group.AuditEvent, metrics *observability.Metrics) *AuditWorker {
	return &AuditWorker{
		db:           db,
		inputChan:    inputChan,
		batchSize:    50,
		flushTimeout: 2 * time.Second,
		log:          observability.NewLogger("audit-projection"),
		metrics:      metrics,
		ring:         make([]group.AuditEvent, 0, ringCapacity),
	}
}

// Run starts the projection loop. Blocks until ctx is cancelled.
func (w *AuditWorker) Run(ctx context.Context) error {
	batch := make([]group.AuditEvent, 0, w.batchSize)
	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				w.flush(context.Background(), batch)
			}
			return ctx.Err()

		case evt, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					w.flush(context.Background(), batch)
				}
				return nil
			}
			w.remember(evt)
			batch = append(batch, evt)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flush writes one batch. Failures are logged and counted, never retried:
// the audit trail is eventually consistent and the ring still holds the
// recent window.
func (w *AuditWorker) flush(ctx context.Context, batch []group.AuditEvent) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.dropBatch(len(batch), err)
		return
	}
	defer tx.Rollback()

	for _, evt := range batch {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO guard.audit_log
				(kind, group_id, instrument, detail, exposure_steps, attempt, timestamp_us)
			VALUES ($1, NULLIF($2, '')::uuid, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
		`, string(evt.Kind), evt.GroupID, evt.Instrument, evt.Detail,
			evt.ExposureSteps, evt.Attempt, evt.TimestampUs); err != nil {
			w.dropBatch(len(batch), err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		w.dropBatch(len(batch), err)
	}
}

func (w *AuditWorker) dropBatch(n int, err error) {
	w.log.Warn().Err(err).Int("events", n).Msg("audit batch not persisted")
	if w.metrics != nil {
		w.metrics.ProjectionDrops.WithLabelValues("audit_log").Add(float64(n))
	}
}

func (w *AuditWorker) remember(evt group.AuditEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.ring) < ringCapacity {
		w.ring = append(w.ring, evt)
		return
	}
	w.ring[w.next] = evt
	w.next = (w.next + 1) % ringCapacity
}

// Recent returns the buffered audit window, oldest first.
func (w *AuditWorker) Recent() []group.AuditEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]group.AuditEvent, 0, len(w.ring))
	if len(w.ring) < ringCapacity {
		out = append(out, w.ring...)
		return out
	}
	out = append(out, w.ring[w.next:]...)
	out = append(out, w.ring[:w.next]...)
	return out
}

// Prune deletes audit rows older than the retention window.
func Prune(ctx context.Context, db *sql.DB, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMicro()
	res, err := db.ExecContext(ctx,
		`DELETE FROM guard.audit_log WHERE timestamp_us < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
