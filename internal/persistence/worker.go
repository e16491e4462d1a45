package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpGuard/internal/observability"
	"PerpGuard/internal/wal"

	"github.com/rs/zerolog"
)

// Worker drains the durable WAL queue and the trade registration queue and
// batch-writes both to Postgres in one transaction. The WAL queue uses
// bounded sends from the chokepoint: when this worker falls behind, the
// queue saturates and new dispatches are blocked, never lost.
type Worker struct {
	writer       *WALWriter
	events       <-chan wal.Event
	trades       <-chan TradeRow
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	events <-chan wal.Event,
	trades <-chan TradeRow,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewWALWriter(db),
		events:       events,
		trades:       trades,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          observability.NewLogger("persistence-worker"),
		metrics:      metrics,
	}
}

// Run starts the worker loop. It batches incoming rows and flushes either
// when the event batch is full or the flush timeout expires. Blocks until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	eventBatch := make([]wal.Event, 0, w.batchSize)
	tradeBatch := make([]TradeRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(eventBatch) > 0 || len(tradeBatch) > 0 {
				if err := w.flush(context.Background(), eventBatch, tradeBatch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case evt, ok := <-w.events:
			if !ok {
				if len(eventBatch) > 0 || len(tradeBatch) > 0 {
					if err := w.flush(context.Background(), eventBatch, tradeBatch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}
			eventBatch = append(eventBatch, evt)

			if len(eventBatch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, eventBatch, tradeBatch); err != nil {
					w.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				eventBatch = eventBatch[:0]
				tradeBatch = tradeBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case trade := <-w.trades:
			tradeBatch = append(tradeBatch, trade)

		case <-timer.C:
			if len(eventBatch) > 0 || len(tradeBatch) > 0 {
				if err := w.flushWithRetry(ctx, eventBatch, tradeBatch); err != nil {
					w.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				eventBatch = eventBatch[:0]
				tradeBatch = tradeBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// never drops rows: it retries until the write succeeds or the context is
// cancelled, and on cancellation makes one final attempt with a background
// context so shutdown does not lose the batch.
func (w *Worker) flushWithRetry(ctx context.Context, events []wal.Event, trades []TradeRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), events, trades); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, events, trades)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, events []wal.Event, trades []TradeRow) error {
	start := time.Now()

	tx, err := w.writer.DB().BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := w.writer.WriteTradeBatch(ctx, tx, trades); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_trades").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(events)))
		w.metrics.PersistEventsWritten.Add(float64(len(events)))
		if len(events) > 0 {
			w.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}
