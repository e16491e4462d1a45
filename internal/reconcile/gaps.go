// Package reconcile proves the process back into permission to open: gap
// detection on the venue feeds, label matching of in-flight intents against
// venue open orders, inventory checks, and the unseen-trade lookback scan.
// Its output is the all-or-nothing report the open-permission latch demands.
package reconcile

import (
	"fmt"
	"time"

	"PerpGuard/internal/latch"
	"PerpGuard/internal/observability"

	"github.com/rs/zerolog"
)

// GapWatch validates source sequences per feed partition. A gap on the
// trade feed means fills may have been lost and engages the latch hard; a
// market-data gap is tolerated for processing but still engages the latch,
// since opens priced off a discontinuous book are not trustworthy.
// Not thread-safe; only the ingestion loop calls it.
type GapWatch struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	lt              *latch.Latch
	log             zerolog.Logger
	metrics         *observability.Metrics
}

func NewGapWatch(lt *latch.Latch, metrics *observability.Metrics) *GapWatch {
	return &GapWatch{
		expectedNextSeq: make(map[string]int64),
		lt:              lt,
		log:             observability.NewLogger("gap-watch"),
		metrics:         metrics,
	}
}

// ObserveTrade checks trade-feed sequencing. Duplicates below the watermark
// are expected redeliveries. A gap raises trade-feed-gap and returns an
// error; the event itself is still processed by the caller, the latch just
// stays engaged until a lookback scan accounts for the hole.
//
// Unlike ObservePrice, an unseeded partition anchors at zero: trades carry
// fill accounting, so a nonzero first sequence counts as a gap until
// SetExpected seeds the watermark from the persisted feed position. Prices
// have no history to lose and anchor on their first observation.
func (w *GapWatch) ObserveTrade(partition string, sourceSequence int64, isDuplicate bool, now time.Time) error {
	expected := w.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		w.count(partition, "out_of_order")
		return fmt.Errorf("out-of-order trade event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		w.expectedNextSeq[partition] = expected + 1
		return nil
	}

	w.count(partition, "gap")
	w.expectedNextSeq[partition] = sourceSequence + 1
	if err := w.lt.Raise(latch.ReasonTradeFeedGap, now); err != nil {
		panic("FATAL: trade-feed-gap rejected by latch vocabulary: " + err.Error())
	}
	return fmt.Errorf("trade feed gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ObservePrice checks market-data sequencing. Stale updates are silently
// ignored. Gaps are accepted for processing but engage the latch.
func (w *GapWatch) ObservePrice(marketID string, priceSequence int64, now time.Time) {
	partition := fmt.Sprintf("price:%s", marketID)
	expected := w.expectedNextSeq[partition]

	if priceSequence < expected {
		return
	}

	if expected > 0 && priceSequence > expected {
		w.count(partition, "gap")
		w.log.Warn().
			Str("market", marketID).
			Int64("expected", expected).
			Int64("got", priceSequence).
			Msg("market data gap")
		if err := w.lt.Raise(latch.ReasonMarketDataGap, now); err != nil {
			panic("FATAL: market-data-gap rejected by latch vocabulary: " + err.Error())
		}
	}

	w.expectedNextSeq[partition] = priceSequence + 1
}

// Expected returns the next expected sequence for a partition.
func (w *GapWatch) Expected(partition string) int64 {
	return w.expectedNextSeq[partition]
}

// SetExpected seeds a partition watermark during recovery.
func (w *GapWatch) SetExpected(partition string, seq int64) {
	w.expectedNextSeq[partition] = seq
}

func (w *GapWatch) count(partition, kind string) {
	if w.metrics != nil {
		w.metrics.FeedAnomalies.WithLabelValues(partition, kind).Inc()
	}
}
