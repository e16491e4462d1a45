package reconcile

import (
	"testing"
	"time"

	"PerpGuard/internal/latch"
)

func latchHas(lt *latch.Latch, want latch.Reason) bool {
	for _, r := range lt.Reasons() {
		if r == want {
			return true
		}
	}
	return false
}

func TestTradeGapRaisesLatch(t *testing.T) {
	lt := latch.New(rNow)
	w := NewGapWatch(lt, nil)

	if err := w.ObserveTrade("venue:BTC-PERP", 0, false, rNow); err != nil {
		t.Fatalf("seq 0: %v", err)
	}
	if err := w.ObserveTrade("venue:BTC-PERP", 1, false, rNow); err != nil {
		t.Fatalf("seq 1: %v", err)
	}

	if err := w.ObserveTrade("venue:BTC-PERP", 4, false, rNow); err == nil {
		t.Fatal("gap not reported")
	}
	if !latchHas(lt, latch.ReasonTradeFeedGap) {
		t.Error("trade-feed-gap not raised")
	}
	// The watermark jumps past the hole; the lookback scan owns it now.
	if w.Expected("venue:BTC-PERP") != 5 {
		t.Errorf("expected next = %d, want 5", w.Expected("venue:BTC-PERP"))
	}
}

func TestTradeDuplicatesAndOutOfOrder(t *testing.T) {
	lt := latch.New(rNow)
	w := NewGapWatch(lt, nil)

	w.ObserveTrade("venue:BTC-PERP", 0, false, rNow)
	w.ObserveTrade("venue:BTC-PERP", 1, false, rNow)

	// Redelivery below the watermark is expected with redundant channels.
	if err := w.ObserveTrade("venue:BTC-PERP", 0, true, rNow); err != nil {
		t.Errorf("known duplicate: %v", err)
	}

	// A non-duplicate below the watermark is an anomaly but not a gap.
	if err := w.ObserveTrade("venue:BTC-PERP", 0, false, rNow); err == nil {
		t.Error("out-of-order event not reported")
	}
	if latchHas(lt, latch.ReasonTradeFeedGap) {
		t.Error("out-of-order event raised trade-feed-gap")
	}
	if w.Expected("venue:BTC-PERP") != 2 {
		t.Errorf("expected next = %d, want 2 (watermark unchanged)", w.Expected("venue:BTC-PERP"))
	}
}

func TestPartitionsAreIndependent(t *testing.T) {
	lt := latch.New(rNow)
	w := NewGapWatch(lt, nil)

	w.ObserveTrade("venue:BTC-PERP", 0, false, rNow)
	if err := w.ObserveTrade("trades:BTC-PERP", 0, false, rNow); err != nil {
		t.Errorf("fresh partition at seq 0: %v", err)
	}
}

func TestPriceGapEngagesLatch(t *testing.T) {
	lt := latch.New(rNow)
	w := NewGapWatch(lt, nil)

	// First observation anchors the watermark without judging a gap.
	w.ObservePrice("BTC-PERP", 1, rNow)
	if latchHas(lt, latch.ReasonMarketDataGap) {
		t.Fatal("first price observation treated as a gap")
	}

	w.ObservePrice("BTC-PERP", 2, rNow)
	if latchHas(lt, latch.ReasonMarketDataGap) {
		t.Fatal("contiguous price sequence treated as a gap")
	}

	// Stale updates are dropped silently.
	w.ObservePrice("BTC-PERP", 1, rNow)
	if w.Expected("price:BTC-PERP") != 3 {
		t.Errorf("expected next = %d, want 3", w.Expected("price:BTC-PERP"))
	}

	w.ObservePrice("BTC-PERP", 7, rNow)
	if !latchHas(lt, latch.ReasonMarketDataGap) {
		t.Error("price gap did not raise market-data-gap")
	}
	if w.Expected("price:BTC-PERP") != 8 {
		t.Errorf("expected next = %d, want 8", w.Expected("price:BTC-PERP"))
	}
}

func TestUnseededTradePartitionAnchorsAtZero(t *testing.T) {
	lt := latch.New(rNow)
	w := NewGapWatch(lt, nil)

	// Without a seeded watermark a nonzero first trade sequence is a gap:
	// everything before it is unaccounted fill history.
	if err := w.ObserveTrade("venue:BTC-PERP", 3, false, rNow); err == nil {
		t.Fatal("nonzero first trade sequence accepted on an unseeded partition")
	}
	if !latchHas(lt, latch.ReasonTradeFeedGap) {
		t.Error("trade-feed-gap not raised")
	}
	if w.Expected("venue:BTC-PERP") != 4 {
		t.Errorf("expected next = %d, want 4", w.Expected("venue:BTC-PERP"))
	}

	// Prices carry no history: a nonzero first observation only anchors.
	w.ObservePrice("ETH-PERP", 3, rNow)
	if latchHas(lt, latch.ReasonMarketDataGap) {
		t.Error("first price observation treated as a gap")
	}
}

func TestSetExpectedSeedsWatermark(t *testing.T) {
	lt := latch.New(rNow)
	w := NewGapWatch(lt, nil)

	w.SetExpected("venue:BTC-PERP", 100)
	if err := w.ObserveTrade("venue:BTC-PERP", 100, false, rNow.Add(time.Second)); err != nil {
		t.Errorf("seeded watermark: %v", err)
	}
	if err := w.ObserveTrade("venue:BTC-PERP", 101, false, rNow.Add(time.Second)); err != nil {
		t.Errorf("next after seed: %v", err)
	}
}
