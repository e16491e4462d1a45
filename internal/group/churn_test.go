package group

import (
	"testing"
	"time"
)

func TestChurnGuardThreshold(t *testing.T) {
	g := NewChurnGuard(5*time.Minute, 3, 15*time.Minute)
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if g.RecordFlatten("BTC-PERP", base.Add(time.Duration(i)*time.Minute)) {
			t.Fatalf("flatten %d engaged the cooldown below threshold", i+1)
		}
	}
	if g.Blocked("BTC-PERP", base.Add(3*time.Minute)) {
		t.Fatal("blocked before crossing the threshold")
	}

	if !g.RecordFlatten("BTC-PERP", base.Add(3*time.Minute)) {
		t.Fatal("threshold crossing did not report cooldown engagement")
	}
	if !g.Blocked("BTC-PERP", base.Add(4*time.Minute)) {
		t.Error("instrument not blocked after crossing the threshold")
	}
	if g.Blocked("ETH-PERP", base.Add(4*time.Minute)) {
		t.Error("unrelated instrument blocked")
	}

	// Re-crossing while already blocked is not a new engagement.
	if g.RecordFlatten("BTC-PERP", base.Add(4*time.Minute)) {
		t.Error("flatten while blocked reported a second engagement")
	}
}

func TestChurnGuardCooldownExpires(t *testing.T) {
	g := NewChurnGuard(5*time.Minute, 1, 15*time.Minute)
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	g.RecordFlatten("BTC-PERP", base)
	g.RecordFlatten("BTC-PERP", base.Add(time.Minute))
	if !g.Blocked("BTC-PERP", base.Add(2*time.Minute)) {
		t.Fatal("not blocked after churn")
	}
	if g.Blocked("BTC-PERP", base.Add(17*time.Minute)) {
		t.Error("still blocked after the cooldown expired")
	}
}

func TestChurnGuardWindowPrunesOldFlattens(t *testing.T) {
	g := NewChurnGuard(5*time.Minute, 2, 15*time.Minute)
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	g.RecordFlatten("BTC-PERP", base)
	g.RecordFlatten("BTC-PERP", base.Add(time.Minute))

	// The first two have aged out of the window by the time the next pair
	// arrives; no cooldown.
	if g.RecordFlatten("BTC-PERP", base.Add(10*time.Minute)) {
		t.Error("aged-out flattens counted toward the threshold")
	}
	if g.Blocked("BTC-PERP", base.Add(11*time.Minute)) {
		t.Error("blocked on stale flatten history")
	}
}
