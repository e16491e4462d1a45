// Package latch implements the sticky open-permission gate. The latch is
// orthogonal to the operating mode: it blocks only OPEN-classified intents,
// and it clears only through an explicit, all-or-nothing reconciliation
// proof. It initializes engaged on every process start.
package latch

import (
	"fmt"
	"sync"
	"time"
)

// Reason is an element of the closed reconcile-only vocabulary. Mode
// concerns (certification, evidence pipeline) must never appear here; they
// belong to the resolver's vocabulary.
type Reason string

const (
	ReasonRestartReconcile  Reason = "restart-reconcile-required"
	ReasonMarketDataGap     Reason = "market-data-gap"
	ReasonTradeFeedGap      Reason = "trade-feed-gap"
	ReasonInventoryMismatch Reason = "inventory-mismatch"
	ReasonSessionTerminated Reason = "session-termination"
)

// vocabOrder fixes the deterministic order reasons are reported in.
var vocabOrder = []Reason{
	ReasonRestartReconcile,
	ReasonMarketDataGap,
	ReasonTradeFeedGap,
	ReasonInventoryMismatch,
	ReasonSessionTerminated,
}

// KnownReason reports vocabulary membership.
func KnownReason(r Reason) bool {
	for _, v := range vocabOrder {
		if v == r {
			return true
		}
	}
	return false
}

// ReconcileReport is the joint proof required to clear the latch. Every
// field must hold; partial resolution clears nothing.
type ReconcileReport struct {
	// In-flight intents match venue-reported open orders by label.
	OrdersMatched bool
	// Local positions match venue positions within tolerance.
	PositionsWithinTolerance bool
	// Number of venue trades in the lookback window absent from the
	// trade-id registry. Must be zero.
	UnseenTrades int
	// The lookback scan itself ran to completion.
	LookbackComplete bool
	// Per-reason resolution, keyed by currently raised reasons.
	Resolved map[Reason]bool
	// When the reconciliation finished.
	CompletedAt time.Time
}

// Latch is the sticky open-permission state. Safe for concurrent use; the
// evaluation cycle reads it while the reconciler raises and clears.
type Latch struct {
	mu        sync.Mutex
	raised    map[Reason]time.Time
	engagedAt time.Time
	clearedAt time.Time
}

// New returns a latch already engaged with restart-reconcile-required.
// There is no constructor for a clear latch: permission to open is earned
// through reconciliation, never assumed.
func New(now time.Time) *Latch {
	return &Latch{
		raised:    map[Reason]time.Time{ReasonRestartReconcile: now},
		engagedAt: now,
	}
}

// Raise adds a reason and engages the latch. Unknown reasons are rejected:
// the caller is attempting to put a mode concern (or a typo) into the
// reconcile vocabulary, which is a schema violation to be escalated, not
// stored.
func (l *Latch) Raise(r Reason, now time.Time) error {
	if !KnownReason(r) {
		return fmt.Errorf("reason %q is not in the open-permission vocabulary", r)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.raised) == 0 {
		l.engagedAt = now
	}
	if _, ok := l.raised[r]; !ok {
		l.raised[r] = now
	}
	return nil
}

// TryClear clears the latch if and only if the report proves every
// condition jointly and resolves every currently raised reason. On failure
// the latch is untouched and the error names the first unmet condition.
func (l *Latch) TryClear(report ReconcileReport) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.raised) == 0 {
		return nil
	}
	if !report.LookbackComplete {
		return fmt.Errorf("reconcile incomplete: lookback scan did not finish")
	}
	if !report.OrdersMatched {
		return fmt.Errorf("reconcile failed: in-flight intents do not match venue open orders")
	}
	if !report.PositionsWithinTolerance {
		return fmt.Errorf("reconcile failed: positions outside tolerance")
	}
	if report.UnseenTrades != 0 {
		return fmt.Errorf("reconcile failed: %d unseen trades in lookback window", report.UnseenTrades)
	}
	for r := range l.raised {
		if !report.Resolved[r] {
			return fmt.Errorf("reconcile failed: reason %q not resolved", r)
		}
	}

	l.raised = make(map[Reason]time.Time)
	l.clearedAt = report.CompletedAt
	return nil
}

// Engaged reports whether the latch currently blocks opens.
func (l *Latch) Engaged() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.raised) > 0
}

// Reasons returns the raised reasons in fixed vocabulary order. Empty iff
// the latch is clear.
func (l *Latch) Reasons() []Reason {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Reason, 0, len(l.raised))
	for _, r := range vocabOrder {
		if _, ok := l.raised[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

// EngagedSince returns when the current engagement began. Zero time when
// clear. There is no bound on how long reconciliation may take; the age is
// surfaced so operators can escalate.
func (l *Latch) EngagedSince() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.raised) == 0 {
		return time.Time{}, false
	}
	return l.engagedAt, true
}

// PermitsOpen reports whether an OPEN intent may proceed.
func (l *Latch) PermitsOpen() bool {
	return !l.Engaged()
}

// PermitsCancelReplace reports whether a cancel/replace may proceed. While
// engaged, only replacements that do not increase risk exposure pass.
func (l *Latch) PermitsCancelReplace(riskIncreasing bool) bool {
	if !l.Engaged() {
		return true
	}
	return !riskIncreasing
}
