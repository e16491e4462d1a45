package reconcile

import (
	"time"

	"PerpGuard/internal/intent"
	"PerpGuard/internal/latch"
	"PerpGuard/internal/observability"
	"PerpGuard/internal/venue"
	"PerpGuard/internal/wal"

	"github.com/rs/zerolog"
)

// Params bound the reconciliation checks.
type Params struct {
	// Absolute per-instrument position deviation still considered matched.
	PositionToleranceSteps int64
	// How far back the trade lookback scan reaches.
	Lookback time.Duration
}

func DefaultParams() Params {
	return Params{
		PositionToleranceSteps: 0,
		Lookback:               24 * time.Hour,
	}
}

// Reconciler builds the proof that clears the open-permission latch: every
// in-flight intent accounted for at the venue, positions within tolerance,
// and no venue trade in the lookback window missing from the trade-id
// registry.
type Reconciler struct {
	ledger   *wal.Ledger
	registry *wal.Registry
	lt       *latch.Latch
	params   Params
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewReconciler(ledger *wal.Ledger, registry *wal.Registry, lt *latch.Latch, params Params, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		ledger:   ledger,
		registry: registry,
		lt:       lt,
		params:   params,
		log:      observability.NewLogger("reconciler"),
		metrics:  metrics,
	}
}

// Run evaluates one venue account report against local state and produces
// the clear-attempt report. localPositions is the engine's per-instrument
// signed position view.
func (r *Reconciler) Run(report venue.AccountReport, localPositions map[string]int64, now time.Time) latch.ReconcileReport {
	ordersMatched := false
	positionsOK := false
	unseen := 0

	if report.Complete {
		ordersMatched = r.matchOrders(report.OpenOrders)
		positionsOK = r.checkPositions(report.Positions, localPositions, now)
		unseen = r.scanTrades(report.Trades)
	}

	out := latch.ReconcileReport{
		OrdersMatched:            ordersMatched,
		PositionsWithinTolerance: positionsOK,
		UnseenTrades:             unseen,
		LookbackComplete:         report.Complete,
		Resolved:                 make(map[latch.Reason]bool),
		CompletedAt:              now,
	}

	allClean := report.Complete && ordersMatched && positionsOK && unseen == 0
	for _, reason := range r.lt.Reasons() {
		switch reason {
		case latch.ReasonRestartReconcile:
			out.Resolved[reason] = allClean
		case latch.ReasonMarketDataGap:
			// A complete fresh report re-anchors pricing state.
			out.Resolved[reason] = report.Complete
		case latch.ReasonTradeFeedGap:
			out.Resolved[reason] = report.Complete && unseen == 0
		case latch.ReasonInventoryMismatch:
			out.Resolved[reason] = positionsOK
		case latch.ReasonSessionTerminated:
			out.Resolved[reason] = report.Complete && ordersMatched
		}
	}
	return out
}

// Attempt runs one reconciliation and tries to clear the latch. The error
// names the first unmet condition; the latch is untouched on failure.
func (r *Reconciler) Attempt(report venue.AccountReport, localPositions map[string]int64, now time.Time) error {
	rep := r.Run(report, localPositions, now)
	err := r.lt.TryClear(rep)
	if err != nil {
		r.log.Warn().Err(err).Msg("latch clear attempt failed")
		if r.metrics != nil {
			r.metrics.ReconcileAttempts.WithLabelValues("failed").Inc()
		}
		return err
	}
	r.log.Info().
		Int("open_orders", len(report.OpenOrders)).
		Int("trades_scanned", len(report.Trades)).
		Msg("reconciliation complete, latch cleared")
	if r.metrics != nil {
		r.metrics.ReconcileAttempts.WithLabelValues("cleared").Inc()
	}
	return nil
}

// matchOrders proves the two-way correspondence between venue open orders
// and ledger in-flight records. Primary key is the label; when the label
// does not resolve, candidates are narrowed by intent hash, then
// instrument, then side, then quantity. Anything ambiguous or unmatched
// fails the whole check.
func (r *Reconciler) matchOrders(open []venue.OpenOrder) bool {
	matched := make(map[uint64]bool)

	for _, o := range open {
		rec, ok := r.ledger.FindByLabel(o.Label)
		if !ok {
			rec = r.matchByFallback(o)
		}
		if rec == nil {
			r.log.Warn().Str("label", o.Label).Str("market", o.Market).Msg("venue order has no ledger record")
			return false
		}
		if rec.Intent.Instrument != o.Market || rec.Intent.Side != o.Side {
			r.log.Warn().Str("label", o.Label).Msg("venue order contradicts ledger record")
			return false
		}
		matched[rec.Intent.Hash] = true
	}

	// Every acked non-terminal record must be visible at the venue. Records
	// sent but never acked are indeterminate; their absence is not proof of
	// loss, and the fill-timeout path owns them.
	for _, rec := range r.ledger.InFlight() {
		if rec.AckUs == 0 {
			continue
		}
		if rec.Lifecycle.State == wal.StateFilled {
			continue
		}
		if !matched[rec.Intent.Hash] {
			r.log.Warn().
				Str("label", rec.Intent.Label).
				Str("state", rec.Lifecycle.State.String()).
				Msg("acked intent missing from venue open orders")
			return false
		}
	}
	return true
}

// matchByFallback resolves a venue order whose label is not directly known,
// narrowing in-flight candidates hash-first. Exactly one survivor matches;
// zero or several is an ambiguity and matches nothing.
func (r *Reconciler) matchByFallback(o venue.OpenOrder) *wal.Record {
	parsed, err := intent.ParseLabel(o.Label)
	if err != nil {
		return nil
	}
	hash, err := intent.ParseIH16(parsed.IH16)
	if err != nil {
		return nil
	}

	var candidates []*wal.Record
	for _, rec := range r.ledger.InFlight() {
		if rec.Intent.Hash == hash {
			candidates = append(candidates, rec)
		}
	}
	candidates = narrow(candidates, func(rec *wal.Record) bool { return rec.Intent.Instrument == o.Market })
	candidates = narrow(candidates, func(rec *wal.Record) bool { return rec.Intent.Side == o.Side })
	candidates = narrow(candidates, func(rec *wal.Record) bool { return rec.Intent.QtySteps == o.QtySteps })

	if len(candidates) != 1 {
		return nil
	}
	return candidates[0]
}

func narrow(in []*wal.Record, keep func(*wal.Record) bool) []*wal.Record {
	if len(in) <= 1 {
		return in
	}
	out := in[:0]
	for _, rec := range in {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// checkPositions compares venue positions against the local view within
// the configured tolerance. A mismatch raises inventory-mismatch so the
// reason is visible even while this same run fails to clear.
func (r *Reconciler) checkPositions(venuePositions []venue.Position, local map[string]int64, now time.Time) bool {
	seen := make(map[string]bool, len(venuePositions))
	ok := true

	for _, p := range venuePositions {
		seen[p.Market] = true
		if diff := abs64(p.NetSteps - local[p.Market]); diff > r.params.PositionToleranceSteps {
			r.log.Warn().
				Str("market", p.Market).
				Int64("venue", p.NetSteps).
				Int64("local", local[p.Market]).
				Msg("position outside tolerance")
			ok = false
		}
	}
	for market, steps := range local {
		if !seen[market] && abs64(steps) > r.params.PositionToleranceSteps {
			r.log.Warn().Str("market", market).Int64("local", steps).Msg("local position unknown to venue")
			ok = false
		}
	}

	if !ok {
		if err := r.lt.Raise(latch.ReasonInventoryMismatch, now); err != nil {
			panic("FATAL: inventory-mismatch rejected by latch vocabulary: " + err.Error())
		}
	}
	return ok
}

// scanTrades counts venue trades in the lookback window absent from the
// trade-id registry.
func (r *Reconciler) scanTrades(trades []venue.Trade) int {
	unseen := 0
	for _, t := range trades {
		if !r.registry.Seen(t.TradeID) {
			r.log.Warn().Str("trade_id", t.TradeID).Str("market", t.Market).Msg("venue trade not in registry")
			unseen++
		}
	}
	return unseen
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
