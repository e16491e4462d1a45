package gate

import (
	"context"
	"errors"
	"time"

	"PerpGuard/internal/intent"
	"PerpGuard/internal/latch"
	"PerpGuard/internal/mode"
	"PerpGuard/internal/observability"
	"PerpGuard/internal/snapshot"
	"PerpGuard/internal/wal"

	"github.com/rs/zerolog"
)

// Dispatcher sends an already-recorded intent to the venue transport.
// Formatting and serialization live behind this interface.
type Dispatcher interface {
	Dispatch(ctx context.Context, it *intent.Intent) error
}

// Result reports what the chokepoint did with a submission.
type Result struct {
	Intent     *intent.Intent
	Dispatched bool
	Reject     RejectReason
	Err        error
}

// Chokepoint runs the fixed gate pipeline and the recorded-before-dispatch
// discipline. Gate order never varies:
//
//	mode → latch → build (preflight/quantize/label) → consistency →
//	churn blacklist → economics → price sanity → WAL record →
//	sent marker → dispatch
//
// Emergency containment submissions skip the mode, economics, and blacklist
// gates but never the price check, the WAL record, or the sent marker.
type Chokepoint struct {
	builder    *intent.Builder
	ledger     *wal.Ledger
	dispatcher Dispatcher
	latch      *latch.Latch
	blacklist  Blacklist
	params     Params
	log        zerolog.Logger
	metrics    *observability.Metrics
}

func NewChokepoint(
	builder *intent.Builder,
	ledger *wal.Ledger,
	dispatcher Dispatcher,
	lt *latch.Latch,
	blacklist Blacklist,
	params Params,
	metrics *observability.Metrics,
) *Chokepoint {
	return &Chokepoint{
		builder:    builder,
		ledger:     ledger,
		dispatcher: dispatcher,
		latch:      lt,
		blacklist:  blacklist,
		params:     params,
		log:        observability.NewLogger("chokepoint"),
		metrics:    metrics,
	}
}

// Submit runs a raw request through the full pipeline under the given mode
// and snapshot.
func (c *Chokepoint) Submit(ctx context.Context, req intent.Request, m mode.Mode, snap *snapshot.Snapshot, now time.Time) Result {
	return c.submit(ctx, req, m, snap, now, false)
}

// SubmitContainment is the emergency-close entry used by the group
// executor. Gate-exempt where containment must be, and nowhere else.
func (c *Chokepoint) SubmitContainment(ctx context.Context, req intent.Request, snap *snapshot.Snapshot, now time.Time) Result {
	if !req.Class.RiskReducing() {
		return Result{Reject: RejectInconsistent}
	}
	return c.submit(ctx, req, mode.Kill, snap, now, true)
}

func (c *Chokepoint) submit(ctx context.Context, req intent.Request, m mode.Mode, snap *snapshot.Snapshot, now time.Time, exempt bool) Result {
	if !exempt {
		if r := checkMode(m, req.Class); r != RejectNone {
			return c.reject(req, r)
		}
	}

	switch req.Class {
	case intent.Open:
		if !c.latch.PermitsOpen() {
			return c.reject(req, RejectLatched)
		}
	case intent.CancelReplace:
		// A replace that grows quantity or improves aggression is
		// risk-increasing and blocked while latched.
		if !c.latch.PermitsCancelReplace(true) {
			return c.reject(req, RejectRiskIncrease)
		}
	}

	it, err := c.builder.Build(req)
	if err != nil {
		switch {
		case errors.Is(err, intent.ErrMissingMetadata):
			return c.reject(req, RejectMetadataMissing)
		case errors.Is(err, intent.ErrTooSmallAfterQuantization):
			return c.reject(req, RejectTooSmall)
		case errors.Is(err, intent.ErrLabelTooLong):
			return c.reject(req, RejectLabelTooLong)
		default:
			return Result{Reject: RejectInconsistent, Err: err}
		}
	}

	if r := checkConsistency(it); r != RejectNone {
		return c.reject(req, r)
	}

	if !exempt && it.Class == intent.Open {
		if c.blacklist != nil && c.blacklist.Blocked(it.Instrument, now) {
			return c.reject(req, RejectChurnBlacklist)
		}
		if r := checkEconomics(it, snap, c.params); r != RejectNone {
			return c.reject(req, r)
		}
	}

	if r := checkPrice(it, snap, c.params); r != RejectNone {
		return c.reject(req, r)
	}

	return c.recordAndDispatch(ctx, it, now)
}

// recordAndDispatch enforces the durability ordering: WAL record, then sent
// marker, then the network attempt. A saturated durable queue blocks the
// dispatch outright.
func (c *Chokepoint) recordAndDispatch(ctx context.Context, it *intent.Intent, now time.Time) Result {
	nowUs := now.UnixMicro()

	alreadySent, err := c.ledger.Record(it, nowUs)
	if err != nil {
		if errors.Is(err, wal.ErrQueueFull) && c.metrics != nil {
			c.metrics.WALQueueSaturation.Inc()
		}
		c.countReject(it.Class, RejectDurabilityBlocked)
		return Result{Intent: it, Reject: RejectDurabilityBlocked, Err: err}
	}
	if alreadySent {
		// Identical economic action already dispatched: silent no-op, no new
		// ledger write, no second send.
		return Result{Intent: it, Reject: RejectDuplicateSent}
	}

	if err := c.ledger.MarkSent(it.Hash, nowUs); err != nil {
		if errors.Is(err, wal.ErrQueueFull) && c.metrics != nil {
			c.metrics.WALQueueSaturation.Inc()
		}
		c.countReject(it.Class, RejectDurabilityBlocked)
		return Result{Intent: it, Reject: RejectDurabilityBlocked, Err: err}
	}

	if err := c.dispatcher.Dispatch(ctx, it); err != nil {
		// Post-record failure: the intent is marked sent and recovery owns
		// it now. Never re-dispatched from here.
		c.log.Error().Err(err).Str("label", it.Label).Msg("dispatch attempt failed")
		if c.metrics != nil {
			c.metrics.DispatchErrors.Inc()
		}
		return Result{Intent: it, Dispatched: false, Err: err}
	}

	if c.metrics != nil {
		c.metrics.IntentsDispatched.WithLabelValues(it.Class.String()).Inc()
	}
	return Result{Intent: it, Dispatched: true}
}

// Redispatch sends a durably-recorded but never-sent intent after a
// restart. The gates already passed before the crash; only the sent marker
// and the network attempt remain.
func (c *Chokepoint) Redispatch(ctx context.Context, rec *wal.Record, now time.Time) Result {
	it := rec.Intent
	if rec.WasSent() {
		return Result{Intent: &it, Reject: RejectDuplicateSent}
	}

	if err := c.ledger.MarkSent(it.Hash, now.UnixMicro()); err != nil {
		return Result{Intent: &it, Reject: RejectDurabilityBlocked, Err: err}
	}
	if err := c.dispatcher.Dispatch(ctx, &it); err != nil {
		c.log.Error().Err(err).Str("label", it.Label).Msg("redispatch attempt failed")
		if c.metrics != nil {
			c.metrics.DispatchErrors.Inc()
		}
		return Result{Intent: &it, Dispatched: false, Err: err}
	}
	return Result{Intent: &it, Dispatched: true}
}

func (c *Chokepoint) reject(req intent.Request, r RejectReason) Result {
	c.countReject(req.Class, r)
	c.log.Debug().
		Str("instrument", req.Instrument).
		Str("class", req.Class.String()).
		Str("reason", string(r)).
		Msg("intent rejected pre-dispatch")
	return Result{Reject: r}
}

func (c *Chokepoint) countReject(class intent.Class, r RejectReason) {
	if c.metrics != nil {
		c.metrics.IntentsRejected.WithLabelValues(class.String(), string(r)).Inc()
	}
}
