// Package engine runs the authoritative evaluation loop: it drains venue
// and telemetry events into the snapshot builder and the ledger, publishes
// one consistent snapshot per cycle, resolves the operating mode, and
// drives the group executor. A single goroutine owns the loop; everything
// else talks to it through channels or the thread-safe components it holds.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"PerpGuard/internal/gate"
	"PerpGuard/internal/group"
	"PerpGuard/internal/ingestion"
	"PerpGuard/internal/intent"
	"PerpGuard/internal/latch"
	"PerpGuard/internal/mode"
	"PerpGuard/internal/observability"
	"PerpGuard/internal/persistence"
	"PerpGuard/internal/reconcile"
	"PerpGuard/internal/snapshot"
	"PerpGuard/internal/venue"
	"PerpGuard/internal/wal"

	"github.com/rs/zerolog"
)

// Config bounds the evaluation loop.
type Config struct {
	EvalInterval time.Duration
}

func DefaultConfig() Config {
	return Config{EvalInterval: 100 * time.Millisecond}
}

// Engine owns the evaluation cycle and all event application.
type Engine struct {
	cfg      Config
	snapb    *snapshot.Builder
	resolver *mode.Resolver
	lt       *latch.Latch
	choke    *gate.Chokepoint
	exec     *group.Executor
	gaps     *reconcile.GapWatch
	rec      *reconcile.Reconciler
	registry *wal.Registry
	ledger   *wal.Ledger
	builder  *intent.Builder
	health   *observability.HealthChecker
	metrics  *observability.Metrics
	log      zerolog.Logger

	rawEvents <-chan ingestion.RawEvent
	decisions chan<- ingestion.Decision
	trades    chan<- persistence.TradeRow
	subjects  []ingestion.SubjectConfig

	mu          sync.Mutex
	positions   map[string]int64
	mode        mode.Mode
	reasons     []mode.ReasonCode
	prevReasons map[mode.ReasonCode]bool
	snap        *snapshot.Snapshot
}

func New(
	cfg Config,
	snapb *snapshot.Builder,
	resolver *mode.Resolver,
	lt *latch.Latch,
	choke *gate.Chokepoint,
	exec *group.Executor,
	gaps *reconcile.GapWatch,
	rec *reconcile.Reconciler,
	registry *wal.Registry,
	ledger *wal.Ledger,
	builder *intent.Builder,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	rawEvents <-chan ingestion.RawEvent,
	decisions chan<- ingestion.Decision,
	trades chan<- persistence.TradeRow,
) *Engine {
	return &Engine{
		cfg:         cfg,
		snapb:       snapb,
		resolver:    resolver,
		lt:          lt,
		choke:       choke,
		exec:        exec,
		gaps:        gaps,
		rec:         rec,
		registry:    registry,
		ledger:      ledger,
		builder:     builder,
		health:      health,
		metrics:     metrics,
		log:         observability.NewLogger("engine"),
		rawEvents:   rawEvents,
		decisions:   decisions,
		trades:      trades,
		subjects:    ingestion.DefaultSubjects(),
		positions:   make(map[string]int64),
		mode:        mode.ReduceOnly,
		prevReasons: make(map[mode.ReasonCode]bool),
	}
}

// Recover redispatches the durably-unsent intents left behind by a crash.
// Called once after the WAL is restored, before the loop starts.
func (e *Engine) Recover(ctx context.Context) {
	for _, rec := range e.ledger.Unsent() {
		res := e.choke.Redispatch(ctx, rec, time.Now())
		if res.Dispatched {
			e.metrics.RedispatchedTotal.Inc()
			e.log.Info().Str("label", rec.Intent.Label).Msg("redispatched unsent intent")
		} else {
			e.log.Warn().
				Str("label", rec.Intent.Label).
				Str("reject", string(res.Reject)).
				Err(res.Err).
				Msg("redispatch not completed")
		}
	}
}

// Run blocks until ctx is cancelled, alternating between event application
// and the periodic evaluation cycle.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-e.rawEvents:
			if !ok {
				return nil
			}
			e.handleRaw(ctx, raw)

		case <-ticker.C:
			e.cycle(ctx, time.Now())
		}
	}
}

// classify maps a concrete subject back to its configured event type.
func (e *Engine) classify(subject string) string {
	for _, cfg := range e.subjects {
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		if strings.HasPrefix(subject, prefix) {
			return cfg.EventType
		}
	}
	return ""
}

func (e *Engine) handleRaw(ctx context.Context, raw ingestion.RawEvent) {
	eventType := e.classify(raw.Subject)
	if eventType == "" {
		e.log.Warn().Str("subject", raw.Subject).Msg("message on unconfigured subject")
		raw.AckFunc()
		return
	}

	payload, err := ParseRaw(raw, eventType)
	if err != nil {
		// A malformed payload cannot improve on redelivery.
		e.log.Error().Err(err).Str("subject", raw.Subject).Msg("unparseable payload")
		e.metrics.IngestEvents.WithLabelValues("parse_error").Inc()
		raw.AckFunc()
		return
	}
	e.metrics.IngestEvents.WithLabelValues(eventType).Inc()

	now := raw.Timestamp

	switch p := payload.(type) {
	case *venue.OrderAck:
		e.applyAck(p, now)
	case *venue.OrderReject:
		e.applyReject(p, now)
	case *venue.Fill:
		if !e.applyFill(p, now) {
			raw.NakFunc()
			return
		}
	case *venue.CancelAck:
		e.applyCancelAck(p, now)
	case *venue.SessionNotice:
		e.applySessionNotice(p, now)
	case *venue.InstrumentUpdate:
		e.builder.SetMeta(&intent.InstrumentMeta{
			Name:        p.Market,
			TickSize:    p.TickSize,
			LotSize:     p.LotSize,
			MinQtySteps: p.MinQtySteps,
		})
	case *venue.AccountReport:
		e.applyAccountReport(p, now)
	case *ingestion.PriceUpdate:
		e.applyPrice(p, now)
	case *ingestion.TelemetrySample:
		e.applyTelemetry(p, now)
	case *ingestion.OperatorCommand:
		e.applyOperatorCommand(p, now)
	case *intent.Request:
		res := e.Submit(ctx, *p, now)
		if res.Err != nil && res.Reject == gate.RejectDurabilityBlocked {
			// Durable queue saturated: redeliver once the worker catches up.
			raw.NakFunc()
			return
		}
	default:
		e.log.Error().Str("subject", raw.Subject).Msg("parser produced unhandled payload type")
	}

	raw.AckFunc()
}

func (e *Engine) applyAck(p *venue.OrderAck, now time.Time) {
	e.gaps.ObserveTrade("venue:"+p.Market, p.Sequence, true, now)
	if _, err := e.ledger.ApplyAck(p.Label, p.ExchangeID, p.TimestampUs); err != nil {
		e.log.Warn().Err(err).Str("label", p.Label).Msg("ack for unknown intent")
		return
	}
	e.exec.OnAck(p.Label, now)
}

func (e *Engine) applyReject(p *venue.OrderReject, now time.Time) {
	e.gaps.ObserveTrade("venue:"+p.Market, p.Sequence, true, now)
	if _, err := e.ledger.ApplyReject(p.Label, p.TimestampUs); err != nil {
		e.log.Warn().Err(err).Str("label", p.Label).Msg("reject for unknown intent")
		return
	}
	e.exec.OnReject(p.Label, p.Reason, now)
}

// applyFill returns false when the fill must be redelivered (registry
// lookup failed). Duplicate trade ids are acked and dropped.
func (e *Engine) applyFill(p *venue.Fill, now time.Time) bool {
	rec, ok := e.ledger.FindByLabel(p.Label)
	var ref wal.TradeRef
	if ok {
		ref = wal.TradeRef{
			GroupID:     rec.Intent.GroupID.String(),
			LegIdx:      rec.Intent.LegIdx,
			QtySteps:    p.QtySteps,
			PriceTicks:  p.PriceTicks,
			TimestampUs: p.TimestampUs,
		}
	} else {
		ref = wal.TradeRef{QtySteps: p.QtySteps, PriceTicks: p.PriceTicks, TimestampUs: p.TimestampUs}
	}

	inserted, err := e.registry.InsertIfAbsent(p.TradeID, ref)
	if err != nil {
		// Fail closed: without a registry answer the fill cannot be applied
		// exactly once.
		e.log.Error().Err(err).Str("trade_id", p.TradeID).Msg("trade registry unavailable")
		e.health.MarkDown("trade-registry", err.Error())
		return false
	}
	e.health.MarkUp("trade-registry")
	e.gaps.ObserveTrade("trades:"+p.Market, p.Sequence, !inserted, now)
	if !inserted {
		e.metrics.DedupDuplicates.WithLabelValues("lru").Inc()
		return true
	}

	if !ok {
		// Orphan fill: money moved on an order we have no record of. The
		// registry entry stands; inventory reconciliation owns the rest.
		e.log.Error().Str("trade_id", p.TradeID).Str("label", p.Label).Msg("fill for unknown intent")
		if err := e.lt.Raise(latch.ReasonInventoryMismatch, now); err != nil {
			panic("FATAL: inventory-mismatch rejected by latch vocabulary: " + err.Error())
		}
		e.metrics.LatchRaises.WithLabelValues(string(latch.ReasonInventoryMismatch)).Inc()
	} else {
		if _, err := e.ledger.ApplyFill(p.Label, p.QtySteps, p.ExchangeID, p.TimestampUs); err != nil {
			e.log.Warn().Err(err).Str("label", p.Label).Msg("fill transition not durably queued")
		}
		e.exec.OnFill(p.Label, p.QtySteps, now)
	}

	e.mu.Lock()
	if p.Side == intent.Buy {
		e.positions[p.Market] += p.QtySteps
	} else {
		e.positions[p.Market] -= p.QtySteps
	}
	e.mu.Unlock()

	row := persistence.TradeRow{
		TradeID:     p.TradeID,
		GroupID:     ref.GroupID,
		LegIdx:      ref.LegIdx,
		QtySteps:    p.QtySteps,
		PriceTicks:  p.PriceTicks,
		TimestampUs: p.TimestampUs,
	}
	select {
	case e.trades <- row:
	default:
		e.metrics.ProjectionDrops.WithLabelValues("trade_registry").Inc()
	}

	return true
}

func (e *Engine) applyCancelAck(p *venue.CancelAck, now time.Time) {
	e.gaps.ObserveTrade("venue:"+p.Market, p.Sequence, true, now)
	if _, err := e.ledger.ApplyCancel(p.Label, p.TimestampUs); err != nil {
		e.log.Warn().Err(err).Str("label", p.Label).Msg("cancel ack for unknown intent")
		return
	}
	e.exec.OnCancelAck(p.Label, now)
}

func (e *Engine) applySessionNotice(p *venue.SessionNotice, now time.Time) {
	e.snapb.SetBool(mode.InputSessionTerminated, p.Terminated, now)
	e.snapb.SetBool(mode.InputSessionDisconnect, p.TransportDown, now)

	if p.Terminated {
		if err := e.lt.Raise(latch.ReasonSessionTerminated, now); err != nil {
			panic("FATAL: session-termination rejected by latch vocabulary: " + err.Error())
		}
		e.metrics.LatchRaises.WithLabelValues(string(latch.ReasonSessionTerminated)).Inc()
		e.log.Warn().Str("detail", p.Detail).Msg("venue session terminated")
	}
}

func (e *Engine) applyAccountReport(p *venue.AccountReport, now time.Time) {
	e.mu.Lock()
	local := make(map[string]int64, len(e.positions))
	for k, v := range e.positions {
		local[k] = v
	}
	e.mu.Unlock()

	if err := e.rec.Attempt(*p, local, now); err == nil {
		e.metrics.LatchClears.Inc()
	}
}

func (e *Engine) applyPrice(p *ingestion.PriceUpdate, now time.Time) {
	e.gaps.ObservePrice(p.Market, p.Sequence, now)
	if p.MarkTicks > 0 {
		e.snapb.SetInt(gate.MarkTicksKey(p.Market), p.MarkTicks, now)
	}
	if p.IndexTicks > 0 {
		e.snapb.SetInt(gate.IndexTicksKey(p.Market), p.IndexTicks, now)
	}
}

func (e *Engine) applyTelemetry(p *ingestion.TelemetrySample, now time.Time) {
	if p.Invalid {
		e.snapb.SetInvalid(p.Metric, now)
		return
	}
	switch p.Kind {
	case "float":
		e.snapb.SetFloat(p.Metric, p.FloatVal, now)
	case "int":
		e.snapb.SetInt(p.Metric, p.IntVal, now)
	case "bool":
		e.snapb.SetBool(p.Metric, p.BoolVal, now)
	case "string":
		e.snapb.SetStr(p.Metric, p.StrVal, now)
	}
}

func (e *Engine) applyOperatorCommand(p *ingestion.OperatorCommand, now time.Time) {
	switch p.Command {
	case "force-reduce-only":
		e.snapb.SetInt(mode.InputForceReduceUntilUs, p.UntilUs, now)
		e.log.Info().Int64("until_us", p.UntilUs).Str("reason", p.Reason).Msg("operator forced reduce-only")
	case "clear-force-reduce-only":
		e.snapb.SetInt(mode.InputForceReduceUntilUs, 0, now)
		e.log.Info().Msg("operator cleared forced reduce-only")
	default:
		e.log.Warn().Str("command", p.Command).Msg("unknown operator command")
	}
}

// Submit runs one strategy request through the chokepoint under the
// current mode and snapshot, and starts tracking opens as group legs.
func (e *Engine) Submit(ctx context.Context, req intent.Request, now time.Time) gate.Result {
	e.mu.Lock()
	m := e.mode
	snap := e.snap
	e.mu.Unlock()

	res := e.choke.Submit(ctx, req, m, snap, now)
	if res.Dispatched && req.Class == intent.Open {
		e.exec.Track(res.Intent, now)
	}
	return res
}

// cycle is one evaluation pass: freeze a snapshot, resolve the mode, run
// the executor ladder, refresh gauges, and publish the decision on change.
func (e *Engine) cycle(ctx context.Context, now time.Time) {
	start := time.Now()

	e.snapb.SetBool(mode.InputLatchEngaged, e.lt.Engaged(), now)
	snap := e.snapb.Publish(now)

	m, reasons := e.resolver.Evaluate(snap)

	e.mu.Lock()
	changed := m != e.mode || !reasonsEqual(reasons, e.reasons)
	prevMode := e.mode
	e.mode = m
	e.reasons = reasons
	e.snap = snap
	e.mu.Unlock()

	if changed {
		if m != prevMode {
			e.metrics.ModeTransitions.WithLabelValues(m.String()).Inc()
		}
		e.log.Info().
			Str("mode", m.String()).
			Strs("reasons", reasonStrings(reasons)).
			Int64("snapshot_version", snap.Version).
			Msg("mode decision")
		e.publishDecision(m, reasons, snap, now)
	}

	e.exec.Tick(ctx, snap, m, now)

	e.updateGauges(m, reasons, now)
	e.metrics.EvalDuration.Observe(time.Since(start).Seconds())
}

func (e *Engine) publishDecision(m mode.Mode, reasons []mode.ReasonCode, snap *snapshot.Snapshot, now time.Time) {
	if e.decisions == nil {
		return
	}
	d := ingestion.Decision{
		Mode:            m.String(),
		Reasons:         reasonStrings(reasons),
		LatchEngaged:    e.lt.Engaged(),
		LatchReasons:    latchReasonStrings(e.lt.Reasons()),
		SnapshotVersion: snap.Version,
		TimestampUs:     now.UnixMicro(),
	}
	select {
	case e.decisions <- d:
	default:
		e.metrics.PublishDrops.Inc()
	}
}

func (e *Engine) updateGauges(m mode.Mode, reasons []mode.ReasonCode, now time.Time) {
	e.metrics.ModeCurrent.Set(float64(m))

	active := make(map[mode.ReasonCode]bool, len(reasons))
	for _, r := range reasons {
		active[r] = true
		e.metrics.ModeReasons.WithLabelValues(string(r)).Set(1)
	}
	e.mu.Lock()
	for r := range e.prevReasons {
		if !active[r] {
			e.metrics.ModeReasons.WithLabelValues(string(r)).Set(0)
		}
	}
	e.prevReasons = active
	e.mu.Unlock()

	if e.lt.Engaged() {
		e.metrics.LatchEngaged.Set(1)
		if since, ok := e.lt.EngagedSince(); ok {
			e.metrics.LatchAge.Set(now.Sub(since).Seconds())
		}
	} else {
		e.metrics.LatchEngaged.Set(0)
		e.metrics.LatchAge.Set(0)
	}

	e.metrics.GroupsLive.Set(float64(e.exec.Live()))
	e.metrics.WALSequence.Set(float64(e.ledger.Sequence()))
	e.metrics.WALTransitionDrops.Set(float64(e.ledger.TransitionDrops()))
	e.metrics.DedupLRUSize.Set(float64(e.registry.Size()))
}

// Status assembles the operator status summary.
func (e *Engine) Status() observability.Status {
	e.mu.Lock()
	m := e.mode
	reasons := reasonStrings(e.reasons)
	snap := e.snap
	e.mu.Unlock()

	st := observability.Status{
		Mode:            m.String(),
		ModeReasons:     reasons,
		LatchBlocked:    e.lt.Engaged(),
		LatchReasons:    latchReasonStrings(e.lt.Reasons()),
		GroupsLive:      e.exec.Live(),
		WALSequence:     e.ledger.Sequence(),
		InFlightIntents: len(e.ledger.InFlight()),
		Ready:           e.health.IsReady(),
	}
	if since, ok := e.lt.EngagedSince(); ok {
		st.LatchAgeSeconds = time.Since(since).Seconds()
	}
	if snap != nil {
		st.SnapshotVersion = snap.Version
		if age, ok := snap.Age(mode.InputPolicyVersion); ok {
			st.PolicyAgeSeconds = age.Seconds()
		}
	}
	return st
}

func reasonsEqual(a, b []mode.ReasonCode) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func reasonStrings(reasons []mode.ReasonCode) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

func latchReasonStrings(reasons []latch.Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

// ParseRaw is the parse hook; indirected for tests.
var ParseRaw = ingestion.ParseRawEvent
