// Package group owns the post-dispatch lifecycle of multi-leg atomic
// intents: partial-failure detection, bounded economic rescue, the
// deterministic emergency-close ladder, and the reduce-only hedge fallback.
// A group is done only when its net exposure is zero.
package group

import (
	"context"
	"fmt"
	"sync"
	"time"

	"PerpGuard/internal/gate"
	"PerpGuard/internal/intent"
	"PerpGuard/internal/mode"
	"PerpGuard/internal/observability"
	"PerpGuard/internal/snapshot"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State of a group.
type State int

const (
	StateBuilding State = iota
	StateDispatched
	StatePartiallyFilled
	StateMixedFailed
	StateRescuing
	StateEmergencyClosing
	StateNeutral
	StateComplete
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateDispatched:
		return "dispatched"
	case StatePartiallyFilled:
		return "partially_filled"
	case StateMixedFailed:
		return "mixed_failed"
	case StateRescuing:
		return "rescuing"
	case StateEmergencyClosing:
		return "emergency_closing"
	case StateNeutral:
		return "neutral"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the group is finished.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled
}

// FailureSeed is the write-once record of the first thing that went wrong.
// Later updates, including successes, never overwrite it.
type FailureSeed struct {
	Instrument  string
	Cause       string
	TimestampUs int64
}

// Leg is one original leg of the group.
type Leg struct {
	IntentHash   uint64
	Label        string
	Instrument   string
	Side         intent.Side
	TargetSteps  int64
	FilledSteps  int64
	Acked        bool
	Terminal     bool
	Failed       bool
	Cause        string
	DispatchedUs int64
}

// containment tracks a rescue, emergency, or hedge order in flight.
type containment struct {
	label      string
	instrument string
	side       intent.Side
	steps      int64
	terminal   bool
}

// Group is the runtime state of one atomic multi-leg dispatch.
type Group struct {
	ID                uuid.UUID
	State             State
	Legs              []*Leg
	First             *FailureSeed
	RescueAttempts    int
	EmergencyAttempts int
	HedgeSubmitted    bool

	exposure    map[string]int64 // instrument -> signed filled steps
	containing  map[string]*containment
	containUsed bool
}

// NetExposure returns the signed exposure for one instrument.
func (g *Group) NetExposure(instrument string) int64 {
	return g.exposure[instrument]
}

// Exposed reports whether any instrument carries non-zero exposure.
func (g *Group) Exposed() bool {
	for _, e := range g.exposure {
		if e != 0 {
			return true
		}
	}
	return false
}

// Params bound the executor's repair behavior.
type Params struct {
	MaxRescueAttempts    int
	MaxEmergencyAttempts int
	RescueCrossTicks     int64
	EmergencyBufferTicks int64
	FillTimeout          time.Duration
	LadderBudget         time.Duration
	HedgeExposureSteps   int64

	ChurnWindow   time.Duration
	ChurnFlattens int
	ChurnCooldown time.Duration
}

func DefaultParams() Params {
	return Params{
		MaxRescueAttempts:    2,
		MaxEmergencyAttempts: 3,
		RescueCrossTicks:     2,
		EmergencyBufferTicks: 5,
		FillTimeout:          10 * time.Second,
		LadderBudget:         250 * time.Millisecond,
		HedgeExposureSteps:   0,

		ChurnWindow:   5 * time.Minute,
		ChurnFlattens: 3,
		ChurnCooldown: 15 * time.Minute,
	}
}

// Executor drives all live groups. Venue events arrive through the On*
// methods; containment runs inside Tick under a wall-clock budget so a
// stuck ladder always returns control to the evaluation cycle.
type Executor struct {
	mu      sync.Mutex
	groups  map[uuid.UUID]*Group
	byLabel map[string]uuid.UUID

	choke   *gate.Chokepoint
	builder *intent.Builder
	churn   *ChurnGuard
	params  Params
	audit   chan<- AuditEvent
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewExecutor(choke *gate.Chokepoint, builder *intent.Builder, churn *ChurnGuard, params Params, audit chan<- AuditEvent, metrics *observability.Metrics) *Executor {
	return &Executor{
		groups:  make(map[uuid.UUID]*Group),
		byLabel: make(map[string]uuid.UUID),
		choke:   choke,
		builder: builder,
		churn:   churn,
		params:  params,
		audit:   audit,
		log:     observability.NewLogger("group-executor"),
		metrics: metrics,
	}
}

// Track registers a dispatched leg. The group is created on its first leg.
func (e *Executor) Track(it *intent.Intent, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, ok := e.groups[it.GroupID]
	if !ok {
		g = &Group{
			ID:         it.GroupID,
			State:      StateBuilding,
			exposure:   make(map[string]int64),
			containing: make(map[string]*containment),
		}
		e.groups[it.GroupID] = g
	}

	g.Legs = append(g.Legs, &Leg{
		IntentHash:   it.Hash,
		Label:        it.Label,
		Instrument:   it.Instrument,
		Side:         it.Side,
		TargetSteps:  it.QtySteps,
		DispatchedUs: now.UnixMicro(),
	})
	e.byLabel[it.Label] = it.GroupID
	e.setState(g, StateDispatched, now)
}

// OnAck marks a leg acknowledged.
func (e *Executor) OnAck(label string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, leg := e.findLeg(label)
	if leg != nil {
		leg.Acked = true
		return
	}
	_ = g
}

// OnFill applies an execution to a leg or containment order and re-checks
// completion.
func (e *Executor) OnFill(label string, steps int64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, leg := e.findLeg(label)
	if g == nil {
		return
	}

	if leg != nil {
		leg.FilledSteps += steps
		e.applyExposure(g, leg.Instrument, leg.Side, steps)
		if leg.FilledSteps >= leg.TargetSteps {
			leg.Terminal = true
		}
		if leg.FilledSteps > leg.TargetSteps {
			e.failLeg(g, leg, fmt.Sprintf("fill-quantity-mismatch (%d > %d)", leg.FilledSteps, leg.TargetSteps), now)
		}
	} else if c := g.containing[label]; c != nil {
		e.applyExposure(g, c.instrument, c.side, steps)
		c.steps -= steps
		if c.steps <= 0 {
			c.terminal = true
		}
	}

	e.checkCompletion(g, now)
}

// OnReject marks a leg or containment order rejected.
func (e *Executor) OnReject(label, cause string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, leg := e.findLeg(label)
	if g == nil {
		return
	}
	if leg != nil {
		e.failLeg(g, leg, "reject: "+cause, now)
		e.checkCompletion(g, now)
		return
	}
	if c := g.containing[label]; c != nil {
		c.terminal = true
	}
}

// OnCancelAck marks a leg or containment order cancelled.
func (e *Executor) OnCancelAck(label string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, leg := e.findLeg(label)
	if g == nil {
		return
	}
	if leg != nil {
		leg.Terminal = true
		if leg.FilledSteps == 0 && !leg.Failed {
			// A cancel of an unfilled leg during repair is expected; it only
			// seeds the failure record if nothing else failed first.
			e.failLeg(g, leg, "cancelled-unfilled", now)
		}
	} else if c := g.containing[label]; c != nil {
		c.terminal = true
	}
	e.checkCompletion(g, now)
}

// Tick drives failure detection and containment for every live group. It
// returns once the wall-clock budget is spent; remaining work resumes next
// cycle rather than looping here. Containment is never blocked by the
// conditions that block opens, only by the absence of a usable price.
func (e *Executor) Tick(ctx context.Context, snap *snapshot.Snapshot, m mode.Mode, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	deadline := now.Add(e.params.LadderBudget)

	for _, g := range e.groups {
		if g.State.Terminal() {
			continue
		}

		e.detectTimeouts(g, now)

		if g.Exposed() && (g.State == StateMixedFailed || g.State == StateRescuing || g.State == StateEmergencyClosing) {
			e.contain(ctx, g, snap, m, now)
		}

		if g.Exposed() {
			e.emitAudit(AuditEvent{
				Kind:          AuditNakedExposure,
				GroupID:       g.ID.String(),
				Instrument:    e.worstInstrument(g),
				ExposureSteps: e.absExposure(g),
				TimestampUs:   now.UnixMicro(),
			})
			if e.metrics != nil {
				e.metrics.NakedExposureTicks.Inc()
			}
		}

		e.checkCompletion(g, now)

		if time.Now().After(deadline) {
			return
		}
	}
}

// --- internals ---

func (e *Executor) findLeg(label string) (*Group, *Leg) {
	gid, ok := e.byLabel[label]
	if !ok {
		return nil, nil
	}
	g := e.groups[gid]
	for _, leg := range g.Legs {
		if leg.Label == label {
			return g, leg
		}
	}
	return g, nil
}

func (e *Executor) applyExposure(g *Group, instrument string, side intent.Side, steps int64) {
	if side == intent.Buy {
		g.exposure[instrument] += steps
	} else {
		g.exposure[instrument] -= steps
	}
}

// failLeg records a leg failure and seeds the first-failure record exactly
// once. The seed is never overwritten.
func (e *Executor) failLeg(g *Group, leg *Leg, cause string, now time.Time) {
	leg.Failed = true
	leg.Terminal = true
	leg.Cause = cause

	if g.First == nil {
		g.First = &FailureSeed{
			Instrument:  leg.Instrument,
			Cause:       cause,
			TimestampUs: now.UnixMicro(),
		}
		e.emitAudit(AuditEvent{
			Kind:        AuditFirstFailure,
			GroupID:     g.ID.String(),
			Instrument:  leg.Instrument,
			Detail:      cause,
			TimestampUs: now.UnixMicro(),
		})
	}

	if !g.State.Terminal() && g.State != StateEmergencyClosing && g.State != StateRescuing {
		e.setState(g, StateMixedFailed, now)
	}
}

func (e *Executor) detectTimeouts(g *Group, now time.Time) {
	if e.params.FillTimeout <= 0 {
		return
	}
	cutoff := now.Add(-e.params.FillTimeout).UnixMicro()
	for _, leg := range g.Legs {
		if leg.Terminal || leg.DispatchedUs == 0 || leg.DispatchedUs > cutoff {
			continue
		}
		if leg.FilledSteps < leg.TargetSteps {
			e.failLeg(g, leg, "fill-timeout", now)
		}
	}
}

// contain runs one step of the repair ladder for an exposed group:
// bounded rescue first, then the emergency-close ladder, then the hedge
// fallback. One attempt per tick keeps each ladder step inside the cycle
// budget.
func (e *Executor) contain(ctx context.Context, g *Group, snap *snapshot.Snapshot, m mode.Mode, now time.Time) {
	if e.hasLiveContainment(g) {
		return
	}

	instrument := e.worstInstrument(g)
	exposure := g.exposure[instrument]
	if exposure == 0 {
		return
	}

	closeSide := intent.Sell
	steps := exposure
	if exposure < 0 {
		closeSide = intent.Buy
		steps = -exposure
	}

	refTicks, ok := refPriceTicks(snap, instrument)
	if !ok {
		// No usable price source, not even the secondary. The ladder cannot
		// price an order; try again next cycle.
		e.log.Warn().Str("instrument", instrument).Msg("containment waiting on price source")
		return
	}

	// Rescue: bounded, economically priced, subject to the normal
	// risk-reducing path. Skipped entirely under Kill, straight to the
	// gate-exempt ladder.
	if m != mode.Kill && g.RescueAttempts < e.params.MaxRescueAttempts {
		g.RescueAttempts++
		e.setState(g, StateRescuing, now)
		cross := e.params.RescueCrossTicks * int64(g.RescueAttempts)
		e.submitClose(ctx, g, instrument, closeSide, steps, refTicks, cross, snap, now, false, AuditRescueAttempt, g.RescueAttempts)
		return
	}

	if g.EmergencyAttempts < e.params.MaxEmergencyAttempts {
		g.EmergencyAttempts++
		e.setState(g, StateEmergencyClosing, now)
		buffer := e.params.EmergencyBufferTicks << (g.EmergencyAttempts - 1)
		e.submitClose(ctx, g, instrument, closeSide, steps, refTicks, buffer, snap, now, true, AuditEmergencyAttempt, g.EmergencyAttempts)
		return
	}

	// Ladder exhausted. Hedge only if exposure still exceeds the limit;
	// the hedge is reduce-only and flows through the same chokepoint.
	if !g.HedgeSubmitted && e.absExposure(g) > e.params.HedgeExposureSteps {
		g.HedgeSubmitted = true
		e.submitClose(ctx, g, instrument, closeSide, steps, refTicks, e.params.EmergencyBufferTicks, snap, now, true, AuditHedgeFallback, 1)
	}
}

// submitClose prices and submits one containment order through the
// chokepoint. Crossing direction: a sell prices below reference, a buy
// above, so an IOC takes liquidity immediately.
func (e *Executor) submitClose(
	ctx context.Context,
	g *Group,
	instrument string,
	side intent.Side,
	steps, refTicks, crossTicks int64,
	snap *snapshot.Snapshot,
	now time.Time,
	exempt bool,
	kind AuditKind,
	attempt int,
) {
	meta, ok := e.builder.Meta(instrument)
	if !ok {
		e.log.Error().Str("instrument", instrument).Msg("containment blocked: no contract spec")
		return
	}

	priceTicks := refTicks - crossTicks
	if side == intent.Buy {
		priceTicks = refTicks + crossTicks
	}
	if priceTicks < 1 {
		priceTicks = 1
	}

	class := intent.Close
	if kind == AuditHedgeFallback {
		class = intent.Hedge
	}

	req := intent.Request{
		Instrument: instrument,
		Side:       side,
		Class:      class,
		RawQty:     steps * meta.LotSize,
		RawPrice:   priceTicks * meta.TickSize,
		GroupID:    g.ID,
		LegIdx:     e.containLegIdx(g, instrument),
		TIF:        intent.IOC,
		ReduceOnly: true,
	}

	var res gate.Result
	if exempt {
		res = e.choke.SubmitContainment(ctx, req, snap, now)
	} else {
		res = e.choke.Submit(ctx, req, mode.ReduceOnly, snap, now)
	}

	e.emitAudit(AuditEvent{
		Kind:        kind,
		GroupID:     g.ID.String(),
		Instrument:  instrument,
		Detail:      string(res.Reject),
		Attempt:     attempt,
		TimestampUs: now.UnixMicro(),
	})

	if !res.Dispatched {
		e.log.Warn().
			Str("group", g.ID.String()).
			Str("kind", string(kind)).
			Str("reject", string(res.Reject)).
			Err(res.Err).
			Msg("containment submission not dispatched")
	}
	if res.Intent != nil && res.Dispatched {
		g.containUsed = true
		g.containing[res.Intent.Label] = &containment{
			label:      res.Intent.Label,
			instrument: instrument,
			side:       side,
			steps:      steps,
		}
		e.byLabel[res.Intent.Label] = g.ID
	}
}

// containLegIdx maps a containment order onto the leg index it repairs so
// the label's group segment stays meaningful during recovery matching.
func (e *Executor) containLegIdx(g *Group, instrument string) uint32 {
	for _, leg := range g.Legs {
		if leg.Instrument == instrument {
			return uint32(legIndexOf(g, leg))
		}
	}
	return 0
}

func legIndexOf(g *Group, target *Leg) int {
	for i, leg := range g.Legs {
		if leg == target {
			return i
		}
	}
	return 0
}

func (e *Executor) hasLiveContainment(g *Group) bool {
	for _, c := range g.containing {
		if !c.terminal {
			return true
		}
	}
	return false
}

// worstInstrument returns the instrument with the largest absolute
// exposure, ties broken by name for determinism.
func (e *Executor) worstInstrument(g *Group) string {
	best := ""
	var bestAbs int64 = -1
	for instrument, exp := range g.exposure {
		abs := exp
		if abs < 0 {
			abs = -abs
		}
		if abs > bestAbs || (abs == bestAbs && (best == "" || instrument < best)) {
			best = instrument
			bestAbs = abs
		}
	}
	if best == "" && len(g.Legs) > 0 {
		return g.Legs[0].Instrument
	}
	return best
}

func (e *Executor) absExposure(g *Group) int64 {
	var total int64
	for _, exp := range g.exposure {
		if exp < 0 {
			exp = -exp
		}
		total += exp
	}
	return total
}

// checkCompletion advances a group toward its terminal state. Complete is
// reachable only at net zero exposure; a neutral group with resting legs
// first cancels them.
func (e *Executor) checkCompletion(g *Group, now time.Time) {
	if g.State.Terminal() {
		return
	}

	if g.Exposed() {
		allFilled := true
		anyFill := false
		for _, leg := range g.Legs {
			if leg.FilledSteps > 0 {
				anyFill = true
			}
			if !leg.Terminal || leg.Failed {
				allFilled = false
			}
		}
		if allFilled && anyFill && g.First == nil && e.balancedTargets(g) {
			// All legs filled to target on a balanced group: exposure nets
			// out by construction; a residual here is a bookkeeping fault.
			panic(fmt.Sprintf("FATAL: group %s fully filled but exposure non-zero", g.ID))
		}
		if anyFill && g.First == nil && !allFilled && g.State == StateDispatched {
			e.setState(g, StatePartiallyFilled, now)
		}
		return
	}

	// Net zero. Anything still resting gets out of the book before the
	// group closes.
	for _, leg := range g.Legs {
		if !leg.Terminal {
			e.setState(g, StateNeutral, now)
			return
		}
	}
	for _, c := range g.containing {
		if !c.terminal {
			e.setState(g, StateNeutral, now)
			return
		}
	}

	anyFill := false
	for _, leg := range g.Legs {
		if leg.FilledSteps > 0 {
			anyFill = true
			break
		}
	}
	if !anyFill {
		// Nothing ever executed. No exposure existed, so this is a clean
		// cancellation rather than a completion.
		e.setState(g, StateCancelled, now)
		return
	}

	e.setState(g, StateComplete, now)

	if g.containUsed {
		instrument := e.worstInstrument(g)
		if e.churn != nil && e.churn.RecordFlatten(instrument, now) {
			e.emitAudit(AuditEvent{
				Kind:        AuditChurnBlacklist,
				GroupID:     g.ID.String(),
				Instrument:  instrument,
				Detail:      "flatten churn cooldown engaged",
				TimestampUs: now.UnixMicro(),
			})
		}
	}
}

// balancedTargets reports whether the legs' targets net to zero per
// instrument (the normal shape of an atomic spread group).
func (e *Executor) balancedTargets(g *Group) bool {
	targets := make(map[string]int64)
	for _, leg := range g.Legs {
		if leg.Side == intent.Buy {
			targets[leg.Instrument] += leg.TargetSteps
		} else {
			targets[leg.Instrument] -= leg.TargetSteps
		}
	}
	for _, t := range targets {
		if t != 0 {
			return false
		}
	}
	return true
}

func (e *Executor) setState(g *Group, s State, now time.Time) {
	if g.State == s {
		return
	}
	g.State = s
	e.emitAudit(AuditEvent{
		Kind:        AuditStateChange,
		GroupID:     g.ID.String(),
		Detail:      s.String(),
		TimestampUs: now.UnixMicro(),
	})
	if e.metrics != nil {
		e.metrics.GroupStateChanges.WithLabelValues(s.String()).Inc()
	}
}

func (e *Executor) emitAudit(evt AuditEvent) {
	if e.audit == nil {
		return
	}
	select {
	case e.audit <- evt:
	default:
		if e.metrics != nil {
			e.metrics.AuditDrops.Inc()
		}
	}
}

// Get returns a group by id.
func (e *Executor) Get(id uuid.UUID) (*Group, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	return g, ok
}

// Live returns the number of non-terminal groups.
func (e *Executor) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, g := range e.groups {
		if !g.State.Terminal() {
			n++
		}
	}
	return n
}

// Archive removes terminal groups and their label index entries.
func (e *Executor) Archive() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, g := range e.groups {
		if !g.State.Terminal() {
			continue
		}
		for _, leg := range g.Legs {
			delete(e.byLabel, leg.Label)
		}
		for label := range g.containing {
			delete(e.byLabel, label)
		}
		delete(e.groups, id)
		removed++
	}
	return removed
}

// refPriceTicks resolves the containment reference price: mark price first,
// index price as the secondary source.
func refPriceTicks(snap *snapshot.Snapshot, instrument string) (int64, bool) {
	if snap == nil {
		return 0, false
	}
	if ticks, obs := snap.Int(gate.MarkTicksKey(instrument), 0); obs == snapshot.ObsOK && ticks > 0 {
		return ticks, true
	}
	if ticks, obs := snap.Int(gate.IndexTicksKey(instrument), 0); obs == snapshot.ObsOK && ticks > 0 {
		return ticks, true
	}
	return 0, false
}
