// Package wal is the crash-safe append-only ledger of order intents: the
// in-memory latest-by-hash index, the per-intent lifecycle machine, the
// durable event stream feeding the persistence worker, and the trade-id
// registry providing exactly-once fill application.
package wal

import "fmt"

// LifecycleState is the per-intent state. Reordered venue events never
// fault the machine; it converges to the same terminal state regardless of
// arrival order, recording an anomaly note where the order was surprising.
type LifecycleState int

const (
	StateCreated LifecycleState = iota
	StateSent
	StateAcked
	StatePartFilled
	StateFilled
	StateCancelled
	StateRejected
)

func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateAcked:
		return "acked"
	case StatePartFilled:
		return "part_filled"
	case StateFilled:
		return "filled"
	case StateCancelled:
		return "cancelled"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are expected.
func (s LifecycleState) Terminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateRejected
}

// Out-of-order anomaly notes. These are audit strings, not errors.
const (
	AnomalyAckBeforeSend  = "ack-before-send"
	AnomalyFillBeforeAck  = "fill-before-ack"
	AnomalyFillBeforeSend = "fill-before-send (orphan fill)"
)

// Lifecycle tracks one intent's progress against its target quantity.
type Lifecycle struct {
	State       LifecycleState
	TargetSteps int64
	FilledSteps int64
	Anomalies   []string
}

func NewLifecycle(targetSteps int64) *Lifecycle {
	return &Lifecycle{State: StateCreated, TargetSteps: targetSteps}
}

func (l *Lifecycle) note(anomaly string) {
	l.Anomalies = append(l.Anomalies, anomaly)
}

// OnSent marks the dispatch attempt. A send arriving after later states is
// absorbed silently: the later state already implies it.
func (l *Lifecycle) OnSent() {
	if l.State == StateCreated {
		l.State = StateSent
	}
}

// OnAck absorbs a venue acknowledgment.
func (l *Lifecycle) OnAck() {
	switch l.State {
	case StateCreated:
		l.note(AnomalyAckBeforeSend)
		l.State = StateAcked
	case StateSent:
		l.State = StateAcked
	}
	// Later states already subsume the ack.
}

// OnFill absorbs an execution for steps contracts.
func (l *Lifecycle) OnFill(steps int64) {
	switch l.State {
	case StateCreated:
		l.note(AnomalyFillBeforeSend)
	case StateSent:
		l.note(AnomalyFillBeforeAck)
	}

	l.FilledSteps += steps
	if l.FilledSteps >= l.TargetSteps {
		l.State = StateFilled
	} else if !l.State.Terminal() {
		l.State = StatePartFilled
	}
}

// OnReject absorbs a venue rejection. A reject after fills is recorded but
// does not unwind them; the filled quantity stands.
func (l *Lifecycle) OnReject() {
	if l.FilledSteps > 0 {
		l.note(fmt.Sprintf("reject-after-fill (%d steps filled)", l.FilledSteps))
		return
	}
	if !l.State.Terminal() {
		l.State = StateRejected
	}
}

// OnCancel absorbs a cancel confirmation. Partially filled orders close at
// their filled quantity.
func (l *Lifecycle) OnCancel() {
	if !l.State.Terminal() {
		l.State = StateCancelled
	}
}
