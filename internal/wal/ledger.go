package wal

import (
	"errors"
	"fmt"
	"sync"

	"PerpGuard/internal/intent"
)

// EventKind discriminates durable WAL rows.
type EventKind int32

const (
	EventIntentRecorded EventKind = iota
	EventSentMarked
	EventStateTransition
)

func (k EventKind) String() string {
	switch k {
	case EventIntentRecorded:
		return "intent_recorded"
	case EventSentMarked:
		return "sent_marked"
	case EventStateTransition:
		return "state_transition"
	default:
		return "unknown"
	}
}

// Event is one durable WAL row. The persisted log is the reduction source
// for crash recovery: latest event per hash wins.
type Event struct {
	Sequence    int64
	Kind        EventKind
	Hash        uint64
	GroupID     string
	LegIdx      uint32
	Instrument  string
	Side        string
	Class       string
	QtySteps    int64
	PriceTicks  int64
	Label       string
	State       string
	FilledSteps int64
	ExchangeID  string
	Anomaly     string
	TimestampUs int64
	ChainHash   [32]byte
	PrevHash    [32]byte
}

// Record is the in-memory latest state of one intent.
type Record struct {
	Intent      intent.Intent
	Lifecycle   *Lifecycle
	CreatedUs   int64
	SentUs      int64
	AckUs       int64
	FirstFillUs int64
	ExchangeID  string
}

// WasSent reports whether a dispatch attempt must be assumed for this
// intent. Any post-creation lifecycle progress implies a send even if the
// sent marker itself was lost.
func (r *Record) WasSent() bool {
	return r.SentUs > 0 || r.Lifecycle.State != StateCreated
}

var (
	// ErrQueueFull: the durable queue is saturated. Fail closed: the caller
	// must treat this as a blocked dispatch, not retry silently.
	ErrQueueFull = errors.New("wal durable queue full")

	// ErrUnknownLabel: a venue event referenced a label with no ledger
	// record. Surfaced upward as an inventory anomaly.
	ErrUnknownLabel = errors.New("no ledger record for label")
)

// Ledger is the append-only intent ledger: in-memory latest-by-hash index
// plus a bounded durable event stream drained by the persistence worker.
// Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	records map[uint64]*Record
	byLabel map[string]uint64
	chain   *Chain
	seq     int64
	durable chan<- Event

	transitionDrops int64
}

// NewLedger wires the ledger to its durable queue. The channel must be
// bounded; a nil channel is only acceptable in tests exercising pure
// in-memory behavior.
func NewLedger(durable chan<- Event) *Ledger {
	return &Ledger{
		records: make(map[uint64]*Record),
		byLabel: make(map[string]uint64),
		chain:   NewChain(),
		durable: durable,
	}
}

// Record durably appends an intent before any dispatch attempt.
//
// Returns alreadySent=true when the hash exists and is marked sent: the
// resubmission is a no-op with no new ledger write and no dispatch. An
// existing unsent record is also not re-appended, but remains eligible for
// dispatch. ErrQueueFull blocks the dispatch entirely.
func (l *Ledger) Record(it *intent.Intent, nowUs int64) (alreadySent bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[it.Hash]; ok {
		return rec.WasSent(), nil
	}

	evt := Event{
		Kind:        EventIntentRecorded,
		Hash:        it.Hash,
		GroupID:     it.GroupID.String(),
		LegIdx:      it.LegIdx,
		Instrument:  it.Instrument,
		Side:        it.Side.String(),
		Class:       it.Class.String(),
		QtySteps:    it.QtySteps,
		PriceTicks:  it.PriceTicks,
		Label:       it.Label,
		State:       StateCreated.String(),
		TimestampUs: nowUs,
	}
	if err := l.emit(&evt, true); err != nil {
		return false, err
	}

	l.records[it.Hash] = &Record{
		Intent:    *it,
		Lifecycle: NewLifecycle(it.QtySteps),
		CreatedUs: nowUs,
	}
	l.byLabel[it.Label] = it.Hash
	return false, nil
}

// MarkSent durably marks the dispatch attempt. It must complete before the
// network send: a crash between MarkSent and the send counts as sent, which
// keeps dispatch at-most-once across restarts.
func (l *Ledger) MarkSent(hash uint64, nowUs int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[hash]
	if !ok {
		return fmt.Errorf("mark sent: no record for hash %016x", hash)
	}
	if rec.SentUs > 0 {
		return nil
	}

	evt := Event{
		Kind:        EventSentMarked,
		Hash:        hash,
		Label:       rec.Intent.Label,
		State:       StateSent.String(),
		TimestampUs: nowUs,
	}
	if err := l.emit(&evt, true); err != nil {
		return err
	}

	rec.SentUs = nowUs
	rec.Lifecycle.OnSent()
	return nil
}

// ApplyAck folds a venue acknowledgment into the intent lifecycle.
func (l *Ledger) ApplyAck(label, exchangeID string, tsUs int64) (*Record, error) {
	return l.transition(label, tsUs, func(rec *Record) {
		rec.Lifecycle.OnAck()
		if rec.AckUs == 0 {
			rec.AckUs = tsUs
		}
		if rec.ExchangeID == "" {
			rec.ExchangeID = exchangeID
		}
	})
}

// ApplyFill folds an execution into the intent lifecycle. The caller must
// have passed the trade id through the registry first.
func (l *Ledger) ApplyFill(label string, steps int64, exchangeID string, tsUs int64) (*Record, error) {
	return l.transition(label, tsUs, func(rec *Record) {
		rec.Lifecycle.OnFill(steps)
		if rec.FirstFillUs == 0 {
			rec.FirstFillUs = tsUs
		}
		if rec.ExchangeID == "" {
			rec.ExchangeID = exchangeID
		}
	})
}

// ApplyReject folds a venue rejection.
func (l *Ledger) ApplyReject(label string, tsUs int64) (*Record, error) {
	return l.transition(label, tsUs, func(rec *Record) {
		rec.Lifecycle.OnReject()
	})
}

// ApplyCancel folds a cancel confirmation.
func (l *Ledger) ApplyCancel(label string, tsUs int64) (*Record, error) {
	return l.transition(label, tsUs, func(rec *Record) {
		rec.Lifecycle.OnCancel()
	})
}

func (l *Ledger) transition(label string, tsUs int64, apply func(*Record)) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hash, ok := l.byLabel[label]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	rec := l.records[hash]

	apply(rec)

	evt := Event{
		Kind:        EventStateTransition,
		Hash:        hash,
		Label:       label,
		State:       rec.Lifecycle.State.String(),
		FilledSteps: rec.Lifecycle.FilledSteps,
		ExchangeID:  rec.ExchangeID,
		TimestampUs: tsUs,
	}
	if n := len(rec.Lifecycle.Anomalies); n > 0 {
		evt.Anomaly = rec.Lifecycle.Anomalies[n-1]
	}

	// The venue event already happened; the in-memory truth stands even if
	// the durable queue is saturated. The caller surfaces the overflow.
	if err := l.emit(&evt, false); err != nil {
		return rec, err
	}
	return rec, nil
}

// emit assigns the sequence and chain hash and offers the event to the
// durable queue without blocking. required distinguishes pre-dispatch
// appends (overflow must block dispatch) from post-dispatch transitions
// (overflow is surfaced but in-memory state is kept).
func (l *Ledger) emit(evt *Event, required bool) error {
	evt.Sequence = l.seq
	evt.PrevHash = l.chain.Tip()
	evt.ChainHash = l.chain.Next(evt.Sequence, l.digest(evt))

	if l.durable == nil {
		l.seq++
		return nil
	}

	select {
	case l.durable <- *evt:
		l.seq++
		return nil
	default:
		if required {
			// Roll the chain back so the next successful append re-uses the
			// sequence; the event was never accepted.
			l.chain.SetTip(evt.PrevHash)
			return ErrQueueFull
		}
		l.seq++
		l.transitionDrops++
		return ErrQueueFull
	}
}

func (l *Ledger) digest(evt *Event) []byte {
	return []byte(fmt.Sprintf("%d|%016x|%s|%s|%d|%d",
		evt.Kind, evt.Hash, evt.Label, evt.State, evt.FilledSteps, evt.TimestampUs))
}

// WasSent reports whether the hash is marked sent.
func (l *Ledger) WasSent(hash uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[hash]
	return ok && rec.WasSent()
}

// Get returns the record for a hash.
func (l *Ledger) Get(hash uint64) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[hash]
	return rec, ok
}

// FindByLabel returns the record carrying a label.
func (l *Ledger) FindByLabel(label string) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hash, ok := l.byLabel[label]
	if !ok {
		return nil, false
	}
	return l.records[hash], true
}

// InFlight returns records that were sent and have not reached a terminal
// state. These are the intents reconciliation matches against venue open
// orders.
func (l *Ledger) InFlight() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Record
	for _, rec := range l.records {
		if rec.WasSent() && !rec.Lifecycle.State.Terminal() {
			out = append(out, rec)
		}
	}
	return out
}

// Unsent returns records durably appended but never marked sent; these are
// the only intents eligible for redispatch after a restart.
func (l *Ledger) Unsent() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Record
	for _, rec := range l.records {
		if !rec.WasSent() {
			out = append(out, rec)
		}
	}
	return out
}

// TransitionDrops returns how many post-dispatch transitions overflowed the
// durable queue.
func (l *Ledger) TransitionDrops() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transitionDrops
}

// Sequence returns the next ledger sequence to assign.
func (l *Ledger) Sequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}
