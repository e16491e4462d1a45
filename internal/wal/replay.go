package wal

import (
	"fmt"
	"sort"

	"PerpGuard/internal/intent"

	"github.com/google/uuid"
)

// parseState maps persisted state strings back to lifecycle states.
func parseState(s string) (LifecycleState, error) {
	for _, st := range []LifecycleState{
		StateCreated, StateSent, StateAcked, StatePartFilled,
		StateFilled, StateCancelled, StateRejected,
	} {
		if st.String() == s {
			return st, nil
		}
	}
	return StateCreated, fmt.Errorf("unknown lifecycle state %q", s)
}

// Restore rebuilds the in-memory index from persisted events, latest event
// per hash winning. Nothing is re-emitted to the durable queue, and nothing
// marked sent becomes eligible for redispatch: after Restore, Unsent()
// returns exactly the intents that may be dispatched again.
func (l *Ledger) Restore(events []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	for _, evt := range events {
		switch evt.Kind {
		case EventIntentRecorded:
			side, err := intent.ParseSide(evt.Side)
			if err != nil {
				return fmt.Errorf("restore seq %d: %w", evt.Sequence, err)
			}
			class, err := intent.ParseClass(evt.Class)
			if err != nil {
				return fmt.Errorf("restore seq %d: %w", evt.Sequence, err)
			}
			groupID, err := uuid.Parse(evt.GroupID)
			if err != nil {
				return fmt.Errorf("restore seq %d: parse group id: %w", evt.Sequence, err)
			}

			l.records[evt.Hash] = &Record{
				Intent: intent.Intent{
					Instrument: evt.Instrument,
					Side:       side,
					Class:      class,
					QtySteps:   evt.QtySteps,
					PriceTicks: evt.PriceTicks,
					GroupID:    groupID,
					LegIdx:     evt.LegIdx,
					Label:      evt.Label,
					Hash:       evt.Hash,
				},
				Lifecycle: NewLifecycle(evt.QtySteps),
				CreatedUs: evt.TimestampUs,
			}
			l.byLabel[evt.Label] = evt.Hash

		case EventSentMarked:
			rec, ok := l.records[evt.Hash]
			if !ok {
				return fmt.Errorf("restore seq %d: sent marker for unknown hash %016x", evt.Sequence, evt.Hash)
			}
			rec.SentUs = evt.TimestampUs
			rec.Lifecycle.OnSent()

		case EventStateTransition:
			rec, ok := l.records[evt.Hash]
			if !ok {
				return fmt.Errorf("restore seq %d: transition for unknown hash %016x", evt.Sequence, evt.Hash)
			}
			st, err := parseState(evt.State)
			if err != nil {
				return fmt.Errorf("restore seq %d: %w", evt.Sequence, err)
			}
			rec.Lifecycle.State = st
			rec.Lifecycle.FilledSteps = evt.FilledSteps
			if evt.ExchangeID != "" {
				rec.ExchangeID = evt.ExchangeID
			}
			if evt.Anomaly != "" {
				rec.Lifecycle.Anomalies = append(rec.Lifecycle.Anomalies, evt.Anomaly)
			}
		}

		if evt.Sequence >= l.seq {
			l.seq = evt.Sequence + 1
		}
		l.chain.SetTip(evt.ChainHash)
	}

	return nil
}
