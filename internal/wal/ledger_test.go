package wal

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"PerpGuard/internal/intent"
)

var testGroup = uuid.MustParse("12345678-1234-1234-1234-123456789abc")

func testIntent(t *testing.T, qtySteps int64, legIdx uint32) *intent.Intent {
	t.Helper()

	hash := intent.ComputeHash("BTC-PERP", intent.Buy, qtySteps, 100, testGroup, legIdx)
	label, err := intent.EncodeLabel("aabbccdd", intent.DeriveGID12(testGroup), legIdx, intent.FormatIH16(hash))
	if err != nil {
		t.Fatalf("EncodeLabel: %v", err)
	}
	return &intent.Intent{
		Instrument: "BTC-PERP",
		Side:       intent.Buy,
		Class:      intent.Open,
		QtySteps:   qtySteps,
		PriceTicks: 100,
		GroupID:    testGroup,
		LegIdx:     legIdx,
		Label:      label,
		Hash:       hash,
	}
}

func TestRecordThenMarkSent(t *testing.T) {
	l := NewLedger(nil)
	it := testIntent(t, 3, 0)

	alreadySent, err := l.Record(it, 1000)
	if err != nil || alreadySent {
		t.Fatalf("Record = %v, %v, want false, nil", alreadySent, err)
	}
	if l.WasSent(it.Hash) {
		t.Fatal("recorded intent reported sent before MarkSent")
	}
	if got := l.Unsent(); len(got) != 1 {
		t.Fatalf("Unsent = %d records, want 1", len(got))
	}

	if err := l.MarkSent(it.Hash, 1001); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if !l.WasSent(it.Hash) {
		t.Error("MarkSent did not mark the record sent")
	}
	if got := l.Unsent(); len(got) != 0 {
		t.Errorf("Unsent after MarkSent = %d records, want 0", len(got))
	}
	if got := l.InFlight(); len(got) != 1 {
		t.Errorf("InFlight = %d records, want 1", len(got))
	}
}

func TestRecordAfterSentIsNoOp(t *testing.T) {
	l := NewLedger(nil)
	it := testIntent(t, 3, 0)

	l.Record(it, 1000)
	l.MarkSent(it.Hash, 1001)
	seqBefore := l.Sequence()

	alreadySent, err := l.Record(it, 2000)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !alreadySent {
		t.Error("resubmission of a sent hash must report alreadySent")
	}
	if l.Sequence() != seqBefore {
		t.Error("resubmission appended a new ledger event")
	}
}

func TestRecordedUnsentStaysEligible(t *testing.T) {
	l := NewLedger(nil)
	it := testIntent(t, 3, 0)

	l.Record(it, 1000)
	alreadySent, err := l.Record(it, 2000)
	if err != nil || alreadySent {
		t.Fatalf("Record = %v, %v, want false, nil", alreadySent, err)
	}
	if got := l.Unsent(); len(got) != 1 {
		t.Errorf("Unsent = %d records, want 1 (still eligible for dispatch)", len(got))
	}
}

func TestQueueFullBlocksRecord(t *testing.T) {
	durable := make(chan Event, 1)
	l := NewLedger(durable)

	first := testIntent(t, 3, 0)
	if _, err := l.Record(first, 1000); err != nil {
		t.Fatalf("Record: %v", err)
	}

	blocked := testIntent(t, 5, 1)
	if _, err := l.Record(blocked, 1001); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Record on full queue: err = %v, want ErrQueueFull", err)
	}
	if _, ok := l.Get(blocked.Hash); ok {
		t.Error("blocked intent must not exist in the ledger")
	}
	if l.Sequence() != 1 {
		t.Errorf("sequence = %d, want 1 (failed append must not consume it)", l.Sequence())
	}

	// Draining the queue unblocks the same intent at the same sequence.
	<-durable
	if _, err := l.Record(blocked, 1002); err != nil {
		t.Fatalf("Record after drain: %v", err)
	}
	evt := <-durable
	if evt.Sequence != 1 {
		t.Errorf("retried append sequence = %d, want 1", evt.Sequence)
	}
}

func TestQueueFullOnTransitionKeepsMemoryState(t *testing.T) {
	durable := make(chan Event, 2)
	l := NewLedger(durable)
	it := testIntent(t, 3, 0)

	l.Record(it, 1000)
	l.MarkSent(it.Hash, 1001)
	// Queue now full; the ack already happened at the venue.

	rec, err := l.ApplyAck(it.Label, "EX-1", 1002)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("ApplyAck on full queue: err = %v, want ErrQueueFull", err)
	}
	if rec == nil || rec.Lifecycle.State != StateAcked {
		t.Error("in-memory lifecycle must advance despite the dropped event")
	}
	if l.TransitionDrops() != 1 {
		t.Errorf("TransitionDrops = %d, want 1", l.TransitionDrops())
	}
	if l.Sequence() != 3 {
		t.Errorf("sequence = %d, want 3 (dropped transitions still consume sequence)", l.Sequence())
	}
}

func TestApplyUnknownLabel(t *testing.T) {
	l := NewLedger(nil)

	if _, err := l.ApplyAck("s4:aabbccdd:123456781234:0:00000000deadbeef", "EX-1", 1000); !errors.Is(err, ErrUnknownLabel) {
		t.Errorf("err = %v, want ErrUnknownLabel", err)
	}
}

func TestLifecycleConvergesOutOfOrder(t *testing.T) {
	l := NewLedger(nil)
	it := testIntent(t, 3, 0)

	l.Record(it, 1000)
	l.MarkSent(it.Hash, 1001)

	// Fill lands before the ack.
	rec, err := l.ApplyFill(it.Label, 2, "EX-1", 1002)
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if rec.Lifecycle.State != StatePartFilled {
		t.Errorf("state = %v, want part_filled", rec.Lifecycle.State)
	}
	if len(rec.Lifecycle.Anomalies) != 1 || rec.Lifecycle.Anomalies[0] != AnomalyFillBeforeAck {
		t.Errorf("anomalies = %v, want [%s]", rec.Lifecycle.Anomalies, AnomalyFillBeforeAck)
	}

	// The late ack is absorbed without regressing the state.
	rec, err = l.ApplyAck(it.Label, "EX-1", 1003)
	if err != nil {
		t.Fatalf("ApplyAck: %v", err)
	}
	if rec.Lifecycle.State != StatePartFilled {
		t.Errorf("late ack regressed state to %v", rec.Lifecycle.State)
	}

	rec, err = l.ApplyFill(it.Label, 1, "EX-1", 1004)
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if rec.Lifecycle.State != StateFilled {
		t.Errorf("state = %v, want filled at target quantity", rec.Lifecycle.State)
	}
}

func TestRejectAfterFillKeepsFilledQuantity(t *testing.T) {
	l := NewLedger(nil)
	it := testIntent(t, 3, 0)

	l.Record(it, 1000)
	l.MarkSent(it.Hash, 1001)
	l.ApplyAck(it.Label, "EX-1", 1002)
	l.ApplyFill(it.Label, 2, "EX-1", 1003)

	rec, err := l.ApplyReject(it.Label, 1004)
	if err != nil {
		t.Fatalf("ApplyReject: %v", err)
	}
	if rec.Lifecycle.State == StateRejected {
		t.Error("reject after fills must not unwind the filled quantity")
	}
	if rec.Lifecycle.FilledSteps != 2 {
		t.Errorf("FilledSteps = %d, want 2", rec.Lifecycle.FilledSteps)
	}
}

func TestSendInferredFromLifecycleProgress(t *testing.T) {
	l := NewLedger(nil)
	it := testIntent(t, 3, 0)

	l.Record(it, 1000)

	// Ack with no sent marker: the send happened, the marker was lost.
	rec, err := l.ApplyAck(it.Label, "EX-1", 1001)
	if err != nil {
		t.Fatalf("ApplyAck: %v", err)
	}
	if !rec.WasSent() {
		t.Error("lifecycle progress must imply the send")
	}
	if got := l.Unsent(); len(got) != 0 {
		t.Errorf("Unsent = %d records, want 0 (never redispatch an acked intent)", len(got))
	}
	if len(rec.Lifecycle.Anomalies) != 1 || rec.Lifecycle.Anomalies[0] != AnomalyAckBeforeSend {
		t.Errorf("anomalies = %v, want [%s]", rec.Lifecycle.Anomalies, AnomalyAckBeforeSend)
	}
}

func TestRestoreRebuildsRedispatchSet(t *testing.T) {
	durable := make(chan Event, 16)
	l := NewLedger(durable)

	sent := testIntent(t, 3, 0)
	unsent := testIntent(t, 5, 1)

	l.Record(sent, 1000)
	l.MarkSent(sent.Hash, 1001)
	l.ApplyFill(sent.Label, 3, "EX-1", 1002)
	l.Record(unsent, 1003)

	close(durable)
	var events []Event
	for evt := range durable {
		events = append(events, evt)
	}

	restored := NewLedger(nil)
	if err := restored.Restore(events); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if restored.Sequence() != l.Sequence() {
		t.Errorf("restored sequence = %d, want %d", restored.Sequence(), l.Sequence())
	}

	eligible := restored.Unsent()
	if len(eligible) != 1 || eligible[0].Intent.Hash != unsent.Hash {
		t.Fatalf("Unsent after restore = %d records, want exactly the unmarked intent", len(eligible))
	}

	rec, ok := restored.Get(sent.Hash)
	if !ok {
		t.Fatal("sent intent missing after restore")
	}
	if rec.Lifecycle.State != StateFilled || rec.Lifecycle.FilledSteps != 3 {
		t.Errorf("restored state = %v/%d, want filled/3", rec.Lifecycle.State, rec.Lifecycle.FilledSteps)
	}
	if !restored.WasSent(sent.Hash) {
		t.Error("restored sent intent must stay ineligible for redispatch")
	}

	if _, ok := restored.FindByLabel(unsent.Label); !ok {
		t.Error("label index not rebuilt")
	}
}

func TestChainIsDeterministicAndOrderSensitive(t *testing.T) {
	a, b := NewChain(), NewChain()

	t1 := a.Next(0, []byte("alpha"))
	t2 := b.Next(0, []byte("alpha"))
	if t1 != t2 {
		t.Fatal("identical inputs produced different chain tips")
	}

	a.Next(1, []byte("beta"))
	b.Next(1, []byte("gamma"))
	if a.Tip() == b.Tip() {
		t.Error("diverging digests must diverge the chain tip")
	}
}
