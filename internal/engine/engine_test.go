package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

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
	"PerpGuard/internal/wal"
)

// promauto registers against the default registry, so the test binary gets
// exactly one Metrics instance.
var testMetrics = observability.NewMetrics()

var eNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type engineDispatcher struct {
	sent []*intent.Intent
	err  error
}

func (d *engineDispatcher) Dispatch(_ context.Context, it *intent.Intent) error {
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, it)
	return nil
}

type failingTradeChecker struct{}

func (failingTradeChecker) Seen(string) (bool, error) {
	return false, errors.New("connection refused")
}

type engineFixture struct {
	eng       *Engine
	ledger    *wal.Ledger
	lt        *latch.Latch
	disp      *engineDispatcher
	builder   *intent.Builder
	decisions chan ingestion.Decision
	trades    chan persistence.TradeRow
}

func newEngineFixture(t *testing.T, db wal.DBTradeChecker) *engineFixture {
	t.Helper()

	f := &engineFixture{
		ledger:    wal.NewLedger(nil),
		lt:        latch.New(eNow.Add(-time.Minute)),
		disp:      &engineDispatcher{},
		builder:   intent.NewBuilder("guard0001"),
		decisions: make(chan ingestion.Decision, 16),
		trades:    make(chan persistence.TradeRow, 16),
	}

	registry := wal.NewRegistry(1024, db)
	params := group.DefaultParams()
	churn := group.NewChurnGuard(params.ChurnWindow, params.ChurnFlattens, params.ChurnCooldown)
	choke := gate.NewChokepoint(f.builder, f.ledger, f.disp, f.lt, churn, gate.DefaultParams(), testMetrics)
	exec := group.NewExecutor(choke, f.builder, churn, params, nil, testMetrics)
	gaps := reconcile.NewGapWatch(f.lt, testMetrics)
	rec := reconcile.NewReconciler(f.ledger, registry, f.lt, reconcile.DefaultParams(), testMetrics)

	f.eng = New(
		DefaultConfig(),
		snapshot.NewBuilder(), mode.NewResolver(mode.ProfileByName("standard"), mode.DefaultParams()),
		f.lt, choke, exec, gaps, rec,
		registry, f.ledger, f.builder,
		observability.NewHealthChecker(), testMetrics,
		make(chan ingestion.RawEvent), f.decisions, f.trades,
	)
	return f
}

func rawEvent(subject, payload string, acks, naks *int) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      []byte(payload),
		Timestamp: eNow,
		AckFunc:   func() { *acks++ },
		NakFunc:   func() { *naks++ },
	}
}

// prime installs BTC-PERP metadata and a mark price, then runs one cycle so
// the engine holds a published snapshot.
func (f *engineFixture) prime(t *testing.T) {
	t.Helper()
	var acks, naks int

	f.eng.handleRaw(context.Background(), rawEvent("guard.venue.instruments.BTC-PERP",
		`{"market":"BTC-PERP","tick_size":50,"lot_size":100,"min_qty_steps":1}`, &acks, &naks))
	f.eng.handleRaw(context.Background(), rawEvent("guard.md.prices.BTC-PERP",
		`{"market":"BTC-PERP","mark_ticks":1000,"sequence":1}`, &acks, &naks))
	if acks != 2 || naks != 0 {
		t.Fatalf("prime acks/naks = %d/%d, want 2/0", acks, naks)
	}

	f.eng.cycle(context.Background(), eNow)
}

// submitClose dispatches a reduce-only close so a labeled intent exists.
func (f *engineFixture) submitClose(t *testing.T) *intent.Intent {
	t.Helper()
	res := f.eng.Submit(context.Background(), intent.Request{
		Instrument: "BTC-PERP", Side: intent.Sell, Class: intent.Close,
		RawQty: 200, RawPrice: 50_000, GroupID: uuid.New(), ReduceOnly: true,
	}, eNow)
	if !res.Dispatched {
		t.Fatalf("close not dispatched: %+v", res)
	}
	return res.Intent
}

func TestEngineStartsFailClosed(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.prime(t)

	// An essentially empty snapshot must never evaluate to active, and the
	// first decision goes out on the decision stream.
	select {
	case d := <-f.decisions:
		if d.Mode == "active" {
			t.Errorf("decision mode = %q on empty inputs", d.Mode)
		}
		if !d.LatchEngaged {
			t.Error("decision does not report the engaged latch")
		}
	default:
		t.Fatal("no decision published after the first cycle")
	}

	st := f.eng.Status()
	if st.Mode == "active" {
		t.Errorf("status mode = %q, want fail-closed", st.Mode)
	}
	if !st.LatchBlocked {
		t.Error("status does not report the engaged latch")
	}
}

func TestEngineFillFlow(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.prime(t)
	it := f.submitClose(t)

	var acks, naks int
	fill := `{"trade_id":"t-1","exchange_id":"EX-1","label":"` + it.Label + `","market":"BTC-PERP","side":"sell","qty_steps":2,"price_ticks":1000,"sequence":0,"timestamp_us":1}`

	f.eng.handleRaw(context.Background(), rawEvent("guard.venue.fills.BTC-PERP", fill, &acks, &naks))
	if acks != 1 || naks != 0 {
		t.Fatalf("fill acks/naks = %d/%d, want 1/0", acks, naks)
	}

	rec, _ := f.ledger.FindByLabel(it.Label)
	if rec.Lifecycle.FilledSteps != 2 {
		t.Errorf("FilledSteps = %d, want 2", rec.Lifecycle.FilledSteps)
	}

	select {
	case row := <-f.trades:
		if row.TradeID != "t-1" || row.QtySteps != 2 {
			t.Errorf("trade row = %+v", row)
		}
	default:
		t.Error("no trade row forwarded to persistence")
	}

	// Redelivery of the same trade id is acked and dropped.
	f.eng.handleRaw(context.Background(), rawEvent("guard.venue.fills.BTC-PERP", fill, &acks, &naks))
	if acks != 2 || naks != 0 {
		t.Fatalf("duplicate acks/naks = %d/%d, want 2/0", acks, naks)
	}
	if rec.Lifecycle.FilledSteps != 2 {
		t.Errorf("duplicate fill applied: FilledSteps = %d", rec.Lifecycle.FilledSteps)
	}
	select {
	case <-f.trades:
		t.Error("duplicate fill forwarded a second trade row")
	default:
	}
}

func TestEngineOrphanFillRaisesLatch(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.prime(t)

	var acks, naks int
	orphan := `{"trade_id":"t-9","label":"s4:ffffffff:aaaaaaaaaaaa:0:00000000deadbeef","market":"BTC-PERP","side":"buy","qty_steps":1,"sequence":0}`
	f.eng.handleRaw(context.Background(), rawEvent("guard.venue.fills.BTC-PERP", orphan, &acks, &naks))

	if acks != 1 {
		t.Fatalf("orphan fill not acked")
	}
	var raised bool
	for _, r := range f.lt.Reasons() {
		if r == latch.ReasonInventoryMismatch {
			raised = true
		}
	}
	if !raised {
		t.Error("orphan fill did not raise inventory-mismatch")
	}
}

func TestEngineNaksFillOnRegistryOutage(t *testing.T) {
	f := newEngineFixture(t, failingTradeChecker{})
	f.prime(t)
	it := f.submitClose(t)

	var acks, naks int
	fill := `{"trade_id":"t-1","label":"` + it.Label + `","market":"BTC-PERP","side":"sell","qty_steps":2,"sequence":0}`
	f.eng.handleRaw(context.Background(), rawEvent("guard.venue.fills.BTC-PERP", fill, &acks, &naks))

	if naks != 1 || acks != 0 {
		t.Errorf("acks/naks = %d/%d, want 0/1 during registry outage", acks, naks)
	}
	rec, _ := f.ledger.FindByLabel(it.Label)
	if rec.Lifecycle.FilledSteps != 0 {
		t.Error("fill applied without a registry answer")
	}

	failing := f.eng.health.Failing()
	if len(failing) != 1 || failing[0] != "trade-registry" {
		t.Errorf("failing components = %v, want [trade-registry]", failing)
	}
}

func TestEngineAcksUnparseablePayloads(t *testing.T) {
	f := newEngineFixture(t, nil)

	var acks, naks int
	f.eng.handleRaw(context.Background(), rawEvent("guard.venue.fills.BTC-PERP", `{"trade_id":`, &acks, &naks))
	if acks != 1 || naks != 0 {
		t.Errorf("acks/naks = %d/%d, want 1/0 (redelivery cannot fix a malformed payload)", acks, naks)
	}

	f.eng.handleRaw(context.Background(), rawEvent("other.subject", `{}`, &acks, &naks))
	if acks != 2 {
		t.Error("unconfigured subject not acked")
	}
}

func TestEngineRecoverRedispatchesUnsent(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.builder.SetMeta(&intent.InstrumentMeta{Name: "BTC-PERP", TickSize: 50, LotSize: 100, MinQtySteps: 1})
	it, err := f.builder.Build(intent.Request{
		Instrument: "BTC-PERP", Side: intent.Sell, Class: intent.Close,
		RawQty: 200, RawPrice: 50_000, GroupID: uuid.New(), ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := f.ledger.Record(it, eNow.UnixMicro()); err != nil {
		t.Fatalf("record: %v", err)
	}

	f.eng.Recover(context.Background())

	if len(f.disp.sent) != 1 || f.disp.sent[0].Hash != it.Hash {
		t.Fatalf("dispatched %d intents after recovery, want the unsent one", len(f.disp.sent))
	}
	if !f.ledger.WasSent(it.Hash) {
		t.Error("recovered intent not marked sent")
	}

	// A second recovery pass finds nothing eligible.
	f.eng.Recover(context.Background())
	if len(f.disp.sent) != 1 {
		t.Error("recovery re-dispatched an already-sent intent")
	}
}

func TestEngineSessionTermination(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.prime(t)

	var acks, naks int
	f.eng.handleRaw(context.Background(), rawEvent("guard.venue.session.main",
		`{"terminated":true,"detail":"admin disconnect"}`, &acks, &naks))

	var raised bool
	for _, r := range f.lt.Reasons() {
		if r == latch.ReasonSessionTerminated {
			raised = true
		}
	}
	if !raised {
		t.Error("session termination did not raise the latch")
	}
}
