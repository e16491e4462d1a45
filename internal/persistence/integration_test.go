package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"PerpGuard/internal/testutil"
	"PerpGuard/internal/wal"
)

func setupMigratedDB(t *testing.T) (*Loader, *WALWriter, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)

	migrator := NewMigrator(db, "../../migrations")
	if err := migrator.Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}

	return NewLoader(db), NewWALWriter(db), cleanup
}

func walEvent(seq int64, kind wal.EventKind, groupID string, ts int64) wal.Event {
	e := wal.Event{
		Sequence:    seq,
		Kind:        kind,
		Hash:        0xdeadbeef00000000 + uint64(seq),
		GroupID:     groupID,
		Instrument:  "BTC-PERP",
		Side:        "buy",
		Class:       "open",
		QtySteps:    2,
		PriceTicks:  1000,
		Label:       "s4:aabbccdd:123456781234:0:00000000deadbeef",
		State:       "created",
		TimestampUs: ts,
	}
	e.ChainHash[0] = byte(seq)
	e.PrevHash[0] = byte(seq - 1)
	return e
}

func TestWALRoundTrip(t *testing.T) {
	loader, writer, cleanup := setupMigratedDB(t)
	defer cleanup()

	ctx := context.Background()
	gid := uuid.New().String()
	events := []wal.Event{
		walEvent(1, wal.EventIntentRecorded, gid, 1_700_000_000_000_000),
		walEvent(2, wal.EventSentMarked, gid, 1_700_000_000_000_001),
	}

	tx, err := writer.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := writer.WriteEventBatch(ctx, tx, events); err != nil {
		t.Fatalf("write events: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := loader.LoadEvents(ctx)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d events, want 2", len(got))
	}
	if got[0].Sequence != 1 || got[0].Kind != wal.EventIntentRecorded {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Hash != events[1].Hash || got[1].ChainHash != events[1].ChainHash {
		t.Errorf("second event identity mangled: %+v", got[1])
	}

	seq, err := loader.LatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if seq != 2 {
		t.Errorf("LatestSequence = %d, want 2", seq)
	}
}

func TestWALRedeliveredBatchIsIdempotent(t *testing.T) {
	loader, writer, cleanup := setupMigratedDB(t)
	defer cleanup()

	ctx := context.Background()
	events := []wal.Event{walEvent(1, wal.EventIntentRecorded, uuid.New().String(), 1)}

	for i := 0; i < 2; i++ {
		tx, err := writer.DB().BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := writer.WriteEventBatch(ctx, tx, events); err != nil {
			t.Fatalf("write attempt %d: %v", i, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit attempt %d: %v", i, err)
		}
	}

	got, err := loader.LoadEvents(ctx)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("loaded %d events after redelivery, want 1", len(got))
	}
}

func TestMigratorStatusReportsApplied(t *testing.T) {
	_, writer, cleanup := setupMigratedDB(t)
	defer cleanup()

	migrator := NewMigrator(writer.DB(), "../../migrations")
	statuses, err := migrator.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("no migration files found")
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %s not applied after Up", s.Filename)
		}
	}
}

func TestTradeRegistryColdTier(t *testing.T) {
	loader, writer, cleanup := setupMigratedDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UnixMicro()
	trades := []TradeRow{
		{TradeID: "t-1", GroupID: uuid.New().String(), LegIdx: 0, QtySteps: 2, PriceTicks: 1000, TimestampUs: now},
		{TradeID: "t-2", GroupID: uuid.New().String(), LegIdx: 1, QtySteps: 1, PriceTicks: 998, TimestampUs: now - 1},
	}

	tx, err := writer.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := writer.WriteTradeBatch(ctx, tx, trades); err != nil {
		t.Fatalf("write trades: %v", err)
	}
	if err := writer.WriteTradeBatch(ctx, tx, trades[:1]); err != nil {
		t.Fatalf("redeliver trade: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	checker := NewPostgresTradeChecker(writer.DB())
	seen, err := checker.Seen("t-1")
	if err != nil {
		t.Fatalf("seen t-1: %v", err)
	}
	if !seen {
		t.Error("persisted trade id not found by cold-tier lookup")
	}
	seen, err = checker.Seen("t-never")
	if err != nil {
		t.Fatalf("seen t-never: %v", err)
	}
	if seen {
		t.Error("unknown trade id reported as seen")
	}

	ids, err := loader.RecentTradeIDs(ctx, time.Hour, 10)
	if err != nil {
		t.Fatalf("recent trade ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "t-1" {
		t.Errorf("RecentTradeIDs = %v, want newest-first [t-1 t-2]", ids)
	}
}
