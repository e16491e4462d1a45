package wal

import (
	"errors"
	"fmt"
	"testing"
)

type fakeTradeChecker struct {
	seen map[string]bool
	err  error
}

func (f *fakeTradeChecker) Seen(tradeID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.seen[tradeID], nil
}

func TestInsertIfAbsentDeduplicates(t *testing.T) {
	r := NewRegistry(16, nil)
	ref := TradeRef{GroupID: "g1", LegIdx: 0, QtySteps: 2}

	inserted, err := r.InsertIfAbsent("t-1", ref)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v, want true, nil", inserted, err)
	}

	inserted, err = r.InsertIfAbsent("t-1", ref)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Error("duplicate trade id reported as inserted")
	}
	if r.Duplicates() != 1 {
		t.Errorf("Duplicates = %d, want 1", r.Duplicates())
	}

	got, ok := r.Ref("t-1")
	if !ok || got.GroupID != "g1" {
		t.Errorf("Ref = %+v, %v, want original back-reference", got, ok)
	}
}

func TestColdPathCatchesEvictedIDs(t *testing.T) {
	db := &fakeTradeChecker{seen: map[string]bool{"t-old": true}}
	r := NewRegistry(16, db)

	inserted, err := r.InsertIfAbsent("t-old", TradeRef{})
	if err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	if inserted {
		t.Error("persisted trade id reported as new")
	}
	// Promoted into the hot tier so redeliveries skip the DB.
	if !r.Seen("t-old") {
		t.Error("cold-path hit not promoted to the hot tier")
	}
}

func TestDBErrorFailsClosed(t *testing.T) {
	db := &fakeTradeChecker{err: errors.New("connection refused")}
	r := NewRegistry(16, db)

	inserted, err := r.InsertIfAbsent("t-1", TradeRef{})
	if err == nil {
		t.Fatal("DB outage must surface an error, not guess")
	}
	if inserted {
		t.Error("insert reported success during DB outage")
	}
	if r.Seen("t-1") {
		t.Error("failed insert must not land in the hot tier")
	}
}

func TestCapacityWithoutColdTierFailsClosed(t *testing.T) {
	r := NewRegistry(2, nil)
	r.InsertIfAbsent("t-1", TradeRef{})
	r.InsertIfAbsent("t-2", TradeRef{})

	if _, err := r.InsertIfAbsent("t-3", TradeRef{}); !errors.Is(err, ErrRegistryFull) {
		t.Errorf("err = %v, want ErrRegistryFull", err)
	}
}

func TestCapacityWithColdTierEvictsOldest(t *testing.T) {
	db := &fakeTradeChecker{seen: map[string]bool{}}
	r := NewRegistry(2, db)

	r.InsertIfAbsent("t-1", TradeRef{})
	r.InsertIfAbsent("t-2", TradeRef{})

	inserted, err := r.InsertIfAbsent("t-3", TradeRef{})
	if err != nil || !inserted {
		t.Fatalf("insert past capacity = %v, %v, want true, nil", inserted, err)
	}
	if r.Size() != 2 {
		t.Errorf("Size = %d, want 2", r.Size())
	}
	if r.Seen("t-1") {
		t.Error("oldest id must be evicted to the cold tier")
	}
	if !r.Seen("t-3") {
		t.Error("newest id missing from the hot tier")
	}
}

func TestWarmRespectsCapacity(t *testing.T) {
	r := NewRegistry(3, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, fmt.Sprintf("t-%d", i))
	}
	r.Warm(ids)

	if r.Size() != 3 {
		t.Errorf("Size after warm = %d, want capacity 3", r.Size())
	}
	if !r.Seen("t-4") {
		t.Error("most recent warm id missing")
	}
}
