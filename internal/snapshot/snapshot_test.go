package snapshot

import (
	"testing"
	"time"
)

var base = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func TestObservationClasses(t *testing.T) {
	b := NewBuilder()
	b.SetFloat("margin.util_frac", 0.4, base)
	b.SetFloat("watchdog.heartbeat_age_ms", 100, base.Add(-10*time.Second))
	b.SetInvalid("disk.free_pct", base)
	snap := b.Publish(base)

	if v, obs := snap.Float("margin.util_frac", 5*time.Second); obs != ObsOK || v != 0.4 {
		t.Errorf("fresh metric = %v, %v, want 0.4, ok", v, obs)
	}
	if _, obs := snap.Float("watchdog.heartbeat_age_ms", 5*time.Second); obs != ObsStale {
		t.Errorf("aged metric obs = %v, want stale", obs)
	}
	if _, obs := snap.Float("disk.free_pct", 5*time.Second); obs != ObsInvalid {
		t.Errorf("invalid metric obs = %v, want invalid", obs)
	}
	if _, obs := snap.Float("never.written", 5*time.Second); obs != ObsMissing {
		t.Errorf("absent metric obs = %v, want missing", obs)
	}
}

func TestZeroMaxAgeDisablesStaleness(t *testing.T) {
	b := NewBuilder()
	b.SetInt("fees.model_version", 3, base.Add(-48*time.Hour))
	snap := b.Publish(base)

	if v, obs := snap.Int("fees.model_version", 0); obs != ObsOK || v != 3 {
		t.Errorf("lookup = %v, %v, want 3, ok with staleness disabled", v, obs)
	}
}

func TestKindMismatchIsInvalid(t *testing.T) {
	b := NewBuilder()
	b.SetInt("margin.util_frac", 1, base)
	snap := b.Publish(base)

	if _, obs := snap.Float("margin.util_frac", 0); obs != ObsInvalid {
		t.Errorf("float read of int metric obs = %v, want invalid", obs)
	}
}

func TestStalenessJudgedAgainstTakenAt(t *testing.T) {
	b := NewBuilder()
	b.SetBool("session.terminated", false, base)
	snap := b.Publish(base.Add(7 * time.Second))

	// 7s old relative to the snapshot, regardless of the wall clock.
	if _, obs := snap.Bool("session.terminated", 5*time.Second); obs != ObsStale {
		t.Errorf("obs = %v, want stale against TakenAt", obs)
	}
	if age, ok := snap.Age("session.terminated"); !ok || age != 7*time.Second {
		t.Errorf("Age = %v, %v, want 7s", age, ok)
	}
}

func TestPublishCarriesForwardAndAges(t *testing.T) {
	b := NewBuilder()
	b.SetFloat("margin.util_frac", 0.4, base)
	first := b.Publish(base)

	// Nothing written this cycle: the metric carries forward with its
	// original update time and ages out naturally.
	second := b.Publish(base.Add(10 * time.Second))

	if v, obs := second.Float("margin.util_frac", time.Minute); obs != ObsOK || v != 0.4 {
		t.Errorf("carried metric = %v, %v, want 0.4, ok", v, obs)
	}
	if _, obs := second.Float("margin.util_frac", 5*time.Second); obs != ObsStale {
		t.Errorf("carried metric obs = %v, want stale after 10s", obs)
	}
	if first.Version >= second.Version {
		t.Errorf("versions = %d then %d, want strictly increasing", first.Version, second.Version)
	}
}

func TestPublishedSnapshotIsImmutable(t *testing.T) {
	b := NewBuilder()
	b.SetFloat("margin.util_frac", 0.4, base)
	first := b.Publish(base)

	b.SetFloat("margin.util_frac", 0.9, base.Add(time.Second))
	second := b.Publish(base.Add(time.Second))

	if v, _ := first.Float("margin.util_frac", 0); v != 0.4 {
		t.Errorf("earlier snapshot mutated: %v", v)
	}
	if v, _ := second.Float("margin.util_frac", 0); v != 0.9 {
		t.Errorf("later snapshot = %v, want 0.9", v)
	}
}

func TestDropRemovesFromCarryForward(t *testing.T) {
	b := NewBuilder()
	b.SetBool("session.disconnect", true, base)
	b.Publish(base)

	b.Drop("session.disconnect")
	snap := b.Publish(base.Add(time.Second))

	if snap.Has("session.disconnect") {
		t.Error("dropped metric still present in later snapshots")
	}
}

func TestCurrentTracksLatestPublish(t *testing.T) {
	b := NewBuilder()
	if b.Current() != nil {
		t.Fatal("Current non-nil before first publish")
	}

	b.SetInt("fees.model_version", 1, base)
	snap := b.Publish(base)
	if b.Current() != snap {
		t.Error("Current does not return the latest snapshot")
	}
}
