package snapshot

import (
	"time"
)

// Kind discriminates the payload of a metric Value.
type Kind int

const (
	KindFloat Kind = iota
	KindInt
	KindBool
	KindString
)

// Value is one typed metric observation.
type Value struct {
	Kind  Kind
	Float float64
	Int   int64
	Bool  bool
	Str   string
}

// Entry is a metric value together with its last-update time.
// Invalid marks a payload the producer could not parse; it is a first-class
// observation, not a dropped sample.
type Entry struct {
	Value     Value
	UpdatedAt time.Time
	Invalid   bool
}

// Observation classifies a metric lookup against its freshness bound.
type Observation int

const (
	ObsOK Observation = iota
	ObsMissing
	ObsInvalid
	ObsStale
)

func (o Observation) String() string {
	switch o {
	case ObsOK:
		return "ok"
	case ObsMissing:
		return "missing"
	case ObsInvalid:
		return "invalid"
	case ObsStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Snapshot is one immutable, versioned view of all risk/health inputs for a
// single evaluation cycle. Created once per cycle, never mutated after
// Publish, discarded after use. All staleness is judged against TakenAt so
// that evaluation over a snapshot is a pure function of the snapshot alone.
type Snapshot struct {
	Version int64
	TakenAt time.Time

	entries map[string]Entry
}

// Lookup returns the raw entry and its observation class given a freshness
// bound. maxAge <= 0 disables the staleness check.
func (s *Snapshot) Lookup(name string, maxAge time.Duration) (Entry, Observation) {
	e, ok := s.entries[name]
	if !ok {
		return Entry{}, ObsMissing
	}
	if e.Invalid {
		return e, ObsInvalid
	}
	if maxAge > 0 && s.TakenAt.Sub(e.UpdatedAt) > maxAge {
		return e, ObsStale
	}
	return e, ObsOK
}

// Float returns a float metric. Non-OK observations return the zero value.
func (s *Snapshot) Float(name string, maxAge time.Duration) (float64, Observation) {
	e, obs := s.Lookup(name, maxAge)
	if obs != ObsOK || e.Value.Kind != KindFloat {
		if obs == ObsOK {
			obs = ObsInvalid
		}
		return 0, obs
	}
	return e.Value.Float, ObsOK
}

// Int returns an integer metric.
func (s *Snapshot) Int(name string, maxAge time.Duration) (int64, Observation) {
	e, obs := s.Lookup(name, maxAge)
	if obs != ObsOK || e.Value.Kind != KindInt {
		if obs == ObsOK {
			obs = ObsInvalid
		}
		return 0, obs
	}
	return e.Value.Int, ObsOK
}

// Bool returns a boolean metric.
func (s *Snapshot) Bool(name string, maxAge time.Duration) (bool, Observation) {
	e, obs := s.Lookup(name, maxAge)
	if obs != ObsOK || e.Value.Kind != KindBool {
		if obs == ObsOK {
			obs = ObsInvalid
		}
		return false, obs
	}
	return e.Value.Bool, ObsOK
}

// Str returns a string metric.
func (s *Snapshot) Str(name string, maxAge time.Duration) (string, Observation) {
	e, obs := s.Lookup(name, maxAge)
	if obs != ObsOK || e.Value.Kind != KindString {
		if obs == ObsOK {
			obs = ObsInvalid
		}
		return "", obs
	}
	return e.Value.Str, ObsOK
}

// Age returns how old a metric is relative to the snapshot time.
func (s *Snapshot) Age(name string) (time.Duration, bool) {
	e, ok := s.entries[name]
	if !ok {
		return 0, false
	}
	return s.TakenAt.Sub(e.UpdatedAt), true
}

// Has reports whether a metric is present at all.
func (s *Snapshot) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Len returns the number of metrics in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.entries)
}
