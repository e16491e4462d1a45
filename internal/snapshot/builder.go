package snapshot

import (
	"sync"
	"time"
)

// Builder accumulates producer writes for the NEXT snapshot. Producers
// (market-data consumers, health monitors, operator command handlers) only
// ever write here; the snapshot currently under evaluation is never touched.
//
// Publish copies the accumulated map on top of the previous snapshot's
// entries, so metrics that did not update this cycle keep their last value
// and timestamp and simply age out via the resolver's freshness bounds.
type Builder struct {
	mu      sync.Mutex
	pending map[string]Entry
	prev    *Snapshot
	version int64
}

func NewBuilder() *Builder {
	return &Builder{
		pending: make(map[string]Entry),
	}
}

// SetFloat records a float observation for the next snapshot.
func (b *Builder) SetFloat(name string, v float64, updatedAt time.Time) {
	b.set(name, Entry{Value: Value{Kind: KindFloat, Float: v}, UpdatedAt: updatedAt})
}

// SetInt records an integer observation for the next snapshot.
func (b *Builder) SetInt(name string, v int64, updatedAt time.Time) {
	b.set(name, Entry{Value: Value{Kind: KindInt, Int: v}, UpdatedAt: updatedAt})
}

// SetBool records a boolean observation for the next snapshot.
func (b *Builder) SetBool(name string, v bool, updatedAt time.Time) {
	b.set(name, Entry{Value: Value{Kind: KindBool, Bool: v}, UpdatedAt: updatedAt})
}

// SetStr records a string observation for the next snapshot.
func (b *Builder) SetStr(name string, v string, updatedAt time.Time) {
	b.set(name, Entry{Value: Value{Kind: KindString, Str: v}, UpdatedAt: updatedAt})
}

// SetInvalid records that a producer received an unparseable payload for a
// metric. The resolver treats this exactly like a missing input: fail closed.
func (b *Builder) SetInvalid(name string, updatedAt time.Time) {
	b.set(name, Entry{UpdatedAt: updatedAt, Invalid: true})
}

// Drop removes a metric from the next snapshot and from carried-forward
// state. Used when an input family is disabled at runtime.
func (b *Builder) Drop(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.pending, name)
	if b.prev == nil {
		return
	}
	if _, ok := b.prev.entries[name]; !ok {
		return
	}
	clone := make(map[string]Entry, len(b.prev.entries))
	for k, v := range b.prev.entries {
		if k == name {
			continue
		}
		clone[k] = v
	}
	b.prev = &Snapshot{Version: b.prev.Version, TakenAt: b.prev.TakenAt, entries: clone}
}

func (b *Builder) set(name string, e Entry) {
	b.mu.Lock()
	b.pending[name] = e
	b.mu.Unlock()
}

// Publish freezes the accumulated writes into a new immutable snapshot and
// resets the pending set. now becomes the snapshot's staleness reference.
func (b *Builder) Publish(now time.Time) *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	var base map[string]Entry
	if b.prev != nil {
		base = b.prev.entries
	}

	entries := make(map[string]Entry, len(base)+len(b.pending))
	for k, v := range base {
		entries[k] = v
	}
	for k, v := range b.pending {
		entries[k] = v
	}

	b.version++
	snap := &Snapshot{
		Version: b.version,
		TakenAt: now,
		entries: entries,
	}

	b.prev = snap
	b.pending = make(map[string]Entry)

	return snap
}

// Current returns the most recently published snapshot, or nil before the
// first Publish.
func (b *Builder) Current() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prev
}
