package wal

import (
	"container/list"
	"errors"
	"sync"
)

// TradeRef back-references a trade id to the group and leg it filled.
type TradeRef struct {
	GroupID     string
	LegIdx      uint32
	QtySteps    int64
	PriceTicks  int64
	TimestampUs int64
}

// DBTradeChecker is the cold-path lookup against the persisted registry.
type DBTradeChecker interface {
	Seen(tradeID string) (bool, error)
}

var (
	// ErrRegistryFull: the in-memory registry hit capacity. Fail closed;
	// the caller must stop applying fills rather than risk double counting.
	ErrRegistryFull = errors.New("trade-id registry at capacity")
)

// Registry deduplicates venue trade ids so every fill is applied exactly
// once, regardless of how many redundant channels deliver it. Two tiers:
// a bounded in-memory LRU of recent ids (hot path) over the persisted
// registry (cold path). Every id is recorded before the fill is applied.
type Registry struct {
	mu       sync.Mutex
	capacity int
	refs     map[string]*list.Element
	order    *list.List
	db       DBTradeChecker

	evictions  int64
	duplicates int64
	dbErrors   int64
}

type registryEntry struct {
	tradeID string
	ref     TradeRef
}

func NewRegistry(capacity int, db DBTradeChecker) *Registry {
	return &Registry{
		capacity: capacity,
		refs:     make(map[string]*list.Element, capacity),
		order:    list.New(),
		db:       db,
	}
}

// InsertIfAbsent records a trade id. inserted=false means the id was
// already seen and the fill must be dropped. ErrRegistryFull blocks the
// application entirely.
func (r *Registry) InsertIfAbsent(tradeID string, ref TradeRef) (inserted bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.refs[tradeID]; ok {
		r.order.MoveToFront(elem)
		r.duplicates++
		return false, nil
	}

	// Cold path: an id evicted from the LRU may still be in the persisted
	// registry.
	if r.db != nil {
		seen, dbErr := r.db.Seen(tradeID)
		if dbErr != nil {
			// Conservative: a DB outage must not double-apply fills, and it
			// must not drop real ones either. Surface the error and let the
			// caller fail the cycle closed.
			r.dbErrors++
			return false, dbErr
		}
		if seen {
			r.duplicates++
			r.addLocked(tradeID, ref)
			return false, nil
		}
	}

	if r.order.Len() >= r.capacity {
		if r.db == nil {
			// Without a persisted tier, eviction would forget ids and risk
			// double application.
			return false, ErrRegistryFull
		}
		r.evictOldest()
	}

	r.addLocked(tradeID, ref)
	return true, nil
}

func (r *Registry) addLocked(tradeID string, ref TradeRef) {
	elem := r.order.PushFront(&registryEntry{tradeID: tradeID, ref: ref})
	r.refs[tradeID] = elem
}

func (r *Registry) evictOldest() {
	elem := r.order.Back()
	if elem == nil {
		return
	}
	r.order.Remove(elem)
	delete(r.refs, elem.Value.(*registryEntry).tradeID)
	r.evictions++
}

// Seen reports whether a trade id is in the hot tier.
func (r *Registry) Seen(tradeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.refs[tradeID]
	return ok
}

// Ref returns the back-reference for a hot-tier trade id.
func (r *Registry) Ref(tradeID string) (TradeRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.refs[tradeID]
	if !ok {
		return TradeRef{}, false
	}
	return elem.Value.(*registryEntry).ref, true
}

// Warm preloads recent trade ids after a restart so the lookback scan and
// redundant redeliveries stay on the hot path.
func (r *Registry) Warm(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, ok := r.refs[id]; ok {
			continue
		}
		r.addLocked(id, TradeRef{})
		if r.order.Len() > r.capacity {
			r.evictOldest()
		}
	}
}

// Size returns hot-tier occupancy.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Duplicates returns how many redundant deliveries were dropped.
func (r *Registry) Duplicates() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duplicates
}
