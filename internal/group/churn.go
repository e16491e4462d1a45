package group

import (
	"sync"
	"time"
)

// ChurnGuard blacklists instruments that flatten too often in a short
// window. A position that keeps getting opened and emergency-closed is a
// strategy bug or a hostile market; either way new opens pause for the
// cooldown.
type ChurnGuard struct {
	mu          sync.Mutex
	window      time.Duration
	maxFlattens int
	cooldown    time.Duration

	flattens map[string][]time.Time
	blocked  map[string]time.Time // instrument -> blacklist expiry
}

func NewChurnGuard(window time.Duration, maxFlattens int, cooldown time.Duration) *ChurnGuard {
	return &ChurnGuard{
		window:      window,
		maxFlattens: maxFlattens,
		cooldown:    cooldown,
		flattens:    make(map[string][]time.Time),
		blocked:     make(map[string]time.Time),
	}
}

// RecordFlatten notes a flatten event and returns true when the instrument
// just crossed the threshold and entered cooldown.
func (g *ChurnGuard) RecordFlatten(instrument string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.window)
	recent := g.flattens[instrument][:0]
	for _, t := range g.flattens[instrument] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	g.flattens[instrument] = recent

	if len(recent) > g.maxFlattens {
		_, already := g.blocked[instrument]
		g.blocked[instrument] = now.Add(g.cooldown)
		return !already
	}
	return false
}

// Blocked reports whether new opens on the instrument are paused. Satisfies
// the chokepoint's blacklist gate.
func (g *ChurnGuard) Blocked(instrument string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	expiry, ok := g.blocked[instrument]
	if !ok {
		return false
	}
	if now.After(expiry) {
		delete(g.blocked, instrument)
		return false
	}
	return true
}
