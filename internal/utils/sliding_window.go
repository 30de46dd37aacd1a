package utils

import (
	"sync"
	"time"
)

// SlidingWindow counts hits that fall inside the trailing window. Hits are
// expected in non-decreasing time order; anything at or before now-window is
// pruned on every call. A hit may carry a key, e.g. the member who joined.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	hits   []hit
}

type hit struct {
	at  time.Time
	key string
}

func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{window: window}
}

func (w *SlidingWindow) Add(now time.Time) int {
	return w.AddKey(now, "")
}

// AddKey records a hit labelled with key and returns the count in window.
func (w *SlidingWindow) AddKey(now time.Time, key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	w.hits = append(w.hits, hit{at: now, key: key})
	return len(w.hits)
}

func (w *SlidingWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	return len(w.hits)
}

// Snapshot returns a copy of the hit times still inside the window.
func (w *SlidingWindow) Snapshot(now time.Time) []time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	out := make([]time.Time, len(w.hits))
	for i, h := range w.hits {
		out[i] = h.at
	}
	return out
}

// Keys returns the distinct non-empty keys inside the window, oldest first.
func (w *SlidingWindow) Keys(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	seen := make(map[string]struct{}, len(w.hits))
	out := make([]string, 0, len(w.hits))
	for _, h := range w.hits {
		if h.key == "" {
			continue
		}
		if _, ok := seen[h.key]; ok {
			continue
		}
		seen[h.key] = struct{}{}
		out = append(out, h.key)
	}
	return out
}

func (w *SlidingWindow) Reset() {
	w.mu.Lock()
	w.hits = nil
	w.mu.Unlock()
}

func (w *SlidingWindow) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	w.mu.Lock()
	w.window = window
	w.mu.Unlock()
}

func (w *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	idx := 0
	for _, h := range w.hits {
		if h.at.After(cutoff) {
			break
		}
		idx++
	}
	w.hits = w.hits[idx:]
}
