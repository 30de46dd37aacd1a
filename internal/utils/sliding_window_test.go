package utils

import (
	"testing"
	"time"
)

func TestSlidingWindowAdd(t *testing.T) {
	window := NewSlidingWindow(2 * time.Second)
	now := time.Now()
	if count := window.Add(now); count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}
	window.Add(now.Add(500 * time.Millisecond))
	if count := window.Count(now.Add(1 * time.Second)); count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
	if count := window.Count(now.Add(3 * time.Second)); count != 0 {
		t.Fatalf("expected 0, got %d", count)
	}
}

func TestSlidingWindowPrunesOnAdd(t *testing.T) {
	window := NewSlidingWindow(5 * time.Second)
	now := time.Now()
	window.Add(now)
	window.Add(now.Add(1 * time.Second))
	window.Add(now.Add(2 * time.Second))
	if count := window.Add(now.Add(3 * time.Second)); count != 4 {
		t.Fatalf("expected 4, got %d", count)
	}
	if count := window.Add(now.Add(7 * time.Second)); count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
	if hits := window.Snapshot(now.Add(7 * time.Second)); len(hits) != 2 || !hits[0].Equal(now.Add(3*time.Second)) {
		t.Fatalf("unexpected snapshot %v", hits)
	}
}

func TestSlidingWindowReset(t *testing.T) {
	window := NewSlidingWindow(time.Minute)
	now := time.Now()
	window.Add(now)
	window.Add(now)
	window.Reset()
	if count := window.Count(now); count != 0 {
		t.Fatalf("expected empty window, got %d", count)
	}
}

func TestSlidingWindowKeys(t *testing.T) {
	window := NewSlidingWindow(10 * time.Second)
	now := time.Now()
	window.AddKey(now, "u1")
	window.AddKey(now.Add(time.Second), "u2")
	window.AddKey(now.Add(2*time.Second), "u1")
	window.Add(now.Add(3 * time.Second))

	keys := window.Keys(now.Add(4 * time.Second))
	if len(keys) != 2 || keys[0] != "u1" || keys[1] != "u2" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if keys := window.Keys(now.Add(11500 * time.Millisecond)); len(keys) != 1 || keys[0] != "u1" {
		t.Fatalf("expected only the latest u1 hit to remain, got %v", keys)
	}
}
