package backup

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/storage"

	"go.uber.org/zap"
)

type mockFlusher struct {
	store   *storage.Store
	flushes atomic.Int64
	err     error
}

func (f *mockFlusher) Name() string { return "mock" }

func (f *mockFlusher) Flush(ctx context.Context) error {
	f.flushes.Add(1)
	if f.err != nil {
		return f.err
	}
	return f.store.Save(ctx, storage.DomainAutorole, map[string][]string{"g1": {"r1"}})
}

type mockDestination struct {
	writes atomic.Int64
	stamp  atomic.Value
	last   atomic.Value
	err    error
}

func (d *mockDestination) Name() string { return "mock" }

func (d *mockDestination) Write(_ context.Context, stamp string, data []byte) error {
	d.writes.Add(1)
	d.stamp.Store(stamp)
	cp := make([]byte, len(data))
	copy(cp, data)
	d.last.Store(cp)
	return d.err
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	backend, err := storage.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	return storage.New(backend, zap.NewNop())
}

func TestRunOnceFlushesThenArchives(t *testing.T) {
	store := newStore(t)
	if err := store.Save(context.Background(), storage.DomainWelcome, map[string]string{"g1": "hi"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	flusher := &mockFlusher{store: store}
	dir := t.TempDir()
	sched := New(Config{Dir: dir, Keep: 5}, store, zap.NewNop(), flusher)
	sched.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	dest := &mockDestination{}
	sched.AddDestination(dest)

	archive, err := sched.RunOnce(context.Background(), "manual")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if flusher.flushes.Load() != 1 {
		t.Fatalf("expected flush before archive")
	}
	if archive.Path != filepath.Join(dir, "20260102T030405Z") {
		t.Fatalf("unexpected archive path %s", archive.Path)
	}
	for _, name := range []string{"autorole.json", "welcome.json", "manifest.json"} {
		if _, err := os.Stat(filepath.Join(archive.Path, name)); err != nil {
			t.Fatalf("expected %s in archive: %v", name, err)
		}
	}

	data, _ := dest.last.Load().([]byte)
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if bundle.Manifest.Reason != "manual" || bundle.Manifest.Backend != "file" || len(bundle.Domains) != 2 {
		t.Fatalf("unexpected bundle %+v", bundle.Manifest)
	}
	if stamp, _ := dest.stamp.Load().(string); stamp != "20260102T030405Z" {
		t.Fatalf("unexpected stamp %q", stamp)
	}
}

func TestSameSecondRunsGetDistinctDirs(t *testing.T) {
	store := newStore(t)
	sched := New(Config{Dir: t.TempDir()}, store, zap.NewNop())
	sched.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	first, err := sched.Snapshot(context.Background(), "manual")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := sched.Snapshot(context.Background(), "manual")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Path == second.Path || filepath.Base(second.Path) != filepath.Base(first.Path)+"-1" {
		t.Fatalf("unexpected paths %s %s", first.Path, second.Path)
	}
}

func TestRetentionKeepsNewest(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()
	sched := New(Config{Dir: dir, Keep: 2}, store, zap.NewNop())
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		sched.now = func() time.Time { return at }
		if _, err := sched.Snapshot(context.Background(), "scheduled"); err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
	}

	names, err := sched.Archives()
	if err != nil {
		t.Fatalf("archives: %v", err)
	}
	if len(names) != 2 || names[1] != base.Add(3*time.Hour).UTC().Format(stampLayout) {
		t.Fatalf("unexpected archives %v", names)
	}
}

func TestFailuresAreNotFatal(t *testing.T) {
	store := newStore(t)
	flusher := &mockFlusher{store: store, err: errors.New("flush broke")}
	sched := New(Config{Dir: t.TempDir()}, store, zap.NewNop(), flusher)
	sched.AddDestination(&mockDestination{err: errors.New("bucket gone")})

	archive, err := sched.RunOnce(context.Background(), "shutdown")
	if err == nil {
		t.Fatalf("expected destination error to be reported")
	}
	if _, statErr := os.Stat(filepath.Join(archive.Path, "manifest.json")); statErr != nil {
		t.Fatalf("local archive should still be written: %v", statErr)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	store := newStore(t)
	flusher := &mockFlusher{store: store}
	sched := New(Config{Dir: t.TempDir(), Interval: 20 * time.Millisecond}, store, zap.NewNop(), flusher)
	sched.Start()
	time.Sleep(90 * time.Millisecond)
	sched.Stop()

	if flusher.flushes.Load() < 2 {
		t.Fatalf("expected at least 2 scheduled runs, got %d", flusher.flushes.Load())
	}
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	sched := New(Config{Dir: t.TempDir()}, newStore(t), zap.NewNop())
	sched.Stop()
}
