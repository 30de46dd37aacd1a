// Package backup snapshots every stored domain into timestamped archive
// directories, on an interval and on demand.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/metrics"
	"github.com/glutchdiscord-alt/goofguard/internal/storage"

	"go.uber.org/zap"
)

const stampLayout = "20060102T150405Z"

var stampPattern = regexp.MustCompile(`^\d{8}T\d{6}Z(-\d+)?$`)

// Flusher writes a component's in-memory state to the store.
type Flusher interface {
	Name() string
	Flush(ctx context.Context) error
}

// Destination receives a copy of each archive as one JSON bundle.
type Destination interface {
	Name() string
	Write(ctx context.Context, stamp string, data []byte) error
}

type Config struct {
	Dir      string
	Interval time.Duration
	Keep     int
}

// Manifest is written next to the domain files of every archive.
type Manifest struct {
	Stamp     string    `json:"stamp"`
	Reason    string    `json:"reason"`
	Backend   string    `json:"backend"`
	CreatedAt time.Time `json:"created_at"`
	Domains   []string  `json:"domains"`
}

// Bundle is the single-document form sent to destinations.
type Bundle struct {
	Manifest Manifest                   `json:"manifest"`
	Domains  map[string]json.RawMessage `json:"domains"`
}

type Archive struct {
	Path     string
	Manifest Manifest
}

type Scheduler struct {
	cfg      Config
	store    *storage.Store
	flushers []Flusher
	dests    []Destination
	logger   *zap.Logger
	now      func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, store *storage.Store, logger *zap.Logger, flushers ...Flusher) *Scheduler {
	if cfg.Dir == "" {
		cfg.Dir = "backups"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		flushers: flushers,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Scheduler) AddDestination(dest Destination) {
	s.dests = append(s.dests, dest)
}

func (s *Scheduler) Flushers() []Flusher {
	return s.flushers
}

// Start runs RunOnce on every tick until Stop. A zero interval disables the
// periodic run.
func (s *Scheduler) Start() {
	if s.cfg.Interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.RunOnce(ctx, "scheduled")
			}
		}
	}()
}

// Stop cancels the ticker and waits for a running backup to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RunOnce flushes every component and then archives the store.
func (s *Scheduler) RunOnce(ctx context.Context, reason string) (Archive, error) {
	for _, flusher := range s.flushers {
		if err := flusher.Flush(ctx); err != nil {
			s.logger.Error("flush before backup failed", zap.String("component", flusher.Name()), zap.Error(err))
		}
	}
	return s.Snapshot(ctx, reason)
}

// Snapshot archives what the store currently holds. Failures are logged and
// returned; nothing here is fatal to the caller.
func (s *Scheduler) Snapshot(ctx context.Context, reason string) (Archive, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	archive, err := s.snapshotLocked(ctx, reason)
	if err != nil {
		metrics.BackupRuns.WithLabelValues(reason, "error").Inc()
		s.logger.Error("backup failed", zap.String("reason", reason), zap.Error(err))
		return archive, err
	}
	metrics.BackupRuns.WithLabelValues(reason, "ok").Inc()
	s.logger.Info("backup completed",
		zap.String("reason", reason),
		zap.String("path", archive.Path),
		zap.Int("domains", len(archive.Manifest.Domains)),
	)

	if err := s.prune(); err != nil {
		s.logger.Warn("backup retention failed", zap.Error(err))
	}
	return archive, nil
}

func (s *Scheduler) snapshotLocked(ctx context.Context, reason string) (Archive, error) {
	records, err := s.store.Records(ctx)
	if err != nil {
		return Archive{}, err
	}

	now := s.now().UTC()
	dir, stamp, err := s.reserveDir(now)
	if err != nil {
		return Archive{}, err
	}

	bundle := Bundle{
		Manifest: Manifest{Stamp: stamp, Reason: reason, Backend: s.store.Backend(), CreatedAt: now},
		Domains:  make(map[string]json.RawMessage, len(records)),
	}
	for _, record := range records {
		if err := os.WriteFile(filepath.Join(dir, record.Domain+".json"), record.Payload, 0o644); err != nil {
			return Archive{Path: dir}, fmt.Errorf("write %s: %w", record.Domain, err)
		}
		bundle.Manifest.Domains = append(bundle.Manifest.Domains, record.Domain)
		bundle.Domains[record.Domain] = record.Payload
	}

	manifest, err := json.MarshalIndent(bundle.Manifest, "", "  ")
	if err != nil {
		return Archive{Path: dir}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifest, 0o644); err != nil {
		return Archive{Path: dir}, fmt.Errorf("write manifest: %w", err)
	}

	archive := Archive{Path: dir, Manifest: bundle.Manifest}
	if len(s.dests) == 0 {
		return archive, nil
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return archive, err
	}
	var errs []error
	for _, dest := range s.dests {
		if err := dest.Write(ctx, stamp, data); err != nil {
			s.logger.Error("backup destination write failed", zap.String("destination", dest.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", dest.Name(), err))
		}
	}
	return archive, errors.Join(errs...)
}

func (s *Scheduler) reserveDir(now time.Time) (string, string, error) {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create backup dir: %w", err)
	}
	base := now.Format(stampLayout)
	stamp := base
	for i := 1; ; i++ {
		dir := filepath.Join(s.cfg.Dir, stamp)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, stamp, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", "", fmt.Errorf("create archive dir: %w", err)
		}
		stamp = fmt.Sprintf("%s-%d", base, i)
	}
}

// Archives lists archive directories, oldest first.
func (s *Scheduler) Archives() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && stampPattern.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Scheduler) prune() error {
	if s.cfg.Keep <= 0 {
		return nil
	}
	names, err := s.Archives()
	if err != nil {
		return err
	}
	if len(names) <= s.cfg.Keep {
		return nil
	}
	for _, name := range names[:len(names)-s.cfg.Keep] {
		if err := os.RemoveAll(filepath.Join(s.cfg.Dir, name)); err != nil {
			return err
		}
	}
	return nil
}
