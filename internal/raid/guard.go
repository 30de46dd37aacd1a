// Package raid classifies member joins per community with a sliding window.
// It never acts on a raid itself; see the playbook package for that.
package raid

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/metrics"
	"github.com/glutchdiscord-alt/goofguard/internal/storage"
	"github.com/glutchdiscord-alt/goofguard/internal/utils"

	"go.uber.org/zap"
)

type Verdict string

const (
	VerdictNormal Verdict = "normal"
	VerdictRaid   Verdict = "raid_detected"
)

type Action string

const (
	ActionLockdown Action = "lockdown"
	ActionKick     Action = "kick"
	ActionBan      Action = "ban"
)

func ParseAction(value string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(value))) {
	case ActionLockdown:
		return ActionLockdown, true
	case ActionKick:
		return ActionKick, true
	case ActionBan:
		return ActionBan, true
	default:
		return "", false
	}
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Settings is the per-community payload of the raid_protection domain.
// Communities without a stored entry use the process defaults, enabled.
type Settings struct {
	Enabled        bool   `json:"enabled"`
	Joins          int    `json:"joins"`
	WindowSeconds  int    `json:"window_seconds"`
	Action         Action `json:"action"`
	AlertChannelID string `json:"alert_channel_id"`
}

func (s Settings) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

// Lock is the persisted lock flag for one community.
type Lock struct {
	Locked bool      `json:"locked"`
	Since  time.Time `json:"since"`
	Action Action    `json:"action"`
	Joins  int       `json:"joins"`
}

// Decision is the classification of one join. Triggered is set only on the
// join that moved the community from unlocked to locked; Batch then holds
// the members that joined inside the window.
type Decision struct {
	CommunityID string
	Verdict     Verdict
	Triggered   bool
	Joins       int
	Action      Action
	Batch       []string
}

type Status struct {
	Settings Settings
	Lock     Lock
	Joins    int
}

type Guard struct {
	defaults Settings
	store    *storage.Store
	logger   *zap.Logger
	clock    Clock

	persistMu sync.Mutex

	mu       sync.Mutex
	settings map[string]Settings
	locks    map[string]Lock
	windows  map[string]*utils.SlidingWindow
}

func New(defaults Settings, store *storage.Store, logger *zap.Logger) *Guard {
	defaults.Enabled = true
	if defaults.Joins <= 0 {
		defaults.Joins = 10
	}
	if defaults.WindowSeconds <= 0 {
		defaults.WindowSeconds = 30
	}
	if _, ok := ParseAction(string(defaults.Action)); !ok {
		defaults.Action = ActionLockdown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		defaults: defaults,
		store:    store,
		logger:   logger,
		clock:    realClock{},
		settings: make(map[string]Settings),
		locks:    make(map[string]Lock),
		windows:  make(map[string]*utils.SlidingWindow),
	}
}

func (g *Guard) WithClock(clock Clock) {
	g.clock = clock
}

// Load restores settings and lock flags. Join windows are not persisted and
// start empty after a restart.
func (g *Guard) Load(ctx context.Context) {
	settings := map[string]Settings{}
	locks := map[string]Lock{}
	g.store.Load(ctx, storage.DomainRaidProtection, &settings)
	g.store.Load(ctx, storage.DomainRaidLockdowns, &locks)
	if settings == nil {
		settings = map[string]Settings{}
	}
	if locks == nil {
		locks = map[string]Lock{}
	}
	for id, lock := range locks {
		if !lock.Locked {
			delete(locks, id)
		}
	}

	g.mu.Lock()
	g.settings = settings
	g.locks = locks
	g.windows = make(map[string]*utils.SlidingWindow)
	g.mu.Unlock()

	if len(locks) > 0 {
		g.logger.Warn("communities still locked from previous run", zap.Int("count", len(locks)))
	}
}

func (g *Guard) Settings(communityID string) Settings {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settingsLocked(communityID)
}

func (g *Guard) settingsLocked(communityID string) Settings {
	settings, ok := g.settings[communityID]
	if !ok {
		return g.defaults
	}
	if settings.Joins <= 0 {
		settings.Joins = g.defaults.Joins
	}
	if settings.WindowSeconds <= 0 {
		settings.WindowSeconds = g.defaults.WindowSeconds
	}
	if _, ok := ParseAction(string(settings.Action)); !ok {
		settings.Action = g.defaults.Action
	}
	return settings
}

func (g *Guard) UpdateSettings(ctx context.Context, communityID string, update func(*Settings)) (Settings, error) {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	g.mu.Lock()
	settings := g.settingsLocked(communityID)
	update(&settings)
	g.settings[communityID] = settings
	if window := g.windows[communityID]; window != nil {
		window.SetWindow(settings.Window())
	}
	snapshot := make(map[string]Settings, len(g.settings))
	for id, s := range g.settings {
		snapshot[id] = s
	}
	g.mu.Unlock()

	return settings, g.store.Save(ctx, storage.DomainRaidProtection, snapshot)
}

// RecordJoin adds a join to the community window and classifies it.
func (g *Guard) RecordJoin(ctx context.Context, communityID, userID string) Decision {
	now := g.clock.Now()

	g.mu.Lock()
	settings := g.settingsLocked(communityID)
	if !settings.Enabled {
		g.mu.Unlock()
		return Decision{CommunityID: communityID, Verdict: VerdictNormal}
	}

	window := g.windows[communityID]
	if window == nil {
		window = utils.NewSlidingWindow(settings.Window())
		g.windows[communityID] = window
	}
	count := window.AddKey(now, userID)
	decision := Decision{CommunityID: communityID, Verdict: VerdictNormal, Joins: count, Action: settings.Action}

	if lock := g.locks[communityID]; lock.Locked {
		decision.Verdict = VerdictRaid
		decision.Action = lock.Action
		g.mu.Unlock()
		metrics.RaidVerdicts.WithLabelValues(string(VerdictRaid)).Inc()
		return decision
	}
	if count < settings.Joins {
		g.mu.Unlock()
		metrics.RaidVerdicts.WithLabelValues(string(VerdictNormal)).Inc()
		return decision
	}

	decision.Verdict = VerdictRaid
	decision.Triggered = true
	decision.Batch = window.Keys(now)
	g.locks[communityID] = Lock{Locked: true, Since: now, Action: settings.Action, Joins: count}
	g.mu.Unlock()

	metrics.RaidVerdicts.WithLabelValues(string(VerdictRaid)).Inc()
	g.logger.Warn("raid detected",
		zap.String("guild_id", communityID),
		zap.Int("joins", count),
		zap.Int("threshold", settings.Joins),
		zap.Int("window_seconds", settings.WindowSeconds),
		zap.String("action", string(settings.Action)),
	)
	_ = g.persistLocks(ctx)
	return decision
}

// Reset clears the lock flag and the join window. It reports whether the
// community was locked.
func (g *Guard) Reset(ctx context.Context, communityID string) bool {
	g.mu.Lock()
	wasLocked := g.locks[communityID].Locked
	delete(g.locks, communityID)
	if window := g.windows[communityID]; window != nil {
		window.Reset()
	}
	g.mu.Unlock()

	if wasLocked {
		g.logger.Info("raid lock lifted", zap.String("guild_id", communityID))
		_ = g.persistLocks(ctx)
	}
	return wasLocked
}

func (g *Guard) Status(communityID string) Status {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	status := Status{Settings: g.settingsLocked(communityID), Lock: g.locks[communityID]}
	if window := g.windows[communityID]; window != nil {
		status.Joins = window.Count(now)
	}
	return status
}

// Locks returns the communities currently locked.
func (g *Guard) Locks() map[string]Lock {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locksSnapshotLocked()
}

func (g *Guard) Name() string {
	return "raid"
}

func (g *Guard) Flush(ctx context.Context) error {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	g.mu.Lock()
	settings := make(map[string]Settings, len(g.settings))
	for id, s := range g.settings {
		settings[id] = s
	}
	locks := g.locksSnapshotLocked()
	g.mu.Unlock()

	return errors.Join(
		g.store.Save(ctx, storage.DomainRaidProtection, settings),
		g.store.Save(ctx, storage.DomainRaidLockdowns, locks),
	)
}

func (g *Guard) persistLocks(ctx context.Context) error {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	g.mu.Lock()
	snapshot := g.locksSnapshotLocked()
	g.mu.Unlock()
	return g.store.Save(ctx, storage.DomainRaidLockdowns, snapshot)
}

func (g *Guard) locksSnapshotLocked() map[string]Lock {
	snapshot := make(map[string]Lock, len(g.locks))
	for id, lock := range g.locks {
		snapshot[id] = lock
	}
	return snapshot
}
