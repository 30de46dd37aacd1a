package leveling

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/metrics"
	"github.com/glutchdiscord-alt/goofguard/internal/storage"
	"github.com/glutchdiscord-alt/goofguard/internal/utils"

	"go.uber.org/zap"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Record struct {
	CommunityID  string `json:"community_id"`
	UserID       string `json:"user_id"`
	XP           int    `json:"xp"`
	Level        int    `json:"level"`
	MessageCount int    `json:"message_count"`
	LastGainAt   int64  `json:"last_gain_at"`
	Seq          uint64 `json:"seq"`
}

type Settings struct {
	Enabled           bool   `json:"enabled"`
	AnnounceChannelID string `json:"announce_channel_id"`
}

// Result describes one activity event. Suppressed means the cooldown was
// still running and nothing changed.
type Result struct {
	Record     Record
	Gained     int
	LeveledUp  bool
	Suppressed bool
}

type Config struct {
	Cooldown time.Duration
	XPMin    int
	XPMax    int
}

// LevelForXP is floor(sqrt(xp/100)) + 1.
func LevelForXP(xp int) int {
	if xp < 0 {
		xp = 0
	}
	level := 1
	for XPRequired(level+1) <= xp {
		level++
	}
	return level
}

// XPRequired is the total XP at which level is reached: (level-1)^2 * 100.
func XPRequired(level int) int {
	if level <= 1 {
		return 0
	}
	step := level - 1
	return step * step * 100
}

type Engine struct {
	cfg    Config
	store  *storage.Store
	logger *zap.Logger
	clock  Clock
	intn   func(n int) int

	keys      *utils.KeyedMutex
	persistMu sync.Mutex

	mu       sync.RWMutex
	records  map[string]map[string]*Record
	settings map[string]Settings
	nextSeq  uint64
}

func New(cfg Config, store *storage.Store, logger *zap.Logger) *Engine {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.XPMin <= 0 {
		cfg.XPMin = 15
	}
	if cfg.XPMax < cfg.XPMin {
		cfg.XPMax = cfg.XPMin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		clock:    realClock{},
		intn:     rand.IntN,
		keys:     utils.NewKeyedMutex(),
		records:  make(map[string]map[string]*Record),
		settings: make(map[string]Settings),
		nextSeq:  1,
	}
}

func (e *Engine) WithClock(clock Clock) {
	e.clock = clock
}

// WithRand replaces the XP delta source; intn(n) must return [0, n).
func (e *Engine) WithRand(intn func(n int) int) {
	e.intn = intn
}

func (e *Engine) Load(ctx context.Context) {
	records := map[string]map[string]*Record{}
	settings := map[string]Settings{}
	e.store.Load(ctx, storage.DomainLeveling, &records)
	e.store.Load(ctx, storage.DomainLevelingSettings, &settings)
	if records == nil {
		records = map[string]map[string]*Record{}
	}
	if settings == nil {
		settings = map[string]Settings{}
	}

	var maxSeq uint64
	for communityID, community := range records {
		for userID, record := range community {
			if record == nil {
				delete(community, userID)
				continue
			}
			record.CommunityID = communityID
			record.UserID = userID
			if record.XP < 0 {
				record.XP = 0
			}
			record.Level = LevelForXP(record.XP)
			if record.Seq > maxSeq {
				maxSeq = record.Seq
			}
		}
	}

	e.mu.Lock()
	e.records = records
	e.settings = settings
	e.nextSeq = maxSeq + 1
	e.mu.Unlock()

	e.logger.Info("leveling state loaded", zap.Int("communities", len(records)))
}

func (e *Engine) Settings(communityID string) Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings[communityID]
}

func (e *Engine) UpdateSettings(ctx context.Context, communityID string, update func(*Settings)) (Settings, error) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	settings := e.settings[communityID]
	update(&settings)
	e.settings[communityID] = settings
	snapshot := make(map[string]Settings, len(e.settings))
	for id, s := range e.settings {
		snapshot[id] = s
	}
	e.mu.Unlock()

	return settings, e.store.Save(ctx, storage.DomainLevelingSettings, snapshot)
}

// RecordActivity grants XP for one qualifying event unless the user gained
// XP less than the cooldown ago.
func (e *Engine) RecordActivity(ctx context.Context, communityID, userID string) Result {
	unlock := e.keys.Lock(communityID + "/" + userID)
	defer unlock()

	now := e.clock.Now()

	e.mu.Lock()
	record := e.records[communityID][userID]
	if record != nil && record.LastGainAt != 0 && now.Sub(time.Unix(record.LastGainAt, 0)) < e.cfg.Cooldown {
		current := *record
		e.mu.Unlock()
		metrics.XPSuppressed.Inc()
		return Result{Record: current, Suppressed: true}
	}
	if record == nil {
		community := e.records[communityID]
		if community == nil {
			community = make(map[string]*Record)
			e.records[communityID] = community
		}
		record = &Record{CommunityID: communityID, UserID: userID, Level: 1, Seq: e.nextSeq}
		e.nextSeq++
		community[userID] = record
	}

	gained := e.cfg.XPMin + e.intn(e.cfg.XPMax-e.cfg.XPMin+1)
	previous := record.Level
	record.XP += gained
	record.MessageCount++
	record.LastGainAt = gainStamp(now)
	record.Level = LevelForXP(record.XP)
	result := Result{Record: *record, Gained: gained, LeveledUp: record.Level > previous}
	e.mu.Unlock()

	metrics.XPGrants.Inc()
	if result.LeveledUp {
		metrics.LevelUps.Inc()
		e.logger.Info("level up", zap.String("guild_id", communityID), zap.String("user_id", userID), zap.Int("level", result.Record.Level))
	}
	_ = e.persist(ctx)
	return result
}

// Get returns the user's record, or a level 1 record when there is none.
// Nothing is stored until the first activity.
func (e *Engine) Get(communityID, userID string) Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if record := e.records[communityID][userID]; record != nil {
		return *record
	}
	return Record{CommunityID: communityID, UserID: userID, Level: 1}
}

// Leaderboard returns up to topN records by XP, ties in first-seen order.
func (e *Engine) Leaderboard(communityID string, topN int) []Record {
	e.mu.RLock()
	out := make([]Record, 0, len(e.records[communityID]))
	for _, record := range e.records[communityID] {
		out = append(out, *record)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	sort.SliceStable(out, func(i, j int) bool { return out[i].XP > out[j].XP })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// Rank is the 1-based leaderboard position, 0 when the user has no record.
func (e *Engine) Rank(communityID, userID string) int {
	for i, record := range e.Leaderboard(communityID, 0) {
		if record.UserID == userID {
			return i + 1
		}
	}
	return 0
}

func (e *Engine) Name() string {
	return "leveling"
}

func (e *Engine) Flush(ctx context.Context) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.RLock()
	records := e.snapshotLocked()
	settings := make(map[string]Settings, len(e.settings))
	for id, s := range e.settings {
		settings[id] = s
	}
	e.mu.RUnlock()

	return errors.Join(
		e.store.Save(ctx, storage.DomainLeveling, records),
		e.store.Save(ctx, storage.DomainLevelingSettings, settings),
	)
}

func (e *Engine) persist(ctx context.Context) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.RLock()
	snapshot := e.snapshotLocked()
	e.mu.RUnlock()
	return e.store.Save(ctx, storage.DomainLeveling, snapshot)
}

func (e *Engine) snapshotLocked() map[string]map[string]Record {
	snapshot := make(map[string]map[string]Record, len(e.records))
	for communityID, community := range e.records {
		inner := make(map[string]Record, len(community))
		for userID, record := range community {
			inner[userID] = *record
		}
		snapshot[communityID] = inner
	}
	return snapshot
}

// gainStamp rounds up to the next whole second so a stored gain is never
// earlier than the real one and the cooldown cannot end early.
func gainStamp(now time.Time) int64 {
	secs := now.Unix()
	if now.Nanosecond() > 0 {
		secs++
	}
	return secs
}
