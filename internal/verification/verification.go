// Package verification runs the join challenge state machine:
// NONE -> PENDING -> {VERIFIED, EXHAUSTED, EXPIRED}, with PENDING -> NONE on
// an administrative clear.
package verification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/metrics"
	"github.com/glutchdiscord-alt/goofguard/internal/storage"
	"github.com/glutchdiscord-alt/goofguard/internal/utils"

	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeVerified    Outcome = "verified"
	OutcomeWrongCode   Outcome = "wrong_code"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeNoPending   Outcome = "no_pending"
	OutcomeExpired     Outcome = "expired"
	OutcomeGrantFailed Outcome = "grant_failed"
)

var (
	ErrNoPending      = errors.New("verification: no pending challenge")
	ErrDeliveryFailed = errors.New("verification: code delivery failed")
	ErrGrantFailed    = errors.New("verification: role grant failed")
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deliverer sends a challenge code to the user out of band.
type Deliverer interface {
	DeliverCode(ctx context.Context, pending Pending) error
}

// RoleGranter applies the verified role in the community.
type RoleGranter interface {
	GrantRole(ctx context.Context, communityID, userID, roleID string) error
}

// Settings is the per-community payload of the verification domain.
type Settings struct {
	Enabled      bool       `json:"enabled"`
	RoleID       string     `json:"role_id"`
	Difficulty   Difficulty `json:"difficulty"`
	MaxAttempts  int        `json:"max_attempts"`
	LogChannelID string     `json:"log_channel_id"`
}

type Pending struct {
	UserID       string    `json:"user_id"`
	CommunityID  string    `json:"community_id"`
	Code         string    `json:"challenge_code"`
	AttemptsUsed int       `json:"attempts_used"`
	MaxAttempts  int       `json:"max_attempts"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Issuer       string    `json:"issuer,omitempty"`
	Delivered    bool      `json:"delivered"`
}

func (p Pending) Remaining() int {
	if left := p.MaxAttempts - p.AttemptsUsed; left > 0 {
		return left
	}
	return 0
}

func (p Pending) expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

type Config struct {
	MaxAttempts int
	TTL         time.Duration
	Difficulty  Difficulty
}

// Result is what an attempt resolved to. Pending is the record the attempt
// was matched against, zero when the outcome is OutcomeNoPending.
type Result struct {
	Outcome Outcome
	Pending Pending
}

type Manager struct {
	cfg      Config
	store    *storage.Store
	logger   *zap.Logger
	clock    Clock
	generate func(Difficulty) (string, error)
	deliver  Deliverer
	grant    RoleGranter

	users     *utils.KeyedMutex
	persistMu sync.Mutex

	mu       sync.RWMutex
	settings map[string]Settings
	pending  map[string]map[string]*Pending
}

func New(cfg Config, store *storage.Store, deliver Deliverer, grant RoleGranter, logger *zap.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if _, ok := ParseDifficulty(string(cfg.Difficulty)); !ok {
		cfg.Difficulty = DifficultyMedium
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		clock:    realClock{},
		generate: GenerateCode,
		deliver:  deliver,
		grant:    grant,
		users:    utils.NewKeyedMutex(),
		settings: make(map[string]Settings),
		pending:  make(map[string]map[string]*Pending),
	}
}

func (m *Manager) WithClock(clock Clock) {
	m.clock = clock
}

func (m *Manager) WithCodeGenerator(generate func(Difficulty) (string, error)) {
	m.generate = generate
}

// Load replaces in-memory state with the stored domains. Unreadable domains
// start empty.
func (m *Manager) Load(ctx context.Context) {
	settings := map[string]Settings{}
	pending := map[string]map[string]*Pending{}
	m.store.Load(ctx, storage.DomainVerification, &settings)
	m.store.Load(ctx, storage.DomainPendingVerifications, &pending)
	if settings == nil {
		settings = map[string]Settings{}
	}
	if pending == nil {
		pending = map[string]map[string]*Pending{}
	}

	m.mu.Lock()
	m.settings = settings
	m.pending = pending
	m.mu.Unlock()

	m.logger.Info("verification state loaded", zap.Int("communities", len(settings)), zap.Int("pending_communities", len(pending)))
}

// Settings returns the community settings with process defaults filled in.
func (m *Manager) Settings(communityID string) Settings {
	m.mu.RLock()
	settings := m.settings[communityID]
	m.mu.RUnlock()
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = m.cfg.MaxAttempts
	}
	if parsed, ok := ParseDifficulty(string(settings.Difficulty)); ok {
		settings.Difficulty = parsed
	} else {
		settings.Difficulty = m.cfg.Difficulty
	}
	return settings
}

func (m *Manager) UpdateSettings(ctx context.Context, communityID string, update func(*Settings)) (Settings, error) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	settings := m.settings[communityID]
	update(&settings)
	m.settings[communityID] = settings
	snapshot := make(map[string]Settings, len(m.settings))
	for id, s := range m.settings {
		snapshot[id] = s
	}
	m.mu.Unlock()

	return settings, m.store.Save(ctx, storage.DomainVerification, snapshot)
}

// Issue creates a challenge for the user, replacing any earlier one in the
// same community. The challenge is stored before delivery; a delivery
// failure comes back wrapped in ErrDeliveryFailed and the challenge stays
// pending with Delivered unset so Resend can retry.
func (m *Manager) Issue(ctx context.Context, communityID, userID, issuer string, difficulty Difficulty) (Pending, error) {
	unlock := m.users.Lock(userID)
	defer unlock()

	settings := m.Settings(communityID)
	if parsed, ok := ParseDifficulty(string(difficulty)); ok {
		difficulty = parsed
	} else {
		difficulty = settings.Difficulty
	}
	code, err := m.generate(difficulty)
	if err != nil {
		return Pending{}, fmt.Errorf("generate code: %w", err)
	}

	now := m.clock.Now()
	record := &Pending{
		UserID:      userID,
		CommunityID: communityID,
		Code:        code,
		MaxAttempts: settings.MaxAttempts,
		IssuedAt:    now,
		Issuer:      issuer,
	}
	if m.cfg.TTL > 0 {
		record.ExpiresAt = now.Add(m.cfg.TTL)
	}

	m.mu.Lock()
	community := m.pending[communityID]
	if community == nil {
		community = make(map[string]*Pending)
		m.pending[communityID] = community
	}
	community[userID] = record
	m.mu.Unlock()
	metrics.VerificationIssued.Inc()

	deliverErr := m.deliverLocked(ctx, record)
	m.persistPending(ctx)
	return *record, deliverErr
}

// Resend delivers the current code again without changing it.
func (m *Manager) Resend(ctx context.Context, communityID, userID string) (Pending, error) {
	unlock := m.users.Lock(userID)
	defer unlock()

	record := m.lookup(communityID, userID)
	if record == nil {
		return Pending{}, ErrNoPending
	}
	if record.expired(m.clock.Now()) {
		m.remove(communityID, userID)
		m.persistPending(ctx)
		return Pending{}, ErrNoPending
	}
	err := m.deliverLocked(ctx, record)
	m.persistPending(ctx)
	return m.copyOf(record), err
}

// Attempt checks code against the user's most recently issued challenge in
// any community.
func (m *Manager) Attempt(ctx context.Context, userID, code string) (Result, error) {
	unlock := m.users.Lock(userID)
	defer unlock()

	return m.attemptLocked(ctx, m.latestFor(userID), code)
}

// AttemptIn checks code against the user's challenge in one community.
func (m *Manager) AttemptIn(ctx context.Context, communityID, userID, code string) (Result, error) {
	unlock := m.users.Lock(userID)
	defer unlock()

	return m.attemptLocked(ctx, m.lookup(communityID, userID), code)
}

func (m *Manager) attemptLocked(ctx context.Context, record *Pending, code string) (Result, error) {
	if record == nil {
		metrics.VerificationOutcomes.WithLabelValues(string(OutcomeNoPending)).Inc()
		return Result{Outcome: OutcomeNoPending}, nil
	}
	communityID, userID := record.CommunityID, record.UserID

	if record.expired(m.clock.Now()) {
		snapshot := m.copyOf(record)
		m.remove(communityID, userID)
		m.persistPending(ctx)
		return m.finish(OutcomeExpired, snapshot), nil
	}

	if strings.EqualFold(strings.TrimSpace(code), record.Code) {
		roleID := m.Settings(communityID).RoleID
		if roleID != "" && m.grant != nil {
			if err := m.grant.GrantRole(ctx, communityID, userID, roleID); err != nil {
				m.logger.Warn("verified role grant failed", zap.String("guild_id", communityID), zap.String("user_id", userID), zap.Error(err))
				return m.finish(OutcomeGrantFailed, m.copyOf(record)), fmt.Errorf("%w: %v", ErrGrantFailed, err)
			}
		}
		snapshot := m.copyOf(record)
		m.remove(communityID, userID)
		m.persistPending(ctx)
		return m.finish(OutcomeVerified, snapshot), nil
	}

	m.mu.Lock()
	record.AttemptsUsed++
	exhausted := record.AttemptsUsed >= record.MaxAttempts
	snapshot := *record
	m.mu.Unlock()

	if exhausted {
		m.remove(communityID, userID)
		m.persistPending(ctx)
		return m.finish(OutcomeExhausted, snapshot), nil
	}
	m.persistPending(ctx)
	return m.finish(OutcomeWrongCode, snapshot), nil
}

// Clear drops the user's challenge in the community. It reports whether one
// existed.
func (m *Manager) Clear(ctx context.Context, communityID, userID string) bool {
	unlock := m.users.Lock(userID)
	defer unlock()

	if m.lookup(communityID, userID) == nil {
		return false
	}
	m.remove(communityID, userID)
	m.persistPending(ctx)
	return true
}

// Status lists live challenges in the community, oldest first.
func (m *Manager) Status(communityID string) []Pending {
	now := m.clock.Now()
	m.mu.RLock()
	out := make([]Pending, 0, len(m.pending[communityID]))
	for _, record := range m.pending[communityID] {
		if record.expired(now) {
			continue
		}
		out = append(out, *record)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

// Lookup returns the user's live challenge in the community.
func (m *Manager) Lookup(communityID, userID string) (Pending, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record := m.pending[communityID][userID]
	if record == nil || record.expired(m.clock.Now()) {
		return Pending{}, false
	}
	return *record, true
}

// Sweep drops expired challenges and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()
	removed := 0
	m.mu.Lock()
	for communityID, community := range m.pending {
		for userID, record := range community {
			if record.expired(now) {
				delete(community, userID)
				removed++
			}
		}
		if len(community) == 0 {
			delete(m.pending, communityID)
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.persistPending(ctx)
	}
	return removed
}

func (m *Manager) Name() string {
	return "verification"
}

// Flush sweeps expired challenges and writes both domains.
func (m *Manager) Flush(ctx context.Context) error {
	m.Sweep(ctx)

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	settings := make(map[string]Settings, len(m.settings))
	for id, s := range m.settings {
		settings[id] = s
	}
	pending := m.pendingSnapshotLocked()
	m.mu.RUnlock()

	return errors.Join(
		m.store.Save(ctx, storage.DomainVerification, settings),
		m.store.Save(ctx, storage.DomainPendingVerifications, pending),
	)
}

func (m *Manager) deliverLocked(ctx context.Context, record *Pending) error {
	if m.deliver == nil {
		return nil
	}
	err := m.deliver.DeliverCode(ctx, m.copyOf(record))
	m.mu.Lock()
	record.Delivered = err == nil
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("challenge delivery failed", zap.String("guild_id", record.CommunityID), zap.String("user_id", record.UserID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

func (m *Manager) finish(outcome Outcome, record Pending) Result {
	metrics.VerificationOutcomes.WithLabelValues(string(outcome)).Inc()
	m.logger.Info("verification attempt",
		zap.String("guild_id", record.CommunityID),
		zap.String("user_id", record.UserID),
		zap.String("outcome", string(outcome)),
		zap.Int("attempts_used", record.AttemptsUsed),
	)
	return Result{Outcome: outcome, Pending: record}
}

func (m *Manager) lookup(communityID, userID string) *Pending {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending[communityID][userID]
}

func (m *Manager) latestFor(userID string) *Pending {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Pending
	for _, community := range m.pending {
		record := community[userID]
		if record == nil {
			continue
		}
		if latest == nil || record.IssuedAt.After(latest.IssuedAt) {
			latest = record
		}
	}
	return latest
}

func (m *Manager) copyOf(record *Pending) Pending {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *record
}

func (m *Manager) remove(communityID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	community := m.pending[communityID]
	delete(community, userID)
	if len(community) == 0 {
		delete(m.pending, communityID)
	}
}

// persistPending writes the pending domain. Errors are logged by the store;
// in-memory state stays authoritative until the next save.
func (m *Manager) persistPending(ctx context.Context) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	snapshot := m.pendingSnapshotLocked()
	m.mu.RUnlock()

	_ = m.store.Save(ctx, storage.DomainPendingVerifications, snapshot)
}

func (m *Manager) pendingSnapshotLocked() map[string]map[string]Pending {
	snapshot := make(map[string]map[string]Pending, len(m.pending))
	for communityID, community := range m.pending {
		inner := make(map[string]Pending, len(community))
		for userID, record := range community {
			inner[userID] = *record
		}
		snapshot[communityID] = inner
	}
	return snapshot
}
