// Package onboarding owns the welcome and autorole domains.
package onboarding

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"github.com/glutchdiscord-alt/goofguard/internal/storage"

	"go.uber.org/zap"
)

type Welcome struct {
	Enabled       bool   `json:"enabled"`
	ChannelID     string `json:"channel_id"`
	CustomMessage string `json:"custom_message,omitempty"`
}

// Member is what a welcome template can refer to.
type Member struct {
	UserID   string
	Username string
	Server   string
}

var defaultTemplates = []string{
	"Welcome to {server}, {user}!",
	"{user} just joined {server}. Say hi!",
	"A wild {user} appeared in {server}.",
}

// Render fills {user}, {username} and {server} in template.
func Render(template string, member Member) string {
	replacer := strings.NewReplacer(
		"{user}", "<@"+member.UserID+">",
		"{username}", member.Username,
		"{server}", member.Server,
	)
	return replacer.Replace(template)
}

type Manager struct {
	store  *storage.Store
	logger *zap.Logger
	pick   func(n int) int

	persistMu sync.Mutex

	mu        sync.RWMutex
	welcome   map[string]Welcome
	autoroles map[string][]string
}

func New(store *storage.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		logger:    logger,
		pick:      rand.IntN,
		welcome:   make(map[string]Welcome),
		autoroles: make(map[string][]string),
	}
}

func (m *Manager) Load(ctx context.Context) {
	welcome := map[string]Welcome{}
	autoroles := map[string][]string{}
	m.store.Load(ctx, storage.DomainWelcome, &welcome)
	m.store.Load(ctx, storage.DomainAutorole, &autoroles)
	if welcome == nil {
		welcome = map[string]Welcome{}
	}
	if autoroles == nil {
		autoroles = map[string][]string{}
	}

	m.mu.Lock()
	m.welcome = welcome
	m.autoroles = autoroles
	m.mu.Unlock()
}

func (m *Manager) Welcome(communityID string) Welcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.welcome[communityID]
}

// WelcomeMessage returns the rendered message for a new member and whether
// one should be posted at all.
func (m *Manager) WelcomeMessage(communityID string, member Member) (string, string, bool) {
	settings := m.Welcome(communityID)
	if !settings.Enabled || settings.ChannelID == "" {
		return "", "", false
	}
	template := settings.CustomMessage
	if template == "" {
		template = defaultTemplates[m.pick(len(defaultTemplates))]
	}
	return settings.ChannelID, Render(template, member), true
}

func (m *Manager) UpdateWelcome(ctx context.Context, communityID string, update func(*Welcome)) (Welcome, error) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	settings := m.welcome[communityID]
	update(&settings)
	m.welcome[communityID] = settings
	snapshot := m.welcomeSnapshotLocked()
	m.mu.Unlock()

	return settings, m.store.Save(ctx, storage.DomainWelcome, snapshot)
}

func (m *Manager) Autoroles(communityID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.autoroles[communityID])
}

// AddAutorole reports false when the role was already in the list.
func (m *Manager) AddAutorole(ctx context.Context, communityID, roleID string) (bool, error) {
	return m.updateAutoroles(ctx, communityID, func(roles []string) ([]string, bool) {
		if slices.Contains(roles, roleID) {
			return roles, false
		}
		return append(roles, roleID), true
	})
}

// RemoveAutorole reports false when the role was not in the list.
func (m *Manager) RemoveAutorole(ctx context.Context, communityID, roleID string) (bool, error) {
	return m.updateAutoroles(ctx, communityID, func(roles []string) ([]string, bool) {
		idx := slices.Index(roles, roleID)
		if idx < 0 {
			return roles, false
		}
		return slices.Delete(roles, idx, idx+1), true
	})
}

func (m *Manager) updateAutoroles(ctx context.Context, communityID string, change func([]string) ([]string, bool)) (bool, error) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	roles, changed := change(slices.Clone(m.autoroles[communityID]))
	if !changed {
		m.mu.Unlock()
		return false, nil
	}
	if len(roles) == 0 {
		delete(m.autoroles, communityID)
	} else {
		m.autoroles[communityID] = roles
	}
	snapshot := m.autorolesSnapshotLocked()
	m.mu.Unlock()

	return true, m.store.Save(ctx, storage.DomainAutorole, snapshot)
}

func (m *Manager) Name() string {
	return "onboarding"
}

func (m *Manager) Flush(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	welcome := m.welcomeSnapshotLocked()
	autoroles := m.autorolesSnapshotLocked()
	m.mu.RUnlock()

	return errors.Join(
		m.store.Save(ctx, storage.DomainWelcome, welcome),
		m.store.Save(ctx, storage.DomainAutorole, autoroles),
	)
}

func (m *Manager) welcomeSnapshotLocked() map[string]Welcome {
	snapshot := make(map[string]Welcome, len(m.welcome))
	for id, w := range m.welcome {
		snapshot[id] = w
	}
	return snapshot
}

func (m *Manager) autorolesSnapshotLocked() map[string][]string {
	snapshot := make(map[string][]string, len(m.autoroles))
	for id, roles := range m.autoroles {
		snapshot[id] = slices.Clone(roles)
	}
	return snapshot
}
