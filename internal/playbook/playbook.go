package playbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/modules/audit"
	"github.com/glutchdiscord-alt/goofguard/internal/raid"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (t realTimer) Stop() bool { return t.t.Stop() }

// Moderator performs the remote moderation calls.
type Moderator interface {
	Lockdown(ctx context.Context, guildID string) error
	Unlock(ctx context.Context, guildID string) error
	Kick(ctx context.Context, guildID, userID, reason string) error
	Ban(ctx context.Context, guildID, userID, reason string) error
}

// Resetter clears the classifier state once a lockdown is lifted.
type Resetter interface {
	Reset(ctx context.Context, guildID string) bool
}

type Config struct {
	AutoLiftMinutes int
}

type State struct {
	Active  bool
	Action  raid.Action
	Since   time.Time
	LiftAt  time.Time
	Removed int
}

type Engine struct {
	mu        sync.Mutex
	cfg       Config
	clock     Clock
	moderator Moderator
	guard     Resetter
	audit     *audit.Logger
	states    map[string]*State
	timers    map[string]Timer
}

func New(cfg Config, moderator Moderator, guard Resetter, auditLogger *audit.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		clock:     realClock{},
		moderator: moderator,
		guard:     guard,
		audit:     auditLogger,
		states:    make(map[string]*State),
		timers:    make(map[string]Timer),
	}
}

func (e *Engine) WithClock(clock Clock) {
	e.clock = clock
}

// Execute runs the protective action for a decision that just locked its
// community. Later decisions for an already active community are ignored.
func (e *Engine) Execute(ctx context.Context, decision raid.Decision) bool {
	if !decision.Triggered {
		return false
	}
	guildID := decision.CommunityID

	e.mu.Lock()
	state := e.stateLocked(guildID)
	if state.Active {
		e.mu.Unlock()
		return false
	}
	now := e.clock.Now()
	state.Active = true
	state.Action = decision.Action
	state.Since = now
	state.Removed = 0
	e.mu.Unlock()

	detail := fmt.Sprintf("type=RAID action=%s joins=%d batch=%d", decision.Action, decision.Joins, len(decision.Batch))
	e.audit.Log(ctx, audit.LevelWarn, guildID, "", "raid_detected", detail)

	switch decision.Action {
	case raid.ActionKick, raid.ActionBan:
		removed := e.removeBatch(ctx, guildID, decision.Action, decision.Batch)
		e.mu.Lock()
		if state := e.states[guildID]; state != nil && state.Active {
			state.Removed = removed
		}
		e.mu.Unlock()
	default:
		if err := e.moderator.Lockdown(ctx, guildID); err != nil {
			e.audit.Log(ctx, audit.LevelCrit, guildID, "", "raid_lockdown", "lockdown failed: "+err.Error())
		} else {
			e.audit.Log(ctx, audit.LevelWarn, guildID, "", "raid_lockdown", "lockdown initiated")
		}
	}

	e.scheduleLift(ctx, guildID, now)
	return true
}

// Restore marks a community locked by a previous run as active so a later
// Lift undoes it, and re-arms the auto-lift timer for the remaining time.
func (e *Engine) Restore(ctx context.Context, guildID string, lock raid.Lock) {
	if !lock.Locked {
		return
	}
	e.mu.Lock()
	state := e.stateLocked(guildID)
	state.Active = true
	state.Action = lock.Action
	state.Since = lock.Since
	e.mu.Unlock()

	e.scheduleLift(ctx, guildID, lock.Since)
}

// Lift ends the protective action and resets the classifier. It reports
// whether anything was active.
func (e *Engine) Lift(ctx context.Context, guildID string) bool {
	e.mu.Lock()
	if timer := e.timers[guildID]; timer != nil {
		timer.Stop()
		delete(e.timers, guildID)
	}
	state := e.states[guildID]
	delete(e.states, guildID)
	e.mu.Unlock()

	wasActive := state != nil && state.Active
	if wasActive && (state.Action == raid.ActionLockdown || state.Action == "") {
		if err := e.moderator.Unlock(ctx, guildID); err != nil {
			e.audit.Log(ctx, audit.LevelCrit, guildID, "", "raid_lockdown", "unlock failed: "+err.Error())
		}
	}
	guardLocked := false
	if e.guard != nil {
		guardLocked = e.guard.Reset(ctx, guildID)
	}

	if !wasActive && !guardLocked {
		return false
	}
	e.audit.Log(ctx, audit.LevelInfo, guildID, "", "raid_lockdown", "lockdown ended")
	return true
}

func (e *Engine) State(guildID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.states[guildID]
	if state == nil {
		return State{}
	}
	return *state
}

func (e *Engine) removeBatch(ctx context.Context, guildID string, action raid.Action, batch []string) int {
	reason := "Raid protection: mass join detected"
	removed := 0
	for _, userID := range batch {
		var err error
		if action == raid.ActionBan {
			err = e.moderator.Ban(ctx, guildID, userID, reason)
		} else {
			err = e.moderator.Kick(ctx, guildID, userID, reason)
		}
		if err != nil {
			e.audit.Log(ctx, audit.LevelWarn, guildID, userID, "raid_"+string(action), "failed: "+err.Error())
			continue
		}
		removed++
	}
	e.audit.Log(ctx, audit.LevelWarn, guildID, "", "raid_"+string(action), fmt.Sprintf("removed=%d of %d", removed, len(batch)))
	return removed
}

func (e *Engine) scheduleLift(ctx context.Context, guildID string, since time.Time) {
	if e.cfg.AutoLiftMinutes <= 0 {
		return
	}
	liftAt := since.Add(time.Duration(e.cfg.AutoLiftMinutes) * time.Minute)
	delay := liftAt.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	liftCtx := context.WithoutCancel(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.states[guildID]
	if state == nil || !state.Active {
		return
	}
	if timer := e.timers[guildID]; timer != nil {
		timer.Stop()
	}
	state.LiftAt = liftAt
	e.timers[guildID] = e.clock.AfterFunc(delay, func() {
		e.Lift(liftCtx, guildID)
	})
}

func (e *Engine) stateLocked(guildID string) *State {
	state := e.states[guildID]
	if state == nil {
		state = &State{}
		e.states[guildID] = state
	}
	return state
}
