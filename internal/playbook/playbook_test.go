package playbook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/modules/audit"
	"github.com/glutchdiscord-alt/goofguard/internal/raid"

	"go.uber.org/zap"
)

type fakeTimer struct {
	stop bool
	fn   func()
}

func (t *fakeTimer) Stop() bool {
	t.stop = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	delays []time.Duration
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fn: fn}
	f.timers = append(f.timers, t)
	f.delays = append(f.delays, d)
	return t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	pending := append([]*fakeTimer{}, f.timers...)
	f.timers = nil
	f.delays = nil
	f.mu.Unlock()
	for _, timer := range pending {
		if !timer.stop {
			timer.fn()
		}
	}
}

type fakeModerator struct {
	mu        sync.Mutex
	lockdowns int
	unlocks   int
	kicked    []string
	banned    []string
	failUser  string
	onKick    func(userID string)
}

func (m *fakeModerator) Lockdown(ctx context.Context, guildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockdowns++
	return nil
}

func (m *fakeModerator) Unlock(ctx context.Context, guildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlocks++
	return nil
}

func (m *fakeModerator) Kick(ctx context.Context, guildID, userID, reason string) error {
	if m.onKick != nil {
		m.onKick(userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if userID == m.failUser {
		return errors.New("missing permissions")
	}
	m.kicked = append(m.kicked, userID)
	return nil
}

func (m *fakeModerator) Ban(ctx context.Context, guildID, userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.banned = append(m.banned, userID)
	return nil
}

type fakeResetter struct {
	resets []string
}

func (r *fakeResetter) Reset(ctx context.Context, guildID string) bool {
	r.resets = append(r.resets, guildID)
	return true
}

func newEngine(autoLift int) (*Engine, *fakeModerator, *fakeResetter, *fakeClock) {
	moderator := &fakeModerator{}
	resetter := &fakeResetter{}
	engine := New(Config{AutoLiftMinutes: autoLift}, moderator, resetter, audit.NewLogger(zap.NewNop()))
	clock := &fakeClock{now: time.Unix(0, 0)}
	engine.WithClock(clock)
	return engine, moderator, resetter, clock
}

func TestLockdownRunsOncePerTrigger(t *testing.T) {
	engine, moderator, _, _ := newEngine(0)
	ctx := context.Background()
	decision := raid.Decision{CommunityID: "g1", Verdict: raid.VerdictRaid, Triggered: true, Action: raid.ActionLockdown, Joins: 10}

	if !engine.Execute(ctx, decision) {
		t.Fatalf("expected execution")
	}
	if engine.Execute(ctx, decision) {
		t.Fatalf("second trigger must be ignored while active")
	}
	followUp := decision
	followUp.Triggered = false
	if engine.Execute(ctx, followUp) {
		t.Fatalf("non-trigger decisions must be ignored")
	}
	if moderator.lockdowns != 1 {
		t.Fatalf("expected one lockdown, got %d", moderator.lockdowns)
	}
	if state := engine.State("g1"); !state.Active || state.Action != raid.ActionLockdown {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestAutoLiftResetsGuard(t *testing.T) {
	engine, moderator, resetter, clock := newEngine(1)
	ctx := context.Background()
	engine.Execute(ctx, raid.Decision{CommunityID: "g1", Triggered: true, Action: raid.ActionLockdown})

	if state := engine.State("g1"); !state.LiftAt.Equal(time.Unix(60, 0)) {
		t.Fatalf("unexpected lift time %v", state.LiftAt)
	}
	clock.Advance(2 * time.Minute)

	if state := engine.State("g1"); state.Active {
		t.Fatalf("expected lockdown ended")
	}
	if moderator.unlocks != 1 || len(resetter.resets) != 1 {
		t.Fatalf("expected unlock and reset, got unlocks=%d resets=%v", moderator.unlocks, resetter.resets)
	}
}

func TestManualLiftCancelsTimer(t *testing.T) {
	engine, moderator, _, clock := newEngine(5)
	ctx := context.Background()
	engine.Execute(ctx, raid.Decision{CommunityID: "g1", Triggered: true, Action: raid.ActionLockdown})

	if !engine.Lift(ctx, "g1") {
		t.Fatalf("expected lift")
	}
	clock.Advance(10 * time.Minute)
	if moderator.unlocks != 1 {
		t.Fatalf("timer must not unlock again, got %d", moderator.unlocks)
	}
}

func TestKickRemovesBatch(t *testing.T) {
	engine, moderator, _, _ := newEngine(0)
	moderator.failUser = "u2"
	engine.Execute(context.Background(), raid.Decision{
		CommunityID: "g1",
		Triggered:   true,
		Action:      raid.ActionKick,
		Batch:       []string{"u1", "u2", "u3"},
	})

	if len(moderator.kicked) != 2 || moderator.lockdowns != 0 {
		t.Fatalf("unexpected moderation calls kicked=%v lockdowns=%d", moderator.kicked, moderator.lockdowns)
	}
	if state := engine.State("g1"); state.Removed != 2 {
		t.Fatalf("expected two removals, got %+v", state)
	}
}

func TestRestoreRearmsRemainingTime(t *testing.T) {
	engine, moderator, _, clock := newEngine(10)
	clock.now = time.Unix(0, 0).Add(4 * time.Minute)
	engine.Restore(context.Background(), "g1", raid.Lock{Locked: true, Since: time.Unix(0, 0), Action: raid.ActionLockdown})

	clock.mu.Lock()
	delay := clock.delays[0]
	clock.mu.Unlock()
	if delay != 6*time.Minute {
		t.Fatalf("expected 6m remaining, got %v", delay)
	}
	clock.Advance(delay)
	if moderator.unlocks != 1 {
		t.Fatalf("expected restored lockdown to lift")
	}
}

func TestLiftDuringRemovalLeavesNoState(t *testing.T) {
	engine, moderator, resetter, clock := newEngine(5)
	ctx := context.Background()
	moderator.onKick = func(userID string) {
		if userID == "u1" {
			engine.Lift(ctx, "g1")
		}
	}

	engine.Execute(ctx, raid.Decision{
		CommunityID: "g1",
		Triggered:   true,
		Action:      raid.ActionKick,
		Batch:       []string{"u1", "u2"},
	})

	if state := engine.State("g1"); state.Active || state.Removed != 0 || !state.LiftAt.IsZero() {
		t.Fatalf("lifted community must have no state, got %+v", state)
	}
	if len(clock.timers) != 0 {
		t.Fatalf("no auto-lift may be armed after a manual lift, got %d timers", len(clock.timers))
	}
	if len(resetter.resets) != 1 {
		t.Fatalf("expected one guard reset, got %v", resetter.resets)
	}
}
