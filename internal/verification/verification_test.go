package verification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/storage"

	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeDeliverer struct {
	mu        sync.Mutex
	err       error
	delivered []Pending
}

func (d *fakeDeliverer) DeliverCode(ctx context.Context, pending Pending) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.delivered = append(d.delivered, pending)
	return nil
}

type fakeGranter struct {
	mu     sync.Mutex
	err    error
	grants []string
}

func (g *fakeGranter) GrantRole(ctx context.Context, communityID, userID, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.grants = append(g.grants, communityID+"/"+userID+"/"+roleID)
	return nil
}

type harness struct {
	manager *Manager
	store   *storage.Store
	clock   *fakeClock
	deliver *fakeDeliverer
	grant   *fakeGranter
}

func newHarness(t *testing.T, dir string) *harness {
	t.Helper()
	backend, err := storage.NewFileBackend(dir)
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	store := storage.New(backend, zap.NewNop())
	h := &harness{
		store:   store,
		clock:   &fakeClock{now: time.Unix(1_700_000_000, 0)},
		deliver: &fakeDeliverer{},
		grant:   &fakeGranter{},
	}
	h.manager = New(Config{MaxAttempts: 3, TTL: 30 * time.Minute, Difficulty: DifficultyMedium}, store, h.deliver, h.grant, zap.NewNop())
	h.manager.WithClock(h.clock)
	h.manager.WithCodeGenerator(func(Difficulty) (string, error) { return "AbC123", nil })
	h.manager.Load(context.Background())
	return h
}

func TestWrongCodesExhaustChallenge(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()

	if _, err := h.manager.Issue(ctx, "g1", "u1", "", ""); err != nil {
		t.Fatalf("issue: %v", err)
	}
	want := []Outcome{OutcomeWrongCode, OutcomeWrongCode, OutcomeExhausted, OutcomeNoPending}
	for i, expected := range want {
		result, err := h.manager.Attempt(ctx, "u1", "nope")
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if result.Outcome != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, result.Outcome)
		}
	}
	if len(h.grant.grants) != 0 {
		t.Fatalf("no role should be granted")
	}
}

func TestCorrectCodeIsCaseInsensitive(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()
	if _, err := h.manager.UpdateSettings(ctx, "g1", func(s *Settings) {
		s.Enabled = true
		s.RoleID = "verified"
	}); err != nil {
		t.Fatalf("settings: %v", err)
	}

	if _, err := h.manager.Issue(ctx, "g1", "u1", "", ""); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := h.manager.Attempt(ctx, "u1", "wrong"); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	result, err := h.manager.Attempt(ctx, "u1", " abc123 ")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if result.Outcome != OutcomeVerified {
		t.Fatalf("expected verified, got %s", result.Outcome)
	}
	if _, ok := h.manager.Lookup("g1", "u1"); ok {
		t.Fatalf("pending record should be removed")
	}
	if len(h.grant.grants) != 1 || h.grant.grants[0] != "g1/u1/verified" {
		t.Fatalf("unexpected grants %v", h.grant.grants)
	}
}

func TestGrantFailureKeepsChallenge(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()
	h.manager.UpdateSettings(ctx, "g1", func(s *Settings) { s.RoleID = "verified" })
	h.manager.Issue(ctx, "g1", "u1", "", "")

	h.grant.err = errors.New("missing permissions")
	result, err := h.manager.AttemptIn(ctx, "g1", "u1", "ABC123")
	if !errors.Is(err, ErrGrantFailed) || result.Outcome != OutcomeGrantFailed {
		t.Fatalf("expected grant failure, got %s %v", result.Outcome, err)
	}
	pending, ok := h.manager.Lookup("g1", "u1")
	if !ok || pending.AttemptsUsed != 0 {
		t.Fatalf("challenge must survive untouched, got %+v ok=%v", pending, ok)
	}

	h.grant.err = nil
	result, err = h.manager.AttemptIn(ctx, "g1", "u1", "ABC123")
	if err != nil || result.Outcome != OutcomeVerified {
		t.Fatalf("expected verified on retry, got %s %v", result.Outcome, err)
	}
}

func TestExpiredChallenge(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()
	h.manager.Issue(ctx, "g1", "u1", "", "")

	h.clock.Advance(30 * time.Minute)
	result, _ := h.manager.Attempt(ctx, "u1", "ABC123")
	if result.Outcome != OutcomeExpired {
		t.Fatalf("expected expired, got %s", result.Outcome)
	}
	result, _ = h.manager.Attempt(ctx, "u1", "ABC123")
	if result.Outcome != OutcomeNoPending {
		t.Fatalf("expected no pending after expiry, got %s", result.Outcome)
	}
}

func TestDeliveryFailureIsResumable(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()

	h.deliver.err = errors.New("dms closed")
	pending, err := h.manager.Issue(ctx, "g1", "u1", "mod", "")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	if pending.Delivered || pending.Code != "AbC123" || pending.Issuer != "mod" {
		t.Fatalf("unexpected pending %+v", pending)
	}

	h.deliver.err = nil
	pending, err = h.manager.Resend(ctx, "g1", "u1")
	if err != nil || !pending.Delivered {
		t.Fatalf("resend: %+v %v", pending, err)
	}
	if _, err := h.manager.Resend(ctx, "g2", "u1"); !errors.Is(err, ErrNoPending) {
		t.Fatalf("expected no pending, got %v", err)
	}
}

func TestReissueReplacesChallengeInCommunity(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()
	codes := []string{"FIRST1", "SECOND"}
	h.manager.WithCodeGenerator(func(Difficulty) (string, error) {
		code := codes[0]
		codes = codes[1:]
		return code, nil
	})

	h.manager.Issue(ctx, "g1", "u1", "", "")
	h.manager.Attempt(ctx, "u1", "bad")
	h.manager.Issue(ctx, "g1", "u1", "", "")

	pending, ok := h.manager.Lookup("g1", "u1")
	if !ok || pending.Code != "SECOND" || pending.AttemptsUsed != 0 {
		t.Fatalf("expected fresh challenge, got %+v", pending)
	}
}

func TestAttemptResolvesLatestCommunity(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()
	codes := []string{"OLDER1", "NEWER1"}
	h.manager.WithCodeGenerator(func(Difficulty) (string, error) {
		code := codes[0]
		codes = codes[1:]
		return code, nil
	})

	h.manager.Issue(ctx, "g1", "u1", "", "")
	h.clock.Advance(time.Second)
	h.manager.Issue(ctx, "g2", "u1", "", "")

	result, _ := h.manager.Attempt(ctx, "u1", "newer1")
	if result.Outcome != OutcomeVerified || result.Pending.CommunityID != "g2" {
		t.Fatalf("expected g2 verified, got %+v", result)
	}
	if _, ok := h.manager.Lookup("g1", "u1"); !ok {
		t.Fatalf("g1 challenge must be kept")
	}
}

func TestConcurrentAttemptsNeverExceedMax(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()
	h.manager.Issue(ctx, "g1", "u1", "", "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	counts := map[Outcome]int{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, _ := h.manager.Attempt(ctx, "u1", "wrong")
			mu.Lock()
			counts[result.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if counts[OutcomeWrongCode] != 2 || counts[OutcomeExhausted] != 1 || counts[OutcomeNoPending] != 17 {
		t.Fatalf("unexpected outcome counts %v", counts)
	}
}

func TestClearAndStatus(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()
	h.manager.Issue(ctx, "g1", "u2", "", "")
	h.clock.Advance(time.Second)
	h.manager.Issue(ctx, "g1", "u1", "", "")
	h.manager.Issue(ctx, "g2", "u3", "", "")

	status := h.manager.Status("g1")
	if len(status) != 2 || status[0].UserID != "u2" || status[1].UserID != "u1" {
		t.Fatalf("unexpected status %+v", status)
	}
	if !h.manager.Clear(ctx, "g1", "u2") {
		t.Fatalf("expected clear to report existing record")
	}
	if h.manager.Clear(ctx, "g1", "u2") {
		t.Fatalf("second clear should be a no-op")
	}
	if got := h.manager.Status("g1"); len(got) != 1 {
		t.Fatalf("expected one pending, got %+v", got)
	}
}

func TestPendingSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	ctx := context.Background()
	h.manager.UpdateSettings(ctx, "g1", func(s *Settings) { s.Enabled = true; s.Difficulty = DifficultyHard })
	h.manager.Issue(ctx, "g1", "u1", "", "")
	h.manager.Attempt(ctx, "u1", "bad")

	reloaded := newHarness(t, dir)
	pending, ok := reloaded.manager.Lookup("g1", "u1")
	if !ok || pending.AttemptsUsed != 1 || pending.Code != "AbC123" {
		t.Fatalf("expected persisted challenge, got %+v ok=%v", pending, ok)
	}
	if settings := reloaded.manager.Settings("g1"); !settings.Enabled || settings.Difficulty != DifficultyHard || settings.MaxAttempts != 3 {
		t.Fatalf("unexpected settings %+v", settings)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()
	h.manager.Issue(ctx, "g1", "u1", "", "")
	h.clock.Advance(10 * time.Minute)
	h.manager.Issue(ctx, "g1", "u2", "", "")
	h.clock.Advance(25 * time.Minute)

	if removed := h.manager.Sweep(ctx); removed != 1 {
		t.Fatalf("expected one expired challenge, got %d", removed)
	}
	if err := h.manager.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := h.manager.Status("g1"); len(got) != 1 || got[0].UserID != "u2" {
		t.Fatalf("unexpected status %+v", got)
	}
}

func TestGenerateCodeByDifficulty(t *testing.T) {
	for _, tc := range []struct {
		difficulty Difficulty
		length     int
		alphabet   string
	}{
		{DifficultyEasy, 4, digitAlphabet},
		{DifficultyMedium, 6, alphanumAlphabet},
		{DifficultyHard, 10, alphanumAlphabet},
	} {
		code, err := GenerateCode(tc.difficulty)
		if err != nil {
			t.Fatalf("generate %s: %v", tc.difficulty, err)
		}
		if len(code) != tc.length {
			t.Fatalf("%s: expected length %d, got %q", tc.difficulty, tc.length, code)
		}
		for _, r := range code {
			if !strings.ContainsRune(tc.alphabet, r) {
				t.Fatalf("%s: unexpected rune %q in %q", tc.difficulty, r, code)
			}
		}
	}
	if _, ok := ParseDifficulty(" HARD "); !ok {
		t.Fatalf("expected difficulty to parse")
	}
	if _, ok := ParseDifficulty("impossible"); ok {
		t.Fatalf("unknown difficulty must be rejected")
	}
}

func TestIssueNormalizesDifficulty(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()
	var got []Difficulty
	h.manager.WithCodeGenerator(func(d Difficulty) (string, error) {
		got = append(got, d)
		return "AbC123", nil
	})

	if _, err := h.manager.Issue(ctx, "g1", "u1", "", Difficulty(" HARD ")); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := h.manager.UpdateSettings(ctx, "g2", func(s *Settings) { s.Difficulty = "Easy" }); err != nil {
		t.Fatalf("settings: %v", err)
	}
	if _, err := h.manager.Issue(ctx, "g2", "u1", "", ""); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(got) != 2 || got[0] != DifficultyHard || got[1] != DifficultyEasy {
		t.Fatalf("unexpected difficulties %v", got)
	}
}
