package onboarding

import (
	"context"
	"testing"

	"github.com/glutchdiscord-alt/goofguard/internal/storage"

	"go.uber.org/zap"
)

func newManager(t *testing.T, dir string) *Manager {
	t.Helper()
	backend, err := storage.NewFileBackend(dir)
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	manager := New(storage.New(backend, zap.NewNop()), zap.NewNop())
	manager.Load(context.Background())
	return manager
}

func TestRenderPlaceholders(t *testing.T) {
	got := Render("hi {user} ({username}) from {server}, {user}!", Member{UserID: "42", Username: "bob", Server: "Ohio"})
	if got != "hi <@42> (bob) from Ohio, <@42>!" {
		t.Fatalf("unexpected render %q", got)
	}
}

func TestWelcomeMessage(t *testing.T) {
	manager := newManager(t, t.TempDir())
	ctx := context.Background()
	member := Member{UserID: "1", Username: "amy", Server: "S"}

	if _, _, ok := manager.WelcomeMessage("g1", member); ok {
		t.Fatalf("welcome must be off by default")
	}

	manager.UpdateWelcome(ctx, "g1", func(w *Welcome) { w.Enabled = true; w.ChannelID = "c1" })
	manager.pick = func(int) int { return 0 }
	channel, message, ok := manager.WelcomeMessage("g1", member)
	if !ok || channel != "c1" || message != "Welcome to S, <@1>!" {
		t.Fatalf("unexpected default welcome %q %q %v", channel, message, ok)
	}

	manager.UpdateWelcome(ctx, "g1", func(w *Welcome) { w.CustomMessage = "yo {username}" })
	if _, message, _ := manager.WelcomeMessage("g1", member); message != "yo amy" {
		t.Fatalf("unexpected custom welcome %q", message)
	}
}

func TestAutorolesPersist(t *testing.T) {
	dir := t.TempDir()
	manager := newManager(t, dir)
	ctx := context.Background()

	if added, err := manager.AddAutorole(ctx, "g1", "r1"); !added || err != nil {
		t.Fatalf("add: %v %v", added, err)
	}
	if added, _ := manager.AddAutorole(ctx, "g1", "r1"); added {
		t.Fatalf("duplicate add must be rejected")
	}
	manager.AddAutorole(ctx, "g1", "r2")
	if removed, _ := manager.RemoveAutorole(ctx, "g1", "r1"); !removed {
		t.Fatalf("expected removal")
	}
	if removed, _ := manager.RemoveAutorole(ctx, "g1", "missing"); removed {
		t.Fatalf("unknown role must not be removed")
	}

	reloaded := newManager(t, dir)
	roles := reloaded.Autoroles("g1")
	if len(roles) != 1 || roles[0] != "r2" {
		t.Fatalf("unexpected roles after reload %v", roles)
	}
}
