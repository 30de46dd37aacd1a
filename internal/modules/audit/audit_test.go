package audit

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogLevelsAndNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewLogger(zap.New(core))

	var relayed []Entry
	logger.SetNotifier(func(ctx context.Context, entry Entry) {
		relayed = append(relayed, entry)
	})

	ctx := context.Background()
	logger.Log(ctx, LevelInfo, "g1", "", "raid_lift", "manual")
	logger.Log(ctx, LevelWarn, "g1", "u1", "raid_kick", "failed")
	logger.Log(ctx, LevelCrit, "g1", "", "raid_lockdown", "unlock failed")

	want := []zapcore.Level{zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	entries := logs.All()
	if len(entries) != len(want) {
		t.Fatalf("expected %d log entries, got %d", len(want), len(entries))
	}
	for i, entry := range entries {
		if entry.Level != want[i] {
			t.Fatalf("entry %d logged at %s, want %s", i, entry.Level, want[i])
		}
	}
	if entries[1].ContextMap()["user_id"] != "u1" {
		t.Fatalf("missing user field: %v", entries[1].ContextMap())
	}
	if len(relayed) != 3 || relayed[2].Event != "raid_lockdown" || relayed[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected relayed entries %+v", relayed)
	}
}
