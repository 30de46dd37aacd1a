package main

import (
	"context"
	"net/http"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/backup"
	"github.com/glutchdiscord-alt/goofguard/internal/bot"
	"github.com/glutchdiscord-alt/goofguard/internal/config"
	"github.com/glutchdiscord-alt/goofguard/internal/leveling"
	"github.com/glutchdiscord-alt/goofguard/internal/metrics"
	"github.com/glutchdiscord-alt/goofguard/internal/modules/audit"
	"github.com/glutchdiscord-alt/goofguard/internal/onboarding"
	"github.com/glutchdiscord-alt/goofguard/internal/playbook"
	"github.com/glutchdiscord-alt/goofguard/internal/raid"
	"github.com/glutchdiscord-alt/goofguard/internal/shutdown"
	"github.com/glutchdiscord-alt/goofguard/internal/storage"
	"github.com/glutchdiscord-alt/goofguard/internal/verification"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.RequireToken(); err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Options{DatabaseURL: cfg.DatabaseURL, DataDir: cfg.DataDir}, logger)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}

	session, err := bot.NewSession(cfg.DiscordToken)
	if err != nil {
		logger.Fatal("discord session init failed", zap.Error(err))
	}
	moderator := bot.NewModerator(session, logger.Named("moderator"))
	deliverer := bot.NewDMDeliverer(session, cfg.Delivery.DMRatePerSecond, cfg.Delivery.DMBurst)

	difficulty, _ := verification.ParseDifficulty(cfg.Verification.Difficulty)
	verifier := verification.New(verification.Config{
		MaxAttempts: cfg.Verification.MaxAttempts,
		TTL:         cfg.Verification.TTL,
		Difficulty:  difficulty,
	}, store, deliverer, moderator, logger.Named("verification"))
	levels := leveling.New(leveling.Config{
		Cooldown: cfg.Leveling.Cooldown,
		XPMin:    cfg.Leveling.XPMin,
		XPMax:    cfg.Leveling.XPMax,
	}, store, logger.Named("leveling"))
	action, _ := raid.ParseAction(cfg.Raid.Action)
	guard := raid.New(raid.Settings{
		Joins:         cfg.Raid.Joins,
		WindowSeconds: cfg.Raid.WindowSeconds,
		Action:        action,
	}, store, logger.Named("raid"))
	greeter := onboarding.New(store, logger.Named("onboarding"))

	verifier.Load(ctx)
	levels.Load(ctx)
	guard.Load(ctx)
	greeter.Load(ctx)

	auditLogger := audit.NewLogger(logger.Named("audit"))
	playbookEngine := playbook.New(playbook.Config{AutoLiftMinutes: cfg.Raid.AutoLiftMinutes}, moderator, guard, auditLogger)
	for guildID, lock := range guard.Locks() {
		playbookEngine.Restore(ctx, guildID, lock)
	}

	flushers := []backup.Flusher{verifier, levels, guard, greeter}
	scheduler := backup.New(backup.Config{
		Dir:      cfg.Backup.Dir,
		Interval: cfg.Backup.Interval,
		Keep:     cfg.Backup.Keep,
	}, store, logger.Named("backup"), flushers...)
	if cfg.Backup.S3.Bucket != "" {
		dest, err := backup.NewS3Destination(ctx, cfg.Backup.S3.Bucket, cfg.Backup.S3.Prefix, cfg.Backup.S3.Region, cfg.Backup.S3.Endpoint)
		if err != nil {
			logger.Warn("s3 backup destination disabled", zap.Error(err))
		} else {
			scheduler.AddDestination(dest)
		}
	}
	scheduler.Start()

	botSvc, err := bot.New(cfg, logger, session, moderator, bot.Deps{
		Verification: verifier,
		Leveling:     levels,
		Raid:         guard,
		Playbook:     playbookEngine,
		Onboarding:   greeter,
		Backup:       scheduler,
		Audit:        auditLogger,
	})
	if err != nil {
		logger.Fatal("bot init failed", zap.Error(err))
	}
	if err := botSvc.Start(); err != nil {
		logger.Fatal("bot start failed", zap.Error(err))
	}
	logger.Info("bot started", zap.String("backend", store.Backend()))

	var server *http.Server
	if cfg.Health.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.Handle("/metrics", metrics.Handler())
		server = &http.Server{Addr: cfg.Health.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", zap.Error(err))
			}
		}()
	}

	coordinator := shutdown.New(scheduler, logger.Named("shutdown"), flushers...)
	coordinator.Wait(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	scheduler.Stop()
	botSvc.Close(stopCtx)
	if server != nil {
		_ = server.Shutdown(stopCtx)
	}
	if err := coordinator.Shutdown(ctx); err != nil {
		logger.Error("shutdown finished with errors", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
