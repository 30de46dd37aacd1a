package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken string             `yaml:"discord_token"`
	DatabaseURL  string             `yaml:"database_url"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	Health       HealthConfig       `yaml:"health"`
	Backup       BackupConfig       `yaml:"backup"`
	Verification VerificationConfig `yaml:"verification"`
	Leveling     LevelingConfig     `yaml:"leveling"`
	Raid         RaidConfig         `yaml:"raid"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type BackupConfig struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
	Keep     int           `yaml:"keep"`
	S3       S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

type VerificationConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	TTL         time.Duration `yaml:"ttl"`
	Difficulty  string        `yaml:"difficulty"`
}

type LevelingConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`
	XPMin    int           `yaml:"xp_min"`
	XPMax    int           `yaml:"xp_max"`
}

type RaidConfig struct {
	Joins           int    `yaml:"joins"`
	WindowSeconds   int    `yaml:"window_seconds"`
	Action          string `yaml:"action"`
	AutoLiftMinutes int    `yaml:"auto_lift_minutes"`
}

type DeliveryConfig struct {
	DMRatePerSecond float64 `yaml:"dm_rate_per_second"`
	DMBurst         int     `yaml:"dm_burst"`
}

// FieldError reports a configuration value that parsed but is out of range.
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config %s=%q: %s", e.Field, e.Value, e.Reason)
}

func DefaultConfig() Config {
	return Config{
		DataDir:  "data",
		LogLevel: "info",
		Health:   HealthConfig{Enabled: false, Addr: ":8080"},
		Backup: BackupConfig{
			Dir:      "backups",
			Interval: time.Hour,
			Keep:     24,
			S3:       S3Config{Region: "us-east-1", Prefix: "goofguard"},
		},
		Verification: VerificationConfig{MaxAttempts: 3, TTL: 30 * time.Minute, Difficulty: "medium"},
		Leveling:     LevelingConfig{Cooldown: 60 * time.Second, XPMin: 15, XPMax: 25},
		Raid:         RaidConfig{Joins: 10, WindowSeconds: 30, Action: "lockdown"},
		Delivery:     DeliveryConfig{DMRatePerSecond: 2, DMBurst: 5},
	}
}

// Load reads config.yaml (or CONFIG_PATH) and applies environment overrides.
// The Discord token is not checked here; callers that open a gateway
// session call RequireToken.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Raid.Action = normalizeAction(cfg.Raid.Action)
	cfg.Verification.Difficulty = normalizeDifficulty(cfg.Verification.Difficulty)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) RequireToken() error {
	if c.DiscordToken == "" {
		return errors.New("DISCORD_BOT_TOKEN is required")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.DiscordToken = envString("DISCORD_BOT_TOKEN", cfg.DiscordToken)
	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)
	cfg.DataDir = envString("DATA_DIR", cfg.DataDir)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Backup.Dir = envString("BACKUP_DIR", cfg.Backup.Dir)
	cfg.Backup.Keep = envInt("BACKUP_KEEP", cfg.Backup.Keep)
	cfg.Backup.S3.Bucket = envString("BACKUP_S3_BUCKET", cfg.Backup.S3.Bucket)
	cfg.Backup.S3.Region = envString("BACKUP_S3_REGION", cfg.Backup.S3.Region)
	cfg.Backup.S3.Endpoint = envString("BACKUP_S3_ENDPOINT", cfg.Backup.S3.Endpoint)
	cfg.Backup.S3.Prefix = envString("BACKUP_S3_PREFIX", cfg.Backup.S3.Prefix)
	cfg.Verification.MaxAttempts = envInt("VERIFY_MAX_ATTEMPTS", cfg.Verification.MaxAttempts)
	cfg.Verification.Difficulty = envString("VERIFY_DIFFICULTY", cfg.Verification.Difficulty)
	cfg.Leveling.XPMin = envInt("LEVEL_XP_MIN", cfg.Leveling.XPMin)
	cfg.Leveling.XPMax = envInt("LEVEL_XP_MAX", cfg.Leveling.XPMax)
	cfg.Raid.Joins = envInt("RAID_JOINS", cfg.Raid.Joins)
	cfg.Raid.WindowSeconds = envInt("RAID_WINDOW_SECONDS", cfg.Raid.WindowSeconds)
	cfg.Raid.Action = envString("RAID_ACTION", cfg.Raid.Action)
	cfg.Raid.AutoLiftMinutes = envInt("RAID_AUTO_LIFT_MINUTES", cfg.Raid.AutoLiftMinutes)
	cfg.Delivery.DMRatePerSecond = envFloat("DM_RATE_PER_SECOND", cfg.Delivery.DMRatePerSecond)
	cfg.Delivery.DMBurst = envInt("DM_BURST", cfg.Delivery.DMBurst)

	var err error
	if cfg.Backup.Interval, err = envDuration("BACKUP_INTERVAL", cfg.Backup.Interval); err != nil {
		return err
	}
	if cfg.Verification.TTL, err = envDuration("VERIFY_TTL", cfg.Verification.TTL); err != nil {
		return err
	}
	if cfg.Leveling.Cooldown, err = envDuration("LEVEL_COOLDOWN", cfg.Leveling.Cooldown); err != nil {
		return err
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.Verification.MaxAttempts < 1 {
		return &FieldError{Field: "verification.max_attempts", Value: strconv.Itoa(cfg.Verification.MaxAttempts), Reason: "must be at least 1"}
	}
	if cfg.Leveling.XPMin < 0 || cfg.Leveling.XPMax < cfg.Leveling.XPMin {
		return &FieldError{Field: "leveling.xp_max", Value: strconv.Itoa(cfg.Leveling.XPMax), Reason: "must be >= xp_min >= 0"}
	}
	if cfg.Raid.Joins < 1 {
		return &FieldError{Field: "raid.joins", Value: strconv.Itoa(cfg.Raid.Joins), Reason: "must be at least 1"}
	}
	if cfg.Raid.WindowSeconds < 1 {
		return &FieldError{Field: "raid.window_seconds", Value: strconv.Itoa(cfg.Raid.WindowSeconds), Reason: "must be at least 1"}
	}
	if cfg.Backup.Interval < 0 {
		return &FieldError{Field: "backup.interval", Value: cfg.Backup.Interval.String(), Reason: "must not be negative"}
	}
	return nil
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(strings.ToLower(level)))
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, &FieldError{Field: key, Value: value, Reason: "not a duration"}
	}
	return parsed, nil
}

func normalizeAction(value string) string {
	switch strings.ToLower(value) {
	case "kick", "ban":
		return strings.ToLower(value)
	default:
		return "lockdown"
	}
}

func normalizeDifficulty(value string) string {
	switch strings.ToLower(value) {
	case "easy", "hard":
		return strings.ToLower(value)
	default:
		return "medium"
	}
}
