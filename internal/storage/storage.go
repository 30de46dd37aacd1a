package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/metrics"
	"github.com/glutchdiscord-alt/goofguard/internal/utils"

	"go.uber.org/zap"
)

const (
	DomainVerification         = "verification"
	DomainPendingVerifications = "pending_verifications"
	DomainAutorole             = "autorole"
	DomainRaidProtection       = "raid_protection"
	DomainRaidLockdowns        = "raid_lockdowns"
	DomainLevelingSettings     = "leveling_settings"
	DomainLeveling             = "leveling"
	DomainWelcome              = "welcome"
	DomainTicket               = "ticket"
)

var (
	ErrClosed        = errors.New("storage: closed")
	ErrInvalidDomain = errors.New("storage: invalid domain name")
	ErrCorrupt       = errors.New("storage: corrupt payload")
)

var domainPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// KnownDomains lists every domain the bot owns, in backup order.
func KnownDomains() []string {
	return []string{
		DomainVerification,
		DomainPendingVerifications,
		DomainAutorole,
		DomainRaidProtection,
		DomainRaidLockdowns,
		DomainLevelingSettings,
		DomainLeveling,
		DomainWelcome,
		DomainTicket,
	}
}

// Record is one stored domain payload.
type Record struct {
	Domain    string
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// Backend persists whole domain payloads. Save replaces the stored payload;
// readers never observe a partially written one.
type Backend interface {
	Name() string
	Load(ctx context.Context, domain string) (Record, bool, error)
	Save(ctx context.Context, domain string, payload []byte) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Store is the configuration store every component routes durable state
// through. Saves to one domain are serialized; loads never fail.
type Store struct {
	backend Backend
	logger  *zap.Logger
	locks   *utils.KeyedMutex
}

func New(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		logger:  logger,
		locks:   utils.NewKeyedMutex(),
	}
}

func (s *Store) Backend() string {
	return s.backend.Name()
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Load decodes the domain payload into out. A missing domain, a backend
// error and a corrupt payload all leave out at its zero value; the last two
// are logged. It reports whether a payload was decoded.
func (s *Store) Load(ctx context.Context, domain string, out any) bool {
	if err := validateDomain(domain); err != nil {
		s.logger.Error("config load rejected", zap.String("domain", domain), zap.Error(err))
		return false
	}
	record, found, err := s.backend.Load(ctx, domain)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("load").Inc()
		resetValue(out)
		s.logger.Error("config load failed, starting empty", zap.String("domain", domain), zap.String("backend", s.backend.Name()), zap.Error(err))
		return false
	}
	if !found || len(record.Payload) == 0 {
		return false
	}
	if err := json.Unmarshal(record.Payload, out); err != nil {
		metrics.StoreErrors.WithLabelValues("decode").Inc()
		resetValue(out)
		s.logger.Error("config payload corrupt, starting empty", zap.String("domain", domain), zap.Error(err))
		return false
	}
	return true
}

// LoadRaw returns the stored payload, or "{}" when absent or unreadable.
func (s *Store) LoadRaw(ctx context.Context, domain string) json.RawMessage {
	var raw json.RawMessage
	if !s.Load(ctx, domain, &raw) || len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// Save replaces the full domain payload.
func (s *Store) Save(ctx context.Context, domain string, payload any) error {
	if err := validateDomain(domain); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", domain, err)
	}

	unlock := s.locks.Lock(domain)
	defer unlock()

	if err := s.backend.Save(ctx, domain, data); err != nil {
		metrics.StoreErrors.WithLabelValues("save").Inc()
		s.logger.Error("config save failed", zap.String("domain", domain), zap.String("backend", s.backend.Name()), zap.Error(err))
		return fmt.Errorf("save %s: %w", domain, err)
	}
	return nil
}

// Records lists every stored domain payload, for export and backup.
func (s *Store) Records(ctx context.Context) ([]Record, error) {
	records, err := s.backend.List(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

func validateDomain(domain string) error {
	if !domainPattern.MatchString(domain) {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return nil
}

func resetValue(out any) {
	value := reflect.ValueOf(out)
	if value.Kind() != reflect.Pointer || value.IsNil() {
		return
	}
	elem := value.Elem()
	elem.Set(reflect.Zero(elem.Type()))
}
