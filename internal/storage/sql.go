package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*/*.sql
var migrations embed.FS

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var ErrUnsupportedDSN = errors.New("storage: unsupported connection string")

// SQLBackend keeps one live row per domain in config_records.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// ParseDSN maps a DATABASE_URL onto a database/sql driver name and DSN.
func ParseDSN(url string) (driver, dsn string, dialect Dialect, err error) {
	url = strings.TrimSpace(url)
	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "pgx", url, DialectPostgres, nil
	case strings.HasPrefix(lower, "sqlite://"):
		path := url[len("sqlite://"):]
		if path == "" {
			return "", "", "", fmt.Errorf("%w: empty sqlite path", ErrUnsupportedDSN)
		}
		return "sqlite", path, DialectSQLite, nil
	case strings.HasPrefix(lower, "file:"), url == ":memory:":
		return "sqlite", url, DialectSQLite, nil
	default:
		return "", "", "", fmt.Errorf("%w: %q", ErrUnsupportedDSN, redact(url))
	}
}

// OpenSQL opens the database named by url, probes it and creates the table.
func OpenSQL(ctx context.Context, url string) (*SQLBackend, error) {
	driver, dsn, dialect, err := ParseDSN(url)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	backend := NewSQLBackend(db, dialect)
	if err := backend.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return backend, nil
}

func NewSQLBackend(db *sql.DB, dialect Dialect) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect, now: time.Now}
}

// Migrate creates config_records if it does not exist yet.
func (b *SQLBackend) Migrate() error {
	goose.SetBaseFS(migrations)
	gooseDialect := "postgres"
	if b.dialect == DialectSQLite {
		gooseDialect = "sqlite3"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	return goose.Up(b.db, "migrations/"+string(b.dialect))
}

func (b *SQLBackend) Name() string {
	return string(b.dialect)
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}

func (b *SQLBackend) Load(ctx context.Context, domain string) (Record, bool, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`
		SELECT payload, updated_at
		FROM config_records
		WHERE domain = $1
		ORDER BY id DESC
		LIMIT 1`), domain)

	var payload []byte
	var updated int64
	if err := row.Scan(&payload, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return Record{Domain: domain, Payload: payload, UpdatedAt: time.Unix(updated, 0)}, true, nil
}

// Save deletes the live row and inserts the new payload in one transaction,
// carrying over the original created_at.
func (b *SQLBackend) Save(ctx context.Context, domain string, payload []byte) (err error) {
	now := b.now().Unix()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	created := now
	var existing sql.NullInt64
	scanErr := tx.QueryRowContext(ctx, b.rebind(`SELECT MIN(created_at) FROM config_records WHERE domain = $1`), domain).Scan(&existing)
	if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
		err = scanErr
		return err
	}
	if existing.Valid {
		created = existing.Int64
	}

	if _, err = tx.ExecContext(ctx, b.rebind(`DELETE FROM config_records WHERE domain = $1`), domain); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, b.rebind(`
		INSERT INTO config_records (domain, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4)`), domain, string(payload), created, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *SQLBackend) List(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT domain, payload, updated_at
		FROM config_records
		ORDER BY domain, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var payload []byte
		var updated int64
		if err := rows.Scan(&record.Domain, &payload, &updated); err != nil {
			return nil, err
		}
		record.Payload = payload
		record.UpdatedAt = time.Unix(updated, 0)
		records = append(records, record)
	}
	return records, rows.Err()
}

var placeholder = regexp.MustCompile(`\$\d+`)

func (b *SQLBackend) rebind(query string) string {
	if b.dialect != DialectSQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

func redact(url string) string {
	if idx := strings.Index(url, "@"); idx >= 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 && scheme < idx {
			return url[:scheme+3] + "***" + url[idx:]
		}
	}
	return url
}
