package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileBackend stores each domain as <dir>/<domain>.json. Writes go through a
// temp file and rename, so a reader sees either the old or the new file.
type FileBackend struct {
	dir    string
	mu     sync.RWMutex
	closed bool
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) Name() string {
	return "file"
}

func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *FileBackend) Path(domain string) string {
	return filepath.Join(b.dir, domain+".json")
}

func (b *FileBackend) Load(ctx context.Context, domain string) (Record, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Record{}, false, ErrClosed
	}
	return b.readLocked(domain)
}

func (b *FileBackend) Save(ctx context.Context, domain string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("%w: %s", ErrCorrupt, domain)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return writeFileAtomic(b.Path(domain), payload)
}

func (b *FileBackend) List(ctx context.Context) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	matches, err := filepath.Glob(filepath.Join(b.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	records := make([]Record, 0, len(matches))
	for _, match := range matches {
		domain := strings.TrimSuffix(filepath.Base(match), ".json")
		if validateDomain(domain) != nil {
			continue
		}
		record, found, err := b.readLocked(domain)
		if err != nil {
			return nil, err
		}
		if found {
			records = append(records, record)
		}
	}
	return records, nil
}

func (b *FileBackend) readLocked(domain string) (Record, bool, error) {
	path := b.Path(domain)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	if !json.Valid(data) {
		return Record{}, false, fmt.Errorf("%w: %s", ErrCorrupt, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Record{}, false, err
	}
	return Record{Domain: domain, Payload: data, UpdatedAt: info.ModTime()}, true, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
