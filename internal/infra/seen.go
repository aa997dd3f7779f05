package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fpt/klein-relay/internal/repository"
)

// SQLiteSeenRepository stores last-seen lines in a SQLite database
type SQLiteSeenRepository struct {
	db *sql.DB
}

// NewSQLiteSeenRepository opens (creating if needed) the database at path.
// ":memory:" gives a private in-memory database.
func NewSQLiteSeenRepository(path string) (*SQLiteSeenRepository, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create seen directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seen database: %w", err)
	}
	// a single connection keeps ":memory:" one database
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS seen (
		who_key TEXT PRIMARY KEY,
		who     TEXT NOT NULL,
		channel TEXT NOT NULL,
		text    TEXT NOT NULL,
		at      INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create seen table: %w", err)
	}
	return &SQLiteSeenRepository{db: db}, nil
}

func (r *SQLiteSeenRepository) Record(ctx context.Context, entry repository.SeenEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO seen (who_key, who, channel, text, at)
		VALUES (?, ?, ?, ?, ?)`,
		strings.ToLower(entry.Who), entry.Who, entry.Channel, entry.Text, entry.At.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", entry.Who, err)
	}
	return nil
}

func (r *SQLiteSeenRepository) Lookup(ctx context.Context, who string) (repository.SeenEntry, bool, error) {
	var (
		entry repository.SeenEntry
		at    int64
	)
	row := r.db.QueryRowContext(ctx, `
		SELECT who, channel, text, at FROM seen WHERE who_key = ?`, strings.ToLower(who))
	if err := row.Scan(&entry.Who, &entry.Channel, &entry.Text, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.SeenEntry{}, false, nil
		}
		return repository.SeenEntry{}, false, fmt.Errorf("failed to look up %s: %w", who, err)
	}
	entry.At = time.Unix(0, at)
	return entry, true, nil
}

func (r *SQLiteSeenRepository) Close() error { return r.db.Close() }

// InMemorySeenRepository keeps last-seen lines in a map
type InMemorySeenRepository struct {
	mu      sync.RWMutex
	entries map[string]repository.SeenEntry
}

func NewInMemorySeenRepository() *InMemorySeenRepository {
	return &InMemorySeenRepository{entries: make(map[string]repository.SeenEntry)}
}

func (r *InMemorySeenRepository) Record(_ context.Context, entry repository.SeenEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(entry.Who)] = entry
	return nil
}

func (r *InMemorySeenRepository) Lookup(_ context.Context, who string) (repository.SeenEntry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[strings.ToLower(who)]
	return entry, ok, nil
}

func (r *InMemorySeenRepository) Close() error { return nil }
