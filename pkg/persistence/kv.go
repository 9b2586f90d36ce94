package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Known KV collections.
const (
	CollectionAgentProfile    = "agent_profile"
	CollectionTaskOutcome     = "task_outcome"
	CollectionProjectSnapshot = "project_snapshot"
	CollectionDecisions       = "decisions"
	CollectionArtifacts       = "artifacts"
	CollectionAssignments     = "assignments"
)

// KV is the tagged map (collection, key) → value used for agent profiles,
// task outcomes, project snapshots, decisions, artifacts and assignments.
// Values are JSON documents.
type KV interface {
	// Get unmarshals the value at (collection, key) into out. Returns
	// (false, nil) when the key does not exist.
	Get(collection, key string, out interface{}) (bool, error)
	// Put marshals value and stores it at (collection, key).
	Put(collection, key string, value interface{}) error
	// Delete removes (collection, key). Deleting a missing key is a no-op.
	Delete(collection, key string) error
	// Scan returns all keys in a collection with the given prefix, sorted.
	// An empty prefix matches every key.
	Scan(collection, prefix string) ([]string, error)
	// Flush forces pending writes to disk.
	Flush() error
	// Close releases the store.
	Close() error
}

// ---------------------------------------------------------------------------
// SQLite implementation
// ---------------------------------------------------------------------------

// SQLiteKV is the durable KV store backed by a single sqlite database in
// WAL mode.
type SQLiteKV struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteKV opens (creating if needed) the database at path.
func NewSQLiteKV(path string) (*SQLiteKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create kv dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open kv db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, key)
	);

	CREATE INDEX IF NOT EXISTS idx_kv_collection ON kv(collection);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init kv schema: %w", err)
	}

	return &SQLiteKV{db: db}, nil
}

func (s *SQLiteKV) Get(collection, key string, out interface{}) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(
		"SELECT value FROM kv WHERE collection = ? AND key = ?",
		collection, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", collection, key, err)
	}
	return true, nil
}

func (s *SQLiteKV) Put(collection, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO kv (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		collection, key, string(data), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *SQLiteKV) Delete(collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM kv WHERE collection = ? AND key = ?", collection, key)
	return err
}

func (s *SQLiteKV) Scan(collection, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT key FROM kv WHERE collection = ? AND key LIKE ? ORDER BY key",
		collection, prefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteKV) Flush() error {
	// WAL checkpoint pushes pending pages into the main db file.
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *SQLiteKV) Close() error {
	s.Flush()
	return s.db.Close()
}

var _ KV = (*SQLiteKV)(nil)

// ---------------------------------------------------------------------------
// In-memory implementation (tests, ephemeral mode)
// ---------------------------------------------------------------------------

// MemoryKV is a map-backed KV store.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]map[string]string // collection -> key -> json
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]map[string]string)}
}

func (m *MemoryKV) Get(collection, key string, out interface{}) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	col, ok := m.data[collection]
	if !ok {
		return false, nil
	}
	raw, ok := col[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal([]byte(raw), out)
}

func (m *MemoryKV) Put(collection, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]string)
	}
	m.data[collection][key] = string(data)
	return nil
}

func (m *MemoryKV) Delete(collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if col, ok := m.data[collection]; ok {
		delete(col, key)
	}
	return nil
}

func (m *MemoryKV) Scan(collection, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data[collection] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryKV) Flush() error { return nil }
func (m *MemoryKV) Close() error { return nil }

var _ KV = (*MemoryKV)(nil)
