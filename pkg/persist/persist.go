// Package persist implements the bridge's key/blob persistence layer
// (C3): a small write-buffered store backed by SQLite, used by the
// registry (C5) to save and restore the node directory across
// restarts. The core treats values as opaque blobs and the schema
// version as an opaque integer — interpretation belongs to callers.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"

	"zigbridge/pkg/bus"
	"zigbridge/pkg/events"
	"zigbridge/pkg/ids"
)

const kvSchemaVersion = 1

const kvSchemaSQL = `
CREATE TABLE IF NOT EXISTS kv (
    key   TEXT PRIMARY KEY,
    value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_schema_version (
    version INTEGER PRIMARY KEY
);
`

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = fmt.Errorf("persist: key not found")

type writeEntry struct {
	key   string
	value []byte
	del   bool
}

// Store is a write-buffered key/blob store. Writes accumulate in an
// in-memory buffer of bounded size (writeBufSize) and are applied to
// SQLite as a single transaction on Flush, or immediately once the
// buffer fills.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	path    string
	bufCap  int
	buf     []writeEntry
	bufIdx  map[string]int // key -> index in buf, for coalescing
	emitter func(bus.Type, uint32, []byte)
	clock   func() ids.Tick
}

// Open opens or creates the SQLite-backed store at path and applies
// its schema migration. writeBufSize bounds the number of pending
// writes buffered before an implicit flush.
func Open(path string, writeBufSize int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("persist: create dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("persist: connect db: %w", err)
	}

	s := &Store{
		db:     sqlDB,
		path:   path,
		bufCap: writeBufSize,
		bufIdx: make(map[string]int),
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// SetEventSink wires the store to an event emitter so Flush
// publishes a PERSIST_FLUSH event.
func (s *Store) SetEventSink(emitter func(bus.Type, uint32, []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitter = emitter
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persist: begin migrate tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, kvSchemaSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("persist: apply schema: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_schema_version`).Scan(&count); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("persist: read schema version: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv_schema_version (version) VALUES (?)`, kvSchemaVersion); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("persist: record schema version: %w", err)
		}
	}
	return tx.Commit()
}

// Close flushes pending writes and closes the underlying connection.
func (s *Store) Close() error {
	if err := s.Flush(context.Background()); err != nil {
		log.Warn().Err(err).Msg("persist: flush on close failed")
	}
	return s.db.Close()
}

// Put buffers a write of key=value. The write is not durable until
// Flush (explicit or implicit on buffer-full).
func (s *Store) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)

	if idx, ok := s.bufIdx[key]; ok {
		s.buf[idx] = writeEntry{key: key, value: cp}
	} else {
		s.bufIdx[key] = len(s.buf)
		s.buf = append(s.buf, writeEntry{key: key, value: cp})
	}

	if len(s.buf) >= s.bufCap {
		return s.flushLocked(context.Background())
	}
	return nil
}

// Del buffers a deletion of key.
func (s *Store) Del(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.bufIdx[key]; ok {
		s.buf[idx] = writeEntry{key: key, del: true}
	} else {
		s.bufIdx[key] = len(s.buf)
		s.buf = append(s.buf, writeEntry{key: key, del: true})
	}

	if len(s.buf) >= s.bufCap {
		return s.flushLocked(context.Background())
	}
	return nil
}

// Get returns the value for key, checking the pending write buffer
// first so reads observe unflushed writes.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	if idx, ok := s.bufIdx[key]; ok {
		e := s.buf[idx]
		s.mu.Unlock()
		if e.del {
			return nil, ErrNotFound
		}
		return e.value, nil
	}
	s.mu.Unlock()

	var value []byte
	err := s.db.QueryRowContext(context.Background(), `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persist: get %q: %w", key, err)
	}
	return value, nil
}

// Exists reports whether key has a value, consulting the write buffer
// first.
func (s *Store) Exists(key string) (bool, error) {
	_, err := s.Get(key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Flush applies all buffered writes to SQLite in a single transaction
// and emits a PERSIST_FLUSH event.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Store) flushLocked(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}

	entries := s.buf
	s.buf = nil
	s.bufIdx = make(map[string]int)

	err := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("persist: begin flush tx: %w", err)
		}
		for _, e := range entries {
			if e.del {
				if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, e.key); err != nil {
					_ = tx.Rollback()
					return fmt.Errorf("persist: delete %q: %w", e.key, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO kv (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				e.key, e.value); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("persist: put %q: %w", e.key, err)
			}
		}
		return tx.Commit()
	}()
	if err != nil {
		return err
	}

	if s.emitter != nil {
		s.emitter(events.PersistFlush, 0, nil)
	}
	log.Debug().Int("entries", len(entries)).Msg("persist: flushed")
	return nil
}

// EraseAll deletes every row in the kv table and clears the write
// buffer, without touching the schema version.
func (s *Store) EraseAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	s.bufIdx = make(map[string]int)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return fmt.Errorf("persist: erase all: %w", err)
	}
	return nil
}

// SchemaVersion returns the schema version recorded at migration time.
// Callers may also store their own higher-level schema version under
// an ordinary key (e.g. "schema/registry") — this method only reports
// the kv store's own physical layout version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM kv_schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("persist: schema version: %w", err)
	}
	return v, nil
}

// PendingWrites returns the number of buffered, unflushed writes.
func (s *Store) PendingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
