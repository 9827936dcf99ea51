// Package store implements the hub's Durable Store contract: named
// key-value tables on disk with explicit per-write sync, startup
// corruption repair, and a compaction hook. It is backed by
// modernc.org/sqlite, the teacher's barely-used pure-Go SQLite driver,
// now fully wired: each named table is its own database file holding a
// single (key, value) table, matching the "single-file key->value store"
// contract in the wire-format section of the specification.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/logging"

	_ "modernc.org/sqlite"
)

var log = logging.New("STORE")

// Store opens and tracks the named Tables living under one data directory.
type Store struct {
	dataDir string

	mu     sync.Mutex
	tables map[string]*Table
}

// NewStore returns a Store rooted at dataDir, creating the directory if
// necessary.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	return &Store{dataDir: dataDir, tables: make(map[string]*Table)}, nil
}

// Open opens (creating if absent) the named table. Repeated calls with the
// same name return the same *Table.
func (s *Store) Open(name string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[name]; ok {
		return t, nil
	}

	path := filepath.Join(s.dataDir, name+".db")
	t, err := openTable(name, path)
	if err != nil {
		return nil, err
	}
	s.tables[name] = t
	return t, nil
}

// CloseAll closes every opened table; used during supervisor shutdown.
func (s *Store) CloseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, t := range s.tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close table %s: %w", name, err)
		}
	}
	s.tables = make(map[string]*Table)
	return firstErr
}

// Table is a single named durable key-value table.
type Table struct {
	name string
	path string

	mu sync.Mutex // enforces the single-writer discipline spec.md assigns to owning actors
	db *sql.DB
}

func openTable(name, path string) (*Table, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open table %s: %w", name, err)
	}
	db.SetMaxOpenConns(1) // single-writer, single-file: avoid concurrent sqlite handles

	if _, err := db.Exec(`PRAGMA synchronous = FULL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("table %s: set synchronous pragma: %w", name, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = DELETE`); err != nil {
		db.Close()
		return nil, fmt.Errorf("table %s: set journal_mode pragma: %w", name, err)
	}

	if err := repairIfCorrupt(db, name, path); err != nil {
		db.Close()
		return nil, err
	}
	if db.Ping() != nil {
		// repair closed db after rebuilding the file; open the rebuilt file.
		return openTable(name, path)
	}

	schema := `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("table %s: create schema: %w", name, err)
	}

	return &Table{name: name, path: path, db: db}, nil
}

// repairIfCorrupt runs PRAGMA integrity_check on open; if the table file
// is truncated or corrupt, it attempts a best-effort repair by copying
// every row that is still readable into a fresh file and replacing the
// original. If that salvage pass itself fails, the error is returned so
// startup can fail fatally rather than silently discard history (spec §7).
func repairIfCorrupt(db *sql.DB, name, path string) error {
	var result string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		// The file may predate schema creation (integrity_check still works
		// on an empty/new file), so a query error here means the file itself
		// could not be read as a SQLite database.
		return repair(db, name, path)
	}
	if result != "ok" {
		log.Printf("table %s failed integrity check (%s), attempting repair", name, result)
		return repair(db, name, path)
	}
	return nil
}

func repair(db *sql.DB, name, path string) error {
	rows, err := db.Query(`SELECT key, value FROM kv`)
	type kv struct {
		key   string
		value []byte
	}
	var salvaged []kv
	if err == nil {
		for rows.Next() {
			var k string
			var v []byte
			if err := rows.Scan(&k, &v); err != nil {
				continue
			}
			salvaged = append(salvaged, kv{k, v})
		}
		rows.Close()
	}

	badPath := path + ".corrupt"
	db.Close()
	if err := os.Rename(path, badPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("table %s: repair: rename corrupt file: %w", name, err)
	}

	fresh, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("table %s: repair: reopen: %w", name, err)
	}
	if _, err := fresh.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value BLOB NOT NULL)`); err != nil {
		fresh.Close()
		return fmt.Errorf("table %s: repair: recreate schema: %w", name, err)
	}
	for _, r := range salvaged {
		if _, err := fresh.Exec(`INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, r.key, r.value); err != nil {
			fresh.Close()
			return fmt.Errorf("table %s: repair: restore row %s: %w", name, r.key, err)
		}
	}
	fresh.Close()

	log.Printf("table %s repaired, salvaged %d rows, corrupt original at %s", name, len(salvaged), badPath)
	return nil
}

// Put writes key=value durably; it returns only after the write has been
// synced to disk (PRAGMA synchronous=FULL makes every Exec commit fsync).
func (t *Table) Put(key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("table %s: put %s: %w", t.name, key, err)
	}
	return nil
}

// Get returns the value for key, or apierr.ErrNotFound.
func (t *Table) Get(key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var value []byte
	err := t.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, apierr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("table %s: get %s: %w", t.name, key, err)
	}
	return value, nil
}

// Delete removes key; it is not an error if the key is absent.
func (t *Table) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("table %s: delete %s: %w", t.name, key, err)
	}
	return nil
}

// Scan iterates every row, invoking predicate(key, value) for each, and
// returns the values for which predicate returned true. Order is
// unspecified, per spec §4.A.
func (t *Table) Scan(predicate func(key string, value []byte) bool) ([][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.db.Query(`SELECT key, value FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("table %s: scan: %w", t.name, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("table %s: scan row: %w", t.name, err)
		}
		if predicate == nil || predicate(k, v) {
			out = append(out, v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table %s: scan iterate: %w", t.name, err)
	}
	return out, nil
}

// Compact runs VACUUM on the table's file, reclaiming space from deleted
// rows. Safe to call with no outstanding iterators.
func (t *Table) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("table %s: compact: %w", t.name, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.db.Close()
}
