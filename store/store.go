// Package store persists compiled methods in SQLite, encoded as dist
// wire chunks.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/retracesoftware/retrace/dist"
	"github.com/retracesoftware/retrace/vm"

	_ "modernc.org/sqlite"
)

// ErrMethodNotFound indicates the requested method doesn't exist.
var ErrMethodNotFound = errors.New("method not found")

var log = commonlog.GetLogger("retrace.store")

// Store is a SQLite-backed method store. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (or creates) a method store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS methods (
		name  TEXT PRIMARY KEY,
		arity INTEGER NOT NULL,
		chunk BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("opened method store at %s", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// SaveMethod persists a method, replacing any previous version of the
// same name. Symbol references are resolved against symbols.
func (s *Store) SaveMethod(m *vm.CompiledMethod, symbols *vm.SymbolTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := dist.MarshalMethod(m, symbols)
	if err != nil {
		return fmt.Errorf("encoding method %s: %w", m.Name(), err)
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO methods (name, arity, chunk) VALUES (?, ?, ?)",
		m.Name(), m.Arity, data,
	)
	if err != nil {
		return fmt.Errorf("saving method %s: %w", m.Name(), err)
	}

	log.Infof("saved method %s/%d", m.Name(), m.Arity)
	return nil
}

// LoadMethod retrieves a method by name, re-interning its symbols
// against symbols.
func (s *Store) LoadMethod(name string, symbols *vm.SymbolTable) (*vm.CompiledMethod, error) {
	var data []byte
	err := s.db.QueryRow("SELECT chunk FROM methods WHERE name = ?", name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMethodNotFound
		}
		return nil, fmt.Errorf("querying method %s: %w", name, err)
	}

	m, err := dist.UnmarshalMethod(data, symbols)
	if err != nil {
		return nil, fmt.Errorf("decoding method %s: %w", name, err)
	}
	return m, nil
}

// MethodInfo describes one stored method.
type MethodInfo struct {
	Name  string
	Arity int
}

// List returns all stored methods, ordered by name.
func (s *Store) List() ([]MethodInfo, error) {
	rows, err := s.db.Query("SELECT name, arity FROM methods ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing methods: %w", err)
	}
	defer rows.Close()

	var out []MethodInfo
	for rows.Next() {
		var info MethodInfo
		if err := rows.Scan(&info.Name, &info.Arity); err != nil {
			return nil, fmt.Errorf("scanning method row: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes a stored method.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM methods WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting method %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting method %s: %w", name, err)
	}
	if n == 0 {
		return ErrMethodNotFound
	}
	return nil
}
