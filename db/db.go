// ABOUTME: Database connection management and initialization
// ABOUTME: Opens SQLite with WAL mode and bundles the repositories into a Store
package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func OpenDatabase(path string) (*sql.DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// Configure connection pool for SQLite (avoid database locked errors).
	// Repositories must drain rows before issuing another query.
	db.SetMaxOpenConns(1)

	if err := InitSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Store bundles the repositories sharing one connection.
type Store struct {
	DB          *sql.DB
	Users       *UserRepository
	Links       *LinkRepository
	Credentials *CredentialRepository
	Settings    *SettingsRepository
	Mappings    *MappingRepository
	Catalog     *CatalogRepository
	Jobs        *JobRepository
}

// Open opens the database at path and wires every repository.
func Open(path string) (*Store, error) {
	conn, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	return NewStore(conn), nil
}

// NewStore wires repositories around an already initialized connection.
func NewStore(conn *sql.DB) *Store {
	return &Store{
		DB:          conn,
		Users:       NewUserRepository(conn),
		Links:       NewLinkRepository(conn),
		Credentials: NewCredentialRepository(conn),
		Settings:    NewSettingsRepository(conn),
		Mappings:    NewMappingRepository(conn),
		Catalog:     NewCatalogRepository(conn),
		Jobs:        NewJobRepository(conn),
	}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Lease timestamps are stored as unix milliseconds so comparisons happen on integers.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
