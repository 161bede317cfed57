// Package store keeps the download job history in a single sqlite file.
// The schema is migrated on open.
package store

import (
	"database/sql"
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/errors"
	_ "modernc.org/sqlite"
)

// PersistentStore keeps job history in sqlite.
type PersistentStore struct {
	db *sql.DB
}

// NewPersistentStore opens (creating when needed) the database at dbPath and
// brings its schema up to date.
func NewPersistentStore(dbPath string) (*PersistentStore, error) {

	dbDir := filepath.Dir(dbPath)

	// Ensure the database directory exists
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, errors.AddContext(err, "failed to create database directory")
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.AddContext(err, "failed to open sqlite")
	}

	// Ping makes sure the file is actually accessible and the DSN is valid
	if err := db.Ping(); err != nil {
		return nil, errors.Compose(errors.AddContext(err, "failed to connect to sqlite"), db.Close())
	}

	store := &PersistentStore{db: db}

	if err := store.RunMigrations(); err != nil {
		return nil, errors.Compose(errors.AddContext(err, "could not migrate database"), db.Close())
	}

	return store, nil
}

func (s *PersistentStore) Close() error {
	return s.db.Close()
}
