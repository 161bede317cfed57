package store

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"gitlab.com/NebulousLabs/errors"

	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func (s *PersistentStore) RunMigrations() error {
	d, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}

	// This driver works with modernc.org/sqlite as well
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Contains(err, migrate.ErrNoChange) {
		return errors.AddContext(err, "migration failed")
	}

	return nil
}
