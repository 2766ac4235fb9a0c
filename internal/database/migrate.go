package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies every pending up migration for the store's backend.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrations, "migrations/"+s.dialect.name)
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var driver migratedb.Driver
	switch s.dialect.name {
	case DriverPostgres:
		// the postgres driver pins a connection and closes its *sql.DB when
		// done, so it gets a pool of its own
		db, err := sql.Open(DriverPostgres, s.dsn)
		if err != nil {
			return err
		}
		driver, err = migratepg.WithInstance(db, &migratepg.Config{})
		if err != nil {
			db.Close()
			return fmt.Errorf("migration driver: %w", err)
		}
	case DriverSqlite:
		driver, err = migratesqlite.WithInstance(s.conn, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("migration driver: %w", err)
		}
	default:
		return fmt.Errorf("no migrations for driver %q", s.dialect.name)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.dialect.name, driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	if s.dialect.name == DriverPostgres {
		m.Close()
	}

	return nil
}
