package database

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

const DriverSqlite = "sqlite3"

var sqliteDialect = &dialect{
	name: DriverSqlite,
	// a single connection serializes every transaction, so rows need no lock
	lockRow: "",
	isUniqueViolation: func(err error) bool {
		var sqliteErr sqlite3.Error
		return errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	},
}

// NewSqliteGoChatRepository opens an SQLite database. Foreign keys are
// always enforced. The pool is capped at one connection, which keeps
// in-memory databases alive and serializes writers.
func NewSqliteGoChatRepository(dsn string) (*Store, error) {
	db, err := sql.Open(DriverSqlite, withForeignKeys(dsn))
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return newStore(db, dsn, sqliteDialect), nil
}

func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}
