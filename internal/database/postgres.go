package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

const DriverPostgres = "postgres"

const pgUniqueViolation = pq.ErrorCode("23505")

var pgDialect = &dialect{
	name:    DriverPostgres,
	lockRow: " FOR UPDATE",
	isUniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
	},
}

func NewPgGoChatRepository(dsn string) (*Store, error) {
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return newStore(db, dsn, pgDialect), nil
}
