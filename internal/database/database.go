package database

import (
	"context"
	"database/sql"
	"fmt"
)

type dialect struct {
	name string
	// lockRow is appended to single-row selects that must lock the row for
	// the rest of the transaction.
	lockRow           string
	isUniqueViolation func(error) bool
}

// Store is the SQL implementation of GoChatRepository shared by every backend.
type Store struct {
	*queries
	conn *sql.DB
	dsn  string
}

var _ GoChatRepository = (*Store)(nil)

func newStore(conn *sql.DB, dsn string, d *dialect) *Store {
	return &Store{
		queries: &queries{db: conn, dialect: d},
		conn:    conn,
		dsn:     dsn,
	}
}

// Open connects to the backend registered under driverName.
func Open(driverName, dsn string) (*Store, error) {
	switch driverName {
	case DriverPostgres:
		return NewPgGoChatRepository(dsn)
	case DriverSqlite:
		return NewSqliteGoChatRepository(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}
}

func (s *Store) Driver() string {
	return s.dialect.name
}

func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) (err error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(&queries{db: tx, dialect: s.dialect}); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
