package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLStore keeps claims in a SQL table. Works with the sqlite and pgx drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
	table  string
}

// NewSQLStore opens dsn with driver and ensures the claim table exists.
func NewSQLStore(driver, dsn, table string) (*SQLStore, error) {
	if table == "" {
		table = "fission_claims"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s claim store: %w", driver, err)
	}
	s := &SQLStore{db: db, driver: driver, table: table}
	if err := s.ensureTable(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create claim table: %w", err)
	}
	return s, nil
}

func (s *SQLStore) query(name string) string {
	return rebind(s.driver, fmt.Sprintf(commonQueries[name], s.table))
}

func (s *SQLStore) ensureTable() error {
	_, err := s.db.Exec(s.query(QueryInitTable))
	return err
}

// Claim inserts key; returns true if inserted (we own it), false if it already exists.
func (s *SQLStore) Claim(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.query(QueryClaim), key)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Cleanup removes claims older than now-ttl.
func (s *SQLStore) Cleanup(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	var cutoff interface{} = time.Now().Add(-ttl).UTC()
	if s.driver == "sqlite" {
		cutoff = time.Now().Add(-ttl).UTC().Format("2006-01-02 15:04:05")
	}
	_, err := s.db.ExecContext(ctx, s.query(QueryCleanup), cutoff)
	return err
}

func (s *SQLStore) Close() error { return s.db.Close() }
