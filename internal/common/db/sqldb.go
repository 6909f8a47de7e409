package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// sqlDB adapts *sql.DB to Database. MySQL and SQLite embed it and only differ
// in how the pool is opened and configured.
type sqlDB struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
}

func newSQLDB(database *sql.DB, dialect Dialect) *sqlDB {
	return &sqlDB{db: database, dialect: dialect}
}

// Dialect returns the SQL flavour.
func (s *sqlDB) Dialect() Dialect {
	return s.dialect
}

// Query executes a query that returns rows
func (s *sqlDB) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return &sqlRows{rows: rows}, nil
}

// QueryRow executes a query that returns at most one row
func (s *sqlDB) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return &sqlRow{row: s.db.QueryRowContext(ctx, query, args...)}
}

// Exec executes a query that doesn't return rows
func (s *sqlDB) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return result, nil
}

// Transaction executes a function within a database transaction
func (s *sqlDB) Transaction(ctx context.Context, fn func(tx Transaction) error) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// BeginTx starts a new transaction with the given options
func (s *sqlDB) BeginTx(ctx context.Context, opts *TxOptions) (Transaction, error) {
	tx, err := s.db.BeginTx(ctx, ConvertTxOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("begin transaction failed: %w", err)
	}
	return &sqlTx{tx: tx, dialect: s.dialect}, nil
}

// Ping verifies a connection to the database is still alive
func (s *sqlDB) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Stats returns pool statistics
func (s *sqlDB) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ConvertSQLStats(s.db.Stats())
}

// Close closes the pool
func (s *sqlDB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	return nil
}

type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool {
	return r.rows.Next()
}

func (r *sqlRows) Scan(dest ...interface{}) error {
	if err := r.rows.Scan(dest...); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

func (r *sqlRows) Close() error {
	return r.rows.Close()
}

func (r *sqlRows) Err() error {
	return r.rows.Err()
}

type sqlRow struct {
	row *sql.Row
}

// Scan keeps sql.ErrNoRows reachable so IsNoRows works on the result.
func (r *sqlRow) Scan(dest ...interface{}) error {
	if err := r.row.Scan(dest...); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx          *sql.Tx
	dialect     Dialect
	afterCommit []func()
}

func (t *sqlTx) Dialect() Dialect {
	return t.dialect
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transaction query failed: %w", err)
	}
	return &sqlRows{rows: rows}, nil
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return &sqlRow{row: t.tx.QueryRowContext(ctx, query, args...)}
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transaction exec failed: %w", err)
	}
	return result, nil
}

func (t *sqlTx) AfterCommit(fn func()) {
	if fn != nil {
		t.afterCommit = append(t.afterCommit, fn)
	}
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		t.afterCommit = nil
		return fmt.Errorf("commit failed: %w", err)
	}
	hooks := t.afterCommit
	t.afterCommit = nil
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	t.afterCommit = nil
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}
