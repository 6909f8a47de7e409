package db

import (
	"context"
	"database/sql"
)

// Dialect names the SQL flavour behind a Database.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// ForUpdate returns the row-lock suffix for SELECT statements.
// SQLite serialises writers at the database level and has no such clause.
func (d Dialect) ForUpdate() string {
	if d == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

// Database is a pooled connection to one SQL database.
type Database interface {
	Querier

	// Transaction runs fn inside a transaction, committing when fn returns nil.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// BeginTx starts a transaction the caller must commit or roll back.
	BeginTx(ctx context.Context, opts *TxOptions) (Transaction, error)

	Dialect() Dialect
	Ping(ctx context.Context) error
	Stats() Stats
	Close() error
}

// Transaction is an open database transaction.
type Transaction interface {
	Querier
	Dialect() Dialect
	// AfterCommit queues fn to run once Commit succeeds. Queued functions
	// are dropped on rollback.
	AfterCommit(fn func())
	Commit() error
	Rollback() error
}

// Rows iterates over a query result.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarises an Exec.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// TxOptions mirrors sql.TxOptions without leaking database/sql into callers.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// Stats is a subset of sql.DBStats used for pool gauges.
type Stats struct {
	OpenConnections int
	InUse           int
	Idle            int
	WaitCount       int64
}

// ConvertTxOptions converts TxOptions to the database/sql form.
func ConvertTxOptions(opts *TxOptions) *sql.TxOptions {
	if opts == nil {
		return nil
	}
	return &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly}
}

// ConvertSQLStats converts database/sql stats.
func ConvertSQLStats(s sql.DBStats) Stats {
	return Stats{
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
		WaitCount:       s.WaitCount,
	}
}
