package repository

import (
	"context"
	"fmt"

	"ojeval/internal/common/db"
)

const (
	queuedJobsTable    = "evalmgr_queued_jobs"
	savedEnvironsTable = "evalmgr_saved_environs"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS evalmgr_queued_jobs (
		job_id VARCHAR(255) NOT NULL PRIMARY KEY,
		state VARCHAR(64) NOT NULL,
		creation_date BIGINT NOT NULL,
		submission_id BIGINT NULL,
		task_id VARCHAR(255) NULL,
		KEY idx_evalmgr_queued_jobs_state (state)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS evalmgr_saved_environs (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		queued_job_id VARCHAR(255) NOT NULL,
		environ LONGBLOB NOT NULL,
		save_time BIGINT NOT NULL,
		UNIQUE KEY uk_evalmgr_saved_environs_job (queued_job_id),
		CONSTRAINT fk_evalmgr_saved_environs_job FOREIGN KEY (queued_job_id)
			REFERENCES evalmgr_queued_jobs (job_id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS evalmgr_queued_jobs (
		job_id TEXT NOT NULL PRIMARY KEY,
		state TEXT NOT NULL,
		creation_date INTEGER NOT NULL,
		submission_id INTEGER NULL,
		task_id TEXT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evalmgr_queued_jobs_state ON evalmgr_queued_jobs (state)`,
	`CREATE TABLE IF NOT EXISTS evalmgr_saved_environs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queued_job_id TEXT NOT NULL UNIQUE
			REFERENCES evalmgr_queued_jobs (job_id) ON DELETE CASCADE,
		environ BLOB NOT NULL,
		save_time INTEGER NOT NULL
	)`,
}

// EnsureSchema creates the QueuedJob and SavedEnviron tables if missing.
func EnsureSchema(ctx context.Context, database db.Database) error {
	statements := mysqlSchema
	if database.Dialect() == db.DialectSQLite {
		statements = sqliteSchema
	}
	for _, stmt := range statements {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure evalmgr schema: %w", err)
		}
	}
	return nil
}
