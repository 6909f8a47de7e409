package repository

import (
	"context"
	"database/sql"
	"time"

	"ojeval/internal/common/db"
	"ojeval/internal/evalmgr/model"
	appErr "ojeval/pkg/errors"
)

const queuedJobColumns = "job_id, state, creation_date, submission_id, task_id"

// QueuedJobRepository persists QueuedJob rows. Methods taking a transaction
// fall back to the pool when tx is nil.
type QueuedJobRepository interface {
	// Get returns JobNotFound when the row is absent.
	Get(ctx context.Context, tx db.Transaction, jobID string) (*model.QueuedJob, error)

	// GetForUpdate is Get with a row lock held until tx ends.
	GetForUpdate(ctx context.Context, tx db.Transaction, jobID string) (*model.QueuedJob, error)

	// Insert returns RecordAlreadyExists on a duplicate job id.
	Insert(ctx context.Context, tx db.Transaction, job *model.QueuedJob) error

	Update(ctx context.Context, tx db.Transaction, job *model.QueuedJob) error
	SetState(ctx context.Context, tx db.Transaction, jobID string, state model.JobState) (bool, error)
	SetTaskID(ctx context.Context, tx db.Transaction, jobID, taskID string) error
	Delete(ctx context.Context, tx db.Transaction, jobID string) (bool, error)
	List(ctx context.Context, state model.JobState, limit int) ([]*model.QueuedJob, error)
}

// QueuedJobRepo implements QueuedJobRepository on SQL.
type QueuedJobRepo struct {
	db db.Provider
}

// NewQueuedJobRepository creates a repository on the provided database.
func NewQueuedJobRepository(provider db.Provider) *QueuedJobRepo {
	return &QueuedJobRepo{db: provider}
}

func (r *QueuedJobRepo) querier(tx db.Transaction) (db.Querier, error) {
	if tx != nil {
		return tx, nil
	}
	database, err := db.CurrentDatabase(r.db)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	return database, nil
}

func (r *QueuedJobRepo) Get(ctx context.Context, tx db.Transaction, jobID string) (*model.QueuedJob, error) {
	q, err := r.querier(tx)
	if err != nil {
		return nil, err
	}
	return scanQueuedJob(q.QueryRow(ctx,
		"SELECT "+queuedJobColumns+" FROM "+queuedJobsTable+" WHERE job_id = ?", jobID), jobID)
}

func (r *QueuedJobRepo) GetForUpdate(ctx context.Context, tx db.Transaction, jobID string) (*model.QueuedJob, error) {
	if tx == nil {
		return nil, appErr.New(appErr.TransactionRequired).WithMessage("select for update requires a transaction")
	}
	return scanQueuedJob(tx.QueryRow(ctx,
		"SELECT "+queuedJobColumns+" FROM "+queuedJobsTable+" WHERE job_id = ?"+tx.Dialect().ForUpdate(), jobID), jobID)
}

func (r *QueuedJobRepo) Insert(ctx context.Context, tx db.Transaction, job *model.QueuedJob) error {
	q, err := r.querier(tx)
	if err != nil {
		return err
	}
	if job.CreationDate.IsZero() {
		job.CreationDate = time.Now()
	}
	_, err = q.Exec(ctx,
		"INSERT INTO "+queuedJobsTable+" ("+queuedJobColumns+") VALUES (?, ?, ?, ?, ?)",
		job.JobID, string(job.State), job.CreationDate.UnixMilli(), nullInt64(job.SubmissionID), nullString(job.TaskID))
	if err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			return appErr.Wrapf(err, appErr.RecordAlreadyExists, "queued job %s already exists", job.JobID)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "insert queued job %s", job.JobID)
	}
	return nil
}

func (r *QueuedJobRepo) Update(ctx context.Context, tx db.Transaction, job *model.QueuedJob) error {
	q, err := r.querier(tx)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		"UPDATE "+queuedJobsTable+" SET state = ?, submission_id = ?, task_id = ? WHERE job_id = ?",
		string(job.State), nullInt64(job.SubmissionID), nullString(job.TaskID), job.JobID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update queued job %s", job.JobID)
	}
	return nil
}

func (r *QueuedJobRepo) SetState(ctx context.Context, tx db.Transaction, jobID string, state model.JobState) (bool, error) {
	q, err := r.querier(tx)
	if err != nil {
		return false, err
	}
	res, err := q.Exec(ctx, "UPDATE "+queuedJobsTable+" SET state = ? WHERE job_id = ?", string(state), jobID)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "set state of queued job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrap(err, appErr.DatabaseError)
	}
	return n > 0, nil
}

func (r *QueuedJobRepo) SetTaskID(ctx context.Context, tx db.Transaction, jobID, taskID string) error {
	q, err := r.querier(tx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, "UPDATE "+queuedJobsTable+" SET task_id = ? WHERE job_id = ?", taskID, jobID); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "set task id of queued job %s", jobID)
	}
	return nil
}

func (r *QueuedJobRepo) Delete(ctx context.Context, tx db.Transaction, jobID string) (bool, error) {
	q, err := r.querier(tx)
	if err != nil {
		return false, err
	}
	res, err := q.Exec(ctx, "DELETE FROM "+queuedJobsTable+" WHERE job_id = ?", jobID)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "delete queued job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrap(err, appErr.DatabaseError)
	}
	return n > 0, nil
}

// List returns jobs ordered by creation date. An empty state lists all.
func (r *QueuedJobRepo) List(ctx context.Context, state model.JobState, limit int) ([]*model.QueuedJob, error) {
	q, err := r.querier(nil)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := "SELECT " + queuedJobColumns + " FROM " + queuedJobsTable
	args := []interface{}{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY creation_date, job_id LIMIT ?"
	args = append(args, limit)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list queued jobs")
	}
	defer rows.Close()
	var jobs []*model.QueuedJob
	for rows.Next() {
		job, err := scanQueuedJob(rows, "")
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanQueuedJob(row scanner, jobID string) (*model.QueuedJob, error) {
	var (
		job          model.QueuedJob
		state        string
		created      int64
		submissionID sql.NullInt64
		taskID       sql.NullString
	)
	if err := row.Scan(&job.JobID, &state, &created, &submissionID, &taskID); err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.Newf(appErr.JobNotFound, "queued job %s not found", jobID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan queued job")
	}
	job.State = model.JobState(state)
	job.CreationDate = time.UnixMilli(created)
	if submissionID.Valid {
		id := submissionID.Int64
		job.SubmissionID = &id
	}
	job.TaskID = taskID.String
	return &job, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

var _ QueuedJobRepository = (*QueuedJobRepo)(nil)
