package repository

import (
	"context"
	"time"

	"ojeval/internal/common/db"
	"ojeval/internal/evalmgr/model"
	appErr "ojeval/pkg/errors"
)

// SavedEnvironRepository persists one-shot continuations of parked jobs.
type SavedEnvironRepository interface {
	// Save snapshots env for its job and returns the new row id. The
	// transfer request and saved_environ_id are never stored.
	Save(ctx context.Context, tx db.Transaction, env *model.Environ) (int64, error)

	// GetForUpdate locks and loads the row; RecordNotFound if absent.
	GetForUpdate(ctx context.Context, tx db.Transaction, id int64) (*model.SavedEnviron, error)

	// GetByJob loads the continuation of jobID; RecordNotFound if absent.
	GetByJob(ctx context.Context, tx db.Transaction, jobID string) (*model.SavedEnviron, error)

	Delete(ctx context.Context, tx db.Transaction, id int64) (bool, error)
}

// SavedEnvironRepo implements SavedEnvironRepository on SQL.
type SavedEnvironRepo struct {
	db    db.Provider
	codec *EnvironCodec
}

// NewSavedEnvironRepository creates a repository on the provided database.
func NewSavedEnvironRepository(provider db.Provider, codec *EnvironCodec) *SavedEnvironRepo {
	return &SavedEnvironRepo{db: provider, codec: codec}
}

func (r *SavedEnvironRepo) querier(tx db.Transaction) (db.Querier, error) {
	if tx != nil {
		return tx, nil
	}
	database, err := db.CurrentDatabase(r.db)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	return database, nil
}

func (r *SavedEnvironRepo) Save(ctx context.Context, tx db.Transaction, env *model.Environ) (int64, error) {
	if tx == nil {
		return 0, appErr.New(appErr.TransactionRequired).WithMessage("saving an environ requires a transaction")
	}
	payload, err := r.codec.Encode(env)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.InvalidEnviron, "encode environ of job %s", env.JobID)
	}
	res, err := tx.Exec(ctx,
		"INSERT INTO "+savedEnvironsTable+" (queued_job_id, environ, save_time) VALUES (?, ?, ?)",
		env.JobID, payload, time.Now().UnixMilli())
	if err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			return 0, appErr.Wrapf(err, appErr.RecordAlreadyExists, "job %s already has a saved environ", env.JobID)
		}
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "save environ of job %s", env.JobID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, appErr.Wrap(err, appErr.DatabaseError)
	}
	return id, nil
}

func (r *SavedEnvironRepo) GetForUpdate(ctx context.Context, tx db.Transaction, id int64) (*model.SavedEnviron, error) {
	if tx == nil {
		return nil, appErr.New(appErr.TransactionRequired).WithMessage("select for update requires a transaction")
	}
	row := tx.QueryRow(ctx,
		"SELECT id, queued_job_id, environ, save_time FROM "+savedEnvironsTable+" WHERE id = ?"+tx.Dialect().ForUpdate(), id)
	return r.scan(row)
}

func (r *SavedEnvironRepo) GetByJob(ctx context.Context, tx db.Transaction, jobID string) (*model.SavedEnviron, error) {
	q, err := r.querier(tx)
	if err != nil {
		return nil, err
	}
	row := q.QueryRow(ctx,
		"SELECT id, queued_job_id, environ, save_time FROM "+savedEnvironsTable+" WHERE queued_job_id = ?", jobID)
	return r.scan(row)
}

func (r *SavedEnvironRepo) Delete(ctx context.Context, tx db.Transaction, id int64) (bool, error) {
	q, err := r.querier(tx)
	if err != nil {
		return false, err
	}
	res, err := q.Exec(ctx, "DELETE FROM "+savedEnvironsTable+" WHERE id = ?", id)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "delete saved environ %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrap(err, appErr.DatabaseError)
	}
	return n > 0, nil
}

func (r *SavedEnvironRepo) scan(row db.Row) (*model.SavedEnviron, error) {
	var (
		saved   model.SavedEnviron
		payload []byte
		savedAt int64
	)
	if err := row.Scan(&saved.ID, &saved.QueuedJobID, &payload, &savedAt); err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.New(appErr.RecordNotFound).WithMessage("saved environ not found")
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan saved environ")
	}
	env, err := r.codec.Decode(payload)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidEnviron, "decode saved environ %d", saved.ID)
	}
	saved.Environ = env
	saved.SaveTime = time.UnixMilli(savedAt)
	return &saved, nil
}

var _ SavedEnvironRepository = (*SavedEnvironRepo)(nil)
