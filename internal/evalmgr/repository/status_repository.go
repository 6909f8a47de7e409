package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ojeval/internal/common/cache"
	"ojeval/internal/evalmgr/model"
	appErr "ojeval/pkg/errors"
)

const statusKeyPrefix = "evalmgr:job:"

// StatusRepository mirrors QueuedJob state into Redis so status reads stay
// off the database. The mirror is best-effort; the database is the truth.
type StatusRepository struct {
	cache    cache.Cache
	TTL      time.Duration
	EmptyTTL time.Duration
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.Cache, ttl time.Duration) *StatusRepository {
	return &StatusRepository{cache: cacheClient, TTL: ttl, EmptyTTL: 5 * time.Second}
}

// Save stores the current state of a job.
func (r *StatusRepository) Save(ctx context.Context, status model.JobStatus) error {
	if status.JobID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	if r == nil || r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+status.JobID, string(data), cache.JitterTTL(r.TTL)); err != nil {
		return appErr.Wrapf(err, appErr.CacheSetFailed, "store job status failed")
	}
	return nil
}

// Delete drops the mirror of a finished job.
func (r *StatusRepository) Delete(ctx context.Context, jobID string) error {
	if r == nil || r.cache == nil {
		return nil
	}
	if err := r.cache.Del(ctx, statusKeyPrefix+jobID); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "delete job status failed")
	}
	return nil
}

// Get reads the mirror and falls back to load on a miss. A nil status with a
// nil error means the job does not exist.
func (r *StatusRepository) Get(ctx context.Context, jobID string, load func(context.Context) (*model.JobStatus, error)) (*model.JobStatus, error) {
	if jobID == "" {
		return nil, appErr.ValidationError("job_id", "required")
	}
	if r == nil || r.cache == nil {
		return load(ctx)
	}
	return cache.GetWithCached(ctx, r.cache, statusKeyPrefix+jobID, r.TTL, r.EmptyTTL,
		func(s *model.JobStatus) bool { return s == nil },
		func(s *model.JobStatus) (string, error) {
			data, err := json.Marshal(s)
			return string(data), err
		},
		func(data string) (*model.JobStatus, error) {
			var s model.JobStatus
			if err := json.Unmarshal([]byte(data), &s); err != nil {
				return nil, err
			}
			return &s, nil
		},
		load,
	)
}
