// Package suspendjudge holds back judging of selected problems. Jobs that
// reach the check step of a suspended problem are parked until an
// administrator resumes the problem or clears its queue.
package suspendjudge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ojeval/internal/common/cache"
	"ojeval/internal/common/db"
	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/service"
	appErr "ojeval/pkg/errors"
	"ojeval/pkg/utils/logger"
)

// StateSuspended marks a QueuedJob parked by a suspended problem.
const StateSuspended model.JobState = "SUSPENDED"

// Mode tells which tests of a suspended problem are held back.
type Mode string

const (
	// ModeAll holds back every test.
	ModeAll Mode = "all"
	// ModeButInit still judges the initial tests.
	ModeButInit Mode = "but_init"
)

const (
	problemsKey     = "evalmgr:suspended:problems"
	parkedKeyFormat = "evalmgr:suspended:problem:%d:jobs"
	lockKeyFormat   = "evalmgr:suspended:problem:%d:lock"
	defaultLockTTL  = time.Minute
)

func parkedKey(problemID int64) string {
	return fmt.Sprintf(parkedKeyFormat, problemID)
}

func lockKey(problemID int64) string {
	return fmt.Sprintf(lockKeyFormat, problemID)
}

// JobManager is the part of the evaluation manager the service drives.
type JobManager interface {
	Transaction(ctx context.Context, fn func(tx db.Transaction) error) error
	MarkJobState(ctx context.Context, tx db.Transaction, env *model.Environ, state model.JobState, fields *model.JobFields) (bool, error)
	Delay(ctx context.Context, env *model.Environ, opts service.DelayOptions) (*service.DispatchHandle, error)
	DeleteJob(ctx context.Context, jobID string) error
	SavedEnvironID(ctx context.Context, jobID string) (int64, error)
}

// Service keeps the suspended problem table in Redis.
type Service struct {
	cache   cache.Cache
	jobs    JobManager
	lockTTL time.Duration
}

// NewService creates a suspendjudge service.
func NewService(cacheClient cache.Cache, jobs JobManager) (*Service, error) {
	if cacheClient == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job manager is required")
	}
	return &Service{cache: cacheClient, jobs: jobs, lockTTL: defaultLockTTL}, nil
}

// Suspend holds back judging of problemID. With suspendInitTests false
// the initial tests are still judged.
func (s *Service) Suspend(ctx context.Context, problemID int64, suspendInitTests bool) error {
	mode := ModeButInit
	if suspendInitTests {
		mode = ModeAll
	}
	if err := s.cache.HSet(ctx, problemsKey, strconv.FormatInt(problemID, 10), string(mode)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "suspend problem %d", problemID)
	}
	logger.Info(ctx, "Problem suspended", zap.Int64("problem_id", problemID), zap.String("mode", string(mode)))
	return nil
}

// Mode returns how problemID is suspended; false when it is not.
func (s *Service) Mode(ctx context.Context, problemID int64) (Mode, bool, error) {
	raw, err := s.cache.HGet(ctx, problemsKey, strconv.FormatInt(problemID, 10))
	if err != nil {
		return "", false, appErr.Wrapf(err, appErr.CacheError, "read suspension of problem %d", problemID)
	}
	if raw == "" {
		return "", false, nil
	}
	return Mode(raw), true, nil
}

// List returns every suspended problem.
func (s *Service) List(ctx context.Context) (map[int64]Mode, error) {
	raw, err := s.cache.HGetAll(ctx, problemsKey)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CacheError)
	}
	out := make(map[int64]Mode, len(raw))
	for field, mode := range raw {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		out[id] = Mode(mode)
	}
	return out, nil
}

// Parked returns the ids of jobs parked on problemID.
func (s *Service) Parked(ctx context.Context, problemID int64) ([]string, error) {
	members, err := s.cache.SMembers(ctx, parkedKey(problemID))
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CacheError)
	}
	return members, nil
}

// Unsuspend resumes problemID and re-queues its parked jobs. It returns
// how many jobs were queued again.
func (s *Service) Unsuspend(ctx context.Context, problemID int64) (int, error) {
	return s.release(ctx, problemID, s.requeue)
}

// UnsuspendAndClear resumes problemID and drops its parked jobs instead of
// judging them.
func (s *Service) UnsuspendAndClear(ctx context.Context, problemID int64) (int, error) {
	return s.release(ctx, problemID, func(ctx context.Context, jobID string) (bool, error) {
		if err := s.jobs.DeleteJob(ctx, jobID); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *Service) release(ctx context.Context, problemID int64, each func(ctx context.Context, jobID string) (bool, error)) (int, error) {
	token, ok, err := s.cache.TryLock(ctx, lockKey(problemID), s.lockTTL)
	if err != nil {
		return 0, appErr.Wrap(err, appErr.CacheError)
	}
	if !ok {
		return 0, appErr.Newf(appErr.TooManyRequests, "problem %d is already being resumed", problemID)
	}
	defer func() {
		if err := s.cache.Unlock(context.WithoutCancel(ctx), lockKey(problemID), token); err != nil {
			logger.Warn(ctx, "Release suspension lock failed", zap.Int64("problem_id", problemID), zap.Error(err))
		}
	}()

	if err := s.cache.HDel(ctx, problemsKey, strconv.FormatInt(problemID, 10)); err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "resume problem %d", problemID)
	}
	jobIDs, err := s.Parked(ctx, problemID)
	if err != nil {
		return 0, err
	}
	var (
		count int
		errs  []error
	)
	for _, jobID := range jobIDs {
		done, err := each(ctx, jobID)
		if err != nil {
			logger.Error(ctx, "Release parked job failed",
				zap.Int64("problem_id", problemID),
				zap.String("job_id", jobID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if done {
			count++
		}
		if err := s.cache.SRem(ctx, parkedKey(problemID), jobID); err != nil {
			errs = append(errs, appErr.Wrap(err, appErr.CacheError))
		}
	}
	logger.Info(ctx, "Problem resumed",
		zap.Int64("problem_id", problemID),
		zap.Int("parked", len(jobIDs)),
		zap.Int("released", count),
	)
	return count, errors.Join(errs...)
}

// requeue resumes the parked environ of jobID. Jobs cancelled or resumed
// meanwhile are skipped.
func (s *Service) requeue(ctx context.Context, jobID string) (bool, error) {
	savedID, err := s.jobs.SavedEnvironID(ctx, jobID)
	if appErr.Is(err, appErr.RecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	handle, err := s.jobs.Delay(ctx, &model.Environ{JobID: jobID, SavedEnvironID: savedID}, service.DelayOptions{})
	if err != nil {
		return false, err
	}
	return handle != nil, nil
}

// park records jobID as held back by problemID. When the problem was
// resumed in the meantime the job is queued again right away.
func (s *Service) park(ctx context.Context, env *model.Environ, problemID int64) error {
	var marked bool
	err := s.jobs.Transaction(ctx, func(tx db.Transaction) error {
		var err error
		marked, err = s.jobs.MarkJobState(ctx, tx, env, StateSuspended, nil)
		return err
	})
	if err != nil {
		return err
	}
	if !marked {
		return nil
	}
	if err := s.cache.SAdd(ctx, parkedKey(problemID), env.JobID); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "park job %s", env.JobID)
	}
	if _, suspended, err := s.Mode(ctx, problemID); err != nil || suspended {
		return err
	}
	logger.Info(ctx, "Problem resumed while parking, requeueing job", zap.String("job_id", env.JobID))
	if _, err := s.requeue(ctx, env.JobID); err != nil {
		return err
	}
	return s.cache.SRem(ctx, parkedKey(problemID), env.JobID)
}
