package sioworkers

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/service"
	appErr "ojeval/pkg/errors"
	"ojeval/pkg/utils/logger"
)

// LeafRunner executes one job type in-process.
type LeafRunner func(ctx context.Context, job Job) (Job, error)

// LocalBackend executes leaf jobs in the calling process, one at a time.
// It suits tests and single-box deployments.
type LocalBackend struct {
	mu      sync.Mutex
	runners map[string]LeafRunner
	delayer Delayer
}

// NewLocalBackend creates a backend with the ping runner installed.
func NewLocalBackend(delayer Delayer) *LocalBackend {
	b := &LocalBackend{runners: make(map[string]LeafRunner), delayer: delayer}
	b.RegisterRunner("ping", ping)
	return b
}

// RegisterRunner installs the runner of jobType.
func (b *LocalBackend) RegisterRunner(jobType string, runner LeafRunner) {
	b.mu.Lock()
	b.runners[jobType] = runner
	b.mu.Unlock()
}

func (b *LocalBackend) RunJob(ctx context.Context, job Job, extra map[string]any) (Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind := jobType(job)
	runner, ok := b.runners[kind]
	if !ok {
		return nil, appErr.Newf(appErr.UnknownJobType, "no runner for job type %q", kind)
	}
	input := copyJob(job)
	for k, v := range extra {
		if _, set := input[k]; !set {
			input[k] = v
		}
	}
	out, err := runner(ctx, input)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.LeafJobFailed, "%s job failed", kind)
	}
	return out, nil
}

// RunJobs runs every job; a failing key reports result_code SE.
func (b *LocalBackend) RunJobs(ctx context.Context, jobs map[string]Job, extra map[string]any) (map[string]Job, error) {
	results := make(map[string]Job, len(jobs))
	for key, job := range jobs {
		out, err := b.RunJob(ctx, job, extra)
		if err != nil {
			logger.Warn(ctx, "Leaf job failed", zap.String("key", key), zap.Error(err))
			out = copyJob(job)
			out["result_code"] = "SE"
			out["error"] = map[string]any{"message": err.Error(), "traceback": ""}
		}
		results[key] = out
	}
	return results, nil
}

func (b *LocalBackend) SendAsyncJobs(ctx context.Context, env *model.Environ) error {
	jobs, err := JobsFromEnviron(env, KeyJobs)
	if err != nil {
		return appErr.Wrap(err, appErr.InvalidEnviron)
	}
	extra, _ := env.GetMap(KeyExtraArgs)
	results, err := b.RunJobs(ctx, jobs, extra)
	if err != nil {
		return err
	}
	if err := env.Set(KeyResults, results); err != nil {
		return err
	}
	env.Delete(KeyJobs)
	env.Delete(KeyExtraArgs)
	_, err = b.delayer.Delay(ctx, env, service.DelayOptions{})
	return err
}

func ping(_ context.Context, job Job) (Job, error) {
	job["pong"] = job["ping"]
	job["result_code"] = "OK"
	return job, nil
}

var _ Backend = (*LocalBackend)(nil)
