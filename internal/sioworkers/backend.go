// Package sioworkers dispatches leaf jobs (compile, run, grade) to a worker
// pool, either in-process or through a remote sioworkersd daemon.
package sioworkers

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/service"
)

// Environ keys exchanged with the worker pool.
const (
	KeyJobs      = "workers_jobs"
	KeyExtraArgs = "workers_jobs.extra_args"
	KeyResults   = "workers_jobs.results"
	KeyReturnURL = "return_url"
)

// Job is a flat leaf job dictionary. job_type selects the operation.
type Job = map[string]any

// Backend runs leaf jobs. RunJobs keys its results like its input and a
// failing key never affects another key's result.
type Backend interface {
	RunJob(ctx context.Context, job Job, extra map[string]any) (Job, error)
	RunJobs(ctx context.Context, jobs map[string]Job, extra map[string]any) (map[string]Job, error)
	// SendAsyncJobs runs the jobs under KeyJobs of env and resumes the
	// parked job with their results once they are done.
	SendAsyncJobs(ctx context.Context, env *model.Environ) error
}

// Delayer queues environs; *service.Manager implements it.
type Delayer interface {
	Delay(ctx context.Context, env *model.Environ, opts service.DelayOptions) (*service.DispatchHandle, error)
}

// JobsFromEnviron decodes the jobs stored under key.
func JobsFromEnviron(env *model.Environ, key string) (map[string]Job, error) {
	raw, ok := env.Get(key)
	if !ok {
		return nil, fmt.Errorf("environ has no %s", key)
	}
	return decodeJobs(raw)
}

func decodeJobs(raw any) (map[string]Job, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode jobs failed: %w", err)
	}
	var jobs map[string]Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("decode jobs failed: %w", err)
	}
	return jobs, nil
}

func jobType(job Job) string {
	s, _ := job["job_type"].(string)
	return s
}

func copyJob(job Job) Job {
	out := make(Job, len(job))
	maps.Copy(out, job)
	return out
}
