package sioworkers

import (
	"context"

	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/service"
	appErr "ojeval/pkg/errors"
)

// Registry references contributed by this package.
const (
	HandlerRunJob   = "sioworkers.run_job"
	HandlerRunSync  = "sioworkers.run_sync"
	HandlerRunAsync = "sioworkers.run_async"
	TransferAsync   = "sioworkers.transfer"
	RestoreResults  = "sioworkers.restore"
)

// Register binds the sioworkers steps to backend.
func Register(registry *service.Registry, backend Backend) {
	h := &handlers{backend: backend}
	registry.RegisterHandler(HandlerRunJob, h.runJob)
	registry.RegisterHandler(HandlerRunSync, h.runSync)
	registry.RegisterHandler(HandlerRunAsync, runAsync)
	registry.RegisterTransfer(TransferAsync, h.transfer)
	registry.RegisterRestore(RestoreResults, restoreResults)
}

type handlers struct {
	backend Backend
}

// runJob runs the job given in the "job" kwarg and merges its result keys
// into the environ.
func (h *handlers) runJob(ctx context.Context, env *model.Environ, kwargs map[string]any) (*model.Environ, error) {
	job, ok := kwargs["job"].(map[string]any)
	if !ok {
		return nil, appErr.ValidationError("job", "required")
	}
	extra, _ := env.GetMap(KeyExtraArgs)
	result, err := h.backend.RunJob(ctx, job, extra)
	if err != nil {
		return nil, err
	}
	for k, v := range result {
		if model.IsReserved(k) {
			continue
		}
		if err := env.Set(k, v); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// runSync runs the workers_jobs group and stores workers_jobs.results.
func (h *handlers) runSync(ctx context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
	jobs, err := JobsFromEnviron(env, KeyJobs)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidEnviron)
	}
	extra, _ := env.GetMap(KeyExtraArgs)
	results, err := h.backend.RunJobs(ctx, jobs, extra)
	if err != nil {
		return nil, err
	}
	if err := env.Set(KeyResults, results); err != nil {
		return nil, err
	}
	env.Delete(KeyJobs)
	env.Delete(KeyExtraArgs)
	return env, nil
}

// runAsync parks the job until the workers_jobs group comes back.
func runAsync(_ context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
	if !env.Has(KeyJobs) {
		return nil, appErr.ValidationError(KeyJobs, "required")
	}
	return model.TransferJob(env, TransferAsync, RestoreResults, nil)
}

func (h *handlers) transfer(ctx context.Context, env *model.Environ, _ map[string]any) error {
	return h.backend.SendAsyncJobs(ctx, env)
}

// restoreResults takes the parked environ and adds the group results. A
// worker error is carried over so the job fails on resume.
func restoreResults(_ context.Context, saved, incoming *model.Environ) (*model.Environ, error) {
	results, ok := incoming.Get(KeyResults)
	if ok {
		if err := saved.Set(KeyResults, results); err != nil {
			return nil, err
		}
	}
	saved.Delete(KeyJobs)
	saved.Delete(KeyExtraArgs)
	if incoming.Error != nil {
		saved.Error = incoming.Error
	}
	return saved, nil
}
