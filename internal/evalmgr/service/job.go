package service

import (
	"context"
	"errors"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ojeval/internal/common/db"
	"ojeval/internal/evalmgr/model"
	appErr "ojeval/pkg/errors"
	"ojeval/pkg/utils/contextkey"
	"ojeval/pkg/utils/logger"
)

// Result is how one run of a job ended.
type Result struct {
	Environ *model.Environ
	Outcome model.Outcome
	// Err is the step failure behind OutcomeRecovered and OutcomeFailed.
	Err error
}

// RunJob drives env through its recipe until the recipe drains, a step
// transfers the job, or a step fails. An environ carrying saved_environ_id
// is resumed first. The returned error is non-nil only for OutcomeFailed
// and for failures before the job could start.
func (m *Manager) RunJob(ctx context.Context, env *model.Environ) (*Result, error) {
	if env == nil {
		return nil, appErr.New(appErr.InvalidEnviron).WithMessage("environ is nil")
	}
	env, err := env.Clone()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidEnviron)
	}
	if env.SavedEnvironID != 0 {
		var resumed *model.Environ
		err := m.Transaction(ctx, func(tx db.Transaction) error {
			var err error
			resumed, err = m.ResumeEnviron(ctx, tx, env)
			return err
		})
		if err != nil {
			return nil, err
		}
		if resumed == nil {
			return &Result{Outcome: model.OutcomeAbandoned}, nil
		}
		env = resumed
	}

	ctx = context.WithValue(ctx, contextkey.JobID, env.JobID)
	ctx, span := m.tracer.Start(ctx, "evalmgr.job", trace.WithAttributes(attribute.String("job_id", env.JobID)))
	defer span.End()

	start := time.Now()
	m.metrics.jobStarted()
	result := m.run(ctx, env)
	m.metrics.jobFinished(result.Outcome)
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))

	switch result.Outcome {
	case model.OutcomeFailed:
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
		m.publishOutcome(ctx, env.JobID, result.Outcome, result.Err)
		return result, result.Err
	case model.OutcomeTransferred:
		logger.Debug(ctx, "Job transferred", logger.Since(start))
	default:
		m.publishOutcome(ctx, env.JobID, result.Outcome, result.Err)
		logger.Debug(ctx, "Job finished", zap.String("outcome", string(result.Outcome)), logger.Since(start))
	}
	return result, nil
}

func (m *Manager) run(ctx context.Context, env *model.Environ) *Result {
	final, outcome, err := m.drive(ctx, env)
	if err == nil {
		return &Result{Environ: final, Outcome: outcome}
	}
	if errors.Is(err, ErrAbandoned) {
		logger.Info(ctx, "Job abandoned")
		return &Result{Environ: final, Outcome: model.OutcomeAbandoned}
	}
	return m.recover(ctx, final, err)
}

// drive runs the main loop. On failure it returns the environ as it was
// before the failing step.
func (m *Manager) drive(ctx context.Context, env *model.Environ) (*model.Environ, model.Outcome, error) {
	if env.JobID == "" {
		return env, "", appErr.New(appErr.InvalidEnviron).WithMessage("no job_id found in environ")
	}
	if env.Recipe == nil {
		return env, "", appErr.New(appErr.InvalidEnviron).WithMessage("no recipe found in job environment")
	}
	if env.Error != nil {
		return env, "", appErr.Newf(appErr.WorkerReportedErr,
			"Error from workers:\n%s\nTB:\n%s", env.Error.Message, env.Error.Traceback)
	}
	if err := m.markInTransaction(ctx, env, model.StateProgress); err != nil {
		return env, "", err
	}

	for first := true; ; first = false {
		if m.checkCancelEachStep && !first {
			if err := m.checkCancelled(ctx, env.JobID); err != nil {
				return env, "", err
			}
		}
		step, rest, ok := env.Recipe.Pop()
		if !ok {
			if err := m.DeleteJob(ctx, env.JobID); err != nil {
				return env, "", err
			}
			return env, model.OutcomeCompleted, nil
		}
		env.Recipe = rest
		next, err := m.runStep(ctx, env, step, nil)
		if err != nil {
			return env, "", err
		}
		env = next
		if env.Transfer != nil {
			env, err = m.transfer(ctx, env)
			if err != nil {
				return env, "", err
			}
			return env, model.OutcomeTransferred, nil
		}
	}
}

// runStep resolves and calls one step on an owned copy of env. extra is
// merged over the step's own kwargs.
func (m *Manager) runStep(ctx context.Context, env *model.Environ, step model.Step, extra map[string]any) (*model.Environ, error) {
	handler, err := m.registry.Handler(step.Handler)
	if err != nil {
		return nil, err
	}
	kwargs := make(map[string]any, len(step.Kwargs)+len(extra))
	maps.Copy(kwargs, step.Kwargs)
	maps.Copy(kwargs, extra)

	input, err := env.Clone()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidEnviron, "copy environ before step %s", step.Name)
	}

	ctx, span := m.tracer.Start(ctx, "evalmgr.step", trace.WithAttributes(
		attribute.String("step", step.Name),
		attribute.String("handler", step.Handler),
	))
	defer span.End()

	start := time.Now()
	out, err := handler(ctx, input, kwargs)
	m.metrics.observeStep(step.Handler, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if out == nil {
		err := appErr.Newf(appErr.ContractViolation,
			"Evaluation handler %q (%s) forgot to return the environment", step.Name, step.Handler)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// transfer parks env and hands it to the requested transfer function. The
// hand-off runs outside any transaction.
func (m *Manager) transfer(ctx context.Context, env *model.Environ) (*model.Environ, error) {
	req := env.Transfer
	env.Transfer = nil
	fn, err := m.registry.Transfer(req.Func)
	if err != nil {
		return env, err
	}

	var marked bool
	err = m.Transaction(ctx, func(tx db.Transaction) error {
		var err error
		marked, err = m.MarkJobState(ctx, tx, env, model.StateWaiting, nil)
		if err != nil || !marked {
			return err
		}
		id, err := m.saved.Save(ctx, tx, env)
		if err != nil {
			return err
		}
		env.SavedEnvironID = id
		return nil
	})
	if err != nil {
		env.SavedEnvironID = 0
		return env, err
	}
	if !marked {
		return env, ErrAbandoned
	}

	ctx, span := m.tracer.Start(ctx, "evalmgr.transfer", trace.WithAttributes(
		attribute.String("transfer_func", req.Func),
		attribute.Int64("saved_environ_id", env.SavedEnvironID),
	))
	defer span.End()

	handoff, err := env.Clone()
	if err != nil {
		return env, appErr.Wrap(err, appErr.InvalidEnviron)
	}
	err = fn(ctx, handoff, req.Kwargs)
	m.metrics.observeTransfer(req.Func, err)
	if err == nil {
		logger.Debug(ctx, "Job handed off",
			zap.String("transfer_func", req.Func),
			zap.Int64("saved_environ_id", env.SavedEnvironID),
		)
		return env, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	savedID := env.SavedEnvironID
	env.SavedEnvironID = 0
	cleanupErr := m.Transaction(ctx, func(tx db.Transaction) error {
		_, err := m.saved.Delete(ctx, tx, savedID)
		return err
	})
	if cleanupErr != nil {
		logger.Error(ctx, "Drop saved environ after failed transfer failed",
			zap.Int64("saved_environ_id", savedID),
			zap.Error(cleanupErr),
		)
	}
	return env, appErr.Wrapf(err, appErr.TransferFailed, "transfer %s failed", req.Func)
}

// recover runs the error handlers of env. Each handler runs even if an
// earlier one failed. The cause is swallowed only when a handler set
// ignore_errors.
func (m *Manager) recover(ctx context.Context, env *model.Environ, cause error) *Result {
	logger.Debug(ctx, "Handling exception in job", zap.Error(cause), zap.Stringer("environ", env))
	extra := map[string]any{KwargExcInfo: cause}
	for _, step := range env.ErrorHandlers {
		next, err := m.runStep(ctx, env, step, extra)
		if err != nil {
			m.metrics.errorHandlerFailed()
			logger.Error(ctx, "Exception occurred in job's error handlers",
				zap.String("handler", step.Handler),
				zap.Error(err),
				zap.Stringer("environ", env),
			)
			continue
		}
		env = next
	}
	if env.IgnoreErrors {
		logger.Info(ctx, "Job error ignored by error handlers", zap.Error(cause))
		return &Result{Environ: env, Outcome: model.OutcomeRecovered, Err: cause}
	}
	logger.Error(ctx, "Exception occurred in job", zap.Error(cause), zap.Stringer("environ", env))
	return &Result{Environ: env, Outcome: model.OutcomeFailed, Err: cause}
}

func (m *Manager) markInTransaction(ctx context.Context, env *model.Environ, state model.JobState) error {
	var marked bool
	err := m.Transaction(ctx, func(tx db.Transaction) error {
		var err error
		marked, err = m.MarkJobState(ctx, tx, env, state, nil)
		return err
	})
	if err != nil {
		return err
	}
	if !marked {
		return ErrAbandoned
	}
	return nil
}

func (m *Manager) checkCancelled(ctx context.Context, jobID string) error {
	var cancelled bool
	err := m.Transaction(ctx, func(tx db.Transaction) error {
		job, err := m.jobs.GetForUpdate(ctx, tx, jobID)
		if appErr.Is(err, appErr.JobNotFound) {
			cancelled = true
			return nil
		}
		if err != nil || job.State != model.StateCancelled {
			return err
		}
		cancelled = true
		_, err = m.jobs.Delete(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return err
	}
	if cancelled {
		m.unmirror(ctx, jobID)
		return ErrAbandoned
	}
	return nil
}
