package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ojeval/internal/common/db"
	"ojeval/internal/common/mq"
	"ojeval/internal/evalmgr/model"
	appErr "ojeval/pkg/errors"
	"ojeval/pkg/utils/logger"
)

const headerPriority = "priority"

// DelayOptions selects where a queued environ is published.
type DelayOptions struct {
	Priority model.Priority
	// Topic overrides the topic derived from Priority.
	Topic string
}

// DispatchHandle identifies a published unit of work.
type DispatchHandle struct {
	TaskID   string
	JobID    string
	Topic    string
	Priority model.Priority
}

// DelayEnviron queues env for execution. An environ carrying
// saved_environ_id is resumed first. It returns nil when the job was
// already resumed or has been cancelled.
func (m *Manager) DelayEnviron(ctx context.Context, tx db.Transaction, env *model.Environ, opts DelayOptions) (*DispatchHandle, error) {
	if tx == nil {
		return nil, appErr.New(appErr.TransactionRequired).WithMessage("delay_environ must run inside a transaction")
	}
	if env == nil {
		return nil, appErr.New(appErr.InvalidEnviron).WithMessage("environ is nil")
	}
	env, err := env.Clone()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidEnviron)
	}
	if env.SavedEnvironID != 0 {
		env, err = m.ResumeEnviron(ctx, tx, env)
		if err != nil || env == nil {
			return nil, err
		}
	}
	marked, err := m.MarkJobState(ctx, tx, env, model.StateQueued, nil)
	if err != nil || !marked {
		return nil, err
	}

	priority := opts.Priority
	if priority == "" {
		priority = m.defaultPriority
	}
	topic := opts.Topic
	if topic == "" {
		topic = m.topics[priority]
	}
	if topic == "" {
		return nil, appErr.Newf(appErr.InvalidParams, "no dispatch topic for priority %s", priority)
	}

	rawEnv, err := json.Marshal(env)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidEnviron, "encode environ of job %s", env.JobID)
	}
	taskID := uuid.NewString()
	body, err := json.Marshal(model.DispatchMessage{
		TaskID:     taskID,
		JobID:      env.JobID,
		Priority:   priority,
		Environ:    rawEnv,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidEnviron, "encode dispatch message")
	}
	msg := mq.NewMessage(taskID, body)
	msg.SetHeader(headerPriority, string(priority))
	if err := m.producer.Publish(ctx, topic, msg); err != nil {
		return nil, appErr.Wrapf(err, appErr.QueuePublishErr, "dispatch job %s", env.JobID)
	}
	if err := m.jobs.SetTaskID(ctx, tx, env.JobID, taskID); err != nil {
		return nil, err
	}
	m.metrics.observeDispatch(priority)
	logger.Debug(ctx, "Job queued",
		zap.String("job_id", env.JobID),
		zap.String("task_id", taskID),
		zap.String("topic", topic),
	)
	return &DispatchHandle{TaskID: taskID, JobID: env.JobID, Topic: topic, Priority: priority}, nil
}

// Delay runs DelayEnviron in its own transaction.
func (m *Manager) Delay(ctx context.Context, env *model.Environ, opts DelayOptions) (*DispatchHandle, error) {
	var handle *DispatchHandle
	err := m.Transaction(ctx, func(tx db.Transaction) error {
		var err error
		handle, err = m.DelayEnviron(ctx, tx, env, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// ResumeEnviron consumes the SavedEnviron named by env.SavedEnvironID and
// merges it with env through the parked restore function. It returns nil
// when the continuation is gone or its job was cancelled; a continuation is
// consumed at most once.
func (m *Manager) ResumeEnviron(ctx context.Context, tx db.Transaction, env *model.Environ) (*model.Environ, error) {
	if tx == nil {
		return nil, appErr.New(appErr.TransactionRequired).WithMessage("resume must run inside a transaction")
	}
	incoming, err := env.Clone()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidEnviron)
	}
	savedID := incoming.SavedEnvironID
	incoming.SavedEnvironID = 0
	if savedID == 0 {
		return nil, appErr.New(appErr.EnvironNotResumable).WithMessage("environ has no saved_environ_id")
	}

	saved, err := m.saved.GetForUpdate(ctx, tx, savedID)
	if appErr.Is(err, appErr.RecordNotFound) {
		logger.Info(ctx, "Job with environ id already resumed, ignoring", zap.Int64("saved_environ_id", savedID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := m.saved.Delete(ctx, tx, savedID); err != nil {
		return nil, err
	}

	job, err := m.jobs.GetForUpdate(ctx, tx, saved.QueuedJobID)
	if appErr.Is(err, appErr.JobNotFound) {
		logger.Info(ctx, "Job of saved environ is gone, ignoring",
			zap.Int64("saved_environ_id", savedID),
			zap.String("job_id", saved.QueuedJobID),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job.State == model.StateCancelled {
		if _, err := m.jobs.Delete(ctx, tx, job.JobID); err != nil {
			return nil, err
		}
		jobID := job.JobID
		tx.AfterCommit(func() { m.unmirror(ctx, jobID) })
		logger.Info(ctx, "Job was cancelled while waiting, dropping resume", zap.String("job_id", job.JobID))
		return nil, nil
	}

	parked := saved.Environ
	restoreName := parked.RestoreFunc
	if restoreName == "" {
		return nil, appErr.Newf(appErr.EnvironNotResumable, "saved environ %d has no restore function", savedID)
	}
	restore, err := m.registry.Restore(restoreName)
	if err != nil {
		return nil, err
	}
	parked.RestoreFunc = ""
	merged, err := restore(ctx, parked, incoming)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.RestoreFailed, "restore %s failed", restoreName)
	}
	if merged == nil {
		return nil, appErr.Newf(appErr.ContractViolation, "restore function %s forgot to return the environment", restoreName)
	}
	merged.Transfer = nil
	merged.SavedEnvironID = 0
	merged.JobID = saved.QueuedJobID
	return merged, nil
}

// HandleMessage is the work queue entrypoint. Job failures are final and
// only reported; an undecodable message is returned as an error so the
// queue dead-letters it.
func (m *Manager) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var payload model.DispatchMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "decode dispatch message failed")
	}
	env, err := model.DecodeEnviron(payload.Environ)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidEnviron, "decode environ of task %s failed", payload.TaskID)
	}
	result, err := m.RunJob(ctx, env)
	if err != nil {
		logger.Warn(ctx, "Job run failed",
			zap.String("job_id", env.JobID),
			zap.String("task_id", payload.TaskID),
			zap.Error(err),
		)
		return nil
	}
	logger.Debug(ctx, "Job run finished",
		zap.String("job_id", env.JobID),
		zap.String("task_id", payload.TaskID),
		zap.String("outcome", string(result.Outcome)),
		logger.Since(payload.EnqueuedAt),
	)
	return nil
}
