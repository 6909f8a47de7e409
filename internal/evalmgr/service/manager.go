package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ojeval/internal/common/db"
	"ojeval/internal/common/mq"
	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/repository"
	appErr "ojeval/pkg/errors"
	"ojeval/pkg/utils/logger"
)

// SubjectResolver returns the submission a job evaluates, or nil when the
// environ names none or the submission is gone.
type SubjectResolver func(ctx context.Context, tx db.Transaction, env *model.Environ) (*int64, error)

// SubmissionFromEnviron reads the submission_id key of the environ.
func SubmissionFromEnviron(_ context.Context, _ db.Transaction, env *model.Environ) (*int64, error) {
	id, ok := env.GetInt("submission_id")
	if !ok {
		return nil, nil
	}
	return &id, nil
}

// DefaultTopics returns the dispatch topic of each priority.
func DefaultTopics() map[model.Priority]string {
	return map[model.Priority]string{
		model.PriorityHigh:   "evalmgr.jobs.high",
		model.PriorityNormal: "evalmgr.jobs.normal",
		model.PriorityLow:    "evalmgr.jobs.low",
	}
}

// Config holds manager dependencies and settings.
type Config struct {
	Database   db.Provider
	Jobs       repository.QueuedJobRepository
	Saved      repository.SavedEnvironRepository
	Producer   mq.Producer
	Registry   *Registry
	StatusRepo *repository.StatusRepository
	Publisher  repository.StatusEventPublisher
	Metrics    *Metrics
	Tracer     trace.Tracer
	Resolver   SubjectResolver

	Topics          map[model.Priority]string
	DefaultPriority model.Priority
	StatusTimeout   time.Duration

	// CheckCancelEachStep re-reads the QueuedJob row between steps so a
	// cancel takes effect before the next step instead of at the next
	// state transition.
	CheckCancelEachStep bool
}

// Manager runs evaluation jobs: it queues environs, drives their recipes,
// parks them across transfers and cleans up after them.
type Manager struct {
	db        db.Provider
	jobs      repository.QueuedJobRepository
	saved     repository.SavedEnvironRepository
	producer  mq.Producer
	registry  *Registry
	status    *repository.StatusRepository
	publisher repository.StatusEventPublisher
	metrics   *Metrics
	tracer    trace.Tracer
	resolver  SubjectResolver

	topics              map[model.Priority]string
	defaultPriority     model.Priority
	statusTimeout       time.Duration
	checkCancelEachStep bool
}

// NewManager creates a manager and registers the default error handler.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("database provider is required")
	}
	if cfg.Jobs == nil || cfg.Saved == nil {
		return nil, fmt.Errorf("job repositories are required")
	}
	if cfg.Producer == nil {
		return nil, fmt.Errorf("dispatch producer is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	topics := DefaultTopics()
	for priority, topic := range cfg.Topics {
		if topic != "" {
			topics[priority] = topic
		}
	}
	priority := cfg.DefaultPriority
	if priority == "" {
		priority = model.PriorityNormal
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("ojeval/evalmgr")
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = SubmissionFromEnviron
	}
	statusTimeout := cfg.StatusTimeout
	if statusTimeout <= 0 {
		statusTimeout = 2 * time.Second
	}
	m := &Manager{
		db:                  cfg.Database,
		jobs:                cfg.Jobs,
		saved:               cfg.Saved,
		producer:            cfg.Producer,
		registry:            cfg.Registry,
		status:              cfg.StatusRepo,
		publisher:           cfg.Publisher,
		metrics:             cfg.Metrics,
		tracer:              tracer,
		resolver:            resolver,
		topics:              topics,
		defaultPriority:     priority,
		statusTimeout:       statusTimeout,
		checkCancelEachStep: cfg.CheckCancelEachStep,
	}
	if err := cfg.Registry.ensureHandler(model.DefaultErrorHandler, m.removeQueuedJobOnError); err != nil {
		return nil, err
	}
	return m, nil
}

// Registry returns the registry the manager resolves references through.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// CreateEnviron returns a fresh environ with a job id and the default
// error handler.
func (m *Manager) CreateEnviron() *model.Environ {
	return model.NewEnviron()
}

// Transaction runs fn inside a database transaction.
func (m *Manager) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	database, err := db.CurrentDatabase(m.db)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return database.Transaction(ctx, fn)
}

// MarkJobState moves the QueuedJob row of env to state, creating it if
// needed. It returns false when the row was CANCELLED: the row is deleted
// and the caller must stop processing the job.
func (m *Manager) MarkJobState(ctx context.Context, tx db.Transaction, env *model.Environ, state model.JobState, fields *model.JobFields) (bool, error) {
	if tx == nil {
		return false, appErr.New(appErr.TransactionRequired).WithMessage("mark_job_state must run inside a transaction")
	}
	if env == nil || env.JobID == "" {
		return false, appErr.New(appErr.InvalidEnviron).WithMessage("no job_id found in environ")
	}
	var update model.JobFields
	if fields != nil {
		update = *fields
	}
	if update.SubmissionID == nil {
		submissionID, err := m.resolver(ctx, tx, env)
		if err != nil {
			return false, err
		}
		update.SubmissionID = submissionID
	}

	job, err := m.jobs.GetForUpdate(ctx, tx, env.JobID)
	if appErr.Is(err, appErr.JobNotFound) {
		job = &model.QueuedJob{
			JobID:        env.JobID,
			State:        state,
			SubmissionID: update.SubmissionID,
			TaskID:       update.TaskID,
		}
		err = m.jobs.Insert(ctx, tx, job)
		if err == nil {
			m.mirrorAfterCommit(ctx, tx, job)
			return true, nil
		}
		if !appErr.Is(err, appErr.RecordAlreadyExists) {
			return false, err
		}
		// Lost the insert race; continue with the winner's row.
		job, err = m.jobs.GetForUpdate(ctx, tx, env.JobID)
	}
	if err != nil {
		return false, err
	}

	if job.State == model.StateCancelled {
		if _, err := m.jobs.Delete(ctx, tx, job.JobID); err != nil {
			return false, err
		}
		jobID := job.JobID
		tx.AfterCommit(func() { m.unmirror(ctx, jobID) })
		logger.Info(ctx, "Job was cancelled, dropping it",
			zap.String("job_id", job.JobID),
			zap.String("requested_state", string(state)),
		)
		return false, nil
	}
	job.State = state
	if update.SubmissionID != nil {
		job.SubmissionID = update.SubmissionID
	}
	if update.TaskID != "" {
		job.TaskID = update.TaskID
	}
	if err := m.jobs.Update(ctx, tx, job); err != nil {
		return false, err
	}
	m.mirrorAfterCommit(ctx, tx, job)
	return true, nil
}

// CancelJob tombstones the job as CANCELLED. The row is removed by the next
// state transition or resume, which then drops the job. It reports whether
// the job existed.
func (m *Manager) CancelJob(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, appErr.ValidationError("job_id", "required")
	}
	var found bool
	err := m.Transaction(ctx, func(tx db.Transaction) error {
		job, err := m.jobs.GetForUpdate(ctx, tx, jobID)
		if appErr.Is(err, appErr.JobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if job.State == model.StateCancelled {
			return nil
		}
		if _, err := m.jobs.SetState(ctx, tx, jobID, model.StateCancelled); err != nil {
			return err
		}
		job.State = model.StateCancelled
		m.mirrorAfterCommit(ctx, tx, job)
		return nil
	})
	if err != nil {
		return false, err
	}
	if found {
		logger.Info(ctx, "Job cancelled", zap.String("job_id", jobID))
	}
	return found, nil
}

// GetJob returns the observable state of a job, reading the status mirror
// first. JobNotFound means the job finished, failed or never existed.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*model.JobStatus, error) {
	status, err := m.status.Get(ctx, jobID, func(ctx context.Context) (*model.JobStatus, error) {
		job, err := m.jobs.Get(ctx, nil, jobID)
		if appErr.Is(err, appErr.JobNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return jobStatus(job), nil
	})
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, appErr.Newf(appErr.JobNotFound, "job %s not found", jobID)
	}
	return status, nil
}

// ListJobs lists in-flight jobs, optionally filtered by state.
func (m *Manager) ListJobs(ctx context.Context, state model.JobState, limit int) ([]*model.QueuedJob, error) {
	return m.jobs.List(ctx, state, limit)
}

// DeleteJob removes the QueuedJob row of jobID together with its parked
// environ.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	err := m.Transaction(ctx, func(tx db.Transaction) error {
		_, err := m.jobs.Delete(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return err
	}
	m.unmirror(ctx, jobID)
	return nil
}

// SavedEnvironID returns the id of the environ parked for jobID;
// RecordNotFound when the job is not parked.
func (m *Manager) SavedEnvironID(ctx context.Context, jobID string) (int64, error) {
	saved, err := m.saved.GetByJob(ctx, nil, jobID)
	if err != nil {
		return 0, err
	}
	return saved.ID, nil
}

func (m *Manager) mirror(ctx context.Context, job *model.QueuedJob) {
	if m.status == nil {
		return
	}
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.statusTimeout)
	defer cancel()
	if err := m.status.Save(statusCtx, *jobStatus(job)); err != nil {
		logger.Warn(ctx, "Mirror job status failed", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

// mirrorAfterCommit snapshots job and mirrors it once tx commits, so a
// rolled back transition never reaches the status cache.
func (m *Manager) mirrorAfterCommit(ctx context.Context, tx db.Transaction, job *model.QueuedJob) {
	snapshot := *job
	tx.AfterCommit(func() { m.mirror(ctx, &snapshot) })
}

func (m *Manager) unmirror(ctx context.Context, jobID string) {
	if m.status == nil {
		return
	}
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.statusTimeout)
	defer cancel()
	if err := m.status.Delete(statusCtx, jobID); err != nil {
		logger.Warn(ctx, "Drop job status failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (m *Manager) publishOutcome(ctx context.Context, jobID string, outcome model.Outcome, cause error) {
	if m.publisher == nil || jobID == "" {
		return
	}
	event := model.JobStatusEvent{JobID: jobID, Outcome: outcome, FinishedAt: time.Now()}
	if cause != nil {
		event.Error = cause.Error()
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.statusTimeout)
	defer cancel()
	if err := m.publisher.PublishOutcome(pubCtx, event); err != nil {
		logger.Warn(ctx, "Publish job outcome failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func jobStatus(job *model.QueuedJob) *model.JobStatus {
	return &model.JobStatus{
		JobID:        job.JobID,
		State:        job.State,
		TaskID:       job.TaskID,
		SubmissionID: job.SubmissionID,
		UpdatedAt:    time.Now(),
	}
}
