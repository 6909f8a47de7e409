package model

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a QueuedJob. The set is open: other
// packages may declare their own states.
type JobState string

const (
	StateQueued    JobState = "QUEUED"
	StateProgress  JobState = "PROGRESS"
	StateWaiting   JobState = "WAITING"
	StateCancelled JobState = "CANCELLED"
)

func (s JobState) String() string {
	return string(s)
}

// QueuedJob tracks one in-flight job.
type QueuedJob struct {
	JobID        string    `json:"job_id"`
	State        JobState  `json:"state"`
	CreationDate time.Time `json:"creation_date"`
	SubmissionID *int64    `json:"submission_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
}

// JobFields are the optional columns written by MarkJobState.
type JobFields struct {
	SubmissionID *int64
	TaskID       string
}

// SavedEnviron is the parked continuation of a job waiting for a callback.
type SavedEnviron struct {
	ID          int64
	QueuedJobID string
	Environ     *Environ
	SaveTime    time.Time
}

// Priority selects the dispatch topic.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// DispatchMessage is the payload published to the work queue.
type DispatchMessage struct {
	TaskID     string          `json:"task_id"`
	JobID      string          `json:"job_id"`
	Priority   Priority        `json:"priority"`
	Environ    json.RawMessage `json:"environ"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Outcome is how a single run of a job ended.
type Outcome string

const (
	// OutcomeCompleted means the recipe drained and the QueuedJob row is gone.
	OutcomeCompleted Outcome = "completed"
	// OutcomeTransferred means the job is parked waiting for a callback.
	OutcomeTransferred Outcome = "transferred"
	// OutcomeAbandoned means the job was cancelled or already resumed.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeRecovered means a step failed and an error handler set ignore_errors.
	OutcomeRecovered Outcome = "recovered"
	// OutcomeFailed means a step failed and the error was not ignored.
	OutcomeFailed Outcome = "failed"
)

// JobStatusEvent is published when a job run reaches an outcome.
type JobStatusEvent struct {
	JobID      string    `json:"job_id"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// JobStatus is the observable view of a job served by the status API.
type JobStatus struct {
	JobID        string    `json:"job_id"`
	State        JobState  `json:"state"`
	TaskID       string    `json:"task_id,omitempty"`
	SubmissionID *int64    `json:"submission_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
