package controller

import (
	"context"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/service"
	appErr "ojeval/pkg/errors"
	"ojeval/pkg/utils/logger"
	"ojeval/pkg/utils/response"
)

const maxEnvironBytes = 8 << 20

// JobService is the part of the manager the HTTP surface needs.
type JobService interface {
	GetJob(ctx context.Context, jobID string) (*model.JobStatus, error)
	ListJobs(ctx context.Context, state model.JobState, limit int) ([]*model.QueuedJob, error)
	CancelJob(ctx context.Context, jobID string) (bool, error)
	Delay(ctx context.Context, env *model.Environ, opts service.DelayOptions) (*service.DispatchHandle, error)
}

// EvalmgrController serves job status, cancellation and the worker pool
// result receiver.
type EvalmgrController struct {
	jobs JobService
}

// NewEvalmgrController creates a new controller.
func NewEvalmgrController(jobs JobService) *EvalmgrController {
	return &EvalmgrController{jobs: jobs}
}

// GetJob returns the state of one in-flight job.
func (h *EvalmgrController) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}
	status, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// ListJobs lists in-flight jobs, optionally filtered by ?state=.
func (h *EvalmgrController) ListJobs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.BadRequest(c, "Invalid limit")
			return
		}
		limit = n
	}
	jobs, err := h.jobs.ListJobs(c.Request.Context(), model.JobState(c.Query("state")), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	if jobs == nil {
		jobs = []*model.QueuedJob{}
	}
	response.Success(c, jobs)
}

// CancelJob revokes a job. The job stops at its next state transition.
func (h *EvalmgrController) CancelJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}
	found, err := h.jobs.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !found {
		response.Error(c, appErr.Newf(appErr.JobNotFound, "job %s not found", jobID))
		return
	}
	response.Accepted(c, gin.H{"job_id": jobID, "state": model.StateCancelled})
}

// ReceiveResults accepts an environ posted back by the worker pool and
// resumes the parked job it names.
func (h *EvalmgrController) ReceiveResults(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEnvironBytes))
	if err != nil {
		response.BadRequest(c, "Read body failed")
		return
	}
	env, err := model.DecodeEnviron(body)
	if err != nil {
		response.BadRequest(c, "Invalid environ")
		return
	}
	if env.SavedEnvironID == 0 {
		response.BadRequest(c, "Missing saved_environ_id")
		return
	}
	handle, err := h.jobs.Delay(c.Request.Context(), env, service.DelayOptions{})
	if err != nil {
		response.Error(c, err)
		return
	}
	if handle == nil {
		logger.Info(c.Request.Context(), "Dropped results of a finished job",
			zap.Int64("saved_environ_id", env.SavedEnvironID))
		response.Success(c, gin.H{"resumed": false})
		return
	}
	response.Accepted(c, gin.H{"resumed": true, "job_id": handle.JobID, "task_id": handle.TaskID})
}

// RegisterRoutes mounts the job API and the results receiver. receiver
// guards only the receiver route.
func (h *EvalmgrController) RegisterRoutes(router gin.IRouter, receiver ...gin.HandlerFunc) {
	group := router.Group("/api/v1/evalmgr")
	group.GET("/jobs", h.ListJobs)
	group.GET("/jobs/:id", h.GetJob)
	group.POST("/jobs/:id/cancel", h.CancelJob)
	group.POST("/workers/results", append(receiver, h.ReceiveResults)...)
}
