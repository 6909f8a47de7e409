package suspendjudge

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"ojeval/pkg/utils/response"
)

// Suspender is the service surface the admin API needs.
type Suspender interface {
	Suspend(ctx context.Context, problemID int64, suspendInitTests bool) error
	List(ctx context.Context) (map[int64]Mode, error)
	Unsuspend(ctx context.Context, problemID int64) (int, error)
	UnsuspendAndClear(ctx context.Context, problemID int64) (int, error)
}

// Controller exposes suspension management to administrators.
type Controller struct {
	svc Suspender
}

// NewController creates a new controller.
func NewController(svc Suspender) *Controller {
	return &Controller{svc: svc}
}

type suspendRequest struct {
	Mode Mode `json:"mode"`
}

func problemID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid problem id")
		return 0, false
	}
	return id, true
}

// List returns the suspended problems and their modes.
func (h *Controller) List(c *gin.Context) {
	problems, err := h.svc.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	out := make(map[string]Mode, len(problems))
	for id, mode := range problems {
		out[strconv.FormatInt(id, 10)] = mode
	}
	response.Success(c, out)
}

// Suspend holds back a problem. An empty body suspends all tests.
func (h *Controller) Suspend(c *gin.Context) {
	id, ok := problemID(c)
	if !ok {
		return
	}
	req := suspendRequest{Mode: ModeAll}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
	}
	if req.Mode != ModeAll && req.Mode != ModeButInit {
		response.BadRequest(c, "Invalid mode")
		return
	}
	if err := h.svc.Suspend(c.Request.Context(), id, req.Mode == ModeAll); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"problem_id": id, "mode": req.Mode})
}

// Resume lifts the suspension and judges the parked jobs.
func (h *Controller) Resume(c *gin.Context) {
	id, ok := problemID(c)
	if !ok {
		return
	}
	n, err := h.svc.Unsuspend(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"problem_id": id, "requeued": n})
}

// Clear lifts the suspension and drops the parked jobs.
func (h *Controller) Clear(c *gin.Context) {
	id, ok := problemID(c)
	if !ok {
		return
	}
	n, err := h.svc.UnsuspendAndClear(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"problem_id": id, "cleared": n})
}

// RegisterRoutes mounts the admin API. guard protects every route.
func (h *Controller) RegisterRoutes(router gin.IRouter, guard ...gin.HandlerFunc) {
	group := router.Group("/api/v1/suspendjudge", guard...)
	group.GET("/problems", h.List)
	group.POST("/problems/:id/suspend", h.Suspend)
	group.POST("/problems/:id/resume", h.Resume)
	group.POST("/problems/:id/clear", h.Clear)
}
