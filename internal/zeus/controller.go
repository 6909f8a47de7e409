package zeus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/service"
	"ojeval/pkg/utils/logger"
	"ojeval/pkg/utils/response"
)

const maxCallbackBytes = 16 << 20

// Verifier checks resume tokens; *TokenSigner implements it.
type Verifier interface {
	Verify(raw string) (*ResumeClaims, error)
}

// Delayer queues environs; *service.Manager implements it.
type Delayer interface {
	Delay(ctx context.Context, env *model.Environ, opts service.DelayOptions) (*service.DispatchHandle, error)
}

// CallbackController receives grades pushed by Zeus.
type CallbackController struct {
	verifier Verifier
	jobs     Delayer
}

// NewCallbackController creates a new controller.
func NewCallbackController(verifier Verifier, jobs Delayer) *CallbackController {
	return &CallbackController{verifier: verifier, jobs: jobs}
}

type callbackRequest struct {
	Results []Report `json:"zeus_results"`
	// CompilationOutput is sent alone, base64 encoded, when the
	// submission did not compile.
	CompilationOutput *string `json:"compilation_output"`
}

// Callback resumes the job named by the token in the URL.
func (h *CallbackController) Callback(c *gin.Context) {
	claims, err := h.verifier.Verify(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
	if err != nil {
		response.BadRequest(c, "Read body failed")
		return
	}
	var req callbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		response.BadRequest(c, "Invalid callback body")
		return
	}
	reports := req.Results
	if len(reports) == 0 && req.CompilationOutput != nil {
		message, err := base64.StdEncoding.DecodeString(*req.CompilationOutput)
		if err != nil {
			response.BadRequest(c, "Invalid compilation_output")
			return
		}
		reports = []Report{{
			ReportKind:         claims.Kind,
			Metadata:           "compilation, , 0",
			Status:             "CE",
			CompilationMessage: string(message),
		}}
	}
	if len(reports) == 0 {
		response.BadRequest(c, "No results")
		return
	}

	env := &model.Environ{JobID: claims.JobID, SavedEnvironID: claims.SavedEnvironID}
	if err := env.Set(KeyResults, reports); err != nil {
		response.Error(c, err)
		return
	}
	handle, err := h.jobs.Delay(c.Request.Context(), env, service.DelayOptions{})
	if err != nil {
		response.Error(c, err)
		return
	}
	if handle == nil {
		logger.Info(c.Request.Context(), "Dropped zeus results of a finished job",
			zap.String("job_id", claims.JobID),
			zap.Int64("saved_environ_id", claims.SavedEnvironID))
		response.Success(c, gin.H{"resumed": false})
		return
	}
	response.Accepted(c, gin.H{"resumed": true, "job_id": handle.JobID})
}

// RegisterRoutes mounts the callback route.
func (h *CallbackController) RegisterRoutes(router gin.IRouter) {
	router.POST("/api/v1/zeus/callback/:token", h.Callback)
}
