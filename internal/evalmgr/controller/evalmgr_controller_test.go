package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/service"
	appErr "ojeval/pkg/errors"
)

type fakeJobs struct {
	statuses  map[string]*model.JobStatus
	cancelled []string
	delayed   []*model.Environ
	drop      bool
}

func (f *fakeJobs) GetJob(_ context.Context, jobID string) (*model.JobStatus, error) {
	if status, ok := f.statuses[jobID]; ok {
		return status, nil
	}
	return nil, appErr.New(appErr.JobNotFound)
}

func (f *fakeJobs) ListJobs(context.Context, model.JobState, int) ([]*model.QueuedJob, error) {
	return nil, nil
}

func (f *fakeJobs) CancelJob(_ context.Context, jobID string) (bool, error) {
	if _, ok := f.statuses[jobID]; !ok {
		return false, nil
	}
	f.cancelled = append(f.cancelled, jobID)
	return true, nil
}

func (f *fakeJobs) Delay(_ context.Context, env *model.Environ, _ service.DelayOptions) (*service.DispatchHandle, error) {
	f.delayed = append(f.delayed, env)
	if f.drop {
		return nil, nil
	}
	return &service.DispatchHandle{TaskID: "task-1", JobID: "job-1"}, nil
}

func newRouter(jobs *fakeJobs) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewEvalmgrController(jobs).RegisterRoutes(router)
	return router
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{statuses: map[string]*model.JobStatus{"j1": {JobID: "j1", State: model.StateWaiting}}}
	router := newRouter(jobs)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/evalmgr/jobs/j1", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"WAITING"`) {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/evalmgr/jobs/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{statuses: map[string]*model.JobStatus{"j1": {JobID: "j1"}}}
	router := newRouter(jobs)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/evalmgr/jobs/j1/cancel", nil))
	if w.Code != http.StatusAccepted || len(jobs.cancelled) != 1 {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/evalmgr/jobs/nope/cancel", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestReceiveResults(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{}
	router := newRouter(jobs)
	body := `{"saved_environ_id": 12, "workers_jobs.results": {"compile": {"result_code": "OK"}}}`

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/evalmgr/workers/results", strings.NewReader(body)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}
	if len(jobs.delayed) != 1 || jobs.delayed[0].SavedEnvironID != 12 || !jobs.delayed[0].Has("workers_jobs.results") {
		t.Fatalf("unexpected delayed environs %+v", jobs.delayed)
	}

	jobs.drop = true
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/evalmgr/workers/results", strings.NewReader(body)))
	var resp struct {
		Data struct {
			Resumed bool `json:"resumed"`
		} `json:"data"`
	}
	if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &resp) != nil || resp.Data.Resumed {
		t.Fatalf("expected a dropped resume, got %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/evalmgr/workers/results", strings.NewReader(`{"x":1}`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without saved_environ_id, got %d", w.Code)
	}
}
