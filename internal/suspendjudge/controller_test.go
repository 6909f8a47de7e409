package suspendjudge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

type fakeSuspender struct {
	suspended map[int64]Mode
	resumed   []int64
	cleared   []int64
}

func (f *fakeSuspender) Suspend(_ context.Context, problemID int64, all bool) error {
	mode := ModeButInit
	if all {
		mode = ModeAll
	}
	f.suspended[problemID] = mode
	return nil
}

func (f *fakeSuspender) List(context.Context) (map[int64]Mode, error) {
	return f.suspended, nil
}

func (f *fakeSuspender) Unsuspend(_ context.Context, problemID int64) (int, error) {
	f.resumed = append(f.resumed, problemID)
	return 2, nil
}

func (f *fakeSuspender) UnsuspendAndClear(_ context.Context, problemID int64) (int, error) {
	f.cleared = append(f.cleared, problemID)
	return 1, nil
}

func newRouter(svc Suspender) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewController(svc).RegisterRoutes(router)
	return router
}

func TestSuspendRoutes(t *testing.T) {
	t.Parallel()
	svc := &fakeSuspender{suspended: map[int64]Mode{}}
	router := newRouter(svc)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/suspendjudge/problems/4/suspend", strings.NewReader(`{"mode":"but_init"}`)))
	if w.Code != http.StatusOK || svc.suspended[4] != ModeButInit {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/suspendjudge/problems/5/suspend", nil))
	if w.Code != http.StatusOK || svc.suspended[5] != ModeAll {
		t.Fatalf("empty body must suspend all tests, got %d %v", w.Code, svc.suspended)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/suspendjudge/problems", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"but_init"`) {
		t.Fatalf("unexpected list %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/suspendjudge/problems/4/resume", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"requeued":2`) {
		t.Fatalf("unexpected resume %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/suspendjudge/problems/5/clear", nil))
	if w.Code != http.StatusOK || len(svc.cleared) != 1 {
		t.Fatalf("unexpected clear %d %s", w.Code, w.Body.String())
	}
}

func TestSuspendRejectsBadInput(t *testing.T) {
	t.Parallel()
	router := newRouter(&fakeSuspender{suspended: map[int64]Mode{}})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/suspendjudge/problems/abc/resume", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/suspendjudge/problems/4/suspend", strings.NewReader(`{"mode":"sometimes"}`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
