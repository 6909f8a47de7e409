package suspendjudge

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ojeval/internal/common/cache"
	"ojeval/internal/evalmgr/evalmgrtest"
	"ojeval/internal/evalmgr/model"
	appErr "ojeval/pkg/errors"
)

type fixture struct {
	h     *evalmgrtest.Harness
	svc   *Service
	cache *cache.RedisCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	h := evalmgrtest.New(t, nil)
	svc, err := NewService(c, h.Manager)
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	svc.Register(h.Registry)
	return &fixture{h: h, svc: svc, cache: c}
}

func judgeEnviron(problemID int64, recipe ...model.Step) *model.Environ {
	env := model.NewEnviron()
	_ = env.Set("problem_id", problemID)
	env.Recipe = recipe
	return env
}

func checkStep(initial bool) model.Step {
	name := "check_final"
	if initial {
		name = "check_initial"
	}
	return model.NewStep(name, HandlerCheck).WithKwargs(map[string]any{KwargSuspendInitTests: initial})
}

func TestSuspendedProblemParksJobUntilResumed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seen := f.h.Capture("test.judge")

	if err := f.svc.Suspend(ctx, 7, true); err != nil {
		t.Fatalf("suspend failed: %v", err)
	}
	env := judgeEnviron(7, checkStep(true), model.NewStep("judge", "test.judge"))
	f.h.Delay(t, env)
	f.h.Drain()

	if state, ok := f.h.JobState(t, env.JobID); !ok || state != StateSuspended {
		t.Fatalf("expected SUSPENDED job, got %q ok=%v", state, ok)
	}
	if parked, _ := f.svc.Parked(ctx, 7); len(parked) != 1 || parked[0] != env.JobID {
		t.Fatalf("expected job to be parked, got %v", parked)
	}
	if len(*seen) != 0 {
		t.Fatalf("judge step must not run while suspended")
	}

	n, err := f.svc.Unsuspend(ctx, 7)
	if err != nil || n != 1 {
		t.Fatalf("expected one requeued job, got %d err=%v", n, err)
	}
	f.h.Drain()
	if len(*seen) != 1 || (*seen)[0].JobID != env.JobID {
		t.Fatalf("judge step must run once after resume, seen %d", len(*seen))
	}
	if _, ok := f.h.JobState(t, env.JobID); ok {
		t.Fatalf("finished job must be removed")
	}
	if parked, _ := f.svc.Parked(ctx, 7); len(parked) != 0 {
		t.Fatalf("parked set must be empty, got %v", parked)
	}
	if _, suspended, _ := f.svc.Mode(ctx, 7); suspended {
		t.Fatalf("problem must no longer be suspended")
	}
}

func TestButInitModeStillJudgesInitialTests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	initial := f.h.Capture("test.initial")
	final := f.h.Capture("test.final")

	_ = f.svc.Suspend(ctx, 3, false)
	env := judgeEnviron(3,
		checkStep(true),
		model.NewStep("initial", "test.initial"),
		checkStep(false),
		model.NewStep("final", "test.final"),
	)
	f.h.Delay(t, env)
	f.h.Drain()

	if len(*initial) != 1 || len(*final) != 0 {
		t.Fatalf("expected only initial tests judged, got initial=%d final=%d", len(*initial), len(*final))
	}
	if state, _ := f.h.JobState(t, env.JobID); state != StateSuspended {
		t.Fatalf("expected SUSPENDED, got %q", state)
	}
}

func TestHiddenRejudgeIsNotHeldBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seen := f.h.Capture("test.judge")

	_ = f.svc.Suspend(context.Background(), 5, true)
	env := judgeEnviron(5, checkStep(false), model.NewStep("judge", "test.judge"))
	_ = env.Set("is_rejudge", true)
	_ = env.Set("report_kinds", []any{"HIDDEN"})
	f.h.Delay(t, env)
	f.h.Drain()

	if len(*seen) != 1 {
		t.Fatalf("hidden rejudge must bypass suspension")
	}
}

func TestUnsuspendAndClearDropsParkedJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seen := f.h.Capture("test.judge")

	_ = f.svc.Suspend(ctx, 9, true)
	env := judgeEnviron(9, checkStep(false), model.NewStep("judge", "test.judge"))
	f.h.Delay(t, env)
	f.h.Drain()

	n, err := f.svc.UnsuspendAndClear(ctx, 9)
	if err != nil || n != 1 {
		t.Fatalf("expected one cleared job, got %d err=%v", n, err)
	}
	if _, ok := f.h.JobState(t, env.JobID); ok {
		t.Fatalf("cleared job must be removed")
	}
	if _, err := f.h.Manager.SavedEnvironID(ctx, env.JobID); !appErr.Is(err, appErr.RecordNotFound) {
		t.Fatalf("parked environ must be removed with the job, got %v", err)
	}
	if delivered := f.h.Drain(); delivered != 0 || len(*seen) != 0 {
		t.Fatalf("cleared job must not run, delivered=%d seen=%d", delivered, len(*seen))
	}
}

func TestCancelledParkedJobIsSkippedOnResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seen := f.h.Capture("test.judge")

	_ = f.svc.Suspend(ctx, 11, true)
	env := judgeEnviron(11, checkStep(false), model.NewStep("judge", "test.judge"))
	f.h.Delay(t, env)
	f.h.Drain()
	if _, err := f.h.Manager.CancelJob(ctx, env.JobID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	n, err := f.svc.Unsuspend(ctx, 11)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing requeued, got %d err=%v", n, err)
	}
	f.h.Drain()
	if len(*seen) != 0 {
		t.Fatalf("cancelled job must not run")
	}
	if _, ok := f.h.JobState(t, env.JobID); ok {
		t.Fatalf("cancelled job row must be removed on resume")
	}
}

func TestConcurrentResumeIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_ = f.svc.Suspend(ctx, 13, true)

	if _, ok, _ := f.cache.TryLock(ctx, lockKey(13), time.Minute); !ok {
		t.Fatalf("expected to take the lock")
	}
	if _, err := f.svc.Unsuspend(ctx, 13); !appErr.Is(err, appErr.TooManyRequests) {
		t.Fatalf("expected TooManyRequests, got %v", err)
	}
	if _, suspended, _ := f.svc.Mode(ctx, 13); !suspended {
		t.Fatalf("rejected resume must leave the problem suspended")
	}
}

func TestCheckRequiresProblemID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.svc.check(context.Background(), model.NewEnviron(), nil); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
