package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ojeval/internal/common/cache"
	"ojeval/internal/common/mq"
	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/repository"
	appErr "ojeval/pkg/errors"
)

func TestGetJobFollowsLifecycle(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("redis cache failed: %v", err)
	}
	f := newFixture(t, func(cfg *Config) {
		cfg.StatusRepo = repository.NewStatusRepository(redisCache, time.Minute)
	})
	f.registry.RegisterHandler("test.step", placeholder)
	ctx := context.Background()
	env := newJob(model.NewStep("step", "test.step"))

	if _, err := f.manager.Delay(ctx, env, DelayOptions{}); err != nil {
		t.Fatalf("delay failed: %v", err)
	}
	status, err := f.manager.GetJob(ctx, env.JobID)
	if err != nil || status.State != model.StateQueued {
		t.Fatalf("expected QUEUED, got %+v err=%v", status, err)
	}
	if !mr.Exists("evalmgr:job:" + env.JobID) {
		t.Fatalf("expected the state to be mirrored")
	}

	if _, err := f.manager.CancelJob(ctx, env.JobID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	status, _ = f.manager.GetJob(ctx, env.JobID)
	if status.State != model.StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", status.State)
	}

	if _, err := f.manager.RunJob(ctx, env); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, err := f.manager.GetJob(ctx, env.JobID); !appErr.Is(err, appErr.JobNotFound) {
		t.Fatalf("expected JobNotFound after the job was dropped, got %v", err)
	}
	jobs, err := f.manager.ListJobs(ctx, "", 10)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("expected no jobs, got %d err=%v", len(jobs), err)
	}
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string, *mq.Message) error {
	return errors.New("broker down")
}

func TestFailedDispatchLeavesNoStatus(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("redis cache failed: %v", err)
	}
	f := newFixture(t, func(cfg *Config) {
		cfg.Producer = failingProducer{}
		cfg.StatusRepo = repository.NewStatusRepository(redisCache, time.Minute)
	})
	ctx := context.Background()
	env := newJob(model.NewStep("step", model.PlaceholderHandler))

	if _, err := f.manager.Delay(ctx, env, DelayOptions{}); !appErr.Is(err, appErr.QueuePublishErr) {
		t.Fatalf("expected QueuePublishErr, got %v", err)
	}
	if _, ok := f.jobState(t, env.JobID); ok {
		t.Fatalf("expected the QueuedJob row to be rolled back")
	}
	if mr.Exists("evalmgr:job:" + env.JobID) {
		t.Fatalf("expected no mirrored status for a rolled back dispatch")
	}
	if status, err := f.manager.GetJob(ctx, env.JobID); !appErr.Is(err, appErr.JobNotFound) {
		t.Fatalf("expected JobNotFound, got %+v err=%v", status, err)
	}
}
