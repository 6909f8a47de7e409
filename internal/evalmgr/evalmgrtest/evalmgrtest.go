// Package evalmgrtest wires a Manager on an in-memory database and queue
// for tests of packages that contribute handlers.
package evalmgrtest

import (
	"context"
	"testing"
	"time"

	"ojeval/internal/common/db"
	"ojeval/internal/common/mq"
	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/repository"
	"ojeval/internal/evalmgr/service"
	appErr "ojeval/pkg/errors"
)

// Harness is a running manager subscribed to every dispatch topic.
type Harness struct {
	Manager  *service.Manager
	Registry *service.Registry
	Queue    *mq.MemoryQueue
	Database db.Provider
}

// New builds a harness. configure may adjust the manager config before it
// is created.
func New(t testing.TB, configure func(cfg *service.Config)) *Harness {
	t.Helper()
	ctx := context.Background()
	database, err := db.NewSQLite(ctx, db.SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := repository.EnsureSchema(ctx, database); err != nil {
		t.Fatalf("ensure schema failed: %v", err)
	}
	codec, err := repository.NewEnvironCodec()
	if err != nil {
		t.Fatalf("codec failed: %v", err)
	}
	provider := db.NewManager(database)
	queue := mq.NewMemoryQueue(mq.WithHistory())
	cfg := service.Config{
		Database: provider,
		Jobs:     repository.NewQueuedJobRepository(provider),
		Saved:    repository.NewSavedEnvironRepository(provider, codec),
		Producer: queue,
		Registry: service.NewRegistry(),
	}
	if configure != nil {
		configure(&cfg)
	}
	manager, err := service.NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	var topics []mq.WeightedTopic
	for _, topic := range service.DefaultTopics() {
		topics = append(topics, mq.WeightedTopic{Topic: topic, Weight: 1})
	}
	if err := queue.SubscribeWeighted(ctx, topics, manager.HandleMessage, &mq.SubscribeOptions{RetryDelay: time.Millisecond}, nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return &Harness{Manager: manager, Registry: cfg.Registry, Queue: queue, Database: provider}
}

// Delay queues env at normal priority.
func (h *Harness) Delay(t testing.TB, env *model.Environ) *service.DispatchHandle {
	t.Helper()
	handle, err := h.Manager.Delay(context.Background(), env, service.DelayOptions{})
	if err != nil {
		t.Fatalf("delay failed: %v", err)
	}
	return handle
}

// Drain delivers every pending message and returns how many were handled.
func (h *Harness) Drain() int {
	return h.Queue.Drain(context.Background())
}

// JobState returns the state of jobID, false when the row is gone.
func (h *Harness) JobState(t testing.TB, jobID string) (model.JobState, bool) {
	t.Helper()
	status, err := h.Manager.GetJob(context.Background(), jobID)
	if appErr.Is(err, appErr.JobNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("get job failed: %v", err)
	}
	return status.State, true
}

// Capture registers a handler that stores a copy of every environ it
// sees and returns the slice it appends to.
func (h *Harness) Capture(name string) *[]*model.Environ {
	var seen []*model.Environ
	h.Registry.RegisterHandler(name, func(_ context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
		seen = append(seen, env.MustClone())
		return env, nil
	})
	return &seen
}
