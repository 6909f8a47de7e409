package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ojeval/internal/common/db"
	"ojeval/internal/common/mq"
	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/repository"
)

const statusTopic = "evalmgr.status"

type fixture struct {
	manager  *Manager
	registry *Registry
	queue    *mq.MemoryQueue
	jobs     *repository.QueuedJobRepo
	saved    *repository.SavedEnvironRepo
}

func newFixture(t *testing.T, configure func(cfg *Config)) *fixture {
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
	f := &fixture{
		registry: NewRegistry(),
		queue:    queue,
		jobs:     repository.NewQueuedJobRepository(provider),
		saved:    repository.NewSavedEnvironRepository(provider, codec),
	}
	cfg := Config{
		Database:  provider,
		Jobs:      f.jobs,
		Saved:     f.saved,
		Producer:  queue,
		Registry:  f.registry,
		Publisher: repository.NewMQStatusEventPublisher(queue, statusTopic),
		Metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	if configure != nil {
		configure(&cfg)
	}
	f.manager, err = NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	return f
}

// subscribe routes every dispatch topic to the manager.
func (f *fixture) subscribe(t *testing.T) {
	t.Helper()
	var topics []mq.WeightedTopic
	for _, topic := range DefaultTopics() {
		topics = append(topics, mq.WeightedTopic{Topic: topic, Weight: 1})
	}
	if err := f.queue.SubscribeWeighted(context.Background(), topics, f.manager.HandleMessage, &mq.SubscribeOptions{RetryDelay: time.Millisecond}, nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
}

func (f *fixture) jobState(t *testing.T, jobID string) (model.JobState, bool) {
	t.Helper()
	job, err := f.jobs.Get(context.Background(), nil, jobID)
	if err != nil {
		return "", false
	}
	return job.State, true
}

// recorder collects side effects of test handlers.
type recorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *recorder) add(entry string) {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

func (r *recorder) count(entry string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e == entry {
			n++
		}
	}
	return n
}

func (r *recorder) handler(entry string) HandlerFunc {
	return func(_ context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
		r.add(entry)
		return env, nil
	}
}

func newJob(steps ...model.Step) *model.Environ {
	env := model.NewEnviron()
	env.Recipe = append(model.Recipe{}, steps...)
	return env
}
