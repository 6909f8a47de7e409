package sioworkers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"ojeval/internal/common/db"
	"ojeval/internal/common/mq"
	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/repository"
	"ojeval/internal/evalmgr/service"
	appErr "ojeval/pkg/errors"
)

func newManager(t *testing.T) (*service.Manager, *mq.MemoryQueue) {
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
	queue := mq.NewMemoryQueue()
	manager, err := service.NewManager(service.Config{
		Database: provider,
		Jobs:     repository.NewQueuedJobRepository(provider),
		Saved:    repository.NewSavedEnvironRepository(provider, codec),
		Producer: queue,
		Registry: service.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	var topics []mq.WeightedTopic
	for _, topic := range service.DefaultTopics() {
		topics = append(topics, mq.WeightedTopic{Topic: topic, Weight: 1})
	}
	if err := queue.SubscribeWeighted(ctx, topics, manager.HandleMessage, nil, nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return manager, queue
}

func TestLocalBackendKeepsKeysIndependent(t *testing.T) {
	t.Parallel()
	backend := NewLocalBackend(nil)
	backend.RegisterRunner("compile", func(_ context.Context, job Job) (Job, error) {
		if job["source_file"] == "broken.c" {
			return nil, errors.New("compiler crashed")
		}
		job["result_code"] = "OK"
		return job, nil
	})
	results, err := backend.RunJobs(context.Background(), map[string]Job{
		"good":  {"job_type": "compile", "source_file": "ok.c"},
		"bad":   {"job_type": "compile", "source_file": "broken.c"},
		"ping":  {"job_type": "ping", "ping": "hello"},
		"alien": {"job_type": "teleport"},
	}, nil)
	if err != nil {
		t.Fatalf("run jobs failed: %v", err)
	}
	if results["good"]["result_code"] != "OK" || results["ping"]["pong"] != "hello" {
		t.Fatalf("unexpected results %+v", results)
	}
	if results["bad"]["result_code"] != "SE" || results["alien"]["result_code"] != "SE" {
		t.Fatalf("failing keys must report SE, got %+v", results)
	}
	if _, err := backend.RunJob(context.Background(), Job{"job_type": "teleport"}, nil); !appErr.Is(err, appErr.UnknownJobType) {
		t.Fatalf("expected UnknownJobType, got %v", err)
	}
}

func TestAsyncRoundTripThroughLocalBackend(t *testing.T) {
	t.Parallel()
	manager, queue := newManager(t)
	backend := NewLocalBackend(manager)
	Register(manager.Registry(), backend)

	var seen map[string]Job
	manager.Registry().RegisterHandler("test.collect", func(_ context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
		jobs, err := JobsFromEnviron(env, KeyResults)
		if err != nil {
			return nil, err
		}
		seen = jobs
		return env, nil
	})

	env := manager.CreateEnviron()
	env.Recipe = model.Recipe{
		model.NewStep("run", HandlerRunAsync),
		model.NewStep("collect", "test.collect"),
	}
	_ = env.Set(KeyJobs, map[string]any{"p": map[string]any{"job_type": "ping", "ping": 7}})

	ctx := context.Background()
	if _, err := manager.Delay(ctx, env, service.DelayOptions{}); err != nil {
		t.Fatalf("delay failed: %v", err)
	}
	if n := queue.Drain(ctx); n != 2 {
		t.Fatalf("expected the initial run and the resume, got %d deliveries", n)
	}
	if seen == nil || seen["p"]["result_code"] != "OK" {
		t.Fatalf("results were not restored: %+v", seen)
	}
	if pong, _ := model.ToInt(seen["p"]["pong"]); pong != 7 {
		t.Fatalf("unexpected pong %v", seen["p"]["pong"])
	}
	if _, err := manager.GetJob(ctx, env.JobID); !appErr.Is(err, appErr.JobNotFound) {
		t.Fatalf("job must be finished, got %v", err)
	}
}

func TestRunSyncStep(t *testing.T) {
	t.Parallel()
	manager, _ := newManager(t)
	Register(manager.Registry(), NewLocalBackend(manager))

	env := manager.CreateEnviron()
	env.Recipe = model.Recipe{model.NewStep("run", HandlerRunSync)}
	_ = env.Set(KeyJobs, map[string]any{"p": map[string]any{"job_type": "ping", "ping": "x"}})
	result, err := manager.RunJob(context.Background(), env)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Environ.Has(KeyJobs) || !result.Environ.Has(KeyResults) {
		t.Fatalf("expected jobs replaced by results: %s", result.Environ)
	}
}

func TestRestoreCarriesWorkerError(t *testing.T) {
	t.Parallel()
	saved := model.NewEnviron()
	_ = saved.Set(KeyJobs, map[string]any{})
	incoming := &model.Environ{Error: &model.WorkerError{Message: "boom", Traceback: "tb"}}
	merged, err := restoreResults(context.Background(), saved, incoming)
	if err != nil || merged.Error == nil || merged.Has(KeyJobs) {
		t.Fatalf("unexpected merge %s err=%v", merged, err)
	}
}

func TestRemoteBackend(t *testing.T) {
	t.Parallel()
	var (
		mu        sync.Mutex
		lastGroup map[string]any
	)
	last := func() map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return lastGroup
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var group map[string]any
		_ = json.NewDecoder(r.Body).Decode(&group)
		mu.Lock()
		lastGroup = group
		mu.Unlock()
		switch r.URL.Path {
		case "/sync_run_group":
			jobs := group[KeyJobs].(map[string]any)
			if _, fail := jobs["explode"]; fail {
				_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "boom", "traceback": "tb"}})
				return
			}
			results := map[string]any{}
			for key := range jobs {
				results[key] = map[string]any{"result_code": "OK"}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{KeyResults: results})
		case "/run_group":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	backend, err := NewRemoteBackend(RemoteConfig{URL: server.URL + "/", ReturnURL: "http://evalmgr/results", Instance: "oj", ContestWeight: 3})
	if err != nil {
		t.Fatalf("new backend failed: %v", err)
	}
	ctx := context.Background()

	out, err := backend.RunJob(ctx, Job{"job_type": "ping"}, nil)
	if err != nil || out["result_code"] != "OK" {
		t.Fatalf("unexpected result %+v err=%v", out, err)
	}
	if g := last(); g["oioioi_instance"] != "oj" || g["contest_weight"] != float64(3) {
		t.Fatalf("scheduler fields missing: %+v", g)
	}

	_, err = backend.RunJobs(ctx, map[string]Job{"explode": {"job_type": "ping"}}, nil)
	if !appErr.Is(err, appErr.WorkerReportedErr) {
		t.Fatalf("expected worker error, got %v", err)
	}

	env := model.NewEnviron()
	env.SavedEnvironID = 5
	if err := backend.SendAsyncJobs(ctx, env); err != nil {
		t.Fatalf("send async failed: %v", err)
	}
	if g := last(); g[KeyReturnURL] != "http://evalmgr/results" || g[model.KeySavedEnvironID] != float64(5) {
		t.Fatalf("unexpected async group %+v", g)
	}
}
