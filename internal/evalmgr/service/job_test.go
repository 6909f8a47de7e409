package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"ojeval/internal/common/db"
	"ojeval/internal/common/mq"
	"ojeval/internal/evalmgr/model"
	appErr "ojeval/pkg/errors"
)

func TestRunJobHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.registry.RegisterHandler("test.h1", func(_ context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
		return env, env.Set("x", 1)
	})
	f.registry.RegisterHandler("test.h2", func(_ context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
		x, ok := env.GetInt("x")
		if !ok {
			return nil, errors.New("x missing")
		}
		return env, env.Set("y", x+1)
	})
	env := newJob(model.NewStep("a", "test.h1"), model.NewStep("b", "test.h2"))

	result, err := f.manager.RunJob(context.Background(), env)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != model.OutcomeCompleted {
		t.Fatalf("expected completed, got %s", result.Outcome)
	}
	x, _ := result.Environ.GetInt("x")
	y, _ := result.Environ.GetInt("y")
	if x != 1 || y != 2 {
		t.Fatalf("expected x=1 y=2, got x=%d y=%d", x, y)
	}
	if _, ok := f.jobState(t, env.JobID); ok {
		t.Fatalf("queued job must be gone after completion")
	}
	if env.Has("x") {
		t.Fatalf("caller's environ must not be modified")
	}
}

func TestPlaceholderInsertionOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	rec := &recorder{}
	f.registry.RegisterHandler("test.first", rec.handler("first"))
	f.registry.RegisterHandler("test.inserted", rec.handler("inserted"))
	f.registry.RegisterHandler("test.last", rec.handler("last"))
	f.registry.RegisterHandler("test.extend", func(_ context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
		recipe, err := env.Recipe.InsertAfterPlaceholder("hook", model.NewStep("inserted", "test.inserted"))
		if err != nil {
			return nil, err
		}
		env.Recipe = recipe
		return env, nil
	})
	env := newJob(
		model.NewStep("extend", "test.extend"),
		model.NewStep("first", "test.first"),
		model.Placeholder("hook"),
		model.NewStep("last", "test.last"),
	)

	if _, err := f.manager.RunJob(context.Background(), env); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	want := []string{"first", "inserted", "last"}
	if len(rec.entries) != len(want) {
		t.Fatalf("expected %v, got %v", want, rec.entries)
	}
	for i := range want {
		if rec.entries[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, rec.entries)
		}
	}
}

func TestDelayAndDrain(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.subscribe(t)
	rec := &recorder{}
	f.registry.RegisterHandler("test.step", rec.handler("step"))
	ctx := context.Background()
	sid := int64(7)
	env := newJob(model.NewStep("step", "test.step"))
	_ = env.Set("submission_id", sid)

	handle, err := f.manager.Delay(ctx, env, DelayOptions{Priority: model.PriorityHigh})
	if err != nil || handle == nil {
		t.Fatalf("delay failed: %v", err)
	}
	job, err := f.jobs.Get(ctx, nil, env.JobID)
	if err != nil {
		t.Fatalf("get job failed: %v", err)
	}
	if job.State != model.StateQueued || job.TaskID != handle.TaskID || job.SubmissionID == nil || *job.SubmissionID != sid {
		t.Fatalf("unexpected queued job %+v", job)
	}
	if handle.Topic != DefaultTopics()[model.PriorityHigh] {
		t.Fatalf("unexpected topic %s", handle.Topic)
	}

	if n := f.queue.Drain(ctx); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	if rec.count("step") != 1 {
		t.Fatalf("expected the step to run once")
	}
	if _, ok := f.jobState(t, env.JobID); ok {
		t.Fatalf("queued job must be gone")
	}
	events := f.queue.Published(statusTopic)
	if len(events) != 1 {
		t.Fatalf("expected one status event, got %d", len(events))
	}
	var event model.JobStatusEvent
	if err := json.Unmarshal(events[0].Body, &event); err != nil || event.Outcome != model.OutcomeCompleted {
		t.Fatalf("unexpected event %+v err=%v", event, err)
	}
}

func TestDelayEnvironRequiresTransaction(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.manager.DelayEnviron(context.Background(), nil, newJob(), DelayOptions{})
	if !appErr.Is(err, appErr.TransactionRequired) {
		t.Fatalf("expected TransactionRequired, got %v", err)
	}
	_, err = f.manager.MarkJobState(context.Background(), nil, newJob(), model.StateQueued, nil)
	if !appErr.Is(err, appErr.TransactionRequired) {
		t.Fatalf("expected TransactionRequired, got %v", err)
	}
}

// parkingFixture registers a step that transfers the job with foo=42 and a
// step that runs after the resume.
func parkingFixture(t *testing.T) (*fixture, *recorder, *[]int64) {
	f := newFixture(t, nil)
	rec := &recorder{}
	var handedOff []int64
	f.registry.RegisterHandler("test.park", func(_ context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
		_ = env.Set("before", "kept")
		return model.TransferJob(env, "test.transfer", RestoreIncoming, map[string]any{"foo": 42})
	})
	f.registry.RegisterTransfer("test.transfer", func(_ context.Context, env *model.Environ, kwargs map[string]any) error {
		if foo, _ := model.ToInt(kwargs["foo"]); foo != 42 {
			return errors.New("transfer kwargs lost")
		}
		if env.Transfer != nil {
			return errors.New("transfer request leaked into the hand-off")
		}
		handedOff = append(handedOff, env.SavedEnvironID)
		return nil
	})
	f.registry.RegisterHandler("test.after", rec.handler("after"))
	return f, rec, &handedOff
}

func TestTransferAndResume(t *testing.T) {
	t.Parallel()
	f, rec, handedOff := parkingFixture(t)
	ctx := context.Background()
	env := newJob(model.NewStep("park", "test.park"), model.NewStep("after", "test.after"))

	result, err := f.manager.RunJob(ctx, env)
	if err != nil || result.Outcome != model.OutcomeTransferred {
		t.Fatalf("expected transfer, got %+v err=%v", result, err)
	}
	if len(*handedOff) != 1 || (*handedOff)[0] == 0 {
		t.Fatalf("expected one hand-off with a saved environ id, got %v", *handedOff)
	}
	if state, _ := f.jobState(t, env.JobID); state != model.StateWaiting {
		t.Fatalf("expected WAITING, got %s", state)
	}
	saved, err := f.saved.GetByJob(ctx, nil, env.JobID)
	if err != nil || saved.ID != (*handedOff)[0] {
		t.Fatalf("expected one saved environ, got %+v err=%v", saved, err)
	}

	incoming := &model.Environ{SavedEnvironID: saved.ID}
	_ = incoming.Set("result", "ok")
	resumed, err := f.manager.RunJob(ctx, incoming)
	if err != nil || resumed.Outcome != model.OutcomeCompleted {
		t.Fatalf("expected completion, got %+v err=%v", resumed, err)
	}
	final := resumed.Environ
	if v, _ := final.GetString("result"); v != "ok" {
		t.Fatalf("callback payload missing: %s", final)
	}
	if v, _ := final.GetString("before"); v != "kept" {
		t.Fatalf("parked value missing: %s", final)
	}
	if final.JobID != env.JobID || final.Has(model.KeySavedEnvironID) || final.Has(model.KeyTransfer) {
		t.Fatalf("unexpected reserved keys after resume: %s", final)
	}
	if rec.count("after") != 1 {
		t.Fatalf("expected the remaining step to run once")
	}
	if _, err := f.saved.GetByJob(ctx, nil, env.JobID); !appErr.Is(err, appErr.RecordNotFound) {
		t.Fatalf("saved environ must be consumed, got %v", err)
	}

	again, err := f.manager.RunJob(ctx, incoming)
	if err != nil || again.Outcome != model.OutcomeAbandoned {
		t.Fatalf("duplicate resume must be a no-op, got %+v err=%v", again, err)
	}
	if rec.count("after") != 1 {
		t.Fatalf("duplicate resume ran steps")
	}
}

func TestDuplicateResumeThroughDelay(t *testing.T) {
	t.Parallel()
	f, _, handedOff := parkingFixture(t)
	ctx := context.Background()
	env := newJob(model.NewStep("park", "test.park"), model.NewStep("after", "test.after"))
	if _, err := f.manager.RunJob(ctx, env); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	callback := &model.Environ{SavedEnvironID: (*handedOff)[0]}
	first, err := f.manager.Delay(ctx, callback, DelayOptions{})
	if err != nil || first == nil {
		t.Fatalf("first resume must queue the job, got %v err=%v", first, err)
	}
	second, err := f.manager.Delay(ctx, callback, DelayOptions{})
	if err != nil || second != nil {
		t.Fatalf("second resume must be dropped, got %v err=%v", second, err)
	}
	if state, _ := f.jobState(t, env.JobID); state != model.StateQueued {
		t.Fatalf("expected QUEUED, got %s", state)
	}
}

func TestCancelWhileWaitingDropsResume(t *testing.T) {
	t.Parallel()
	f, rec, handedOff := parkingFixture(t)
	ctx := context.Background()
	env := newJob(model.NewStep("park", "test.park"), model.NewStep("after", "test.after"))
	if _, err := f.manager.RunJob(ctx, env); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	found, err := f.manager.CancelJob(ctx, env.JobID)
	if err != nil || !found {
		t.Fatalf("cancel failed: found=%v err=%v", found, err)
	}
	if state, _ := f.jobState(t, env.JobID); state != model.StateCancelled {
		t.Fatalf("expected CANCELLED tombstone, got %s", state)
	}

	handle, err := f.manager.Delay(ctx, &model.Environ{SavedEnvironID: (*handedOff)[0]}, DelayOptions{})
	if err != nil || handle != nil {
		t.Fatalf("resume of a cancelled job must be dropped, got %v err=%v", handle, err)
	}
	if _, ok := f.jobState(t, env.JobID); ok {
		t.Fatalf("cancelled row must be removed on resume")
	}
	if rec.count("after") != 0 {
		t.Fatalf("cancelled job ran steps")
	}
}

func TestResumeBeforeCancel(t *testing.T) {
	t.Parallel()
	f, rec, handedOff := parkingFixture(t)
	ctx := context.Background()
	env := newJob(model.NewStep("park", "test.park"), model.NewStep("after", "test.after"))
	if _, err := f.manager.RunJob(ctx, env); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, err := f.manager.RunJob(ctx, &model.Environ{SavedEnvironID: (*handedOff)[0]}); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	found, err := f.manager.CancelJob(ctx, env.JobID)
	if err != nil || found {
		t.Fatalf("cancelling a finished job must be a no-op, found=%v err=%v", found, err)
	}
	if rec.count("after") != 1 {
		t.Fatalf("expected exactly one completion")
	}
}

func TestCancelBeforeStartAbandonsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.subscribe(t)
	rec := &recorder{}
	f.registry.RegisterHandler("test.step", rec.handler("step"))
	ctx := context.Background()
	env := newJob(model.NewStep("step", "test.step"))

	if _, err := f.manager.Delay(ctx, env, DelayOptions{}); err != nil {
		t.Fatalf("delay failed: %v", err)
	}
	if _, err := f.manager.CancelJob(ctx, env.JobID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	f.queue.Drain(ctx)
	if rec.count("step") != 0 {
		t.Fatalf("cancelled job ran steps")
	}
	if _, ok := f.jobState(t, env.JobID); ok {
		t.Fatalf("cancelled row must be removed when the job starts")
	}
	var event model.JobStatusEvent
	events := f.queue.Published(statusTopic)
	if len(events) != 1 || json.Unmarshal(events[0].Body, &event) != nil || event.Outcome != model.OutcomeAbandoned {
		t.Fatalf("expected one abandoned event, got %d", len(events))
	}
}

func TestCheckCancelEachStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *Config) { cfg.CheckCancelEachStep = true })
	rec := &recorder{}
	f.registry.RegisterHandler("test.cancel", func(ctx context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
		if _, err := f.manager.CancelJob(ctx, env.JobID); err != nil {
			return nil, err
		}
		return env, nil
	})
	f.registry.RegisterHandler("test.next", rec.handler("next"))
	env := newJob(model.NewStep("cancel", "test.cancel"), model.NewStep("next", "test.next"))

	result, err := f.manager.RunJob(context.Background(), env)
	if err != nil || result.Outcome != model.OutcomeAbandoned {
		t.Fatalf("expected abandoned, got %+v err=%v", result, err)
	}
	if rec.count("next") != 0 {
		t.Fatalf("step after cancel must not run")
	}
	if _, ok := f.jobState(t, env.JobID); ok {
		t.Fatalf("cancelled row must be removed")
	}
}

func TestWorkerReportedFailureRunsHandlersOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	rec := &recorder{}
	f.registry.RegisterHandler("test.record", func(_ context.Context, env *model.Environ, kwargs map[string]any) (*model.Environ, error) {
		if !appErr.Is(ExcInfo(kwargs), appErr.WorkerReportedErr) {
			return nil, errors.New("exc_info missing")
		}
		rec.add(env.JobID + ":recorded")
		return env, nil
	})
	env := newJob()
	env.Error = &model.WorkerError{Message: "boom", Traceback: "..."}
	env.ErrorHandlers = append(env.ErrorHandlers, model.NewStep("record", "test.record"))

	result, err := f.manager.RunJob(context.Background(), env)
	if !appErr.Is(err, appErr.WorkerReportedErr) {
		t.Fatalf("expected worker error, got %v", err)
	}
	if result.Outcome != model.OutcomeFailed {
		t.Fatalf("expected failed, got %s", result.Outcome)
	}
	if rec.count(env.JobID+":recorded") != 1 {
		t.Fatalf("expected the handler to run exactly once")
	}
}

func TestErrorHandlerFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	rec := &recorder{}
	stepErr := errors.New("prohibited to hunt in elevator")
	f.registry.RegisterHandler("test.fail", func(context.Context, *model.Environ, map[string]any) (*model.Environ, error) {
		return nil, stepErr
	})
	f.registry.RegisterHandler("test.broken", func(context.Context, *model.Environ, map[string]any) (*model.Environ, error) {
		return nil, errors.New("suspect not found")
	})
	f.registry.RegisterHandler("test.mood", func(_ context.Context, env *model.Environ, kwargs map[string]any) (*model.Environ, error) {
		rec.add(kwargs["mood"].(string))
		return env, nil
	})
	env := newJob(model.NewStep("hunt", "test.fail"))
	env.ErrorHandlers = append(env.ErrorHandlers,
		model.NewStep("call police", "test.broken"),
		model.NewStep("be ashamed", "test.mood").WithKwargs(map[string]any{"mood": "ashamed"}),
	)

	result, err := f.manager.RunJob(context.Background(), env)
	if !errors.Is(err, stepErr) {
		t.Fatalf("expected original error, got %v", err)
	}
	if result.Outcome != model.OutcomeFailed || rec.count("ashamed") != 1 {
		t.Fatalf("expected remaining handler to run, got %+v", result)
	}
	if _, ok := f.jobState(t, env.JobID); ok {
		t.Fatalf("default error handler must remove the queued job")
	}
}

func TestIgnoreErrorsRecoversJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.registry.RegisterHandler("test.fail", func(context.Context, *model.Environ, map[string]any) (*model.Environ, error) {
		return nil, errors.New("boom")
	})
	f.registry.RegisterHandler("test.ignore", func(_ context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
		env.IgnoreErrors = true
		return env, nil
	})
	env := newJob(model.NewStep("fail", "test.fail"))
	env.ErrorHandlers = append(env.ErrorHandlers, model.NewStep("ignore", "test.ignore"))

	result, err := f.manager.RunJob(context.Background(), env)
	if err != nil {
		t.Fatalf("expected the error to be swallowed, got %v", err)
	}
	if result.Outcome != model.OutcomeRecovered || result.Err == nil {
		t.Fatalf("expected recovered with cause, got %+v", result)
	}
}

func TestHandlerForgettingEnvironIsContractViolation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.registry.RegisterHandler("test.blackhole", func(context.Context, *model.Environ, map[string]any) (*model.Environ, error) {
		return nil, nil
	})
	_, err := f.manager.RunJob(context.Background(), newJob(model.NewStep("blackhole", "test.blackhole")))
	if !appErr.Is(err, appErr.ContractViolation) {
		t.Fatalf("expected ContractViolation, got %v", err)
	}
}

func TestMissingRecipeFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.manager.RunJob(context.Background(), model.NewEnviron())
	if !appErr.Is(err, appErr.InvalidEnviron) {
		t.Fatalf("expected InvalidEnviron, got %v", err)
	}
}

func TestFailedTransferRollsBackContinuation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.registry.RegisterHandler("test.park", func(_ context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
		return model.TransferJob(env, "test.down", RestoreSaved, nil)
	})
	f.registry.RegisterTransfer("test.down", func(context.Context, *model.Environ, map[string]any) error {
		return errors.New("connection refused")
	})
	env := newJob(model.NewStep("park", "test.park"))

	_, err := f.manager.RunJob(context.Background(), env)
	if !appErr.Is(err, appErr.TransferFailed) {
		t.Fatalf("expected TransferFailed, got %v", err)
	}
	if _, err := f.saved.GetByJob(context.Background(), nil, env.JobID); !appErr.Is(err, appErr.RecordNotFound) {
		t.Fatalf("continuation must be rolled back, got %v", err)
	}
	if _, ok := f.jobState(t, env.JobID); ok {
		t.Fatalf("failed job must not stay parked")
	}
}

func TestMarkJobStateOnCancelledRow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	env := newJob()
	if err := f.jobs.Insert(ctx, nil, &model.QueuedJob{JobID: env.JobID, State: model.StateCancelled}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	var marked bool
	err := f.manager.Transaction(ctx, func(tx db.Transaction) error {
		var err error
		marked, err = f.manager.MarkJobState(ctx, tx, env, model.StateProgress, nil)
		return err
	})
	if err != nil || marked {
		t.Fatalf("expected false for a cancelled job, got %v err=%v", marked, err)
	}
	if _, ok := f.jobState(t, env.JobID); ok {
		t.Fatalf("cancelled row must be deleted")
	}
}

func TestHandleMessageRejectsGarbage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.subscribe(t)
	if err := f.queue.Publish(context.Background(), DefaultTopics()[model.PriorityNormal], mq.NewMessage("garbage", []byte("not json"))); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	f.queue.Drain(context.Background())
	if len(f.queue.DeadLetters()) != 1 {
		t.Fatalf("expected the message to be dead-lettered")
	}
}
