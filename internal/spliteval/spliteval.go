// Package spliteval judges a submission in two passes: the steps before
// the postpone point run at the priority the job was queued with, the rest
// is re-queued at low priority.
package spliteval

import (
	"context"

	"go.uber.org/zap"

	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/service"
	appErr "ojeval/pkg/errors"
	"ojeval/pkg/utils/logger"
)

// Registry references contributed by this package.
const (
	HandlerPostpone          = "spliteval.postpone"
	TransferDelayLowPriority = "spliteval.delay_lowprio"
)

// Delayer queues environs; *service.Manager implements it.
type Delayer interface {
	Delay(ctx context.Context, env *model.Environ, opts service.DelayOptions) (*service.DispatchHandle, error)
}

// Register binds the spliteval steps to delayer.
func Register(registry *service.Registry, delayer Delayer) {
	registry.RegisterHandler(HandlerPostpone, postpone)
	registry.RegisterTransfer(TransferDelayLowPriority, func(ctx context.Context, env *model.Environ, kwargs map[string]any) error {
		return delayLowPriority(ctx, delayer, env, kwargs)
	})
}

// postpone parks the job so the remaining recipe runs from the low
// priority queue. An optional "priority" kwarg picks another queue.
func postpone(_ context.Context, env *model.Environ, kwargs map[string]any) (*model.Environ, error) {
	priority := model.PriorityLow
	if p, ok := kwargs["priority"].(string); ok && p != "" {
		priority = model.Priority(p)
	}
	return model.TransferJob(env, TransferDelayLowPriority, service.RestoreSaved, map[string]any{
		"priority": string(priority),
	})
}

func delayLowPriority(ctx context.Context, delayer Delayer, env *model.Environ, kwargs map[string]any) error {
	if env.SavedEnvironID == 0 {
		return appErr.New(appErr.EnvironNotResumable).WithMessage("postponed environ was not saved")
	}
	priority := model.PriorityLow
	if p, ok := kwargs["priority"].(string); ok && p != "" {
		priority = model.Priority(p)
	}
	resume := &model.Environ{JobID: env.JobID, SavedEnvironID: env.SavedEnvironID}
	handle, err := delayer.Delay(ctx, resume, service.DelayOptions{Priority: priority})
	if err != nil {
		return err
	}
	if handle != nil {
		logger.Debug(ctx, "Job postponed",
			zap.String("job_id", env.JobID),
			zap.String("topic", handle.Topic),
		)
	}
	return nil
}
