package service

import (
	"context"
	"errors"

	"ojeval/internal/evalmgr/model"
)

// Built-in restore references.
const (
	// RestoreSaved keeps the parked values and only adds callback keys the
	// parked environ does not have.
	RestoreSaved = "evalmgr.restore_saved"
	// RestoreIncoming lets callback values override the parked ones.
	RestoreIncoming = "evalmgr.restore_incoming"
)

// KwargExcInfo is the extra kwarg carrying the failure into error handlers.
const KwargExcInfo = "exc_info"

// ErrAbandoned stops a job without reporting success or failure. A step
// returns it when the job was revoked under it; no error handler runs.
var ErrAbandoned = errors.New("evalmgr: job abandoned")

// ExcInfo returns the failure an error handler was invoked for.
func ExcInfo(kwargs map[string]any) error {
	err, _ := kwargs[KwargExcInfo].(error)
	return err
}

func placeholder(_ context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
	return env, nil
}

func restoreSaved(_ context.Context, saved, incoming *model.Environ) (*model.Environ, error) {
	for key, value := range incoming.Values {
		if !saved.Has(key) {
			_ = saved.Set(key, value)
		}
	}
	if saved.Error == nil {
		saved.Error = incoming.Error
	}
	return saved, nil
}

func restoreIncoming(_ context.Context, saved, incoming *model.Environ) (*model.Environ, error) {
	for key, value := range incoming.Values {
		_ = saved.Set(key, value)
	}
	if incoming.Error != nil {
		saved.Error = incoming.Error
	}
	return saved, nil
}

// removeQueuedJobOnError is the default error handler: a fatally failed job
// must not stay visible as in progress.
func (m *Manager) removeQueuedJobOnError(ctx context.Context, env *model.Environ, _ map[string]any) (*model.Environ, error) {
	if env.JobID == "" {
		return env, nil
	}
	if err := m.DeleteJob(ctx, env.JobID); err != nil {
		return nil, err
	}
	return env, nil
}
