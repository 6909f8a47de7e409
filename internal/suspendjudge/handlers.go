package suspendjudge

import (
	"context"

	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/service"
	appErr "ojeval/pkg/errors"
)

// Registry references contributed by this package.
const (
	HandlerCheck = "suspendjudge.check"
	TransferPark = "suspendjudge.park"

	// KwargSuspendInitTests marks a check placed before the initial tests.
	KwargSuspendInitTests = "suspend_init_tests"
)

// Register binds the suspendjudge steps to s.
func (s *Service) Register(registry *service.Registry) {
	registry.RegisterHandler(HandlerCheck, s.check)
	registry.RegisterTransfer(TransferPark, func(ctx context.Context, env *model.Environ, kwargs map[string]any) error {
		problemID, ok := model.ToInt(kwargs["problem_id"])
		if !ok {
			return appErr.ValidationError("problem_id", "required")
		}
		return s.park(ctx, env, problemID)
	})
}

// check parks the job when its problem is suspended. Rejudges that only
// produce hidden reports are never held back.
func (s *Service) check(ctx context.Context, env *model.Environ, kwargs map[string]any) (*model.Environ, error) {
	problemID, ok := env.GetInt("problem_id")
	if !ok {
		return nil, appErr.ValidationError("problem_id", "required")
	}
	if hiddenRejudge(env) {
		return env, nil
	}
	mode, suspended, err := s.Mode(ctx, problemID)
	if err != nil {
		return nil, err
	}
	if !suspended {
		return env, nil
	}
	initial, _ := kwargs[KwargSuspendInitTests].(bool)
	if initial && mode != ModeAll {
		return env, nil
	}
	return model.TransferJob(env, TransferPark, service.RestoreSaved, map[string]any{"problem_id": problemID})
}

func hiddenRejudge(env *model.Environ) bool {
	if !env.GetBool("is_rejudge") {
		return false
	}
	kinds, ok := env.Get("report_kinds")
	if !ok {
		return false
	}
	switch v := kinds.(type) {
	case []any:
		return len(v) == 1 && v[0] == "HIDDEN"
	case []string:
		return len(v) == 1 && v[0] == "HIDDEN"
	}
	return false
}
