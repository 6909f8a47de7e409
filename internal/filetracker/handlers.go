package filetracker

import (
	"context"

	"go.uber.org/zap"

	"ojeval/internal/evalmgr/model"
	"ojeval/internal/evalmgr/service"
	"ojeval/pkg/utils/logger"
)

// HandlerDeleteFiles removes the files named by the environ keys listed in
// its "keys" kwarg. It also works as an error handler.
const HandlerDeleteFiles = "filetracker.delete_files"

// Register binds the filetracker steps to client.
func Register(registry *service.Registry, client *Client) {
	registry.RegisterHandler(HandlerDeleteFiles, func(ctx context.Context, env *model.Environ, kwargs map[string]any) (*model.Environ, error) {
		return deleteFiles(ctx, client, env, kwargs)
	})
}

func deleteFiles(ctx context.Context, client *Client, env *model.Environ, kwargs map[string]any) (*model.Environ, error) {
	keys, _ := kwargs["keys"].([]any)
	var paths []string
	for _, k := range keys {
		name, ok := k.(string)
		if !ok {
			continue
		}
		value, ok := env.Get(name)
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			paths = append(paths, v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					paths = append(paths, s)
				}
			}
		}
		env.Delete(name)
	}
	if len(paths) == 0 {
		return env, nil
	}
	if err := client.Delete(ctx, paths...); err != nil {
		return nil, err
	}
	logger.Debug(ctx, "Deleted job files", zap.Strings("paths", paths))
	return env, nil
}
