package sioworkers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/breaker"
	"go.uber.org/zap"

	"ojeval/internal/evalmgr/model"
	appErr "ojeval/pkg/errors"
	"ojeval/pkg/utils/logger"
)

const singleJobKey = "dummy_name"

// RemoteConfig configures the sioworkersd client.
type RemoteConfig struct {
	// URL is the base address of sioworkersd.
	URL string `yaml:"url"`
	// ReturnURL is where sioworkersd posts finished async groups.
	ReturnURL string `yaml:"returnURL"`
	// Instance names this deployment to the scheduler.
	Instance        string        `yaml:"instance"`
	ContestPriority int           `yaml:"contestPriority"`
	ContestWeight   int           `yaml:"contestWeight"`
	Timeout         time.Duration `yaml:"timeout"`
}

// RemoteBackend talks JSON over HTTP to a sioworkersd daemon. Calls go
// through a circuit breaker so a dead daemon fails jobs fast.
type RemoteBackend struct {
	cfg     RemoteConfig
	client  *http.Client
	breaker breaker.Breaker
}

// NewRemoteBackend creates a sioworkersd client.
func NewRemoteBackend(cfg RemoteConfig) (*RemoteBackend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sioworkersd url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &RemoteBackend{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker.NewBreaker(breaker.WithName("sioworkersd")),
	}, nil
}

func (b *RemoteBackend) RunJob(ctx context.Context, job Job, extra map[string]any) (Job, error) {
	results, err := b.RunJobs(ctx, map[string]Job{singleJobKey: job}, extra)
	if err != nil {
		return nil, err
	}
	out, ok := results[singleJobKey]
	if !ok {
		return nil, appErr.New(appErr.LeafJobFailed).WithMessage("sioworkersd returned no result")
	}
	return out, nil
}

func (b *RemoteBackend) RunJobs(ctx context.Context, jobs map[string]Job, extra map[string]any) (map[string]Job, error) {
	group := b.group(map[string]any{KeyJobs: jobs, KeyExtraArgs: extra})
	var answer map[string]any
	if err := b.call(ctx, "sync_run_group", group, &answer); err != nil {
		return nil, err
	}
	if raw, ok := answer[model.KeyError]; ok {
		var werr model.WorkerError
		if data, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(data, &werr)
		}
		return nil, appErr.Newf(appErr.WorkerReportedErr,
			"Error from workers:\n%s\nTB:\n%s", werr.Message, werr.Traceback)
	}
	results, err := decodeJobs(answer[KeyResults])
	if err != nil {
		return nil, appErr.Wrap(err, appErr.LeafJobFailed)
	}
	return results, nil
}

// SendAsyncJobs submits the environ as a group; sioworkersd posts it back
// to the return URL when the group finishes.
func (b *RemoteBackend) SendAsyncJobs(ctx context.Context, env *model.Environ) error {
	if b.cfg.ReturnURL == "" {
		return appErr.New(appErr.BackendUnavailable).WithMessage("sioworkers return url is not configured")
	}
	if err := env.Set(KeyReturnURL, b.cfg.ReturnURL); err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return appErr.Wrap(err, appErr.InvalidEnviron)
	}
	var group map[string]any
	if err := json.Unmarshal(raw, &group); err != nil {
		return appErr.Wrap(err, appErr.InvalidEnviron)
	}
	return b.call(ctx, "run_group", b.group(group), nil)
}

func (b *RemoteBackend) group(env map[string]any) map[string]any {
	env["oioioi_instance"] = b.cfg.Instance
	env["contest_priority"] = b.cfg.ContestPriority
	env["contest_weight"] = b.cfg.ContestWeight
	return env
}

func (b *RemoteBackend) call(ctx context.Context, method string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidEnviron, "encode %s request", method)
	}
	err = b.breaker.DoWithAcceptable(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL+"/"+method, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := b.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("sioworkersd %s returned %d: %s", method, resp.StatusCode, strings.TrimSpace(string(data)))
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(data, out)
	}, func(err error) bool {
		return err == nil || ctx.Err() != nil
	})
	if err != nil {
		logger.Warn(ctx, "sioworkersd call failed", zap.String("method", method), zap.Error(err))
		return appErr.Wrapf(err, appErr.BackendUnavailable, "sioworkersd %s failed", method)
	}
	return nil
}

var _ Backend = (*RemoteBackend)(nil)
