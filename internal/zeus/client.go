// Package zeus bridges evaluation jobs to Zeus, an external grading
// service for distributed problems. Submissions are sent with a signed
// return URL and resume the parked job when Zeus pushes the grades back.
package zeus

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/breaker"
	"go.uber.org/zap"

	appErr "ojeval/pkg/errors"
	"ojeval/pkg/utils/logger"
)

// Report kinds accepted by SendRegular.
const (
	KindInitial = "INITIAL"
	KindNormal  = "NORMAL"
)

var languages = map[string]string{
	"c":   "C",
	"cc":  "CPP",
	"cpp": "CPP",
}

// Config describes one Zeus instance.
type Config struct {
	URL        string        `yaml:"url"`
	User       string        `yaml:"user"`
	Password   string        `yaml:"password"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetrySleep time.Duration `yaml:"retrySleep"`
}

// Submission is what SendRegular uploads.
type Submission struct {
	ProblemID    int64
	Kind         string
	Source       []byte
	Language     string
	SubmissionID string
	ReturnURL    string
}

// Client talks to one Zeus instance. Every JSON string travels base64
// encoded in both directions.
type Client struct {
	id      string
	cfg     Config
	http    *http.Client
	breaker breaker.Breaker
}

// NewClient creates a client for the instance named id.
func NewClient(id string, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("zeus %s: url is required", id)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetrySleep <= 0 {
		cfg.RetrySleep = time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{
		id:      id,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker.NewBreaker(breaker.WithName("zeus-" + id)),
	}, nil
}

// SendRegular submits a solution for grading and returns the Zeus
// submission id.
func (c *Client) SendRegular(ctx context.Context, sub Submission) (int64, error) {
	submissionType := ""
	switch sub.Kind {
	case KindInitial:
		submissionType = "SMALL"
	case KindNormal:
		submissionType = "LARGE"
	default:
		return 0, appErr.ValidationError("kind", "must be INITIAL or NORMAL")
	}
	language, ok := languages[sub.Language]
	if !ok {
		return 0, appErr.ValidationError("language", "not supported by zeus")
	}
	payload := map[string]string{
		"submission_type": submissionType,
		"return_url":      sub.ReturnURL,
		"username":        sub.SubmissionID,
		"metadata":        "HASTA LA VISTA, BABY",
		"source_code":     string(sub.Source),
		"language":        language,
	}
	var answer map[string]any
	url := fmt.Sprintf("%s/dcj_problem/%d/submissions", c.cfg.URL, sub.ProblemID)
	if err := c.send(ctx, url, payload, &answer); err != nil {
		return 0, err
	}
	raw, ok := answer["submission_id"]
	if !ok {
		return 0, appErr.Newf(appErr.BackendUnavailable, "zeus %s: submission_id missing in response", c.id)
	}
	id, ok := raw.(json.Number)
	if !ok {
		return 0, appErr.Newf(appErr.BackendUnavailable, "zeus %s: malformed submission_id %v", c.id, raw)
	}
	return id.Int64()
}

func (c *Client) send(ctx context.Context, url string, payload map[string]string, out *map[string]any) error {
	encoded := make(map[string]string, len(payload))
	for k, v := range payload {
		encoded[k] = base64.StdEncoding.EncodeToString([]byte(v))
	}
	body, err := json.Marshal(encoded)
	if err != nil {
		return appErr.Wrap(err, appErr.InvalidParams)
	}

	var data []byte
	err = c.breaker.DoWithAcceptable(func() error {
		var lastErr error
		for attempt := 0; attempt < c.cfg.Retries; attempt++ {
			if attempt > 0 {
				timer := time.NewTimer(c.cfg.RetrySleep)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
			data, lastErr = c.post(ctx, url, body)
			if lastErr == nil {
				return nil
			}
			logger.Warn(ctx, "Zeus request failed",
				zap.String("zeus_id", c.id),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
		}
		return lastErr
	}, func(err error) bool {
		return err == nil || ctx.Err() != nil
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.BackendUnavailable, "zeus %s request failed", c.id)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var answer map[string]any
	if err := dec.Decode(&answer); err != nil {
		return appErr.Wrapf(err, appErr.BackendUnavailable, "zeus %s: malformed response", c.id)
	}
	decoded, err := decodeBase64Strings(answer)
	if err != nil {
		return appErr.Wrapf(err, appErr.BackendUnavailable, "zeus %s: malformed response", c.id)
	}
	*out = decoded.(map[string]any)
	return nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("zeus returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// decodeBase64Strings decodes every string value of every object in v.
func decodeBase64Strings(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			if s, ok := item.(string); ok {
				raw, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("field %s: %w", k, err)
				}
				t[k] = string(raw)
				continue
			}
			decoded, err := decodeBase64Strings(item)
			if err != nil {
				return nil, err
			}
			t[k] = decoded
		}
		return t, nil
	case []any:
		for i, item := range t {
			decoded, err := decodeBase64Strings(item)
			if err != nil {
				return nil, err
			}
			t[i] = decoded
		}
		return t, nil
	}
	return v, nil
}
