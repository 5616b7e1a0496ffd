package smoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/savaki/gox/slicex"
	"github.com/savaki/opea-comps/internal/errors"
)

const maxBodyLength = 2048

// Result is the final outcome of one check
type Result struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Status   int    `json:"status"`
	Attempts int    `json:"attempts"`
	Body     string `json:"body,omitempty"`
	Err      error  `json:"-"`
}

type Runner struct {
	client          *http.Client
	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsed      time.Duration
}

type Option func(*Runner)

func WithHTTPClient(client *http.Client) Option {
	return func(r *Runner) {
		r.client = client
	}
}

// WithBackoff sets the polling intervals and how long a check is retried overall
func WithBackoff(initial, max, elapsed time.Duration) Option {
	return func(r *Runner) {
		r.initialInterval = initial
		r.maxInterval = max
		r.maxElapsed = elapsed
	}
}

func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		client:          &http.Client{Timeout: 2 * time.Minute},
		initialInterval: 2 * time.Second,
		maxInterval:     30 * time.Second,
		maxElapsed:      10 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls every check concurrently until it passes or gives up.
// Results keep the order of checks; the error wraps ErrCheckFailed when any check failed.
func (r *Runner) Run(ctx context.Context, checks ...Check) ([]Result, error) {
	callback := func(ctx context.Context, check Check) (*Result, error) {
		result := r.poll(ctx, check)
		return &result, nil
	}
	results, err := slicex.MapConcurrent(callback).
		Concurrency(len(checks) + 1).
		CollectErrors().
		DoValues(ctx, checks...)
	if err != nil {
		return nil, fmt.Errorf("failed to run smoke checks: %w", err)
	}

	out := make([]Result, 0, len(results))
	var failed []string
	for _, result := range results {
		if result == nil {
			continue
		}
		out = append(out, *result)
		if !result.Passed {
			failed = append(failed, result.Name)
		}
	}
	if len(failed) > 0 {
		return out, fmt.Errorf("%w: %s", errors.ErrCheckFailed, strings.Join(failed, ", "))
	}
	return out, nil
}

func (r *Runner) poll(ctx context.Context, check Check) Result {
	logger := zerolog.Ctx(ctx).With().Str("check", check.Name).Str("url", check.URL).Logger()
	result := Result{Name: check.Name}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialInterval
	policy.MaxInterval = r.maxInterval
	policy.MaxElapsedTime = r.maxElapsed

	op := func() error {
		result.Attempts++
		status, body, err := r.do(ctx, check)
		result.Status = status
		result.Body = truncate(body)
		if err != nil {
			return err
		}
		if status < 200 || status > 299 {
			return fmt.Errorf("unexpected status %d", status)
		}
		if !check.Matches(body) {
			return fmt.Errorf("response does not contain any of %q", check.Expect)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug().Err(err).Int("attempt", result.Attempts).Dur("wait", wait).Msg("Check not passing yet")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		logger.Error().Err(err).Int("attempts", result.Attempts).Msg("Check failed")
		result.Err = fmt.Errorf("%w: %s: %w", errors.ErrCheckFailed, check.Name, err)
		return result
	}

	logger.Info().Int("attempts", result.Attempts).Msg("Check passed")
	result.Passed = true
	return result
}

func (r *Runner) do(ctx context.Context, check Check) (int, string, error) {
	var body io.Reader
	if check.Body != nil {
		data, err := json.Marshal(check.Body)
		if err != nil {
			return 0, "", backoff.Permanent(fmt.Errorf("failed to marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	method := check.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, check.URL, body)
	if err != nil {
		return 0, "", backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if check.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range check.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(data), nil
}

// truncate cuts s to at most maxBodyLength bytes without splitting a rune
func truncate(s string) string {
	if len(s) <= maxBodyLength {
		return s
	}
	cut := maxBodyLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
