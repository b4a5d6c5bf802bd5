package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/smartcity-telemetry/internal/observability"
)

// Transport performs a single logical GET and returns the response body of a 2xx answer.
type Transport interface {
	Get(ctx context.Context, rawURL string, params url.Values, timeout time.Duration) ([]byte, error)
}

// Transport modes accepted by NewTransport.
const (
	ModeRetrying = "retrying"
	ModeDegraded = "degraded"
)

// RetryConfig bounds the retry loop. MaxRetries counts retries, not attempts.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig is 3 retries (4 attempts) starting at 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// TransportConfig selects and configures the transport.
type TransportConfig struct {
	Mode     string
	ProxyURL string
	CAFile   string
	Retry    RetryConfig
}

// NewTransport returns the retrying transport unless the mode forces the degraded one or the
// primary HTTP client cannot be built from cfg. Falling back is logged and reported by the
// transportDegraded gauge.
func NewTransport(cfg TransportConfig, logger *zap.Logger) Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode == ModeDegraded {
		logger.Warn("degraded transport forced by configuration; upstream calls will not be retried")
		observability.TransportDegraded.Set(1)
		return NewDegradedTransport(&http.Client{})
	}

	httpClient, err := newHTTPClient(cfg)
	if err != nil {
		logger.Warn("primary http client unavailable, using degraded transport", zap.Error(err))
		observability.TransportDegraded.Set(1)
		return NewDegradedTransport(&http.Client{})
	}
	observability.TransportDegraded.Set(0)
	return NewRetryingTransport(httpClient, cfg.Retry, logger)
}

func newHTTPClient(cfg TransportConfig) (*http.Client, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("default transport is not *http.Transport")
	}
	tr := base.Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil || proxy.Scheme == "" || proxy.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", cfg.ProxyURL)
		}
		tr.Proxy = http.ProxyURL(proxy)
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca bundle %s contains no certificates", cfg.CAFile)
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{Transport: tr}, nil
}

// RetryingTransport retries connection failures and 429/500/502/503/504 with exponential
// backoff and jitter. Any other non-2xx status fails on the first attempt.
type RetryingTransport struct {
	client *http.Client
	retry  RetryConfig
	logger *zap.Logger
}

// NewRetryingTransport wraps client. MaxRetries is used as given (0 means a single attempt and a
// negative value counts as 0); a non-positive BaseDelay, or a MaxDelay below BaseDelay, takes the
// default.
func NewRetryingTransport(client *http.Client, retry RetryConfig, logger *zap.Logger) *RetryingTransport {
	def := DefaultRetryConfig()
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = def.BaseDelay
	}
	if retry.MaxDelay < retry.BaseDelay {
		retry.MaxDelay = def.MaxDelay
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingTransport{client: client, retry: retry, logger: logger}
}

func (t *RetryingTransport) Get(ctx context.Context, rawURL string, params url.Values, timeout time.Duration) ([]byte, error) {
	endpoint := endpointLabel(rawURL)
	attempts := t.retry.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			observability.UpstreamRetriesTotal.WithLabelValues(endpoint).Inc()
			delay := t.calculateBackoff(attempt - 1)
			t.logger.Debug("retrying upstream call",
				zap.String("endpoint", endpoint), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, &FetchError{URL: rawURL, Attempts: attempt - 1, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		body, status, err := doGet(ctx, t.client, rawURL, params, timeout)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isRetryable(ctx, err) {
			return nil, &FetchError{URL: rawURL, StatusCode: status, Attempts: attempt, Err: err}
		}
		if attempt == attempts {
			return nil, &FetchError{URL: rawURL, StatusCode: status, Attempts: attempt, Err: fmt.Errorf("exhausted retries: %w", err)}
		}
	}
	return nil, &FetchError{URL: rawURL, Attempts: attempts, Err: lastErr}
}

func (t *RetryingTransport) calculateBackoff(retry int) time.Duration {
	delay := float64(t.retry.BaseDelay) * math.Pow(2, float64(retry-1))
	if delay > float64(t.retry.MaxDelay) {
		delay = float64(t.retry.MaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

// DegradedTransport makes exactly one attempt. It exists for environments where the primary
// client cannot be configured.
type DegradedTransport struct {
	client *http.Client
}

func NewDegradedTransport(client *http.Client) *DegradedTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &DegradedTransport{client: client}
}

func (t *DegradedTransport) Get(ctx context.Context, rawURL string, params url.Values, timeout time.Duration) ([]byte, error) {
	body, status, err := doGet(ctx, t.client, rawURL, params, timeout)
	if err != nil {
		return nil, &FetchError{URL: rawURL, StatusCode: status, Attempts: 1, Err: err}
	}
	return body, nil
}

// doGet performs one attempt. status is 0 when no response was received.
func doGet(ctx context.Context, client *http.Client, rawURL string, params url.Values, timeout time.Duration) ([]byte, int, error) {
	start := time.Now()
	endpoint := endpointLabel(rawURL)

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := buildRequest(reqCtx, rawURL, params)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, 0, fmt.Errorf("request timeout: %w", err)
		}
		return nil, 0, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.UpstreamDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read response body: %v", ErrConnection, err)
	}
	return body, resp.StatusCode, nil
}

func buildRequest(ctx context.Context, rawURL string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

// isRetryable reports whether another attempt may succeed. The caller's own cancellation is
// final even though per-attempt timeouts are retried.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) || errors.Is(err, ErrConnection) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func endpointLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "unknown"
	}
	return path.Base(u.Path)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
