// Package ingest runs the two ingestion paths: the live fetch-assemble-persist invocation and the
// batch CSV import.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/smartcity-telemetry/internal/assemble"
	"github.com/kjstillabower/smartcity-telemetry/internal/canonical"
	"github.com/kjstillabower/smartcity-telemetry/internal/client"
	"github.com/kjstillabower/smartcity-telemetry/internal/models"
	"github.com/kjstillabower/smartcity-telemetry/internal/observability"
	"github.com/kjstillabower/smartcity-telemetry/internal/persist"
	"github.com/kjstillabower/smartcity-telemetry/internal/secret"
)

// ErrMissingCredential is returned before any fetch when no API key can be resolved.
var ErrMissingCredential = errors.New("missing_api_key")

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is the JSON result of one live invocation.
type Response struct {
	Status         string `json:"status"`
	TimestampUTC   string `json:"timestamp_utc,omitempty"`
	TimestampIST   string `json:"timestamp_ist,omitempty"`
	TimestampEpoch int64  `json:"timestamp_epoch,omitempty"`
	Error          string `json:"error,omitempty"`
	Message        string `json:"message,omitempty"`
}

// ClientFactory builds the upstream client once the API key is known.
type ClientFactory func(apiKey string) (client.TelemetryClient, error)

// RunnerConfig names the secret that holds the upstream API key.
type RunnerConfig struct {
	SecretName string
	KeyField   string
}

// Runner performs live ingestion invocations. A Runner is safe to reuse across invocations;
// the secret cache it holds is shared by all of them.
type Runner struct {
	cfg       RunnerConfig
	secrets   *secret.Cache
	newClient ClientFactory
	assembler *assemble.Assembler
	gateway   *persist.Gateway
	logger    *zap.Logger
	now       func() time.Time
}

func NewRunner(cfg RunnerConfig, secrets *secret.Cache, newClient ClientFactory, assembler *assemble.Assembler, gateway *persist.Gateway, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "OPENWEATHER_API_KEY"
	}
	return &Runner{
		cfg:       cfg,
		secrets:   secrets,
		newClient: newClient,
		assembler: assembler,
		gateway:   gateway,
		logger:    logger,
		now:       time.Now,
	}
}

// Run performs one invocation. The returned Response is always populated; err is non-nil when
// the invocation failed and the caller should exit non-zero.
func (r *Runner) Run(ctx context.Context) (Response, error) {
	invocationID := uuid.New().String()
	logger := r.logger.With(zap.String("invocation_id", invocationID))
	ctx = observability.ContextWithCorrelationID(ctx, invocationID)
	ctx = observability.ContextWithLogger(ctx, logger)

	start := time.Now()
	resp, err := r.run(ctx, logger)
	outcome := "success"
	switch {
	case errors.Is(err, ErrMissingCredential):
		outcome = "missing_credential"
		logger.Error("API key not configured", zap.String("secret_name", r.cfg.SecretName))
	case err != nil:
		outcome = "error"
		logger.Error("Ingestion failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
	default:
		logger.Info("Ingestion completed",
			zap.String("timestamp_ist", resp.TimestampIST),
			zap.Duration("duration", time.Since(start)),
		)
	}
	observability.IngestRunsTotal.WithLabelValues(outcome).Inc()
	return resp, err
}

func (r *Runner) run(ctx context.Context, logger *zap.Logger) (Response, error) {
	apiKey, err := r.apiKey(ctx)
	if err != nil {
		if errors.Is(err, ErrMissingCredential) {
			return Response{Status: StatusError, Error: ErrMissingCredential.Error()}, err
		}
		return errorResponse(err), err
	}

	c, err := r.newClient(apiKey)
	if err != nil {
		return errorResponse(err), fmt.Errorf("create client: %w", err)
	}

	weather, err := c.CurrentWeather(ctx)
	if err != nil {
		return errorResponse(err), fmt.Errorf("fetch weather: %w", err)
	}
	air, err := c.AirPollution(ctx)
	if err != nil {
		return errorResponse(err), fmt.Errorf("fetch air pollution: %w", err)
	}

	now := r.now()
	rec := r.assembler.Assemble(weather, air, now)
	item := canonical.Map(rec.ToMap())
	logger.Debug("Record assembled", zap.String("city_id", rec.CityID), zap.String("timestamp", rec.Timestamp))

	raw := models.RawPayloads{Weather: weather, Air: air}
	if err := r.gateway.Persist(ctx, rec, item, raw, now); err != nil {
		return errorResponse(err), err
	}

	return Response{
		Status:         StatusOK,
		TimestampUTC:   rec.TimestampUTC,
		TimestampIST:   rec.TimestampIST,
		TimestampEpoch: rec.TimestampEpoch,
	}, nil
}

func (r *Runner) apiKey(ctx context.Context) (string, error) {
	if strings.TrimSpace(r.cfg.SecretName) == "" {
		return "", ErrMissingCredential
	}
	v, err := r.secrets.Get(ctx, r.cfg.SecretName)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(v.Field(r.cfg.KeyField))
	if key == "" {
		return "", ErrMissingCredential
	}
	return key, nil
}

func errorResponse(err error) Response {
	return Response{Status: StatusError, Message: err.Error()}
}
