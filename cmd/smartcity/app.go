package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.uber.org/zap"

	"github.com/kjstillabower/smartcity-telemetry/internal/blob"
	"github.com/kjstillabower/smartcity-telemetry/internal/client"
	"github.com/kjstillabower/smartcity-telemetry/internal/config"
	"github.com/kjstillabower/smartcity-telemetry/internal/secret"
	"github.com/kjstillabower/smartcity-telemetry/internal/store"
)

// app builds backends from Config. AWS configuration is loaded at most once and only when an
// AWS-backed component is selected.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	awsOnce sync.Once
	awsCfg  aws.Config
	awsErr  error

	closers []func()
}

func newApp(cfg *config.Config, logger *zap.Logger) *app {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &app{cfg: cfg, logger: logger}
}

// Close runs registered closers in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	a.awsOnce.Do(func() {
		a.awsCfg, a.awsErr = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.AWSRegion))
		if a.awsErr != nil {
			a.awsErr = fmt.Errorf("load aws config: %w", a.awsErr)
		}
	})
	return a.awsCfg, a.awsErr
}

// newStore opens the keyed store selected by store.backend.
func (a *app) newStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.StoreBackend {
	case "memory":
		a.logger.Warn("memory keyed store selected; records do not outlive this process")
		return store.NewMemoryStore(), nil
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:      a.cfg.PostgresDSN,
			Table:    a.cfg.StoreTable,
			MaxConns: a.cfg.PostgresMaxConns,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("keyed store: postgres", zap.String("table", pg.Location()))
		return pg, nil
	default:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		ds, err := store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), a.cfg.StoreTable)
		if err != nil {
			return nil, err
		}
		a.logger.Info("keyed store: dynamodb", zap.String("table", a.cfg.StoreTable))
		return ds, nil
	}
}

// newBlobStore returns the store for bucket, or nil when bucket is empty so that writes to it are
// skipped.
func (a *app) newBlobStore(ctx context.Context, bucket string) (blob.Store, error) {
	if bucket == "" {
		return nil, nil
	}
	switch a.cfg.BlobBackend {
	case "memory":
		return blob.NewMemoryStore(bucket), nil
	case "local":
		return blob.NewLocalStore(a.cfg.BlobLocalDir, bucket)
	default:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return blob.NewS3Store(s3.NewFromConfig(awsCfg), bucket)
	}
}

func (a *app) newSecretFetcher(ctx context.Context) (secret.Fetcher, error) {
	if a.cfg.SecretSource == "env" {
		return secret.NewEnvFetcher(), nil
	}
	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return secret.NewSecretsManagerFetcher(secretsmanager.NewFromConfig(awsCfg)), nil
}

func (a *app) newClientFactory() func(apiKey string) (client.TelemetryClient, error) {
	transport := client.NewTransport(client.TransportConfig{
		Mode:     a.cfg.WeatherTransport,
		ProxyURL: a.cfg.ProxyURL,
		CAFile:   a.cfg.CAFile,
		Retry: client.RetryConfig{
			MaxRetries: a.cfg.RetryMaxRetries,
			BaseDelay:  a.cfg.RetryBaseDelay,
			MaxDelay:   a.cfg.RetryMaxDelay,
		},
	}, a.logger)
	coords := client.Coordinates{Lat: a.cfg.Lat, Lon: a.cfg.Lon}
	return func(apiKey string) (client.TelemetryClient, error) {
		return client.NewOpenWeatherClient(transport, apiKey, a.cfg.WeatherAPIURL, coords, a.cfg.WeatherAPITimeout)
	}
}
