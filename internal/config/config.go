package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds settings for all three commands, loaded from YAML and env.
type Config struct {
	Env string

	CityName string
	Lat      float64
	Lon      float64

	WeatherAPIURL     string
	WeatherAPITimeout time.Duration
	WeatherTransport  string // "retrying" or "degraded"
	ProxyURL          string
	CAFile            string

	RetryMaxRetries int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration

	SecretSource   string // "secretsmanager" or "env"
	SecretName     string
	SecretKeyField string

	AWSRegion string

	StoreBackend     string // "dynamodb", "postgres" or "memory"
	StoreTable       string
	PostgresDSN      string
	PostgresMaxConns int32

	BlobBackend     string // "s3", "local" or "memory"
	RawBucket       string
	ProcessedBucket string
	BlobLocalDir    string

	BatchSourceKey string
	BatchOutputKey string
	BatchLatestKey string

	ServerPort     string
	HistoryLimit   int
	RequestTimeout time.Duration
	AllowedOrigin  string

	CacheBackend          string // "in_memory" or "memcached"
	CacheTTL              time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	CoalesceTimeout       time.Duration
	WarmInterval          time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout time.Duration
}

type fileConfig struct {
	City struct {
		Name string   `yaml:"name"`
		Lat  *float64 `yaml:"lat"`
		Lon  *float64 `yaml:"lon"`
	} `yaml:"city"`

	WeatherAPI struct {
		URL       string `yaml:"url"`
		Timeout   string `yaml:"timeout"`
		Transport string `yaml:"transport"`
		ProxyURL  string `yaml:"proxy_url"`
		CAFile    string `yaml:"ca_file"`
	} `yaml:"weather_api"`

	Reliability struct {
		RetryMaxRetries *int   `yaml:"retry_max_retries"`
		RetryBaseDelay  string `yaml:"retry_base_delay"`
		RetryMaxDelay   string `yaml:"retry_max_delay"`
	} `yaml:"reliability"`

	Secrets struct {
		Source   string `yaml:"source"`
		Name     string `yaml:"name"`
		KeyField string `yaml:"key_field"`
	} `yaml:"secrets"`

	AWS struct {
		Region string `yaml:"region"`
	} `yaml:"aws"`

	Store struct {
		Backend          string `yaml:"backend"`
		Table            string `yaml:"table"`
		PostgresDSN      string `yaml:"postgres_dsn"`
		PostgresMaxConns int32  `yaml:"postgres_max_conns"`
	} `yaml:"store"`

	Blob struct {
		Backend         string `yaml:"backend"`
		RawBucket       string `yaml:"raw_bucket"`
		ProcessedBucket string `yaml:"processed_bucket"`
		LocalDir        string `yaml:"local_dir"`
	} `yaml:"blob"`

	Batch struct {
		SourceKey string `yaml:"source_key"`
		OutputKey string `yaml:"output_key"`
		LatestKey string `yaml:"latest_key"`
	} `yaml:"batch"`

	Dashboard struct {
		Port           string `yaml:"port"`
		HistoryLimit   int    `yaml:"history_limit"`
		RequestTimeout string `yaml:"request_timeout"`
		AllowedOrigin  string `yaml:"allowed_origin"`
		RateLimitRPS   int    `yaml:"rate_limit_rps"`
		RateLimitBurst int    `yaml:"rate_limit_burst"`
		Cache          struct {
			Backend         string `yaml:"backend"`
			TTL             string `yaml:"ttl"`
			CoalesceTimeout string `yaml:"coalesce_timeout"`
			WarmInterval    string `yaml:"warm_interval"`
			Memcached       struct {
				Addrs        string `yaml:"addrs"`
				Timeout      string `yaml:"timeout"`
				MaxIdleConns int    `yaml:"max_idle_conns"`
			} `yaml:"memcached"`
		} `yaml:"cache"`
		CircuitBreaker struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"dashboard"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

// Load reads configuration relative to the working directory. See LoadFrom.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom loads dir/.env into the process environment when present (existing variables win),
// then reads dir/config/{ENV_NAME}.yaml (default dev; a missing file means all defaults) and
// applies environment overrides.
func LoadFrom(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	var fc fileConfig
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{Env: env}

	cfg.CityName = firstNonEmpty(os.Getenv("CITY_NAME"), fc.City.Name, "Bengaluru")
	cfg.Lat = 12.9716
	if fc.City.Lat != nil {
		cfg.Lat = *fc.City.Lat
	}
	cfg.Lon = 77.5946
	if fc.City.Lon != nil {
		cfg.Lon = *fc.City.Lon
	}
	if cfg.Lat, err = envFloat("LAT", cfg.Lat); err != nil {
		return nil, err
	}
	if cfg.Lon, err = envFloat("LON", cfg.Lon); err != nil {
		return nil, err
	}

	cfg.WeatherAPIURL = firstNonEmpty(os.Getenv("WEATHER_API_URL"), fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 10*time.Second)
	cfg.WeatherTransport = lower(firstNonEmpty(os.Getenv("WEATHER_TRANSPORT"), fc.WeatherAPI.Transport, "retrying"))
	cfg.ProxyURL = firstNonEmpty(os.Getenv("HTTPS_PROXY_URL"), fc.WeatherAPI.ProxyURL)
	cfg.CAFile = strings.TrimSpace(fc.WeatherAPI.CAFile)

	cfg.RetryMaxRetries = 3
	if fc.Reliability.RetryMaxRetries != nil {
		cfg.RetryMaxRetries = *fc.Reliability.RetryMaxRetries
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 500*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 8*time.Second)

	cfg.SecretSource = lower(firstNonEmpty(os.Getenv("SECRET_SOURCE"), fc.Secrets.Source, "secretsmanager"))
	cfg.SecretName = firstNonEmpty(os.Getenv("OPENWEATHER_SECRET_NAME"), fc.Secrets.Name)
	cfg.SecretKeyField = firstNonEmpty(fc.Secrets.KeyField, "OPENWEATHER_API_KEY")

	cfg.AWSRegion = firstNonEmpty(os.Getenv("AWS_REGION"), fc.AWS.Region, "ap-south-1")

	cfg.StoreBackend = lower(firstNonEmpty(os.Getenv("STORE_BACKEND"), fc.Store.Backend, "dynamodb"))
	cfg.StoreTable = firstNonEmpty(os.Getenv("DDB_TABLE"), os.Getenv("DDB_TABLE_NAME"), fc.Store.Table, "SmartCityEmissions")
	cfg.PostgresDSN = firstNonEmpty(os.Getenv("DATABASE_URL"), fc.Store.PostgresDSN)
	cfg.PostgresMaxConns = fc.Store.PostgresMaxConns

	cfg.BlobBackend = lower(firstNonEmpty(os.Getenv("BLOB_BACKEND"), fc.Blob.Backend, "s3"))
	cfg.RawBucket = firstNonEmpty(os.Getenv("RAW_BUCKET"), fc.Blob.RawBucket)
	cfg.ProcessedBucket = firstNonEmpty(os.Getenv("PROC_BUCKET"), os.Getenv("PROCESSED_BUCKET"), fc.Blob.ProcessedBucket)
	cfg.BlobLocalDir = firstNonEmpty(os.Getenv("BLOB_LOCAL_DIR"), fc.Blob.LocalDir, "data/blobs")

	cfg.BatchSourceKey = firstNonEmpty(os.Getenv("RAW_KEY"), fc.Batch.SourceKey, "raw/bengaluru_timeseries.csv")
	cfg.BatchOutputKey = firstNonEmpty(os.Getenv("OUT_KEY"), fc.Batch.OutputKey, "data/latest.json")
	cfg.BatchLatestKey = strings.TrimSpace(fc.Batch.LatestKey)

	d := fc.Dashboard
	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), d.Port, "8080")
	cfg.HistoryLimit = positiveOr(d.HistoryLimit, 50)
	cfg.RequestTimeout = parseDuration(d.RequestTimeout, 5*time.Second)
	cfg.AllowedOrigin = strings.TrimSpace(d.AllowedOrigin)
	cfg.RateLimitRPS = positiveOr(d.RateLimitRPS, 20)
	cfg.RateLimitBurst = positiveOr(d.RateLimitBurst, 40)

	cfg.CacheBackend = lower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), d.Cache.Backend, "in_memory"))
	cfg.CacheTTL = parseDuration(d.Cache.TTL, 30*time.Second)
	cfg.CoalesceTimeout = parseDuration(d.Cache.CoalesceTimeout, 5*time.Second)
	cfg.WarmInterval = parseDurationOrZero(d.Cache.WarmInterval, 0)
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), d.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(d.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(d.Cache.Memcached.MaxIdleConns, 2)

	cfg.CircuitBreakerEnabled = true
	if d.CircuitBreaker.Enabled != nil {
		cfg.CircuitBreakerEnabled = *d.CircuitBreaker.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = positiveOr(d.CircuitBreaker.FailureThreshold, 5)
	cfg.CircuitBreakerSuccessThreshold = positiveOr(d.CircuitBreaker.SuccessThreshold, 2)
	cfg.CircuitBreakerTimeout = parseDuration(d.CircuitBreaker.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func lower(s string) string { return strings.ToLower(s) }

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

// validate checks enums and ranges. RequestTimeout is not tied to the upstream timeout because
// the dashboard never calls upstream.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RetryMaxRetries < 0 {
		return fmt.Errorf("reliability.retry_max_retries must not be negative")
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("reliability.retry_max_delay must be >= retry_base_delay")
	}
	if cfg.Lat < -90 || cfg.Lat > 90 || cfg.Lon < -180 || cfg.Lon > 180 {
		return fmt.Errorf("city coordinates out of range: %v, %v", cfg.Lat, cfg.Lon)
	}
	checks := []struct {
		name, value string
		allowed     []string
	}{
		{"weather_api.transport", cfg.WeatherTransport, []string{"retrying", "degraded"}},
		{"secrets.source", cfg.SecretSource, []string{"secretsmanager", "env"}},
		{"store.backend", cfg.StoreBackend, []string{"dynamodb", "postgres", "memory"}},
		{"blob.backend", cfg.BlobBackend, []string{"s3", "local", "memory"}},
		{"dashboard.cache.backend", cfg.CacheBackend, []string{"in_memory", "memcached"}},
	}
	for _, c := range checks {
		if !contains(c.allowed, c.value) {
			return fmt.Errorf("%s must be one of %s, got %q", c.name, strings.Join(c.allowed, ", "), c.value)
		}
	}
	if cfg.StoreBackend == "postgres" && cfg.PostgresDSN == "" {
		return fmt.Errorf("store.postgres_dsn (DATABASE_URL) is required for the postgres backend")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
