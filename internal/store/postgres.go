package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjstillabower/smartcity-telemetry/internal/canonical"
	"github.com/kjstillabower/smartcity-telemetry/internal/models"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool for the Postgres keyed store.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PostgresStore keeps one row per (city_id, ts) with the canonical document in a jsonb
// column. Expired rows are hidden from reads; deleting them is left to PruneExpired.
type PostgresStore struct {
	pool  pgxPool
	table string
	now   func() time.Time
}

// NewPostgresStore connects a pool using cfg.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewPostgresStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostgresStoreWithPool(pool pgxPool, table string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "telemetry_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresStore{pool: pool, table: table, now: time.Now}, nil
}

func (s *PostgresStore) Backend() string  { return "postgres" }
func (s *PostgresStore) Location() string { return s.table }

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the table and its expiry index if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	city_id TEXT NOT NULL,
	ts      TEXT NOT NULL,
	epoch   BIGINT NOT NULL,
	ttl     BIGINT NOT NULL,
	item    JSONB NOT NULL,
	PRIMARY KEY (city_id, ts)
);
CREATE INDEX IF NOT EXISTS %[1]s_ttl_idx ON %[1]s (ttl);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, item map[string]any) error {
	city, ts, err := itemKey(item)
	if err != nil {
		return err
	}
	epoch, _ := intField(item, "timestamp_epoch")
	ttl, ok := intField(item, "ttl")
	if !ok {
		return fmt.Errorf("%w: ttl is required", ErrInvalidItem)
	}
	doc, err := json.Marshal(canonical.JSONable(item))
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (city_id, ts, epoch, ttl, item)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (city_id, ts) DO UPDATE SET
	epoch = EXCLUDED.epoch,
	ttl = EXCLUDED.ttl,
	item = EXCLUDED.item`, s.table)
	if _, err := s.pool.Exec(ctx, query, city, ts, epoch, ttl, doc); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, city string, limit int) ([]models.Record, error) {
	query := fmt.Sprintf(`
SELECT item FROM %s
WHERE city_id = $1 AND ttl > $2
ORDER BY ts DESC
LIMIT $3`, s.table)
	rows, err := s.pool.Query(ctx, query, city, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// PruneExpired deletes rows whose ttl has passed and returns how many were removed.
func (s *PostgresStore) PruneExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE ttl <= $1`, s.table), s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
