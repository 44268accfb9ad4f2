package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chime-live/internal/observability/logging"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS call_logs (
		event_id TEXT PRIMARY KEY,
		caller_id TEXT NOT NULL,
		callee_id TEXT NOT NULL,
		duration_seconds BIGINT NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS call_logs_caller_idx ON call_logs (caller_id, ended_at DESC)`,
	`CREATE TABLE IF NOT EXISTS error_logs (
		event_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		user_id TEXT,
		kind TEXT,
		message TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

const (
	insertCallLogSQL = `INSERT INTO call_logs (event_id, caller_id, callee_id, duration_seconds, ended_at)
VALUES ($1, $2, $3, $4, $5) ON CONFLICT (event_id) DO NOTHING`
	insertErrorSQL = `INSERT INTO error_logs (event_id, source, user_id, kind, message, occurred_at)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6) ON CONFLICT (event_id) DO NOTHING`
)

// PostgresConfig describes the sink's connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
	Logger          *slog.Logger
}

// PostgresStore writes telemetry with one pipelined batch per flush.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to Postgres and creates the telemetry tables when
// they are missing.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &PostgresStore{pool: pool, logger: logging.WithComponent(cfg.Logger, "telemetry")}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the telemetry tables and indexes.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure telemetry schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveCallLogs(ctx context.Context, logs []CallLog) error {
	return s.send(ctx, callLogBatch(logs))
}

func (s *PostgresStore) SaveErrors(ctx context.Context, records []ErrorRecord) error {
	return s.send(ctx, errorBatch(records))
}

func (s *PostgresStore) send(ctx context.Context, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	results := s.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert telemetry row %d: %w", i, err)
		}
	}
	return results.Close()
}

func (s *PostgresStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func callLogBatch(logs []CallLog) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, l := range logs {
		batch.Queue(insertCallLogSQL, l.EventID, l.CallerID, l.CalleeID, l.DurationSeconds, l.EndedAt)
	}
	return batch
}

func errorBatch(records []ErrorRecord) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertErrorSQL, r.EventID, r.Source, r.UserID, r.Kind, r.Message, r.OccurredAt)
	}
	return batch
}
