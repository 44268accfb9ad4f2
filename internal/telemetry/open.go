package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chime-live/internal/apperrors"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// StoreConfig selects and configures a Store.
type StoreConfig struct {
	Driver   string
	Postgres PostgresConfig
	Mongo    MongoConfig
	Logger   *slog.Logger
}

// OpenStore builds the store named by cfg.Driver. A missing DSN or URI for the
// selected driver is a fatal configuration error.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		return NewMemoryStore(), nil
	case "", DriverPostgres:
		if strings.TrimSpace(cfg.Postgres.DSN) == "" {
			return nil, apperrors.FatalConfig("telemetry.open", "postgres dsn is required")
		}
		if cfg.Postgres.Logger == nil {
			cfg.Postgres.Logger = cfg.Logger
		}
		return OpenPostgres(ctx, cfg.Postgres)
	case DriverMongo:
		if strings.TrimSpace(cfg.Mongo.URI) == "" {
			return nil, apperrors.FatalConfig("telemetry.open", "mongo uri is required")
		}
		if cfg.Mongo.Logger == nil {
			cfg.Mongo.Logger = cfg.Logger
		}
		return OpenMongo(ctx, cfg.Mongo)
	default:
		return nil, apperrors.FatalConfig("telemetry.open", fmt.Sprintf("unknown telemetry store %q", cfg.Driver))
	}
}
