// Command telemetry-sink consumes call-ended and error events from the bus
// and writes them to Postgres or MongoDB in batches.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"chime-live/internal/apperrors"
	"chime-live/internal/config"
	"chime-live/internal/events"
	"chime-live/internal/observability/logging"
	"chime-live/internal/observability/metrics"
	"chime-live/internal/serverutil"
	"chime-live/internal/store"
	"chime-live/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, nil); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("telemetry sink stopped", "error", err)
		if apperrors.IsFatalConfig(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup config.Lookup, onListen func(net.Addr)) error {
	if err := config.LoadDotEnv(); err != nil {
		return apperrors.FatalConfig("main", "load .env: "+err.Error())
	}

	fs := flag.NewFlagSet("telemetry-sink", flag.ContinueOnError)
	var flags config.SinkFlags
	flags.Register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.ResolveSink(flags, lookup)
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	recorder := metrics.Default()

	var client redis.UniversalClient
	if len(cfg.Redis.Addrs) > 0 {
		client, err = store.Open(ctx, cfg.Redis.StoreConfig())
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("closing redis client", "error", err)
			}
		}()
	}

	bus, err := events.Open(events.Config{
		Driver:       cfg.Bus.Driver,
		Redis:        client,
		StreamPrefix: cfg.Bus.StreamPrefix,
		StreamMaxLen: cfg.Bus.StreamMaxLen,
		KafkaBrokers: cfg.Bus.KafkaBrokers,
		TopicPrefix:  cfg.Bus.TopicPrefix,
		Logger:       logger,
		Metrics:      recorder,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("closing event bus", "error", err)
		}
	}()

	st, err := telemetry.OpenStore(ctx, telemetry.StoreConfig{
		Driver: cfg.Telemetry.Driver,
		Postgres: telemetry.PostgresConfig{
			DSN:             cfg.Telemetry.PostgresDSN,
			MaxConnections:  int32(cfg.Telemetry.PostgresMaxConns),
			ApplicationName: cfg.Telemetry.PostgresAppName,
			Logger:          logger,
		},
		Mongo: telemetry.MongoConfig{
			URI:      cfg.Telemetry.MongoURI,
			Database: cfg.Telemetry.MongoDatabase,
			Logger:   logger,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Warn("closing telemetry store", "error", err)
		}
	}()

	sink, err := telemetry.NewSink(telemetry.SinkConfig{
		Bus:             bus,
		Store:           st,
		Group:           cfg.Group,
		BatchSize:       cfg.Telemetry.BatchSize,
		FlushInterval:   cfg.Telemetry.FlushInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Metrics:         recorder,
	})
	if err != nil {
		return err
	}

	logger.Info("starting telemetry sink",
		"bus_driver", cfg.Bus.Driver,
		"store_driver", cfg.Telemetry.Driver,
		"group", cfg.Group,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sink.Run(groupCtx) })
	if cfg.MetricsAddr != "" {
		ops := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           opsHandler(client, recorder),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		}
		group.Go(func() error {
			return serverutil.Run(groupCtx, serverutil.Config{
				Server:          ops,
				ShutdownTimeout: cfg.ShutdownTimeout,
				OnListen:        onListen,
				Logger:          logger,
			})
		})
	}

	err = group.Wait()
	logger.Info("telemetry sink stopped")
	return err
}

// opsHandler serves /metrics and a /healthz that pings Redis when the bus
// depends on it.
func opsHandler(client redis.UniversalClient, recorder *metrics.Recorder) http.Handler {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", recorder.Handler())
	router.HandlerFunc(http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		if client != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := client.Ping(ctx).Err(); err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]string{"status": "degraded", "error": err.Error()}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	return metrics.HTTPMiddleware(recorder, metrics.RouterRoutes(router), router)
}
