// Command server runs one chime instance: the websocket signaling gateway,
// the match engine and the waiting pool sweeper, behind an HTTP listener
// that also serves health and metrics endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"chime-live/internal/apperrors"
	"chime-live/internal/calls"
	"chime-live/internal/config"
	"chime-live/internal/events"
	"chime-live/internal/lock"
	"chime-live/internal/match"
	"chime-live/internal/observability/logging"
	"chime-live/internal/observability/metrics"
	"chime-live/internal/pool"
	"chime-live/internal/presence"
	"chime-live/internal/server"
	"chime-live/internal/serverutil"
	"chime-live/internal/signaling"
	"chime-live/internal/store"
)

const (
	exitFailure     = 1
	exitFatalConfig = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, nil); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("server stopped", "error", err)
		if apperrors.IsFatalConfig(err) {
			os.Exit(exitFatalConfig)
		}
		os.Exit(exitFailure)
	}
}

// run resolves configuration from args and lookup and serves until ctx is
// cancelled. onListen, when set, receives the bound HTTP address.
func run(ctx context.Context, args []string, lookup config.Lookup, onListen func(net.Addr)) error {
	if err := config.LoadDotEnv(); err != nil {
		return apperrors.FatalConfig("main", "load .env: "+err.Error())
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	var flags config.ServerFlags
	flags.Register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.ResolveServer(flags, lookup)
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return serve(ctx, cfg, logger, metrics.Default(), onListen)
}

func serve(ctx context.Context, cfg config.Server, logger *slog.Logger, recorder *metrics.Recorder, onListen func(net.Addr)) error {
	client, err := store.Open(ctx, cfg.Redis.StoreConfig())
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("closing redis client", "error", err)
		}
	}()

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

	gw, sweeper, registry, err := buildGateway(cfg, client, bus, logger, recorder)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Addr:            cfg.ListenAddr,
		TLS:             serverutil.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
		ShutdownTimeout: cfg.ShutdownTimeout,
		OnListen:        onListen,
		Gateway:         gw,
		Presence:        registry,
		Redis:           client,
		UserHeader:      cfg.UserHeader,
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     cfg.RateLimit.GlobalRPS,
			GlobalBurst:   cfg.RateLimit.GlobalBurst,
			ConnectLimit:  cfg.RateLimit.ConnectLimit,
			ConnectWindow: cfg.RateLimit.ConnectWindow,
			Redis:         client,
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return err
	}

	logger.Info("starting chime server",
		"instance_id", gw.InstanceID(),
		"addr", cfg.ListenAddr,
		"bus_driver", cfg.Bus.Driver,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return gw.Run(groupCtx) })
	group.Go(func() error { return sweeper.Run(groupCtx) })
	group.Go(func() error {
		// Sockets are only accepted once the relay subscription is live.
		select {
		case <-gw.Ready():
		case <-groupCtx.Done():
			return nil
		}
		return srv.Run(groupCtx)
	})

	err = group.Wait()
	logger.Info("chime server stopped")
	return err
}

// buildGateway assembles the matchmaking stores around one Redis client.
func buildGateway(cfg config.Server, client redis.UniversalClient, bus events.Bus, logger *slog.Logger, recorder *metrics.Recorder) (*signaling.Gateway, *server.Sweeper, *presence.Registry, error) {
	waiting, err := pool.New(pool.Config{
		Client:     client,
		TTL:        cfg.PoolTTL,
		SweepGrace: cfg.SweepGrace,
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	locks, err := lock.NewManager(lock.Config{Client: client, Logger: logger, Metrics: recorder})
	if err != nil {
		return nil, nil, nil, err
	}
	active, err := calls.New(calls.Config{Client: client, MaxDuration: cfg.MaxCallDuration, Logger: logger})
	if err != nil {
		return nil, nil, nil, err
	}
	registry, err := presence.New(presence.Config{Client: client, TTL: cfg.PresenceTTL, Logger: logger})
	if err != nil {
		return nil, nil, nil, err
	}
	engine, err := match.New(match.Config{
		Pool:      waiting,
		Locks:     locks,
		Calls:     active,
		Publisher: bus,
		Logger:    logger,
		Metrics:   recorder,
		LockTTL:   cfg.LockTTL,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	patterns, err := server.OriginPatterns(cfg.AllowedOrigins)
	if err != nil {
		return nil, nil, nil, err
	}
	gw, err := signaling.New(signaling.Config{
		InstanceID:        cfg.InstanceID,
		Redis:             client,
		Pool:              waiting,
		Engine:            engine,
		Calls:             active,
		Presence:          registry,
		Bus:               bus,
		Logger:            logger,
		Metrics:           recorder,
		HeartbeatInterval: cfg.HeartbeatInterval,
		OriginPatterns:    patterns,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	sweeper, err := server.NewSweeper(server.SweeperConfig{
		Pool:        waiting,
		Presence:    registry,
		Broadcaster: gw,
		Interval:    cfg.SweepInterval,
		Logger:      logger,
		Metrics:     recorder,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return gw, sweeper, registry, nil
}
