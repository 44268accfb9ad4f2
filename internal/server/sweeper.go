package server

import (
	"context"
	"log/slog"
	"time"

	"chime-live/internal/apperrors"
	"chime-live/internal/observability/logging"
	"chime-live/internal/observability/metrics"
	"chime-live/internal/pool"
	"chime-live/internal/presence"
)

const defaultSweepInterval = 15 * time.Second

// Broadcaster pushes the online count to connected clients.
type Broadcaster interface {
	BroadcastOnlineCount(ctx context.Context)
}

// SweeperConfig wires the periodic cleanup of the shared store.
type SweeperConfig struct {
	Pool        *pool.Pool
	Presence    *presence.Registry
	Broadcaster Broadcaster
	Interval    time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	Now         func() time.Time
}

// Sweeper dequeues waiting entries past their TTL and prunes presence
// heartbeats that stopped. Every instance may run one; both operations are
// safe to repeat.
type Sweeper struct {
	pool        *pool.Pool
	presence    *presence.Registry
	broadcaster Broadcaster
	interval    time.Duration
	logger      *slog.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Pool == nil || cfg.Presence == nil {
		return nil, apperrors.FatalConfig("sweeper.new", "pool and presence are required")
	}
	s := &Sweeper{
		pool:        cfg.Pool,
		presence:    cfg.Presence,
		broadcaster: cfg.Broadcaster,
		interval:    cfg.Interval,
		logger:      logging.WithComponent(cfg.Logger, "sweeper"),
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if s.interval <= 0 {
		s.interval = defaultSweepInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass. Store errors are logged and retried on the
// next pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	if _, err := s.pool.Sweep(ctx, s.now()); err != nil {
		s.logger.Warn("sweep waiting pool", "error", err)
	}
	pruned, err := s.presence.Prune(ctx)
	if err != nil {
		s.logger.Warn("prune presence", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("stale presence pruned", "count", pruned)
		if s.broadcaster != nil {
			s.broadcaster.BroadcastOnlineCount(ctx)
			return
		}
	}
	if n, err := s.presence.OnlineCount(ctx); err == nil {
		s.metrics.SetOnlineUsers(n)
	}
}
