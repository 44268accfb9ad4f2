package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chime-live/internal/apperrors"
	"chime-live/internal/observability/logging"
	"chime-live/internal/observability/metrics"
	"chime-live/internal/retry"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
)

var defaultFlushRetry = retry.Policy{Retries: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}

// BatcherConfig configures a Batcher.
type BatcherConfig[T any] struct {
	Kind string
	// Size flushes the buffer as soon as it holds this many records.
	Size int
	// Interval flushes whatever is buffered on every tick of Run.
	Interval time.Duration
	Flush    func(ctx context.Context, batch []T) error
	Retry    *retry.Policy
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Batcher buffers records and writes them in bulk. A batch that still fails
// after the retry policy is exhausted is logged and dropped.
type Batcher[T any] struct {
	kind     string
	size     int
	interval time.Duration
	flush    func(ctx context.Context, batch []T) error
	retry    retry.Policy
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu  sync.Mutex
	buf []T

	// writeMu keeps batches in arrival order.
	writeMu sync.Mutex
}

func NewBatcher[T any](cfg BatcherConfig[T]) (*Batcher[T], error) {
	if cfg.Flush == nil {
		return nil, apperrors.FatalConfig("telemetry.batcher", "flush function is required")
	}
	b := &Batcher[T]{
		kind:     cfg.Kind,
		size:     cfg.Size,
		interval: cfg.Interval,
		flush:    cfg.Flush,
		retry:    defaultFlushRetry,
		logger:   logging.WithComponent(cfg.Logger, "telemetry").With("kind", cfg.Kind),
		metrics:  cfg.Metrics,
	}
	if b.size <= 0 {
		b.size = defaultBatchSize
	}
	if b.interval <= 0 {
		b.interval = defaultFlushInterval
	}
	if cfg.Retry != nil {
		b.retry = *cfg.Retry
	}
	return b, nil
}

// Add buffers item and writes the buffer once it is full.
func (b *Batcher[T]) Add(ctx context.Context, item T) error {
	b.mu.Lock()
	b.buf = append(b.buf, item)
	var batch []T
	if len(b.buf) >= b.size {
		batch = b.buf
		b.buf = nil
	}
	b.mu.Unlock()
	return b.write(ctx, batch)
}

// Flush writes whatever is buffered.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()
	return b.write(ctx, batch)
}

// Len reports how many records are waiting to be written.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Run flushes on every interval tick until ctx is done. It does not flush on
// exit; the owner flushes once producers have stopped.
func (b *Batcher[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = b.Flush(ctx)
		}
	}
}

func (b *Batcher[T]) write(ctx context.Context, batch []T) error {
	if len(batch) == 0 {
		return nil
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		return b.flush(ctx, batch)
	})
	b.metrics.ObserveFlush(b.kind, len(batch), err)
	if err != nil {
		b.logger.Error("dropping telemetry batch", "records", len(batch), "error", err)
		return apperrors.Transient("telemetry.flush", err)
	}
	b.logger.Debug("telemetry batch written", "records", len(batch))
	return nil
}
