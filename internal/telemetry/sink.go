package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"chime-live/internal/apperrors"
	"chime-live/internal/events"
	"chime-live/internal/observability/logging"
	"chime-live/internal/observability/metrics"
	"chime-live/internal/retry"
)

const (
	defaultGroup           = "telemetry"
	defaultShutdownTimeout = 10 * time.Second
)

type SinkConfig struct {
	Bus   events.Bus
	Store Store
	// Group prefixes the consumer group of each topic.
	Group           string
	BatchSize       int
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration
	Retry           *retry.Policy
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

// Sink consumes call-ended and error-logs events and writes them through a
// Store in batches. An event is acknowledged only after the batch holding it
// was stored; a batch that fails is dropped from the buffer but its events
// stay unacknowledged and come back from the bus.
type Sink struct {
	bus             events.Bus
	store           Store
	group           string
	shutdownTimeout time.Duration
	logger          *slog.Logger

	callLogs *Batcher[pending[CallLog]]
	errors   *Batcher[pending[ErrorRecord]]
}

// pending is a record waiting to be stored together with the delivery it
// came from.
type pending[T any] struct {
	record T
	event  events.Event
	sub    events.Subscription
}

// storeThenAck wraps save so that every delivery in a batch is acknowledged
// once the batch is written.
func storeThenAck[T any](save func(context.Context, []T) error, logger *slog.Logger) func(context.Context, []pending[T]) error {
	return func(ctx context.Context, batch []pending[T]) error {
		records := make([]T, len(batch))
		for i, p := range batch {
			records[i] = p.record
		}
		if err := save(ctx, records); err != nil {
			return err
		}
		for _, p := range batch {
			if err := p.sub.Ack(ctx, p.event); err != nil {
				logger.Warn("ack telemetry event", "event_id", p.event.ID, "error", err)
			}
		}
		return nil
	}
}

func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Bus == nil || cfg.Store == nil {
		return nil, apperrors.FatalConfig("telemetry.sink", "bus and store are required")
	}
	s := &Sink{
		bus:             cfg.Bus,
		store:           cfg.Store,
		group:           cfg.Group,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logging.WithComponent(cfg.Logger, "telemetry"),
	}
	if s.group == "" {
		s.group = defaultGroup
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = defaultShutdownTimeout
	}
	var err error
	s.callLogs, err = NewBatcher(BatcherConfig[pending[CallLog]]{
		Kind:     KindCallLogs,
		Size:     cfg.BatchSize,
		Interval: cfg.FlushInterval,
		Flush:    storeThenAck(cfg.Store.SaveCallLogs, s.logger),
		Retry:    cfg.Retry,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	s.errors, err = NewBatcher(BatcherConfig[pending[ErrorRecord]]{
		Kind:     KindErrors,
		Size:     cfg.BatchSize,
		Interval: cfg.FlushInterval,
		Flush:    storeThenAck(cfg.Store.SaveErrors, s.logger),
		Retry:    cfg.Retry,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Run consumes until ctx is done, then writes whatever is still buffered.
func (s *Sink) Run(ctx context.Context) error {
	callSub, errSub, err := s.subscribe(ctx)
	if err != nil {
		return err
	}
	return s.serve(ctx, callSub, errSub)
}

func (s *Sink) subscribe(ctx context.Context) (events.Subscription, events.Subscription, error) {
	callSub, err := s.bus.Subscribe(ctx, events.TopicCallEnded, s.group+"-"+string(events.TopicCallEnded))
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", events.TopicCallEnded, err)
	}
	errSub, err := s.bus.Subscribe(ctx, events.TopicErrorLogs, s.group+"-"+string(events.TopicErrorLogs))
	if err != nil {
		callSub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", events.TopicErrorLogs, err)
	}
	return callSub, errSub, nil
}

func (s *Sink) serve(ctx context.Context, callSub, errSub events.Subscription) error {
	defer callSub.Close()
	defer errSub.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consume(gctx, callSub, func(event events.Event) {
			record, ok := CallLogFromEvent(event)
			if !ok {
				s.logger.Warn("ignoring malformed call-ended event", "event_id", event.ID)
				_ = callSub.Ack(gctx, event)
				return
			}
			_ = s.callLogs.Add(gctx, pending[CallLog]{record: record, event: event, sub: callSub})
		})
	})
	g.Go(func() error {
		return consume(gctx, errSub, func(event events.Event) {
			record, ok := ErrorFromEvent(event)
			if !ok {
				s.logger.Warn("ignoring malformed error-logs event", "event_id", event.ID)
				_ = errSub.Ack(gctx, event)
				return
			}
			_ = s.errors.Add(gctx, pending[ErrorRecord]{record: record, event: event, sub: errSub})
		})
	})
	g.Go(func() error { return s.callLogs.Run(gctx) })
	g.Go(func() error { return s.errors.Run(gctx) })
	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	_ = s.callLogs.Flush(flushCtx)
	_ = s.errors.Flush(flushCtx)
	return err
}

func consume(ctx context.Context, sub events.Subscription, handle func(events.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("subscription closed")
			}
			handle(event)
		}
	}
}
