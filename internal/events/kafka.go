package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"chime-live/internal/apperrors"
	"chime-live/internal/observability/logging"
	"chime-live/internal/observability/metrics"
)

// KafkaConfig configures the Kafka driver. Topic names are Prefix + topic.
type KafkaConfig struct {
	Brokers      []string
	Prefix       string
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	Buffer       int
	BatchTimeout time.Duration
	// StartOffset applies to groups without a committed offset;
	// kafka.LastOffset when zero.
	StartOffset int64
}

// NewKafkaBus returns a bus that writes every topic through one writer and
// reads through one group reader per subscription.
func NewKafkaBus(cfg KafkaConfig) (Bus, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, apperrors.FatalConfig("events.kafka", "at least one broker is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.StartOffset == 0 {
		cfg.StartOffset = kafka.LastOffset
	}
	logger := logging.WithComponent(cfg.Logger, "events.kafka")
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		MaxAttempts:            3,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
		Logger:                 kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger:            errorLogger(logger),
	}
	return &kafkaBus{
		brokers:     brokers,
		prefix:      cfg.Prefix,
		writer:      writer,
		logger:      logger,
		metrics:     cfg.Metrics,
		buffer:      cfg.Buffer,
		startOffset: cfg.StartOffset,
	}, nil
}

type kafkaBus struct {
	brokers     []string
	prefix      string
	writer      *kafka.Writer
	logger      *slog.Logger
	metrics     *metrics.Recorder
	buffer      int
	startOffset int64

	mu      sync.Mutex
	readers []*kafka.Reader
}

func (b *kafkaBus) topic(t Topic) string {
	return b.prefix + string(t)
}

// key keeps every event about one caller on the same partition.
func key(event Event) []byte {
	switch {
	case event.Match != nil:
		return []byte(event.Match.CallerID)
	case event.CallEnded != nil:
		return []byte(event.CallEnded.CallerID)
	case event.Error != nil && event.Error.UserID != "":
		return []byte(event.Error.UserID)
	default:
		return []byte(event.ID)
	}
}

func (b *kafkaBus) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return apperrors.Validation("events.publish", err.Error())
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: b.topic(event.Topic),
		Key:   key(event),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(event.ID)},
		},
		Time: event.OccurredAt,
	})
	if err != nil {
		return apperrors.Transient("events.publish", err)
	}
	b.metrics.ObserveBusEvent(string(event.Topic), "published")
	return nil
}

func (b *kafkaBus) Subscribe(ctx context.Context, topic Topic, group string) (Subscription, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, apperrors.Validation("events.subscribe", "consumer group is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.brokers,
		Topic:          b.topic(topic),
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    b.startOffset,
		CommitInterval: 0,
		Logger:         kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger:    errorLogger(b.logger),
	})
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		bus:    b,
		topic:  topic,
		reader:   reader,
		cancel:   cancel,
		ch:       make(chan Event, b.buffer),
		done:     make(chan struct{}),
		inflight: make(map[string]kafka.Message),
	}
	go sub.run(runCtx)
	return sub, nil
}

func (b *kafkaBus) Close() error {
	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()
	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type kafkaSubscription struct {
	bus       *kafkaBus
	topic     Topic
	reader    *kafka.Reader
	cancel    context.CancelFunc
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	inflight map[string]kafka.Message
}

func receiptFor(msg kafka.Message) string {
	return fmt.Sprintf("%d/%d", msg.Partition, msg.Offset)
}

func (s *kafkaSubscription) Events() <-chan Event {
	return s.ch
}

// Ack commits the event's offset. Offsets of events never acknowledged stay
// uncommitted, so the group reads them again after a restart or rebalance.
func (s *kafkaSubscription) Ack(ctx context.Context, event Event) error {
	if event.receipt == "" {
		return nil
	}
	s.mu.Lock()
	msg, ok := s.inflight[event.receipt]
	delete(s.inflight, event.receipt)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.commit(ctx, msg); err != nil {
		return apperrors.Transient("events.ack", err)
	}
	return nil
}

func (s *kafkaSubscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *kafkaSubscription) run(ctx context.Context) {
	defer func() {
		close(s.ch)
		close(s.done)
	}()
	logger := s.bus.logger.With("topic", s.topic)
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logger.Warn("kafka fetch failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("kafka decode failed", "offset", msg.Offset, "error", err)
			_ = s.commit(ctx, msg)
			continue
		}
		event.receipt = receiptFor(msg)
		s.mu.Lock()
		s.inflight[event.receipt] = msg
		s.mu.Unlock()
		select {
		case s.ch <- event:
			s.bus.metrics.ObserveBusEvent(string(s.topic), "consumed")
		case <-ctx.Done():
			return
		}
	}
}

func (s *kafkaSubscription) commit(ctx context.Context, msg kafka.Message) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		s.bus.logger.Warn("kafka commit failed", "offset", msg.Offset, "error", err)
		return err
	}
	return nil
}

func errorLogger(logger *slog.Logger) kafka.Logger {
	return kafka.LoggerFunc(func(msg string, args ...any) {
		logger.Warn(fmt.Sprintf(msg, args...))
	})
}
