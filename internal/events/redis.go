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

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"chime-live/internal/apperrors"
	"chime-live/internal/observability/logging"
	"chime-live/internal/observability/metrics"
)

// RedisConfig configures the Redis Streams driver. Each topic is its own
// stream named Prefix + topic.
type RedisConfig struct {
	Client       redis.UniversalClient
	Prefix       string
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	BlockTimeout time.Duration
	Buffer       int
	// MaxLen approximately caps each stream; zero keeps everything.
	MaxLen int64
	// ClaimIdle is how long an entry may stay unacknowledged in another
	// consumer's pending list before this consumer takes it over.
	ClaimIdle time.Duration
}

// NewRedisBus returns a bus backed by Redis Streams consumer groups on the
// shared store.
func NewRedisBus(cfg RedisConfig) (Bus, error) {
	if cfg.Client == nil {
		return nil, apperrors.FatalConfig("events.redis", "redis client is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "events:"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	return &redisBus{
		client:       cfg.Client,
		prefix:       prefix,
		logger:       logging.WithComponent(cfg.Logger, "events.redis"),
		metrics:      cfg.Metrics,
		blockTimeout: cfg.BlockTimeout,
		buffer:       cfg.Buffer,
		maxLen:       cfg.MaxLen,
		claimIdle:    cfg.ClaimIdle,
		groupsReady:  make(map[string]bool),
	}, nil
}

type redisBus struct {
	client       redis.UniversalClient
	prefix       string
	logger       *slog.Logger
	metrics      *metrics.Recorder
	blockTimeout time.Duration
	buffer       int
	maxLen       int64
	claimIdle    time.Duration

	groupMu     sync.Mutex
	groupsReady map[string]bool
}

func (b *redisBus) stream(topic Topic) string {
	return b.prefix + string(topic)
}

func (b *redisBus) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return apperrors.Validation("events.publish", err.Error())
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.add(ctx, event.Topic, payload); err != nil {
		return apperrors.Transient("events.publish", err)
	}
	b.metrics.ObserveBusEvent(string(event.Topic), "published")
	return nil
}

func (b *redisBus) add(ctx context.Context, topic Topic, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: b.stream(topic),
		Values: map[string]any{"payload": string(payload)},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	return b.client.XAdd(ctx, args).Err()
}

func (b *redisBus) Subscribe(ctx context.Context, topic Topic, group string) (Subscription, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, apperrors.Validation("events.subscribe", "consumer group is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.ensureGroup(ctx, topic, group); err != nil {
		return nil, apperrors.Transient("events.subscribe", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		bus:      b,
		topic:    topic,
		group:    group,
		consumer: "consumer-" + uuid.NewString(),
		cancel:   cancel,
		ch:       make(chan Event, b.buffer),
		done:     make(chan struct{}),
		inflight: make(map[string]string),
	}
	go sub.run(runCtx)
	return sub, nil
}

func (b *redisBus) Close() error {
	return nil
}

func (b *redisBus) ensureGroup(ctx context.Context, topic Topic, group string) error {
	key := b.stream(topic) + "\x00" + group
	b.groupMu.Lock()
	defer b.groupMu.Unlock()
	if b.groupsReady[key] {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, b.stream(topic), group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	b.groupsReady[key] = true
	return nil
}

func (b *redisBus) forgetGroup(topic Topic, group string) {
	b.groupMu.Lock()
	delete(b.groupsReady, b.stream(topic)+"\x00"+group)
	b.groupMu.Unlock()
}

type redisSubscription struct {
	bus      *redisBus
	topic    Topic
	group    string
	consumer string
	cancel   context.CancelFunc

	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu sync.Mutex
	// inflight maps entry ids handed to the subscriber to their payload
	// until they are acknowledged.
	inflight map[string]string
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Ack(ctx context.Context, event Event) error {
	if event.receipt == "" {
		return nil
	}
	s.mu.Lock()
	_, ok := s.inflight[event.receipt]
	delete(s.inflight, event.receipt)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.ack(ctx, event.receipt); err != nil {
		return apperrors.Transient("events.ack", err)
	}
	return nil
}

func (s *redisSubscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.mu.Lock()
		pending := s.inflight
		s.inflight = make(map[string]string)
		s.mu.Unlock()
		for id, payload := range pending {
			s.requeue(id, payload)
		}
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer func() {
		s.drain()
		close(s.ch)
		close(s.done)
	}()
	logger := s.bus.logger.With("topic", s.topic, "group", s.group)
	var lastClaim time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		var entries []redis.XMessage
		if time.Since(lastClaim) >= s.bus.claimIdle {
			lastClaim = time.Now()
			claimed, err := s.claim(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Warn("redis stream claim failed", "error", err)
			}
			entries = claimed
		}
		if len(entries) == 0 {
			read, err := s.read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if isNoGroup(err) {
					s.bus.forgetGroup(s.topic, s.group)
					if err := s.bus.ensureGroup(ctx, s.topic, s.group); err != nil {
						logger.Warn("redis stream group ensure failed", "error", err)
					}
				} else {
					logger.Warn("redis stream read failed", "error", err)
				}
				sleep(ctx, 200*time.Millisecond)
				continue
			}
			entries = read
		}
		if !s.dispatch(ctx, logger, entries) {
			return
		}
	}
}

// dispatch hands entries to the subscriber. It reports false when ctx ended;
// entries not yet handed over are requeued.
func (s *redisSubscription) dispatch(ctx context.Context, logger *slog.Logger, entries []redis.XMessage) bool {
	for i, entry := range entries {
		payload, _ := entry.Values["payload"].(string)
		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			logger.Error("redis stream decode failed", "id", entry.ID, "error", err)
			_ = s.ack(ctx, entry.ID)
			continue
		}
		s.mu.Lock()
		_, held := s.inflight[entry.ID]
		if !held {
			s.inflight[entry.ID] = payload
		}
		s.mu.Unlock()
		if held {
			continue
		}
		event.receipt = entry.ID
		select {
		case s.ch <- event:
			s.bus.metrics.ObserveBusEvent(string(s.topic), "consumed")
		case <-ctx.Done():
			for _, rest := range entries[i:] {
				s.mu.Lock()
				delete(s.inflight, rest.ID)
				s.mu.Unlock()
				payload, _ := rest.Values["payload"].(string)
				s.requeue(rest.ID, payload)
			}
			return false
		}
	}
	return true
}

// drain requeues events still buffered for a subscriber that stopped reading.
func (s *redisSubscription) drain() {
	for {
		select {
		case event := <-s.ch:
			s.mu.Lock()
			payload, ok := s.inflight[event.receipt]
			delete(s.inflight, event.receipt)
			s.mu.Unlock()
			if ok {
				s.requeue(event.receipt, payload)
			}
		default:
			return
		}
	}
}

func (s *redisSubscription) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.bus.stream(s.topic), ">"},
		Count:    32,
		Block:    s.bus.blockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []redis.XMessage
	for _, stream := range streams {
		out = append(out, stream.Messages...)
	}
	return out, nil
}

// claim takes over entries left pending by consumers that died without
// closing their subscription.
func (s *redisSubscription) claim(ctx context.Context) ([]redis.XMessage, error) {
	messages, _, err := s.bus.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.bus.stream(s.topic),
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.bus.claimIdle,
		Start:    "0-0",
		Count:    32,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return messages, err
}

func (s *redisSubscription) ack(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
	}
	if err := s.bus.client.XAck(ctx, s.bus.stream(s.topic), s.group, id).Err(); err != nil {
		s.bus.logger.Warn("redis stream ack failed", "id", id, "error", err)
		return err
	}
	return nil
}

// requeue hands an unprocessed entry back to the group by acknowledging it
// and appending a copy, so another consumer picks it up.
func (s *redisSubscription) requeue(id, payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if payload != "" {
		if err := s.bus.add(ctx, s.topic, []byte(payload)); err != nil {
			s.bus.logger.Warn("redis stream requeue failed", "id", id, "error", err)
			return
		}
	}
	_ = s.ack(ctx, id)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "NOGROUP")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
