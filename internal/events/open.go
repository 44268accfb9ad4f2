package events

import (
	"fmt"
	"log/slog"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"chime-live/internal/apperrors"
	"chime-live/internal/observability/metrics"
)

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverKafka  = "kafka"
)

// Config selects and configures a bus driver.
type Config struct {
	Driver       string
	Redis        redis.UniversalClient
	StreamPrefix string
	StreamMaxLen int64
	KafkaBrokers []string
	TopicPrefix  string
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Open builds the bus named by cfg.Driver. An unknown driver is a fatal
// configuration error.
func Open(cfg Config) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverRedis:
		return NewRedisBus(RedisConfig{
			Client:  cfg.Redis,
			Prefix:  cfg.StreamPrefix,
			MaxLen:  cfg.StreamMaxLen,
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
		})
	case DriverKafka:
		return NewKafkaBus(KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Prefix:  cfg.TopicPrefix,
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
		})
	case DriverMemory:
		return NewMemoryBus(0), nil
	default:
		return nil, apperrors.FatalConfig("events.open", fmt.Sprintf("unknown bus driver %q", cfg.Driver))
	}
}
