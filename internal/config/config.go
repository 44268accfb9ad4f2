package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"chime-live/internal/apperrors"
	"chime-live/internal/store"
)

// Log selects the slog handler.
type Log struct {
	Level  string `validate:"oneof=debug info warn warning error"`
	Format string `validate:"oneof=json text"`
}

// Redis addresses the shared store.
type Redis struct {
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	PoolSize   int `validate:"gte=0"`
	TLS        store.TLSConfig
}

// StoreConfig converts r for store.Open.
func (r Redis) StoreConfig() store.Config {
	return store.Config{
		Addrs:      r.Addrs,
		Username:   r.Username,
		Password:   r.Password,
		MasterName: r.MasterName,
		PoolSize:   r.PoolSize,
		TLS:        r.TLS,
	}
}

// Bus selects the event bus driver.
type Bus struct {
	Driver       string   `validate:"oneof=memory redis kafka"`
	StreamPrefix string
	StreamMaxLen int64    `validate:"gte=0"`
	KafkaBrokers []string `validate:"required_if=Driver kafka"`
	TopicPrefix  string
}

// Server is the resolved configuration of cmd/server.
type Server struct {
	ListenAddr     string `validate:"required"`
	InstanceID     string `validate:"excludesall=/"`
	TLSCertFile    string `validate:"required_with=TLSKeyFile"`
	TLSKeyFile     string `validate:"required_with=TLSCertFile"`
	UserHeader     string `validate:"required"`
	AllowedOrigins []string

	Log   Log
	Redis Redis
	Bus   Bus

	PoolTTL           time.Duration `validate:"gt=0"`
	SweepGrace        time.Duration `validate:"gte=0"`
	SweepInterval     time.Duration `validate:"gt=0"`
	PresenceTTL       time.Duration `validate:"gt=0"`
	HeartbeatInterval time.Duration `validate:"gte=0"`
	LockTTL           time.Duration `validate:"gt=0"`
	MaxCallDuration   time.Duration `validate:"gt=0"`
	ShutdownTimeout   time.Duration `validate:"gt=0"`

	RateLimit RateLimit
}

// RateLimit bounds request volume. Zero values disable the limit.
type RateLimit struct {
	GlobalRPS     float64       `validate:"gte=0"`
	GlobalBurst   int           `validate:"gte=0"`
	ConnectLimit  int           `validate:"gte=0"`
	ConnectWindow time.Duration `validate:"gte=0"`
}

// Telemetry selects the sink's long-term store.
type Telemetry struct {
	Driver           string `validate:"oneof=memory postgres mongo"`
	PostgresDSN      string `validate:"required_if=Driver postgres"`
	PostgresMaxConns int    `validate:"gte=0"`
	PostgresAppName  string
	MongoURI         string `validate:"required_if=Driver mongo"`
	MongoDatabase    string
	BatchSize        int           `validate:"gt=0"`
	FlushInterval    time.Duration `validate:"gt=0"`
}

// Sink is the resolved configuration of cmd/telemetry-sink.
type Sink struct {
	MetricsAddr     string
	Group           string `validate:"required"`
	Log             Log
	Redis           Redis
	Bus             Bus
	Telemetry       Telemetry
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

const (
	defaultListenAddr      = ":8080"
	defaultUserHeader      = "X-User-ID"
	defaultPoolTTL         = 2 * time.Minute
	defaultSweepGrace      = 30 * time.Second
	defaultSweepInterval   = 15 * time.Second
	defaultPresenceTTL     = 90 * time.Second
	defaultLockTTL         = 5 * time.Second
	defaultMaxCallDuration = 4 * time.Hour
	defaultShutdownTimeout = 15 * time.Second
	defaultSinkGroup       = "telemetry"
	defaultBatchSize       = 100
	defaultFlushInterval   = 5 * time.Second
)

// LogFlags holds the logging flags shared by every binary.
type LogFlags struct {
	Level  string
	Format string
}

func (f *LogFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.Level, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&f.Format, "log-format", "", "log format (json or text)")
}

func (f LogFlags) resolve(e env) Log {
	return Log{
		Level:  strings.ToLower(e.str(f.Level, "LOG_LEVEL", "info")),
		Format: strings.ToLower(e.str(f.Format, "LOG_FORMAT", "json")),
	}
}

// RedisFlags holds the shared store connection flags.
type RedisFlags struct {
	Addr          string
	Addrs         string
	Username      string
	Password      string
	MasterName    string
	PoolSize      int
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool
}

func (f *RedisFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.Addr, "redis-addr", "", "Redis address")
	fs.StringVar(&f.Addrs, "redis-addrs", "", "comma separated Redis addresses (cluster or sentinel)")
	fs.StringVar(&f.Username, "redis-username", "", "Redis username")
	fs.StringVar(&f.Password, "redis-password", "", "Redis password")
	fs.StringVar(&f.MasterName, "redis-master-name", "", "Redis sentinel master name")
	fs.IntVar(&f.PoolSize, "redis-pool-size", 0, "maximum Redis connections")
	fs.StringVar(&f.TLSCA, "redis-tls-ca", "", "path to Redis TLS CA certificate")
	fs.StringVar(&f.TLSCert, "redis-tls-cert", "", "path to Redis TLS client certificate")
	fs.StringVar(&f.TLSKey, "redis-tls-key", "", "path to Redis TLS client key")
	fs.StringVar(&f.TLSServerName, "redis-tls-server-name", "", "override Redis TLS server name")
	fs.BoolVar(&f.TLSSkipVerify, "redis-tls-skip-verify", false, "skip Redis TLS verification")
}

func (f RedisFlags) resolve(e env) (Redis, error) {
	poolSize, err := e.integer(f.PoolSize, "REDIS_POOL_SIZE", 0)
	if err != nil {
		return Redis{}, err
	}
	skipVerify, err := e.boolean(f.TLSSkipVerify, "REDIS_TLS_SKIP_VERIFY")
	if err != nil {
		return Redis{}, err
	}
	addrs := e.list(f.Addrs, "REDIS_ADDRS")
	if addr := e.str(f.Addr, "REDIS_ADDR"); addr != "" {
		addrs = append([]string{addr}, addrs...)
	}
	return Redis{
		Addrs:      addrs,
		Username:   e.str(f.Username, "REDIS_USERNAME"),
		Password:   e.str(f.Password, "REDIS_PASSWORD"),
		MasterName: e.str(f.MasterName, "REDIS_MASTER_NAME"),
		PoolSize:   poolSize,
		TLS: store.TLSConfig{
			CAFile:             e.str(f.TLSCA, "REDIS_TLS_CA"),
			CertFile:           e.str(f.TLSCert, "REDIS_TLS_CERT"),
			KeyFile:            e.str(f.TLSKey, "REDIS_TLS_KEY"),
			ServerName:         e.str(f.TLSServerName, "REDIS_TLS_SERVER_NAME"),
			InsecureSkipVerify: skipVerify,
		},
	}, nil
}

// BusFlags holds the event bus flags.
type BusFlags struct {
	Driver       string
	StreamPrefix string
	StreamMaxLen int
	KafkaBrokers string
	TopicPrefix  string
}

func (f *BusFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.Driver, "bus-driver", "", "event bus driver (memory, redis or kafka)")
	fs.StringVar(&f.StreamPrefix, "bus-stream-prefix", "", "Redis stream key prefix for events")
	fs.IntVar(&f.StreamMaxLen, "bus-stream-max-len", 0, "approximate maximum length of each event stream")
	fs.StringVar(&f.KafkaBrokers, "kafka-brokers", "", "comma separated Kafka broker addresses")
	fs.StringVar(&f.TopicPrefix, "kafka-topic-prefix", "", "Kafka topic prefix for events")
}

func (f BusFlags) resolve(e env) (Bus, error) {
	maxLen, err := e.integer(f.StreamMaxLen, "BUS_STREAM_MAX_LEN", 0)
	if err != nil {
		return Bus{}, err
	}
	return Bus{
		Driver:       strings.ToLower(e.str(f.Driver, "BUS_DRIVER", "redis")),
		StreamPrefix: e.str(f.StreamPrefix, "BUS_STREAM_PREFIX"),
		StreamMaxLen: int64(maxLen),
		KafkaBrokers: e.list(f.KafkaBrokers, "KAFKA_BROKERS"),
		TopicPrefix:  e.str(f.TopicPrefix, "KAFKA_TOPIC_PREFIX"),
	}, nil
}

// ServerFlags are the command line flags of cmd/server.
type ServerFlags struct {
	Log   LogFlags
	Redis RedisFlags
	Bus   BusFlags

	ListenAddr        string
	InstanceID        string
	TLSCert           string
	TLSKey            string
	UserHeader        string
	AllowedOrigins    string
	PoolTTL           time.Duration
	SweepGrace        time.Duration
	SweepInterval     time.Duration
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	LockTTL           time.Duration
	MaxCallDuration   time.Duration
	ShutdownTimeout   time.Duration
	GlobalRPS         float64
	GlobalBurst       int
	ConnectLimit      int
	ConnectWindow     time.Duration
}

// Register binds f to fs.
func (f *ServerFlags) Register(fs *flag.FlagSet) {
	f.Log.register(fs)
	f.Redis.register(fs)
	f.Bus.register(fs)
	fs.StringVar(&f.ListenAddr, "addr", "", "HTTP listen address")
	fs.StringVar(&f.InstanceID, "instance-id", "", "unique id of this instance (random when empty)")
	fs.StringVar(&f.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&f.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&f.UserHeader, "user-header", "", "request header carrying the verified user id")
	fs.StringVar(&f.AllowedOrigins, "allowed-origins", "", "comma separated origins allowed for CORS and websocket upgrades")
	fs.DurationVar(&f.PoolTTL, "pool-ttl", 0, "how long a waiting entry stays matchable")
	fs.DurationVar(&f.SweepGrace, "pool-sweep-grace", 0, "extra lifetime of expired entries before Redis drops them")
	fs.DurationVar(&f.SweepInterval, "sweep-interval", 0, "interval between pool and presence sweeps")
	fs.DurationVar(&f.PresenceTTL, "presence-ttl", 0, "how long a presence record survives without a heartbeat")
	fs.DurationVar(&f.HeartbeatInterval, "heartbeat-interval", 0, "websocket ping interval (presence-ttl/3 when zero)")
	fs.DurationVar(&f.LockTTL, "lock-ttl", 0, "lifetime of match reservation locks")
	fs.DurationVar(&f.MaxCallDuration, "max-call-duration", 0, "upper bound on an active call record")
	fs.DurationVar(&f.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	fs.Float64Var(&f.GlobalRPS, "rate-global-rps", 0, "global request rate limit in requests per second")
	fs.IntVar(&f.GlobalBurst, "rate-global-burst", 0, "global rate limit burst allowance")
	fs.IntVar(&f.ConnectLimit, "rate-connect-limit", 0, "websocket connections a user may open per window")
	fs.DurationVar(&f.ConnectWindow, "rate-connect-window", 0, "window for counting websocket connections")
}

// ResolveServer merges f with the environment read through lookup and
// validates the result. lookup defaults to os.LookupEnv.
func ResolveServer(f ServerFlags, lookup Lookup) (Server, error) {
	e := newEnv(lookup)
	cfg := Server{
		ListenAddr:     e.str(f.ListenAddr, "ADDR", defaultListenAddr),
		InstanceID:     e.str(f.InstanceID, "INSTANCE_ID"),
		TLSCertFile:    e.str(f.TLSCert, "TLS_CERT"),
		TLSKeyFile:     e.str(f.TLSKey, "TLS_KEY"),
		UserHeader:     e.str(f.UserHeader, "USER_HEADER", defaultUserHeader),
		AllowedOrigins: e.list(f.AllowedOrigins, "ALLOWED_ORIGINS"),
		Log:            f.Log.resolve(e),
	}
	var err error
	if cfg.Redis, err = f.Redis.resolve(e); err != nil {
		return Server{}, err
	}
	if cfg.Bus, err = f.Bus.resolve(e); err != nil {
		return Server{}, err
	}
	durations := []struct {
		target   *time.Duration
		flag     time.Duration
		key      string
		fallback time.Duration
	}{
		{&cfg.PoolTTL, f.PoolTTL, "POOL_TTL", defaultPoolTTL},
		{&cfg.SweepGrace, f.SweepGrace, "POOL_SWEEP_GRACE", defaultSweepGrace},
		{&cfg.SweepInterval, f.SweepInterval, "SWEEP_INTERVAL", defaultSweepInterval},
		{&cfg.PresenceTTL, f.PresenceTTL, "PRESENCE_TTL", defaultPresenceTTL},
		{&cfg.HeartbeatInterval, f.HeartbeatInterval, "HEARTBEAT_INTERVAL", 0},
		{&cfg.LockTTL, f.LockTTL, "LOCK_TTL", defaultLockTTL},
		{&cfg.MaxCallDuration, f.MaxCallDuration, "MAX_CALL_DURATION", defaultMaxCallDuration},
		{&cfg.ShutdownTimeout, f.ShutdownTimeout, "SHUTDOWN_TIMEOUT", defaultShutdownTimeout},
	}
	for _, d := range durations {
		if *d.target, err = e.duration(d.flag, d.key, d.fallback); err != nil {
			return Server{}, err
		}
	}
	if cfg.RateLimit.GlobalRPS, err = e.float(f.GlobalRPS, "RATE_GLOBAL_RPS"); err != nil {
		return Server{}, err
	}
	if cfg.RateLimit.GlobalBurst, err = e.integer(f.GlobalBurst, "RATE_GLOBAL_BURST", 0); err != nil {
		return Server{}, err
	}
	if cfg.RateLimit.ConnectLimit, err = e.integer(f.ConnectLimit, "RATE_CONNECT_LIMIT", 0); err != nil {
		return Server{}, err
	}
	if cfg.RateLimit.ConnectWindow, err = e.duration(f.ConnectWindow, "RATE_CONNECT_WINDOW", time.Minute); err != nil {
		return Server{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting as a fatal configuration error.
func (s Server) Validate() error {
	if err := validateStruct("config.server", s); err != nil {
		return err
	}
	if len(s.Redis.Addrs) == 0 {
		return apperrors.FatalConfig("config.server", "redis addr is required")
	}
	return nil
}

// SinkFlags are the command line flags of cmd/telemetry-sink.
type SinkFlags struct {
	Log   LogFlags
	Redis RedisFlags
	Bus   BusFlags

	MetricsAddr      string
	Group            string
	Driver           string
	PostgresDSN      string
	PostgresMaxConns int
	PostgresAppName  string
	MongoURI         string
	MongoDatabase    string
	BatchSize        int
	FlushInterval    time.Duration
	ShutdownTimeout  time.Duration
}

// Register binds f to fs.
func (f *SinkFlags) Register(fs *flag.FlagSet) {
	f.Log.register(fs)
	f.Redis.register(fs)
	f.Bus.register(fs)
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "listen address for /metrics and /healthz (disabled when empty)")
	fs.StringVar(&f.Group, "group", "", "consumer group prefix")
	fs.StringVar(&f.Driver, "store-driver", "", "telemetry store driver (memory, postgres or mongo)")
	fs.StringVar(&f.PostgresDSN, "postgres-dsn", "", "Postgres connection string")
	fs.IntVar(&f.PostgresMaxConns, "postgres-max-conns", 0, "maximum connections in the Postgres pool")
	fs.StringVar(&f.PostgresAppName, "postgres-app-name", "", "application_name reported to Postgres")
	fs.StringVar(&f.MongoURI, "mongo-uri", "", "MongoDB connection string")
	fs.StringVar(&f.MongoDatabase, "mongo-database", "", "MongoDB database name")
	fs.IntVar(&f.BatchSize, "batch-size", 0, "records buffered before a bulk write")
	fs.DurationVar(&f.FlushInterval, "flush-interval", 0, "maximum time a record waits before a bulk write")
	fs.DurationVar(&f.ShutdownTimeout, "shutdown-timeout", 0, "time allowed for the final flush")
}

// ResolveSink merges f with the environment read through lookup and
// validates the result.
func ResolveSink(f SinkFlags, lookup Lookup) (Sink, error) {
	e := newEnv(lookup)
	cfg := Sink{
		MetricsAddr: e.str(f.MetricsAddr, "SINK_METRICS_ADDR"),
		Group:       e.str(f.Group, "SINK_GROUP", defaultSinkGroup),
		Log:         f.Log.resolve(e),
		Telemetry: Telemetry{
			Driver:          strings.ToLower(e.str(f.Driver, "SINK_STORE_DRIVER", "postgres")),
			PostgresDSN:     e.str(f.PostgresDSN, "POSTGRES_DSN"),
			PostgresAppName: e.str(f.PostgresAppName, "POSTGRES_APP_NAME", "chime-telemetry"),
			MongoURI:        e.str(f.MongoURI, "MONGO_URI"),
			MongoDatabase:   e.str(f.MongoDatabase, "MONGO_DATABASE"),
		},
	}
	var err error
	if cfg.Redis, err = f.Redis.resolve(e); err != nil {
		return Sink{}, err
	}
	if cfg.Bus, err = f.Bus.resolve(e); err != nil {
		return Sink{}, err
	}
	if cfg.Telemetry.PostgresMaxConns, err = e.integer(f.PostgresMaxConns, "POSTGRES_MAX_CONNS", 0); err != nil {
		return Sink{}, err
	}
	if cfg.Telemetry.BatchSize, err = e.integer(f.BatchSize, "SINK_BATCH_SIZE", defaultBatchSize); err != nil {
		return Sink{}, err
	}
	if cfg.Telemetry.FlushInterval, err = e.duration(f.FlushInterval, "SINK_FLUSH_INTERVAL", defaultFlushInterval); err != nil {
		return Sink{}, err
	}
	if cfg.ShutdownTimeout, err = e.duration(f.ShutdownTimeout, "SHUTDOWN_TIMEOUT", defaultShutdownTimeout); err != nil {
		return Sink{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Sink{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting as a fatal configuration error.
// Redis is only required when the bus runs on it.
func (s Sink) Validate() error {
	if err := validateStruct("config.sink", s); err != nil {
		return err
	}
	if s.Bus.Driver == "redis" && len(s.Redis.Addrs) == 0 {
		return apperrors.FatalConfig("config.sink", "redis addr is required for the redis bus")
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateStruct(op string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return apperrors.FatalConfig(op, fmt.Sprintf("%s failed %s validation (value %v)", fe.Namespace(), tagWithParam(fe), fe.Value()))
	}
	return apperrors.FatalConfig(op, err.Error())
}

func tagWithParam(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

func invalid(key, raw string, err error) error {
	return apperrors.FatalConfig("config.env", fmt.Sprintf("invalid %s%s %q: %v", EnvPrefix, key, raw, err))
}
