package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	redis "github.com/redis/go-redis/v9"

	"chime-live/internal/apperrors"
	"chime-live/internal/observability/logging"
	"chime-live/internal/observability/metrics"
	"chime-live/internal/serverutil"
)

const (
	defaultUserHeader = "X-User-ID"
	healthTimeout     = 2 * time.Second
)

// Gateway serves websocket connections for authenticated users.
type Gateway interface {
	HandleConnection(w http.ResponseWriter, r *http.Request, userID string)
	InstanceID() string
	ConnectionCount() int
}

// OnlineCounter reports how many users are connected across all instances.
type OnlineCounter interface {
	OnlineCount(ctx context.Context) (int64, error)
}

type Config struct {
	Addr            string
	TLS             serverutil.TLSConfig
	ShutdownTimeout time.Duration
	// OnListen receives the bound address once the listener is open.
	OnListen func(net.Addr)

	Gateway  Gateway
	Presence OnlineCounter
	Redis    redis.UniversalClient

	// UserHeader names the request header carrying the verified user id.
	UserHeader     string
	AllowedOrigins []string
	RateLimit      RateLimitConfig
	Security       SecurityConfig

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

type Server struct {
	httpServer      *http.Server
	handler         http.Handler
	gateway         Gateway
	presence        OnlineCounter
	redis           redis.UniversalClient
	userHeader      string
	limiter         *rateLimiter
	logger          *slog.Logger
	metrics         *metrics.Recorder
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration
	onListen        func(net.Addr)
}

func New(cfg Config) (*Server, error) {
	if cfg.Gateway == nil || cfg.Presence == nil || cfg.Redis == nil {
		return nil, apperrors.FatalConfig("server.new", "gateway, presence and redis are required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.AllowedOrigins)
	if err != nil {
		return nil, apperrors.FatalConfig("server.new", err.Error())
	}

	s := &Server{
		gateway:         cfg.Gateway,
		presence:        cfg.Presence,
		redis:           cfg.Redis,
		userHeader:      strings.TrimSpace(cfg.UserHeader),
		limiter:         newRateLimiter(cfg.RateLimit),
		logger:          logging.WithComponent(cfg.Logger, "server"),
		metrics:         recorder,
		tls:             cfg.TLS,
		shutdownTimeout: cfg.ShutdownTimeout,
		onListen:        cfg.OnListen,
	}
	if s.userHeader == "" {
		s.userHeader = defaultUserHeader
	}

	router := httprouter.New()
	router.GET("/healthz", s.health)
	router.Handler(http.MethodGet, "/metrics", recorder.Handler())
	router.GET("/api/online-count", s.onlineCount)
	router.GET("/ws", s.websocket)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		requestLogger(s.logger, r).Error("handler panic", "panic", v)
		writeError(w, http.StatusInternalServerError, "internal error")
	}

	chain := http.Handler(router)
	chain = s.rateLimitMiddleware(chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = policy.middleware(chain)
	chain = metrics.HTTPMiddleware(recorder, metrics.RouterRoutes(router), chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: s.logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", clientIP(r)}
		},
		DisableRemoteAddr: true,
	})(chain)
	chain = requestIDMiddleware(s.logger, chain)
	s.handler = chain

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: chain,
		// Websocket connections outlive any per-request read or write
		// deadline, so only header reads and idle keep-alives are bounded.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		OnListen:        s.onListen,
		Logger:          s.logger,
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" && r.URL.Path != "/metrics" && !s.limiter.AllowRequest() {
			writeError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
