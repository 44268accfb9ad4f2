// Package presence maps each online user to the connection currently serving
// them. The record names the owning server instance, so any instance can
// route a message to the right process.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"chime-live/internal/apperrors"
	"chime-live/internal/observability/logging"
)

const (
	// OnlineKey scores every user by their last heartbeat in milliseconds.
	OnlineKey = "presence:online"

	defaultTTL = 90 * time.Second
)

func Key(userID string) string { return "presence:" + userID }

// Handle identifies one websocket connection on one server instance.
type Handle struct {
	InstanceID string
	ConnID     string
}

func (h Handle) String() string {
	return h.InstanceID + "/" + h.ConnID
}

func (h Handle) IsZero() bool {
	return h.InstanceID == "" && h.ConnID == ""
}

// ParseHandle parses the form produced by Handle.String.
func ParseHandle(s string) (Handle, error) {
	instance, conn, ok := strings.Cut(s, "/")
	if !ok || instance == "" || conn == "" {
		return Handle{}, apperrors.Validation("presence.parse", "malformed connection handle")
	}
	return Handle{InstanceID: instance, ConnID: conn}, nil
}

var disconnectScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("ZREM", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

var touchScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
	redis.call("ZADD", KEYS[2], ARGV[4], ARGV[2])
	return 1
end
return 0
`)

type Config struct {
	Client redis.UniversalClient
	// TTL is how long a record survives without a heartbeat. It also bounds
	// which users OnlineCount reports.
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// Registry is the presence table in the shared store.
type Registry struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) (*Registry, error) {
	if cfg.Client == nil {
		return nil, apperrors.FatalConfig("presence.new", "redis client is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		client: cfg.Client,
		ttl:    ttl,
		logger: logging.WithComponent(cfg.Logger, "presence"),
		now:    now,
	}, nil
}

// TTL returns the heartbeat lifetime of a record.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Connect makes handle the user's current connection and returns the handle
// it replaced, if any and different.
func (r *Registry) Connect(ctx context.Context, userID string, handle Handle) (Handle, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || handle.IsZero() {
		return Handle{}, apperrors.Validation("presence.connect", "user id and handle are required")
	}
	var prev *redis.StatusCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		prev = pipe.SetArgs(ctx, Key(userID), handle.String(), redis.SetArgs{TTL: r.ttl, Get: true})
		pipe.ZAdd(ctx, OnlineKey, redis.Z{Score: float64(r.now().UnixMilli()), Member: userID})
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Handle{}, apperrors.Transient("presence.connect", err)
	}
	old, err := prev.Result()
	if errors.Is(err, redis.Nil) || old == "" || old == handle.String() {
		return Handle{}, nil
	}
	if err != nil {
		return Handle{}, apperrors.Transient("presence.connect", err)
	}
	previous, err := ParseHandle(old)
	if err != nil {
		r.logger.Warn("discarding malformed presence record", "user_id", userID, "value", old)
		return Handle{}, nil
	}
	return previous, nil
}

// Disconnect removes the record only while it still names handle, so a
// superseded connection closing late leaves the newer record alone.
func (r *Registry) Disconnect(ctx context.Context, userID string, handle Handle) (bool, error) {
	n, err := disconnectScript.Run(ctx, r.client,
		[]string{Key(userID), OnlineKey},
		handle.String(), userID,
	).Int()
	if err != nil {
		return false, apperrors.Transient("presence.disconnect", err)
	}
	return n == 1, nil
}

// Touch refreshes the record's TTL and heartbeat score. It reports false
// when handle is no longer the user's connection.
func (r *Registry) Touch(ctx context.Context, userID string, handle Handle) (bool, error) {
	n, err := touchScript.Run(ctx, r.client,
		[]string{Key(userID), OnlineKey},
		handle.String(), userID, r.ttl.Milliseconds(), r.now().UnixMilli(),
	).Int()
	if err != nil {
		return false, apperrors.Transient("presence.touch", err)
	}
	return n == 1, nil
}

// Lookup returns the user's current connection.
func (r *Registry) Lookup(ctx context.Context, userID string) (Handle, bool, error) {
	value, err := r.client.Get(ctx, Key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return Handle{}, false, nil
	}
	if err != nil {
		return Handle{}, false, apperrors.Transient("presence.lookup", err)
	}
	handle, err := ParseHandle(value)
	if err != nil {
		return Handle{}, false, nil
	}
	return handle, true, nil
}

// OnlineCount is the number of users with a heartbeat within the TTL.
func (r *Registry) OnlineCount(ctx context.Context) (int64, error) {
	floor := strconv.FormatInt(r.now().Add(-r.ttl).UnixMilli(), 10)
	n, err := r.client.ZCount(ctx, OnlineKey, floor, "+inf").Result()
	if err != nil {
		return 0, apperrors.Transient("presence.online_count", err)
	}
	return n, nil
}

// Prune drops heartbeat scores older than the TTL and returns how many were
// removed.
func (r *Registry) Prune(ctx context.Context) (int64, error) {
	cutoff := "(" + strconv.FormatInt(r.now().Add(-r.ttl).UnixMilli(), 10)
	n, err := r.client.ZRemRangeByScore(ctx, OnlineKey, "-inf", cutoff).Result()
	if err != nil {
		return 0, apperrors.Transient("presence.prune", err)
	}
	return n, nil
}
