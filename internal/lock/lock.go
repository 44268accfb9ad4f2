// Package lock implements the short-lived distributed mutual exclusion used
// while a pair of users is reserved for a match. Locks live in the shared
// Redis store so every server instance observes the same holders.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"chime-live/internal/apperrors"
	"chime-live/internal/observability/logging"
	"chime-live/internal/observability/metrics"
	"chime-live/internal/retry"
)

// PurposeMatch guards the reservation of two users for a call.
const PurposeMatch = "match"

// Key layout. The purpose is wrapped in a hash tag so a lock and its token
// index share a cluster slot and can be touched by one script.
func lockKey(purpose, subject string) string {
	return "lock:{" + purpose + "}:" + subject
}

func tokensKey(purpose string) string {
	return "lock:tokens:{" + purpose + "}"
}

var acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	redis.call("HSET", KEYS[2], ARGV[3], ARGV[1])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	if redis.call("HGET", KEYS[2], ARGV[2]) == ARGV[1] then
		redis.call("HDEL", KEYS[2], ARGV[2])
	end
	return 1
end
return 0
`)

var clearStaleScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[2]) == ARGV[1] and redis.call("GET", KEYS[1]) ~= ARGV[1] then
	redis.call("HDEL", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// Config wires the manager to the shared store.
type Config struct {
	Client  redis.UniversalClient
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// Retry governs ReleasePair; defaults to retry.Once.
	Retry *retry.Policy
}

// Manager acquires and releases locks keyed by (purpose, subject).
type Manager struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	metrics *metrics.Recorder
	retry   retry.Policy
}

// Lease identifies one held lock.
type Lease struct {
	Subject string
	Purpose string
	Token   string
}

// PairLease holds the two locks taken by AcquirePair.
type PairLease struct {
	First  Lease
	Second Lease
}

// NewManager validates the config and constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Client == nil {
		return nil, apperrors.FatalConfig("lock.new", "redis client is required")
	}
	policy := retry.Once
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	return &Manager{
		client:  cfg.Client,
		logger:  logging.WithComponent(cfg.Logger, "lock"),
		metrics: cfg.Metrics,
		retry:   policy,
	}, nil
}

// Acquire takes the lock for subject if nobody holds it. It never blocks: a
// held lock yields a conflict error immediately.
func (m *Manager) Acquire(ctx context.Context, subject, purpose string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	purpose = strings.TrimSpace(purpose)
	if subject == "" || purpose == "" {
		return "", apperrors.Validation("lock.acquire", "subject and purpose are required")
	}
	if ttl <= 0 {
		return "", apperrors.Validation("lock.acquire", "ttl must be positive")
	}
	token := uuid.NewString()
	ok, err := acquireScript.Run(ctx, m.client,
		[]string{lockKey(purpose, subject), tokensKey(purpose)},
		token, ttl.Milliseconds(), subject,
	).Int()
	if err != nil {
		m.metrics.ObserveLock(purpose, "error")
		return "", apperrors.Transient("lock.acquire", err)
	}
	if ok != 1 {
		m.metrics.ObserveLock(purpose, "conflict")
		return "", apperrors.Conflict("lock.acquire", fmt.Sprintf("%s lock for %s is held", purpose, subject))
	}
	m.metrics.ObserveLock(purpose, "acquired")
	return token, nil
}

// Release deletes the lock only while it still carries token. A mismatch
// (expired and re-taken, or never held) reports false without error.
func (m *Manager) Release(ctx context.Context, subject, purpose, token string) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, m.client,
		[]string{lockKey(purpose, subject), tokensKey(purpose)},
		token, subject,
	).Int()
	if err != nil {
		return false, apperrors.Transient("lock.release", err)
	}
	return n == 1, nil
}

// AcquirePair locks a then b. When b is unavailable the lock on a is given
// back before the conflict is returned, so a failed pair leaves nothing held.
func (m *Manager) AcquirePair(ctx context.Context, a, b, purpose string, ttl time.Duration) (PairLease, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return PairLease{}, apperrors.Validation("lock.acquire_pair", "cannot pair a subject with itself")
	}
	first, err := m.Acquire(ctx, a, purpose, ttl)
	if err != nil {
		return PairLease{}, err
	}
	second, err := m.Acquire(ctx, b, purpose, ttl)
	if err != nil {
		if rbErr := m.releaseWithRetry(ctx, Lease{Subject: a, Purpose: purpose, Token: first}); rbErr != nil {
			m.logger.Warn("rollback of first lock failed", "subject", a, "purpose", purpose, "error", rbErr)
		}
		return PairLease{}, err
	}
	return PairLease{
		First:  Lease{Subject: a, Purpose: purpose, Token: first},
		Second: Lease{Subject: b, Purpose: purpose, Token: second},
	}, nil
}

// ReleasePair releases both halves of lease. Store errors are retried once;
// whatever still fails is reported as a transient error.
func (m *Manager) ReleasePair(ctx context.Context, lease PairLease) error {
	var errs []error
	for _, l := range []Lease{lease.First, lease.Second} {
		if l.Token == "" {
			continue
		}
		if err := m.releaseWithRetry(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return apperrors.Transient("lock.release_pair", errors.Join(errs...))
	}
	return nil
}

func (m *Manager) releaseWithRetry(ctx context.Context, l Lease) error {
	return retry.Do(ctx, m.retry, func(ctx context.Context) error {
		released, err := m.Release(ctx, l.Subject, l.Purpose, l.Token)
		if err != nil {
			return err
		}
		if !released {
			m.logger.Debug("lock already gone", "subject", l.Subject, "purpose", l.Purpose)
		}
		return nil
	})
}

// TokenFor returns the token of the live lock on subject, letting a request
// that did not take the lock release it. Index entries left behind by
// expired locks are cleared and reported as not found.
func (m *Manager) TokenFor(ctx context.Context, subject, purpose string) (string, error) {
	token, err := m.client.HGet(ctx, tokensKey(purpose), subject).Result()
	if errors.Is(err, redis.Nil) {
		return "", apperrors.NotFound("lock.token_for", "no lock recorded")
	}
	if err != nil {
		return "", apperrors.Transient("lock.token_for", err)
	}
	current, err := m.client.Get(ctx, lockKey(purpose, subject)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", apperrors.Transient("lock.token_for", err)
	}
	if current != token {
		err := clearStaleScript.Run(ctx, m.client,
			[]string{lockKey(purpose, subject), tokensKey(purpose)},
			token, subject,
		).Err()
		if err != nil {
			m.logger.Debug("clear stale lock token", "subject", subject, "error", err)
		}
		return "", apperrors.NotFound("lock.token_for", "lock expired")
	}
	return token, nil
}

// Held reports whether any live lock exists on subject for purpose.
func (m *Manager) Held(ctx context.Context, subject, purpose string) (bool, error) {
	n, err := m.client.Exists(ctx, lockKey(purpose, subject)).Result()
	if err != nil {
		return false, apperrors.Transient("lock.held", err)
	}
	return n == 1, nil
}
