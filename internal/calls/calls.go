// Package calls records which users are currently in a call with each other.
// A record is written for both sides in one transaction when a match is
// committed and removed for both when the call ends.
package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"chime-live/internal/apperrors"
	"chime-live/internal/observability/logging"
)

const (
	keyPrefix = "call:"
	// defaultMaxDuration caps how long an unfinished record survives a crash
	// of every instance that could have ended it.
	defaultMaxDuration = 6 * time.Hour
	maxTxAttempts      = 5
)

func Key(userID string) string { return keyPrefix + userID }

// Record is one side of an active call.
type Record struct {
	UserID    string
	Partner   string
	StartedAt time.Time
}

// Ended describes a call that was just torn down.
type Ended struct {
	CallerID string
	CalleeID string
	Duration time.Duration
}

// Seconds is the whole number of seconds the call lasted.
func (e Ended) Seconds() int64 {
	return int64(e.Duration / time.Second)
}

type Config struct {
	Client      redis.UniversalClient
	MaxDuration time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Store reads and writes active call records.
type Store struct {
	client      redis.UniversalClient
	maxDuration time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, apperrors.FatalConfig("calls.new", "redis client is required")
	}
	maxDuration := cfg.MaxDuration
	if maxDuration <= 0 {
		maxDuration = defaultMaxDuration
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		client:      cfg.Client,
		maxDuration: maxDuration,
		logger:      logging.WithComponent(cfg.Logger, "calls"),
		now:         now,
	}, nil
}

// Start records a call between a and b, replacing any stale record either
// side still had.
func (s *Store) Start(ctx context.Context, a, b string) error {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return apperrors.Validation("calls.start", "two distinct users are required")
	}
	started := strconv.FormatInt(s.now().UnixMilli(), 10)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, side := range [][2]string{{a, b}, {b, a}} {
			key := Key(side[0])
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, "partner", side[1], "started_at", started)
			pipe.Expire(ctx, key, s.maxDuration)
		}
		return nil
	})
	if err != nil {
		return apperrors.Transient("calls.start", err)
	}
	return nil
}

// Get returns userID's active call.
func (s *Store) Get(ctx context.Context, userID string) (Record, error) {
	rec, found, err := load(ctx, s.client, userID)
	if err != nil {
		return Record{}, apperrors.Transient("calls.get", err)
	}
	if !found {
		return Record{}, apperrors.NotFound("calls.get", "no active call")
	}
	return rec, nil
}

// Partner returns the user userID is in a call with, if any.
func (s *Store) Partner(ctx context.Context, userID string) (string, bool, error) {
	rec, err := s.Get(ctx, userID)
	if apperrors.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Partner, true, nil
}

// End removes the call between a and b. Only the caller that actually
// deletes a record sees ended == true, so concurrent enders produce a single
// call-ended event. Records pointing at someone else are left alone.
func (s *Store) End(ctx context.Context, a, b string) (Ended, bool, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return Ended{}, false, apperrors.Validation("calls.end", "both users are required")
	}
	var (
		out   Ended
		ended bool
	)
	txf := func(tx *redis.Tx) error {
		ended = false
		recA, foundA, err := load(ctx, tx, a)
		if err != nil {
			return err
		}
		recB, foundB, err := load(ctx, tx, b)
		if err != nil {
			return err
		}
		ownA := foundA && recA.Partner == b
		ownB := foundB && recB.Partner == a
		if !ownA && !ownB {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if ownA {
				pipe.Del(ctx, Key(a))
			}
			if ownB {
				pipe.Del(ctx, Key(b))
			}
			return nil
		})
		if err != nil {
			return err
		}
		started := recA.StartedAt
		if !ownA || (ownB && recB.StartedAt.Before(started)) {
			started = recB.StartedAt
		}
		out = Ended{CallerID: a, CalleeID: b, Duration: s.now().Sub(started)}
		if out.Duration < 0 {
			out.Duration = 0
		}
		ended = true
		return nil
	}
	if err := s.transact(ctx, txf, Key(a), Key(b)); err != nil {
		return Ended{}, false, apperrors.Transient("calls.end", err)
	}
	return out, ended, nil
}

// EndByUser ends whatever call userID is in.
func (s *Store) EndByUser(ctx context.Context, userID string) (Ended, bool, error) {
	partner, ok, err := s.Partner(ctx, userID)
	if err != nil || !ok {
		return Ended{}, false, err
	}
	return s.End(ctx, userID, partner)
}

func (s *Store) transact(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("call transaction kept conflicting")
}

func load(ctx context.Context, c redis.Cmdable, userID string) (Record, bool, error) {
	h, err := c.HGetAll(ctx, Key(userID)).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(h) == 0 || h["partner"] == "" {
		return Record{}, false, nil
	}
	ms, _ := strconv.ParseInt(h["started_at"], 10, 64)
	return Record{UserID: userID, Partner: h["partner"], StartedAt: time.UnixMilli(ms)}, true, nil
}
