// Package match pairs a waiting user with a partner. Candidates are read from
// the pool's attribute indices in tiers, from the most specific combination
// down to a shuffled walk over everyone waiting, and a candidate is only
// committed while both users are held under a pair lock.
package match

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"chime-live/internal/apperrors"
	"chime-live/internal/calls"
	"chime-live/internal/events"
	"chime-live/internal/lock"
	"chime-live/internal/observability/logging"
	"chime-live/internal/observability/metrics"
	"chime-live/internal/pool"
)

const (
	defaultLockTTL   = 5 * time.Second
	defaultHeadLimit = 20
	defaultPageSize  = 50
)

// Tier numbers reported in Result and metrics.
const (
	TierExact           = 1
	TierSameGender      = 2
	TierTargetCountry   = 3
	TierSameGenderCntry = 4
	TierFallback        = 5
)

// Pool is the part of the waiting pool the engine reads and commits through.
type Pool interface {
	Get(ctx context.Context, userID string) (pool.Entry, error)
	Head(ctx context.Context, indexKey string, limit int) ([]pool.Entry, error)
	Page(ctx context.Context, offset, size int) ([]pool.Entry, bool, error)
	Size(ctx context.Context) (int64, error)
	Dequeue(ctx context.Context, userID string) (bool, error)
	Restore(ctx context.Context, entry pool.Entry) error
}

// Locker reserves both users of a candidate pair.
type Locker interface {
	AcquirePair(ctx context.Context, a, b, purpose string, ttl time.Duration) (lock.PairLease, error)
	ReleasePair(ctx context.Context, lease lock.PairLease) error
}

// Calls records the committed call.
type Calls interface {
	Start(ctx context.Context, a, b string) error
	End(ctx context.Context, a, b string) (calls.Ended, bool, error)
}

// Publisher announces committed matches.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type Config struct {
	Pool      Pool
	Locks     Locker
	Calls     Calls
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// LockTTL bounds how long a failed instance can hold a reservation.
	LockTTL time.Duration
	// HeadLimit is how many candidates are read from each tier index.
	HeadLimit int
	// PageSize is the FIFO page size of the fallback tier.
	PageSize int
	// Shuffle reorders a fallback page; rand.Shuffle when nil.
	Shuffle func(n int, swap func(i, j int))
}

// Result is the outcome of FindMatch.
type Result struct {
	Matched   bool
	PartnerID string
	Tier      int
	// PoolSize is the FIFO size observed when no match was found.
	PoolSize int64
}

// Engine runs FindMatch.
type Engine struct {
	pool      Pool
	locks     Locker
	calls     Calls
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Recorder
	lockTTL   time.Duration
	headLimit int
	pageSize  int

	shuffleMu sync.Mutex
	shuffle   func(n int, swap func(i, j int))
}

func New(cfg Config) (*Engine, error) {
	if cfg.Pool == nil || cfg.Locks == nil || cfg.Calls == nil || cfg.Publisher == nil {
		return nil, apperrors.FatalConfig("match.new", "pool, locks, calls and publisher are required")
	}
	e := &Engine{
		pool:      cfg.Pool,
		locks:     cfg.Locks,
		calls:     cfg.Calls,
		publisher: cfg.Publisher,
		logger:    logging.WithComponent(cfg.Logger, "match"),
		metrics:   cfg.Metrics,
		lockTTL:   cfg.LockTTL,
		headLimit: cfg.HeadLimit,
		pageSize:  cfg.PageSize,
		shuffle:   cfg.Shuffle,
	}
	if e.lockTTL <= 0 {
		e.lockTTL = defaultLockTTL
	}
	if e.headLimit <= 0 {
		e.headLimit = defaultHeadLimit
	}
	if e.pageSize <= 0 {
		e.pageSize = defaultPageSize
	}
	if e.shuffle == nil {
		e.shuffle = rand.Shuffle
	}
	return e, nil
}

type tier struct {
	number int
	index  string
}

// tiers lists the indexed tiers for caller. A preferred country or age range
// replaces the caller's own in every tier. A strict caller gets a single
// tier built from its stated preferences alone.
func tiers(caller pool.Entry) []tier {
	if caller.Strict {
		return []tier{{TierExact, pool.IndexFor(caller.PrefGender, caller.PrefAge, caller.PrefCountry)}}
	}
	target := caller.PrefGender
	if target == pool.Any {
		target = pool.Opposite(caller.Gender)
	}
	country := caller.Country
	if caller.PrefCountry != pool.Any {
		country = caller.PrefCountry
	}
	age := caller.AgeRange
	if caller.PrefAge != pool.Any {
		age = caller.PrefAge
	}
	all := []tier{
		{TierExact, pool.IndexFor(target, age, country)},
		{TierSameGender, pool.IndexFor(caller.Gender, age, country)},
		{TierTargetCountry, pool.IndexFor(target, pool.Any, country)},
		{TierSameGenderCntry, pool.IndexFor(caller.Gender, pool.Any, country)},
	}
	seen := make(map[string]bool, len(all))
	out := all[:0]
	for _, t := range all {
		if seen[t.index] {
			continue
		}
		seen[t.index] = true
		out = append(out, t)
	}
	return out
}

// acceptable reports whether candidate may be paired with caller. Strict
// entries on either side require the other to satisfy their preferences.
func acceptable(caller, candidate pool.Entry) bool {
	if candidate.UserID == "" || candidate.UserID == caller.UserID {
		return false
	}
	if candidate.Strict && !candidate.Accepts(caller) {
		return false
	}
	if caller.Strict && !caller.Accepts(candidate) {
		return false
	}
	return true
}

// FindMatch looks for a partner for userID, who must already be queued. On
// success both users have left the pool, the call is recorded and a
// match-computed event is published. A lost race for the candidate is not an
// error: the caller stays queued and Result.Matched is false.
func (e *Engine) FindMatch(ctx context.Context, userID string) (Result, error) {
	caller, err := e.pool.Get(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	logger := e.logger.With("user_id", caller.UserID)

	for _, t := range tiers(caller) {
		candidates, err := e.pool.Head(ctx, t.index, e.headLimit)
		if err != nil {
			return Result{}, err
		}
		for _, candidate := range candidates {
			if !acceptable(caller, candidate) {
				continue
			}
			return e.commit(ctx, logger, caller, candidate, t.number)
		}
	}

	if !caller.Strict {
		candidate, found, err := e.fallback(ctx, caller)
		if err != nil {
			return Result{}, err
		}
		if found {
			return e.commit(ctx, logger, caller, candidate, TierFallback)
		}
	}

	size, err := e.pool.Size(ctx)
	if err != nil {
		return Result{}, err
	}
	e.metrics.ObserveMatch(0, "no_candidate")
	logger.Debug("no candidate found", "pool_size", size, "strict", caller.Strict)
	return Result{PoolSize: size}, nil
}

// fallback walks the FIFO index page by page, shuffling each page, and
// returns the first acceptable candidate.
func (e *Engine) fallback(ctx context.Context, caller pool.Entry) (pool.Entry, bool, error) {
	for offset := 0; ; offset += e.pageSize {
		page, more, err := e.pool.Page(ctx, offset, e.pageSize)
		if err != nil {
			return pool.Entry{}, false, err
		}
		e.shuffleMu.Lock()
		e.shuffle(len(page), func(i, j int) { page[i], page[j] = page[j], page[i] })
		e.shuffleMu.Unlock()
		for _, candidate := range page {
			if acceptable(caller, candidate) {
				return candidate, true, nil
			}
		}
		if !more {
			return pool.Entry{}, false, nil
		}
	}
}

// commit reserves caller and candidate, re-checks that both are still
// waiting, and turns them into a call. It does not retry another candidate.
func (e *Engine) commit(ctx context.Context, logger *slog.Logger, caller, candidate pool.Entry, tierNumber int) (Result, error) {
	lease, err := e.locks.AcquirePair(ctx, caller.UserID, candidate.UserID, lock.PurposeMatch, e.lockTTL)
	if apperrors.IsConflict(err) {
		e.metrics.ObserveMatch(tierNumber, "lock_conflict")
		logger.Debug("candidate reserved by another caller", "candidate_id", candidate.UserID, "tier", tierNumber)
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}
	released := false
	defer func() {
		if released {
			return
		}
		if err := e.locks.ReleasePair(context.WithoutCancel(ctx), lease); err != nil {
			logger.Warn("release pair lock", "candidate_id", candidate.UserID, "error", err)
		}
	}()

	// The index read may be stale; confirm both are still waiting.
	freshCaller, err := e.pool.Get(ctx, caller.UserID)
	if apperrors.IsNotFound(err) {
		e.metrics.ObserveMatch(tierNumber, "caller_gone")
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}
	freshCandidate, err := e.pool.Get(ctx, candidate.UserID)
	if apperrors.IsNotFound(err) {
		e.metrics.ObserveMatch(tierNumber, "candidate_gone")
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}

	// Leaving the pool does not take the match lock, so either user may have
	// gone since the Get above. Only a Dequeue that removed the entry counts.
	removed, err := e.pool.Dequeue(ctx, freshCaller.UserID)
	if err != nil {
		return Result{}, err
	}
	if !removed {
		e.metrics.ObserveMatch(tierNumber, "caller_gone")
		return Result{}, nil
	}
	removed, err = e.pool.Dequeue(ctx, freshCandidate.UserID)
	if err != nil {
		e.restore(ctx, logger, freshCaller)
		return Result{}, err
	}
	if !removed {
		e.restore(ctx, logger, freshCaller)
		e.metrics.ObserveMatch(tierNumber, "candidate_gone")
		logger.Debug("candidate left before commit", "candidate_id", freshCandidate.UserID, "tier", tierNumber)
		return Result{}, nil
	}
	if err := e.calls.Start(ctx, freshCaller.UserID, freshCandidate.UserID); err != nil {
		e.restore(ctx, logger, freshCaller, freshCandidate)
		return Result{}, err
	}

	released = true
	if err := e.locks.ReleasePair(context.WithoutCancel(ctx), lease); err != nil {
		logger.Warn("release pair lock", "candidate_id", freshCandidate.UserID, "error", err)
	}

	if err := e.publisher.Publish(ctx, events.NewMatchComputed(freshCaller.UserID, freshCandidate.UserID)); err != nil {
		// Nobody will be told about this call; put both users back.
		if _, _, endErr := e.calls.End(context.WithoutCancel(ctx), freshCaller.UserID, freshCandidate.UserID); endErr != nil {
			logger.Warn("undo call record", "candidate_id", freshCandidate.UserID, "error", endErr)
		}
		e.restore(ctx, logger, freshCaller, freshCandidate)
		e.metrics.ObserveMatch(tierNumber, "publish_failed")
		return Result{}, apperrors.Transient("match.find", err)
	}

	e.metrics.ObserveMatch(tierNumber, "matched")
	logger.Info("match committed", "partner_id", freshCandidate.UserID, "tier", tierNumber)
	return Result{Matched: true, PartnerID: freshCandidate.UserID, Tier: tierNumber}, nil
}

func (e *Engine) restore(ctx context.Context, logger *slog.Logger, entries ...pool.Entry) {
	ctx = context.WithoutCancel(ctx)
	for _, entry := range entries {
		if err := e.pool.Restore(ctx, entry); err != nil {
			logger.Warn("restore waiting entry", "restored_id", entry.UserID, "error", err)
		}
	}
}
