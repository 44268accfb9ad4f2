// Package pool keeps the shared waiting pool: one metadata hash per waiting
// user plus sorted-set indices over country, gender, age range and their
// combinations. Every mutation touches the hash and all of its index
// memberships in one optimistic transaction so readers never observe a
// half-indexed entry.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	redis "github.com/redis/go-redis/v9"

	"chime-live/internal/apperrors"
	"chime-live/internal/observability/logging"
	"chime-live/internal/observability/metrics"
)

const (
	defaultTTL        = 10 * time.Minute
	defaultSweepGrace = 2 * time.Minute
	maxTxAttempts     = 5
	maxHeadScans      = 8
)

// Attrs are the caller's self-described attributes as received from the client.
type Attrs struct {
	Country string `json:"country" validate:"max=64"`
	Gender  string `json:"gender" validate:"max=32"`
	Age     string `json:"age" validate:"max=16"`
}

// Prefs are what the caller wants in a partner. Strict asks for exact
// matches only, and makes the caller unacceptable to anyone who does not
// satisfy every preference.
type Prefs struct {
	Country  string `json:"country" validate:"max=64"`
	Gender   string `json:"gender" validate:"max=32"`
	AgeRange string `json:"ageRange" validate:"max=16"`
	Strict   bool   `json:"strict"`
}

// Entry is a normalized waiting entry.
type Entry struct {
	UserID   string `validate:"required,max=128"`
	Country  string `validate:"required,max=64,excludesall=:"`
	Gender   string `validate:"required,max=32,excludesall=:"`
	AgeRange string `validate:"required,oneof=any under-18 18-21 22-25 26-30 31-40 41+"`
	RawAge   string `validate:"max=16"`

	PrefCountry string `validate:"required,max=64,excludesall=:"`
	PrefGender  string `validate:"required,max=32,excludesall=:"`
	PrefAge     string `validate:"required,oneof=any under-18 18-21 22-25 26-30 31-40 41+"`
	Strict      bool

	JoinedAt time.Time
}

// Live reports whether the entry is still within its TTL at now.
func (e Entry) Live(now time.Time, ttl time.Duration) bool {
	return now.Before(e.JoinedAt.Add(ttl))
}

// Accepts reports whether other satisfies every known preference of e.
func (e Entry) Accepts(other Entry) bool {
	if e.PrefCountry != Any && e.PrefCountry != other.Country {
		return false
	}
	if e.PrefGender != Any && e.PrefGender != other.Gender {
		return false
	}
	if e.PrefAge != Any && e.PrefAge != other.AgeRange {
		return false
	}
	return true
}

func (e Entry) fields() map[string]any {
	strict := "0"
	if e.Strict {
		strict = "1"
	}
	return map[string]any{
		"country":      e.Country,
		"gender":       e.Gender,
		"age_range":    e.AgeRange,
		"raw_age":      e.RawAge,
		"pref_country": e.PrefCountry,
		"pref_gender":  e.PrefGender,
		"pref_age":     e.PrefAge,
		"strict":       strict,
		"joined_at":    strconv.FormatInt(e.JoinedAt.UnixMilli(), 10),
	}
}

func entryFromHash(userID string, h map[string]string) (Entry, bool) {
	if len(h) == 0 {
		return Entry{}, false
	}
	joined, err := strconv.ParseInt(h["joined_at"], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	orAny := func(v string) string {
		if v == "" {
			return Any
		}
		return v
	}
	return Entry{
		UserID:      userID,
		Country:     orAny(h["country"]),
		Gender:      orAny(h["gender"]),
		AgeRange:    orAny(h["age_range"]),
		RawAge:      h["raw_age"],
		PrefCountry: orAny(h["pref_country"]),
		PrefGender:  orAny(h["pref_gender"]),
		PrefAge:     orAny(h["pref_age"]),
		Strict:      h["strict"] == "1",
		JoinedAt:    time.UnixMilli(joined),
	}, true
}

// Config wires the pool to the shared store.
type Config struct {
	Client redis.UniversalClient
	// TTL bounds how long an entry waits before it is considered abandoned.
	TTL time.Duration
	// SweepGrace is added to TTL for the hard Redis expiry so the sweeper
	// still sees the metadata it needs to clear every index membership.
	SweepGrace time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Now        func() time.Time
}

// Pool is the waiting pool over the shared store.
type Pool struct {
	client   redis.UniversalClient
	ttl      time.Duration
	grace    time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder
	validate *validator.Validate
	now      func() time.Time
}

// New validates cfg and constructs a Pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Client == nil {
		return nil, apperrors.FatalConfig("pool.new", "redis client is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	grace := cfg.SweepGrace
	if grace <= 0 {
		grace = defaultSweepGrace
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pool{
		client:   cfg.Client,
		ttl:      ttl,
		grace:    grace,
		logger:   logging.WithComponent(cfg.Logger, "pool"),
		metrics:  cfg.Metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      now,
	}, nil
}

// TTL returns the soft lifetime of a waiting entry.
func (p *Pool) TTL() time.Duration { return p.ttl }

// Normalize builds the entry that Enqueue would store, without writing it.
func (p *Pool) Normalize(userID string, attrs Attrs, prefs Prefs) (Entry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Entry{}, apperrors.Validation("pool.enqueue", "user id is required")
	}
	if err := p.validate.Struct(attrs); err != nil {
		return Entry{}, apperrors.Validation("pool.enqueue", fmt.Sprintf("invalid attributes: %v", err))
	}
	if err := p.validate.Struct(prefs); err != nil {
		return Entry{}, apperrors.Validation("pool.enqueue", fmt.Sprintf("invalid preferences: %v", err))
	}
	entry := Entry{
		UserID:      userID,
		Country:     Normalize(attrs.Country),
		Gender:      NormalizeGender(attrs.Gender),
		AgeRange:    AgeRangeOf(attrs.Age),
		RawAge:      strings.TrimSpace(attrs.Age),
		PrefCountry: Normalize(prefs.Country),
		PrefGender:  NormalizeGender(prefs.Gender),
		PrefAge:     Normalize(prefs.AgeRange),
		Strict:      prefs.Strict,
	}
	if err := p.validate.Struct(entry); err != nil {
		return Entry{}, apperrors.Validation("pool.enqueue", fmt.Sprintf("invalid entry: %v", err))
	}
	return entry, nil
}

// Enqueue inserts or replaces the waiting entry for userID. A previous
// entry's index memberships are removed in the same transaction.
func (p *Pool) Enqueue(ctx context.Context, userID string, attrs Attrs, prefs Prefs) (Entry, error) {
	entry, err := p.Normalize(userID, attrs, prefs)
	if err != nil {
		return Entry{}, err
	}
	entry.JoinedAt = p.now()
	if err := p.put(ctx, entry); err != nil {
		return Entry{}, apperrors.Transient("pool.enqueue", err)
	}
	p.logger.Debug("user enqueued", "user_id", entry.UserID, "country", entry.Country, "gender", entry.Gender, "age_range", entry.AgeRange)
	return entry, nil
}

// Restore writes back an entry previously returned by Get or Head, keeping
// its original join time so the user does not lose their place.
func (p *Pool) Restore(ctx context.Context, entry Entry) error {
	if err := p.validate.Struct(entry); err != nil {
		return apperrors.Validation("pool.restore", fmt.Sprintf("invalid entry: %v", err))
	}
	if err := p.put(ctx, entry); err != nil {
		return apperrors.Transient("pool.restore", err)
	}
	return nil
}

// put replaces the stored entry and its memberships in one transaction.
func (p *Pool) put(ctx context.Context, entry Entry) error {
	score := float64(entry.JoinedAt.UnixMilli())
	key := EntryKey(entry.UserID)
	return p.transact(ctx, key, func(tx *redis.Tx) error {
		prev, found, err := loadEntry(ctx, tx, entry.UserID)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if found {
				for _, idx := range prev.IndexKeys() {
					pipe.ZRem(ctx, idx, entry.UserID)
				}
			}
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, entry.fields())
			pipe.Expire(ctx, key, p.ttl+p.grace)
			for _, idx := range entry.IndexKeys() {
				pipe.ZAdd(ctx, idx, redis.Z{Score: score, Member: entry.UserID})
			}
			return nil
		})
		return err
	})
}

// Dequeue removes userID from the pool and every index. It is idempotent and
// reports whether anything was removed.
func (p *Pool) Dequeue(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, apperrors.Validation("pool.dequeue", "user id is required")
	}
	removed, err := p.remove(ctx, userID, nil)
	if err != nil {
		return false, apperrors.Transient("pool.dequeue", err)
	}
	return removed, nil
}

// remove deletes the entry and its memberships when keep is nil or returns
// false for the stored entry. Without metadata only the FIFO membership can
// be located; other indices are purged lazily by readers.
func (p *Pool) remove(ctx context.Context, userID string, keep func(Entry) bool) (bool, error) {
	key := EntryKey(userID)
	var removed bool
	err := p.transact(ctx, key, func(tx *redis.Tx) error {
		removed = false
		entry, found, err := loadEntry(ctx, tx, userID)
		if err != nil {
			return err
		}
		if found && keep != nil && keep(entry) {
			return nil
		}
		var fifo *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if found {
				for _, idx := range entry.IndexKeys() {
					pipe.ZRem(ctx, idx, userID)
				}
				pipe.Del(ctx, key)
				return nil
			}
			fifo = pipe.ZRem(ctx, AllKey, userID)
			return nil
		})
		if err != nil {
			return err
		}
		removed = found || (fifo != nil && fifo.Val() > 0)
		return nil
	})
	return removed, err
}

func (p *Pool) transact(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := p.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %s kept conflicting", key)
}

func loadEntry(ctx context.Context, c redis.Cmdable, userID string) (Entry, bool, error) {
	h, err := c.HGetAll(ctx, EntryKey(userID)).Result()
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := entryFromHash(userID, h)
	return entry, ok, nil
}

// Get returns the live entry for userID.
func (p *Pool) Get(ctx context.Context, userID string) (Entry, error) {
	entry, found, err := loadEntry(ctx, p.client, strings.TrimSpace(userID))
	if err != nil {
		return Entry{}, apperrors.Transient("pool.get", err)
	}
	if !found || !entry.Live(p.now(), p.ttl) {
		return Entry{}, apperrors.NotFound("pool.get", "user is not waiting")
	}
	return entry, nil
}

// Head returns up to limit live entries of indexKey, oldest first. Members
// whose metadata is gone are purged from the index as they are met.
func (p *Pool) Head(ctx context.Context, indexKey string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []Entry
	offset := int64(0)
	for scan := 0; scan < maxHeadScans && len(out) < limit; scan++ {
		ids, err := p.client.ZRange(ctx, indexKey, offset, offset+int64(limit)-1).Result()
		if err != nil {
			return nil, apperrors.Transient("pool.head", err)
		}
		entries, orphans, err := p.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if len(out) == limit {
				break
			}
			out = append(out, e)
		}
		purged := p.purge(ctx, indexKey, orphans)
		if len(ids) < limit {
			break
		}
		// Purged members no longer occupy rank positions.
		offset += int64(len(ids) - purged)
	}
	return out, nil
}

// Page returns the live entries at FIFO ranks [offset, offset+size) and
// whether further ranks may exist.
func (p *Pool) Page(ctx context.Context, offset, size int) ([]Entry, bool, error) {
	if size <= 0 {
		return nil, false, nil
	}
	ids, err := p.client.ZRange(ctx, AllKey, int64(offset), int64(offset+size-1)).Result()
	if err != nil {
		return nil, false, apperrors.Transient("pool.page", err)
	}
	entries, orphans, err := p.load(ctx, ids)
	if err != nil {
		return nil, false, err
	}
	p.purge(ctx, AllKey, orphans)
	return entries, len(ids) == size, nil
}

// Size is the number of FIFO members, including ones not yet swept.
func (p *Pool) Size(ctx context.Context) (int64, error) {
	n, err := p.client.ZCard(ctx, AllKey).Result()
	if err != nil {
		return 0, apperrors.Transient("pool.size", err)
	}
	return n, nil
}

// Sweep dequeues every entry that joined more than TTL before now and
// returns how many were removed.
func (p *Pool) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-p.ttl).UnixMilli()
	ids, err := p.client.ZRangeByScore(ctx, AllKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, apperrors.Transient("pool.sweep", err)
	}
	swept := 0
	for _, id := range ids {
		removed, err := p.remove(ctx, id, func(e Entry) bool { return e.Live(now, p.ttl) })
		if err != nil {
			return swept, apperrors.Transient("pool.sweep", err)
		}
		if removed {
			swept++
		}
	}
	if swept > 0 {
		p.logger.Info("expired waiting entries swept", "count", swept)
		p.metrics.ObserveSweep(swept)
	}
	return swept, nil
}

// load fetches metadata for ids in order. Expired entries are skipped; ids
// without any metadata are returned as orphans.
func (p *Pool) load(ctx context.Context, ids []string) ([]Entry, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, EntryKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, nil, apperrors.Transient("pool.load", err)
	}
	now := p.now()
	entries := make([]Entry, 0, len(ids))
	var orphans []string
	for i, id := range ids {
		entry, ok := entryFromHash(id, cmds[i].Val())
		if !ok {
			orphans = append(orphans, id)
			continue
		}
		if entry.Live(now, p.ttl) {
			entries = append(entries, entry)
		}
	}
	return entries, orphans, nil
}

// purgeScript drops index members whose entry hash is gone. The existence
// check runs with the removal so a user who re-enqueued after the caller
// loaded an empty hash keeps their memberships.
var purgeScript = redis.NewScript(`
local removed = 0
for i, id in ipairs(ARGV) do
  if redis.call("EXISTS", KEYS[i + 2]) == 0 then
    removed = removed + redis.call("ZREM", KEYS[1], id)
    if KEYS[2] ~= KEYS[1] then
      redis.call("ZREM", KEYS[2], id)
    end
  end
end
return removed
`)

// purge removes orphans from indexKey and the FIFO index and reports how
// many left indexKey.
func (p *Pool) purge(ctx context.Context, indexKey string, orphans []string) int {
	if len(orphans) == 0 {
		return 0
	}
	keys := make([]string, 0, len(orphans)+2)
	keys = append(keys, indexKey, AllKey)
	args := make([]any, len(orphans))
	for i, id := range orphans {
		keys = append(keys, EntryKey(id))
		args[i] = id
	}
	removed, err := purgeScript.Run(ctx, p.client, keys, args...).Int()
	if err != nil {
		p.logger.Warn("purge orphaned index members", "index", indexKey, "count", len(orphans), "error", err)
		return 0
	}
	return removed
}
