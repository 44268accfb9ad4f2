package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chime-live/internal/apperrors"
	"chime-live/internal/calls"
	"chime-live/internal/events"
	"chime-live/internal/lock"
	"chime-live/internal/pool"
)

type fixture struct {
	srv    *miniredis.Miniredis
	client redis.UniversalClient
	pool   *pool.Pool
	locks  *lock.Manager
	calls  *calls.Store
	bus    events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	p, err := pool.New(pool.Config{Client: client, TTL: time.Minute})
	require.NoError(t, err)
	locks, err := lock.NewManager(lock.Config{Client: client})
	require.NoError(t, err)
	store, err := calls.New(calls.Config{Client: client})
	require.NoError(t, err)
	bus := events.NewMemoryBus(16)
	t.Cleanup(func() { _ = bus.Close() })
	return &fixture{srv: srv, client: client, pool: p, locks: locks, calls: store, bus: bus}
}

func (f *fixture) engine(t *testing.T, publisher Publisher) *Engine {
	t.Helper()
	if publisher == nil {
		publisher = f.bus
	}
	e, err := New(Config{
		Pool:      f.pool,
		Locks:     f.locks,
		Calls:     f.calls,
		Publisher: publisher,
		PageSize:  2,
		Shuffle:   func(int, func(i, j int)) {},
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) enqueue(t *testing.T, id string, attrs pool.Attrs, prefs pool.Prefs) {
	t.Helper()
	_, err := f.pool.Enqueue(context.Background(), id, attrs, prefs)
	require.NoError(t, err)
}

func (f *fixture) waiting(t *testing.T, id string) bool {
	t.Helper()
	_, err := f.pool.Get(context.Background(), id)
	if apperrors.IsNotFound(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, apperrors.IsFatalConfig(err))
}

func TestFindMatchPairsOppositeGenderSameBracket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.bus.Subscribe(ctx, events.TopicMatchComputed, "test")
	require.NoError(t, err)

	f.enqueue(t, "u1", pool.Attrs{Gender: "male", Age: "22", Country: "NP"}, pool.Prefs{})
	f.enqueue(t, "u2", pool.Attrs{Gender: "female", Age: "23", Country: "NP"}, pool.Prefs{})

	res, err := f.engine(t, nil).FindMatch(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "u2", res.PartnerID)
	assert.Equal(t, TierExact, res.Tier)

	assert.False(t, f.waiting(t, "u1"))
	assert.False(t, f.waiting(t, "u2"))
	partner, ok, err := f.calls.Partner(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u2", partner)
	partner, ok, err = f.calls.Partner(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u1", partner)

	held, err := f.locks.Held(ctx, "u1", lock.PurposeMatch)
	require.NoError(t, err)
	assert.False(t, held, "pair lock is released after commit")

	select {
	case event := <-sub.Events():
		require.NotNil(t, event.Match)
		assert.Equal(t, "u1", event.Match.CallerID)
		assert.Equal(t, "u2", event.Match.CalleeID)
		assert.True(t, event.Match.IsInitiator)
	case <-time.After(time.Second):
		t.Fatal("match-computed not published")
	}
}

func TestFindMatchAloneKeepsCallerQueued(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "solo", pool.Attrs{Gender: "male", Country: "NP"}, pool.Prefs{})

	res, err := f.engine(t, nil).FindMatch(context.Background(), "solo")
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.EqualValues(t, 1, res.PoolSize)
	assert.True(t, f.waiting(t, "solo"))
}

func TestFindMatchUnknownCaller(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine(t, nil).FindMatch(context.Background(), "ghost")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestConcurrentCallersShareOneCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "c", pool.Attrs{Gender: "female", Age: "24", Country: "NP"}, pool.Prefs{})
	f.enqueue(t, "x", pool.Attrs{Gender: "male", Age: "24", Country: "NP"}, pool.Prefs{})
	f.enqueue(t, "y", pool.Attrs{Gender: "male", Age: "24", Country: "NP"}, pool.Prefs{})

	// Two engines stand in for two server instances.
	engines := []*Engine{f.engine(t, nil), f.engine(t, nil)}
	results := make([]Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, caller := range []string{"x", "y"} {
		wg.Add(1)
		go func(i int, caller string) {
			defer wg.Done()
			results[i], errs[i] = engines[i].FindMatch(ctx, caller)
		}(i, caller)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	winners := 0
	for _, r := range results {
		if r.Matched {
			winners++
			assert.Equal(t, "c", r.PartnerID)
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller gets the candidate: %+v", results)
	assert.False(t, f.waiting(t, "c"))
}

func TestFindMatchNeverReturnsCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.engine(t, nil)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("u%d", i)
		f.enqueue(t, id, pool.Attrs{Gender: "male", Country: "NP"}, pool.Prefs{})
		res, err := e.FindMatch(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, id, res.PartnerID)
	}
}

func TestTiersDegradeFromExactToCountry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "caller", pool.Attrs{Gender: "male", Age: "24", Country: "NP"}, pool.Prefs{})
	f.enqueue(t, "same-gender-other-age", pool.Attrs{Gender: "male", Age: "35", Country: "NP"}, pool.Prefs{})

	res, err := f.engine(t, nil).FindMatch(ctx, "caller")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, TierSameGenderCntry, res.Tier)
}

func TestFallbackReachesTheWholePool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Five strict entries the caller cannot satisfy, then one acceptable one
	// at the very end of the FIFO index, past several fallback pages.
	for i := 0; i < 5; i++ {
		f.enqueue(t, fmt.Sprintf("picky%d", i), pool.Attrs{Country: "JP"}, pool.Prefs{Country: "JP", Strict: true})
	}
	f.enqueue(t, "last", pool.Attrs{Country: "BR"}, pool.Prefs{})
	f.enqueue(t, "caller", pool.Attrs{Gender: "female", Country: "NP"}, pool.Prefs{})

	res, err := f.engine(t, nil).FindMatch(ctx, "caller")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "last", res.PartnerID)
	assert.Equal(t, TierFallback, res.Tier)
}

func TestStrictCallerDoesNotDegrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "strict", pool.Attrs{Gender: "male", Age: "24", Country: "NP"},
		pool.Prefs{Gender: "female", Country: "NP", Strict: true})
	f.enqueue(t, "other", pool.Attrs{Gender: "male", Age: "24", Country: "NP"}, pool.Prefs{})

	e := f.engine(t, nil)
	res, err := e.FindMatch(ctx, "strict")
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.True(t, f.waiting(t, "strict"))

	f.enqueue(t, "fit", pool.Attrs{Gender: "female", Age: "29", Country: "NP"}, pool.Prefs{})
	res, err = e.FindMatch(ctx, "strict")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "fit", res.PartnerID)
}

func TestStrictCandidateRequiresMutualAcceptance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "picky", pool.Attrs{Gender: "female", Age: "24", Country: "NP"},
		pool.Prefs{Gender: "female", Strict: true})
	f.enqueue(t, "caller", pool.Attrs{Gender: "male", Age: "24", Country: "NP"}, pool.Prefs{})

	res, err := f.engine(t, nil).FindMatch(ctx, "caller")
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.True(t, f.waiting(t, "picky"))
}

func TestLockedCandidateIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "caller", pool.Attrs{Gender: "male", Country: "NP"}, pool.Prefs{})
	f.enqueue(t, "busy", pool.Attrs{Gender: "female", Country: "NP"}, pool.Prefs{})
	_, err := f.locks.Acquire(ctx, "busy", lock.PurposeMatch, time.Minute)
	require.NoError(t, err)

	res, err := f.engine(t, nil).FindMatch(ctx, "caller")
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.True(t, f.waiting(t, "caller"))
	assert.True(t, f.waiting(t, "busy"))
	held, err := f.locks.Held(ctx, "caller", lock.PurposeMatch)
	require.NoError(t, err)
	assert.False(t, held, "caller's half of the pair lock is rolled back")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error {
	return errors.New("bus down")
}

func TestPublishFailureRestoresBothUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "u1", pool.Attrs{Gender: "male", Country: "NP"}, pool.Prefs{})
	f.enqueue(t, "u2", pool.Attrs{Gender: "female", Country: "NP"}, pool.Prefs{})

	_, err := f.engine(t, failingPublisher{}).FindMatch(ctx, "u1")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))

	assert.True(t, f.waiting(t, "u1"))
	assert.True(t, f.waiting(t, "u2"))
	_, ok, err := f.calls.Partner(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// leavingPool removes a user right after the engine re-reads their entry,
// as a leave-queue on another instance would.
type leavingPool struct {
	*pool.Pool
	leaver string
	once   sync.Once
}

func (p *leavingPool) Get(ctx context.Context, userID string) (pool.Entry, error) {
	entry, err := p.Pool.Get(ctx, userID)
	if err == nil && userID == p.leaver {
		p.once.Do(func() { _, _ = p.Pool.Dequeue(ctx, userID) })
	}
	return entry, err
}

func TestCandidateLeavingDuringCommitIsNotMatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "u1", pool.Attrs{Gender: "male", Age: "23", Country: "NP"}, pool.Prefs{})
	f.enqueue(t, "u2", pool.Attrs{Gender: "female", Age: "23", Country: "NP"}, pool.Prefs{})

	engine, err := New(Config{
		Pool:      &leavingPool{Pool: f.pool, leaver: "u2"},
		Locks:     f.locks,
		Calls:     f.calls,
		Publisher: f.bus,
	})
	require.NoError(t, err)

	res, err := engine.FindMatch(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.Matched)

	assert.True(t, f.waiting(t, "u1"), "caller is put back")
	assert.False(t, f.waiting(t, "u2"))
	for _, id := range []string{"u1", "u2"} {
		_, inCall, err := f.calls.Partner(ctx, id)
		require.NoError(t, err)
		assert.False(t, inCall, id)
	}
	for _, id := range []string{"u1", "u2"} {
		held, err := f.locks.Held(ctx, id, lock.PurposeMatch)
		require.NoError(t, err)
		assert.False(t, held, id)
	}
}

func TestCallerLeavingDuringCommitIsNotMatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, "u1", pool.Attrs{Gender: "male", Age: "23", Country: "NP"}, pool.Prefs{})
	f.enqueue(t, "u2", pool.Attrs{Gender: "female", Age: "23", Country: "NP"}, pool.Prefs{})

	// FindMatch reads the caller once before commit; the second read is the
	// re-verify under the lock.
	wrapped := &callerLeavingPool{Pool: f.pool, caller: "u1"}
	engine, err := New(Config{Pool: wrapped, Locks: f.locks, Calls: f.calls, Publisher: f.bus})
	require.NoError(t, err)

	res, err := engine.FindMatch(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.False(t, f.waiting(t, "u1"))
	assert.True(t, f.waiting(t, "u2"), "candidate is never dequeued")
	_, inCall, err := f.calls.Partner(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, inCall)
}

type callerLeavingPool struct {
	*pool.Pool
	caller string
	mu     sync.Mutex
	reads  int
}

func (p *callerLeavingPool) Get(ctx context.Context, userID string) (pool.Entry, error) {
	entry, err := p.Pool.Get(ctx, userID)
	if err != nil || userID != p.caller {
		return entry, err
	}
	p.mu.Lock()
	p.reads++
	second := p.reads == 2
	p.mu.Unlock()
	if second {
		_, _ = p.Pool.Dequeue(ctx, userID)
	}
	return entry, err
}

func TestTiersUsePreferences(t *testing.T) {
	caller := pool.Entry{
		UserID: "u", Gender: "male", AgeRange: pool.Age22to25, Country: "np",
		PrefGender: "male", PrefCountry: "in", PrefAge: pool.Any,
	}
	got := tiers(caller)
	require.Len(t, got, 2, "identical target and own gender collapse duplicate tiers")
	assert.Equal(t, pool.GenderAgeCountryKey("male", pool.Age22to25, "in"), got[0].index)
	assert.Equal(t, pool.GenderCountryKey("male", "in"), got[1].index)
	assert.Equal(t, TierTargetCountry, got[1].number)

	caller.Strict = true
	strict := tiers(caller)
	require.Len(t, strict, 1)
	assert.Equal(t, pool.GenderCountryKey("male", "in"), strict[0].index, "strict callers filter on preferences only")
}
