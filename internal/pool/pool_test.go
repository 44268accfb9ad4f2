package pool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chime-live/internal/apperrors"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPool(t *testing.T) (*Pool, *miniredis.Miniredis, *clock) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := &clock{t: time.UnixMilli(1_700_000_000_000)}
	p, err := New(Config{Client: client, TTL: time.Minute, SweepGrace: 30 * time.Second, Now: clk.now})
	require.NoError(t, err)
	return p, srv, clk
}

func members(t *testing.T, srv *miniredis.Miniredis, key string) []string {
	t.Helper()
	if !srv.Exists(key) {
		return nil
	}
	m, err := srv.ZMembers(key)
	require.NoError(t, err)
	return m
}

func TestEnqueueWritesEveryIndex(t *testing.T) {
	p, srv, _ := newTestPool(t)
	ctx := context.Background()

	entry, err := p.Enqueue(ctx, "u1", Attrs{Country: " India ", Gender: "M", Age: "23"}, Prefs{})
	require.NoError(t, err)
	assert.Equal(t, "india", entry.Country)
	assert.Equal(t, GenderMale, entry.Gender)
	assert.Equal(t, Age22to25, entry.AgeRange)
	assert.Equal(t, Any, entry.PrefGender)

	for _, key := range []string{
		AllKey,
		CountryKey("india"),
		GenderKey("male"),
		AgeKey("22-25"),
		GenderAgeCountryKey("male", "22-25", "india"),
		GenderCountryKey("male", "india"),
		GenderAgeKey("male", "22-25"),
		AgeCountryKey("22-25", "india"),
	} {
		assert.Equal(t, []string{"u1"}, members(t, srv, key), key)
	}
	assert.Equal(t, "india", srv.HGet(EntryKey("u1"), "country"))
	assert.Equal(t, 90*time.Second, srv.TTL(EntryKey("u1")))
}

func TestEnqueueSkipsCompoundIndicesWithUnknownComponents(t *testing.T) {
	p, srv, _ := newTestPool(t)
	ctx := context.Background()

	_, err := p.Enqueue(ctx, "u1", Attrs{Gender: "female"}, Prefs{})
	require.NoError(t, err)

	assert.Equal(t, []string{"u1"}, members(t, srv, AllKey))
	assert.Equal(t, []string{"u1"}, members(t, srv, GenderKey("female")))
	for _, key := range srv.Keys() {
		assert.NotContains(t, key, ":age:", "unexpected index %s", key)
		assert.NotContains(t, key, ":country:", "unexpected index %s", key)
	}
}

func TestEnqueueValidation(t *testing.T) {
	p, _, _ := newTestPool(t)
	ctx := context.Background()

	_, err := p.Enqueue(ctx, "  ", Attrs{}, Prefs{})
	assert.True(t, apperrors.IsValidation(err))

	_, err = p.Enqueue(ctx, "u1", Attrs{Country: "in:dia"}, Prefs{})
	assert.True(t, apperrors.IsValidation(err))

	_, err = p.Enqueue(ctx, "u1", Attrs{}, Prefs{AgeRange: "ancient"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestEnqueueIsAnUpsert(t *testing.T) {
	p, srv, clk := newTestPool(t)
	ctx := context.Background()

	_, err := p.Enqueue(ctx, "u1", Attrs{Country: "in", Gender: "male", Age: "23"}, Prefs{})
	require.NoError(t, err)
	clk.advance(time.Second)
	_, err = p.Enqueue(ctx, "u1", Attrs{Country: "us", Gender: "male", Age: "35"}, Prefs{})
	require.NoError(t, err)

	assert.Empty(t, members(t, srv, CountryKey("in")))
	assert.Empty(t, members(t, srv, GenderAgeCountryKey("male", "22-25", "in")))
	assert.Equal(t, []string{"u1"}, members(t, srv, GenderAgeCountryKey("male", "31-40", "us")))
	size, err := p.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	p, srv, _ := newTestPool(t)
	ctx := context.Background()

	_, err := p.Enqueue(ctx, "u1", Attrs{Country: "in", Gender: "female", Age: "19"}, Prefs{Gender: "male", Strict: true})
	require.NoError(t, err)

	removed, err := p.Dequeue(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, srv.Keys(), "no index membership or metadata may survive")

	removed, err = p.Dequeue(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, removed, "second dequeue is a no-op")

	_, err = p.Get(ctx, "u1")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestGetAndAccepts(t *testing.T) {
	p, _, _ := newTestPool(t)
	ctx := context.Background()

	_, err := p.Enqueue(ctx, "strict", Attrs{Country: "in", Gender: "female", Age: "24"},
		Prefs{Gender: "male", Country: "in", Strict: true})
	require.NoError(t, err)
	strict, err := p.Get(ctx, "strict")
	require.NoError(t, err)
	assert.True(t, strict.Strict)

	assert.True(t, strict.Accepts(Entry{Country: "in", Gender: "male", AgeRange: Any}))
	assert.False(t, strict.Accepts(Entry{Country: "us", Gender: "male", AgeRange: Any}))
	assert.False(t, strict.Accepts(Entry{Country: "in", Gender: "female", AgeRange: Any}))
}

func TestHeadIsOldestFirstAndPurgesOrphans(t *testing.T) {
	p, srv, clk := newTestPool(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := p.Enqueue(ctx, fmt.Sprintf("u%d", i), Attrs{Country: "in"}, Prefs{})
		require.NoError(t, err)
		clk.advance(time.Millisecond)
	}
	// Simulate metadata lost without index cleanup.
	srv.Del(EntryKey("u0"))

	entries, err := p.Head(ctx, CountryKey("in"), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "u2", entries[1].UserID)
	assert.NotContains(t, members(t, srv, CountryKey("in")), "u0")
	assert.NotContains(t, members(t, srv, AllKey), "u0")
}

func TestPurgeKeepsUsersWhoReEnqueued(t *testing.T) {
	p, srv, _ := newTestPool(t)
	ctx := context.Background()

	// u0 looked orphaned when its hash was loaded, then enqueued again
	// before the purge ran.
	_, err := p.Enqueue(ctx, "u0", Attrs{Country: "in"}, Prefs{})
	require.NoError(t, err)
	_, err = p.Enqueue(ctx, "u1", Attrs{Country: "in"}, Prefs{})
	require.NoError(t, err)
	srv.Del(EntryKey("u1"))

	removed := p.purge(ctx, CountryKey("in"), []string{"u0", "u1"})
	assert.Equal(t, 1, removed)

	assert.Contains(t, members(t, srv, CountryKey("in")), "u0")
	assert.Contains(t, members(t, srv, AllKey), "u0")
	assert.NotContains(t, members(t, srv, CountryKey("in")), "u1")
	assert.NotContains(t, members(t, srv, AllKey), "u1")

	entries, err := p.Head(ctx, CountryKey("in"), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u0", entries[0].UserID)
}

func TestPurgeFromFIFOIndex(t *testing.T) {
	p, srv, _ := newTestPool(t)
	ctx := context.Background()

	_, err := p.Enqueue(ctx, "u0", Attrs{Country: "in"}, Prefs{})
	require.NoError(t, err)
	srv.Del(EntryKey("u0"))

	assert.Equal(t, 1, p.purge(ctx, AllKey, []string{"u0"}))
	assert.NotContains(t, members(t, srv, AllKey), "u0")
	// Attribute indices are purged by Head as it meets them.
	assert.Contains(t, members(t, srv, CountryKey("in")), "u0")
}

func TestPage(t *testing.T) {
	p, _, clk := newTestPool(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.Enqueue(ctx, fmt.Sprintf("u%d", i), Attrs{}, Prefs{})
		require.NoError(t, err)
		clk.advance(time.Millisecond)
	}

	first, more, err := p.Page(ctx, 0, 3)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, first, 3)
	assert.Equal(t, "u0", first[0].UserID)

	second, more, err := p.Page(ctx, 3, 3)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, second, 2)
	assert.Equal(t, "u4", second[1].UserID)
}

func TestSweepRemovesExpiredEntriesOnly(t *testing.T) {
	p, srv, clk := newTestPool(t)
	ctx := context.Background()

	_, err := p.Enqueue(ctx, "old", Attrs{Country: "in", Gender: "male", Age: "30"}, Prefs{})
	require.NoError(t, err)
	clk.advance(45 * time.Second)
	_, err = p.Enqueue(ctx, "new", Attrs{Country: "in", Gender: "male", Age: "30"}, Prefs{})
	require.NoError(t, err)
	clk.advance(20 * time.Second)

	_, err = p.Get(ctx, "old")
	assert.True(t, apperrors.IsNotFound(err), "entry past its TTL is not live")

	swept, err := p.Sweep(ctx, clk.now())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.False(t, srv.Exists(EntryKey("old")))
	assert.Equal(t, []string{"new"}, members(t, srv, GenderAgeCountryKey("male", "26-30", "in")))
	assert.Equal(t, []string{"new"}, members(t, srv, AllKey))
}

func TestIndexFor(t *testing.T) {
	assert.Equal(t, GenderAgeCountryKey("male", "18-21", "in"), IndexFor("male", "18-21", "in"))
	assert.Equal(t, GenderCountryKey("male", "in"), IndexFor("male", Any, "in"))
	assert.Equal(t, AgeCountryKey("18-21", "in"), IndexFor(Any, "18-21", "in"))
	assert.Equal(t, CountryKey("in"), IndexFor(Any, Any, "in"))
	assert.Equal(t, AllKey, IndexFor(Any, Any, Any))
}

func TestAgeRangeOf(t *testing.T) {
	cases := map[string]string{
		"":      Any,
		"abc":   Any,
		"-3":    Any,
		"16":    AgeUnder18,
		"18":    Age18to21,
		"21":    Age18to21,
		"22":    Age22to25,
		"30":    Age26to30,
		"40":    Age31to40,
		"41":    Age41Plus,
		" 41+ ": Age41Plus,
	}
	for in, want := range cases {
		assert.Equal(t, want, AgeRangeOf(in), "age %q", in)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Any, Normalize("   "))
	assert.Equal(t, "india", Normalize("ＩＮＤＩＡ"))
	assert.Equal(t, GenderFemale, NormalizeGender(" F "))
	assert.Equal(t, "nonbinary", NormalizeGender("NonBinary"))
	assert.Equal(t, Any, Opposite("nonbinary"))
	assert.Equal(t, GenderMale, Opposite(GenderFemale))
}
