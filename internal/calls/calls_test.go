package calls

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chime-live/internal/apperrors"
)

func newTestStore(t *testing.T, now func() time.Time) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := New(Config{Client: client, Now: now})
	require.NoError(t, err)
	return s, srv
}

func TestStartAndEnd(t *testing.T) {
	current := time.UnixMilli(1_700_000_000_000)
	s, srv := newTestStore(t, func() time.Time { return current })
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, "alice", "bob"))
	assert.Equal(t, "bob", srv.HGet(Key("alice"), "partner"))
	assert.Equal(t, "alice", srv.HGet(Key("bob"), "partner"))

	partner, ok, err := s.Partner(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", partner)

	current = current.Add(42 * time.Second)
	ended, ok, err := s.End(ctx, "bob", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bob", ended.CallerID)
	assert.Equal(t, "alice", ended.CalleeID)
	assert.EqualValues(t, 42, ended.Seconds())
	assert.False(t, srv.Exists(Key("alice")))
	assert.False(t, srv.Exists(Key("bob")))

	_, ok, err = s.End(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, ok, "ending twice is a no-op")
}

func TestStartRejectsSelfCall(t *testing.T) {
	s, _ := newTestStore(t, nil)
	err := s.Start(context.Background(), "alice", "alice")
	assert.True(t, apperrors.IsValidation(err))
}

func TestEndLeavesUnrelatedRecords(t *testing.T) {
	s, srv := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, "alice", "bob"))
	require.NoError(t, s.Start(ctx, "bob", "carol"))

	// alice still points at bob, but bob has moved on.
	ended, ok, err := s.End(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", ended.CallerID)
	assert.False(t, srv.Exists(Key("alice")))
	assert.Equal(t, "carol", srv.HGet(Key("bob"), "partner"))
}

func TestEndByUser(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, ok, err := s.EndByUser(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Start(ctx, "alice", "bob"))
	ended, ok, err := s.EndByUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bob", ended.CalleeID)

	_, err = s.Get(ctx, "bob")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestConcurrentEndReportsOnce(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, "alice", "bob"))

	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}, {"alice", "bob"}} {
		wg.Add(1)
		go func(a, b string) {
			defer wg.Done()
			if _, ok, err := s.End(ctx, a, b); err == nil && ok {
				wins.Add(1)
			}
		}(pair[0], pair[1])
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}
