package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chime-live/internal/apperrors"
	"chime-live/internal/retry"
)

type recordingFlush struct {
	mu      sync.Mutex
	batches [][]int
	fail    int
	calls   int
}

func (r *recordingFlush) flush(_ context.Context, batch []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail > 0 {
		r.fail--
		return errors.New("store unavailable")
	}
	r.batches = append(r.batches, append([]int(nil), batch...))
	return nil
}

func (r *recordingFlush) snapshot() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int(nil), r.batches...)
}

var fastRetry = &retry.Policy{Retries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

func TestBatcherFlushesWhenFull(t *testing.T) {
	rec := &recordingFlush{}
	b, err := NewBatcher(BatcherConfig[int]{Kind: "ints", Size: 3, Interval: time.Hour, Flush: rec.flush, Retry: fastRetry})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, b.Add(ctx, i))
	}
	assert.Equal(t, [][]int{{1, 2, 3}}, rec.snapshot())
	assert.Equal(t, 1, b.Len())

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, [][]int{{1, 2, 3}, {4}}, rec.snapshot())
	assert.Zero(t, b.Len())
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	rec := &recordingFlush{}
	b, err := NewBatcher(BatcherConfig[int]{Kind: "ints", Size: 100, Interval: 10 * time.Millisecond, Flush: rec.flush, Retry: fastRetry})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.NoError(t, b.Add(ctx, 7))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{7}, rec.snapshot()[0])

	cancel()
	require.NoError(t, <-done)
}

func TestBatcherRetriesFailedFlush(t *testing.T) {
	rec := &recordingFlush{fail: 2}
	b, err := NewBatcher(BatcherConfig[int]{Kind: "ints", Size: 2, Flush: rec.flush, Retry: fastRetry})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, 1))
	require.NoError(t, b.Add(ctx, 2))
	assert.Equal(t, 3, rec.calls)
	assert.Equal(t, [][]int{{1, 2}}, rec.snapshot())
}

func TestBatcherDropsBatchAfterRetries(t *testing.T) {
	rec := &recordingFlush{fail: 10}
	b, err := NewBatcher(BatcherConfig[int]{Kind: "ints", Size: 1, Flush: rec.flush, Retry: fastRetry})
	require.NoError(t, err)

	err = b.Add(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, 3, rec.calls)
	assert.Zero(t, b.Len(), "a dropped batch is not requeued")
}

func TestNewBatcherRequiresFlush(t *testing.T) {
	_, err := NewBatcher(BatcherConfig[int]{})
	assert.True(t, apperrors.IsFatalConfig(err))
}
