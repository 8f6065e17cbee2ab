package relaysync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	base := time.Second
	maxDelay := 5 * time.Minute
	assert.Equal(t, time.Second, Backoff(0, base, maxDelay))
	assert.Equal(t, 2*time.Second, Backoff(1, base, maxDelay))
	assert.Equal(t, 16*time.Second, Backoff(4, base, maxDelay))
	assert.Equal(t, maxDelay, Backoff(9, base, maxDelay))
	assert.Equal(t, maxDelay, Backoff(500, base, maxDelay))
	assert.Equal(t, time.Second, Backoff(-3, base, maxDelay))
	assert.Equal(t, time.Duration(0), Backoff(3, 0, maxDelay))
}

func TestSweepPendingSkipsQueuedAndFailed(t *testing.T) {
	store := NewMemoryBackend()
	e := newTestEngine(t, store, Options{})
	ctx := context.Background()

	queued := appendEvent(t, store, KindTicket, ticketBody(t, 1, "a", "opened", time.Now()))
	require.True(t, e.queue.Enqueue(queued))
	orphan := appendEvent(t, store, KindTicket, ticketBody(t, 2, "b", "opened", time.Now()))
	failedEv := appendEvent(t, store, KindTicket, ticketBody(t, 3, "c", "opened", time.Now()))
	require.NoError(t, store.MarkFailed(ctx, failedEv.ID, "timeout"))

	assert.Equal(t, 1, e.sweepPending(ctx))
	assert.True(t, e.queue.Contains(orphan.ID))
	assert.False(t, e.queue.Contains(failedEv.ID))
	assert.Equal(t, 0, e.sweepPending(ctx), "second sweep finds nothing new")
}

func TestSweepFailedHonoursMinRetryDelay(t *testing.T) {
	store := NewMemoryBackend()
	e := newTestEngine(t, store, Options{MinRetryDelay: time.Minute})
	ctx := context.Background()

	ev := appendEvent(t, store, KindPipeline, pipelineBody(t, 1, "failed", time.Now()))
	require.NoError(t, store.MarkFailed(ctx, ev.ID, "502"))
	exhausted := appendEvent(t, store, KindPipeline, pipelineBody(t, 2, "failed", time.Now()))
	require.NoError(t, store.MarkExhausted(ctx, exhausted.ID, "bad", e.MaxRetries()))

	assert.Equal(t, 0, e.sweepFailed(ctx), "attempted too recently")

	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, 1, e.sweepFailed(ctx))
	assert.True(t, e.queue.Contains(ev.ID))
	assert.False(t, e.queue.Contains(exhausted.ID), "exhausted events wait for a manual retry")
}

func TestPurgeCountsRemovedEvents(t *testing.T) {
	store := NewMemoryBackend()
	clock := time.Now()
	store.now = func() time.Time { return clock }
	e := newTestEngine(t, store, Options{})
	ctx := context.Background()

	ev := appendEvent(t, store, KindPush, pushBody(t, "x", time.Now()))
	require.NoError(t, store.MarkProcessed(ctx, ev.ID))
	assert.Equal(t, 0, e.purge(ctx))

	clock = clock.Add(8 * 24 * time.Hour)
	assert.Equal(t, 1, e.purge(ctx))
	_, err := store.Get(ctx, ev.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryScheduleFiresOnceAndStops(t *testing.T) {
	r := newRetrySchedule()
	var fired atomic.Int32
	assert.True(t, r.schedule("a", time.Millisecond, func() { fired.Add(1) }))
	assert.False(t, r.schedule("a", time.Millisecond, func() { fired.Add(1) }), "already scheduled")
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !r.scheduled("a") }, time.Second, time.Millisecond)

	assert.True(t, r.schedule("b", time.Hour, func() { fired.Add(1) }))
	assert.Equal(t, 1, r.len())
	assert.Equal(t, 1, r.stopAll())
	assert.Equal(t, 0, r.len())
	assert.Equal(t, int32(1), fired.Load())
}
