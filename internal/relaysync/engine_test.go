package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitProcessed(t *testing.T, e *Engine, id string) Event {
	t.Helper()
	var ev Event
	require.Eventually(t, func() bool {
		got, err := e.GetEvent(context.Background(), id)
		if err != nil {
			return false
		}
		ev = got
		return got.Processed
	}, 5*time.Second, 5*time.Millisecond, "event %s never processed", id)
	return ev
}

func TestEngineProcessesIngestedEvents(t *testing.T) {
	store := NewMemoryBackend()
	e := newTestEngine(t, store, Options{})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	assert.Error(t, e.Start(ctx), "second start is rejected")

	updates, cancel := e.Notifier().Subscribe(16)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)
	res, err := e.Ingest(ctx, testInstanceID, KindTicket, ticketBody(t, 42, "Crash", "opened", now))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Queued)
	ev := waitProcessed(t, e, res.EventID)
	assert.Empty(t, ev.Error)
	assert.Equal(t, 0, ev.RetryCount)

	res, err = e.Ingest(ctx, testInstanceID, KindPush, pushBody(t, "c0ffee", now, "Fixes #42"))
	require.NoError(t, err)
	waitProcessed(t, e, res.EventID)

	ticket, err := store.GetTicket(ctx, testMappingID, 42)
	require.NoError(t, err)
	assert.Equal(t, TicketDone, ticket.State)

	select {
	case n := <-updates:
		assert.Equal(t, NotifyEventProcessed, n.Type)
	case <-time.After(time.Second):
		t.Fatalf("no notification published")
	}

	stats := e.Stats(ctx)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 0, stats.Failed)
	assert.True(t, e.Health(ctx).Healthy)
}

func TestEngineRejectsBadDeliveries(t *testing.T) {
	e := newTestEngine(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	_, err := e.Ingest(ctx, "", KindPush, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.Ingest(ctx, testInstanceID, KindUnknown, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = e.Ingest(ctx, testInstanceID, KindPush, json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Equal(t, 0, e.Stats(ctx).Total, "rejected deliveries are not persisted")
}

func TestEngineExhaustsRetriesThenManualRetrySucceeds(t *testing.T) {
	store := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	store.failing.Store(true)
	e := newTestEngine(t, store, Options{})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	res, err := e.Ingest(ctx, testInstanceID, KindTicket, ticketBody(t, 8, "Slow", "opened", time.Now()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ev, err := e.GetEvent(ctx, res.EventID)
		return err == nil && ev.Status(e.MaxRetries()) == StatusExhausted
	}, 5*time.Second, 5*time.Millisecond)

	ev, err := e.GetEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, 5, ev.RetryCount)
	assert.Contains(t, ev.Error, errFlaky.Error())
	assert.False(t, ev.Processed)
	require.Eventually(t, func() bool { return e.retries.len() == 0 }, time.Second, time.Millisecond)

	store.failing.Store(false)
	retry, err := e.RetryEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.True(t, retry.Success, retry.Message)

	ev = waitProcessed(t, e, res.EventID)
	assert.Equal(t, 0, ev.RetryCount)
	assert.Empty(t, ev.Error)

	again, err := e.RetryEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Equal(t, "event already processed", again.Message)

	_, err = e.RetryEvent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnginePermanentFailureIsExhaustedImmediately(t *testing.T) {
	e := newTestEngine(t, NewMemoryBackend(), Options{})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	res, err := e.Ingest(ctx, testInstanceID, KindTicket, json.RawMessage(`{"project": {"id": 101}}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ev, err := e.GetEvent(ctx, res.EventID)
		return err == nil && ev.Status(e.MaxRetries()) == StatusExhausted
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.retries.len(), "permanent failures are never rescheduled")
}

func TestEngineDuplicateDispositions(t *testing.T) {
	store := NewMemoryBackend()
	e := newTestEngine(t, store, Options{})
	ctx := context.Background()
	updated := time.Now().UTC().Truncate(time.Second)

	t.Run("skip", func(t *testing.T) {
		body := pipelineBody(t, 1, "success", updated)
		first, err := e.Ingest(ctx, testInstanceID, KindPipeline, body)
		require.NoError(t, err)
		require.NoError(t, store.MarkProcessed(ctx, first.EventID))

		dup, err := e.Ingest(ctx, testInstanceID, KindPipeline, body)
		require.NoError(t, err)
		assert.True(t, dup.Duplicate)
		assert.Equal(t, DispositionSkip, dup.Disposition)
		assert.Equal(t, first.EventID, dup.MatchID)
		ev, err := store.Get(ctx, dup.EventID)
		require.NoError(t, err)
		assert.True(t, ev.Processed)
		assert.Empty(t, ev.Error)
	})

	t.Run("update", func(t *testing.T) {
		first, err := e.Ingest(ctx, testInstanceID, KindTicket, ticketBody(t, 2, "Draft title", "opened", updated))
		require.NoError(t, err)
		dup, err := e.Ingest(ctx, testInstanceID, KindTicket, ticketBody(t, 2, "Final title", "opened", updated))
		require.NoError(t, err)
		assert.Equal(t, DispositionUpdate, dup.Disposition)

		match, err := store.Get(ctx, first.EventID)
		require.NoError(t, err)
		assert.False(t, match.Processed)
		assert.Contains(t, string(match.Payload), "Final title")
	})

	t.Run("retry", func(t *testing.T) {
		body := changeRequestBody(t, 3, "open", "", updated)
		first, err := e.Ingest(ctx, testInstanceID, KindChangeRequest, body)
		require.NoError(t, err)
		require.NoError(t, store.MarkExhausted(ctx, first.EventID, "boom", e.MaxRetries()))

		dup, err := e.Ingest(ctx, testInstanceID, KindChangeRequest, body)
		require.NoError(t, err)
		assert.Equal(t, DispositionRetry, dup.Disposition)
		match, err := store.Get(ctx, first.EventID)
		require.NoError(t, err)
		assert.Equal(t, 0, match.RetryCount)
		assert.Empty(t, match.Error)
		assert.True(t, e.Queue().Contains(first.EventID))
	})
}

// interleavingBackend runs beforeRecent once, ahead of the first dedup store scan.
type interleavingBackend struct {
	*MemoryBackend
	fired        atomic.Bool
	beforeRecent func()
}

func (b *interleavingBackend) Recent(ctx context.Context, instanceID string, kind EventKind, limit int) ([]Event, error) {
	if b.beforeRecent != nil && b.fired.CompareAndSwap(false, true) {
		b.beforeRecent()
	}
	return b.MemoryBackend.Recent(ctx, instanceID, kind, limit)
}

func TestEngineCopiesStoredTogetherApplyOnce(t *testing.T) {
	store := &interleavingBackend{MemoryBackend: NewMemoryBackend()}
	e := newTestEngine(t, store, Options{})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	now := time.Now().UTC().Truncate(time.Second)
	seed, err := e.Ingest(ctx, testInstanceID, KindTicket, ticketBody(t, 42, "Crash", "opened", now))
	require.NoError(t, err)
	waitProcessed(t, e, seed.EventID)

	push := pushBody(t, "c0ffee", now, "Fixes #42")
	var second IngestResult
	var secondErr error
	store.beforeRecent = func() {
		second, secondErr = e.Ingest(ctx, testInstanceID, KindPush, push)
	}
	first, err := e.Ingest(ctx, testInstanceID, KindPush, push)
	require.NoError(t, err)
	require.NoError(t, secondErr)
	require.NotEmpty(t, second.EventID, "the second copy was stored while the first was being checked")

	assert.False(t, first.Duplicate, "the earlier copy is the original")
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.MatchID)

	waitProcessed(t, e, first.EventID)
	require.Eventually(t, func() bool {
		ticket, err := store.GetTicket(ctx, testMappingID, 42)
		return err == nil && ticket.State == TicketDone
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngineRecoversPendingOnStart(t *testing.T) {
	store := NewMemoryBackend()
	left := appendEvent(t, store, KindTicket, ticketBody(t, 9, "from last run", "opened", time.Now()))

	e := newTestEngine(t, store, Options{})
	require.NoError(t, e.Start(context.Background()))
	waitProcessed(t, e, left.ID)
}

func TestEngineSyncStatusAndTrigger(t *testing.T) {
	src := &fakeSource{tickets: threeTickets(time.Now().UTC())}
	e := newTestEngine(t, NewMemoryBackend(), Options{Sources: src})
	ctx := context.Background()

	_, err := e.SyncStatus(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	st, err := e.SyncStatus(ctx, testMappingID)
	require.NoError(t, err)
	assert.Equal(t, SyncIdle, st.State)

	res, err := e.TriggerSync(ctx, SyncRequest{InstanceID: testInstanceID, Mode: SyncFull})
	require.NoError(t, err)
	require.True(t, res.Success)
	e.Orchestrator().Wait()

	statuses, err := e.SyncStatuses(ctx, testInstanceID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, SyncSuccess, statuses[0].State)
	assert.Equal(t, 3, statuses[0].SyncCount)
}

func TestEngineWithoutSourceReportsUnavailable(t *testing.T) {
	e := newTestEngine(t, NewMemoryBackend(), Options{})
	res, err := e.TriggerSync(context.Background(), SyncRequest{InstanceID: testInstanceID})
	assert.ErrorIs(t, err, ErrNotImplemented)
	assert.False(t, res.Success)
}

func TestEngineClose(t *testing.T) {
	store := NewMemoryBackend()
	e := newTestEngine(t, store, Options{})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx), "close is idempotent")

	_, err := e.Ingest(ctx, testInstanceID, KindPush, pushBody(t, "x", time.Now()))
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, e.Start(ctx), ErrClosed)
	_, err = e.TriggerSync(ctx, SyncRequest{InstanceID: testInstanceID})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Contains(t, e.Health(ctx).Issues, "engine shutting down")
}

func TestEngineHealthReportsStoreOutage(t *testing.T) {
	e := newTestEngine(t, brokenCounts{MemoryBackend: NewMemoryBackend()}, Options{})
	h := e.Health(context.Background())
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Issues, "event store unavailable")
	assert.Equal(t, 0, h.Stats.Total)
}

func TestEngineHealthFlagsSaturatedQueue(t *testing.T) {
	e := newTestEngine(t, NewMemoryBackend(), Options{QueueCapacity: 10})
	ctx := context.Background()
	for i := int64(0); i < 9; i++ {
		_, err := e.Ingest(ctx, testInstanceID, KindPipeline, pipelineBody(t, i+1, "running", time.Now()))
		require.NoError(t, err)
	}
	h := e.Health(ctx)
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Issues, "queue saturated: 9/10")
}
