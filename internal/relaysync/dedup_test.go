package relaysync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendEvent(t *testing.T, store EventStore, kind EventKind, body []byte) Event {
	t.Helper()
	ev, err := store.Append(context.Background(), testInstanceID, kind, body)
	require.NoError(t, err)
	return ev
}

func TestDedupDuplicatePushWithinWindow(t *testing.T) {
	store := NewMemoryBackend()
	d := NewDeduplicator(store, DedupOptions{Window: time.Minute})
	at := time.Now().UTC().Truncate(time.Second)

	first := appendEvent(t, store, KindPush, pushBody(t, "sha1", at, "fixes #1"))
	res := d.Check(context.Background(), first)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, d.Len())

	second := appendEvent(t, store, KindPush, pushBody(t, "sha1", at, "fixes #1"))
	res = d.Check(context.Background(), second)
	require.True(t, res.Duplicate)
	assert.Equal(t, first.ID, res.MatchID)
	assert.Equal(t, "fingerprint seen within window", res.Reason)

	other := appendEvent(t, store, KindPush, pushBody(t, "sha2", at, "fixes #1"))
	assert.False(t, d.Check(context.Background(), other).Duplicate)
}

func mustDecode(t *testing.T, ev Event) Payload {
	t.Helper()
	p, err := DecodePayload(ev.Kind, ev.Payload)
	require.NoError(t, err)
	return p
}

func TestDedupFallsBackToStoreAfterEviction(t *testing.T) {
	store := NewMemoryBackend()
	d := NewDeduplicator(store, DedupOptions{})
	at := time.Now().UTC().Truncate(time.Second)

	first := appendEvent(t, store, KindTicket, ticketBody(t, 5, "Bug", "opened", at))
	res := d.Check(context.Background(), first)
	require.False(t, res.Duplicate)
	d.Forget(res.Fingerprint)
	assert.Equal(t, 0, d.Len())

	second := appendEvent(t, store, KindTicket, ticketBody(t, 5, "Bug", "opened", at))
	res = d.Check(context.Background(), second)
	require.True(t, res.Duplicate)
	assert.Equal(t, first.ID, res.MatchID)
	assert.Equal(t, "matches recent stored event", res.Reason)
}

func TestDedupCopiesStoredBeforeCheckKeepOneOriginal(t *testing.T) {
	store := NewMemoryBackend()
	d := NewDeduplicator(store, DedupOptions{})
	at := time.Now().UTC().Truncate(time.Second)
	ctx := context.Background()

	a := appendEvent(t, store, KindPush, pushBody(t, "sha1", at, "fixes #42"))
	b := appendEvent(t, store, KindPush, pushBody(t, "sha1", at, "fixes #42"))
	earlier, later := a, b
	if arrivedBefore(b, a) {
		earlier, later = b, a
	}

	// The later copy is checked first; it must still point at the earlier one.
	res := d.Check(ctx, later)
	require.True(t, res.Duplicate)
	assert.Equal(t, earlier.ID, res.MatchID)

	res = d.Check(ctx, earlier)
	assert.False(t, res.Duplicate, "the original is never a duplicate of its own copy")

	d2 := NewDeduplicator(store, DedupOptions{})
	assert.False(t, d2.Check(ctx, earlier).Duplicate)
	res = d2.Check(ctx, later)
	require.True(t, res.Duplicate)
	assert.Equal(t, earlier.ID, res.MatchID)
}

func TestDedupStoreScanHonoursWindow(t *testing.T) {
	store := NewMemoryBackend()
	clock := time.Now().UTC()
	store.now = func() time.Time { return clock }
	d := NewDeduplicator(store, DedupOptions{Window: time.Minute})
	at := clock.Truncate(time.Second)

	first := appendEvent(t, store, KindTicket, ticketBody(t, 7, "Old", "opened", at))
	require.False(t, d.Check(context.Background(), first).Duplicate)
	d.Forget(Fingerprint(testInstanceID, mustDecode(t, first)))

	clock = clock.Add(2 * time.Minute)
	second := appendEvent(t, store, KindTicket, ticketBody(t, 7, "Old", "opened", at))
	assert.False(t, d.Check(context.Background(), second).Duplicate, "stored events past the window do not match")
}

func TestDedupWindowExpiryAndSweep(t *testing.T) {
	store := NewMemoryBackend()
	d := NewDeduplicator(nil, DedupOptions{Window: time.Minute})
	clock := time.Now()
	d.now = func() time.Time { return clock }
	at := clock.UTC().Truncate(time.Second)

	first := appendEvent(t, store, KindPipeline, pipelineBody(t, 1, "success", at))
	require.False(t, d.Check(context.Background(), first).Duplicate)

	clock = clock.Add(2 * time.Minute)
	second := appendEvent(t, store, KindPipeline, pipelineBody(t, 1, "success", at))
	assert.False(t, d.Check(context.Background(), second).Duplicate, "outside window and no store to scan")

	assert.Equal(t, 0, d.Sweep(clock))
	assert.Equal(t, 1, d.Sweep(clock.Add(2*time.Minute)))
	assert.Equal(t, 0, d.Len())
}

func TestDedupEvictsOldestTenthAtCeiling(t *testing.T) {
	d := NewDeduplicator(nil, DedupOptions{MaxEntries: 20})
	base := time.Now()
	for i := 0; i < 20; i++ {
		d.remember(formatInt(int64(i)), "ev", base.Add(time.Duration(i)*time.Second))
	}
	require.Equal(t, 20, d.Len())

	d.remember("new", "ev", base.Add(time.Hour))
	assert.Equal(t, 19, d.Len(), "two oldest dropped, one added")
	d.mu.Lock()
	_, oldest := d.entries["0"]
	_, second := d.entries["1"]
	_, third := d.entries["2"]
	d.mu.Unlock()
	assert.False(t, oldest)
	assert.False(t, second)
	assert.True(t, third)
}

func TestDedupIgnoresUndecodableEvents(t *testing.T) {
	d := NewDeduplicator(nil, DedupOptions{})
	res := d.Check(context.Background(), Event{ID: "x", InstanceID: testInstanceID, Kind: KindTicket, Payload: []byte(`not json`)})
	assert.False(t, res.Duplicate)
	assert.Equal(t, 0, d.Len())
}

func TestDispositionFollowsMatchStatus(t *testing.T) {
	processedAt := time.Now()
	assert.Equal(t, DispositionSkip, dispositionFor(Event{Processed: true, ProcessedAt: &processedAt}, 5))
	assert.Equal(t, DispositionRetry, dispositionFor(Event{Error: "boom", RetryCount: 1}, 5))
	assert.Equal(t, DispositionRetry, dispositionFor(Event{Error: "boom", RetryCount: 5}, 5))
	assert.Equal(t, DispositionUpdate, dispositionFor(Event{}, 5))
}
