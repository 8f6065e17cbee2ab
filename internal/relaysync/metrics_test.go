package relaysync

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsTrackIngressAndDuplicates(t *testing.T) {
	e := newTestEngine(t, NewMemoryBackend(), Options{})
	ctx := context.Background()
	body := pipelineBody(t, 4, "running", time.Now())

	_, err := e.Ingest(ctx, testInstanceID, KindPipeline, body)
	require.NoError(t, err)
	_, err = e.Ingest(ctx, testInstanceID, KindPipeline, body)
	require.NoError(t, err)

	m := e.Metrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsReceived.WithLabelValues("pipeline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDuplicate.WithLabelValues("pipeline", "update")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	out, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(out), "relaysync_events_received_total")
	assert.Contains(t, string(out), "relaysync_queue_depth 1")
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(1)
	assert.Equal(t, 1, b.Subscribers())

	b.Publish(Notification{Type: NotifyEventProcessed, EventID: "a"})
	b.Publish(Notification{Type: NotifyEventProcessed, EventID: "b"})
	n := <-ch
	assert.Equal(t, "a", n.EventID)
	assert.False(t, n.At.IsZero())

	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers())
	_, open := <-ch
	assert.False(t, open)
}
