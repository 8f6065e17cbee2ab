package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	testInstanceID = "gl-main"
	testProjectID  = int64(101)
	testMappingID  = "map-1"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRegistry() *MappingRegistry {
	return NewMappingRegistry(
		[]Instance{{ID: testInstanceID, Name: "main", BaseURL: "https://git.example.test", WebhookSecret: "s3cret"}},
		[]Mapping{{ID: testMappingID, ProjectID: "proj-1", InstanceID: testInstanceID, ExternalProjectID: testProjectID, Active: true}},
	)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func pushBody(t *testing.T, after string, at time.Time, messages ...string) json.RawMessage {
	t.Helper()
	commits := make([]map[string]any, 0, len(messages))
	for i, msg := range messages {
		commits = append(commits, map[string]any{
			"id":        after + "-" + string(rune('a'+i)),
			"message":   msg,
			"timestamp": at.Format(time.RFC3339),
		})
	}
	return mustJSON(t, map[string]any{
		"object_kind": "push",
		"ref":         "refs/heads/main",
		"before":      "0000",
		"after":       after,
		"project_id":  testProjectID,
		"project":     map[string]any{"id": testProjectID},
		"commits":     commits,
	})
}

func ticketBody(t *testing.T, iid int64, title, state string, updated time.Time, labels ...string) json.RawMessage {
	t.Helper()
	ls := make([]map[string]any, 0, len(labels))
	for _, l := range labels {
		ls = append(ls, map[string]any{"title": l})
	}
	return mustJSON(t, map[string]any{
		"object_kind": "issue",
		"project":     map[string]any{"id": testProjectID},
		"object_attributes": map[string]any{
			"id":          iid * 1000,
			"iid":         iid,
			"title":       title,
			"description": "",
			"state":       state,
			"action":      "update",
			"updated_at":  updated.UTC().Format("2006-01-02 15:04:05 MST"),
		},
		"labels": ls,
	})
}

func changeRequestBody(t *testing.T, iid int64, action, description string, updated time.Time) json.RawMessage {
	t.Helper()
	return mustJSON(t, map[string]any{
		"object_kind": "merge_request",
		"project":     map[string]any{"id": testProjectID},
		"object_attributes": map[string]any{
			"id":            iid * 1000,
			"iid":           iid,
			"title":         "Change " + formatInt(iid),
			"description":   description,
			"state":         "opened",
			"action":        action,
			"source_branch": "feature",
			"target_branch": "main",
			"updated_at":    updated.UTC().Format(time.RFC3339),
		},
	})
}

func pipelineBody(t *testing.T, id int64, status string, finished time.Time) json.RawMessage {
	t.Helper()
	return mustJSON(t, map[string]any{
		"object_kind": "pipeline",
		"project":     map[string]any{"id": testProjectID},
		"object_attributes": map[string]any{
			"id":          id,
			"ref":         "main",
			"sha":         "abc123",
			"status":      status,
			"created_at":  finished.Add(-time.Minute).UTC().Format("2006-01-02 15:04:05 MST"),
			"finished_at": finished.UTC().Format("2006-01-02 15:04:05 MST"),
		},
	})
}

// fakeSource serves canned records and counts listings.
type fakeSource struct {
	mu             sync.Mutex
	tickets        []Ticket
	changeRequests []ChangeRequest
	pipelines      []Pipeline
	ticketErr      error
	crErr          error
	pipelineErr    error
	lastOpts       ListOptions
	block          chan struct{}
	calls          atomic.Int32
	// duringPipelines runs before pipelines are listed, outside the lock.
	duringPipelines func()
}

func (f *fakeSource) Reader(context.Context, Instance) (SourceReader, error) {
	return f, nil
}

func (f *fakeSource) ListTickets(ctx context.Context, _ int64, opts ListOptions) ([]Ticket, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOpts = opts
	if f.ticketErr != nil {
		return nil, f.ticketErr
	}
	return append([]Ticket(nil), f.tickets...), nil
}

func (f *fakeSource) ListChangeRequests(context.Context, int64, ListOptions) ([]ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.crErr != nil {
		return nil, f.crErr
	}
	return append([]ChangeRequest(nil), f.changeRequests...), nil
}

func (f *fakeSource) ListPipelines(context.Context, int64, ListOptions) ([]Pipeline, error) {
	if f.duringPipelines != nil {
		f.duringPipelines()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pipelineErr != nil {
		return nil, f.pipelineErr
	}
	return append([]Pipeline(nil), f.pipelines...), nil
}

func (f *fakeSource) lastListOptions() ListOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts
}

// flakyBackend fails ticket reads while failing is set.
type flakyBackend struct {
	*MemoryBackend
	failing atomic.Bool
}

var errFlaky = errors.New("record store unavailable")

func (b *flakyBackend) GetTicket(ctx context.Context, mappingID string, iid int64) (Ticket, error) {
	if b.failing.Load() {
		return Ticket{}, errFlaky
	}
	return b.MemoryBackend.GetTicket(ctx, mappingID, iid)
}

// brokenCounts makes statistics queries fail.
type brokenCounts struct {
	*MemoryBackend
}

func (brokenCounts) Counts(context.Context, int) (EventCounts, error) {
	return EventCounts{}, errors.New("database is on fire")
}

func newTestEngine(t *testing.T, backend Backend, opts Options) *Engine {
	t.Helper()
	opts.Backend = backend
	if opts.Registry == nil {
		opts.Registry = testRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = time.Millisecond
	}
	if opts.RetryMaxDelay == 0 {
		opts.RetryMaxDelay = 5 * time.Millisecond
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = time.Second
	}
	e := NewEngine(opts)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}
