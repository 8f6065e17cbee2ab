package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend keeps everything in process. With a snapshot path every mutation is written
// through to a JSON file (tmp + rename) and reloaded on construction.
type MemoryBackend struct {
	mu           sync.Mutex
	snapshotPath string
	now          func() time.Time

	events         map[string]*Event
	statuses       map[string]SyncStatus
	tickets        map[recordKey]Ticket
	changeRequests map[recordKey]ChangeRequest
	pipelines      map[recordKey]Pipeline
}

type memorySnapshot struct {
	Events         []Event         `json:"events"`
	SyncStatuses   []SyncStatus    `json:"syncStatuses"`
	Tickets        []Ticket        `json:"tickets"`
	ChangeRequests []ChangeRequest `json:"changeRequests"`
	Pipelines      []Pipeline      `json:"pipelines"`
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:            time.Now,
		events:         map[string]*Event{},
		statuses:       map[string]SyncStatus{},
		tickets:        map[recordKey]Ticket{},
		changeRequests: map[recordKey]ChangeRequest{},
		pipelines:      map[recordKey]Pipeline{},
	}
}

// NewFileBackend returns a MemoryBackend persisted to path.
func NewFileBackend(path string) (*MemoryBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := NewMemoryBackend()
	b.snapshotPath = path
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return b, nil
		}
		return nil, err
	}
	var snapshot memorySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", path, err)
	}
	for i := range snapshot.Events {
		ev := snapshot.Events[i]
		b.events[ev.ID] = &ev
	}
	for _, st := range snapshot.SyncStatuses {
		b.statuses[st.MappingID] = st
	}
	for _, t := range snapshot.Tickets {
		b.tickets[recordKey{t.MappingID, t.ExternalIID}] = t
	}
	for _, cr := range snapshot.ChangeRequests {
		b.changeRequests[recordKey{cr.MappingID, cr.ExternalIID}] = cr
	}
	for _, p := range snapshot.Pipelines {
		b.pipelines[recordKey{p.MappingID, p.ExternalID}] = p
	}
	return b, nil
}

func (b *MemoryBackend) Append(_ context.Context, instanceID string, kind EventKind, payload json.RawMessage) (Event, error) {
	if strings.TrimSpace(instanceID) == "" {
		return Event{}, ErrInvalidInput
	}
	ev := Event{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Kind:       kind,
		Payload:    append(json.RawMessage(nil), payload...),
		CreatedAt:  b.now().UTC(),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[ev.ID] = &ev
	if err := b.persistLocked(); err != nil {
		delete(b.events, ev.ID)
		return Event{}, err
	}
	return cloneEvent(ev), nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return cloneEvent(*ev), nil
}

func (b *MemoryBackend) UpdatePayload(_ context.Context, id string, payload json.RawMessage) error {
	return b.mutateEvent(id, func(ev *Event) {
		if ev.Processed {
			return
		}
		ev.Payload = append(json.RawMessage(nil), payload...)
	})
}

func (b *MemoryBackend) MarkProcessed(_ context.Context, id string) error {
	return b.mutateEvent(id, func(ev *Event) {
		if ev.Processed {
			return
		}
		ev.Processed = true
		ev.Error = ""
		ev.ProcessedAt = timePtr(b.now())
	})
}

func (b *MemoryBackend) MarkFailed(_ context.Context, id string, message string) error {
	return b.mutateEvent(id, func(ev *Event) {
		if ev.Processed {
			return
		}
		ev.Error = truncateMessage(message)
		ev.RetryCount++
		ev.LastAttemptAt = timePtr(b.now())
	})
}

func (b *MemoryBackend) MarkExhausted(_ context.Context, id string, message string, maxRetries int) error {
	return b.mutateEvent(id, func(ev *Event) {
		if ev.Processed {
			return
		}
		ev.Error = truncateMessage(message)
		if ev.RetryCount < maxRetries {
			ev.RetryCount = maxRetries
		}
		ev.LastAttemptAt = timePtr(b.now())
	})
}

func (b *MemoryBackend) ResetRetries(_ context.Context, id string) error {
	return b.mutateEvent(id, func(ev *Event) {
		if ev.Processed {
			return
		}
		ev.RetryCount = 0
		ev.Error = ""
	})
}

func (b *MemoryBackend) mutateEvent(id string, fn func(ev *Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.events[id]
	if !ok {
		return ErrNotFound
	}
	fn(ev)
	return b.persistLocked()
}

func (b *MemoryBackend) FindPending(_ context.Context, limit, maxRetries int) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range b.events {
		if ev.eligibleForRetry(maxRetries) {
			out = append(out, cloneEvent(*ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBackend) Recent(_ context.Context, instanceID string, kind EventKind, limit int) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range b.events {
		if ev.InstanceID == instanceID && ev.Kind == kind {
			out = append(out, cloneEvent(*ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBackend) PurgeExpired(_ context.Context, maxAgeProcessed, maxAgeExhausted time.Duration, maxRetries int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	removed := 0
	for id, ev := range b.events {
		switch ev.Status(maxRetries) {
		case StatusProcessed:
			if maxAgeProcessed > 0 && now.Sub(ev.CreatedAt) > maxAgeProcessed {
				delete(b.events, id)
				removed++
			}
		case StatusExhausted:
			if maxAgeExhausted > 0 && now.Sub(ev.CreatedAt) > maxAgeExhausted {
				delete(b.events, id)
				removed++
			}
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, b.persistLocked()
}

func (b *MemoryBackend) Counts(_ context.Context, maxRetries int) (EventCounts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var counts EventCounts
	for _, ev := range b.events {
		counts.Total++
		switch ev.Status(maxRetries) {
		case StatusProcessed:
			counts.Processed++
		case StatusExhausted:
			counts.Exhausted++
			counts.Failed++
		case StatusFailed:
			counts.Failed++
		default:
			counts.Pending++
		}
	}
	return counts, nil
}

func (b *MemoryBackend) BeginSync(_ context.Context, mappingID string, mode SyncMode, now time.Time, staleAfter time.Duration) (SyncStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.statuses[mappingID]
	if !ok {
		current = SyncStatus{MappingID: mappingID}
	}
	if !current.canBegin(now, staleAfter) {
		return cloneSyncStatus(current), ErrSyncInProgress
	}
	next := current.begin(mode, now)
	b.statuses[mappingID] = next
	if err := b.persistLocked(); err != nil {
		if ok {
			b.statuses[mappingID] = current
		} else {
			delete(b.statuses, mappingID)
		}
		return SyncStatus{}, err
	}
	return cloneSyncStatus(next), nil
}

func (b *MemoryBackend) FinishSync(_ context.Context, mappingID string, result PassResult) (SyncStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.statuses[mappingID]
	if !ok {
		return SyncStatus{}, ErrNotFound
	}
	next := current.finish(result)
	b.statuses[mappingID] = next
	return cloneSyncStatus(next), b.persistLocked()
}

func (b *MemoryBackend) GetSyncStatus(_ context.Context, mappingID string) (SyncStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[mappingID]
	if !ok {
		return SyncStatus{}, ErrNotFound
	}
	return cloneSyncStatus(st), nil
}

func (b *MemoryBackend) ListSyncStatuses(_ context.Context, mappingIDs []string) ([]SyncStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SyncStatus, 0, len(mappingIDs))
	for _, id := range mappingIDs {
		if st, ok := b.statuses[id]; ok {
			out = append(out, cloneSyncStatus(st))
		}
	}
	return out, nil
}

func (b *MemoryBackend) GetTicket(_ context.Context, mappingID string, iid int64) (Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tickets[recordKey{mappingID, iid}]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return cloneTicket(t), nil
}

func (b *MemoryBackend) UpsertTicket(_ context.Context, ticket Ticket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickets[recordKey{ticket.MappingID, ticket.ExternalIID}] = cloneTicket(ticket)
	return b.persistLocked()
}

func (b *MemoryBackend) ListTickets(_ context.Context, mappingID string) ([]Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Ticket, 0)
	for key, t := range b.tickets {
		if key.MappingID == mappingID {
			out = append(out, cloneTicket(t))
		}
	}
	sortTickets(out)
	return out, nil
}

func (b *MemoryBackend) GetChangeRequest(_ context.Context, mappingID string, iid int64) (ChangeRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cr, ok := b.changeRequests[recordKey{mappingID, iid}]
	if !ok {
		return ChangeRequest{}, ErrNotFound
	}
	return cr, nil
}

func (b *MemoryBackend) UpsertChangeRequest(_ context.Context, cr ChangeRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changeRequests[recordKey{cr.MappingID, cr.ExternalIID}] = cr
	return b.persistLocked()
}

func (b *MemoryBackend) ListChangeRequests(_ context.Context, mappingID string) ([]ChangeRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ChangeRequest, 0)
	for key, cr := range b.changeRequests {
		if key.MappingID == mappingID {
			out = append(out, cr)
		}
	}
	sortChangeRequests(out)
	return out, nil
}

func (b *MemoryBackend) GetPipeline(_ context.Context, mappingID string, id int64) (Pipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pipelines[recordKey{mappingID, id}]
	if !ok {
		return Pipeline{}, ErrNotFound
	}
	return p, nil
}

func (b *MemoryBackend) UpsertPipeline(_ context.Context, p Pipeline) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pipelines[recordKey{p.MappingID, p.ExternalID}] = p
	return b.persistLocked()
}

func (b *MemoryBackend) ListPipelines(_ context.Context, mappingID string) ([]Pipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Pipeline, 0)
	for key, p := range b.pipelines {
		if key.MappingID == mappingID {
			out = append(out, p)
		}
	}
	sortPipelines(out)
	return out, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func (b *MemoryBackend) persistLocked() error {
	if b.snapshotPath == "" {
		return nil
	}
	snapshot := memorySnapshot{
		Events:         make([]Event, 0, len(b.events)),
		SyncStatuses:   make([]SyncStatus, 0, len(b.statuses)),
		Tickets:        make([]Ticket, 0, len(b.tickets)),
		ChangeRequests: make([]ChangeRequest, 0, len(b.changeRequests)),
		Pipelines:      make([]Pipeline, 0, len(b.pipelines)),
	}
	for _, ev := range b.events {
		snapshot.Events = append(snapshot.Events, *ev)
	}
	sort.Slice(snapshot.Events, func(i, j int) bool { return snapshot.Events[i].CreatedAt.Before(snapshot.Events[j].CreatedAt) })
	for _, st := range b.statuses {
		snapshot.SyncStatuses = append(snapshot.SyncStatuses, st)
	}
	for _, t := range b.tickets {
		snapshot.Tickets = append(snapshot.Tickets, t)
	}
	for _, cr := range b.changeRequests {
		snapshot.ChangeRequests = append(snapshot.ChangeRequests, cr)
	}
	for _, p := range b.pipelines {
		snapshot.Pipelines = append(snapshot.Pipelines, p)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.snapshotPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.snapshotPath)
}
