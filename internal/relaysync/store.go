package relaysync

import (
	"context"
	"encoding/json"
	"time"
)

// EventStore persists inbound notifications and their processing outcome.
type EventStore interface {
	Append(ctx context.Context, instanceID string, kind EventKind, payload json.RawMessage) (Event, error)
	Get(ctx context.Context, id string) (Event, error)
	// UpdatePayload replaces the body of an unprocessed event with a newer delivery.
	UpdatePayload(ctx context.Context, id string, payload json.RawMessage) error
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, message string) error
	MarkExhausted(ctx context.Context, id string, message string, maxRetries int) error
	ResetRetries(ctx context.Context, id string) error
	FindPending(ctx context.Context, limit, maxRetries int) ([]Event, error)
	Recent(ctx context.Context, instanceID string, kind EventKind, limit int) ([]Event, error)
	PurgeExpired(ctx context.Context, maxAgeProcessed, maxAgeExhausted time.Duration, maxRetries int) (int, error)
	Counts(ctx context.Context, maxRetries int) (EventCounts, error)
}

// SyncStatusStore owns the per-mapping sync state machine. BeginSync is the only way into
// in_progress and doubles as the per-mapping lock.
type SyncStatusStore interface {
	BeginSync(ctx context.Context, mappingID string, mode SyncMode, now time.Time, staleAfter time.Duration) (SyncStatus, error)
	FinishSync(ctx context.Context, mappingID string, result PassResult) (SyncStatus, error)
	GetSyncStatus(ctx context.Context, mappingID string) (SyncStatus, error)
	ListSyncStatuses(ctx context.Context, mappingIDs []string) ([]SyncStatus, error)
}

// Backend is everything the engine needs from durable storage.
type Backend interface {
	EventStore
	SyncStatusStore
	RecordStore
	Close() error
}

func timePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}

func cloneEvent(ev Event) Event {
	out := ev
	if ev.Payload != nil {
		out.Payload = append(json.RawMessage(nil), ev.Payload...)
	}
	if ev.ProcessedAt != nil {
		out.ProcessedAt = timePtr(*ev.ProcessedAt)
	}
	if ev.LastAttemptAt != nil {
		out.LastAttemptAt = timePtr(*ev.LastAttemptAt)
	}
	return out
}

func truncateMessage(message string) string {
	const maxLen = 2048
	if len(message) <= maxLen {
		return message
	}
	return message[:maxLen]
}
