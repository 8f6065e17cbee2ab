package relaysync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind is the closed set of notification kinds the engine understands.
type EventKind uint8

const (
	KindUnknown EventKind = iota
	KindPush
	KindChangeRequest
	KindTicket
	KindPipeline
)

// AllKinds lists every routable kind.
var AllKinds = []EventKind{KindPush, KindChangeRequest, KindTicket, KindPipeline}

func (k EventKind) String() string {
	switch k {
	case KindPush:
		return "push"
	case KindChangeRequest:
		return "change_request"
	case KindTicket:
		return "ticket"
	case KindPipeline:
		return "pipeline"
	default:
		return "unknown"
	}
}

// priority orders dequeue selection; higher runs first.
func (k EventKind) priority() int {
	switch k {
	case KindPipeline:
		return 4
	case KindChangeRequest:
		return 3
	case KindTicket:
		return 2
	case KindPush:
		return 1
	default:
		return 0
	}
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*k = ParseEventKind(raw)
	return nil
}

// ParseEventKind accepts both the engine's own names and the platform's hook header values
// ("Push Hook", "Merge Request Hook", ...).
func ParseEventKind(raw string) EventKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "push", "push hook", "tag push hook", "code_push":
		return KindPush
	case "change_request", "merge_request", "merge request hook":
		return KindChangeRequest
	case "ticket", "issue", "issue hook", "confidential issue hook":
		return KindTicket
	case "pipeline", "pipeline hook":
		return KindPipeline
	default:
		return KindUnknown
	}
}

type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusFailed    EventStatus = "failed"
	StatusExhausted EventStatus = "exhausted"
	StatusProcessed EventStatus = "processed"
)

// Event is one persisted inbound notification.
type Event struct {
	ID            string          `json:"id"`
	InstanceID    string          `json:"instanceId"`
	Kind          EventKind       `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Processed     bool            `json:"processed"`
	Error         string          `json:"error,omitempty"`
	RetryCount    int             `json:"retryCount"`
	CreatedAt     time.Time       `json:"createdAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
}

func (e Event) Status(maxRetries int) EventStatus {
	switch {
	case e.Processed:
		return StatusProcessed
	case maxRetries > 0 && e.RetryCount >= maxRetries:
		return StatusExhausted
	case e.Error != "":
		return StatusFailed
	default:
		return StatusPending
	}
}

func (e Event) eligibleForRetry(maxRetries int) bool {
	return !e.Processed && (maxRetries <= 0 || e.RetryCount < maxRetries)
}

// EventCounts is the raw tally an EventStore reports for statistics. Failed counts every
// unprocessed event carrying an error, Exhausted is the subset past the retry ceiling.
type EventCounts struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Exhausted int `json:"exhausted"`
}

// Outcome is the result of processing one event.
type Outcome struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func succeeded(format string, args ...any) Outcome {
	return Outcome{Success: true, Message: fmt.Sprintf(format, args...)}
}

func failed(err error) Outcome {
	return Outcome{Success: false, Message: err.Error(), Retryable: IsRetryable(err)}
}
