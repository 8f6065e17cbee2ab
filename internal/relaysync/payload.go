package relaysync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Payload is the sealed sum of decoded notification bodies. Only types in this package
// implement it, so a type switch over Payload is exhaustive.
type Payload interface {
	Kind() EventKind
	SourceTime() time.Time
	keyFields() keyFields
	sealed()
}

type keyFields struct {
	ProjectID int64
	ObjectID  string
	Action    string
	Timestamp string
}

// Timestamp accepts the several time layouts the platform emits in hook bodies.
type Timestamp struct {
	time.Time
	Raw string
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02T15:04:05.000-07:00",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	t.Raw = raw
	if raw == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Raw != "" {
		return json.Marshal(t.Raw)
	}
	if t.Time.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

type projectRef struct {
	ID int64 `json:"id"`
}

type label struct {
	Title string `json:"title"`
}

type Commit struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp Timestamp `json:"timestamp"`
	URL       string    `json:"url"`
}

type PushPayload struct {
	ProjectID int64      `json:"project_id"`
	Project   projectRef `json:"project"`
	Ref       string     `json:"ref"`
	Before    string     `json:"before"`
	After     string     `json:"after"`
	Commits   []Commit   `json:"commits"`
}

func (p *PushPayload) Kind() EventKind { return KindPush }
func (p *PushPayload) sealed()         {}

func (p *PushPayload) SourceTime() time.Time {
	var latest time.Time
	for _, c := range p.Commits {
		if c.Timestamp.After(latest) {
			latest = c.Timestamp.Time
		}
	}
	return latest
}

func (p *PushPayload) keyFields() keyFields {
	ts := ""
	if latest := p.SourceTime(); !latest.IsZero() {
		ts = latest.Format(time.RFC3339)
	}
	return keyFields{ProjectID: firstNonZero(p.ProjectID, p.Project.ID), ObjectID: p.After, Action: p.Ref, Timestamp: ts}
}

type ChangeRequestAttributes struct {
	ID           int64     `json:"id"`
	IID          int64     `json:"iid"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	State        string    `json:"state"`
	Action       string    `json:"action"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch"`
	UpdatedAt    Timestamp `json:"updated_at"`
}

type ChangeRequestPayload struct {
	Project    projectRef              `json:"project"`
	Attributes ChangeRequestAttributes `json:"object_attributes"`
}

func (p *ChangeRequestPayload) Kind() EventKind       { return KindChangeRequest }
func (p *ChangeRequestPayload) sealed()               {}
func (p *ChangeRequestPayload) SourceTime() time.Time { return p.Attributes.UpdatedAt.Time }

func (p *ChangeRequestPayload) keyFields() keyFields {
	return keyFields{
		ProjectID: p.Project.ID,
		ObjectID:  formatInt(p.Attributes.IID),
		Action:    p.Attributes.Action,
		Timestamp: normalizedTime(p.Attributes.UpdatedAt),
	}
}

type TicketAttributes struct {
	ID          int64     `json:"id"`
	IID         int64     `json:"iid"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	Action      string    `json:"action"`
	UpdatedAt   Timestamp `json:"updated_at"`
}

type TicketPayload struct {
	Project    projectRef       `json:"project"`
	Attributes TicketAttributes `json:"object_attributes"`
	Labels     []label          `json:"labels"`
}

func (p *TicketPayload) Kind() EventKind       { return KindTicket }
func (p *TicketPayload) sealed()               {}
func (p *TicketPayload) SourceTime() time.Time { return p.Attributes.UpdatedAt.Time }

func (p *TicketPayload) keyFields() keyFields {
	return keyFields{
		ProjectID: p.Project.ID,
		ObjectID:  formatInt(p.Attributes.IID),
		Action:    p.Attributes.Action,
		Timestamp: normalizedTime(p.Attributes.UpdatedAt),
	}
}

func (p *TicketPayload) labelTitles() []string {
	out := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		if title := strings.TrimSpace(l.Title); title != "" {
			out = append(out, title)
		}
	}
	return out
}

type PipelineAttributes struct {
	ID         int64     `json:"id"`
	Ref        string    `json:"ref"`
	SHA        string    `json:"sha"`
	Status     string    `json:"status"`
	CreatedAt  Timestamp `json:"created_at"`
	FinishedAt Timestamp `json:"finished_at"`
}

type PipelinePayload struct {
	Project    projectRef         `json:"project"`
	Attributes PipelineAttributes `json:"object_attributes"`
}

func (p *PipelinePayload) Kind() EventKind { return KindPipeline }
func (p *PipelinePayload) sealed()         {}

func (p *PipelinePayload) SourceTime() time.Time {
	if !p.Attributes.FinishedAt.IsZero() {
		return p.Attributes.FinishedAt.Time
	}
	return p.Attributes.CreatedAt.Time
}

func (p *PipelinePayload) keyFields() keyFields {
	ts := ""
	if st := p.SourceTime(); !st.IsZero() {
		ts = st.Format(time.RFC3339)
	}
	return keyFields{
		ProjectID: p.Project.ID,
		ObjectID:  formatInt(p.Attributes.ID),
		Action:    p.Attributes.Status,
		Timestamp: ts,
	}
}

// DecodePayload turns a raw body into its typed form. Every error it returns is permanent.
func DecodePayload(kind EventKind, raw json.RawMessage) (Payload, error) {
	var target Payload
	switch kind {
	case KindPush:
		target = &PushPayload{}
	case KindChangeRequest:
		target = &ChangeRequestPayload{}
	case KindTicket:
		target = &TicketPayload{}
	case KindPipeline:
		target = &PipelinePayload{}
	default:
		return nil, Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, kind))
	}
	if len(raw) == 0 {
		return nil, Permanent(fmt.Errorf("%w: empty payload", ErrInvalidInput))
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, Permanent(fmt.Errorf("%w: decode %s payload: %v", ErrInvalidInput, kind, err))
	}
	return target, nil
}

func normalizedTime(ts Timestamp) string {
	if ts.IsZero() {
		return strings.TrimSpace(ts.Raw)
	}
	return ts.Time.Format(time.RFC3339)
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
