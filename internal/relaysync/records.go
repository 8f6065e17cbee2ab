package relaysync

import (
	"context"
	"sort"
	"time"
)

type TicketState string

const (
	TicketTodo       TicketState = "todo"
	TicketInProgress TicketState = "in_progress"
	TicketDone       TicketState = "done"
)

type ChangeRequestState string

const (
	ChangeRequestOpen   ChangeRequestState = "open"
	ChangeRequestMerged ChangeRequestState = "merged"
	ChangeRequestClosed ChangeRequestState = "closed"
)

// Ticket is the internal mirror of an external issue.
type Ticket struct {
	MappingID         string      `json:"mappingId"`
	ExternalIID       int64       `json:"externalIid"`
	Title             string      `json:"title"`
	Description       string      `json:"description,omitempty"`
	State             TicketState `json:"state"`
	Labels            []string    `json:"labels,omitempty"`
	CommitRefs        []string    `json:"commitRefs,omitempty"`
	ExternalUpdatedAt time.Time   `json:"externalUpdatedAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// ChangeRequest is the internal mirror of an external merge request.
type ChangeRequest struct {
	MappingID         string             `json:"mappingId"`
	ExternalIID       int64              `json:"externalIid"`
	Title             string             `json:"title"`
	Description       string             `json:"description,omitempty"`
	State             ChangeRequestState `json:"state"`
	SourceBranch      string             `json:"sourceBranch,omitempty"`
	TargetBranch      string             `json:"targetBranch,omitempty"`
	ExternalUpdatedAt time.Time          `json:"externalUpdatedAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// Pipeline is the internal mirror of an external build pipeline.
type Pipeline struct {
	MappingID         string    `json:"mappingId"`
	ExternalID        int64     `json:"externalId"`
	Ref               string    `json:"ref"`
	SHA               string    `json:"sha"`
	Status            string    `json:"status"`
	ExternalUpdatedAt time.Time `json:"externalUpdatedAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// RecordStore is the boundary to the internal work-tracking records. Get* return ErrNotFound
// for missing rows; Upsert* replace by (mapping, external id).
type RecordStore interface {
	GetTicket(ctx context.Context, mappingID string, iid int64) (Ticket, error)
	UpsertTicket(ctx context.Context, ticket Ticket) error
	ListTickets(ctx context.Context, mappingID string) ([]Ticket, error)
	GetChangeRequest(ctx context.Context, mappingID string, iid int64) (ChangeRequest, error)
	UpsertChangeRequest(ctx context.Context, cr ChangeRequest) error
	ListChangeRequests(ctx context.Context, mappingID string) ([]ChangeRequest, error)
	GetPipeline(ctx context.Context, mappingID string, id int64) (Pipeline, error)
	UpsertPipeline(ctx context.Context, p Pipeline) error
	ListPipelines(ctx context.Context, mappingID string) ([]Pipeline, error)
}

type recordKey struct {
	MappingID string
	ID        int64
}

func cloneTicket(t Ticket) Ticket {
	out := t
	out.Labels = append([]string(nil), t.Labels...)
	out.CommitRefs = append([]string(nil), t.CommitRefs...)
	return out
}

func sortTickets(items []Ticket) {
	sort.Slice(items, func(i, j int) bool { return items[i].ExternalIID < items[j].ExternalIID })
}

func sortChangeRequests(items []ChangeRequest) {
	sort.Slice(items, func(i, j int) bool { return items[i].ExternalIID < items[j].ExternalIID })
}

func sortPipelines(items []Pipeline) {
	sort.Slice(items, func(i, j int) bool { return items[i].ExternalID < items[j].ExternalID })
}
