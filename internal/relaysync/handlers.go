package relaysync

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

var closingReferencePattern = regexp.MustCompile(`(?i)\b(?:fix|fixes|fixed|close|closes|closed|resolve|resolves|resolved)\s*:?\s+#(\d+)`)

// ClosingReferences returns the distinct ticket iids a text closes with a keyword such as
// "fixes #42", in order of appearance.
func ClosingReferences(text string) []int64 {
	matches := closingReferencePattern.FindAllStringSubmatch(text, -1)
	out := make([]int64, 0, len(matches))
	for _, m := range matches {
		iid, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || iid <= 0 || slices.Contains(out, iid) {
			continue
		}
		out = append(out, iid)
	}
	return out
}

// MapTicketState derives the internal ticket state from the external state and labels.
func MapTicketState(externalState string, labels []string) TicketState {
	switch strings.ToLower(strings.TrimSpace(externalState)) {
	case "closed", "close":
		return TicketDone
	}
	for _, l := range labels {
		switch strings.ToLower(strings.TrimSpace(l)) {
		case "in progress", "in-progress", "doing":
			return TicketInProgress
		}
	}
	return TicketTodo
}

// MapChangeRequestState prefers the hook action and falls back to the object state.
func MapChangeRequestState(action, state string) ChangeRequestState {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "merge":
		return ChangeRequestMerged
	case "close":
		return ChangeRequestClosed
	case "open", "reopen":
		return ChangeRequestOpen
	}
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "merged":
		return ChangeRequestMerged
	case "closed", "locked":
		return ChangeRequestClosed
	default:
		return ChangeRequestOpen
	}
}

const entityLockShards = 64

// entityLocks serializes read-modify-write on one internal record across workers and passes.
type entityLocks struct {
	shards [entityLockShards]sync.Mutex
}

func (l *entityLocks) lock(parts ...string) func() {
	hasher := fnv.New32a()
	for _, p := range parts {
		_, _ = hasher.Write([]byte(p))
		_, _ = hasher.Write([]byte{0})
	}
	mu := &l.shards[hasher.Sum32()%entityLockShards]
	mu.Lock()
	return mu.Unlock
}

// reconciler holds the idempotent upserts shared by event handlers and sync passes. Every
// apply returns whether the store was written.
type reconciler struct {
	records RecordStore
	locks   *entityLocks
	now     func() time.Time
}

func newReconciler(records RecordStore, now func() time.Time) *reconciler {
	if now == nil {
		now = time.Now
	}
	return &reconciler{records: records, locks: &entityLocks{}, now: now}
}

func (r *reconciler) applyTicket(ctx context.Context, incoming Ticket) (bool, error) {
	unlock := r.locks.lock("ticket", incoming.MappingID, formatInt(incoming.ExternalIID))
	defer unlock()

	existing, err := r.records.GetTicket(ctx, incoming.MappingID, incoming.ExternalIID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load ticket %d: %w", incoming.ExternalIID, err)
	default:
		if !incoming.ExternalUpdatedAt.IsZero() && existing.ExternalUpdatedAt.After(incoming.ExternalUpdatedAt) {
			return false, nil
		}
		incoming.CommitRefs = mergeRefs(existing.CommitRefs, incoming.CommitRefs)
		if ticketUnchanged(existing, incoming) {
			return false, nil
		}
	}
	incoming.UpdatedAt = r.now().UTC()
	if err := r.records.UpsertTicket(ctx, incoming); err != nil {
		return false, fmt.Errorf("upsert ticket %d: %w", incoming.ExternalIID, err)
	}
	return true, nil
}

// closeTicket moves a referenced ticket to done and records the commit once. Unknown tickets
// are left alone.
func (r *reconciler) closeTicket(ctx context.Context, mappingID string, iid int64, commitSHA string) (bool, error) {
	unlock := r.locks.lock("ticket", mappingID, formatInt(iid))
	defer unlock()

	existing, err := r.records.GetTicket(ctx, mappingID, iid)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load ticket %d: %w", iid, err)
	}
	next := cloneTicket(existing)
	next.State = TicketDone
	if commitSHA != "" {
		next.CommitRefs = mergeRefs(existing.CommitRefs, []string{commitSHA})
	}
	if ticketUnchanged(existing, next) {
		return false, nil
	}
	next.UpdatedAt = r.now().UTC()
	if err := r.records.UpsertTicket(ctx, next); err != nil {
		return false, fmt.Errorf("upsert ticket %d: %w", iid, err)
	}
	return true, nil
}

func (r *reconciler) applyChangeRequest(ctx context.Context, incoming ChangeRequest) (bool, error) {
	unlock := r.locks.lock("change_request", incoming.MappingID, formatInt(incoming.ExternalIID))
	defer unlock()

	existing, err := r.records.GetChangeRequest(ctx, incoming.MappingID, incoming.ExternalIID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load change request %d: %w", incoming.ExternalIID, err)
	default:
		if !incoming.ExternalUpdatedAt.IsZero() && existing.ExternalUpdatedAt.After(incoming.ExternalUpdatedAt) {
			return false, nil
		}
		if existing.Title == incoming.Title &&
			existing.Description == incoming.Description &&
			existing.State == incoming.State &&
			existing.SourceBranch == incoming.SourceBranch &&
			existing.TargetBranch == incoming.TargetBranch &&
			existing.ExternalUpdatedAt.Equal(incoming.ExternalUpdatedAt) {
			return false, nil
		}
	}
	incoming.UpdatedAt = r.now().UTC()
	if err := r.records.UpsertChangeRequest(ctx, incoming); err != nil {
		return false, fmt.Errorf("upsert change request %d: %w", incoming.ExternalIID, err)
	}
	return true, nil
}

func (r *reconciler) applyPipeline(ctx context.Context, incoming Pipeline) (bool, error) {
	unlock := r.locks.lock("pipeline", incoming.MappingID, formatInt(incoming.ExternalID))
	defer unlock()

	existing, err := r.records.GetPipeline(ctx, incoming.MappingID, incoming.ExternalID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load pipeline %d: %w", incoming.ExternalID, err)
	default:
		if !incoming.ExternalUpdatedAt.IsZero() && existing.ExternalUpdatedAt.After(incoming.ExternalUpdatedAt) {
			return false, nil
		}
		if existing.Status == incoming.Status &&
			existing.Ref == incoming.Ref &&
			existing.SHA == incoming.SHA &&
			existing.ExternalUpdatedAt.Equal(incoming.ExternalUpdatedAt) {
			return false, nil
		}
	}
	incoming.UpdatedAt = r.now().UTC()
	if err := r.records.UpsertPipeline(ctx, incoming); err != nil {
		return false, fmt.Errorf("upsert pipeline %d: %w", incoming.ExternalID, err)
	}
	return true, nil
}

func ticketUnchanged(a, b Ticket) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.State == b.State &&
		slices.Equal(a.Labels, b.Labels) &&
		slices.Equal(a.CommitRefs, b.CommitRefs) &&
		a.ExternalUpdatedAt.Equal(b.ExternalUpdatedAt)
}

func mergeRefs(existing, extra []string) []string {
	out := append([]string(nil), existing...)
	for _, ref := range extra {
		if ref == "" || slices.Contains(out, ref) {
			continue
		}
		out = append(out, ref)
	}
	return out
}

func (p *Processor) handlePush(ctx context.Context, mapping Mapping, payload *PushPayload) Outcome {
	closed := 0
	for _, commit := range payload.Commits {
		for _, iid := range ClosingReferences(commit.Message) {
			changed, err := p.reconciler.closeTicket(ctx, mapping.ID, iid, commit.ID)
			if err != nil {
				return failed(err)
			}
			if changed {
				closed++
			}
		}
	}
	return succeeded("push %s: %d commit(s), %d ticket(s) updated", payload.Ref, len(payload.Commits), closed)
}

func (p *Processor) handleChangeRequest(ctx context.Context, mapping Mapping, payload *ChangeRequestPayload) Outcome {
	attrs := payload.Attributes
	cr := ChangeRequest{
		MappingID:         mapping.ID,
		ExternalIID:       attrs.IID,
		Title:             attrs.Title,
		Description:       attrs.Description,
		State:             MapChangeRequestState(attrs.Action, attrs.State),
		SourceBranch:      attrs.SourceBranch,
		TargetBranch:      attrs.TargetBranch,
		ExternalUpdatedAt: attrs.UpdatedAt.Time,
	}
	changed, err := p.reconciler.applyChangeRequest(ctx, cr)
	if err != nil {
		return failed(err)
	}
	closed := 0
	if cr.State == ChangeRequestMerged {
		for _, iid := range ClosingReferences(attrs.Title + "\n" + attrs.Description) {
			ticketChanged, err := p.reconciler.closeTicket(ctx, mapping.ID, iid, "")
			if err != nil {
				return failed(err)
			}
			if ticketChanged {
				closed++
			}
		}
	}
	if !changed && closed == 0 {
		return succeeded("change request !%d already up to date", attrs.IID)
	}
	return succeeded("change request !%d %s, %d ticket(s) closed", attrs.IID, cr.State, closed)
}

func (p *Processor) handleTicket(ctx context.Context, mapping Mapping, payload *TicketPayload) Outcome {
	attrs := payload.Attributes
	state := attrs.State
	if state == "" {
		state = attrs.Action
	}
	labels := payload.labelTitles()
	ticket := Ticket{
		MappingID:         mapping.ID,
		ExternalIID:       attrs.IID,
		Title:             attrs.Title,
		Description:       attrs.Description,
		State:             MapTicketState(state, labels),
		Labels:            labels,
		ExternalUpdatedAt: attrs.UpdatedAt.Time,
	}
	changed, err := p.reconciler.applyTicket(ctx, ticket)
	if err != nil {
		return failed(err)
	}
	if !changed {
		return succeeded("ticket #%d already up to date", attrs.IID)
	}
	return succeeded("ticket #%d %s", attrs.IID, ticket.State)
}

func (p *Processor) handlePipeline(ctx context.Context, mapping Mapping, payload *PipelinePayload) Outcome {
	attrs := payload.Attributes
	pipeline := Pipeline{
		MappingID:         mapping.ID,
		ExternalID:        attrs.ID,
		Ref:               attrs.Ref,
		SHA:               attrs.SHA,
		Status:            strings.ToLower(attrs.Status),
		ExternalUpdatedAt: payload.SourceTime(),
	}
	changed, err := p.reconciler.applyPipeline(ctx, pipeline)
	if err != nil {
		return failed(err)
	}
	if !changed {
		return succeeded("pipeline %d already up to date", attrs.ID)
	}
	return succeeded("pipeline %d %s", attrs.ID, pipeline.Status)
}
