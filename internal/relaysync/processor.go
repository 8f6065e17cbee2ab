package relaysync

import (
	"context"
	"fmt"
	"time"
)

const defaultMaxEventAge = 24 * time.Hour

// Processor routes one event to the handler for its kind.
type Processor struct {
	registry   *MappingRegistry
	reconciler *reconciler
	maxAge     time.Duration
	now        func() time.Time
}

func NewProcessor(registry *MappingRegistry, records RecordStore, maxAge time.Duration) *Processor {
	return newProcessor(registry, newReconciler(records, time.Now), maxAge, time.Now)
}

func newProcessor(registry *MappingRegistry, rec *reconciler, maxAge time.Duration, now func() time.Time) *Processor {
	if maxAge <= 0 {
		maxAge = defaultMaxEventAge
	}
	if now == nil {
		now = time.Now
	}
	return &Processor{registry: registry, reconciler: rec, maxAge: maxAge, now: now}
}

// ageReference is the time an event's age is measured from. Commits carry their author time,
// which can be days older than the push that delivers them, so pushes age from receipt.
func ageReference(ev Event, payload Payload) time.Time {
	if _, ok := payload.(*PushPayload); ok {
		return ev.CreatedAt
	}
	return payload.SourceTime()
}

// Process never returns an error: every failure is folded into the Outcome with its retry class.
func (p *Processor) Process(ctx context.Context, ev Event) Outcome {
	if ev.Kind == KindUnknown {
		return failed(Permanent(fmt.Errorf("%w: event %s", ErrUnknownKind, ev.ID)))
	}
	if err := ValidatePayload(ev.Kind, ev.Payload); err != nil {
		return failed(err)
	}
	payload, err := DecodePayload(ev.Kind, ev.Payload)
	if err != nil {
		return failed(err)
	}
	if sourceTime := ageReference(ev, payload); !sourceTime.IsZero() && p.now().Sub(sourceTime) > p.maxAge {
		return failed(Permanent(fmt.Errorf("%w: source time %s older than %s", ErrExpired, sourceTime.Format(time.RFC3339), p.maxAge)))
	}
	mapping, ok := p.registry.Resolve(ev.InstanceID, payload.keyFields().ProjectID)
	if !ok {
		return succeeded("no mapping")
	}

	switch typed := payload.(type) {
	case *PushPayload:
		return p.handlePush(ctx, mapping, typed)
	case *ChangeRequestPayload:
		return p.handleChangeRequest(ctx, mapping, typed)
	case *TicketPayload:
		return p.handleTicket(ctx, mapping, typed)
	case *PipelinePayload:
		return p.handlePipeline(ctx, mapping, typed)
	default:
		return failed(Permanent(fmt.Errorf("%w: %T", ErrUnknownKind, payload)))
	}
}
