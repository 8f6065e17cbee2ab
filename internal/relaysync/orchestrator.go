package relaysync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultStaleSyncAfter = 30 * time.Minute

// ListOptions bounds a source listing by the entity's updated time. Zero values are open.
type ListOptions struct {
	UpdatedAfter  time.Time
	UpdatedBefore time.Time
}

// SourceReader lists external entities already converted to internal records. MappingID is
// left empty; the orchestrator fills it in.
type SourceReader interface {
	ListTickets(ctx context.Context, externalProjectID int64, opts ListOptions) ([]Ticket, error)
	ListChangeRequests(ctx context.Context, externalProjectID int64, opts ListOptions) ([]ChangeRequest, error)
	ListPipelines(ctx context.Context, externalProjectID int64, opts ListOptions) ([]Pipeline, error)
}

// SourceProvider hands out a reader bound to one instance's base URL and credentials.
type SourceProvider interface {
	Reader(ctx context.Context, instance Instance) (SourceReader, error)
}

type SyncRequest struct {
	InstanceID string    `json:"instanceId"`
	ProjectID  string    `json:"projectId,omitempty"`
	Mode       SyncMode  `json:"mode"`
	From       time.Time `json:"from,omitempty"`
	To         time.Time `json:"to,omitempty"`
}

type MappingTrigger struct {
	MappingID string `json:"mappingId"`
	Started   bool   `json:"started"`
	Message   string `json:"message"`
}

type SyncTriggerResult struct {
	Success  bool             `json:"success"`
	Message  string           `json:"message"`
	Mode     SyncMode         `json:"mode"`
	Mappings []MappingTrigger `json:"mappings"`
}

type ResourceResult struct {
	Resource string `json:"resource"`
	Listed   int    `json:"listed"`
	Applied  int    `json:"applied"`
	Error    string `json:"error,omitempty"`
}

// PassResult is the outcome of one reconciliation pass over one mapping.
type PassResult struct {
	MappingID  string           `json:"mappingId"`
	Mode       SyncMode         `json:"mode"`
	Success    bool             `json:"success"`
	Count      int              `json:"count"`
	Error      string           `json:"error,omitempty"`
	Resources  []ResourceResult `json:"resources"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
}

// Window is the [From, To) range of a compensating pass.
type Window struct {
	From time.Time
	To   time.Time
}

// Orchestrator runs reconciliation passes. At most one pass per mapping runs at a time; the
// lock is the sync status itself.
type Orchestrator struct {
	statuses   SyncStatusStore
	registry   *MappingRegistry
	sources    SourceProvider
	reconciler *reconciler
	log        logrus.FieldLogger
	metrics    *Metrics
	notifier   *Broadcaster
	staleAfter time.Duration
	now        func() time.Time

	// passCtx bounds background passes; nil detaches them from the trigger's context.
	passCtx context.Context
	wg      sync.WaitGroup
}

type OrchestratorOptions struct {
	StaleSyncAfter time.Duration
	Logger         logrus.FieldLogger
	Metrics        *Metrics
	Notifier       *Broadcaster
}

func NewOrchestrator(statuses SyncStatusStore, registry *MappingRegistry, sources SourceProvider, records RecordStore, opts OrchestratorOptions) *Orchestrator {
	return newOrchestrator(statuses, registry, sources, newReconciler(records, time.Now), opts)
}

func newOrchestrator(statuses SyncStatusStore, registry *MappingRegistry, sources SourceProvider, rec *reconciler, opts OrchestratorOptions) *Orchestrator {
	staleAfter := opts.StaleSyncAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleSyncAfter
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		statuses:   statuses,
		registry:   registry,
		sources:    sources,
		reconciler: rec,
		log:        log,
		metrics:    opts.Metrics,
		notifier:   opts.Notifier,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Trigger starts a pass for every active mapping of the request's instance (narrowed to one
// project when ProjectID is set). Accepted passes run in background goroutines; mappings
// already syncing are reported, not queued.
func (o *Orchestrator) Trigger(ctx context.Context, req SyncRequest) (SyncTriggerResult, error) {
	mode, err := ParseSyncMode(string(req.Mode))
	if err != nil {
		return SyncTriggerResult{Message: err.Error()}, err
	}
	result := SyncTriggerResult{Mode: mode, Mappings: []MappingTrigger{}}
	window, err := validateWindow(mode, req.From, req.To)
	if err != nil {
		result.Message = err.Error()
		return result, err
	}
	instance, ok := o.registry.Instance(req.InstanceID)
	if !ok {
		err := fmt.Errorf("%w: instance %q", ErrNotFound, req.InstanceID)
		result.Message = err.Error()
		return result, err
	}
	mappings := o.registry.ForInstance(instance.ID, strings.TrimSpace(req.ProjectID))
	if len(mappings) == 0 {
		result.Message = "no active mappings"
		return result, nil
	}
	reader, err := o.sources.Reader(ctx, instance)
	if err != nil {
		result.Message = fmt.Sprintf("source unavailable: %v", err)
		return result, err
	}

	passCtx := o.passCtx
	if passCtx == nil {
		passCtx = context.WithoutCancel(ctx)
	}
	started := 0
	for _, mapping := range mappings {
		status, err := o.statuses.BeginSync(ctx, mapping.ID, mode, o.now(), o.staleAfter)
		if err != nil {
			msg := err.Error()
			if errors.Is(err, ErrSyncInProgress) {
				msg = "sync already in progress"
			}
			result.Mappings = append(result.Mappings, MappingTrigger{MappingID: mapping.ID, Message: msg})
			continue
		}
		started++
		result.Mappings = append(result.Mappings, MappingTrigger{MappingID: mapping.ID, Started: true, Message: string(mode) + " sync started"})
		o.wg.Add(1)
		go func(mapping Mapping, status SyncStatus) {
			defer o.wg.Done()
			o.runLocked(passCtx, reader, mapping, mode, window, status)
		}(mapping, status)
	}
	result.Success = started > 0
	result.Message = fmt.Sprintf("started %d of %d mapping(s)", started, len(mappings))
	return result, nil
}

// RunPass runs one pass synchronously. It returns ErrSyncInProgress when the mapping is
// locked by a live pass.
func (o *Orchestrator) RunPass(ctx context.Context, mapping Mapping, mode SyncMode, window Window) (PassResult, error) {
	mode, err := ParseSyncMode(string(mode))
	if err != nil {
		return PassResult{}, err
	}
	if _, err := validateWindow(mode, window.From, window.To); err != nil {
		return PassResult{}, err
	}
	instance, ok := o.registry.Instance(mapping.InstanceID)
	if !ok {
		return PassResult{}, fmt.Errorf("%w: instance %q", ErrNotFound, mapping.InstanceID)
	}
	status, err := o.statuses.BeginSync(ctx, mapping.ID, mode, o.now(), o.staleAfter)
	if err != nil {
		return PassResult{MappingID: mapping.ID, Mode: mode, Error: err.Error()}, err
	}
	reader, err := o.sources.Reader(ctx, instance)
	if err != nil {
		result := PassResult{MappingID: mapping.ID, Mode: mode, Error: err.Error(), StartedAt: o.now(), FinishedAt: o.now()}
		o.finish(ctx, result, mapping.InstanceID)
		return result, nil
	}
	return o.runLocked(ctx, reader, mapping, mode, window, status), nil
}

// Wait blocks until background passes return.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func validateWindow(mode SyncMode, from, to time.Time) (Window, error) {
	if mode != SyncCompensating {
		return Window{}, nil
	}
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return Window{}, fmt.Errorf("%w: compensating sync needs from < to", ErrInvalidInput)
	}
	return Window{From: from.UTC(), To: to.UTC()}, nil
}

func (o *Orchestrator) runLocked(ctx context.Context, reader SourceReader, mapping Mapping, mode SyncMode, window Window, status SyncStatus) PassResult {
	result := PassResult{MappingID: mapping.ID, Mode: mode, StartedAt: o.now().UTC(), Resources: make([]ResourceResult, 0, 3)}
	log := o.log.WithFields(logrus.Fields{"mapping_id": mapping.ID, "instance_id": mapping.InstanceID, "mode": mode})

	var opts ListOptions
	switch mode {
	case SyncIncremental:
		if status.LastSyncAt != nil {
			opts.UpdatedAfter = *status.LastSyncAt
		}
	case SyncCompensating:
		opts.UpdatedAfter = window.From
		opts.UpdatedBefore = window.To
	}

	resources := []struct {
		name string
		run  func() ResourceResult
	}{
		{"tickets", func() ResourceResult { return o.syncTickets(ctx, reader, mapping, opts) }},
		{"change_requests", func() ResourceResult { return o.syncChangeRequests(ctx, reader, mapping, opts) }},
		{"pipelines", func() ResourceResult { return o.syncPipelines(ctx, reader, mapping, opts) }},
	}
	var errs []string
	for _, res := range resources {
		rr := res.run()
		rr.Resource = res.name
		result.Resources = append(result.Resources, rr)
		result.Count += rr.Applied
		if rr.Error != "" {
			errs = append(errs, res.name+": "+rr.Error)
			log.WithField("resource", res.name).Warnf("sync resource failed: %s", rr.Error)
			continue
		}
		result.Success = true
	}
	result.Error = strings.Join(errs, "; ")
	result.FinishedAt = o.now().UTC()
	o.finish(ctx, result, mapping.InstanceID)
	log.WithFields(logrus.Fields{"count": result.Count, "success": result.Success}).Info("sync pass finished")
	return result
}

func (o *Orchestrator) finish(ctx context.Context, result PassResult, instanceID string) {
	// The status must leave in_progress even when the caller's context is gone.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlOperationTimeout)
	defer cancel()
	status, err := o.statuses.FinishSync(finishCtx, result.MappingID, result)
	if err != nil {
		o.log.WithField("mapping_id", result.MappingID).Errorf("record sync result: %v", err)
	}
	if o.metrics != nil {
		state := string(SyncFailed)
		if result.Success {
			state = string(SyncSuccess)
		}
		o.metrics.syncPasses.WithLabelValues(string(result.Mode), state).Inc()
		o.metrics.syncPassDuration.WithLabelValues(string(result.Mode)).Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	}
	if o.notifier != nil {
		msg := fmt.Sprintf("%s sync %s", result.Mode, status.State)
		if result.Error != "" {
			msg += ": " + result.Error
		}
		o.notifier.Publish(Notification{Type: NotifySyncFinished, InstanceID: instanceID, MappingID: result.MappingID, Message: msg, Count: result.Count})
	}
}

func (o *Orchestrator) syncTickets(ctx context.Context, reader SourceReader, mapping Mapping, opts ListOptions) ResourceResult {
	items, err := reader.ListTickets(ctx, mapping.ExternalProjectID, opts)
	if err != nil {
		return ResourceResult{Error: err.Error()}
	}
	rr := ResourceResult{Listed: len(items)}
	var errs []error
	for _, item := range items {
		item.MappingID = mapping.ID
		changed, err := o.reconciler.applyTicket(ctx, item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			rr.Applied++
		}
	}
	if err := errors.Join(errs...); err != nil {
		rr.Error = err.Error()
	}
	return rr
}

func (o *Orchestrator) syncChangeRequests(ctx context.Context, reader SourceReader, mapping Mapping, opts ListOptions) ResourceResult {
	items, err := reader.ListChangeRequests(ctx, mapping.ExternalProjectID, opts)
	if err != nil {
		return ResourceResult{Error: err.Error()}
	}
	rr := ResourceResult{Listed: len(items)}
	var errs []error
	for _, item := range items {
		item.MappingID = mapping.ID
		changed, err := o.reconciler.applyChangeRequest(ctx, item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			rr.Applied++
		}
	}
	if err := errors.Join(errs...); err != nil {
		rr.Error = err.Error()
	}
	return rr
}

func (o *Orchestrator) syncPipelines(ctx context.Context, reader SourceReader, mapping Mapping, opts ListOptions) ResourceResult {
	items, err := reader.ListPipelines(ctx, mapping.ExternalProjectID, opts)
	if err != nil {
		return ResourceResult{Error: err.Error()}
	}
	rr := ResourceResult{Listed: len(items)}
	var errs []error
	for _, item := range items {
		item.MappingID = mapping.ID
		changed, err := o.reconciler.applyPipeline(ctx, item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			rr.Applied++
		}
	}
	if err := errors.Join(errs...); err != nil {
		rr.Error = err.Error()
	}
	return rr
}
