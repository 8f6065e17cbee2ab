package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Backend  Backend
	Registry *MappingRegistry
	Sources  SourceProvider
	Logger   logrus.FieldLogger

	Workers       int
	QueueCapacity int
	MaxInFlight   int
	MaxRetries    int
	SweepBatch    int

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	PendingSweepInterval time.Duration
	FailedSweepInterval  time.Duration
	PurgeInterval        time.Duration
	MinRetryDelay        time.Duration
	MaxAgeProcessed      time.Duration
	MaxAgeExhausted      time.Duration
	MaxEventAge          time.Duration
	StaleSyncAfter       time.Duration
	ShutdownGrace        time.Duration

	DedupWindow     time.Duration
	DedupMaxEntries int
	DedupScanLimit  int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = defaultQueueCapacity
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = defaultMaxInFlight
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 500
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 5 * time.Minute
	}
	if o.PendingSweepInterval <= 0 {
		o.PendingSweepInterval = 30 * time.Second
	}
	if o.FailedSweepInterval <= 0 {
		o.FailedSweepInterval = 5 * time.Minute
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Hour
	}
	if o.MinRetryDelay <= 0 {
		o.MinRetryDelay = time.Minute
	}
	if o.MaxAgeProcessed <= 0 {
		o.MaxAgeProcessed = 7 * 24 * time.Hour
	}
	if o.MaxAgeExhausted <= 0 {
		o.MaxAgeExhausted = 24 * time.Hour
	}
	if o.MaxEventAge <= 0 {
		o.MaxEventAge = defaultMaxEventAge
	}
	if o.StaleSyncAfter <= 0 {
		o.StaleSyncAfter = defaultStaleSyncAfter
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 10 * time.Second
	}
	return o
}

// Engine wires the event pipeline and the sync orchestrator around one backend.
type Engine struct {
	opts         Options
	backend      Backend
	registry     *MappingRegistry
	log          logrus.FieldLogger
	metrics      *Metrics
	notifier     *Broadcaster
	dedup        *Deduplicator
	queue        *PriorityQueue
	processor    *Processor
	orchestrator *Orchestrator
	retries      *retrySchedule
	latency      latencyTracker
	now          func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	workerCancel context.CancelFunc
	tickerCancel context.CancelFunc
	procCtx      context.Context
	procCancel   context.CancelFunc
	workerWG     sync.WaitGroup
	tickerWG     sync.WaitGroup
}

func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend()
	}
	if opts.Registry == nil {
		opts.Registry = NewMappingRegistry(nil, nil)
	}
	if opts.Sources == nil {
		opts.Sources = unavailableSources{}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	metrics := NewMetrics()
	notifier := NewBroadcaster()
	queue := NewPriorityQueue(opts.QueueCapacity, opts.MaxInFlight)
	metrics.observeQueue(queue)
	rec := newReconciler(opts.Backend, time.Now)
	procCtx, procCancel := context.WithCancel(context.Background())

	orchestrator := newOrchestrator(opts.Backend, opts.Registry, opts.Sources, rec, OrchestratorOptions{
		StaleSyncAfter: opts.StaleSyncAfter,
		Logger:         log,
		Metrics:        metrics,
		Notifier:       notifier,
	})
	orchestrator.passCtx = procCtx

	return &Engine{
		opts:     opts,
		backend:  opts.Backend,
		registry: opts.Registry,
		log:      log,
		metrics:  metrics,
		notifier: notifier,
		dedup: NewDeduplicator(opts.Backend, DedupOptions{
			Window:     opts.DedupWindow,
			MaxEntries: opts.DedupMaxEntries,
			ScanLimit:  opts.DedupScanLimit,
		}),
		queue:        queue,
		processor:    newProcessor(opts.Registry, rec, opts.MaxEventAge, time.Now),
		orchestrator: orchestrator,
		retries:      newRetrySchedule(),
		now:          time.Now,
		closed:       make(chan struct{}),
		procCtx:      procCtx,
		procCancel:   procCancel,
	}
}

// Start launches the worker pool and the maintenance tickers, and re-enqueues every event a
// previous process left unfinished. Cancelling ctx stops the tickers and the workers.
func (e *Engine) Start(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	started := false
	e.startOnce.Do(func() {
		started = true
		workerCtx, workerCancel := context.WithCancel(ctx)
		tickerCtx, tickerCancel := context.WithCancel(ctx)
		e.workerCancel = workerCancel
		e.tickerCancel = tickerCancel

		recovered := e.recoverPending(ctx)
		for i := 0; i < e.opts.Workers; i++ {
			e.workerWG.Add(1)
			go e.worker(workerCtx, e.procCtx)
		}
		e.tickerWG.Add(1)
		go e.runTickers(tickerCtx)
		e.log.WithFields(logrus.Fields{"workers": e.opts.Workers, "recovered": recovered}).Info("engine started")
	})
	if !started {
		return errors.New("engine already started")
	}
	return nil
}

func (e *Engine) recoverPending(ctx context.Context) int {
	events, err := e.backend.FindPending(ctx, e.opts.QueueCapacity, e.opts.MaxRetries)
	if err != nil {
		e.log.Warnf("recover pending events: %v", err)
		return 0
	}
	recovered := 0
	for _, ev := range events {
		if e.enqueue(ev) {
			recovered++
		}
	}
	return recovered
}

// IngestResult describes what happened to one delivery.
type IngestResult struct {
	EventID     string      `json:"id"`
	Duplicate   bool        `json:"duplicate"`
	Disposition Disposition `json:"disposition,omitempty"`
	MatchID     string      `json:"matchId,omitempty"`
	Queued      bool        `json:"queued"`
}

// Ingest persists a verified delivery and routes it. The only errors are rejection of the
// input and failure to persist; everything after the append is recorded on the event.
func (e *Engine) Ingest(ctx context.Context, instanceID string, kind EventKind, payload json.RawMessage) (IngestResult, error) {
	if e.isClosed() {
		return IngestResult{}, ErrClosed
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return IngestResult{}, fmt.Errorf("%w: instance id required", ErrInvalidInput)
	}
	if kind == KindUnknown {
		return IngestResult{}, ErrUnknownKind
	}
	if !json.Valid(payload) {
		return IngestResult{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
	}
	ev, err := e.backend.Append(ctx, instanceID, kind, payload)
	if err != nil {
		return IngestResult{}, fmt.Errorf("persist event: %w", err)
	}
	e.metrics.eventsReceived.WithLabelValues(kind.String()).Inc()
	log := e.log.WithFields(logrus.Fields{"event_id": ev.ID, "kind": kind.String(), "instance_id": instanceID})

	result := IngestResult{EventID: ev.ID}
	dup := e.dedup.Check(ctx, ev)
	if !dup.Duplicate {
		result.Queued = e.enqueue(ev)
		return result, nil
	}

	result.Duplicate = true
	result.MatchID = dup.MatchID
	result.Disposition = e.applyDisposition(ctx, ev, dup, log)
	e.metrics.eventsDuplicate.WithLabelValues(kind.String(), string(result.Disposition)).Inc()
	if err := e.backend.MarkProcessed(ctx, ev.ID); err != nil {
		log.Errorf("mark duplicate processed: %v", err)
	}
	e.notifier.Publish(Notification{
		Type:       NotifyEventDuplicate,
		EventID:    ev.ID,
		Kind:       kind.String(),
		InstanceID: instanceID,
		Message:    fmt.Sprintf("duplicate of %s (%s)", dup.MatchID, result.Disposition),
	})
	log.WithFields(logrus.Fields{"match_id": dup.MatchID, "disposition": result.Disposition}).Infof("duplicate of %s: %s", dup.MatchID, dup.Reason)
	return result, nil
}

func (e *Engine) applyDisposition(ctx context.Context, ev Event, dup DedupResult, log logrus.FieldLogger) Disposition {
	match, err := e.backend.Get(ctx, dup.MatchID)
	if err != nil {
		// The match vanished (purged); treat the delivery as the surviving copy.
		log.Warnf("load duplicate match %s: %v", dup.MatchID, err)
		return DispositionSkip
	}
	disposition := dispositionFor(match, e.opts.MaxRetries)
	switch disposition {
	case DispositionRetry:
		if err := e.backend.ResetRetries(ctx, match.ID); err != nil {
			log.Errorf("reset retries on %s: %v", match.ID, err)
			break
		}
		match.RetryCount = 0
		match.Error = ""
		e.enqueue(match)
	case DispositionUpdate:
		if err := e.backend.UpdatePayload(ctx, match.ID, ev.Payload); err != nil {
			log.Errorf("update payload on %s: %v", match.ID, err)
			break
		}
		e.enqueue(match)
	}
	return disposition
}

func (e *Engine) enqueue(ev Event) bool {
	if e.queue.Enqueue(ev) {
		return true
	}
	if !e.queue.Contains(ev.ID) {
		e.metrics.enqueueRejected.Inc()
		e.log.WithField("event_id", ev.ID).Warn("queue full; event left for pending sweep")
	}
	return false
}

type RetryResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type BatchRetryResult struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Results []RetryResult `json:"results"`
}

// RetryEvent resets the retry counter of an unprocessed event and schedules it after the
// base backoff. Exhausted events become eligible again.
func (e *Engine) RetryEvent(ctx context.Context, id string) (RetryResult, error) {
	if e.isClosed() {
		return RetryResult{ID: id, Message: ErrClosed.Error()}, ErrClosed
	}
	ev, err := e.backend.Get(ctx, id)
	if err != nil {
		return RetryResult{ID: id, Message: err.Error()}, err
	}
	if ev.Processed {
		return RetryResult{ID: id, Message: "event already processed"}, nil
	}
	if e.queue.Contains(id) {
		return RetryResult{ID: id, Message: "event already queued"}, nil
	}
	if err := e.backend.ResetRetries(ctx, id); err != nil {
		return RetryResult{ID: id, Message: err.Error()}, err
	}
	delay := e.scheduleRetry(id, 0)
	e.log.WithFields(logrus.Fields{"event_id": id, "previous_retry_count": ev.RetryCount}).Info("manual retry requested")
	return RetryResult{ID: id, Success: true, Message: fmt.Sprintf("retry scheduled in %s", delay)}, nil
}

func (e *Engine) RetryEvents(ctx context.Context, ids []string) BatchRetryResult {
	out := BatchRetryResult{Results: make([]RetryResult, 0, len(ids))}
	scheduled := 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		res, _ := e.RetryEvent(ctx, id)
		if res.Success {
			scheduled++
		}
		out.Results = append(out.Results, res)
	}
	out.Success = scheduled > 0
	out.Message = fmt.Sprintf("scheduled %d of %d event(s)", scheduled, len(out.Results))
	return out
}

func (e *Engine) GetEvent(ctx context.Context, id string) (Event, error) {
	return e.backend.Get(ctx, id)
}

func (e *Engine) MaxRetries() int {
	return e.opts.MaxRetries
}

// TriggerSync starts reconciliation passes; see Orchestrator.Trigger.
func (e *Engine) TriggerSync(ctx context.Context, req SyncRequest) (SyncTriggerResult, error) {
	if e.isClosed() {
		return SyncTriggerResult{Message: ErrClosed.Error()}, ErrClosed
	}
	return e.orchestrator.Trigger(ctx, req)
}

// SyncStatus returns the status of a known mapping; a mapping never synced reports an idle
// status rather than an error.
func (e *Engine) SyncStatus(ctx context.Context, mappingID string) (SyncStatus, error) {
	if _, ok := e.registry.Mapping(mappingID); !ok {
		return SyncStatus{}, fmt.Errorf("%w: mapping %q", ErrNotFound, mappingID)
	}
	st, err := e.backend.GetSyncStatus(ctx, mappingID)
	if errors.Is(err, ErrNotFound) {
		return SyncStatus{MappingID: mappingID, State: SyncIdle}, nil
	}
	return st, err
}

func (e *Engine) SyncStatuses(ctx context.Context, instanceID string) ([]SyncStatus, error) {
	mappings := e.registry.ForInstance(instanceID, "")
	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.ID)
	}
	found, err := e.backend.ListSyncStatuses(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]SyncStatus, len(found))
	for _, st := range found {
		byID[st.MappingID] = st
	}
	out := make([]SyncStatus, 0, len(ids))
	for _, id := range ids {
		if st, ok := byID[id]; ok {
			out = append(out, st)
			continue
		}
		out = append(out, SyncStatus{MappingID: id, State: SyncIdle})
	}
	return out, nil
}

func (e *Engine) Registry() *MappingRegistry { return e.registry }

func (e *Engine) Metrics() *Metrics { return e.metrics }

func (e *Engine) Notifier() *Broadcaster { return e.notifier }

func (e *Engine) Orchestrator() *Orchestrator { return e.orchestrator }

func (e *Engine) Deduplicator() *Deduplicator { return e.dedup }

func (e *Engine) Queue() *PriorityQueue { return e.queue }

func (e *Engine) Instance(id string) (Instance, bool) { return e.registry.Instance(id) }

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// Close stops ingress and the tickers, lets in-flight events finish within ShutdownGrace (or
// until ctx ends), then closes the backend. Events still queued stay pending in the store.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.tickerCancel != nil {
			e.tickerCancel()
		}
		e.tickerWG.Wait()
		if e.workerCancel != nil {
			e.workerCancel()
		}
		e.retries.stopAll()

		done := make(chan struct{})
		go func() {
			e.workerWG.Wait()
			e.orchestrator.Wait()
			close(done)
		}()
		grace := time.NewTimer(e.opts.ShutdownGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			e.log.Warn("shutdown grace expired; interrupting in-flight work")
			e.procCancel()
			<-done
		case <-ctx.Done():
			e.log.Warn("shutdown context ended; interrupting in-flight work")
			e.procCancel()
			<-done
		}
		e.procCancel()
		e.closeErr = e.backend.Close()
		e.log.WithField("queued", e.queue.Depth()).Info("engine stopped")
	})
	return e.closeErr
}

type unavailableSources struct{}

func (unavailableSources) Reader(context.Context, Instance) (SourceReader, error) {
	return nil, fmt.Errorf("%w: no source client configured", ErrNotImplemented)
}
