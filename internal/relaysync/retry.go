package relaysync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Backoff returns min(base*2^retryCount, maxDelay).
func Backoff(retryCount int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
		if delay > time.Duration(1<<62)/2 {
			break
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// runTickers drives the three maintenance sweeps until ctx is cancelled.
func (e *Engine) runTickers(ctx context.Context) {
	defer e.tickerWG.Done()
	pending := time.NewTicker(e.opts.PendingSweepInterval)
	failed := time.NewTicker(e.opts.FailedSweepInterval)
	purge := time.NewTicker(e.opts.PurgeInterval)
	defer pending.Stop()
	defer failed.Stop()
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pending.C:
			e.sweepPending(ctx)
			e.dedup.Sweep(e.now())
		case <-failed.C:
			e.sweepFailed(ctx)
		case <-purge.C:
			e.purge(ctx)
		}
	}
}

// sweepPending enqueues error-free unprocessed events that are neither queued nor in flight,
// e.g. after a full queue dropped them or the process restarted.
func (e *Engine) sweepPending(ctx context.Context) int {
	events, err := e.backend.FindPending(ctx, e.opts.SweepBatch, e.opts.MaxRetries)
	if err != nil {
		e.log.Warnf("pending sweep: %v", err)
		return 0
	}
	enqueued := 0
	for _, ev := range events {
		if ev.Error != "" || e.queue.Contains(ev.ID) || e.retries.scheduled(ev.ID) {
			continue
		}
		if e.enqueue(ev) {
			enqueued++
		}
	}
	if enqueued > 0 {
		e.log.WithField("count", enqueued).Debug("pending sweep enqueued events")
	}
	return enqueued
}

// sweepFailed re-dispatches failed events under the ceiling whose last attempt is older than
// MinRetryDelay.
func (e *Engine) sweepFailed(ctx context.Context) int {
	events, err := e.backend.FindPending(ctx, e.opts.SweepBatch, e.opts.MaxRetries)
	if err != nil {
		e.log.Warnf("failed sweep: %v", err)
		return 0
	}
	now := e.now()
	enqueued := 0
	for _, ev := range events {
		if ev.Error == "" || e.queue.Contains(ev.ID) || e.retries.scheduled(ev.ID) {
			continue
		}
		if ev.LastAttemptAt != nil && now.Sub(*ev.LastAttemptAt) < e.opts.MinRetryDelay {
			continue
		}
		if e.enqueue(ev) {
			enqueued++
		}
	}
	if enqueued > 0 {
		e.log.WithField("count", enqueued).Info("failed sweep re-dispatched events")
	}
	return enqueued
}

func (e *Engine) purge(ctx context.Context) int {
	removed, err := e.backend.PurgeExpired(ctx, e.opts.MaxAgeProcessed, e.opts.MaxAgeExhausted, e.opts.MaxRetries)
	if err != nil {
		e.log.Warnf("purge: %v", err)
	}
	if removed > 0 {
		e.metrics.eventsPurged.Add(float64(removed))
		e.log.WithField("count", removed).Info("purged expired events")
	}
	return removed
}

// retrySchedule tracks redeliveries waiting on a timer so sweeps do not double-dispatch them.
type retrySchedule struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newRetrySchedule() *retrySchedule {
	return &retrySchedule{timers: map[string]*time.Timer{}}
}

func (r *retrySchedule) schedule(id string, delay time.Duration, fire func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.timers[id]; exists {
		return false
	}
	r.timers[id] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()
		fire()
	})
	return true
}

func (r *retrySchedule) scheduled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[id]
	return ok
}

func (r *retrySchedule) stopAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	stopped := 0
	for id, t := range r.timers {
		if t.Stop() {
			stopped++
		}
		delete(r.timers, id)
	}
	return stopped
}

func (r *retrySchedule) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// scheduleRetry queues a redelivery of id after the backoff for its attempt count.
func (e *Engine) scheduleRetry(id string, retryCount int) time.Duration {
	delay := Backoff(retryCount, e.opts.RetryBaseDelay, e.opts.RetryMaxDelay)
	e.retries.schedule(id, delay, func() {
		if e.isClosed() {
			return
		}
		ev, err := e.backend.Get(context.Background(), id)
		if err != nil {
			e.log.WithField("event_id", id).Warnf("load event for retry: %v", err)
			return
		}
		if !ev.eligibleForRetry(e.opts.MaxRetries) {
			return
		}
		e.enqueue(ev)
	})
	e.log.WithFields(logrus.Fields{"event_id": id, "retry_count": retryCount, "delay": delay}).Debug("retry scheduled")
	return delay
}
