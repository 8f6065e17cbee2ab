package relaysync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultWorkers = 10

// worker pulls from the priority queue until ctx is cancelled. Processing itself runs under
// procCtx so an in-flight event is allowed to finish during the shutdown grace period.
func (e *Engine) worker(ctx, procCtx context.Context) {
	defer e.workerWG.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		ev, ok := e.queue.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.queue.Ready():
				continue
			}
		}
		if e.queue.Depth() > 0 {
			e.queue.signal()
		}
		e.handle(procCtx, ev)
		e.queue.Complete(ev.ID)
	}
}

func (e *Engine) handle(ctx context.Context, queued Event) {
	log := e.log.WithFields(logrus.Fields{
		"event_id":    queued.ID,
		"kind":        queued.Kind.String(),
		"instance_id": queued.InstanceID,
	})
	ev, err := e.backend.Get(ctx, queued.ID)
	if err != nil {
		log.Warnf("load event: %v", err)
		return
	}
	if !ev.eligibleForRetry(e.opts.MaxRetries) {
		return
	}

	started := time.Now()
	outcome := e.processor.Process(ctx, ev)
	elapsed := time.Since(started)
	e.latency.observe(elapsed)
	e.metrics.processDuration.WithLabelValues(ev.Kind.String()).Observe(elapsed.Seconds())

	if !outcome.Success && ctx.Err() != nil {
		log.Info("processing interrupted by shutdown; event left pending")
		return
	}

	notification := Notification{EventID: ev.ID, Kind: ev.Kind.String(), InstanceID: ev.InstanceID, Message: outcome.Message}
	switch {
	case outcome.Success:
		if err := e.backend.MarkProcessed(ctx, ev.ID); err != nil {
			log.Errorf("mark processed: %v", err)
			return
		}
		e.metrics.eventsProcessed.WithLabelValues(ev.Kind.String(), "success").Inc()
		notification.Type = NotifyEventProcessed
		log.WithField("duration", elapsed).Debugf("processed: %s", outcome.Message)
	case !outcome.Retryable:
		if err := e.backend.MarkExhausted(ctx, ev.ID, outcome.Message, e.opts.MaxRetries); err != nil {
			log.Errorf("mark exhausted: %v", err)
			return
		}
		e.metrics.eventsProcessed.WithLabelValues(ev.Kind.String(), "permanent").Inc()
		notification.Type = NotifyEventExhausted
		log.Warnf("permanent failure: %s", outcome.Message)
	default:
		if err := e.backend.MarkFailed(ctx, ev.ID, outcome.Message); err != nil {
			log.Errorf("mark failed: %v", err)
			return
		}
		attempts := ev.RetryCount + 1
		if e.opts.MaxRetries > 0 && attempts >= e.opts.MaxRetries {
			e.metrics.eventsProcessed.WithLabelValues(ev.Kind.String(), "exhausted").Inc()
			notification.Type = NotifyEventExhausted
			log.WithField("retry_count", attempts).Warnf("retries exhausted: %s", outcome.Message)
			break
		}
		e.metrics.eventsProcessed.WithLabelValues(ev.Kind.String(), "retry").Inc()
		notification.Type = NotifyEventFailed
		delay := e.scheduleRetry(ev.ID, attempts)
		log.WithFields(logrus.Fields{"retry_count": attempts, "delay": delay}).Infof("transient failure: %s", outcome.Message)
	}
	e.notifier.Publish(notification)
}
