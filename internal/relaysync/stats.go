package relaysync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	healthErrorRateThreshold = 0.10
	healthErrorRateMinSample = 10
	healthQueueSaturation    = 0.9
)

type Stats struct {
	Total            int     `json:"total"`
	Processed        int     `json:"processed"`
	Failed           int     `json:"failed"`
	Pending          int     `json:"pending"`
	Exhausted        int     `json:"exhausted"`
	InFlight         int     `json:"inFlight"`
	QueueDepth       int     `json:"queueDepth"`
	QueueCapacity    int     `json:"queueCapacity"`
	ScheduledRetries int     `json:"scheduledRetries"`
	DedupEntries     int     `json:"dedupEntries"`
	ErrorRate        float64 `json:"errorRate"`
	MeanLatencyMs    float64 `json:"meanLatencyMs"`
}

type Health struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues"`
	Stats   Stats    `json:"stats"`
}

type latencyTracker struct {
	mu    sync.Mutex
	count int64
	total time.Duration
}

func (l *latencyTracker) observe(d time.Duration) {
	l.mu.Lock()
	l.count++
	l.total += d
	l.mu.Unlock()
}

func (l *latencyTracker) meanMillis() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return 0
	}
	return float64(l.total.Microseconds()) / float64(l.count) / 1000
}

// Stats never fails: store errors yield zero counts next to the live queue figures.
func (e *Engine) Stats(ctx context.Context) Stats {
	stats, _ := e.collectStats(ctx)
	return stats
}

func (e *Engine) collectStats(ctx context.Context) (Stats, error) {
	stats := Stats{
		InFlight:         e.queue.InFlight(),
		QueueDepth:       e.queue.Depth(),
		QueueCapacity:    e.queue.Capacity(),
		ScheduledRetries: e.retries.len(),
		DedupEntries:     e.dedup.Len(),
		MeanLatencyMs:    e.latency.meanMillis(),
	}
	counts, err := e.backend.Counts(ctx, e.opts.MaxRetries)
	if err != nil {
		e.log.Warnf("collect event counts: %v", err)
		return stats, err
	}
	stats.Total = counts.Total
	stats.Processed = counts.Processed
	stats.Failed = counts.Failed
	stats.Pending = counts.Pending
	stats.Exhausted = counts.Exhausted
	if finished := counts.Processed + counts.Failed; finished > 0 {
		stats.ErrorRate = float64(counts.Failed) / float64(finished)
	}
	return stats, nil
}

// Health summarizes detected issues. It never fails.
func (e *Engine) Health(ctx context.Context) Health {
	stats, err := e.collectStats(ctx)
	issues := make([]string, 0)
	if err != nil {
		issues = append(issues, "event store unavailable")
	}
	if e.isClosed() {
		issues = append(issues, "engine shutting down")
	}
	if stats.Processed+stats.Failed >= healthErrorRateMinSample && stats.ErrorRate > healthErrorRateThreshold {
		issues = append(issues, fmt.Sprintf("high error rate: %.1f%%", stats.ErrorRate*100))
	}
	if stats.QueueCapacity > 0 && float64(stats.QueueDepth) >= healthQueueSaturation*float64(stats.QueueCapacity) {
		issues = append(issues, fmt.Sprintf("queue saturated: %d/%d", stats.QueueDepth, stats.QueueCapacity))
	}
	return Health{Healthy: len(issues) == 0, Issues: issues, Stats: stats}
}
