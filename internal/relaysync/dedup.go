package relaysync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultDedupWindow     = 5 * time.Minute
	defaultDedupMaxEntries = 10000
	defaultDedupScanLimit  = 50
)

type DedupResult struct {
	Duplicate   bool   `json:"duplicate"`
	MatchID     string `json:"matchId,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Fingerprint string `json:"-"`
}

// Disposition is what the engine does with a duplicate delivery, chosen from the matched
// event's own status.
type Disposition string

const (
	DispositionNone   Disposition = ""
	DispositionSkip   Disposition = "skip"
	DispositionRetry  Disposition = "retry"
	DispositionUpdate Disposition = "update"
)

func dispositionFor(match Event, maxRetries int) Disposition {
	switch match.Status(maxRetries) {
	case StatusProcessed:
		return DispositionSkip
	case StatusFailed, StatusExhausted:
		return DispositionRetry
	default:
		return DispositionUpdate
	}
}

type dedupEntry struct {
	eventID string
	seenAt  time.Time
}

type DedupOptions struct {
	Window     time.Duration
	MaxEntries int
	ScanLimit  int
}

// Deduplicator recognizes semantically equivalent deliveries. The cache is owned by one engine.
type Deduplicator struct {
	mu         sync.Mutex
	store      EventStore
	window     time.Duration
	maxEntries int
	scanLimit  int
	now        func() time.Time
	entries    map[string]dedupEntry
}

func NewDeduplicator(store EventStore, opts DedupOptions) *Deduplicator {
	window := opts.Window
	if window <= 0 {
		window = defaultDedupWindow
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultDedupMaxEntries
	}
	scanLimit := opts.ScanLimit
	if scanLimit <= 0 {
		scanLimit = defaultDedupScanLimit
	}
	return &Deduplicator{
		store:      store,
		window:     window,
		maxEntries: maxEntries,
		scanLimit:  scanLimit,
		now:        time.Now,
		entries:    map[string]dedupEntry{},
	}
}

// Fingerprint hashes the identifying fields of a decoded payload.
func Fingerprint(instanceID string, payload Payload) string {
	key := payload.keyFields()
	parts := []string{
		strings.TrimSpace(instanceID),
		payload.Kind().String(),
		formatInt(key.ProjectID),
		key.ObjectID,
		strings.ToLower(key.Action),
		key.Timestamp,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Check reports whether ev duplicates an earlier delivery. Undecodable events are never
// duplicates; the processor fails them permanently.
func (d *Deduplicator) Check(ctx context.Context, ev Event) DedupResult {
	payload, err := DecodePayload(ev.Kind, ev.Payload)
	if err != nil {
		return DedupResult{}
	}
	fp := Fingerprint(ev.InstanceID, payload)
	now := d.now()

	d.mu.Lock()
	if entry, ok := d.entries[fp]; ok && entry.eventID != ev.ID && now.Sub(entry.seenAt) <= d.window {
		d.mu.Unlock()
		return DedupResult{Duplicate: true, MatchID: entry.eventID, Reason: "fingerprint seen within window", Fingerprint: fp}
	}
	d.mu.Unlock()

	if matchID := d.scanRecent(ctx, ev, payload.keyFields()); matchID != "" {
		d.remember(fp, matchID, now)
		return DedupResult{Duplicate: true, MatchID: matchID, Reason: "matches recent stored event", Fingerprint: fp}
	}
	d.remember(fp, ev.ID, now)
	return DedupResult{Fingerprint: fp}
}

func (d *Deduplicator) scanRecent(ctx context.Context, ev Event, key keyFields) string {
	if d.store == nil {
		return ""
	}
	recent, err := d.store.Recent(ctx, ev.InstanceID, ev.Kind, d.scanLimit)
	if err != nil {
		return ""
	}
	for _, candidate := range recent {
		if !arrivedBefore(candidate, ev) || ev.CreatedAt.Sub(candidate.CreatedAt) > d.window {
			continue
		}
		decoded, err := DecodePayload(candidate.Kind, candidate.Payload)
		if err != nil {
			continue
		}
		if sameKey(decoded.keyFields(), key) {
			return candidate.ID
		}
	}
	return ""
}

// arrivedBefore orders events the way the store does: created time, then id. Only an earlier
// delivery can be the original, so two copies stored before either is checked never match
// each other.
func arrivedBefore(a, b Event) bool {
	if a.ID == b.ID {
		return false
	}
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func sameKey(a, b keyFields) bool {
	return a.ProjectID == b.ProjectID &&
		a.ObjectID == b.ObjectID &&
		strings.EqualFold(a.Action, b.Action) &&
		a.Timestamp == b.Timestamp
}

func (d *Deduplicator) remember(fp, eventID string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[fp]; !exists && len(d.entries) >= d.maxEntries {
		d.evictOldestLocked()
	}
	d.entries[fp] = dedupEntry{eventID: eventID, seenAt: now}
}

// evictOldestLocked drops the oldest tenth of the cache (at least one entry).
func (d *Deduplicator) evictOldestLocked() {
	type aged struct {
		fp     string
		seenAt time.Time
	}
	all := make([]aged, 0, len(d.entries))
	for fp, entry := range d.entries {
		all = append(all, aged{fp: fp, seenAt: entry.seenAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seenAt.Before(all[j].seenAt) })
	n := len(all) / 10
	if n < 1 {
		n = 1
	}
	for _, item := range all[:n] {
		delete(d.entries, item.fp)
	}
}

func (d *Deduplicator) Forget(fp string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, fp)
}

// Sweep removes entries older than the window and returns how many were dropped.
func (d *Deduplicator) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for fp, entry := range d.entries {
		if now.Sub(entry.seenAt) > d.window {
			delete(d.entries, fp)
			removed++
		}
	}
	return removed
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
