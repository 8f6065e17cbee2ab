package relaysync

import (
	"sync"
	"time"
)

type NotificationType string

const (
	NotifyEventProcessed NotificationType = "event.processed"
	NotifyEventFailed    NotificationType = "event.failed"
	NotifyEventExhausted NotificationType = "event.exhausted"
	NotifyEventDuplicate NotificationType = "event.duplicate"
	NotifySyncFinished   NotificationType = "sync.finished"
)

// Notification is one entry of the live outcome feed.
type Notification struct {
	Type       NotificationType `json:"type"`
	EventID    string           `json:"eventId,omitempty"`
	Kind       string           `json:"kind,omitempty"`
	InstanceID string           `json:"instanceId,omitempty"`
	MappingID  string           `json:"mappingId,omitempty"`
	Message    string           `json:"message,omitempty"`
	Count      int              `json:"count,omitempty"`
	At         time.Time        `json:"at"`
}

// Broadcaster fans notifications out to subscribers. Slow subscribers lose notifications
// rather than stall workers.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Notification
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[int]chan Notification{}}
}

func (b *Broadcaster) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
