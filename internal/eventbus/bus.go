package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published inside the process.
const (
	TypeTaskSucceeded    = "task.succeeded"
	TypeTaskFailed       = "task.failed"
	TypeReminderSchedule = "reminder.scheduled"
	TypeReminderCancel   = "reminder.cancelled"
	TypeReminderFired    = "reminder.fired"
	TypeDeliveryFailed   = "reminder.delivery_failed"
	TypeRecoverySkipped  = "recovery.skipped"
	TypeDigestSent       = "digest.sent"
	TypeTriggerMissed    = "trigger.missed"
	TypeTriggerDropped   = "trigger.enqueue_failed"
)

// Event is a small in-memory signal.
//
// Publish never blocks. Subscribers get a buffered channel and drop events
// when full.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so close only after removal.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
