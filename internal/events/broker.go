package events

import (
	"log/slog"
	"sync"

	"github.com/veranemoloko/download-queue/internal/domain"
	"github.com/veranemoloko/download-queue/internal/metrics"
)

// Broker fans task events out to subscribers. Notify never blocks; a
// subscriber that falls behind loses events and can re-sync from a task list.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	nextID int
	logger *slog.Logger
}

// NewBroker creates an empty Broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		subs:   make(map[int]chan domain.Event),
		logger: logger,
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel; it is safe to call twice.
func (b *Broker) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.Event, buffer)

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

// Notify delivers ev to every subscriber with room in its buffer.
func (b *Broker) Notify(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			b.logger.Debug("subscriber buffer full, event dropped",
				"subscriber", id,
				"task_id", ev.TaskID,
				"type", ev.Type,
			)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
