package core

import (
	"log/slog"
	"sync"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

// broker fans committed notifications out to subscribers. Sends never
// block; a full subscriber loses the notification.
type broker struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan domain.Notification
	logger *slog.Logger
}

func newBroker(logger *slog.Logger) *broker {
	return &broker{subs: make(map[int]chan domain.Notification), logger: logger}
}

func (b *broker) subscribe(buffer int) (<-chan domain.Notification, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.Notification, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

func (b *broker) publish(notes []domain.Notification) {
	if len(notes) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		for _, n := range notes {
			select {
			case ch <- n:
			default:
				b.logger.Warn("subscriber lagging, notification dropped", "subscriber", id, "kind", n.Kind, "model", n.ModelID)
			}
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
