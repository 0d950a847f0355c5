package realtime

import (
	"context"
	"sync"

	"github.com/example/rider-dispatch/internal/models"
)

// Broker is an in-process Channel and Publisher for single-node runs.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*memorySub
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]*memorySub)}
}

type memorySub struct {
	b      *Broker
	id     string
	key    int
	ch     chan models.StatusEvent
	closed bool
}

func (b *Broker) Subscribe(ctx context.Context, id string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &memorySub{b: b, id: id, key: b.nextID, ch: make(chan models.StatusEvent, 8)}
	if b.subs[id] == nil {
		b.subs[id] = make(map[int]*memorySub)
	}
	b.subs[id][s.key] = s
	return s, nil
}

// Publish never blocks; a subscriber whose buffer is full misses the event.
func (b *Broker) Publish(ctx context.Context, ev models.StatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[ev.ID] {
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribers reports how many live subscriptions exist for id.
func (b *Broker) Subscribers(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}

func (s *memorySub) Events() <-chan models.StatusEvent { return s.ch }

func (s *memorySub) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.b.subs[s.id], s.key)
	if len(s.b.subs[s.id]) == 0 {
		delete(s.b.subs, s.id)
	}
	close(s.ch)
	return nil
}
