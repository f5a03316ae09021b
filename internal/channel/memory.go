package channel

import (
	"context"
	"sort"
	"sync"
)

// MemoryHub is an in-process Transport. Publish delivers synchronously to every
// subscriber of the topic before returning.
type MemoryHub struct {
	mu     sync.RWMutex
	next   int
	topics map[string]map[int]func(Message)
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{topics: map[string]map[int]func(Message){}}
}

func (h *MemoryHub) Publish(ctx context.Context, topic string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	subs := h.topics[topic]
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	handlers := make([]func(Message), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
	return nil
}

func (h *MemoryHub) Subscribe(_ context.Context, topic string, handler func(Message)) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	if h.topics[topic] == nil {
		h.topics[topic] = map[int]func(Message){}
	}
	h.topics[topic][id] = handler
	return &memorySub{hub: h, topic: topic, id: id}, nil
}

// Subscribers reports how many handlers are attached to topic.
func (h *MemoryHub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

type memorySub struct {
	hub   *MemoryHub
	topic string
	id    int
	once  sync.Once
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		delete(s.hub.topics[s.topic], s.id)
		if len(s.hub.topics[s.topic]) == 0 {
			delete(s.hub.topics, s.topic)
		}
	})
	return nil
}
