package callback

import "sync"

// Bus is the shared inbound callback stream. Every subscriber sees every
// event and filters for itself.
type Bus interface {
	Subscribe(handler func(Event)) (unsubscribe func())
}

type Publisher interface {
	Publish(ev Event)
}

// MemoryBus is the in-process Bus. Publish delivers synchronously to a
// snapshot of the subscribers taken under the lock.
type MemoryBus struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]func(Event)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subscribers: make(map[uint64]func(Event))}
}

func (b *MemoryBus) Publish(ev Event) {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (b *MemoryBus) Subscribe(handler func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
}

func (b *MemoryBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
