package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/broker/messages"
)

const defaultBuffer = 16

// Hub раздаёт нотификации подписчикам группы. Доставка best-effort:
// переполненный буфер медленного подписчика — дроп, клиент добирает
// пропущенное pull-запросом активных событий после реконнекта.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan messages.GroupNotify
	nextID uint64
	buffer int

	delivered atomic.Int64
	dropped   atomic.Int64
}

type Subscription struct {
	C      <-chan messages.GroupNotify
	cancel func()
}

// Cancel снимает подписку и закрывает канал. Повторный вызов безопасен.
func (s *Subscription) Cancel() {
	s.cancel()
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:   map[string]map[uint64]chan messages.GroupNotify{},
		buffer: buffer,
	}
}

func (h *Hub) Subscribe(groupID string) *Subscription {
	ch := make(chan messages.GroupNotify, h.buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	group, ok := h.subs[groupID]
	if !ok {
		group = map[uint64]chan messages.GroupNotify{}
		h.subs[groupID] = group
	}
	group[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return &Subscription{
		C: ch,
		cancel: func() {
			once.Do(func() {
				h.mu.Lock()
				if group, ok := h.subs[groupID]; ok {
					delete(group, id)
					if len(group) == 0 {
						delete(h.subs, groupID)
					}
				}
				h.mu.Unlock()
				close(ch)
			})
		},
	}
}

// Publish рассылает нотификацию всем текущим подписчикам группы, не блокируясь.
func (h *Hub) Publish(n messages.GroupNotify) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[n.GroupID] {
		select {
		case ch <- n:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers(groupID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[groupID])
}

type Stats struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	return Stats{Delivered: h.delivered.Load(), Dropped: h.dropped.Load()}
}
