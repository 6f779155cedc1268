package event

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Hub is the subscription list owned by an event source. Listeners are
// called synchronously, in subscription order, without the hub lock held.
type Hub struct {
	mu   sync.RWMutex
	subs map[int64]Listener
	seq  atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[int64]Listener),
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	hub  *Hub
	id   int64
	once sync.Once
}

// Unsubscribe removes the listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
	})
}

func (h *Hub) Subscribe(l Listener) *Subscription {
	id := h.seq.Add(1)

	h.mu.Lock()
	h.subs[id] = l
	h.mu.Unlock()

	return &Subscription{hub: h, id: id}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	ids := make([]int64, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, len(ids))
	for i, id := range ids {
		listeners[i] = h.subs[id]
	}
	h.mu.RUnlock()

	for _, l := range listeners {
		if !Dispatch(l, ev) {
			log.Warn().Stringer("kind", ev.Kind).Msg("dropping event of unknown kind")
			return
		}
	}
}
