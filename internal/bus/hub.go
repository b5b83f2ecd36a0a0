package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/tillsync/internal/fifo"
)

// Hub is an in-process broadcast channel. Every bus that joins the hub
// receives the events sent by the others.
//
// Thread-safety: safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	members map[int]*HubTransport
	nextID  int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[int]*HubTransport)}
}

// Join adds a member. Events sent by other members are buffered from this
// point on, even before Listen is called.
func (h *Hub) Join() *HubTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := &HubTransport{hub: h, id: h.nextID, queue: fifo.New[Event]()}
	h.nextID++
	h.members[t.id] = t
	return t
}

// Members returns the number of joined transports.
func (h *Hub) Members() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

func (h *Hub) leave(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, id)
}

// HubTransport is one member of a Hub.
type HubTransport struct {
	hub    *Hub
	id     int
	queue  *fifo.Queue[Event]
	closed atomic.Bool
}

// Name implements Transport.
func (t *HubTransport) Name() string { return "hub" }

// Send broadcasts ev to every other member.
func (t *HubTransport) Send(_ context.Context, ev Event) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.hub.mu.RLock()
	defer t.hub.mu.RUnlock()

	for id, m := range t.hub.members {
		if id == t.id {
			continue
		}
		m.queue.Enqueue(ev.clone())
	}
	return nil
}

// Listen delivers buffered events until ctx is done or the member closes.
func (t *HubTransport) Listen(ctx context.Context, deliver func(Event)) error {
	for {
		if ev, ok := t.queue.TryDequeue(); ok {
			deliver(ev)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-t.queue.Wait():
			if !open && t.queue.Len() == 0 {
				return ErrClosed
			}
		}
	}
}

// Close leaves the hub.
func (t *HubTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.hub.leave(t.id)
	t.queue.Close()
	return nil
}

var _ Transport = (*HubTransport)(nil)
