package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/fifo"
	"github.com/roach88/tillsync/internal/ids"
)

// Handler consumes one event. A returned error is logged; it never affects
// other handlers.
type Handler func(Event) error

// Stats are the bus counters.
type Stats struct {
	Published     int64 // events emitted by this bus
	Received      int64 // remote events accepted for dispatch
	Duplicates    int64 // remote events dropped by the dedup window
	SendFailures  int64 // transport Send errors
	HandlerErrors int64 // handler errors and panics
}

// Bus is one process's view of the shared event bus.
//
// Thread-safety: Subscribe, Publish and Close are safe for concurrent use.
// Run must be called at most once.
type Bus struct {
	origin     string
	sched      clock.Scheduler
	clock      *clock.Clock
	ids        ids.Generator
	log        *slog.Logger
	transports []Transport
	window     int

	mu   sync.RWMutex
	subs map[string][]*subscription

	pmu      sync.Mutex
	pending  map[string]*pendingPublish
	closed   bool
	inflight sync.WaitGroup // emits started before Close

	inbound *fifo.Queue[Event]
	seen    *recentIDs

	published     atomic.Int64
	received      atomic.Int64
	duplicates    atomic.Int64
	sendFailures  atomic.Int64
	handlerErrors atomic.Int64
}

type subscription struct {
	topic  string
	h      Handler
	active atomic.Bool
}

type pendingPublish struct {
	payload json.RawMessage
	timer   clock.Timer
}

// Option configures a Bus.
type Option func(*Bus)

// WithTransport adds a transport. Transports are used in the order added.
func WithTransport(t Transport) Option {
	return func(b *Bus) { b.transports = append(b.transports, t) }
}

// WithScheduler sets the scheduler for timestamps and debounce timers.
func WithScheduler(s clock.Scheduler) Option {
	return func(b *Bus) { b.sched = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithIDGenerator sets the event id generator.
func WithIDGenerator(g ids.Generator) Option {
	return func(b *Bus) { b.ids = g }
}

// WithDedupWindow sets how many recent event ids are remembered.
func WithDedupWindow(n int) Option {
	return func(b *Bus) { b.window = n }
}

// New creates a bus for the process identified by origin.
func New(origin string, opts ...Option) *Bus {
	b := &Bus{
		origin:  origin,
		sched:   clock.System{},
		clock:   clock.NewClock(),
		ids:     ids.UUIDv7Generator{},
		log:     slog.Default(),
		window:  DefaultDedupWindow,
		subs:    make(map[string][]*subscription),
		pending: make(map[string]*pendingPublish),
		inbound: fifo.New[Event](),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.seen = newRecentIDs(b.window)
	b.log = b.log.With("origin", origin)
	return b
}

// Origin returns the process identifier stamped on published events.
func (b *Bus) Origin() string { return b.origin }

// Subscribe registers h for topic, or for every topic when topic is
// Wildcard. The returned func removes the subscription; once it returns, h
// is not invoked again for events dispatched afterwards.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	s := &subscription{topic: topic, h: h}
	s.active.Store(true)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	return func() {
		if !s.active.CompareAndSwap(true, false) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		cur := b.subs[topic]
		next := make([]*subscription, 0, len(cur))
		for _, other := range cur {
			if other != s {
				next = append(next, other)
			}
		}
		if len(next) == 0 {
			delete(b.subs, topic)
		} else {
			b.subs[topic] = next
		}
	}
}

// PublishOption configures one Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	debounce time.Duration
}

// WithDebounce holds the event back for d. Further publishes on the same
// topic within the window replace the payload and restart the window.
func WithDebounce(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.debounce = d }
}

// Publish emits an event on topic with payload encoded as JSON. A nil
// payload is sent as an event without a body.
func (b *Bus) Publish(topic string, payload any, opts ...PublishOption) error {
	if topic == "" || topic == Wildcard {
		return fmt.Errorf("publish: invalid topic %q", topic)
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("publish %s: encode payload: %w", topic, err)
		}
		raw = data
	}

	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	b.pmu.Lock()
	if b.closed {
		b.pmu.Unlock()
		return ErrClosed
	}
	if o.debounce <= 0 {
		b.inflight.Add(1)
		b.pmu.Unlock()
		defer b.inflight.Done()
		b.emit(topic, raw)
		return nil
	}
	if prev := b.pending[topic]; prev != nil {
		prev.timer.Stop()
	}
	p := &pendingPublish{payload: raw}
	b.pending[topic] = p
	p.timer = b.sched.AfterFunc(o.debounce, func() { b.firePending(topic, p) })
	b.pmu.Unlock()
	return nil
}

func (b *Bus) firePending(topic string, p *pendingPublish) {
	b.pmu.Lock()
	if b.pending[topic] != p {
		b.pmu.Unlock()
		return
	}
	delete(b.pending, topic)
	b.inflight.Add(1)
	b.pmu.Unlock()

	defer b.inflight.Done()
	b.emit(topic, p.payload)
}

// emit stamps a new event, dispatches it locally and hands it to every
// transport.
func (b *Bus) emit(topic string, payload json.RawMessage) {
	ev := Event{
		ID:        b.ids.Generate(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: b.sched.Now().UTC(),
		Origin:    b.origin,
		Seq:       b.clock.Next(),
	}
	b.seen.add(ev.ID)
	b.published.Add(1)

	b.dispatch(ev)

	for _, t := range b.transports {
		if err := t.Send(context.Background(), ev.clone()); err != nil {
			b.sendFailures.Add(1)
			b.log.Warn("transport send failed",
				"transport", t.Name(),
				"topic", topic,
				"event_id", ev.ID,
				"error", err)
		}
	}
}

// dispatch calls topic subscribers, then wildcard subscribers.
func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs[ev.Topic])+len(b.subs[Wildcard]))
	targets = append(targets, b.subs[ev.Topic]...)
	targets = append(targets, b.subs[Wildcard]...)
	b.mu.RUnlock()

	for _, s := range targets {
		if !s.active.Load() {
			continue
		}
		b.invoke(s, ev.clone())
	}
}

func (b *Bus) invoke(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			b.log.Error("event handler panicked",
				"topic", ev.Topic,
				"subscription", s.topic,
				"event_id", ev.ID,
				"panic", fmt.Sprint(r))
		}
	}()
	if err := s.h(ev); err != nil {
		b.handlerErrors.Add(1)
		b.log.Warn("event handler failed",
			"topic", ev.Topic,
			"subscription", s.topic,
			"event_id", ev.ID,
			"error", err)
	}
}

// receive returns the deliver callback given to a transport's Listen.
func (b *Bus) receive(via string) func(Event) {
	return func(ev Event) {
		if ev.Origin == b.origin {
			return
		}
		ev.Remote = true
		ev.Via = via
		b.inbound.Enqueue(ev)
	}
}

// deliverRemote dispatches a sibling's event locally. Remote events are
// never handed to a transport.
func (b *Bus) deliverRemote(ev Event) {
	if !b.seen.add(ev.ID) {
		b.duplicates.Add(1)
		b.log.Debug("duplicate event dropped", "event_id", ev.ID, "via", ev.Via)
		return
	}
	b.received.Add(1)
	b.clock.Observe(ev.Seq)
	b.dispatch(ev)
}

// Run listens on every transport and dispatches inbound events one at a
// time until ctx is cancelled or the bus is closed.
func (b *Bus) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	for _, t := range b.transports {
		wg.Add(1)
		go func(t Transport) {
			defer wg.Done()
			err := t.Listen(ctx, b.receive(t.Name()))
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
				b.log.Warn("transport stopped", "transport", t.Name(), "error", err)
			}
		}(t)
	}

	stop := func() {
		cancel()
		wg.Wait()
	}

	for {
		if ev, ok := b.inbound.TryDequeue(); ok {
			b.deliverRemote(ev)
			continue
		}
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case _, open := <-b.inbound.Wait():
			if !open && b.inbound.Len() == 0 {
				stop()
				return nil
			}
		}
	}
}

// Close emits pending debounced publishes, waits for publishes already in
// progress, closes every transport and stops Run. Publishing after Close
// returns ErrClosed. Close must not be called from a handler.
func (b *Bus) Close() error {
	b.pmu.Lock()
	if b.closed {
		b.pmu.Unlock()
		return nil
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]*pendingPublish)
	b.pmu.Unlock()

	topics := make([]string, 0, len(pending))
	for topic, p := range pending {
		p.timer.Stop()
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		b.emit(topic, pending[topic].payload)
	}
	b.inflight.Wait()

	var errs []error
	for _, t := range b.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t.Name(), err))
		}
	}
	b.inbound.Close()
	return errors.Join(errs...)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		Received:      b.received.Load(),
		Duplicates:    b.duplicates.Load(),
		SendFailures:  b.sendFailures.Load(),
		HandlerErrors: b.handlerErrors.Load(),
	}
}
