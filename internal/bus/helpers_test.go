package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// fakeTransport records sends and delivers whatever the test pushes on in.
type fakeTransport struct {
	name    string
	sendErr error
	in      chan Event

	mu   sync.Mutex
	sent []Event
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name, in: make(chan Event)}
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(_ context.Context, ev Event) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeTransport) Listen(ctx context.Context, deliver func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-f.in:
			deliver(ev)
		}
	}
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sentEvents() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.sent...)
}

// startBus runs b until the test ends.
func startBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		err := <-done
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("bus run: %v", err)
		}
	})
}

// waitLinked publishes pings from one bus until the other sees one, so a
// test does not race the transports' listen setup.
func waitLinked(t *testing.T, from, to *Bus) {
	t.Helper()
	var got atomic.Bool
	unsub := to.Subscribe("test:ping", func(Event) error {
		got.Store(true)
		return nil
	})
	defer unsub()

	require.Eventually(t, func() bool {
		if got.Load() {
			return true
		}
		_ = from.Publish("test:ping", nil)
		return false
	}, 3*time.Second, 25*time.Millisecond, "buses never linked")
}
