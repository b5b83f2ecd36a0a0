package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/tillsync/internal/bus"
)

// ErrNotConnected is returned by Send while the relay connection is down.
var ErrNotConnected = errors.New("relay: not connected")

const (
	minRedial = 100 * time.Millisecond
	maxRedial = 5 * time.Second
)

// Transport is a bus.Transport over a relay connection. A dropped
// connection is redialled by Listen with exponential backoff; sends made
// while it is down fail with ErrNotConnected.
type Transport struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger

	mu     sync.Mutex // guards wc and serializes writes
	wc     *websocket.Conn
	closed atomic.Bool
	done   chan struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// Dial connects to the relay at url (ws://host:port/bus).
func Dial(ctx context.Context, url string, opts ...Option) (*Transport, error) {
	t := &Transport{
		url:    url,
		dialer: websocket.DefaultDialer,
		log:    slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	wc, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.wc = wc
	return t, nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	wc, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", t.url, err)
	}
	return wc, nil
}

// Name implements bus.Transport.
func (t *Transport) Name() string { return "relay" }

// Send writes ev as one text frame.
func (t *Transport) Send(_ context.Context, ev bus.Event) error {
	if t.closed.Load() {
		return bus.ErrClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.wc == nil {
		return ErrNotConnected
	}
	_ = t.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.wc.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	return nil
}

// Listen reads frames and delivers decoded events, redialling after a
// dropped connection, until ctx is done or the transport is closed.
func (t *Transport) Listen(ctx context.Context, deliver func(bus.Event)) error {
	stop := context.AfterFunc(ctx, func() { t.disconnect() })
	defer stop()

	backoff := minRedial
	for {
		wc := t.conn()
		if wc == nil {
			next, err := t.redial(ctx, &backoff)
			if err != nil {
				return err
			}
			wc = next
		}

		err := t.readAll(wc, deliver)
		t.drop(wc)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t.closed.Load() {
			return bus.ErrClosed
		}
		t.log.Warn("relay connection lost", "url", t.url, "error", err)
	}
}

func (t *Transport) readAll(wc *websocket.Conn, deliver func(bus.Event)) error {
	for {
		op, data, err := wc.ReadMessage()
		if err != nil {
			return err
		}
		if op != websocket.TextMessage {
			continue
		}
		var ev bus.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.log.Warn("relay frame is not an event", "error", err)
			continue
		}
		deliver(ev)
	}
}

// redial reconnects with exponential backoff.
func (t *Transport) redial(ctx context.Context, backoff *time.Duration) (*websocket.Conn, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, bus.ErrClosed
		case <-time.After(*backoff):
		}

		wc, err := t.dial(ctx)
		if err == nil {
			t.mu.Lock()
			if t.closed.Load() {
				t.mu.Unlock()
				_ = wc.Close()
				return nil, bus.ErrClosed
			}
			t.wc = wc
			t.mu.Unlock()
			*backoff = minRedial
			t.log.Info("relay reconnected", "url", t.url)
			return wc, nil
		}
		t.log.Debug("relay redial failed", "url", t.url, "error", err)
		*backoff = min(*backoff*2, maxRedial)
	}
}

func (t *Transport) conn() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wc
}

// drop forgets wc if it is still the current connection.
func (t *Transport) drop(wc *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wc == wc {
		t.wc = nil
	}
	_ = wc.Close()
}

// disconnect closes the current connection, unblocking a pending read.
func (t *Transport) disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wc != nil {
		_ = t.wc.Close()
	}
}

// Connected reports whether the relay connection is up.
func (t *Transport) Connected() bool {
	return t.conn() != nil
}

// Close sends a close frame and shuts the connection.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wc == nil {
		return nil
	}
	_ = t.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = t.wc.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := t.wc.Close()
	t.wc = nil
	return err
}

var _ bus.Transport = (*Transport)(nil)
