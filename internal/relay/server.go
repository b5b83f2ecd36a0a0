// Package relay is the direct channel between register processes that do
// not share an address space. A relay Server fans every event frame out to
// all other connected clients; a Transport is the bus side of one client
// connection.
//
// The relay forwards frames verbatim and keeps no history. Processes that
// are not connected rely on the storage fallback.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 64

	// DefaultPingInterval and DefaultPongWait bound how long a half-open
	// client keeps its slot.
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 60 * time.Second
)

// Server is the websocket relay.
//
// Thread-safety: safe for concurrent use.
type Server struct {
	log          *slog.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongWait     time.Duration

	mu     sync.Mutex
	conns  map[int64]*conn
	nextID int64
	closed bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithKeepalive sets how often clients are pinged and how long the server
// waits for any frame or pong before dropping a client. pongWait should
// exceed ping.
func WithKeepalive(ping, pongWait time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = ping
		s.pongWait = pongWait
	}
}

// NewServer creates a relay with no clients.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		log:          slog.Default(),
		pingInterval: DefaultPingInterval,
		pongWait:     DefaultPongWait,
		conns:        make(map[int64]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// conn is one client connection on the server side.
type conn struct {
	id   int64
	wc   *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *conn) stop() {
	c.once.Do(func() { close(c.send) })
}

// ServeHTTP upgrades the request and relays frames until the client leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("relay upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c, ok := s.signon(wc)
	if !ok {
		_ = wc.Close()
		return
	}
	s.log.Debug("relay client connected", "client", c.id, "remote", r.RemoteAddr)

	go s.write(c)
	err = s.read(c)
	s.signoff(c)
	if err != nil {
		s.log.Warn("relay read failed", "client", c.id, "error", err)
	} else {
		s.log.Debug("relay client disconnected", "client", c.id)
	}
}

func (s *Server) signon(wc *websocket.Conn) (*conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}
	s.nextID++
	c := &conn{id: s.nextID, wc: wc, send: make(chan []byte, sendBuffer)}
	s.conns[c.id] = c
	return c, true
}

func (s *Server) signoff(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	c.stop()
}

// read forwards every text frame to the other clients. A client that sends
// nothing and answers no ping within pongWait is dropped.
func (s *Server) read(c *conn) error {
	extend := func(string) error { return c.wc.SetReadDeadline(time.Now().Add(s.pongWait)) }
	if err := extend(""); err != nil {
		return fmt.Errorf("relay client %d: %w", c.id, err)
	}
	c.wc.SetPongHandler(extend)

	for {
		op, data, err := c.wc.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("relay client %d unresponsive for %s: %w", c.id, s.pongWait, err)
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil
			}
			return fmt.Errorf("relay client %d: %w", c.id, err)
		}
		_ = extend("")
		if op != websocket.TextMessage {
			continue
		}
		if !json.Valid(data) {
			s.log.Warn("relay dropped malformed frame", "client", c.id, "bytes", len(data))
			continue
		}
		s.broadcast(c.id, data)
	}
}

// broadcast queues data for every client except from. A client whose
// buffer is full is disconnected rather than blocking the others.
func (s *Server) broadcast(from int64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.conns {
		if id == from {
			continue
		}
		select {
		case c.send <- data:
		default:
			s.log.Warn("relay client too slow, disconnecting", "client", id)
			delete(s.conns, id)
			c.stop()
		}
	}
}

func (s *Server) write(c *conn) {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	defer c.wc.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = c.wc.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.wc.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-t.C:
			_ = c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every client and refuses new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, c := range s.conns {
		delete(s.conns, id)
		c.stop()
	}
	return nil
}

// ListenAndServe serves the relay on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	mux := http.NewServeMux()
	mux.Handle("/bus", s)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("relay listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("relay serve: %w", err)
	case <-ctx.Done():
	}

	_ = s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	return ctx.Err()
}
