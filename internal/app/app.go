// Package app wires one register process: durable store, cache, event bus
// with its transports, sequence generator and shift service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tillsync/internal/bus"
	"github.com/roach88/tillsync/internal/cache"
	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/kv"
	"github.com/roach88/tillsync/internal/relay"
	"github.com/roach88/tillsync/internal/sequence"
	"github.com/roach88/tillsync/internal/shift"
)

// relayDialTimeout bounds the optional relay connection at startup.
const relayDialTimeout = 2 * time.Second

// App is one running register process.
type App struct {
	Origin    string
	Store     *kv.SQLite
	Cache     *cache.Cache
	Bus       *bus.Bus
	Sequences *sequence.Generator
	Shifts    *shift.Service

	cfg    config.Config
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan error
}

// Option configures Open.
type Option func(*options)

type options struct {
	sched  clock.Scheduler
	log    *slog.Logger
	hub    *bus.Hub
	origin string
}

// WithScheduler overrides the time source.
func WithScheduler(s clock.Scheduler) Option {
	return func(o *options) { o.sched = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithHub joins an in-process hub, for processes that host several
// registers in one address space.
func WithHub(h *bus.Hub) Option {
	return func(o *options) { o.hub = h }
}

// WithOrigin fixes the process identifier instead of generating one.
func WithOrigin(origin string) Option {
	return func(o *options) { o.origin = origin }
}

// Open opens the store and builds every component. The bus starts
// listening in the background; call Close when done.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{sched: clock.System{}, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.origin == "" {
		o.origin = ids.NewOrigin()
	}
	log := o.log.With("origin", o.origin)

	store, err := kv.OpenSQLite(cfg.Database,
		kv.WithPollInterval(cfg.PollInterval),
		kv.WithLockLease(cfg.LockLease),
		kv.WithSQLiteLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c := cache.New(store, cache.WithScheduler(o.sched), cache.WithLogger(log))

	busOpts := []bus.Option{bus.WithScheduler(o.sched), bus.WithLogger(log)}
	if o.hub != nil {
		busOpts = append(busOpts, bus.WithTransport(o.hub.Join()))
	}
	if cfg.RelayURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, relayDialTimeout)
		tr, err := relay.Dial(dialCtx, cfg.RelayURL, relay.WithLogger(log))
		cancel()
		if err != nil {
			log.Warn("relay unavailable, using storage fallback only", "url", cfg.RelayURL, "error", err)
		} else {
			busOpts = append(busOpts, bus.WithTransport(tr))
		}
	}
	busOpts = append(busOpts, bus.WithTransport(bus.NewStorageTransport(store, store,
		bus.WithMarkerTTL(cfg.MarkerTTL),
		bus.WithStorageScheduler(o.sched),
		bus.WithStorageLogger(log))))
	b := bus.New(o.origin, busOpts...)

	seqOpts := []sequence.Option{
		sequence.WithLocker(store),
		sequence.WithLogger(log),
		sequence.WithSource(sequence.Invoice, sequence.Source{KeyPrefix: shift.RecordKeyPrefix, Field: "id"}),
		sequence.WithSource(sequence.Shift, sequence.Source{KeyPrefix: shift.KeyPrefix, Field: "id"}),
	}
	for name, f := range cfg.Sequences {
		seqOpts = append(seqOpts, sequence.WithFormat(name, f.Prefix, f.Pad))
	}
	seq := sequence.New(c, seqOpts...)

	shifts := shift.New(c, seq,
		shift.WithPublisher(b),
		shift.WithScheduler(o.sched),
		shift.WithLogger(log),
		shift.WithWriteDebounce(cfg.WriteDebounce),
		shift.WithPublishDebounce(cfg.PublishDebounce))

	runCtx, cancel := context.WithCancel(context.Background())
	a := &App{
		Origin:    o.origin,
		Store:     store,
		Cache:     c,
		Bus:       b,
		Sequences: seq,
		Shifts:    shifts,
		cfg:       cfg,
		log:       log,
		cancel:    cancel,
		done:      make(chan error, 1),
	}
	go func() { a.done <- b.Run(runCtx) }()

	log.Debug("register opened", "database", cfg.Database, "relay", cfg.RelayURL != "")
	return a, nil
}

// Config returns the settings the app was opened with.
func (a *App) Config() config.Config { return a.cfg }

// Close flushes pending writes, stops the bus and closes the store. The
// flush error, if any, is returned after everything is shut down.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Cache.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := a.Bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	a.cancel()
	if err := <-a.done; err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
