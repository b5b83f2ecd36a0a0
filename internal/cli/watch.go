package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/bus"
	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/relay"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [topic...]",
		Short: "Print bus events from other register processes",
		Long: `Join the register bus and print every event received from other
processes. Without topics every event is printed.`,
		Example: `  tillsync watch
  tillsync --format json watch shifts:changed invoices:changed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(commandContext(cmd), rootOpts)
			defer stop()
			cmd.SetContext(ctx)

			topics := args
			if len(topics) == 0 {
				topics = []string{bus.Wildcard}
			}
			w := &eventWriter{w: cmd.OutOrStdout(), json: rootOpts.Format == "json"}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				for _, topic := range topics {
					unsubscribe := a.Bus.Subscribe(topic, w.write)
					defer unsubscribe()
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Watching %v as %s. Press Ctrl-C to stop.\n", topics, a.Origin)
				<-ctx.Done()
				return nil
			})
		},
	}
	return cmd
}

// eventWriter prints events one per line.
type eventWriter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (e *eventWriter) write(ev bus.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.json {
		return json.NewEncoder(e.w).Encode(ev)
	}
	_, err := fmt.Fprintf(e.w, "%s %-20s %s seq=%d via=%s %s\n",
		ev.Timestamp.Format(time.RFC3339Nano), ev.Topic, ev.Origin, ev.Seq, ev.Via, ev.Payload)
	return err
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the local websocket relay between register processes",
		Long: `Run the local relay. Register processes configured with relay_url
connect to it and exchange bus events directly instead of waiting for the
storage fallback.`,
		Example: `  tillsync relay --addr 127.0.0.1:7781`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(commandContext(cmd), rootOpts)
			defer stop()

			if addr == "" {
				addr = rootOpts.cfg.RelayAddr
			}
			if addr == "" {
				addr = config.Default().RelayAddr
			}
			log := rootOpts.logger()
			fmt.Fprintf(cmd.ErrOrStderr(), "Relay listening on ws://%s/bus. Press Ctrl-C to stop.\n", addr)
			err := relay.ListenAndServe(ctx, addr, relay.NewServer(relay.WithServerLogger(log)))
			if err != nil && ctx.Err() == nil {
				return WrapExitError(ExitFailure, "relay error", err)
			}
			log.Info("relay stopped gracefully")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to relay_addr from config)")
	return cmd
}

// signalContext is cancelled on SIGINT/SIGTERM or when parent is done.
func signalContext(parent context.Context, rootOpts *RootOptions) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			rootOpts.logger().Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
