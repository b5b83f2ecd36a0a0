package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string

	// LookupEnv resolves TILLSYNC_* overrides. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)

	cfg config.Config
	log *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tillsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{LookupEnv: os.LookupEnv}

	cmd := &cobra.Command{
		Use:   "tillsync",
		Short: "tillsync - register sync core",
		Long: `Keeps several register windows of one point of sale in step: shared
cache, cross-process event bus, invoice numbering and shift reconciliation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.setup(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	cmd.AddCommand(NewShiftCommand(opts))
	cmd.AddCommand(NewSaleCommand(opts))
	cmd.AddCommand(NewRefundCommand(opts))
	cmd.AddCommand(NewNextIDCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewRelayCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))

	return cmd
}

// setup loads the configuration and installs the process logger on w.
func (o *RootOptions) setup(w io.Writer) error {
	lookup := o.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg, err := config.LoadWithEnv(o.ConfigPath, lookup)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	o.cfg = cfg

	level := cfg.SlogLevel()
	if o.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	o.log = slog.New(handler)
	slog.SetDefault(o.log)
	return nil
}

// logger returns the installed logger, or the default one when setup has
// not run (commands built on their own in tests).
func (o *RootOptions) logger() *slog.Logger {
	if o.log == nil {
		return slog.Default()
	}
	return o.log
}

// open starts a register process on the configured database.
func (o *RootOptions) open(ctx context.Context) (*app.App, error) {
	if o.log == nil {
		if err := o.setup(io.Discard); err != nil {
			return nil, err
		}
	}
	a, err := app.Open(ctx, o.cfg, app.WithLogger(o.logger()))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open register", err)
	}
	return a, nil
}

// printer builds the result printer for cmd.
func (o *RootOptions) printer(cmd *cobra.Command) *Printer {
	return &Printer{
		JSON:    o.Format == "json",
		Out:     cmd.OutOrStdout(),
		Diag:    cmd.ErrOrStderr(),
		Verbose: o.Verbose,
	}
}

// withApp opens the register, runs fn and closes it. A close failure is
// reported only when fn succeeded.
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) (err error) {
	ctx := commandContext(cmd)
	a, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil {
			o.logger().Error("error closing register", "error", closeErr)
			if err == nil {
				err = WrapExitError(ExitCommandError, "failed to close register", closeErr)
			}
		}
	}()
	return fn(ctx, a)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
