package cli

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/app"
)

// NewShiftCommand creates the shift command group.
func NewShiftCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shift",
		Short: "Open, close and inspect shifts",
	}
	cmd.AddCommand(newShiftStartCommand(rootOpts))
	cmd.AddCommand(newShiftEndCommand(rootOpts))
	cmd.AddCommand(newShiftStatusCommand(rootOpts))
	cmd.AddCommand(newShiftReportCommand(rootOpts))
	return cmd
}

func newShiftStartCommand(rootOpts *RootOptions) *cobra.Command {
	var operator, opening string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open a shift for an operator",
		Example: `  tillsync shift start --operator amira --opening 100
  tillsync --format json shift start --operator omar`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseMoney("opening", opening)
			if err != nil {
				return err
			}
			out := rootOpts.printer(cmd)
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				sh, err := a.Shifts.Start(ctx, operator, amount)
				if err != nil {
					return out.Fail("failed to start shift", err)
				}
				return out.Print(shiftView{sh})
			})
		},
	}

	cmd.Flags().StringVar(&operator, "operator", "", "operator name (required)")
	cmd.Flags().StringVar(&opening, "opening", "0", "counted opening cash")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newShiftEndCommand(rootOpts *RootOptions) *cobra.Command {
	var id, closing, notes string

	cmd := &cobra.Command{
		Use:   "end",
		Short: "Close a shift and freeze its report",
		Long: `Close a shift. The reconciliation report is computed and stored with the
shift, and the expected drawer cash is opening + received - refunds. When
--closing is given the counted difference is recorded too.`,
		Example: `  tillsync shift end --id SHF-00000001 --closing 540 --notes "short 10"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var counted *decimal.Decimal
			if cmd.Flags().Changed("closing") {
				d, err := parseMoney("closing", closing)
				if err != nil {
					return err
				}
				counted = &d
			}
			out := rootOpts.printer(cmd)
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				sh, err := a.Shifts.End(ctx, id, counted, notes)
				if err != nil {
					return out.Fail("failed to end shift", err)
				}
				if sh.Report != nil {
					for _, w := range sh.Report.Warnings {
						out.Notef("warning %s: %s", w.Code, w.Message)
					}
				}
				return out.Print(shiftView{sh})
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "shift id (required)")
	cmd.Flags().StringVar(&closing, "closing", "", "counted closing cash")
	cmd.Flags().StringVar(&notes, "notes", "", "closing notes")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newShiftStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var operator string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the open shift of an operator",
		Long:  "Show the open shift of an operator, or any open shift when --operator is omitted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.printer(cmd)
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				sh, err := a.Shifts.Active(ctx, operator)
				if err != nil {
					return out.Fail("no open shift", err)
				}
				return out.Print(shiftView{sh})
			})
		},
	}

	cmd.Flags().StringVar(&operator, "operator", "", "operator name")
	return cmd
}

func newShiftReportCommand(rootOpts *RootOptions) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the reconciliation report of a shift",
		Long: `Print the reconciliation report of a shift: the frozen report of a
completed shift, or a live one computed from the current records.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.printer(cmd)
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Shifts.Report(ctx, id)
				if err != nil {
					return out.Fail("failed to build report", err)
				}
				return out.Print(reportView{ShiftID: id, Report: report})
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "shift id (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// parseMoney parses a decimal flag value.
func parseMoney(flag, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, WrapExitError(ExitCommandError, fmt.Sprintf("invalid --%s %q", flag, s), err)
	}
	return d, nil
}
