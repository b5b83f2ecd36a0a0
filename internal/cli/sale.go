package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/pos"
	"github.com/roach88/tillsync/internal/shift"
)

// SaleOptions holds flags for the sale add command.
type SaleOptions struct {
	*RootOptions
	ShiftID     string
	Items       []string
	Method      string
	Discount    string
	TaxRate     string
	DownPayment string
	DueDate     string
}

// NewSaleCommand creates the sale command group.
func NewSaleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sale",
		Short: "Record sales",
	}
	cmd.AddCommand(newSaleAddCommand(rootOpts))
	return cmd
}

func newSaleAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SaleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a sale on an open shift",
		Long: `Record a sale on an open shift. Each --item is name:price[:qty]. A
--discount ending in % is a percentage of the subtotal, otherwise a fixed
amount. --down-payment records a partial payment; the rest stays due.`,
		Example: `  tillsync sale add --shift SHF-00000001 --item mug:12:2 --item "tea box:7.5" --method cash
  tillsync sale add --shift SHF-00000001 --item sofa:800 --down-payment 500 --due 2026-11-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, err := opts.draft()
			if err != nil {
				return err
			}
			out := rootOpts.printer(cmd)
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Shifts.RecordSale(ctx, opts.ShiftID, draft)
				if err != nil {
					return out.Fail("failed to record sale", err)
				}
				return out.Print(recordView{rec})
			})
		},
	}

	cmd.Flags().StringVar(&opts.ShiftID, "shift", "", "shift id (required)")
	cmd.Flags().StringArrayVar(&opts.Items, "item", nil, "line item name:price[:qty] (repeatable, required)")
	cmd.Flags().StringVar(&opts.Method, "method", "cash", "payment method")
	cmd.Flags().StringVar(&opts.Discount, "discount", "", "discount, e.g. 10% or 5")
	cmd.Flags().StringVar(&opts.TaxRate, "tax-rate", "0", "tax rate in percent")
	cmd.Flags().StringVar(&opts.DownPayment, "down-payment", "", "amount paid now on a partial sale")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date of the remaining amount")
	_ = cmd.MarkFlagRequired("shift")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

// draft converts the flags into a sale draft.
func (o *SaleOptions) draft() (shift.SaleDraft, error) {
	d := shift.SaleDraft{PaymentMethod: o.Method, DueDate: o.DueDate}
	for _, raw := range o.Items {
		li, err := parseItem(raw)
		if err != nil {
			return shift.SaleDraft{}, WrapExitError(ExitCommandError, "invalid --item", err)
		}
		d.Items = append(d.Items, li)
	}
	if o.Discount != "" {
		disc, err := parseDiscount(o.Discount)
		if err != nil {
			return shift.SaleDraft{}, WrapExitError(ExitCommandError, "invalid --discount", err)
		}
		d.Discount = &disc
	}
	rate, err := parseMoney("tax-rate", o.TaxRate)
	if err != nil {
		return shift.SaleDraft{}, err
	}
	d.TaxRate = rate
	if o.DownPayment != "" {
		if d.DownPayment, err = parseMoney("down-payment", o.DownPayment); err != nil {
			return shift.SaleDraft{}, err
		}
	}
	return d, nil
}

// parseItem parses name:price[:qty]. The name may itself contain colons.
func parseItem(s string) (pos.LineItem, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return pos.LineItem{}, fmt.Errorf("%q: want name:price[:qty]", s)
	}
	qty := "1"
	price := parts[len(parts)-1]
	name := strings.Join(parts[:len(parts)-1], ":")
	if len(parts) > 2 {
		if _, err := decimal.NewFromString(parts[len(parts)-2]); err == nil {
			qty = parts[len(parts)-1]
			price = parts[len(parts)-2]
			name = strings.Join(parts[:len(parts)-2], ":")
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return pos.LineItem{}, fmt.Errorf("%q: empty item name", s)
	}
	p, err := pos.ParseAmount(price)
	if err != nil {
		return pos.LineItem{}, fmt.Errorf("%q: bad price: %w", s, err)
	}
	q, err := pos.ParseAmount(qty)
	if err != nil {
		return pos.LineItem{}, fmt.Errorf("%q: bad quantity: %w", s, err)
	}
	return pos.LineItem{Name: name, UnitPrice: p, Quantity: q}, nil
}

// parseDiscount parses "10%" as a percentage and "5" as a fixed amount.
func parseDiscount(s string) (pos.Discount, error) {
	s = strings.TrimSpace(s)
	kind := pos.DiscountFixed
	if v, ok := strings.CutSuffix(s, "%"); ok {
		kind = pos.DiscountPercentage
		s = strings.TrimSpace(v)
	}
	a, err := pos.ParseAmount(s)
	if err != nil {
		return pos.Discount{}, err
	}
	if a.IsNegative() {
		return pos.Discount{}, fmt.Errorf("discount %s is negative", a)
	}
	return pos.Discount{Kind: kind, Amount: a}, nil
}

// NewRefundCommand creates the refund command.
func NewRefundCommand(rootOpts *RootOptions) *cobra.Command {
	var shiftID, amount, original, method string

	cmd := &cobra.Command{
		Use:   "refund",
		Short: "Record a refund on an open shift",
		Long: `Record a refund as its own record with a negative total. With --original
the refund cannot exceed that invoice's total and defaults to its payment
method.`,
		Example: `  tillsync refund --shift SHF-00000001 --amount 50 --original INV-00000003`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseMoney("amount", amount)
			if err != nil {
				return err
			}
			draft := shift.RefundDraft{Amount: value, OriginalID: original, PaymentMethod: method}
			out := rootOpts.printer(cmd)
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Shifts.RecordRefund(ctx, shiftID, draft)
				if err != nil {
					return out.Fail("failed to record refund", err)
				}
				return out.Print(recordView{rec})
			})
		},
	}

	cmd.Flags().StringVar(&shiftID, "shift", "", "shift id (required)")
	cmd.Flags().StringVar(&amount, "amount", "", "refunded amount (required)")
	cmd.Flags().StringVar(&original, "original", "", "invoice being refunded")
	cmd.Flags().StringVar(&method, "method", "", "payment method (defaults to the original's)")
	_ = cmd.MarkFlagRequired("shift")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
