package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/pos"
	"github.com/roach88/tillsync/internal/recon"
	"github.com/roach88/tillsync/internal/shift"
)

// shiftView renders a shift for text output and marshals as the shift
// itself.
type shiftView struct {
	shift.Shift
}

func (v shiftView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Shift %s (%s) %s\n", v.ID, v.Operator, v.Status)
	fmt.Fprintf(&b, "  started:  %s\n", v.StartedAt.Format(time.RFC3339))
	if v.EndedAt != nil {
		fmt.Fprintf(&b, "  ended:    %s\n", v.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "  records:  %d\n", len(v.RecordIDs))
	d := v.CashDrawer
	fmt.Fprintf(&b, "  opening:  %s", d.Opening)
	if d.Expected != nil {
		fmt.Fprintf(&b, "\n  expected: %s", d.Expected)
	}
	if d.Closing != nil {
		fmt.Fprintf(&b, "\n  closing:  %s", d.Closing)
	}
	if d.Difference != nil {
		fmt.Fprintf(&b, "\n  diff:     %s", d.Difference)
	}
	if v.Notes != "" {
		fmt.Fprintf(&b, "\n  notes:    %s", v.Notes)
	}
	return b.String()
}

// reportView renders a reconciliation report.
type reportView struct {
	ShiftID string       `json:"shift_id"`
	Report  recon.Report `json:"report"`
}

func (v reportView) String() string {
	r := v.Report
	var b strings.Builder
	fmt.Fprintf(&b, "Report for %s\n", v.ShiftID)
	fmt.Fprintf(&b, "  invoices:   %d (%d reconciled, %d malformed)\n", r.TotalInvoices, r.Reconciled, r.Malformed)
	fmt.Fprintf(&b, "  complete:   %d  partial: %d  refund: %d  discounted: %d\n",
		r.Counts.Complete, r.Counts.Partial, r.Counts.Refund, r.Counts.Discounted)
	fmt.Fprintf(&b, "  sales:      %s\n", r.TotalSales)
	fmt.Fprintf(&b, "  gross:      %s\n", r.GrossReceived)
	fmt.Fprintf(&b, "  refunds:    %s\n", r.TotalRefunds)
	fmt.Fprintf(&b, "  received:   %s\n", r.TotalReceived)
	fmt.Fprintf(&b, "  remaining:  %s\n", r.TotalRemaining)
	fmt.Fprintf(&b, "  discounts:  %s\n", r.TotalDiscounts)
	fmt.Fprintf(&b, "  tax:        %s", r.TotalTax)
	for _, m := range slices.Sorted(maps.Keys(r.ByMethod)) {
		t := r.ByMethod[m]
		fmt.Fprintf(&b, "\n  [%s] received %s remaining %s (%d)", m, t.Received, t.Remaining, t.Count)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "\n  WARNING %s: %s", w.Code, w.Message)
	}
	return b.String()
}

// recordView renders a stored sale or refund.
type recordView struct {
	pos.SaleRecord
}

func (v recordView) String() string {
	kind := "sale"
	if v.Disposition != nil {
		kind = string(v.Disposition.Kind)
	}
	line := fmt.Sprintf("%s %s total %s via %s", v.ID, kind, v.Total, v.PaymentMethod)
	if v.DownPayment != nil {
		line += fmt.Sprintf(" (paid %s, remaining %s)", v.DownPayment.Amount, v.DownPayment.RemainingAmount)
	}
	return line
}
