package recon

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/tillsync/internal/pos"
)

// RefundMethod is the synthetic payment method refunds are reported under.
// Its Received is negative: cash given back.
const RefundMethod = "refund"

// UnknownMethod is used for records without a payment method.
const UnknownMethod = "unknown"

// Tolerance is the largest discrepancy the reconciliation identity allows.
var Tolerance = decimal.New(1, -2)

// WarningCode identifies a report warning.
type WarningCode string

const (
	// WarnInvariantViolated means received + remaining differs from
	// sales - refunds by more than Tolerance.
	WarnInvariantViolated WarningCode = "INVARIANT_VIOLATED"
	// WarnUnreconciledRecords means some records could not be read and
	// contributed nothing.
	WarnUnreconciledRecords WarningCode = "UNRECONCILED_RECORDS"
	// WarnDuplicateID means two records share an identifier.
	WarnDuplicateID WarningCode = "DUPLICATE_ID"
)

// Warning is a diagnosable discrepancy attached to a report.
type Warning struct {
	Code      WarningCode `json:"code"`
	Message   string      `json:"message"`
	RecordIDs []string    `json:"record_ids,omitempty"`
}

// Counts are invoice counts by disposition. Discounted overlaps the others.
type Counts struct {
	Complete   int `json:"complete"`
	Partial    int `json:"partial"`
	Refund     int `json:"refund"`
	Discounted int `json:"discounted"`
}

// MethodTotals are the totals for one payment method.
type MethodTotals struct {
	Received  pos.Amount `json:"received"`
	Remaining pos.Amount `json:"remaining"`
	Count     int        `json:"count"`
}

// Report is the financial summary of a set of records.
type Report struct {
	TotalInvoices  int                     `json:"total_invoices"`
	Reconciled     int                     `json:"reconciled"`
	Malformed      int                     `json:"malformed"`
	TotalSales     pos.Amount              `json:"total_sales"`
	GrossReceived  pos.Amount              `json:"gross_received"`
	TotalReceived  pos.Amount              `json:"total_received"`
	TotalRemaining pos.Amount              `json:"total_remaining"`
	TotalRefunds   pos.Amount              `json:"total_refunds"`
	TotalDiscounts pos.Amount              `json:"total_discounts"`
	TotalTax       pos.Amount              `json:"total_tax"`
	Counts         Counts                  `json:"counts"`
	ByMethod       map[string]MethodTotals `json:"by_method"`
	Warnings       []Warning               `json:"warnings,omitempty"`
}

// HasWarning reports whether the report carries a warning with code.
func (r Report) HasWarning(code WarningCode) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// Discrepancy returns (received + remaining) - (sales - refunds).
func (r Report) Discrepancy() decimal.Decimal {
	lhs := r.TotalReceived.Decimal().Add(r.TotalRemaining.Decimal())
	rhs := r.TotalSales.Decimal().Sub(r.TotalRefunds.Decimal())
	return lhs.Sub(rhs)
}

// ExpectedCash is the drawer balance the operator should count:
// opening + GrossReceived - TotalRefunds.
func ExpectedCash(opening decimal.Decimal, r Report) decimal.Decimal {
	return opening.Add(r.GrossReceived.Decimal()).Sub(r.TotalRefunds.Decimal())
}

// NormalizeMethod folds a payment method name so spelling variants share a
// bucket. Empty names become UnknownMethod.
func NormalizeMethod(m string) string {
	m = strings.TrimSpace(norm.NFC.String(m))
	if m == "" {
		return UnknownMethod
	}
	return cases.Fold().String(m)
}

// accumulator holds running decimal totals.
type accumulator struct {
	report   Report
	sales    decimal.Decimal
	received decimal.Decimal
	remain   decimal.Decimal
	refunds  decimal.Decimal
	disc     decimal.Decimal
	tax      decimal.Decimal
	methods  map[string]*methodAcc
	seen     map[string]int
}

type methodAcc struct {
	received, remaining decimal.Decimal
	count               int
}

func newAccumulator() *accumulator {
	return &accumulator{
		methods: make(map[string]*methodAcc),
		seen:    make(map[string]int),
	}
}

func (a *accumulator) method(name string) *methodAcc {
	m, ok := a.methods[name]
	if !ok {
		m = &methodAcc{}
		a.methods[name] = m
	}
	return m
}

func (a *accumulator) malformed() {
	a.report.TotalInvoices++
	a.report.Malformed++
}

func (a *accumulator) add(r pos.SaleRecord) {
	a.report.TotalInvoices++
	if r.ID != "" {
		a.seen[r.ID]++
	}
	if !r.Valid() {
		a.report.Malformed++
		return
	}
	a.report.Reconciled++

	d := Classify(r)
	if r.Disposition != nil {
		d = *r.Disposition
	}

	if d.IsRefund() {
		amount := d.Refund.Decimal()
		a.refunds = a.refunds.Add(amount)
		a.report.Counts.Refund++
		m := a.method(RefundMethod)
		m.received = m.received.Sub(amount)
		m.count++
		return
	}

	a.sales = a.sales.Add(r.Total.Decimal())
	a.received = a.received.Add(d.Paid.Decimal())
	a.remain = a.remain.Add(d.Remaining.Decimal())
	if d.Kind == pos.KindPartial {
		a.report.Counts.Partial++
	} else {
		a.report.Counts.Complete++
	}

	m := a.method(NormalizeMethod(r.PaymentMethod))
	m.received = m.received.Add(d.Paid.Decimal())
	m.remaining = m.remaining.Add(d.Remaining.Decimal())
	m.count++

	if r.Discount != nil {
		if v := r.Discount.Value(r.Subtotal.Decimal()); v.IsPositive() {
			a.disc = a.disc.Add(v)
			a.report.Counts.Discounted++
		}
	}
	if r.Tax != nil {
		a.tax = a.tax.Add(r.Tax.Amount.Decimal())
	}
}

func (a *accumulator) finish() Report {
	r := a.report
	r.TotalSales = pos.NewAmount(a.sales)
	r.GrossReceived = pos.NewAmount(a.received)
	r.TotalReceived = pos.NewAmount(a.received.Sub(a.refunds))
	r.TotalRemaining = pos.NewAmount(a.remain)
	r.TotalRefunds = pos.NewAmount(a.refunds)
	r.TotalDiscounts = pos.NewAmount(a.disc)
	r.TotalTax = pos.NewAmount(a.tax)

	r.ByMethod = make(map[string]MethodTotals, len(a.methods))
	for name, m := range a.methods {
		r.ByMethod[name] = MethodTotals{
			Received:  pos.NewAmount(m.received),
			Remaining: pos.NewAmount(m.remaining),
			Count:     m.count,
		}
	}

	if diff := r.Discrepancy(); diff.Abs().GreaterThan(Tolerance) {
		r.Warnings = append(r.Warnings, Warning{
			Code: WarnInvariantViolated,
			Message: fmt.Sprintf("received %s + remaining %s differs from sales %s - refunds %s by %s",
				r.TotalReceived, r.TotalRemaining, r.TotalSales, r.TotalRefunds, diff.StringFixed(2)),
		})
	}
	if r.Malformed > 0 {
		r.Warnings = append(r.Warnings, Warning{
			Code:    WarnUnreconciledRecords,
			Message: fmt.Sprintf("%d of %d invoices could not be reconciled", r.Malformed, r.TotalInvoices),
		})
	}

	var dups []string
	for id, n := range a.seen {
		if n > 1 {
			dups = append(dups, id)
		}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		r.Warnings = append(r.Warnings, Warning{
			Code:      WarnDuplicateID,
			Message:   fmt.Sprintf("%d invoice ids are used by more than one record", len(dups)),
			RecordIDs: dups,
		})
	}
	return r
}

// Compute reconciles records. The result does not depend on record order.
func Compute(records []pos.SaleRecord) Report {
	a := newAccumulator()
	for _, r := range records {
		a.add(r)
	}
	return a.finish()
}

// ComputeRaw reconciles stored records. A record that does not decode at
// all counts as a malformed invoice.
func ComputeRaw(records []json.RawMessage) Report {
	a := newAccumulator()
	for _, raw := range records {
		var r pos.SaleRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			a.malformed()
			continue
		}
		a.add(r)
	}
	return a.finish()
}
