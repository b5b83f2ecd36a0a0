package recon

import (
	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/pos"
)

// Classify decides how a record counts.
//
// A record is a refund when any refund signal is present: the refund flag,
// a negative total, a positive refund amount, or negative line items. The
// refunded amount is the largest amount implied by those signals, so a
// refund marked several ways is counted once.
//
// Other records are partial sales when 0 < down payment < total, otherwise
// fully paid sales.
func Classify(r pos.SaleRecord) pos.Disposition {
	if refund, ok := refundAmount(r); ok {
		return pos.Refund(refund)
	}

	total := r.Total.Decimal()
	if r.DownPayment != nil {
		dp := r.DownPayment.Amount.Decimal()
		if dp.IsPositive() && dp.LessThan(total) {
			return pos.PartialSale(dp, total.Sub(dp))
		}
	}
	return pos.Sale(total)
}

// refundAmount returns the refund implied by r and whether r is a refund.
func refundAmount(r pos.SaleRecord) (decimal.Decimal, bool) {
	var (
		isRefund bool
		amount   decimal.Decimal
	)
	consider := func(d decimal.Decimal) {
		isRefund = true
		if d.GreaterThan(amount) {
			amount = d
		}
	}

	total := r.Total.Decimal()
	if r.IsRefund {
		consider(total.Abs())
	}
	if total.IsNegative() {
		consider(total.Abs())
	}
	if r.RefundAmount != nil && r.RefundAmount.IsPositive() {
		consider(r.RefundAmount.Decimal())
	}
	var negative decimal.Decimal
	for _, li := range r.Items {
		if t := li.Total(); t.IsNegative() {
			negative = negative.Add(t.Abs())
		}
	}
	if negative.IsPositive() {
		consider(negative)
	}
	return amount, isRefund
}
