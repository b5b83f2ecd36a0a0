package pos

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is one line of a sale.
type LineItem struct {
	Name      string `json:"name"`
	UnitPrice Amount `json:"unit_price"`
	Quantity  Amount `json:"quantity"`
}

// Total is unit price times quantity.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Decimal().Mul(li.Quantity.Decimal())
}

// Valid reports whether the numeric fields decoded.
func (li LineItem) Valid() bool {
	return li.UnitPrice.Valid() && li.Quantity.Valid()
}

// DiscountKind selects how Discount.Amount is applied.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

// Discount is an optional reduction applied to the subtotal.
type Discount struct {
	Kind   DiscountKind `json:"kind"`
	Amount Amount       `json:"amount"`
}

// Value returns the currency amount taken off subtotal, clamped to
// [0, subtotal].
func (d Discount) Value(subtotal decimal.Decimal) decimal.Decimal {
	var v decimal.Decimal
	switch d.Kind {
	case DiscountPercentage:
		v = subtotal.Mul(d.Amount.Decimal()).Div(decimal.NewFromInt(100))
	default:
		v = d.Amount.Decimal()
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(subtotal) && subtotal.IsPositive() {
		return subtotal
	}
	return v
}

// Tax is the tax applied after discount. Rate is a percentage.
type Tax struct {
	Rate   Amount `json:"rate"`
	Amount Amount `json:"amount"`
}

// DownPayment is a partial payment collected at sale time.
type DownPayment struct {
	Amount          Amount `json:"amount"`
	RemainingAmount Amount `json:"remaining_amount"`
	DueDate         string `json:"due_date,omitempty"`
}

// SaleRecord is one invoice: a sale, or a refund recorded as its own
// record. Records are never mutated once stored.
//
// A refund can be marked four ways: IsRefund, a negative Total, a positive
// RefundAmount, or negative line items. Records written by this module set
// IsRefund and RefundAmount; the other signals come from older data.
type SaleRecord struct {
	ID            string       `json:"id"`
	ShiftID       string       `json:"shift_id"`
	Items         []LineItem   `json:"items"`
	Subtotal      Amount       `json:"subtotal"`
	Discount      *Discount    `json:"discount,omitempty"`
	Tax           *Tax         `json:"tax,omitempty"`
	DownPayment   *DownPayment `json:"down_payment,omitempty"`
	Total         Amount       `json:"total"`
	PaymentMethod string       `json:"payment_method"`
	CreatedAt     time.Time    `json:"created_at"`

	IsRefund     bool    `json:"is_refund,omitempty"`
	RefundAmount *Amount `json:"refund_amount,omitempty"`
	OriginalID   string  `json:"original_id,omitempty"`

	// Disposition is decided once when the record is ingested.
	Disposition *Disposition `json:"disposition,omitempty"`
}

// Valid reports whether every numeric field decoded.
func (r SaleRecord) Valid() bool {
	if !r.Subtotal.Valid() || !r.Total.Valid() {
		return false
	}
	for _, li := range r.Items {
		if !li.Valid() {
			return false
		}
	}
	if r.Discount != nil && !r.Discount.Amount.Valid() {
		return false
	}
	if r.Tax != nil && (!r.Tax.Rate.Valid() || !r.Tax.Amount.Valid()) {
		return false
	}
	if r.DownPayment != nil && (!r.DownPayment.Amount.Valid() || !r.DownPayment.RemainingAmount.Valid()) {
		return false
	}
	if r.RefundAmount != nil && !r.RefundAmount.Valid() {
		return false
	}
	return true
}

// DispositionKind tags a Disposition.
type DispositionKind string

const (
	KindSale    DispositionKind = "sale"
	KindPartial DispositionKind = "partial"
	KindRefund  DispositionKind = "refund"
)

// Disposition is how a record counts in reconciliation.
//
//   - sale: Paid is the full total.
//   - partial: Paid is the down payment, Remaining the balance due.
//   - refund: Refund is the cash given back.
type Disposition struct {
	Kind      DispositionKind `json:"kind"`
	Paid      Amount          `json:"paid"`
	Remaining Amount          `json:"remaining"`
	Refund    Amount          `json:"refund"`
}

// Sale returns a fully paid disposition.
func Sale(paid decimal.Decimal) Disposition {
	return Disposition{Kind: KindSale, Paid: NewAmount(paid)}
}

// PartialSale returns a down-payment disposition.
func PartialSale(paid, remaining decimal.Decimal) Disposition {
	return Disposition{Kind: KindPartial, Paid: NewAmount(paid), Remaining: NewAmount(remaining)}
}

// Refund returns a refund disposition.
func Refund(amount decimal.Decimal) Disposition {
	return Disposition{Kind: KindRefund, Refund: NewAmount(amount)}
}

// IsRefund reports whether the disposition is a refund.
func (d Disposition) IsRefund() bool { return d.Kind == KindRefund }
