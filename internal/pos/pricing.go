package pos

import "github.com/shopspring/decimal"

// Totals is the price breakdown of a sale.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// Price computes subtotal, discount, tax and total. Tax is charged on the
// discounted subtotal at taxRate percent. Money values are rounded to
// cents.
func Price(items []LineItem, discount *Discount, taxRate decimal.Decimal) Totals {
	var t Totals
	for _, li := range items {
		t.Subtotal = t.Subtotal.Add(li.Total())
	}
	t.Subtotal = t.Subtotal.Round(2)
	if discount != nil {
		t.Discount = discount.Value(t.Subtotal).Round(2)
	}
	net := t.Subtotal.Sub(t.Discount)
	if taxRate.IsPositive() {
		t.Tax = net.Mul(taxRate).Div(decimal.NewFromInt(100)).Round(2)
	}
	t.Total = net.Add(t.Tax)
	return t
}
