package recon

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/tillsync/internal/pos"
)

func amt(s string) pos.Amount { return pos.MustAmount(s) }

func ptr(a pos.Amount) *pos.Amount { return &a }

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		record pos.SaleRecord
		kind   pos.DispositionKind
		paid   string
		remain string
		refund string
	}{
		{
			name:   "fully paid",
			record: pos.SaleRecord{Total: amt("300")},
			kind:   pos.KindSale, paid: "300.00", remain: "0.00", refund: "0.00",
		},
		{
			name:   "down payment",
			record: pos.SaleRecord{Total: amt("500"), DownPayment: &pos.DownPayment{Amount: amt("200")}},
			kind:   pos.KindPartial, paid: "200.00", remain: "300.00", refund: "0.00",
		},
		{
			name:   "down payment covering the total is a full sale",
			record: pos.SaleRecord{Total: amt("500"), DownPayment: &pos.DownPayment{Amount: amt("500")}},
			kind:   pos.KindSale, paid: "500.00", remain: "0.00", refund: "0.00",
		},
		{
			name:   "zero down payment is a full sale",
			record: pos.SaleRecord{Total: amt("80"), DownPayment: &pos.DownPayment{Amount: amt("0")}},
			kind:   pos.KindSale, paid: "80.00", remain: "0.00", refund: "0.00",
		},
		{
			name:   "refund flag",
			record: pos.SaleRecord{IsRefund: true, Total: amt("50")},
			kind:   pos.KindRefund, paid: "0.00", remain: "0.00", refund: "50.00",
		},
		{
			name:   "negative total",
			record: pos.SaleRecord{Total: amt("-50")},
			kind:   pos.KindRefund, paid: "0.00", remain: "0.00", refund: "50.00",
		},
		{
			name:   "refund amount field",
			record: pos.SaleRecord{Total: amt("0"), RefundAmount: ptr(amt("35"))},
			kind:   pos.KindRefund, paid: "0.00", remain: "0.00", refund: "35.00",
		},
		{
			name: "negative line items",
			record: pos.SaleRecord{Items: []pos.LineItem{
				{Name: "returned mug", UnitPrice: amt("-12.5"), Quantity: amt("2")},
				{Name: "kept", UnitPrice: amt("4"), Quantity: amt("1")},
			}},
			kind: pos.KindRefund, paid: "0.00", remain: "0.00", refund: "25.00",
		},
		{
			name: "every signal at once counts the largest amount",
			record: pos.SaleRecord{
				IsRefund:     true,
				Total:        amt("-50"),
				RefundAmount: ptr(amt("50")),
				Items:        []pos.LineItem{{UnitPrice: amt("-40"), Quantity: amt("1")}},
			},
			kind: pos.KindRefund, paid: "0.00", remain: "0.00", refund: "50.00",
		},
		{
			name:   "mismatched signals take the max",
			record: pos.SaleRecord{Total: amt("-30"), RefundAmount: ptr(amt("45"))},
			kind:   pos.KindRefund, paid: "0.00", remain: "0.00", refund: "45.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.record)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.paid, d.Paid.String())
			assert.Equal(t, tt.remain, d.Remaining.String())
			assert.Equal(t, tt.refund, d.Refund.String())
		})
	}
}

func TestNormalizeMethod(t *testing.T) {
	assert.Equal(t, "cash", NormalizeMethod(" CASH "))
	assert.Equal(t, "cash", NormalizeMethod("Cash"))
	assert.Equal(t, UnknownMethod, NormalizeMethod(""))
	assert.Equal(t, "نقدي", NormalizeMethod("نقدي"))
	// Decomposed and precomposed forms share a bucket.
	assert.Equal(t, NormalizeMethod("Carte Bancaire \u00e9"), NormalizeMethod("carte bancaire e\u0301"))
}
