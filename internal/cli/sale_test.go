package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/pos"
	"github.com/roach88/tillsync/internal/shift"
)

func TestParseItem(t *testing.T) {
	tests := []struct {
		in    string
		name  string
		price string
		qty   string
	}{
		{"mug:12", "mug", "12.00", "1.00"},
		{"mug:12:3", "mug", "12.00", "3.00"},
		{"tea box:7.5:0.5", "tea box", "7.50", "0.50"},
		{"cable: usb-c:9", "cable: usb-c", "9.00", "1.00"},
		{"ratio 1:2:4:2", "ratio 1:2", "4.00", "2.00"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			li, err := parseItem(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.name, li.Name)
			assert.Equal(t, tt.price, li.UnitPrice.String())
			assert.Equal(t, tt.qty, li.Quantity.String())
		})
	}
}

func TestParseItem_Invalid(t *testing.T) {
	for _, in := range []string{"mug", ":12", "mug:cheap", "mug:abc:def"} {
		t.Run(in, func(t *testing.T) {
			_, err := parseItem(in)
			assert.Error(t, err)
		})
	}
}

func TestParseDiscount(t *testing.T) {
	d, err := parseDiscount("10%")
	require.NoError(t, err)
	assert.Equal(t, pos.DiscountPercentage, d.Kind)
	assert.Equal(t, "10.00", d.Amount.String())

	d, err = parseDiscount(" 5 ")
	require.NoError(t, err)
	assert.Equal(t, pos.DiscountFixed, d.Kind)
	assert.Equal(t, "5.00", d.Amount.String())

	_, err = parseDiscount("-5")
	assert.Error(t, err)
	_, err = parseDiscount("some%")
	assert.Error(t, err)
}

func TestSaleAdd_Pricing(t *testing.T) {
	db := testDB(t)
	var sh shift.Shift
	mustRunJSON(t, db, &sh, "shift", "start", "--operator", "amira")

	var rec pos.SaleRecord
	mustRunJSON(t, db, &rec, "sale", "add", "--shift", sh.ID,
		"--item", "mug:12:2", "--item", "tea:6",
		"--discount", "10%", "--tax-rate", "15", "--method", "card")

	assert.Equal(t, "30.00", rec.Subtotal.String())
	require.NotNil(t, rec.Discount)
	assert.Equal(t, pos.DiscountPercentage, rec.Discount.Kind)
	require.NotNil(t, rec.Tax)
	assert.Equal(t, "4.05", rec.Tax.Amount.String())
	assert.Equal(t, "31.05", rec.Total.String())
	require.NotNil(t, rec.Disposition)
	assert.Equal(t, pos.KindSale, rec.Disposition.Kind)
}

func TestSaleAdd_TextOutput(t *testing.T) {
	db := testDB(t)
	var sh shift.Shift
	mustRunJSON(t, db, &sh, "shift", "start", "--operator", "amira")

	out, err := execute(t.Context(), "--db", db, "sale", "add", "--shift", sh.ID,
		"--item", "sofa:800", "--down-payment", "500", "--method", "wallet")
	require.NoError(t, err)
	assert.Equal(t, "INV-00000001 partial total 800.00 via wallet (paid 500.00, remaining 300.00)\n", out)
}

func TestSaleAdd_Rejected(t *testing.T) {
	db := testDB(t)
	var sh shift.Shift
	mustRunJSON(t, db, &sh, "shift", "start", "--operator", "amira")

	tests := []struct {
		name string
		args []string
		code string
	}{
		{"down_payment_exceeds_total", []string{"--shift", sh.ID, "--item", "mug:12", "--down-payment", "20"}, "INVALID_INPUT"},
		{"unknown_shift", []string{"--shift", "SHF-00000099", "--item", "mug:12"}, "SHIFT_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := runJSON(t, db, nil, append([]string{"sale", "add"}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestSaleAdd_BadFlags(t *testing.T) {
	db := testDB(t)
	tests := []struct {
		name string
		args []string
	}{
		{"bad_item", []string{"--item", "mug"}},
		{"bad_discount", []string{"--item", "mug:12", "--discount", "lots"}},
		{"bad_tax", []string{"--item", "mug:12", "--tax-rate", "x"}},
		{"bad_down_payment", []string{"--item", "mug:12", "--down-payment", "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--db", db, "sale", "add", "--shift", "SHF-00000001"}, tt.args...)
			_, err := execute(t.Context(), args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestSaleAdd_OnClosedShift(t *testing.T) {
	db := testDB(t)
	var sh shift.Shift
	mustRunJSON(t, db, &sh, "shift", "start", "--operator", "amira")
	mustRunJSON(t, db, nil, "shift", "end", "--id", sh.ID)

	resp, err := runJSON(t, db, nil, "sale", "add", "--shift", sh.ID, "--item", "mug:12")
	require.Error(t, err)
	assert.Equal(t, "SHIFT_COMPLETED", resp.Error.Code)
}

func TestRefund(t *testing.T) {
	db := testDB(t)
	var sh shift.Shift
	var sale, refund pos.SaleRecord
	mustRunJSON(t, db, &sh, "shift", "start", "--operator", "amira")
	mustRunJSON(t, db, &sale, "sale", "add", "--shift", sh.ID, "--item", "mug:12", "--method", "card")

	resp, err := runJSON(t, db, nil, "refund", "--shift", sh.ID, "--amount", "20", "--original", sale.ID)
	require.Error(t, err)
	assert.Equal(t, "INVALID_INPUT", resp.Error.Code)

	resp, err = runJSON(t, db, nil, "refund", "--shift", sh.ID, "--amount", "5", "--original", "INV-00000042")
	require.Error(t, err)
	assert.Equal(t, "INVALID_INPUT", resp.Error.Code)

	mustRunJSON(t, db, &refund, "refund", "--shift", sh.ID, "--amount", "12", "--original", sale.ID)
	assert.True(t, refund.IsRefund)
	assert.Equal(t, "card", refund.PaymentMethod)
	assert.Equal(t, sale.ID, refund.OriginalID)
	require.NotNil(t, refund.Disposition)
	assert.True(t, refund.Disposition.IsRefund())

	_, err = execute(t.Context(), "--db", db, "refund", "--shift", sh.ID, "--amount", "twelve")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
