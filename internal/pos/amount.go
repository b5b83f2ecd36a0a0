package pos

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a lenient decimal used for money, rates and quantities.
//
// The zero value is a valid zero. An Amount decoded from a value that is not
// a number is invalid: it reads as zero and keeps the original JSON so the
// record round-trips unchanged.
type Amount struct {
	d   decimal.Decimal
	raw json.RawMessage // original text of an invalid amount
}

// Zero is the valid zero amount.
var Zero = Amount{}

// NewAmount returns the amount for d.
func NewAmount(d decimal.Decimal) Amount { return Amount{d: d} }

// Int returns the amount for a whole number.
func Int(n int64) Amount { return Amount{d: decimal.NewFromInt(n)} }

// ParseAmount parses a decimal string such as "12.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{d: d}, nil
}

// MustAmount is ParseAmount for literals. Panics on error.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Valid reports whether the amount decoded as a number.
func (a Amount) Valid() bool { return a.raw == nil }

// Decimal returns the value, or zero when invalid.
func (a Amount) Decimal() decimal.Decimal {
	if !a.Valid() {
		return decimal.Zero
	}
	return a.d
}

// IsZero reports whether the amount reads as zero.
func (a Amount) IsZero() bool { return a.Decimal().IsZero() }

// IsNegative reports whether the amount reads below zero.
func (a Amount) IsNegative() bool { return a.Decimal().IsNegative() }

// IsPositive reports whether the amount reads above zero.
func (a Amount) IsPositive() bool { return a.Decimal().IsPositive() }

// String formats the amount with two decimals, or the raw text when invalid.
func (a Amount) String() string {
	if !a.Valid() {
		return string(a.raw)
	}
	return a.d.StringFixed(2)
}

// MarshalJSON writes the amount as a JSON number. Invalid amounts are
// written back as they were read.
func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.Valid() {
		return a.raw, nil
	}
	return []byte(a.d.String()), nil
}

// UnmarshalJSON accepts numbers and numeric strings. Anything else yields
// an invalid amount rather than an error. null and "" decode as zero.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*a = Amount{}

	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	text := string(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			a.raw = append(json.RawMessage(nil), data...)
			return nil
		}
		text = strings.TrimSpace(s)
		if text == "" {
			return nil
		}
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		a.raw = append(json.RawMessage(nil), data...)
		return nil
	}
	a.d = d
	return nil
}
