package currency

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vpagate/vpagate/internal/domain"
)

// minorExponent maps currency codes to the number of decimal places in
// their minor unit.
var minorExponent = map[string]int32{
	"INR": 2, // Indian Rupee (paise)
	"USD": 2,
	"KES": 2,
	"NGN": 2,
	"ZAR": 2,
	"JPY": 0,
	"BHD": 3,
}

// Supported reports whether the currency code is known.
func Supported(currency string) bool {
	_, ok := minorExponent[currency]
	return ok
}

// ToMinor converts an amount to integer minor units (e.g. rupees to paise).
// Amounts carrying more precision than the currency allows are rejected
// rather than rounded.
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	exp, ok := minorExponent[currency]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported currency: %s", domain.ErrValidation, currency)
	}
	shifted := amount.Shift(exp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places for %s",
			domain.ErrValidation, amount, exp, currency)
	}
	return shifted.IntPart(), nil
}

// FromMinor converts integer minor units back to a decimal amount.
func FromMinor(minor int64, currency string) (decimal.Decimal, error) {
	exp, ok := minorExponent[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: unsupported currency: %s", domain.ErrValidation, currency)
	}
	return decimal.New(minor, -exp), nil
}
