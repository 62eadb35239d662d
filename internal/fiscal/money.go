package fiscal

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Amount is a two-decimal currency value held in integer minor units (cents).
type Amount int64

const minorUnitExp = 2

// MaxAmount is the largest magnitude a ledger column (NUMERIC(18,2)) can hold.
const MaxAmount Amount = 999_999_999_999_999_999

var (
	maxAmount = decimal.NewFromInt(int64(MaxAmount))
	minAmount = decimal.NewFromInt(-int64(MaxAmount))
	printer   = message.NewPrinter(language.English)
)

// AmountFromDecimal converts a boundary decimal into minor units. Values with
// more precision than cents are rejected rather than rounded.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	shifted := d.Shift(minorUnitExp)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: amount %s has more than two decimals", ErrInvalidInput, d.String())
	}
	if shifted.GreaterThan(maxAmount) || shifted.LessThan(minAmount) {
		return 0, fmt.Errorf("%w: amount %s out of range", ErrInvalidInput, d.String())
	}
	return Amount(shifted.IntPart()), nil
}

// InRange reports whether the amount fits the ledger columns.
func (a Amount) InRange() bool {
	return a >= -MaxAmount && a <= MaxAmount
}

// Add returns a+b, or false when either operand or the sum leaves the
// storable range.
func (a Amount) Add(b Amount) (Amount, bool) {
	if !a.InRange() || !b.InRange() {
		return 0, false
	}
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	sum := a + b
	return sum, sum.InRange()
}

// Cents builds an Amount from minor units.
func Cents(v int64) Amount {
	return Amount(v)
}

// Decimal converts the amount back to a decimal for output.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -minorUnitExp)
}

// Abs returns the absolute value.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// IsZero reports a zero amount.
func (a Amount) IsZero() bool {
	return a == 0
}

// String renders the plain decimal form, e.g. "999.50".
func (a Amount) String() string {
	return a.Decimal().StringFixed(minorUnitExp)
}

// Display renders a human-readable currency value, e.g. "$1,234.50".
func (a Amount) Display() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%s.%02d", sign, printer.Sprintf("%d", v/100), v%100)
}

// MarshalJSON emits the amount as a JSON number with two decimals.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON parses a JSON number or string through decimal.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	v, err := AmountFromDecimal(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
