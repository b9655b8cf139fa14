package currency

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coinblend/mixcore/internal/mixerr"
)

// Round quantises an amount to the currency's scale using banker's rounding.
func Round(c Currency, amount decimal.Decimal) decimal.Decimal {
	return amount.RoundBank(MustGet(c).Scale)
}

// ComputeFee derives the fee for an input amount at the given fee percentage,
// rounded half-even to the currency scale. feePercent is expressed as a
// percentage (0.5 means 0.5%).
func ComputeFee(c Currency, input, feePercent decimal.Decimal) decimal.Decimal {
	fee := input.Mul(feePercent).Div(decimal.NewFromInt(100))
	return fee.RoundBank(MustGet(c).Scale)
}

// InRange reports whether an input amount lies within the currency's
// configured minimum and maximum.
func InRange(c Currency, amount decimal.Decimal) bool {
	info := MustGet(c)
	return amount.Cmp(info.MinAmount) >= 0 && amount.Cmp(info.MaxAmount) <= 0
}

// PercentageSumTolerance is the permitted deviation of an output
// configuration's percentage sum from 100.
var PercentageSumTolerance = dec("0.01")

// OutputShare is one entry of an output configuration for splitting.
type OutputShare struct {
	Address    string
	Percentage decimal.Decimal
}

// ValidateShares checks that a split configuration is non-empty and that the
// percentages sum to 100 within tolerance.
func ValidateShares(shares []OutputShare) error {
	if len(shares) == 0 {
		return mixerr.Validation("output configuration must not be empty")
	}
	sum := decimal.Zero
	for _, s := range shares {
		if s.Address == "" {
			return mixerr.Validation("output entry missing address")
		}
		if s.Percentage.Sign() <= 0 {
			return mixerr.Validation("output percentage must be positive").
				WithDetail("address", s.Address)
		}
		sum = sum.Add(s.Percentage)
	}
	if sum.Sub(decimal.NewFromInt(100)).Abs().Cmp(PercentageSumTolerance) > 0 {
		return mixerr.Validation("output percentages must sum to 100").
			WithDetail("sum", sum.String())
	}
	return nil
}

// Split divides total across the shares. Each output is rounded down to the
// currency scale and the rounding remainder is assigned to the output with
// the highest percentage, ties broken by lexicographic address order. The
// returned amounts sum to total exactly.
func Split(c Currency, total decimal.Decimal, shares []OutputShare) ([]decimal.Decimal, error) {
	if err := ValidateShares(shares); err != nil {
		return nil, err
	}
	scale := MustGet(c).Scale
	hundred := decimal.NewFromInt(100)

	amounts := make([]decimal.Decimal, len(shares))
	allocated := decimal.Zero
	for i, s := range shares {
		amounts[i] = total.Mul(s.Percentage).Div(hundred).RoundDown(scale)
		allocated = allocated.Add(amounts[i])
	}

	remainder := total.Sub(allocated)
	if remainder.Sign() != 0 {
		idx := 0
		for i := 1; i < len(shares); i++ {
			switch shares[i].Percentage.Cmp(shares[idx].Percentage) {
			case 1:
				idx = i
			case 0:
				if shares[i].Address < shares[idx].Address {
					idx = i
				}
			}
		}
		amounts[idx] = amounts[idx].Add(remainder)
	}
	return amounts, nil
}

// SortSharesByPercentage returns a copy of shares ordered highest percentage
// first, ties by address. Settlement materialises obligations in this order
// so output indexes are deterministic regardless of how the caller arranged
// the configuration.
func SortSharesByPercentage(shares []OutputShare) []OutputShare {
	out := make([]OutputShare, len(shares))
	copy(out, shares)
	sort.SliceStable(out, func(i, j int) bool {
		switch out[i].Percentage.Cmp(out[j].Percentage) {
		case 1:
			return true
		case -1:
			return false
		}
		return out[i].Address < out[j].Address
	})
	return out
}
