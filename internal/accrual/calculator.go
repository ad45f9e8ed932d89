// Package accrual converts principal and annual rates into daily interest.
// Everything here is pure decimal arithmetic with no I/O.
package accrual

import (
	"fmt"

	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
	"github.com/shopspring/decimal"
)

const (
	BpsDenominator = 10_000
	DaysPerYear    = 365

	// DefaultMaxRateBps rejects anything above 1000% APR.
	DefaultMaxRateBps = 100_000
)

var (
	dailyDenominator = decimal.NewFromInt(BpsDenominator * DaysPerYear)

	ErrNegativeRate      = apperrors.New(apperrors.ErrInvalidRequest, "rate is negative", nil)
	ErrRateTooLarge      = apperrors.New(apperrors.ErrInvalidRequest, "rate exceeds sane upper bound", nil)
	ErrNegativePrincipal = apperrors.New(apperrors.ErrInvalidRequest, "principal is negative", nil)
)

// DailyInterest returns principal * (annualRateBps/10000) / 365.
func DailyInterest(principal, annualRateBps decimal.Decimal) decimal.Decimal {
	if principal.IsZero() || annualRateBps.IsZero() {
		return decimal.Zero
	}
	return principal.Mul(annualRateBps).Div(dailyDenominator)
}

// ExcessInterest returns the part of a day's interest above the cap, or zero
// when the actual rate does not exceed it.
func ExcessInterest(principal, actualRateBps, capRateBps decimal.Decimal) decimal.Decimal {
	if actualRateBps.LessThanOrEqual(capRateBps) {
		return decimal.Zero
	}
	return DailyInterest(principal, actualRateBps).Sub(DailyInterest(principal, capRateBps))
}

// WeightedPosition is one input to WeightedRate.
type WeightedPosition struct {
	Principal decimal.Decimal
	RateBps   decimal.Decimal
}

// WeightedRate returns the principal-weighted average rate in bps.
func WeightedRate(positions []WeightedPosition) decimal.Decimal {
	total := decimal.Zero
	weighted := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Principal)
		weighted = weighted.Add(p.Principal.Mul(p.RateBps))
	}
	if total.IsZero() {
		return decimal.Zero
	}
	return weighted.Div(total)
}

// dailyUnits is the exact integer part of principal*bps/(10000*365).
func dailyUnits(principal, bps decimal.Decimal) decimal.Decimal {
	q, _ := principal.Mul(bps).QuoRem(dailyDenominator, 0)
	return q
}

// Accrual is one position's computed day, in smallest asset units.
type Accrual struct {
	Accrued       decimal.Decimal
	Excess        decimal.Decimal
	ActualRateBps decimal.Decimal
	CapRateBps    decimal.Decimal
}

type Calculator struct {
	maxRateBps decimal.Decimal
}

func NewCalculator(maxRateBps int64) *Calculator {
	if maxRateBps <= 0 {
		maxRateBps = DefaultMaxRateBps
	}
	return &Calculator{maxRateBps: decimal.NewFromInt(maxRateBps)}
}

func (c *Calculator) ValidateRate(bps decimal.Decimal) error {
	if bps.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeRate, bps)
	}
	if bps.GreaterThan(c.maxRateBps) {
		return fmt.Errorf("%w: %s > %s", ErrRateTooLarge, bps, c.maxRateBps)
	}
	return nil
}

// Accrue validates the inputs and computes the stored amounts for one day.
// Amounts are truncated toward zero to whole units; the excess is computed
// from the rate difference so it never exceeds the accrued amount.
func (c *Calculator) Accrue(principal, actualRateBps, capRateBps decimal.Decimal) (Accrual, error) {
	if principal.IsNegative() {
		return Accrual{}, fmt.Errorf("%w: %s", ErrNegativePrincipal, principal)
	}
	if err := c.ValidateRate(actualRateBps); err != nil {
		return Accrual{}, fmt.Errorf("actual rate: %w", err)
	}
	if err := c.ValidateRate(capRateBps); err != nil {
		return Accrual{}, fmt.Errorf("cap rate: %w", err)
	}

	out := Accrual{
		Accrued:       dailyUnits(principal, actualRateBps),
		Excess:        decimal.Zero,
		ActualRateBps: actualRateBps,
		CapRateBps:    capRateBps,
	}
	if actualRateBps.GreaterThan(capRateBps) {
		out.Excess = dailyUnits(principal, actualRateBps.Sub(capRateBps))
	}
	return out, nil
}
