// Package risk enforces open-stake limits at trade intake.
//
// A user stacking timed trades on one pair carries concentrated risk; a
// user stacking them across every pair carries aggregate risk. StakeLimiter
// bounds both: the outstanding stake on any single instrument and the
// outstanding stake across all instruments.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInstrumentLimitExceeded is returned when a trade would push a
	// single instrument's outstanding stake beyond the per-instrument cap.
	ErrInstrumentLimitExceeded = errors.New("risk: per-instrument open stake limit exceeded")

	// ErrTotalLimitExceeded is returned when a trade would push the
	// aggregate outstanding stake beyond the account-wide cap.
	ErrTotalLimitExceeded = errors.New("risk: total open stake limit exceeded")
)

// StakeLimiter enforces open-stake limits per user.
type StakeLimiter struct {
	// MaxPerInstrument is the maximum outstanding stake on one instrument.
	MaxPerInstrument decimal.Decimal

	// MaxTotal is the maximum outstanding stake across all instruments.
	MaxTotal decimal.Decimal
}

// NewStakeLimiter creates a limiter with the given caps.
func NewStakeLimiter(maxPerInstrument, maxTotal decimal.Decimal) *StakeLimiter {
	return &StakeLimiter{
		MaxPerInstrument: maxPerInstrument,
		MaxTotal:         maxTotal,
	}
}

// CheckLimit validates whether opening a trade respects the caps.
//
// Parameters:
//   - instrumentID: the instrument being traded
//   - stake: the stake of the new trade
//   - existing: map of instrument id → current outstanding stake for this user
//
// Returns nil when the trade is within limits.
func (l *StakeLimiter) CheckLimit(
	instrumentID string,
	stake decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	onInstrument := existing[instrumentID].Add(stake)
	if onInstrument.GreaterThan(l.MaxPerInstrument) {
		return ErrInstrumentLimitExceeded
	}

	total := stake
	for _, s := range existing {
		total = total.Add(s)
	}
	if total.GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}

	return nil
}
