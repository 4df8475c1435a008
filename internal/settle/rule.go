package settle

import (
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/model"
)

// RuleKind selects how a contract's outcome is determined.
type RuleKind string

const (
	// RulePrice derives the outcome from realized price movement: the
	// contract wins iff the direction of exitPrice vs entryPrice matches
	// the prediction. An unchanged price loses either way.
	RulePrice RuleKind = "price"

	// RuleProbability ignores prices and draws the outcome from a
	// configured win probability. This is the legacy platform behavior
	// (a hidden 25% win rate) kept as an explicit, named rule. With a
	// fixed seed the draw sequence is deterministic.
	RuleProbability RuleKind = "probability"
)

// PayoutRule holds the settlement economics and the outcome rule.
type PayoutRule struct {
	// Ratio is the fraction of stake paid as profit on a win (0.85 means
	// stake × 1.85 returned).
	Ratio decimal.Decimal

	// ProfitOnly, when true, credits only stake × Ratio on a win instead
	// of returning the stake plus profit.
	ProfitOnly bool

	Kind           RuleKind
	WinProbability float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPayoutRule builds a rule. Seed drives the probability rule's draws;
// zero seeds from the clock.
func NewPayoutRule(ratio decimal.Decimal, profitOnly bool, kind RuleKind, winProbability float64, seed int64) *PayoutRule {
	src := rand.NewSource(seed)
	if seed == 0 {
		src = rand.NewSource(rand.Int63())
	}
	return &PayoutRule{
		Ratio:          ratio,
		ProfitOnly:     profitOnly,
		Kind:           kind,
		WinProbability: winProbability,
		rng:            rand.New(src),
	}
}

// Outcome decides won/lost for a contract given its exit price.
// Deterministic for the same inputs under RulePrice, and for the same seed
// and draw order under RuleProbability.
func (r *PayoutRule) Outcome(c *model.Contract, exitPrice decimal.Decimal) model.Outcome {
	if r.Kind == RuleProbability {
		r.mu.Lock()
		draw := r.rng.Float64()
		r.mu.Unlock()
		if draw < r.WinProbability {
			return model.OutcomeWon
		}
		return model.OutcomeLost
	}

	switch c.Prediction {
	case model.PredictUp:
		if exitPrice.GreaterThan(c.EntryPrice) {
			return model.OutcomeWon
		}
	case model.PredictDown:
		if exitPrice.LessThan(c.EntryPrice) {
			return model.OutcomeWon
		}
	}
	return model.OutcomeLost
}

// Payout is the amount credited to the trading balance on a win.
func (r *PayoutRule) Payout(stake decimal.Decimal) decimal.Decimal {
	profit := stake.Mul(r.Ratio)
	if r.ProfitOnly {
		return profit
	}
	return stake.Add(profit)
}

// Profit is the net gain on a win, reported as PnL.
func (r *PayoutRule) Profit(stake decimal.Decimal) decimal.Decimal {
	return stake.Mul(r.Ratio)
}
