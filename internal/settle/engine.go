// Package settle implements the settlement engine: the state machine that
// takes an expired contract through Open → Settling → Settled exactly once,
// credits winners, records losers, and survives crashes at any step.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/balance"
	"github.com/edgemarket/trade-engine/internal/event"
	"github.com/edgemarket/trade-engine/internal/metrics"
	"github.com/edgemarket/trade-engine/internal/model"
	"github.com/edgemarket/trade-engine/internal/price"
	"github.com/edgemarket/trade-engine/internal/registry"
	"github.com/edgemarket/trade-engine/internal/store"
)

// Engine settles expired contracts. Safe for concurrent use; the registry's
// MarkSettling guarantees each contract is settled by at most one caller.
type Engine struct {
	registry *registry.Registry
	ledger   *balance.Ledger
	store    store.Store
	prices   price.Source
	sink     event.Sink
	rule     *PayoutRule

	// grace is how long after expiry the engine waits for a feed tick
	// before falling back to the last known price.
	grace time.Duration

	maxRetries int
	retryBase  time.Duration

	now func() time.Time
}

// NewEngine wires a settlement engine.
func NewEngine(reg *registry.Registry, led *balance.Ledger, st store.Store, src price.Source, sink event.Sink, rule *PayoutRule, grace time.Duration, maxRetries int, retryBase time.Duration) *Engine {
	return &Engine{
		registry:   reg,
		ledger:     led,
		store:      st,
		prices:     src,
		sink:       sink,
		rule:       rule,
		grace:      grace,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Settle drives one contract through settlement. Idempotent: if the
// contract is already settling, already settled, or unknown, it returns nil
// without touching anything. Only a failed Open → Settling persist (store
// outage) returns an error, leaving the contract open for a later sweep.
func (e *Engine) Settle(ctx context.Context, id string) error {
	c, err := e.registry.MarkSettling(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrAlreadySettling) || errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}
	metrics.OpenContracts.Dec()
	return e.finish(ctx, c)
}

// Resume continues settlement of a contract recovered in the Settling
// state after a restart. It never re-runs the Open → Settling transition.
func (e *Engine) Resume(ctx context.Context, c *model.Contract) error {
	e.registry.AdoptSettling(c)
	return e.finish(ctx, c)
}

// finish runs the post-markSettling steps with bounded exponential backoff.
// Every attempt is idempotent (see settleOnce), so retrying after a partial
// failure cannot double-credit. After maxRetries the contract is left in
// Settling, flagged stalled, and picked up again by the next restart.
func (e *Engine) finish(ctx context.Context, c *model.Contract) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = e.settleOnce(ctx, c)
		if err == nil {
			return nil
		}
		if attempt >= e.maxRetries {
			break
		}
		metrics.SettlementRetries.Inc()
		slog.Warn("settlement attempt failed, retrying",
			"contract", c.ID, "attempt", attempt+1, "err", err)

		backoff := e.retryBase << uint(attempt)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	metrics.SettlementsStalled.Inc()
	slog.Error("settlement stalled, awaiting recovery", "contract", c.ID, "err", err)
	e.sink.Publish(event.Event{
		Type:       event.TypeSettlementStalled,
		ContractID: c.ID,
		UserID:     c.UserID,
		Reason:     err.Error(),
	})
	return fmt.Errorf("settle %s: stalled after %d retries: %w", c.ID, e.maxRetries, err)
}

// settleOnce performs one idempotent settlement attempt. The ledger is the
// idempotency anchor: a contract's TradeSettle entry is written at most
// once, and attempts that find it already present skip straight to
// finalization. FinalizeContract racing an earlier completed attempt
// surfaces as ErrNotFound and is treated as success.
func (e *Engine) settleOnce(ctx context.Context, c *model.Contract) error {
	entries, err := e.store.LedgerByContract(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("ledger lookup: %w", err)
	}

	var prior *model.LedgerEntry
	for i := range entries {
		if entries[i].Kind == model.KindTradeSettle {
			prior = &entries[i]
			break
		}
	}

	var outcome model.Outcome
	var exitPrice, pnl decimal.Decimal

	if prior != nil {
		// A previous attempt already applied the payout; honor its
		// outcome and only finalize. The feed history may be gone after
		// a restart, so price the record from the last known tick.
		outcome = prior.Outcome
		exitPrice, pnl = e.recoveredResult(c, outcome)
	} else {
		exitPrice, err = e.exitPrice(c)
		if err != nil {
			return err
		}
		outcome = e.rule.Outcome(c, exitPrice)

		if outcome == model.OutcomeWon {
			payout := e.rule.Payout(c.Stake)
			pnl = e.rule.Profit(c.Stake)
			_, err = e.ledger.Credit(ctx, c.UserID, model.BucketTrading, payout, balance.Op{
				Kind:       model.KindTradeSettle,
				ContractID: c.ID,
				Outcome:    model.OutcomeWon,
				Amount:     payout,
			})
		} else {
			// Stake was debited at open; record the loss without
			// moving money.
			pnl = c.Stake.Neg()
			_, err = e.ledger.Append(ctx, c.UserID, balance.Op{
				Kind:       model.KindTradeSettle,
				ContractID: c.ID,
				Outcome:    model.OutcomeLost,
				Amount:     c.Stake.Neg(),
			})
		}
		if err != nil {
			return fmt.Errorf("settlement entry: %w", err)
		}
	}

	if err := e.store.FinalizeContract(ctx, c.ID, exitPrice, outcome, pnl); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("finalize: %w", err)
		}
	}

	e.registry.Remove(c.ID)
	metrics.Settlements.WithLabelValues(string(outcome)).Inc()

	slog.Info("contract settled",
		"contract", c.ID, "user", c.UserID, "instrument", c.InstrumentID,
		"prediction", c.Prediction, "outcome", outcome,
		"entry", c.EntryPrice, "exit", exitPrice, "pnl", pnl)

	e.sink.Publish(event.Event{
		Type:         event.TypeContractSettled,
		ContractID:   c.ID,
		UserID:       c.UserID,
		InstrumentID: c.InstrumentID,
		Prediction:   string(c.Prediction),
		Stake:        c.Stake.String(),
		Outcome:      string(outcome),
		PnL:          pnl.String(),
		Price:        exitPrice.String(),
	})
	return nil
}

// exitPrice fetches the price at the contract's expiry instant. Before the
// grace window closes a missing tick is transient and retried; after it the
// engine settles from the last known price rather than holding the user's
// money indefinitely.
func (e *Engine) exitPrice(c *model.Contract) (decimal.Decimal, error) {
	p, err := e.prices.PriceAt(c.InstrumentID, c.ExpiresAt)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, model.ErrPriceUnavailable) {
		return decimal.Zero, fmt.Errorf("price lookup: %w", err)
	}
	if e.now().Before(c.ExpiresAt.Add(e.grace)) {
		return decimal.Zero, fmt.Errorf("no tick at expiry for %s yet: %w", c.InstrumentID, err)
	}

	metrics.DegradedSettlements.Inc()
	slog.Warn("settling from last known price",
		"contract", c.ID, "instrument", c.InstrumentID, "expires_at", c.ExpiresAt)

	p, cerr := e.prices.Current(c.InstrumentID)
	if cerr != nil {
		// No price at all; the entry price makes the contract a loss
		// under the price rule, which is the conservative outcome.
		return c.EntryPrice, nil
	}
	return p, nil
}

// recoveredResult reprices a contract whose payout entry survived a crash
// but whose finalization did not.
func (e *Engine) recoveredResult(c *model.Contract, outcome model.Outcome) (decimal.Decimal, decimal.Decimal) {
	var pnl decimal.Decimal
	if outcome == model.OutcomeWon {
		pnl = e.rule.Profit(c.Stake)
	} else {
		pnl = c.Stake.Neg()
	}

	exitPrice, err := e.prices.PriceAt(c.InstrumentID, c.ExpiresAt)
	if err != nil {
		if p, cerr := e.prices.Current(c.InstrumentID); cerr == nil {
			exitPrice = p
		} else {
			exitPrice = c.EntryPrice
		}
	}
	return exitPrice, pnl
}
