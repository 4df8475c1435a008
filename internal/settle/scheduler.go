package settle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgemarket/trade-engine/internal/metrics"
	"github.com/edgemarket/trade-engine/internal/model"
	"github.com/edgemarket/trade-engine/internal/registry"
	"github.com/edgemarket/trade-engine/internal/store"
)

// Scheduler fires settlements when contracts expire. It rebuilds its view
// of active contracts from the store on startup, settles the backlog, and
// then sweeps the due-index on a fixed interval. A contract is never
// settled before its expiry instant.
type Scheduler struct {
	registry *registry.Registry
	engine   *Engine
	store    store.Store
	interval time.Duration
}

// NewScheduler wires a scheduler. Interval is the sweep period; the
// platform runs at one second.
func NewScheduler(reg *registry.Registry, eng *Engine, st store.Store, interval time.Duration) *Scheduler {
	return &Scheduler{
		registry: reg,
		engine:   eng,
		store:    st,
		interval: interval,
	}
}

// Recover rebuilds in-memory state after a restart. Contracts found in
// Settling were interrupted mid-flow and resume the engine directly,
// skipping the Open → Settling transition they already made. Open contracts
// rejoin the due-index; overdue ones fire on the first sweep. An Open row
// whose stake was never debited (crash between persisting the contract and
// the TradeOpen entry) is unwound, never indexed: settling it would pay out
// money that was never staked.
func (s *Scheduler) Recover(ctx context.Context) error {
	settling, err := s.store.ListContractsByState(ctx, model.StateSettling)
	if err != nil {
		return fmt.Errorf("recover settling contracts: %w", err)
	}
	for i := range settling {
		c := settling[i]
		slog.Info("resuming interrupted settlement", "contract", c.ID, "user", c.UserID)
		go func() {
			if err := s.engine.Resume(ctx, &c); err != nil {
				slog.Error("resume failed", "contract", c.ID, "err", err)
			}
		}()
	}

	open, err := s.store.ListContractsByState(ctx, model.StateOpen)
	if err != nil {
		return fmt.Errorf("recover open contracts: %w", err)
	}
	indexed := 0
	for i := range open {
		c := &open[i]
		debited, derr := s.stakeDebited(ctx, c.ID)
		if derr != nil {
			return fmt.Errorf("recover open contracts: %w", derr)
		}
		if !debited {
			slog.Warn("unwinding contract with no staked debit",
				"contract", c.ID, "user", c.UserID)
			if err := s.store.DeleteContract(ctx, c.ID); err != nil {
				return fmt.Errorf("unwind undebited contract %s: %w", c.ID, err)
			}
			continue
		}
		s.registry.Load(c)
		indexed++
	}
	metrics.OpenContracts.Set(float64(s.registry.OpenCount()))

	slog.Info("contract recovery complete", "open", indexed, "settling", len(settling))
	return nil
}

// stakeDebited reports whether the contract's TradeOpen entry made it into
// the ledger.
func (s *Scheduler) stakeDebited(ctx context.Context, contractID string) (bool, error) {
	entries, err := s.store.LedgerByContract(ctx, contractID)
	if err != nil {
		return false, err
	}
	for i := range entries {
		if entries[i].Kind == model.KindTradeOpen {
			return true, nil
		}
	}
	return false, nil
}

// Run recovers state and then sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return err
	}
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep settles everything due. Each contract gets its own goroutine so a
// slow price lookup never delays the rest of the batch; Settle is
// idempotent, so a contract picked up by two consecutive sweeps settles
// once.
func (s *Scheduler) sweep(ctx context.Context) {
	due := s.registry.DueBefore(time.Now().UTC())
	for _, c := range due {
		c := c
		go func() {
			if err := s.engine.Settle(ctx, c.ID); err != nil {
				slog.Error("settlement failed", "contract", c.ID, "err", err)
			}
		}()
	}
}
