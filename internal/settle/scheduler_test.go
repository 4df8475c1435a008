package settle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgemarket/trade-engine/internal/balance"
	"github.com/edgemarket/trade-engine/internal/model"
	"github.com/edgemarket/trade-engine/internal/settle"
)

func waitForState(t *testing.T, env *testEnv, id string, want model.ContractState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := env.store.GetContract(context.Background(), id)
		if err == nil && c.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	c, _ := env.store.GetContract(context.Background(), id)
	t.Fatalf("contract %s never reached %s (state %s)", id, want, c.State)
}

func TestRecover_ResumesInterruptedSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedUser(t, "gina", 100)
	c := env.openContract(t, "r1", "gina", "eurusd", model.PredictUp, 100, 1.1)
	env.feed.SetPrice("eurusd", d(1.2), time.Now().UTC())

	// Crash mid-settlement: state persisted as settling, nothing else done.
	if err := env.store.UpdateContractState(ctx, c.ID, model.StateOpen, model.StateSettling); err != nil {
		t.Fatalf("mark settling: %v", err)
	}

	// Fresh registry/scheduler as after a restart.
	sched := settle.NewScheduler(env.registry, env.engine, env.store, time.Second)
	if err := sched.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	waitForState(t, env, c.ID, model.StateSettled)

	b, _ := env.ledger.Balances(ctx, "gina")
	if !b.Trading.Equal(d(185)) {
		t.Errorf("trading balance = %s, want 185 after resumed settlement", b.Trading)
	}
	if settles := env.settleEntries(t, c.ID); len(settles) != 1 {
		t.Errorf("got %d settle entries, want 1", len(settles))
	}
}

func TestRecover_ReindexesOpenContracts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedUser(t, "hank", 100)

	// Overdue contract written straight to the store, as if the process
	// died while it was open.
	past := time.Now().UTC().Add(-time.Minute)
	c := &model.Contract{
		ID:           "r2",
		UserID:       "hank",
		InstrumentID: "eurusd",
		Prediction:   model.PredictUp,
		Stake:        d(10),
		EntryPrice:   d(1.1),
		State:        model.StateOpen,
		OpenedAt:     past.Add(-2 * time.Minute),
		ExpiresAt:    past,
	}
	if err := env.store.InsertContract(ctx, c); err != nil {
		t.Fatalf("insert contract: %v", err)
	}
	if _, err := env.ledger.Debit(ctx, "hank", model.BucketTrading, d(10), balance.Op{
		Kind:       model.KindTradeOpen,
		ContractID: c.ID,
		Amount:     d(10).Neg(),
	}); err != nil {
		t.Fatalf("debit stake: %v", err)
	}

	sched := settle.NewScheduler(env.registry, env.engine, env.store, time.Second)
	if err := sched.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	due := env.registry.DueBefore(time.Now().UTC())
	if len(due) != 1 || due[0].ID != "r2" {
		t.Fatalf("overdue contract not reindexed, due = %v", due)
	}
}

func TestRecover_UnwindsContractWithNoDebit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedUser(t, "jack", 100)
	env.feed.SetPrice("eurusd", d(1.2), time.Now().UTC())

	// Open row with no TradeOpen entry, as left by a crash between
	// persisting the contract and debiting the stake.
	past := time.Now().UTC().Add(-time.Minute)
	c := &model.Contract{
		ID:           "r4",
		UserID:       "jack",
		InstrumentID: "eurusd",
		Prediction:   model.PredictUp,
		Stake:        d(100),
		EntryPrice:   d(1.1),
		State:        model.StateOpen,
		OpenedAt:     past.Add(-2 * time.Minute),
		ExpiresAt:    past,
	}
	if err := env.store.InsertContract(ctx, c); err != nil {
		t.Fatalf("insert contract: %v", err)
	}

	sched := settle.NewScheduler(env.registry, env.engine, env.store, time.Second)
	if err := sched.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if _, err := env.store.GetContract(ctx, c.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("undebited contract still in store, err = %v", err)
	}
	if n := env.registry.OpenCount(); n != 0 {
		t.Errorf("open count = %d, want 0", n)
	}

	// A stray trigger for the unwound id must not mint a payout.
	if err := env.engine.Settle(ctx, c.ID); err != nil {
		t.Fatalf("settle of unwound contract: %v", err)
	}
	b, _ := env.ledger.Balances(ctx, "jack")
	if !b.Trading.Equal(d(100)) {
		t.Errorf("trading balance = %s, want 100 (no payout for unstaked contract)", b.Trading)
	}
	entries, _ := env.store.LedgerByContract(ctx, c.ID)
	if len(entries) != 0 {
		t.Errorf("got %d ledger entries for unwound contract, want 0", len(entries))
	}
}

func TestRecover_IsIdempotentForSettledWork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedUser(t, "iris", 100)
	c := env.openContract(t, "r3", "iris", "eurusd", model.PredictUp, 100, 1.1)
	env.feed.SetPrice("eurusd", d(1.2), time.Now().UTC())

	if err := env.engine.Settle(ctx, c.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// A second recovery pass finds nothing open or settling.
	sched := settle.NewScheduler(env.registry, env.engine, env.store, time.Second)
	if err := sched.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n := env.registry.OpenCount(); n != 0 {
		t.Errorf("open count = %d, want 0", n)
	}
	if settles := env.settleEntries(t, c.ID); len(settles) != 1 {
		t.Errorf("got %d settle entries, want 1", len(settles))
	}
}
