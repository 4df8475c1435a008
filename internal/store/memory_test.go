package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/model"
	"github.com/edgemarket/trade-engine/internal/store"
)

func seedContract(t *testing.T, ms *store.MemoryStore, id string, state model.ContractState) {
	t.Helper()
	now := time.Now().UTC()
	c := &model.Contract{
		ID:           id,
		UserID:       "u1",
		InstrumentID: "eurusd",
		Prediction:   model.PredictUp,
		Stake:        decimal.NewFromInt(10),
		EntryPrice:   decimal.NewFromFloat(1.1),
		State:        state,
		OpenedAt:     now,
		ExpiresAt:    now.Add(time.Minute),
	}
	if err := ms.InsertContract(context.Background(), c); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestUpdateContractState_ConditionalOnFrom(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedContract(t, ms, "c1", model.StateOpen)

	if err := ms.UpdateContractState(ctx, "c1", model.StateOpen, model.StateSettling); err != nil {
		t.Fatalf("open→settling: %v", err)
	}
	// The same transition again finds no open row.
	if err := ms.UpdateContractState(ctx, "c1", model.StateOpen, model.StateSettling); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second open→settling: err = %v, want ErrNotFound", err)
	}
	if err := ms.UpdateContractState(ctx, "ghost", model.StateOpen, model.StateSettling); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestFinalizeContract_OnlyFromSettling(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedContract(t, ms, "c2", model.StateOpen)

	exit := decimal.NewFromFloat(1.2)
	pnl := decimal.NewFromFloat(8.5)
	if err := ms.FinalizeContract(ctx, "c2", exit, model.OutcomeWon, pnl); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("finalize open contract: err = %v, want ErrNotFound", err)
	}

	ms.UpdateContractState(ctx, "c2", model.StateOpen, model.StateSettling)
	if err := ms.FinalizeContract(ctx, "c2", exit, model.OutcomeWon, pnl); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	c, _ := ms.GetContract(ctx, "c2")
	if c.State != model.StateSettled || c.Outcome != model.OutcomeWon || !c.PnL.Equal(pnl) {
		t.Errorf("contract = %+v, want settled won pnl 8.5", c)
	}

	// Finalizing again finds no settling row.
	if err := ms.FinalizeContract(ctx, "c2", exit, model.OutcomeWon, pnl); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("double finalize: err = %v, want ErrNotFound", err)
	}
}

func TestApplyBalanceDelta_NoPartialApplication(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	ms.CreateUser(ctx, &model.User{ID: "u1", Status: model.UserActive,
		TotalBalance: decimal.NewFromInt(100), TradingBalance: decimal.NewFromInt(10)})

	// Total could absorb the delta but trading cannot: nothing changes.
	_, err := ms.ApplyBalanceDelta(ctx, "u1", decimal.NewFromInt(50), decimal.NewFromInt(-20))
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	b, _ := ms.GetBalances(ctx, "u1")
	if !b.Total.Equal(decimal.NewFromInt(100)) || !b.Trading.Equal(decimal.NewFromInt(10)) {
		t.Errorf("balances = %s/%s, want 100/10 untouched", b.Total, b.Trading)
	}

	if _, err := ms.ApplyBalanceDelta(ctx, "ghost", decimal.Zero, decimal.Zero); !errors.Is(err, model.ErrUnknownUser) {
		t.Fatalf("unknown user: err = %v, want ErrUnknownUser", err)
	}
}

func TestListContractsByState_SortedByExpiry(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()
	for i, id := range []string{"late", "early", "mid"} {
		offsets := []time.Duration{30 * time.Minute, time.Minute, 10 * time.Minute}
		c := &model.Contract{
			ID: id, UserID: "u1", InstrumentID: "eurusd",
			Prediction: model.PredictUp, Stake: decimal.NewFromInt(1),
			EntryPrice: decimal.NewFromFloat(1), State: model.StateOpen,
			OpenedAt: now, ExpiresAt: now.Add(offsets[i]),
		}
		if err := ms.InsertContract(ctx, c); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	open, err := ms.ListContractsByState(ctx, model.StateOpen)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 3 || open[0].ID != "early" || open[1].ID != "mid" || open[2].ID != "late" {
		t.Errorf("order = %v, want early, mid, late", open)
	}
}
