package settle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/balance"
	"github.com/edgemarket/trade-engine/internal/event"
	"github.com/edgemarket/trade-engine/internal/instrument"
	"github.com/edgemarket/trade-engine/internal/model"
	"github.com/edgemarket/trade-engine/internal/price"
	"github.com/edgemarket/trade-engine/internal/registry"
	"github.com/edgemarket/trade-engine/internal/settle"
	"github.com/edgemarket/trade-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store    *store.MemoryStore
	ledger   *balance.Ledger
	registry *registry.Registry
	feed     *price.Feed
	engine   *settle.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	led := balance.NewLedger(ms)
	reg := registry.New(ms)
	feed := price.NewFeed(instrument.Defaults(), 3*time.Second, 42)

	rule := settle.NewPayoutRule(d(0.85), false, settle.RulePrice, 0, 1)
	eng := settle.NewEngine(reg, led, ms, feed, event.NopSink{}, rule,
		10*time.Second, 3, time.Millisecond)

	return &testEnv{store: ms, ledger: led, registry: reg, feed: feed, engine: eng}
}

// seedUser creates a user with the given trading balance, funded through
// the ledger so replay holds.
func (e *testEnv) seedUser(t *testing.T, id string, trading float64) {
	t.Helper()
	ctx := context.Background()
	u := &model.User{ID: id, Email: id + "@test", Status: model.UserActive, CreatedAt: time.Now().UTC()}
	if err := e.store.CreateUser(ctx, u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := e.ledger.Credit(ctx, id, model.BucketTrading, d(trading), balance.Op{
		Kind: model.KindDeposit,
	}); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

// openContract mirrors trade intake: persist the contract, then debit the
// stake with a TradeOpen entry.
func (e *testEnv) openContract(t *testing.T, id, userID, instrumentID string, pred model.Prediction, stake, entry float64) *model.Contract {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	c := &model.Contract{
		ID:           id,
		UserID:       userID,
		InstrumentID: instrumentID,
		Prediction:   pred,
		Stake:        d(stake),
		EntryPrice:   d(entry),
		State:        model.StateOpen,
		OpenedAt:     now,
		ExpiresAt:    now.Add(2 * time.Minute),
	}
	if err := e.registry.Insert(ctx, c); err != nil {
		t.Fatalf("insert contract: %v", err)
	}
	if _, err := e.ledger.Debit(ctx, userID, model.BucketTrading, d(stake), balance.Op{
		Kind:       model.KindTradeOpen,
		ContractID: id,
		Amount:     d(stake).Neg(),
	}); err != nil {
		t.Fatalf("debit stake: %v", err)
	}
	return c
}

func (e *testEnv) settleEntries(t *testing.T, contractID string) []model.LedgerEntry {
	t.Helper()
	entries, err := e.store.LedgerByContract(context.Background(), contractID)
	if err != nil {
		t.Fatalf("ledger by contract: %v", err)
	}
	var out []model.LedgerEntry
	for _, en := range entries {
		if en.Kind == model.KindTradeSettle {
			out = append(out, en)
		}
	}
	return out
}

func TestSettle_WinCreditsStakePlusProfit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedUser(t, "alice", 100)
	c := env.openContract(t, "c1", "alice", "eurusd", model.PredictUp, 100, 1.1000)
	env.feed.SetPrice("eurusd", d(1.1050), time.Now().UTC())

	if err := env.engine.Settle(ctx, c.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// stake 100, ratio 0.85 → 185 credited to trading.
	b, err := env.ledger.Balances(ctx, "alice")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if !b.Trading.Equal(d(185)) {
		t.Errorf("trading balance = %s, want 185", b.Trading)
	}

	settles := env.settleEntries(t, c.ID)
	if len(settles) != 1 {
		t.Fatalf("got %d settle entries, want 1", len(settles))
	}
	if !settles[0].Amount.Equal(d(185)) {
		t.Errorf("settle entry amount = %s, want 185", settles[0].Amount)
	}
	if settles[0].Outcome != model.OutcomeWon {
		t.Errorf("settle entry outcome = %s, want won", settles[0].Outcome)
	}

	stored, err := env.store.GetContract(ctx, c.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if stored.State != model.StateSettled {
		t.Errorf("contract state = %s, want settled", stored.State)
	}
	if !stored.PnL.Equal(d(85)) {
		t.Errorf("pnl = %s, want 85", stored.PnL)
	}
	if !stored.ExitPrice.Equal(d(1.1050)) {
		t.Errorf("exit price = %s, want 1.1050", stored.ExitPrice)
	}
}

func TestSettle_LossRecordsEntryWithoutCredit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedUser(t, "bob", 50)
	c := env.openContract(t, "c2", "bob", "btcusdt", model.PredictDown, 50, 2000)
	env.feed.SetPrice("btcusdt", d(2001), time.Now().UTC())

	if err := env.engine.Settle(ctx, c.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	b, _ := env.ledger.Balances(ctx, "bob")
	if !b.Trading.IsZero() {
		t.Errorf("trading balance = %s, want 0 (no credit on loss)", b.Trading)
	}

	settles := env.settleEntries(t, c.ID)
	if len(settles) != 1 {
		t.Fatalf("got %d settle entries, want 1", len(settles))
	}
	if !settles[0].Amount.Equal(d(-50)) {
		t.Errorf("settle entry amount = %s, want -50", settles[0].Amount)
	}
	if !settles[0].TotalDelta.IsZero() || !settles[0].TradingDelta.IsZero() {
		t.Errorf("loss entry must move no money, got deltas %s/%s",
			settles[0].TotalDelta, settles[0].TradingDelta)
	}

	stored, _ := env.store.GetContract(ctx, c.ID)
	if !stored.PnL.Equal(d(-50)) {
		t.Errorf("pnl = %s, want -50", stored.PnL)
	}
}

func TestSettle_UnchangedPriceLoses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedUser(t, "carol", 10)
	c := env.openContract(t, "c3", "carol", "eurusd", model.PredictUp, 10, 1.5)
	env.feed.SetPrice("eurusd", d(1.5), time.Now().UTC())

	if err := env.engine.Settle(ctx, c.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	stored, _ := env.store.GetContract(ctx, c.ID)
	if stored.Outcome != model.OutcomeLost {
		t.Errorf("outcome = %s, want lost (unchanged price)", stored.Outcome)
	}
}

func TestSettle_ConcurrentTriggersProduceOneEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedUser(t, "dave", 100)
	c := env.openContract(t, "c4", "dave", "eurusd", model.PredictUp, 100, 1.1)
	env.feed.SetPrice("eurusd", d(1.2), time.Now().UTC())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.engine.Settle(ctx, c.ID); err != nil {
				t.Errorf("settle: %v", err)
			}
		}()
	}
	wg.Wait()

	settles := env.settleEntries(t, c.ID)
	if len(settles) != 1 {
		t.Fatalf("got %d settle entries, want exactly 1", len(settles))
	}
	b, _ := env.ledger.Balances(ctx, "dave")
	if !b.Trading.Equal(d(185)) {
		t.Errorf("trading balance = %s, want 185 (single payout)", b.Trading)
	}
}

func TestSettle_UnknownContractIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Settle(context.Background(), "nope"); err != nil {
		t.Fatalf("settle of unknown contract should be a no-op, got %v", err)
	}
}

func TestResume_SkipsPayoutWhenEntryExists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedUser(t, "erin", 100)
	c := env.openContract(t, "c5", "erin", "eurusd", model.PredictUp, 100, 1.1)
	env.feed.SetPrice("eurusd", d(1.2), time.Now().UTC())

	// Simulate a crash after the payout was credited but before the
	// contract was finalized.
	if err := env.store.UpdateContractState(ctx, c.ID, model.StateOpen, model.StateSettling); err != nil {
		t.Fatalf("mark settling: %v", err)
	}
	if _, err := env.ledger.Credit(ctx, "erin", model.BucketTrading, d(185), balance.Op{
		Kind:       model.KindTradeSettle,
		ContractID: c.ID,
		Outcome:    model.OutcomeWon,
		Amount:     d(185),
	}); err != nil {
		t.Fatalf("simulate payout: %v", err)
	}

	c.State = model.StateSettling
	if err := env.engine.Resume(ctx, c); err != nil {
		t.Fatalf("resume: %v", err)
	}

	b, _ := env.ledger.Balances(ctx, "erin")
	if !b.Trading.Equal(d(185)) {
		t.Errorf("trading balance = %s, want 185 (no double credit)", b.Trading)
	}
	if settles := env.settleEntries(t, c.ID); len(settles) != 1 {
		t.Errorf("got %d settle entries, want 1 after resume", len(settles))
	}

	stored, _ := env.store.GetContract(ctx, c.ID)
	if stored.State != model.StateSettled {
		t.Errorf("contract state = %s, want settled", stored.State)
	}
	if stored.Outcome != model.OutcomeWon {
		t.Errorf("outcome = %s, want won (from recovered entry)", stored.Outcome)
	}
}

// flakyStore fails ledger lookups until healed, simulating a store outage
// mid-settlement.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failing  bool
	attempts int
}

func (f *flakyStore) LedgerByContract(ctx context.Context, id string) ([]model.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failing {
		return nil, model.ErrStorageUnavailable
	}
	return f.Store.LedgerByContract(ctx, id)
}

func TestSettle_StoreOutageStallsThenRecovers(t *testing.T) {
	ms := store.NewMemoryStore()
	led := balance.NewLedger(ms)
	reg := registry.New(ms)
	feed := price.NewFeed(instrument.Defaults(), 3*time.Second, 42)
	fs := &flakyStore{Store: ms, failing: true}

	rule := settle.NewPayoutRule(d(0.85), false, settle.RulePrice, 0, 1)
	eng := settle.NewEngine(reg, led, fs, feed, event.NopSink{}, rule,
		10*time.Second, 3, time.Millisecond)
	env := &testEnv{store: ms, ledger: led, registry: reg, feed: feed, engine: eng}

	ctx := context.Background()
	env.seedUser(t, "kate", 100)
	c := env.openContract(t, "s1", "kate", "eurusd", model.PredictUp, 100, 1.1)
	env.feed.SetPrice("eurusd", d(1.2), time.Now().UTC())

	if err := eng.Settle(ctx, c.ID); err == nil {
		t.Fatal("settle should report a stall while the store is down")
	}

	fs.mu.Lock()
	attempts := fs.attempts
	fs.mu.Unlock()
	// Initial attempt plus three retries, then the engine gives up.
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}

	// Nothing moved; the contract is parked in Settling for recovery.
	b, _ := led.Balances(ctx, "kate")
	if !b.Trading.IsZero() {
		t.Errorf("trading balance = %s, want 0 while stalled", b.Trading)
	}
	stored, err := ms.GetContract(ctx, c.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if stored.State != model.StateSettling {
		t.Errorf("state = %s, want settling while stalled", stored.State)
	}

	// Store heals; the recovery path finishes the settlement once.
	fs.mu.Lock()
	fs.failing = false
	fs.mu.Unlock()
	if err := eng.Resume(ctx, stored); err != nil {
		t.Fatalf("resume after outage: %v", err)
	}
	b, _ = led.Balances(ctx, "kate")
	if !b.Trading.Equal(d(185)) {
		t.Errorf("trading balance = %s, want 185 after recovery", b.Trading)
	}
	if settles := env.settleEntries(t, c.ID); len(settles) != 1 {
		t.Errorf("got %d settle entries, want 1", len(settles))
	}
}

func TestSettle_ReplayMatchesBalances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedUser(t, "fred", 300)
	win := env.openContract(t, "c6", "fred", "eurusd", model.PredictUp, 100, 1.1)
	lose := env.openContract(t, "c7", "fred", "eurusd", model.PredictDown, 50, 1.1)
	env.feed.SetPrice("eurusd", d(1.2), time.Now().UTC())

	if err := env.engine.Settle(ctx, win.ID); err != nil {
		t.Fatalf("settle win: %v", err)
	}
	if err := env.engine.Settle(ctx, lose.ID); err != nil {
		t.Fatalf("settle loss: %v", err)
	}

	entries, err := env.store.LedgerByUser(ctx, "fred")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	replayed := model.ReplayBalances(entries)
	current, _ := env.ledger.Balances(ctx, "fred")
	if !replayed.Total.Equal(current.Total) || !replayed.Trading.Equal(current.Trading) {
		t.Errorf("replay %s/%s does not match balances %s/%s",
			replayed.Total, replayed.Trading, current.Total, current.Trading)
	}
	// 300 - 100 - 50 + 185 = 335.
	if !current.Trading.Equal(d(335)) {
		t.Errorf("trading balance = %s, want 335", current.Trading)
	}
}
