// Package balance implements the balance ledger: the single component
// allowed to mutate user balances. Every successful mutation appends
// exactly one immutable ledger entry carrying a post-mutation snapshot of
// both buckets, so replaying a user's entries from zero reproduces their
// balances exactly.
//
// Operations are linearizable per user: a per-user mutex serializes
// concurrent debits so two debits whose sum exceeds the balance can never
// both succeed, and the entry order always matches the mutation order.
package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/model"
	"github.com/edgemarket/trade-engine/internal/store"
)

// Op carries the ledger-entry metadata for a balance mutation. Amount is
// the user-facing signed magnitude; when zero it defaults to the signed
// balance movement.
type Op struct {
	Kind       model.EntryKind
	ContractID string
	Outcome    model.Outcome
	Reason     string
	Amount     decimal.Decimal
}

// Ledger owns balance mutation. All components move money through it.
type Ledger struct {
	store store.Store

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewLedger creates a balance ledger over the given store.
func NewLedger(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		users: make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing one user's mutations.
func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	mu, ok := l.users[userID]
	if !ok {
		mu = &sync.Mutex{}
		l.users[userID] = mu
	}
	return mu
}

// Debit removes amount from one bucket. Fails with ErrInsufficientFunds
// when the bucket holds less than amount; no partial debit.
func (l *Ledger) Debit(ctx context.Context, userID string, bucket model.Bucket, amount decimal.Decimal, op Op) (*model.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, model.ErrInvalidStake
	}
	return l.apply(ctx, userID, bucketDeltas(bucket, amount.Neg()), op)
}

// Credit adds amount to one bucket. Never balance-checked; fails only for
// an unknown user or storage trouble.
func (l *Ledger) Credit(ctx context.Context, userID string, bucket model.Bucket, amount decimal.Decimal, op Op) (*model.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, model.ErrInvalidStake
	}
	return l.apply(ctx, userID, bucketDeltas(bucket, amount), op)
}

// Adjust applies both deltas in one atomic unit. Used for administrative
// balance corrections; reason is recorded on the entry.
func (l *Ledger) Adjust(ctx context.Context, userID string, totalDelta, tradingDelta decimal.Decimal, reason string) (*model.LedgerEntry, error) {
	return l.apply(ctx, userID, deltas{total: totalDelta, trading: tradingDelta}, Op{
		Kind:   model.KindAdjustBalance,
		Reason: reason,
		Amount: totalDelta.Add(tradingDelta),
	})
}

// Convert moves amount between the two buckets. Their sum is unchanged.
func (l *Ledger) Convert(ctx context.Context, userID string, from, to model.Bucket, amount decimal.Decimal, reason string) (*model.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, model.ErrInvalidStake
	}
	if from == to {
		return nil, fmt.Errorf("convert: source and target bucket are both %q", from)
	}
	d := bucketDeltas(from, amount.Neg())
	d2 := bucketDeltas(to, amount)
	return l.apply(ctx, userID, deltas{
		total:   d.total.Add(d2.total),
		trading: d.trading.Add(d2.trading),
	}, Op{
		Kind:   model.KindAdjustBalance,
		Reason: reason,
		Amount: amount,
	})
}

// Append writes a ledger entry that moves no money, snapshotting the
// user's current balances. Used for losing settlements, where the stake
// was already debited at open but the outcome must still be auditable.
func (l *Ledger) Append(ctx context.Context, userID string, op Op) (*model.LedgerEntry, error) {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	b, err := l.store.GetBalances(ctx, userID)
	if err != nil {
		return nil, err
	}

	entry := newEntry(userID, op, decimal.Zero, decimal.Zero, b)
	if err := l.store.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	return entry, nil
}

// Balances returns the current snapshot for a user.
func (l *Ledger) Balances(ctx context.Context, userID string) (model.Balances, error) {
	return l.store.GetBalances(ctx, userID)
}

type deltas struct {
	total   decimal.Decimal
	trading decimal.Decimal
}

func bucketDeltas(bucket model.Bucket, amount decimal.Decimal) deltas {
	if bucket == model.BucketTotal {
		return deltas{total: amount, trading: decimal.Zero}
	}
	return deltas{total: decimal.Zero, trading: amount}
}

// apply performs the mutation and the entry append under the user's lock.
// If the entry cannot be written the mutation is reverted, keeping the
// "one entry per mutation" invariant intact.
func (l *Ledger) apply(ctx context.Context, userID string, d deltas, op Op) (*model.LedgerEntry, error) {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	after, err := l.store.ApplyBalanceDelta(ctx, userID, d.total, d.trading)
	if err != nil {
		return nil, err
	}

	entry := newEntry(userID, op, d.total, d.trading, after)
	if err := l.store.InsertLedgerEntry(ctx, entry); err != nil {
		if _, rerr := l.store.ApplyBalanceDelta(ctx, userID, d.total.Neg(), d.trading.Neg()); rerr != nil {
			return nil, fmt.Errorf("%w: entry write failed (%v) and revert failed (%v)",
				model.ErrStorageUnavailable, err, rerr)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	return entry, nil
}

func newEntry(userID string, op Op, totalDelta, tradingDelta decimal.Decimal, after model.Balances) *model.LedgerEntry {
	amount := op.Amount
	if amount.IsZero() {
		amount = totalDelta.Add(tradingDelta)
	}
	return &model.LedgerEntry{
		ID:                  uuid.New().String(),
		UserID:              userID,
		ContractID:          op.ContractID,
		Kind:                op.Kind,
		Amount:              amount,
		TotalDelta:          totalDelta,
		TradingDelta:        tradingDelta,
		BalanceAfterTotal:   after.Total,
		BalanceAfterTrading: after.Trading,
		Outcome:             op.Outcome,
		Reason:              op.Reason,
		Timestamp:           time.Now().UTC(),
	}
}
