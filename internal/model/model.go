// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Prediction is the direction a timed trade bets on.
type Prediction string

const (
	PredictUp   Prediction = "up"
	PredictDown Prediction = "down"
)

// Valid reports whether p is a known prediction.
func (p Prediction) Valid() bool {
	return p == PredictUp || p == PredictDown
}

// ContractState is the lifecycle state of a timed trade.
// Open → Settling → Settled; a contract enters Settling at most once.
type ContractState string

const (
	StateOpen     ContractState = "open"
	StateSettling ContractState = "settling"
	StateSettled  ContractState = "settled"
)

// Outcome is the result of a settled contract.
type Outcome string

const (
	OutcomeWon  Outcome = "won"
	OutcomeLost Outcome = "lost"
)

// Bucket names one of the two per-user balances.
type Bucket string

const (
	BucketTotal   Bucket = "total"   // withdrawable funds
	BucketTrading Bucket = "trading" // funds available to stake
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindTradeOpen     EntryKind = "trade_open"
	KindTradeSettle   EntryKind = "trade_settle"
	KindDeposit       EntryKind = "deposit"
	KindWithdrawal    EntryKind = "withdrawal"
	KindAdjustBalance EntryKind = "adjust_balance"
)

// UserStatus gates what a user may do.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
)

// FundingKind distinguishes deposit from withdrawal requests.
type FundingKind string

const (
	FundingDeposit    FundingKind = "deposit"
	FundingWithdrawal FundingKind = "withdrawal"
)

// FundingStatus is the review state of a funding request.
type FundingStatus string

const (
	FundingPending  FundingStatus = "pending"
	FundingApproved FundingStatus = "approved"
	FundingRejected FundingStatus = "rejected"
)

// User holds identity, status, and the two balance buckets. Balances are
// owned by the balance ledger; nothing else mutates them.
type User struct {
	ID             string          `json:"id" db:"id"`
	Email          string          `json:"email" db:"email"`
	Status         UserStatus      `json:"status" db:"status"`
	TotalBalance   decimal.Decimal `json:"total_balance" db:"total_balance"`
	TradingBalance decimal.Decimal `json:"trading_balance" db:"trading_balance"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Balances is a point-in-time snapshot of both buckets.
type Balances struct {
	Total   decimal.Decimal `json:"total"`
	Trading decimal.Decimal `json:"trading"`
}

// Contract is one timed price-direction trade from open to settlement.
// EntryPrice is captured at open and never changes; ExitPrice, Outcome,
// and PnL are filled in by the settlement engine.
type Contract struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Prediction   Prediction      `json:"prediction" db:"prediction"`
	Stake        decimal.Decimal `json:"stake" db:"stake"`
	EntryPrice   decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice    decimal.Decimal `json:"exit_price" db:"exit_price"`
	Outcome      Outcome         `json:"outcome,omitempty" db:"outcome"`
	PnL          decimal.Decimal `json:"pnl" db:"pnl"`
	State        ContractState   `json:"state" db:"state"`
	OpenedAt     time.Time       `json:"opened_at" db:"opened_at"`
	ExpiresAt    time.Time       `json:"expires_at" db:"expires_at"`
}

// LedgerEntry is an immutable record of one balance-affecting event.
// Once written, entries are never modified or deleted. Seq is assigned by
// the store and is strictly increasing per user, so replay order is total
// even when two entries share a timestamp.
//
// Amount is the user-facing signed magnitude of the event: −stake for a
// trade open, +payout for a winning settlement, −stake again for a losing
// settlement (recorded for audit; no money moves). TotalDelta and
// TradingDelta are the actual balance movements; folding them from zero
// reproduces the user's balances exactly.
type LedgerEntry struct {
	ID                  string          `json:"id" db:"id"`
	Seq                 int64           `json:"seq" db:"seq"`
	UserID              string          `json:"user_id" db:"user_id"`
	ContractID          string          `json:"contract_id,omitempty" db:"contract_id"`
	Kind                EntryKind       `json:"kind" db:"kind"`
	Amount              decimal.Decimal `json:"amount" db:"amount"`
	TotalDelta          decimal.Decimal `json:"total_delta" db:"total_delta"`
	TradingDelta        decimal.Decimal `json:"trading_delta" db:"trading_delta"`
	BalanceAfterTotal   decimal.Decimal `json:"balance_after_total" db:"balance_after_total"`
	BalanceAfterTrading decimal.Decimal `json:"balance_after_trading" db:"balance_after_trading"`
	Outcome             Outcome         `json:"outcome,omitempty" db:"outcome"`
	Reason              string          `json:"reason,omitempty" db:"reason"`
	Timestamp           time.Time       `json:"timestamp" db:"timestamp"`
}

// FundingRequest is a pending deposit or withdrawal awaiting admin review.
// Approval produces exactly one ledger entry of the matching kind.
type FundingRequest struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Kind         FundingKind     `json:"kind" db:"kind"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	CryptoType   string          `json:"crypto_type" db:"crypto_type"`
	Address      string          `json:"address" db:"address"`
	Status       FundingStatus   `json:"status" db:"status"`
	RejectReason string          `json:"reject_reason,omitempty" db:"reject_reason"`
	ProcessedBy  string          `json:"processed_by,omitempty" db:"processed_by"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// ReplayBalances folds a user's ledger entries (in seq order) from zero and
// returns the resulting balances. The audit invariant is that this equals
// the user's stored balances exactly.
func ReplayBalances(entries []LedgerEntry) Balances {
	var b Balances
	b.Total = decimal.Zero
	b.Trading = decimal.Zero
	for _, e := range entries {
		b.Total = b.Total.Add(e.TotalDelta)
		b.Trading = b.Trading.Add(e.TradingDelta)
	}
	return b
}
