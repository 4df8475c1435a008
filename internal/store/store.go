// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Contracts and ledger entries
// must survive process restart: the settlement scheduler rebuilds its
// in-memory state from ListContractsByState on startup.
type Store interface {
	// --- Users & balances ---

	// CreateUser persists a new user with initial balances.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// SetUserStatus updates a user's status (suspend/activate).
	SetUserStatus(ctx context.Context, id string, status model.UserStatus) error

	// GetBalances returns the current balance snapshot for a user.
	GetBalances(ctx context.Context, userID string) (model.Balances, error)

	// ApplyBalanceDelta atomically applies both deltas and returns the
	// resulting balances. Fails with ErrInsufficientFunds if either bucket
	// would go negative; no partial application.
	ApplyBalanceDelta(ctx context.Context, userID string, totalDelta, tradingDelta decimal.Decimal) (model.Balances, error)

	// --- Contracts ---

	// InsertContract persists a new contract. Fails with
	// ErrDuplicateContract if the id exists.
	InsertContract(ctx context.Context, c *model.Contract) error

	// GetContract retrieves a contract by id.
	GetContract(ctx context.Context, id string) (*model.Contract, error)

	// UpdateContractState transitions a contract from one state to another.
	// The update is conditional on the current state; ErrNotFound is
	// returned when no row matched, which is how a second settlement
	// attempt loses the race durably.
	UpdateContractState(ctx context.Context, id string, from, to model.ContractState) error

	// FinalizeContract records the settlement result and moves the
	// contract from settling to settled.
	FinalizeContract(ctx context.Context, id string, exitPrice decimal.Decimal, outcome model.Outcome, pnl decimal.Decimal) error

	// DeleteContract removes a contract row. Used only to unwind a trade
	// open whose debit failed; settled contracts are kept for history.
	DeleteContract(ctx context.Context, id string) error

	// ListContractsByState returns all contracts in the given state.
	ListContractsByState(ctx context.Context, state model.ContractState) ([]model.Contract, error)

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable record and assigns its Seq.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	// LedgerByUser returns a user's entries in seq order.
	LedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// LedgerByContract returns the entries tied to one contract.
	LedgerByContract(ctx context.Context, contractID string) ([]model.LedgerEntry, error)

	// --- Funding requests ---

	// InsertFundingRequest persists a pending deposit/withdrawal request.
	InsertFundingRequest(ctx context.Context, r *model.FundingRequest) error

	// GetFundingRequest retrieves a funding request by id.
	GetFundingRequest(ctx context.Context, id string) (*model.FundingRequest, error)

	// SetFundingRequestStatus transitions a pending request to
	// approved/rejected. ErrNotFound if the request is not pending.
	SetFundingRequestStatus(ctx context.Context, id string, status model.FundingStatus, processedBy, reason string) error

	// ListFundingRequests returns requests with the given status,
	// oldest first.
	ListFundingRequests(ctx context.Context, status model.FundingStatus) ([]model.FundingRequest, error)
}
