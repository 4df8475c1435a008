package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	contracts map[string]*model.Contract
	ledger    []model.LedgerEntry
	funding   map[string]*model.FundingRequest
	nextSeq   int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		contracts: make(map[string]*model.Contract),
		funding:   make(map[string]*model.FundingRequest),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return model.ErrDuplicateUser
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, model.ErrUnknownUser
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) SetUserStatus(_ context.Context, id string, status model.UserStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return model.ErrUnknownUser
	}
	u.Status = status
	return nil
}

func (s *MemoryStore) GetBalances(_ context.Context, userID string) (model.Balances, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return model.Balances{}, model.ErrUnknownUser
	}
	return model.Balances{Total: u.TotalBalance, Trading: u.TradingBalance}, nil
}

func (s *MemoryStore) ApplyBalanceDelta(_ context.Context, userID string, totalDelta, tradingDelta decimal.Decimal) (model.Balances, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return model.Balances{}, model.ErrUnknownUser
	}

	newTotal := u.TotalBalance.Add(totalDelta)
	newTrading := u.TradingBalance.Add(tradingDelta)
	if newTotal.IsNegative() || newTrading.IsNegative() {
		return model.Balances{}, model.ErrInsufficientFunds
	}

	u.TotalBalance = newTotal
	u.TradingBalance = newTrading
	return model.Balances{Total: newTotal, Trading: newTrading}, nil
}

func (s *MemoryStore) InsertContract(_ context.Context, c *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[c.ID]; ok {
		return model.ErrDuplicateContract
	}
	cp := *c
	s.contracts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateContractState(_ context.Context, id string, from, to model.ContractState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok || c.State != from {
		return model.ErrNotFound
	}
	c.State = to
	return nil
}

func (s *MemoryStore) FinalizeContract(_ context.Context, id string, exitPrice decimal.Decimal, outcome model.Outcome, pnl decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok || c.State != model.StateSettling {
		return model.ErrNotFound
	}
	c.State = model.StateSettled
	c.ExitPrice = exitPrice
	c.Outcome = outcome
	c.PnL = pnl
	return nil
}

func (s *MemoryStore) DeleteContract(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[id]; !ok {
		return model.ErrNotFound
	}
	delete(s.contracts, id)
	return nil
}

func (s *MemoryStore) ListContractsByState(_ context.Context, state model.ContractState) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Contract
	for _, c := range s.contracts {
		if c.State == state {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	e.Seq = s.nextSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.ledger = append(s.ledger, *e)
	return nil
}

func (s *MemoryStore) LedgerByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) LedgerByContract(_ context.Context, contractID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.ContractID == contractID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertFundingRequest(_ context.Context, r *model.FundingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.funding[r.ID]; ok {
		return model.ErrNotFound
	}
	cp := *r
	s.funding[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetFundingRequest(_ context.Context, id string) (*model.FundingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.funding[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) SetFundingRequestStatus(_ context.Context, id string, status model.FundingStatus, processedBy, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.funding[id]
	if !ok || r.Status != model.FundingPending {
		return model.ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = status
	r.ProcessedBy = processedBy
	r.RejectReason = reason
	r.ProcessedAt = &now
	return nil
}

func (s *MemoryStore) ListFundingRequests(_ context.Context, status model.FundingStatus) ([]model.FundingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FundingRequest
	for _, r := range s.funding {
		if r.Status == status {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
