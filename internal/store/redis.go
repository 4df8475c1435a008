package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Balance-bearing keys are
// invalidated on every delta so the cache can never serve a stale balance
// to the settlement path.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Users & balances ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cacheUser(ctx, u)
	return nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheUser(ctx, u)
	return u, nil
}

func (s *CachedStore) SetUserStatus(ctx context.Context, id string, status model.UserStatus) error {
	if err := s.primary.SetUserStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(id))
	return nil
}

func (s *CachedStore) GetBalances(ctx context.Context, userID string) (model.Balances, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return model.Balances{}, err
	}
	return model.Balances{Total: u.TotalBalance, Trading: u.TradingBalance}, nil
}

func (s *CachedStore) ApplyBalanceDelta(ctx context.Context, userID string, totalDelta, tradingDelta decimal.Decimal) (model.Balances, error) {
	b, err := s.primary.ApplyBalanceDelta(ctx, userID, totalDelta, tradingDelta)
	if err != nil {
		return model.Balances{}, err
	}
	// Invalidate; next read re-populates from the primary.
	s.rdb.Del(ctx, userKey(userID))
	return b, nil
}

// --- Contracts ---

func (s *CachedStore) InsertContract(ctx context.Context, c *model.Contract) error {
	if err := s.primary.InsertContract(ctx, c); err != nil {
		return err
	}
	s.cacheContract(ctx, c)
	return nil
}

func (s *CachedStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	data, err := s.rdb.Get(ctx, contractCacheKey(id)).Bytes()
	if err == nil {
		var c model.Contract
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheContract(ctx, c)
	return c, nil
}

func (s *CachedStore) UpdateContractState(ctx context.Context, id string, from, to model.ContractState) error {
	if err := s.primary.UpdateContractState(ctx, id, from, to); err != nil {
		return err
	}
	s.rdb.Del(ctx, contractCacheKey(id))
	return nil
}

func (s *CachedStore) FinalizeContract(ctx context.Context, id string, exitPrice decimal.Decimal, outcome model.Outcome, pnl decimal.Decimal) error {
	if err := s.primary.FinalizeContract(ctx, id, exitPrice, outcome, pnl); err != nil {
		return err
	}
	s.rdb.Del(ctx, contractCacheKey(id))
	return nil
}

func (s *CachedStore) DeleteContract(ctx context.Context, id string) error {
	if err := s.primary.DeleteContract(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, contractCacheKey(id))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListContractsByState(ctx context.Context, state model.ContractState) ([]model.Contract, error) {
	return s.primary.ListContractsByState(ctx, state)
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return s.primary.InsertLedgerEntry(ctx, e)
}

func (s *CachedStore) LedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.LedgerByUser(ctx, userID)
}

func (s *CachedStore) LedgerByContract(ctx context.Context, contractID string) ([]model.LedgerEntry, error) {
	return s.primary.LedgerByContract(ctx, contractID)
}

func (s *CachedStore) InsertFundingRequest(ctx context.Context, r *model.FundingRequest) error {
	return s.primary.InsertFundingRequest(ctx, r)
}

func (s *CachedStore) GetFundingRequest(ctx context.Context, id string) (*model.FundingRequest, error) {
	return s.primary.GetFundingRequest(ctx, id)
}

func (s *CachedStore) SetFundingRequestStatus(ctx context.Context, id string, status model.FundingStatus, processedBy, reason string) error {
	return s.primary.SetFundingRequestStatus(ctx, id, status, processedBy, reason)
}

func (s *CachedStore) ListFundingRequests(ctx context.Context, status model.FundingStatus) ([]model.FundingRequest, error) {
	return s.primary.ListFundingRequests(ctx, status)
}

// --- Cache helpers ---

func (s *CachedStore) cacheUser(ctx context.Context, u *model.User) {
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheContract(ctx context.Context, c *model.Contract) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, contractCacheKey(c.ID), data, s.ttl)
	}
}

func userKey(id string) string          { return fmt.Sprintf("user:%s", id) }
func contractCacheKey(id string) string { return fmt.Sprintf("contract:%s", id) }
