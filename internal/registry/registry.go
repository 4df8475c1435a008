// Package registry owns the set of open (pending) timed trades, indexed by
// contract id and queryable by expiry. MarkSettling is the linchpin of
// exactly-once settlement: it atomically transitions Open → Settling,
// removes the contract from the due-index, and persists the transition, so
// a second caller always loses the race and gets a clean no-op signal.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/model"
	"github.com/edgemarket/trade-engine/internal/store"
)

// Registry indexes open contracts in memory over the durable store.
type Registry struct {
	store store.Store

	mu       sync.Mutex
	open     map[string]*model.Contract
	settling map[string]*model.Contract
}

// New creates an empty registry over the given store.
func New(st store.Store) *Registry {
	return &Registry{
		store:    st,
		open:     make(map[string]*model.Contract),
		settling: make(map[string]*model.Contract),
	}
}

// Insert persists a new open contract and indexes it.
// Fails with ErrDuplicateContract if the id exists.
func (r *Registry) Insert(ctx context.Context, c *model.Contract) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.open[c.ID]; ok {
		return model.ErrDuplicateContract
	}
	if _, ok := r.settling[c.ID]; ok {
		return model.ErrDuplicateContract
	}

	if err := r.store.InsertContract(ctx, c); err != nil {
		return err
	}

	cp := *c
	r.open[c.ID] = &cp
	return nil
}

// Load indexes a contract already present in the store. Used on startup to
// rebuild the open index without re-persisting.
func (r *Registry) Load(c *model.Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *c
	r.open[c.ID] = &cp
}

// AdoptSettling tracks a contract recovered mid-settlement. It never joins
// the open index, so a recovery sweep cannot re-open it.
func (r *Registry) AdoptSettling(c *model.Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *c
	cp.State = model.StateSettling
	r.settling[c.ID] = &cp
}

// MarkSettling atomically transitions a contract Open → Settling and drops
// it from the due-index in the same step. A contract can make this
// transition at most once: concurrent callers see ErrAlreadySettling, and
// unknown or already-settled ids see ErrNotFound.
func (r *Registry) MarkSettling(ctx context.Context, id string) (*model.Contract, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.open[id]
	if !ok {
		if _, inFlight := r.settling[id]; inFlight {
			return nil, model.ErrAlreadySettling
		}
		return nil, model.ErrNotFound
	}

	// Persist the transition before mutating the index; if the store is
	// down the contract stays open and a later sweep retries.
	if err := r.store.UpdateContractState(ctx, id, model.StateOpen, model.StateSettling); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}

	delete(r.open, id)
	c.State = model.StateSettling
	r.settling[id] = c

	cp := *c
	return &cp, nil
}

// DueBefore returns all open contracts with expiresAt at or before ts,
// soonest first. Used by the scheduler sweep and by startup recovery.
func (r *Registry) DueBefore(ts time.Time) []*model.Contract {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*model.Contract
	for _, c := range r.open {
		if !c.ExpiresAt.After(ts) {
			cp := *c
			due = append(due, &cp)
		}
	}
	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && due[j].ExpiresAt.Before(due[j-1].ExpiresAt); j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}
	return due
}

// Remove drops a settled contract from active memory. The store retains
// the settled row for history.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.settling, id)
	delete(r.open, id)
}

// Get returns a copy of an active (open or settling) contract.
func (r *Registry) Get(id string) (*model.Contract, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.open[id]; ok {
		cp := *c
		return &cp, true
	}
	if c, ok := r.settling[id]; ok {
		cp := *c
		return &cp, true
	}
	return nil, false
}

// OpenCount reports the number of open contracts.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// ActiveByUser returns a user's open and settling contracts.
func (r *Registry) ActiveByUser(userID string) []model.Contract {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Contract
	for _, c := range r.open {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	for _, c := range r.settling {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out
}

// OpenStakeByInstrument sums a user's outstanding stakes per instrument,
// feeding the intake risk limits.
func (r *Registry) OpenStakeByInstrument(userID string) map[string]decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()

	exposures := make(map[string]decimal.Decimal)
	for _, c := range r.open {
		if c.UserID == userID {
			exposures[c.InstrumentID] = exposures[c.InstrumentID].Add(c.Stake)
		}
	}
	for _, c := range r.settling {
		if c.UserID == userID {
			exposures[c.InstrumentID] = exposures[c.InstrumentID].Add(c.Stake)
		}
	}
	return exposures
}
