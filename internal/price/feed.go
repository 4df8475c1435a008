// Package price provides the price source used to capture entry prices at
// trade open and exit prices at settlement.
//
// The engine has no real market-data integration; Feed simulates each
// instrument with a random walk (±0.5% per step, matching the platform's
// 3-second UI refresh) and keeps a bounded tick history so settlement can
// ask for the price at an arbitrary past instant. The walk is driven by a
// seeded rand.Rand, so a fixed seed yields a fully deterministic series.
package price

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/instrument"
	"github.com/edgemarket/trade-engine/internal/model"
)

// Source is the price boundary the engine depends on.
type Source interface {
	// Current returns the latest price for an instrument.
	Current(instrumentID string) (decimal.Decimal, error)

	// PriceAt returns the last known price at or before ts.
	// Returns ErrPriceUnavailable when no tick covers ts.
	PriceAt(instrumentID string, ts time.Time) (decimal.Decimal, error)
}

// historySize bounds the per-instrument tick buffer. At one tick per 3s
// this covers well past the longest 15-minute contract horizon.
const historySize = 1024

type tick struct {
	at    time.Time
	price decimal.Decimal
}

type series struct {
	inst  instrument.Instrument
	ticks []tick // ring buffer, oldest first once full
	head  int
	full  bool
}

// Feed is a simulated random-walk price source.
type Feed struct {
	mu       sync.RWMutex
	series   map[string]*series
	rng      *rand.Rand
	interval time.Duration

	// OnTick, when set, is invoked after every price step (outside the
	// feed lock). Wired to the event hub for UI refresh.
	OnTick func(instrumentID string, price decimal.Decimal, at time.Time)
}

// NewFeed creates a feed over the given catalog. A non-zero seed makes the
// walk deterministic for tests; seed 0 draws from the clock.
func NewFeed(instruments []instrument.Instrument, interval time.Duration, seed int64) *Feed {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	f := &Feed{
		series:   make(map[string]*series, len(instruments)),
		rng:      rand.New(rand.NewSource(seed)),
		interval: interval,
	}
	now := time.Now().UTC()
	for _, inst := range instruments {
		s := &series{inst: inst, ticks: make([]tick, 0, historySize)}
		s.append(tick{at: now, price: inst.SeedPrice})
		f.series[inst.ID] = s
	}
	return f
}

// Run steps all instruments on the configured interval until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			f.Step(now.UTC())
		}
	}
}

// Step advances every instrument by one random-walk tick stamped at.
// Exposed so tests can drive the walk without real time passing.
func (f *Feed) Step(at time.Time) {
	type fired struct {
		id    string
		price decimal.Decimal
	}
	var out []fired

	f.mu.Lock()
	for id, s := range f.series {
		last := s.latest().price
		// ±0.5% per step.
		change := decimal.NewFromFloat((f.rng.Float64() - 0.5) * 0.01)
		next := last.Mul(decimal.NewFromInt(1).Add(change)).Round(s.inst.Decimals)
		if !next.IsPositive() {
			next = last
		}
		s.append(tick{at: at, price: next})
		out = append(out, fired{id: id, price: next})
	}
	cb := f.OnTick
	f.mu.Unlock()

	if cb != nil {
		for _, t := range out {
			cb(t.id, t.price, at)
		}
	}
}

// SetPrice overrides an instrument's price at the given instant. Used by
// tests to script exact entry/exit prices.
func (f *Feed) SetPrice(instrumentID string, p decimal.Decimal, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.series[instrumentID]
	if !ok {
		return instrument.ErrUnknown
	}
	s.append(tick{at: at, price: p})
	return nil
}

func (f *Feed) Current(instrumentID string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s, ok := f.series[instrumentID]
	if !ok {
		return decimal.Decimal{}, instrument.ErrUnknown
	}
	return s.latest().price, nil
}

func (f *Feed) PriceAt(instrumentID string, ts time.Time) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s, ok := f.series[instrumentID]
	if !ok {
		return decimal.Decimal{}, instrument.ErrUnknown
	}

	best, found := tick{}, false
	for _, t := range s.all() {
		if t.at.After(ts) {
			break
		}
		best, found = t, true
	}
	if !found {
		return decimal.Decimal{}, model.ErrPriceUnavailable
	}
	return best.price, nil
}

// Instruments returns the catalog backing the feed.
func (f *Feed) Instruments() []instrument.Instrument {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]instrument.Instrument, 0, len(f.series))
	for _, s := range f.series {
		out = append(out, s.inst)
	}
	return out
}

func (s *series) append(t tick) {
	if len(s.ticks) < historySize {
		s.ticks = append(s.ticks, t)
		return
	}
	s.ticks[s.head] = t
	s.head = (s.head + 1) % historySize
	s.full = true
}

// latest returns the most recent tick. A series always has at least the
// seed tick.
func (s *series) latest() tick {
	if !s.full {
		return s.ticks[len(s.ticks)-1]
	}
	return s.ticks[(s.head+historySize-1)%historySize]
}

// all returns ticks oldest-first.
func (s *series) all() []tick {
	if !s.full {
		return s.ticks
	}
	out := make([]tick, 0, historySize)
	out = append(out, s.ticks[s.head:]...)
	out = append(out, s.ticks[:s.head]...)
	return out
}
