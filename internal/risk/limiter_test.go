package risk_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/edgemarket/trade-engine/internal/risk"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_PerInstrument(t *testing.T) {
	l := risk.NewStakeLimiter(d(1000), d(5000))

	existing := map[string]decimal.Decimal{"eurusd": d(900)}
	if err := l.CheckLimit("eurusd", d(100), existing); err != nil {
		t.Errorf("at the cap should pass, got %v", err)
	}
	if err := l.CheckLimit("eurusd", d(101), existing); !errors.Is(err, risk.ErrInstrumentLimitExceeded) {
		t.Errorf("err = %v, want ErrInstrumentLimitExceeded", err)
	}
	// A different instrument is unaffected by eurusd exposure.
	if err := l.CheckLimit("btcusdt", d(1000), existing); err != nil {
		t.Errorf("other instrument should pass, got %v", err)
	}
}

func TestCheckLimit_Total(t *testing.T) {
	l := risk.NewStakeLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"eurusd":  d(800),
		"btcusdt": d(700),
		"xauusd":  d(400),
	}
	if err := l.CheckLimit("gbpusd", d(100), existing); err != nil {
		t.Errorf("within total should pass, got %v", err)
	}
	if err := l.CheckLimit("gbpusd", d(101), existing); !errors.Is(err, risk.ErrTotalLimitExceeded) {
		t.Errorf("err = %v, want ErrTotalLimitExceeded", err)
	}
}

func TestCheckLimit_NoExistingExposure(t *testing.T) {
	l := risk.NewStakeLimiter(d(1000), d(5000))
	if err := l.CheckLimit("eurusd", d(1000), nil); err != nil {
		t.Errorf("fresh user at cap should pass, got %v", err)
	}
	if err := l.CheckLimit("eurusd", d(1001), nil); !errors.Is(err, risk.ErrInstrumentLimitExceeded) {
		t.Errorf("err = %v, want ErrInstrumentLimitExceeded", err)
	}
}
