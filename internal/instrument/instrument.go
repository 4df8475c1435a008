// Package instrument handles the tradable-pair catalog and symbol parsing.
package instrument

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol format")
	ErrUnknown       = errors.New("instrument: unknown instrument")
)

// symbolRegex matches BASE/QUOTE pairs: EUR/USD, BTC/USDT, XAU/USD.
var symbolRegex = regexp.MustCompile(`^([A-Z]{2,5})/([A-Z]{2,5})$`)

// Instrument is one tradable pair. Decimals controls price formatting and
// the tick granularity of the simulated feed.
type Instrument struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name"`
	Base      string          `json:"base"`
	Quote     string          `json:"quote"`
	Decimals  int32           `json:"decimals"`
	SeedPrice decimal.Decimal `json:"seed_price"`
}

// ParseSymbol validates a BASE/QUOTE symbol and returns its parts.
func ParseSymbol(symbol string) (base, quote string, err error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return "", "", fmt.Errorf("%w: %s (expected BASE/QUOTE)", ErrInvalidSymbol, symbol)
	}
	return matches[1], matches[2], nil
}

// Defaults returns the built-in instrument catalog. JPY-quoted pairs use
// 2 decimals, everything else 4.
func Defaults() []Instrument {
	seed := []struct {
		id, symbol, name string
		price            string
	}{
		{"eurusd", "EUR/USD", "Euro / US Dollar", "1.0842"},
		{"gbpusd", "GBP/USD", "British Pound / US Dollar", "1.2635"},
		{"usdjpy", "USD/JPY", "US Dollar / Japanese Yen", "149.85"},
		{"btcusdt", "BTC/USDT", "Bitcoin / Tether", "43285.67"},
		{"ethusdt", "ETH/USDT", "Ethereum / Tether", "2645.89"},
		{"audusd", "AUD/USD", "Australian Dollar / US Dollar", "0.6589"},
		{"xauusd", "XAU/USD", "Gold / US Dollar", "2045.85"},
		{"solusdt", "SOL/USDT", "Solana / Tether", "98.45"},
		{"eurjpy", "EUR/JPY", "Euro / Japanese Yen", "162.45"},
		{"ltcusdt", "LTC/USDT", "Litecoin / Tether", "72.45"},
	}

	instruments := make([]Instrument, 0, len(seed))
	for _, s := range seed {
		base, quote, err := ParseSymbol(s.symbol)
		if err != nil {
			continue
		}
		decimals := int32(4)
		if quote == "JPY" {
			decimals = 2
		}
		price, _ := decimal.NewFromString(s.price)
		instruments = append(instruments, Instrument{
			ID:        s.id,
			Symbol:    s.symbol,
			Name:      s.name,
			Base:      base,
			Quote:     quote,
			Decimals:  decimals,
			SeedPrice: price,
		})
	}
	return instruments
}
