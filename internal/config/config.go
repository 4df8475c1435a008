// Package config defines the engine configuration and provides validation
// helpers. Fields are populated from a TOML file and then optionally
// overridden by TRADEENGINE_* environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Engine   EngineConfig   `toml:"engine"`
	Price    PriceConfig    `toml:"price"`
	Risk     RiskConfig     `toml:"risk"`
	Trade    TradeConfig    `toml:"trade"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds the HTTP listener parameters.
type ServerConfig struct {
	Port int `toml:"port"`
}

// DatabaseConfig holds PostgreSQL connection parameters. An empty URL runs
// the engine on the in-memory store.
type DatabaseConfig struct {
	URL string `toml:"url"`
}

// RedisConfig holds Redis cache and pub/sub parameters. An empty Addr
// disables both.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
}

// EngineConfig holds settlement parameters.
type EngineConfig struct {
	// PayoutRatio is the profit fraction on a win (0.85 → stake × 1.85
	// credited).
	PayoutRatio float64 `toml:"payout_ratio"`

	// ProfitOnly credits only stake × ratio on a win.
	ProfitOnly bool `toml:"profit_only"`

	// Rule is "price" or "probability".
	Rule           string  `toml:"rule"`
	WinProbability float64 `toml:"win_probability"`
	RuleSeed       int64   `toml:"rule_seed"`

	// GracePeriod is how long after expiry to wait for a feed tick before
	// settling from the last known price.
	GracePeriod duration `toml:"grace_period"`

	RetryMax  int      `toml:"retry_max"`
	RetryBase duration `toml:"retry_base"`

	// Tick is the scheduler sweep interval.
	Tick duration `toml:"tick"`
}

// PriceConfig holds simulated feed parameters.
type PriceConfig struct {
	Interval duration `toml:"interval"`
	Seed     int64    `toml:"seed"`
}

// RiskConfig holds intake stake limits.
type RiskConfig struct {
	MaxStakePerInstrument float64 `toml:"max_stake_per_instrument"`
	MaxOpenStake          float64 `toml:"max_open_stake"`
}

// TradeConfig holds intake parameters.
type TradeConfig struct {
	// Durations is the allowed set of contract horizons in minutes.
	Durations []int `toml:"durations"`
}

// duration wraps time.Duration for TOML string decoding ("30s", "5m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Defaults returns the built-in configuration, matching the original
// platform's behavior where it had fixed values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Redis:  RedisConfig{Channel: "tradeengine.events"},
		Engine: EngineConfig{
			PayoutRatio:    0.85,
			Rule:           "price",
			WinProbability: 0.25,
			GracePeriod:    duration{10 * time.Second},
			RetryMax:       5,
			RetryBase:      duration{200 * time.Millisecond},
			Tick:           duration{time.Second},
		},
		Price: PriceConfig{Interval: duration{3 * time.Second}},
		Risk: RiskConfig{
			MaxStakePerInstrument: 10000,
			MaxOpenStake:          25000,
		},
		Trade:    TradeConfig{Durations: []int{2, 3, 5, 10, 15}},
		LogLevel: "info",
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Engine.PayoutRatio <= 0 {
		return fmt.Errorf("engine.payout_ratio must be positive, got %v", c.Engine.PayoutRatio)
	}
	if c.Engine.Rule != "price" && c.Engine.Rule != "probability" {
		return fmt.Errorf("engine.rule must be price or probability, got %q", c.Engine.Rule)
	}
	if c.Engine.WinProbability < 0 || c.Engine.WinProbability > 1 {
		return fmt.Errorf("engine.win_probability must be in [0,1], got %v", c.Engine.WinProbability)
	}
	if c.Engine.Tick.Duration <= 0 {
		return fmt.Errorf("engine.tick must be positive")
	}
	if c.Engine.RetryMax < 0 {
		return fmt.Errorf("engine.retry_max must not be negative")
	}
	if c.Price.Interval.Duration <= 0 {
		return fmt.Errorf("price.interval must be positive")
	}
	if len(c.Trade.Durations) == 0 {
		return fmt.Errorf("trade.durations must not be empty")
	}
	for _, d := range c.Trade.Durations {
		if d <= 0 {
			return fmt.Errorf("trade.durations entries must be positive, got %d", d)
		}
	}
	if c.Risk.MaxStakePerInstrument <= 0 || c.Risk.MaxOpenStake <= 0 {
		return fmt.Errorf("risk limits must be positive")
	}
	return nil
}
