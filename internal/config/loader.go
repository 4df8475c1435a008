package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEENGINE_* environment variable overrides,
// and returns the final Config. An empty path skips the file and uses
// defaults plus overrides. The caller should invoke Config.Validate().
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEENGINE_* environment variables
// and overwrites the corresponding Config fields when a variable is set.
// This lets operators inject secrets at deploy time without touching the
// TOML file.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "TRADEENGINE_SERVER_PORT")

	setStr(&cfg.Database.URL, "TRADEENGINE_DATABASE_URL")

	setStr(&cfg.Redis.Addr, "TRADEENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEENGINE_REDIS_DB")
	setStr(&cfg.Redis.Channel, "TRADEENGINE_REDIS_CHANNEL")

	setFloat64(&cfg.Engine.PayoutRatio, "TRADEENGINE_ENGINE_PAYOUT_RATIO")
	setBool(&cfg.Engine.ProfitOnly, "TRADEENGINE_ENGINE_PROFIT_ONLY")
	setStr(&cfg.Engine.Rule, "TRADEENGINE_ENGINE_RULE")
	setFloat64(&cfg.Engine.WinProbability, "TRADEENGINE_ENGINE_WIN_PROBABILITY")
	setInt64(&cfg.Engine.RuleSeed, "TRADEENGINE_ENGINE_RULE_SEED")
	setDuration(&cfg.Engine.GracePeriod, "TRADEENGINE_ENGINE_GRACE_PERIOD")
	setInt(&cfg.Engine.RetryMax, "TRADEENGINE_ENGINE_RETRY_MAX")
	setDuration(&cfg.Engine.RetryBase, "TRADEENGINE_ENGINE_RETRY_BASE")
	setDuration(&cfg.Engine.Tick, "TRADEENGINE_ENGINE_TICK")

	setDuration(&cfg.Price.Interval, "TRADEENGINE_PRICE_INTERVAL")
	setInt64(&cfg.Price.Seed, "TRADEENGINE_PRICE_SEED")

	setFloat64(&cfg.Risk.MaxStakePerInstrument, "TRADEENGINE_RISK_MAX_STAKE_PER_INSTRUMENT")
	setFloat64(&cfg.Risk.MaxOpenStake, "TRADEENGINE_RISK_MAX_OPEN_STAKE")

	setStr(&cfg.LogLevel, "TRADEENGINE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
