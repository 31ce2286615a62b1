// Package config loads the structured runtime configuration supplied at
// startup. There is no hot reload; a restart picks up changes.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object handed to the runtime.
type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	MetricsAddr string            `mapstructure:"metrics_addr"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Bus         BusConfig         `mapstructure:"bus"`
	Index       IndexConfig       `mapstructure:"index"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// CacheConfig controls the tiered state cache.
type CacheConfig struct {
	TickTTL       time.Duration `mapstructure:"tick_ttl"`
	OrderTTL      time.Duration `mapstructure:"order_ttl"`
	PositionTTL   time.Duration `mapstructure:"position_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// RedisAddr enables the L2 tier when non-empty.
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisTTL  time.Duration `mapstructure:"redis_ttl"`
}

// LaneConfig describes one priority lane of the event bus.
type LaneConfig struct {
	Capacity int    `mapstructure:"capacity"`
	Policy   string `mapstructure:"policy"` // "reject" or "drop_oldest"
}

// BusConfig controls the event dispatcher.
type BusConfig struct {
	Lanes []LaneConfig `mapstructure:"lanes"`
	// StarvationGuard caps consecutive top-lane dispatches before one
	// slot is yielded to lower lanes.
	StarvationGuard int `mapstructure:"starvation_guard"`
	// DefaultMaxLatency is the handler budget used when a subscriber
	// does not declare its own.
	DefaultMaxLatency time.Duration `mapstructure:"default_max_latency"`
	// DegradeAfter is the number of consecutive budget breaches before
	// a handler is flagged degraded.
	DegradeAfter int `mapstructure:"degrade_after"`
	// HandlerQueueSize bounds each subscriber's serial queue.
	HandlerQueueSize int `mapstructure:"handler_queue_size"`
}

// IndexConfig controls the order index.
type IndexConfig struct {
	// TerminalGrace is how long terminal orders are retained before the
	// cleanup pass purges them.
	TerminalGrace   time.Duration `mapstructure:"terminal_grace"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// TierLimits are the portfolio limits that define one protection tier.
// A metric at or beyond any limit breaches the tier.
type TierLimits struct {
	MaxPositionValue float64 `mapstructure:"max_position_value"`
	MaxDailyLoss     float64 `mapstructure:"max_daily_loss"`
	MaxDrawdown      float64 `mapstructure:"max_drawdown"`
	MaxLeverage      float64 `mapstructure:"max_leverage"`
	MaxConcentration float64 `mapstructure:"max_concentration"`
}

// BreakerConfig describes one named circuit breaker.
type BreakerConfig struct {
	Name      string        `mapstructure:"name"`
	Threshold float64       `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

// RiskConfig controls the risk controller and validation gate.
type RiskConfig struct {
	TickInterval   time.Duration   `mapstructure:"tick_interval"`
	DebounceWindow time.Duration   `mapstructure:"debounce_window"`
	Equity         float64         `mapstructure:"equity"`
	Conservative   TierLimits      `mapstructure:"conservative"`
	Aggressive     TierLimits      `mapstructure:"aggressive"`
	Emergency      TierLimits      `mapstructure:"emergency"`
	Breakers       []BreakerConfig `mapstructure:"breakers"`
	// Validation gate knobs.
	MaxOrderQty       float64       `mapstructure:"max_order_qty"`
	MaxOrderNotional  float64       `mapstructure:"max_order_notional"`
	MaxPriceDeviation float64       `mapstructure:"max_price_deviation"` // fraction of market price
	MaxOrdersPerSec   int           `mapstructure:"max_orders_per_sec"`
	CheckTimeout      time.Duration `mapstructure:"check_timeout"`
}

// PersistenceConfig controls the background snapshot flusher.
type PersistenceConfig struct {
	DSN           string        `mapstructure:"dsn"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Load reads the config file at path (yaml) and applies defaults and
// HFTCORE_* environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("HFTCORE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the runtime cannot operate under.
func (c *Config) Validate() error {
	if c.Risk.TickInterval <= 0 {
		return fmt.Errorf("risk.tick_interval must be > 0")
	}
	if c.Risk.DebounceWindow <= 0 {
		return fmt.Errorf("risk.debounce_window must be > 0")
	}
	if len(c.Bus.Lanes) == 0 {
		return fmt.Errorf("bus.lanes must not be empty")
	}
	for i, lane := range c.Bus.Lanes {
		if lane.Capacity <= 0 {
			return fmt.Errorf("bus.lanes[%d].capacity must be > 0", i)
		}
		switch lane.Policy {
		case "reject", "drop_oldest":
		default:
			return fmt.Errorf("bus.lanes[%d].policy must be reject or drop_oldest, got %q", i, lane.Policy)
		}
	}
	for i, b := range c.Risk.Breakers {
		if b.Name == "" {
			return fmt.Errorf("risk.breakers[%d].name must not be empty", i)
		}
		if b.Window <= 0 || b.Cooldown <= 0 {
			return fmt.Errorf("risk.breakers[%d] window and cooldown must be > 0", i)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9109")

	v.SetDefault("cache.tick_ttl", time.Millisecond)
	v.SetDefault("cache.order_ttl", 20*time.Millisecond)
	v.SetDefault("cache.position_ttl", 50*time.Millisecond)
	v.SetDefault("cache.sweep_interval", time.Second)
	v.SetDefault("cache.redis_ttl", time.Second)

	v.SetDefault("bus.lanes", []map[string]any{
		{"capacity": 4096, "policy": "reject"},
		{"capacity": 2048, "policy": "reject"},
		{"capacity": 1024, "policy": "drop_oldest"},
		{"capacity": 512, "policy": "drop_oldest"},
		{"capacity": 256, "policy": "drop_oldest"},
	})
	v.SetDefault("bus.starvation_guard", 64)
	v.SetDefault("bus.default_max_latency", 100*time.Microsecond)
	v.SetDefault("bus.degrade_after", 8)
	v.SetDefault("bus.handler_queue_size", 1024)

	v.SetDefault("index.terminal_grace", 5*time.Second)
	v.SetDefault("index.cleanup_interval", time.Second)

	v.SetDefault("risk.tick_interval", 100*time.Millisecond)
	v.SetDefault("risk.debounce_window", 30*time.Second)
	v.SetDefault("risk.equity", 1_000_000)
	v.SetDefault("risk.conservative", map[string]any{
		"max_position_value": 500_000, "max_daily_loss": 10_000,
		"max_drawdown": 0.05, "max_leverage": 5, "max_concentration": 0.25,
	})
	v.SetDefault("risk.aggressive", map[string]any{
		"max_position_value": 750_000, "max_daily_loss": 25_000,
		"max_drawdown": 0.10, "max_leverage": 10, "max_concentration": 0.40,
	})
	v.SetDefault("risk.emergency", map[string]any{
		"max_position_value": 1_000_000, "max_daily_loss": 50_000,
		"max_drawdown": 0.20, "max_leverage": 20, "max_concentration": 0.60,
	})
	v.SetDefault("risk.breakers", []map[string]any{
		{"name": "rapid_loss", "threshold": 50_000, "window": "5m", "cooldown": "900s"},
	})
	v.SetDefault("risk.max_order_qty", 1_000)
	v.SetDefault("risk.max_order_notional", 250_000)
	v.SetDefault("risk.max_price_deviation", 0.05)
	v.SetDefault("risk.max_orders_per_sec", 50)
	v.SetDefault("risk.check_timeout", 5*time.Millisecond)

	v.SetDefault("persistence.dsn", "hftcore.db")
	v.SetDefault("persistence.flush_interval", 10*time.Second)
}
