// Package config loads run configuration for the backtester.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// InstrumentConfig declares one tradable instrument.
type InstrumentConfig struct {
	Symbol string `mapstructure:"symbol"`
	Base   string `mapstructure:"base"`
	Quote  string `mapstructure:"quote"`
}

// LatencyConfig selects and parameterizes the latency model.
// Model is one of: constant, lognormal, replay.
type LatencyConfig struct {
	Model string        `mapstructure:"model"`
	Feed  time.Duration `mapstructure:"feed"`
	Order time.Duration `mapstructure:"order"`

	// lognormal parameters, in log-nanosecond space
	Mu    float64       `mapstructure:"mu"`
	Sigma float64       `mapstructure:"sigma"`
	Min   time.Duration `mapstructure:"min"`

	// replay samples
	Samples []LatencySampleConfig `mapstructure:"samples"`
}

// LatencySampleConfig is one recorded round-trip observation for the
// replay model.
type LatencySampleConfig struct {
	TS    int64         `mapstructure:"ts"`
	Feed  time.Duration `mapstructure:"feed"`
	Order time.Duration `mapstructure:"order"`
}

// QueueConfig selects the queue position policy: fifo, prorata, discount.
type QueueConfig struct {
	Policy string `mapstructure:"policy"`
	Factor string `mapstructure:"factor"`
}

// FeeTierConfig is one maker/taker tier; decimal fields are strings so
// rates survive YAML without float rounding.
type FeeTierConfig struct {
	Name      string `mapstructure:"name"`
	VolumeMin string `mapstructure:"volume_min"`
	Maker     string `mapstructure:"maker"`
	Taker     string `mapstructure:"taker"`
}

// Config is the full run configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Archive string `mapstructure:"archive"`
	Journal string `mapstructure:"journal"`

	Seed int64 `mapstructure:"seed"`

	Instruments []InstrumentConfig `mapstructure:"instruments"`
	Balances    map[string]string  `mapstructure:"balances"`

	Latency LatencyConfig   `mapstructure:"latency"`
	Queue   QueueConfig     `mapstructure:"queue"`
	Fees    []FeeTierConfig `mapstructure:"fees"`

	// Accounting convention for realized PnL: fifo or avgcost.
	Accounting string `mapstructure:"accounting"`

	// LimitOnly rejects marketable orders instead of matching them.
	LimitOnly bool `mapstructure:"limit_only"`

	// EquityInterval throttles equity-curve sampling; zero samples on
	// every market event.
	EquityInterval time.Duration `mapstructure:"equity_interval"`
}

// Load reads the configuration file at path (YAML), applying defaults and
// TICKBT_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TICKBT")
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("seed", 1)
	v.SetDefault("accounting", "fifo")
	v.SetDefault("latency.model", "constant")
	v.SetDefault("latency.feed", "50ms")
	v.SetDefault("latency.order", "100ms")
	v.SetDefault("queue.policy", "fifo")
	v.SetDefault("equity_interval", "0s")
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if len(c.Instruments) == 0 {
		return fmt.Errorf("config: at least one instrument is required")
	}
	for _, ins := range c.Instruments {
		if ins.Symbol == "" || ins.Base == "" || ins.Quote == "" {
			return fmt.Errorf("config: instrument %q needs symbol, base and quote", ins.Symbol)
		}
	}
	switch c.Latency.Model {
	case "constant", "lognormal":
	case "replay":
		if len(c.Latency.Samples) == 0 {
			return fmt.Errorf("config: latency model replay requires samples")
		}
	default:
		return fmt.Errorf("config: unknown latency model %q", c.Latency.Model)
	}
	switch c.Queue.Policy {
	case "", "fifo", "prorata", "discount":
	default:
		return fmt.Errorf("config: unknown queue policy %q", c.Queue.Policy)
	}
	switch c.Accounting {
	case "fifo", "avgcost":
	default:
		return fmt.Errorf("config: unknown accounting convention %q", c.Accounting)
	}
	return nil
}
