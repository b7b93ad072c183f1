package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. GRIDFORGE_WORKERS.
const EnvPrefix = "gridforge"

type envOverrides struct {
	StorePath         string         `envconfig:"STORE_PATH"`
	StoreMaxSize      string         `envconfig:"STORE_MAX_SIZE"`
	StoreMinSize      string         `envconfig:"STORE_MIN_SIZE"`
	Cache             *bool          `envconfig:"CACHE"`
	Workers           *int           `envconfig:"WORKERS"`
	KeepGoing         *bool          `envconfig:"KEEP_GOING"`
	MaxRetries        *int           `envconfig:"MAX_RETRIES"`
	MemoryBudget      string         `envconfig:"MEMORY_BUDGET"`
	Listen            string         `envconfig:"LISTEN"`
	HeartbeatInterval *time.Duration `envconfig:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  *time.Duration `envconfig:"HEARTBEAT_TIMEOUT"`
	LogLevel          string         `envconfig:"LOG_LEVEL"`
	LogFormat         string         `envconfig:"LOG_FORMAT"`
}

// LoadEnv merges GRIDFORGE_* environment variables into c.
func (c *Config) LoadEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if env.StorePath != "" {
		c.Store.Path = env.StorePath
	}
	for _, s := range []struct {
		dst   *uint64
		field string
		v     string
	}{
		{&c.Store.MaxSize, "GRIDFORGE_STORE_MAX_SIZE", env.StoreMaxSize},
		{&c.Store.MinSize, "GRIDFORGE_STORE_MIN_SIZE", env.StoreMinSize},
		{&c.Executor.MemoryBudget, "GRIDFORGE_MEMORY_BUDGET", env.MemoryBudget},
	} {
		if s.v == "" {
			continue
		}
		n, err := parseSize(s.field, s.v)
		if err != nil {
			return err
		}
		*s.dst = n
	}
	if env.Cache != nil {
		c.Cache.Enabled = *env.Cache
	}
	if env.Workers != nil {
		c.Executor.Workers = *env.Workers
	}
	if env.KeepGoing != nil {
		c.Executor.KeepGoing = *env.KeepGoing
	}
	if env.MaxRetries != nil {
		c.Executor.MaxRetries = *env.MaxRetries
	}
	if env.Listen != "" {
		c.Remote.Listen = env.Listen
	}
	if env.HeartbeatInterval != nil {
		c.Remote.HeartbeatInterval = *env.HeartbeatInterval
	}
	if env.HeartbeatTimeout != nil {
		c.Remote.HeartbeatTimeout = *env.HeartbeatTimeout
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		c.Log.Format = env.LogFormat
	}
	return nil
}
