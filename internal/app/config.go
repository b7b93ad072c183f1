package app

import (
	"context"
	"fmt"

	"github.com/vk/gridforge/internal/config"
)

// Overrides are settings given on the command line. Zero values leave the
// loaded configuration alone.
type Overrides struct {
	StorePath string
	Workers   int
	LogLevel  string
	LogFormat string
	Listen    string
}

// LoadConfig builds the configuration from defaults, the config file, the
// environment and finally o. An empty path reads config.DefaultFile if it
// exists; a given path must exist.
func LoadConfig(ctx context.Context, path string, o Overrides) (*config.Config, error) {
	cfg := config.Defaults()
	required := path != ""
	if !required {
		path = config.DefaultFile
	}
	if err := cfg.LoadFile(ctx, path, required); err != nil {
		return nil, err
	}
	if err := cfg.LoadEnv(); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if o.StorePath != "" {
		cfg.Store.Path = o.StorePath
	}
	if o.Workers > 0 {
		cfg.Executor.Workers = o.Workers
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if o.Listen != "" {
		cfg.Remote.Listen = o.Listen
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
