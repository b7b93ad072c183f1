package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

type Config struct {
	Store    StoreConfig
	Cache    CacheConfig
	Executor ExecutorConfig
	Remote   RemoteConfig
	Log      LogConfig
}

type StoreConfig struct {
	Path string
	// MaxSize triggers eviction down to MinSize. Zero means unbounded.
	MaxSize uint64
	MinSize uint64
}

type CacheConfig struct {
	Enabled bool
}

type ExecutorConfig struct {
	Workers    int
	KeepGoing  bool
	MaxRetries int
	// MemoryBudget caps the sum of memory limits of concurrently running
	// local jobs. Zero means no cap.
	MemoryBudget  uint64
	KeepSandboxes bool
}

type RemoteConfig struct {
	Listen            string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Store:    StoreConfig{Path: defaultStorePath()},
		Cache:    CacheConfig{Enabled: true},
		Executor: ExecutorConfig{Workers: runtime.NumCPU(), MaxRetries: 2},
		Remote: RemoteConfig{
			Listen:            ":27182",
			HeartbeatInterval: 2 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func defaultStorePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "gridforge")
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path must not be empty"))
	}
	if c.Store.MaxSize > 0 && c.Store.MinSize > c.Store.MaxSize {
		errs = append(errs, fmt.Errorf("store.min_size (%s) exceeds store.max_size (%s)",
			humanize.IBytes(c.Store.MinSize), humanize.IBytes(c.Store.MaxSize)))
	}
	if c.Executor.Workers <= 0 {
		errs = append(errs, fmt.Errorf("executor.workers must be positive, got %d", c.Executor.Workers))
	}
	if c.Executor.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("executor.max_retries must not be negative, got %d", c.Executor.MaxRetries))
	}
	if c.Remote.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("remote.heartbeat_interval must be positive"))
	}
	if c.Remote.HeartbeatTimeout <= c.Remote.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("remote.heartbeat_timeout (%s) must exceed remote.heartbeat_interval (%s)",
			c.Remote.HeartbeatTimeout, c.Remote.HeartbeatInterval))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// parseSize accepts sizes such as "512MiB", "4GB" or "1024".
func parseSize(field, s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return n, nil
}
