package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/gridforge/internal/ctxlog"
)

// DefaultFile is read when present and no other file is named.
const DefaultFile = "gridforge.hcl"

type fileRoot struct {
	Store    *storeBlock    `hcl:"store,block"`
	Cache    *cacheBlock    `hcl:"cache,block"`
	Executor *executorBlock `hcl:"executor,block"`
	Remote   *remoteBlock   `hcl:"remote,block"`
	Log      *logBlock      `hcl:"log,block"`
}

type storeBlock struct {
	Path    *string `hcl:"path,optional"`
	MaxSize *string `hcl:"max_size,optional"`
	MinSize *string `hcl:"min_size,optional"`
}

type cacheBlock struct {
	Enabled *bool `hcl:"enabled,optional"`
}

type executorBlock struct {
	Workers       *int    `hcl:"workers,optional"`
	KeepGoing     *bool   `hcl:"keep_going,optional"`
	MaxRetries    *int    `hcl:"max_retries,optional"`
	MemoryBudget  *string `hcl:"memory_budget,optional"`
	KeepSandboxes *bool   `hcl:"keep_sandboxes,optional"`
}

type remoteBlock struct {
	Listen            *string `hcl:"listen,optional"`
	HeartbeatInterval *string `hcl:"heartbeat_interval,optional"`
	HeartbeatTimeout  *string `hcl:"heartbeat_timeout,optional"`
}

type logBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

// LoadFile merges the HCL file at path into c. A missing file is an error
// only when required is set.
func (c *Config) LoadFile(ctx context.Context, path string, required bool) error {
	logger := ctxlog.FromContext(ctx)
	src, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			logger.Debug("No config file found, using defaults.", "path", path)
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := c.LoadBytes(src, path); err != nil {
		return err
	}
	logger.Debug("Config file loaded.", "path", path)
	return nil
}

// LoadBytes merges HCL source into c; filename is used in diagnostics.
func (c *Config) LoadBytes(src []byte, filename string) error {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse config %s: %w", filename, diags)
	}
	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return fmt.Errorf("failed to decode config %s: %w", filename, diags)
	}
	if err := c.merge(&root); err != nil {
		return fmt.Errorf("config %s: %w", filename, err)
	}
	return nil
}

func (c *Config) merge(root *fileRoot) error {
	if b := root.Store; b != nil {
		setString(&c.Store.Path, b.Path)
		if err := setSize(&c.Store.MaxSize, "store.max_size", b.MaxSize); err != nil {
			return err
		}
		if err := setSize(&c.Store.MinSize, "store.min_size", b.MinSize); err != nil {
			return err
		}
	}
	if b := root.Cache; b != nil && b.Enabled != nil {
		c.Cache.Enabled = *b.Enabled
	}
	if b := root.Executor; b != nil {
		if b.Workers != nil {
			c.Executor.Workers = *b.Workers
		}
		if b.KeepGoing != nil {
			c.Executor.KeepGoing = *b.KeepGoing
		}
		if b.MaxRetries != nil {
			c.Executor.MaxRetries = *b.MaxRetries
		}
		if b.KeepSandboxes != nil {
			c.Executor.KeepSandboxes = *b.KeepSandboxes
		}
		if err := setSize(&c.Executor.MemoryBudget, "executor.memory_budget", b.MemoryBudget); err != nil {
			return err
		}
	}
	if b := root.Remote; b != nil {
		setString(&c.Remote.Listen, b.Listen)
		if err := setDuration(&c.Remote.HeartbeatInterval, "remote.heartbeat_interval", b.HeartbeatInterval); err != nil {
			return err
		}
		if err := setDuration(&c.Remote.HeartbeatTimeout, "remote.heartbeat_timeout", b.HeartbeatTimeout); err != nil {
			return err
		}
	}
	if b := root.Log; b != nil {
		setString(&c.Log.Level, b.Level)
		setString(&c.Log.Format, b.Format)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setSize(dst *uint64, field string, v *string) error {
	if v == nil {
		return nil
	}
	n, err := parseSize(field, *v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, field string, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}
