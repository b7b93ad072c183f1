package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/vk/gridforge/internal/ctxlog"
	"github.com/vk/gridforge/internal/remote"
	"github.com/vk/gridforge/internal/remotesession"
	"github.com/vk/gridforge/internal/session"
)

// WorkerOptions configure a worker agent.
type WorkerOptions struct {
	// Server is the address of the server to join.
	Server string
	// Name defaults to the host name.
	Name string
	// Slots defaults to the configured number of workers.
	Slots int
	// HealthcheckPort serves /health when positive.
	HealthcheckPort int
}

// Worker joins a server and runs jobs for it until ctx ends, reconnecting
// whenever the connection drops.
func (a *App) Worker(ctx context.Context, opts WorkerOptions) error {
	ctx = a.context(ctx)
	logger := ctxlog.FromContext(ctx)
	logger.Debug("App.Worker method started.", "server", opts.Server)
	if opts.Server == "" {
		return errors.New("no server address given")
	}
	if opts.Name == "" {
		opts.Name, _ = os.Hostname()
	}
	if opts.Slots <= 0 {
		opts.Slots = a.config.Executor.Workers
	}

	ctx = ctxlog.With(ctx, "worker", opts.Name)
	logger = ctxlog.FromContext(ctx)
	stores, err := session.OpenStores(ctx, a.config.Store, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	if opts.HealthcheckPort > 0 {
		a.startHealthcheckServer(ctx, opts.HealthcheckPort)
		defer a.closeHealthcheckServer(ctx)
	}

	agent := remote.NewAgent(stores.Store, remote.AgentOptions{
		URL:           remotesession.WorkerURL(opts.Server),
		Name:          opts.Name,
		Slots:         opts.Slots,
		MemoryKiB:     a.config.Executor.MemoryBudget / 1024,
		TempDir:       filepath.Join(a.config.Store.Path, "sandboxes"),
		KeepSandboxes: a.config.Executor.KeepSandboxes,
	}, logger)
	logger.Info("🚀 Worker starting.", "name", opts.Name, "server", opts.Server, "slots", opts.Slots)
	err = agent.Run(ctx)
	logger.Info("🏁 Worker stopped.")
	return err
}
