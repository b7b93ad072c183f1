package app

import (
	"context"
	"fmt"
	"net"

	"github.com/vk/gridforge/internal/ctxlog"
	"github.com/vk/gridforge/internal/remote"
	"github.com/vk/gridforge/internal/session"
)

// Serve runs the coordinator server on the configured listen address until
// ctx ends.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Remote.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.config.Remote.Listen, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	ctx = a.context(ctx)
	logger := ctxlog.FromContext(ctx)
	logger.Debug("App.Serve method started.")

	stores, err := session.OpenStores(ctx, a.config.Store, logger)
	if err != nil {
		ln.Close()
		return err
	}
	defer stores.Close()

	m := remote.NewManager(stores.Store, remote.ManagerOptions{
		HeartbeatInterval: a.config.Remote.HeartbeatInterval,
		HeartbeatTimeout:  a.config.Remote.HeartbeatTimeout,
	}, logger)
	opts := remote.ServerOptions{Store: stores.Store, Manager: m, Logger: logger}
	if a.config.Cache.Enabled {
		opts.Cache = stores.Cache
	}
	err = remote.NewServer(opts).Serve(ctx, ln)
	logger.Info("🏁 Server stopped.")
	return err
}
