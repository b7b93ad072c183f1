package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk/gridforge/internal/config"
	"github.com/vk/gridforge/internal/ctxlog"
	"github.com/vk/gridforge/internal/session"
)

// App holds what every flow needs: the configuration, a logger and where
// human readable output goes.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	config     *config.Config
	httpServer *http.Server

	// newFactory picks the session backend for Run. Tests replace it.
	newFactory func(remote string) session.SessionFactory
}

// NewApp creates an App with its own logger writing to logW. Summaries and
// other command output go to outW.
func NewApp(outW, logW io.Writer, cfg *config.Config) *App {
	logger := newLogger(cfg.Log.Level, cfg.Log.Format, logW)
	logger.Debug("Logger configured successfully.")
	return &App{
		outW:       outW,
		logger:     logger,
		config:     cfg,
		newFactory: defaultFactory,
	}
}

// Logger returns the application's logger. This is primarily for testing.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

func (a *App) context(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.logger)
}
