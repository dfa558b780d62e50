package app

import (
	"context"
	"fmt"

	"condor/internal/config"
	"condor/internal/engine"
	"condor/internal/logger"
	"condor/internal/store"
	condorhttp "condor/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App ties the engine and the admin API into one runnable unit.
type App struct {
	cfg    *config.Config
	store  store.Store
	engine *engine.Engine
	http   *condorhttp.Server
}

// NewApp builds the application from configuration without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Engine exposes the engine instance (for tests and replay harnesses).
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

// Run starts the engine and, when enabled, the HTTP server. It blocks until
// ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
	}()

	group, ctx := errgroup.WithContext(ctx)

	if a.http != nil {
		group.Go(func() error {
			logger.Infof("admin api listening on %s", a.http.Addr())
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		return a.engine.Start(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		if err := a.engine.Stop(); err != nil {
			logger.Warnf("engine shutdown: %v", err)
		}
		return nil
	})

	return group.Wait()
}
