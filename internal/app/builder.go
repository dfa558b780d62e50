package app

import (
	"context"
	"fmt"
	"strings"

	"condor/internal/config"
	"condor/internal/engine"
	"condor/internal/logger"
	"condor/internal/market"
	"condor/internal/policy"
	"condor/internal/store"
	"condor/internal/store/auditlog"
	"condor/internal/store/gormstore"
	condorhttp "condor/internal/transport/http"
	"condor/internal/verify"
)

// AppBuilder assembles the engine's dependency graph. The override hooks let
// tests slot in fakes without touching the production wiring.
type AppBuilder struct {
	cfg *config.Config

	storeOverride    store.Store
	gatewayOverride  market.Gateway
	verifierOverride engine.ActivationVerifier
	executorOverride engine.TradeExecutor
}

type AppBuilderOption func(*AppBuilder)

func WithStore(st store.Store) AppBuilderOption {
	return func(b *AppBuilder) { b.storeOverride = st }
}

func WithGateway(gw market.Gateway) AppBuilderOption {
	return func(b *AppBuilder) { b.gatewayOverride = gw }
}

func WithVerifier(v engine.ActivationVerifier) AppBuilderOption {
	return func(b *AppBuilder) { b.verifierOverride = v }
}

func WithExecutor(x engine.TradeExecutor) AppBuilderOption {
	return func(b *AppBuilder) { b.executorOverride = x }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	st := b.storeOverride
	if st == nil {
		gs, err := gormstore.NewGormStore(cfg.DB.Path)
		if err != nil {
			return nil, fmt.Errorf("open store at %s: %w", cfg.DB.Path, err)
		}
		audit, err := auditlog.NewAuditStore(cfg.DB.AuditPath)
		if err != nil {
			gs.Close()
			return nil, fmt.Errorf("open audit store at %s: %w", cfg.DB.AuditPath, err)
		}
		st = &compositeStore{GormStore: gs, AuditStore: audit}
		logger.Infof("store opened at %s (audit log at %s)", cfg.DB.Path, cfg.DB.AuditPath)
	}

	policies, err := policy.NewRegistry(cfg.Policy.Path)
	if err != nil {
		return nil, fmt.Errorf("load trigger policies: %w", err)
	}
	if cfg.Policy.Path != "" {
		logger.Infof("trigger policies loaded from %s (hot reload on)", cfg.Policy.Path)
	}

	gateway, verifier, executor := b.marketStack(cfg)

	eng := engine.New(cfg.Engine, st, gateway, policies, verifier, executor)

	var httpServer *condorhttp.Server
	if cfg.HTTP.Enabled {
		httpServer, err = condorhttp.NewServer(condorhttp.ServerConfig{
			Addr:   cfg.HTTP.Addr,
			Router: condorhttp.NewRouter(st, eng),
		})
		if err != nil {
			return nil, fmt.Errorf("build http server: %w", err)
		}
	}

	return &App{
		cfg:    cfg,
		store:  st,
		engine: eng,
		http:   httpServer,
	}, nil
}

// compositeStore joins the strategy store with the audit log store behind the
// single store.Store boundary the engine and HTTP layer consume.
type compositeStore struct {
	*gormstore.GormStore
	*auditlog.AuditStore
}

var _ store.Store = (*compositeStore)(nil)

func (s *compositeStore) Close() error {
	err := s.AuditStore.Close()
	if gerr := s.GormStore.Close(); gerr != nil {
		err = gerr
	}
	return err
}

// marketStack resolves the gateway, verifier and executor from the provider
// setting. Overrides win; credentials decide live versus paper dispatch.
func (b *AppBuilder) marketStack(cfg *config.Config) (market.Gateway, engine.ActivationVerifier, engine.TradeExecutor) {
	gateway := b.gatewayOverride
	verifier := b.verifierOverride
	executor := b.executorOverride

	provider := strings.ToLower(strings.TrimSpace(cfg.Market.Provider))
	if gateway == nil {
		switch provider {
		case "binance":
			gateway = market.NewBinanceGateway(cfg.Market)
		default:
			gateway = market.NewDisabledGateway()
		}
	}
	if verifier == nil {
		switch provider {
		case "binance":
			verifier = verify.NewVenueVerifier(cfg.Market)
		default:
			verifier = verify.StaticVerifier{}
		}
	}
	if executor == nil {
		if provider == "binance" && cfg.Market.APIKey != "" {
			executor = verify.NewBinanceExecutor(cfg.Market)
			logger.Infof("order dispatch: binance futures (testnet=%v)", cfg.Market.Testnet)
		} else {
			executor = verify.NewPaperExecutor()
			logger.Infof("order dispatch: paper mode")
		}
	}
	return gateway, verifier, executor
}
