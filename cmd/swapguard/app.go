package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swapguard/internal/chain"
	"swapguard/internal/config"
	"swapguard/internal/dex"
	"swapguard/internal/gateway"
	"swapguard/internal/guard"
	"swapguard/internal/mev"
	"swapguard/internal/observability"
	"swapguard/internal/quote"
	"swapguard/internal/reputation"
	"swapguard/internal/route"
	"swapguard/internal/security"
	"swapguard/internal/storage"
	"swapguard/internal/storage/postgres"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      config.Config
	obs      *observability.Observer
	client   *chain.Client
	gw       *gateway.Gateway
	registry *dex.Registry
	store    *postgres.Store
	metrics  *http.Server

	sinks []storage.AuditSink
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, obs: observability.NewObserver(logger, cfg.Metrics.Namespace)}

	a.client, err = chain.NewClient(ctx, cfg.Gateway.RPCURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	a.gw = gateway.New(a.client, cfg.RetryPolicy(), a.obs)

	var prices dex.PriceSource
	if cfg.Pricing.BaseURL != "" {
		opts := []reputation.Option{reputation.WithRateLimit(cfg.Pricing.RateLimit, 1)}
		if cfg.Pricing.APIKey != "" {
			opts = append(opts, reputation.WithAPIKey("x-cg-demo-api-key", cfg.Pricing.APIKey))
		}
		prices = reputation.NewPriceClient(cfg.Pricing.BaseURL, cfg.Pricing.Platform, cfg.Pricing.TTL, nil, opts...)
	}

	a.registry, err = dex.NewRegistry(a.gw, cfg.Contracts, cfg.Cache.TTL, prices, a.obs)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr)
	}

	a.obs.Logger.Info("swapguard start",
		zap.String("rpc", cfg.Gateway.RPCURL),
		zap.String("protocol", string(cfg.Discovery.Protocol)),
		zap.String("security_level", string(cfg.Security.Settings.Level)),
		zap.Bool("pricing", prices != nil),
		zap.String("metrics_addr", cfg.Metrics.Addr),
	)
	return a, nil
}

// openSinks attaches the configured audit destinations.
func (a *app) openSinks(ctx context.Context) error {
	if a.cfg.Audit.JSONLPath != "" {
		a.sinks = append(a.sinks, storage.NewAuditLog(a.cfg.Audit.JSONLPath))
	}
	if a.cfg.Audit.PostgresDSN == "" {
		return nil
	}

	store, err := postgres.NewStore(ctx, a.cfg.Audit.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.store = store
	a.sinks = append(a.sinks, store)
	a.obs.Logger.Info("audit store ready", zap.String("dsn", postgres.RedactDSN(a.cfg.Audit.PostgresDSN)))
	return nil
}

func (a *app) finder() *route.Finder {
	return route.NewFinder(a.registry, quote.NewEngine(a.registry), a.cfg.Route(), a.obs)
}

func (a *app) checker() *security.Checker {
	var rep security.Reputation
	if a.cfg.Reputation.BaseURL != "" {
		opts := []reputation.Option{
			reputation.WithTimeout(a.cfg.Reputation.Timeout),
			reputation.WithRateLimit(a.cfg.Reputation.RateLimit, reputation.DefaultBurst),
		}
		if a.cfg.Reputation.APIKey != "" {
			opts = append(opts, reputation.WithAPIKey("Authorization", a.cfg.Reputation.APIKey))
		}
		rep = reputation.NewSecurityClient(a.cfg.Reputation.BaseURL, opts...)
	}
	analyzer := security.NewActivityAnalyzer(a.gw, a.cfg.Security.ActivityBlocks, a.obs)
	var opts []security.Option
	if sources := a.sources(); len(sources) > 0 {
		opts = append(opts, security.WithSourceVerifier(sources))
	}
	return security.NewChecker(a.registry, analyzer, rep, a.cfg.Checker(), a.obs, opts...)
}

// sources lists the configured source-verification backends, Etherscan first.
func (a *app) sources() reputation.AnySource {
	cfg := a.cfg.Sources
	if !cfg.Verify {
		return nil
	}
	opts := []reputation.Option{
		reputation.WithTimeout(cfg.Timeout),
		reputation.WithRateLimit(cfg.RateLimit, reputation.DefaultBurst),
	}
	var sources reputation.AnySource
	if cfg.EtherscanURL != "" && cfg.EtherscanKey != "" {
		sources = append(sources, reputation.NewEtherscanClient(cfg.EtherscanURL, cfg.EtherscanKey, opts...))
	}
	if cfg.SourcifyURL != "" {
		sources = append(sources, reputation.NewSourcifyClient(cfg.SourcifyURL, opts...))
	}
	return sources
}

func (a *app) guard(verifier guard.Verifier) *guard.Manager {
	detector := mev.NewDetector(a.gw, a.registry.ABIs(), a.cfg.MEV(), a.obs)
	return guard.NewManager(a.registry, verifier, detector, a.obs, guard.WithSinks(a.sinks...))
}

func (a *app) serveMetrics(addr string) {
	a.metrics = &http.Server{
		Addr:              addr,
		Handler:           a.obs.Metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.obs.Logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

func (a *app) Close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
	_ = a.obs.Close()
}
