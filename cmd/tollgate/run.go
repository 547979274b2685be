package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/analytics"
	"github.com/tollgate-io/tollgate/internal/app"
	"github.com/tollgate-io/tollgate/internal/auth"
	"github.com/tollgate-io/tollgate/internal/cloudauth"
	"github.com/tollgate-io/tollgate/internal/config"
	"github.com/tollgate-io/tollgate/internal/health"
	"github.com/tollgate-io/tollgate/internal/ledger"
	"github.com/tollgate-io/tollgate/internal/metering"
	"github.com/tollgate-io/tollgate/internal/policy"
	"github.com/tollgate-io/tollgate/internal/provider"
	"github.com/tollgate-io/tollgate/internal/provider/anthropic"
	"github.com/tollgate-io/tollgate/internal/provider/openai"
	"github.com/tollgate-io/tollgate/internal/ratelimit"
	"github.com/tollgate-io/tollgate/internal/router"
	"github.com/tollgate-io/tollgate/internal/secret"
	"github.com/tollgate-io/tollgate/internal/security"
	"github.com/tollgate-io/tollgate/internal/semcache"
	"github.com/tollgate-io/tollgate/internal/server"
	"github.com/tollgate-io/tollgate/internal/storage/sqlite"
	"github.com/tollgate-io/tollgate/internal/telemetry"
	"github.com/tollgate-io/tollgate/internal/wallet"
	"github.com/tollgate-io/tollgate/internal/worker"
)

// policyDeadline bounds rule evaluation on the request path. Past it the
// evaluator fails open so a slow rule set cannot take down traffic.
const policyDeadline = 100 * time.Millisecond

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	log.Info("starting tollgate", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Storage
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Secret resolution for connector key references
	var secretProvider secret.Provider
	switch cfg.Secrets.Provider {
	case "file":
		secretProvider, err = secret.NewFileProvider(cfg.Secrets.FilePath)
		if err != nil {
			return fmt.Errorf("secret provider: %w", err)
		}
	default:
		secretProvider = secret.NewEnvProvider()
	}
	secrets := secret.NewManager(secretProvider, cfg.Secrets.CacheTTL)
	defer secrets.Close()

	// Telemetry. Metrics are always collected; the endpoint and tracing
	// exporter are opt-in.
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)

	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	// Shared DNS cache across all connector transports. Upstream hostnames
	// are few and stable; refresh keeps entries from going stale.
	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()

	// Connectors
	providers := provider.NewRegistry()
	for _, entry := range cfg.Connectors {
		if !entry.IsEnabled() {
			continue
		}
		p, connCfg, err := buildConnector(ctx, entry, resolver, secrets)
		if err != nil {
			return fmt.Errorf("connector %s: %w", entry.ID, err)
		}
		providers.Register(connCfg, p)
		log.Info("connector registered", "id", entry.ID, "kind", entry.Kind, "models", len(entry.Models))
	}

	healthCfg := health.DefaultConfig()
	if cfg.Router.ProbeInterval > 0 {
		healthCfg.ProbeInterval = cfg.Router.ProbeInterval
	}
	healthReg := health.NewRegistry(healthCfg)

	disp := router.New(providers, healthReg, router.Config{
		DefaultStrategy: cfg.Router.DefaultStrategy,
		MaxRetries5xx:   cfg.Router.MaxRetries5xx,
		RetryBaseDelay:  cfg.Router.RetryBaseDelay,
	}, log)

	// Wallets: load every tenant's tree into the in-memory engine.
	wallets := wallet.NewService(store, log)
	wallets.SetNotifier(func(ev wallet.ThresholdEvent) {
		log.Warn("wallet threshold crossed",
			"wallet", ev.WalletID, "tenant", ev.TenantID,
			"threshold", ev.Threshold, "utilization", ev.Utilization)
	})
	tenantList, err := store.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, t := range tenantList {
		if err := wallets.Load(ctx, t.ID); err != nil {
			return fmt.Errorf("load wallets for %s: %w", t.ID, err)
		}
	}

	ledgerWriter := ledger.NewWriter(store, 1024, log)

	evaluator := policy.NewEvaluator(store, policyDeadline, true, log)
	for _, t := range tenantList {
		if err := evaluator.Refresh(ctx, t.ID); err != nil {
			return fmt.Errorf("load rules for %s: %w", t.ID, err)
		}
	}

	var scanner *security.Scanner
	if cfg.Security.Enabled {
		scanner = security.NewScanner(security.Config{
			PIIAction:       cfg.Security.PIIAction,
			SecretAction:    cfg.Security.SecretAction,
			InjectionAction: cfg.Security.InjectionAction,
			MaxScanBytes:    cfg.Security.MaxScanBytes,
		})
	}

	var semCache *semcache.Cache
	if cfg.Cache.Enabled {
		semCache, err = semcache.New(buildEmbedder(cfg, providers, log), semcache.Config{
			MaxEntriesPerTenant: cfg.Cache.MaxEntries,
			DefaultTTL:          cfg.Cache.DefaultTTL,
			Threshold:           cfg.Cache.Threshold,
			LookupTimeout:       cfg.Cache.LookupTimeout,
		}, log)
		if err != nil {
			return fmt.Errorf("semantic cache: %w", err)
		}
	}

	gate := ratelimit.NewGate()

	keyAuth, err := auth.NewAPIKeyAuth(store, cfg.Auth.KeyCacheTTL)
	if err != nil {
		return err
	}
	authenticator := gateway.Authenticator(keyAuth)
	if cfg.Auth.JWTSecret != "" {
		authenticator = &auth.Multi{
			Keys: keyAuth,
			JWT:  auth.NewJWTAuth(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer),
		}
	}

	var recorder *analytics.Recorder
	if cfg.Analytics.Enabled {
		recorder = analytics.NewRecorder(store, analytics.Config{
			BufferSize:    cfg.Analytics.BufferSize,
			BatchSize:     cfg.Analytics.BatchSize,
			FlushInterval: cfg.Analytics.FlushInterval,
		}, log, metrics.AnalyticsDropped, metrics.AnalyticsQueued)
	}

	deps := server.Deps{
		Auth:           authenticator,
		Router:         disp,
		Providers:      providers,
		Health:         healthReg,
		Tenants:        app.NewTenantResolver(store),
		Keys:           app.NewKeyManager(store),
		KeyInvalidator: keyAuth,
		Wallets:        wallets,
		Ledger:         ledgerWriter,
		LedgerStore:    store,
		Policy:         evaluator,
		Scanner:        scanner,
		SemCache:       semCache,
		Gate:           gate,
		Meter:          metering.NewCounter(),
		Store:          store,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
		DefaultRPM:     cfg.RateLimits.DefaultRPM,
		DefaultTPM:     cfg.RateLimits.DefaultTPM,
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if recorder != nil {
		deps.Analytics = recorder
	}

	handler := server.New(deps)

	// Background workers
	workerList := []worker.Worker{
		ledgerWriter,
		worker.NewWalletFlusher(wallets, 5*time.Second, log),
		worker.NewWalletResetWorker(wallets, store, ledgerWriter, log),
		worker.NewHealthProber(providers, healthReg, healthCfg.ProbeInterval, log),
		worker.NewSweeper(gate, healthReg, time.Minute, 30*time.Minute, log),
	}
	if recorder != nil {
		workerList = append(workerList, recorder)
	}
	runner := worker.NewRunner(workerList...)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- runner.Run(workerCtx)
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info("tollgate ready", "addr", cfg.Server.Addr, "connectors", len(providers.List()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	case err := <-workerErr:
		return fmt.Errorf("worker failed: %w", err)
	}

	// Drain order: stop accepting traffic, then stop workers so buffered
	// ledger and analytics records flush, then close storage (deferred).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	stopWorkers()
	select {
	case <-workerErr:
	case <-shutdownCtx.Done():
		log.Warn("worker drain timed out")
	}

	if err := wallets.Flush(shutdownCtx); err != nil {
		log.Warn("final wallet flush failed", "error", err)
	}

	log.Info("tollgate stopped")
	return nil
}

// buildConnector constructs the provider client and its registry config for
// one connector entry, wiring the auth transport the hosting demands.
func buildConnector(ctx context.Context, entry config.ConnectorEntry, resolver *dnscache.Resolver, secrets *secret.Manager) (gateway.Provider, *gateway.ConnectorConfig, error) {
	base := provider.NewTransport(resolver, false)

	var rt http.RoundTripper
	switch entry.ResolvedAuthType() {
	case "gcp_oauth":
		t, err := cloudauth.NewGCPOAuthTransport(ctx, base, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			return nil, nil, err
		}
		rt = t

	case "aws_sigv4":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(entry.Region))
		if err != nil {
			return nil, nil, err
		}
		rt = cloudauth.NewAWSSigV4Transport(base, awsCfg.Credentials, entry.Region, "bedrock")

	default:
		// Key references resolve through the secret manager on every use so
		// rotated keys take effect without a restart.
		keyRef := entry.KeyRef
		source := func() (string, error) {
			return secrets.Resolve(context.Background(), keyRef)
		}
		header, prefix := "Authorization", "Bearer "
		switch {
		case entry.Kind == "anthropic":
			header, prefix = "x-api-key", ""
		case entry.Hosting == "azure":
			header, prefix = "api-key", ""
		}
		rt = &cloudauth.APIKeyTransport{
			Source:     source,
			HeaderName: header,
			Prefix:     prefix,
			Base:       base,
		}
	}

	timeout := 60 * time.Second
	if entry.TimeoutMs > 0 {
		timeout = time.Duration(entry.TimeoutMs) * time.Millisecond
	}
	client := &http.Client{Transport: rt, Timeout: timeout}

	models := make([]gateway.ModelSpec, len(entry.Models))
	for i, m := range entry.Models {
		models[i] = gateway.ModelSpec{
			Name:          m.Name,
			InputPer1M:    m.InputPer1M,
			OutputPer1M:   m.OutputPer1M,
			ContextWindow: m.ContextWindow,
			Capabilities:  m.Capabilities,
		}
	}
	connCfg := &gateway.ConnectorConfig{
		ID:        entry.ID,
		Kind:      entry.Kind,
		BaseURL:   entry.BaseURL,
		KeyRef:    entry.KeyRef,
		Models:    models,
		Regions:   entry.Regions,
		Priority:  entry.Priority,
		MaxRPS:    entry.MaxRPS,
		MaxTPM:    entry.MaxTPM,
		TimeoutMs: entry.TimeoutMs,
		Enabled:   true,
	}

	var p gateway.Provider
	switch entry.Kind {
	case "anthropic":
		p = anthropic.NewWithHosting(entry.ID, entry.BaseURL, client, entry.Hosting, entry.Region, entry.Project)
	case "openai", "openai-compat":
		p = openai.NewWithHosting(entry.ID, entry.BaseURL, client, entry.Hosting)
	default:
		return nil, nil, fmt.Errorf("unknown connector kind %q", entry.Kind)
	}
	return p, connCfg, nil
}

// buildEmbedder selects the embedding backend for the semantic cache. A
// connector-backed embedder needs a registered connector advertising the
// configured model; otherwise the deterministic local embedder is used.
func buildEmbedder(cfg *config.Config, providers *provider.Registry, log *slog.Logger) semcache.Embedder {
	if cfg.Cache.EmbedderKind != "connector" || cfg.Cache.EmbedderModel == "" {
		return semcache.LocalEmbedder{}
	}
	for _, c := range providers.Configs() {
		if c.Model(cfg.Cache.EmbedderModel) == nil {
			continue
		}
		p, err := providers.Get(c.ID)
		if err != nil {
			continue
		}
		return &semcache.ConnectorEmbedder{Provider: p, Model: cfg.Cache.EmbedderModel}
	}
	log.Warn("no connector advertises embedder model, using local embedder",
		"model", cfg.Cache.EmbedderModel)
	return semcache.LocalEmbedder{}
}
