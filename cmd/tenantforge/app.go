package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/Strob0t/TenantForge/internal/adapter/discord"
	tfnats "github.com/Strob0t/TenantForge/internal/adapter/nats"
	"github.com/Strob0t/TenantForge/internal/adapter/natskv"
	"github.com/Strob0t/TenantForge/internal/adapter/netcheck"
	"github.com/Strob0t/TenantForge/internal/adapter/otel"
	"github.com/Strob0t/TenantForge/internal/adapter/postgres"
	"github.com/Strob0t/TenantForge/internal/adapter/ristretto"
	_ "github.com/Strob0t/TenantForge/internal/adapter/slack"
	"github.com/Strob0t/TenantForge/internal/adapter/tenantdb"
	"github.com/Strob0t/TenantForge/internal/adapter/tiered"
	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/port/broadcast"
	"github.com/Strob0t/TenantForge/internal/port/cache"
	"github.com/Strob0t/TenantForge/internal/port/notifier"
	"github.com/Strob0t/TenantForge/internal/resilience"
	"github.com/Strob0t/TenantForge/internal/secrets"
	"github.com/Strob0t/TenantForge/internal/service"
)

// app holds the wired control plane. Fields are nil when the corresponding
// infrastructure is disabled.
type app struct {
	cfg *config.Config

	pool  *pgxpool.Pool
	store *postgres.Store
	queue *tfnats.Queue
	l1    *ristretto.Cache
	cache cache.Cache

	activity    *service.ActivityLogger
	registry    *service.Registry
	tokens      *service.TokenIssuer
	router      *service.Router
	domains     *service.DomainManager
	health      *service.HealthMonitor
	provisioner *service.Provisioner
	alerts      *service.Alerter

	otelShutdown otel.ShutdownFunc
}

type appOptions struct {
	// queue connects to NATS when a URL is configured.
	queue bool
	// telemetry initializes the OTLP exporters.
	telemetry bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	// --- Infrastructure ---

	cipher, err := secrets.NewCipher(cfg.Tenancy.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("credential cipher: %w", err)
	}

	a.pool, err = postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	a.store = postgres.NewStore(a.pool, cipher)

	if opts.queue && cfg.NATS.URL != "" {
		a.queue, err = tfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		slog.Info("nats connected", "url", cfg.NATS.URL)
	}

	a.l1, err = ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("route cache: %w", err)
	}
	a.cache = a.l1
	if a.queue != nil {
		kv, err := a.queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			return nil, fmt.Errorf("route cache bucket: %w", err)
		}
		a.cache = tiered.New(a.l1, natskv.New(kv), cfg.Router.RouteTTL)
	}

	metrics := otel.NoopMetrics()
	a.otelShutdown = func(context.Context) error { return nil }
	if opts.telemetry {
		a.otelShutdown, err = otel.Init(ctx, cfg.OTEL)
		if err != nil {
			return nil, fmt.Errorf("otel: %w", err)
		}
		metrics, err = otel.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("otel metrics: %w", err)
		}
	}

	// --- Services ---

	backends := tenantdb.NewRegistry(cfg.Tenancy, slog.Default())

	a.activity = service.NewActivityLogger(a.store)
	a.registry = service.NewRegistry(a.store, a.activity, cfg.Tenancy)
	a.tokens = service.NewTokenIssuer(a.store, a.activity)

	a.router = service.NewRouter(a.registry, backends, a.cache, cfg.Router)
	a.registry.SetInvalidator(a.router)

	a.domains = service.NewDomainManager(a.registry, a.store,
		netcheck.NewResolver(), netcheck.NewTLSInspector(), a.activity, cfg.Health)

	breakers := resilience.NewSet(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	a.health = service.NewHealthMonitor(a.registry, a.store, a.router, a.domains, breakers, cfg.Health)

	a.provisioner = service.NewProvisioner(a.registry, a.store, service.TenantStore{
		Backends: backends,
		Migrator: tenantdb.Migrator{},
		Seeder:   tenantdb.Seeder{},
		Accounts: tenantdb.Accounts{},
		Settings: tenantdb.Settings{},
	}, a.tokens, a.activity, cfg.Provisioning)

	a.registry.SetMetrics(metrics)
	a.router.SetMetrics(metrics)
	a.health.SetMetrics(metrics)
	a.provisioner.SetMetrics(metrics)

	if a.queue != nil {
		a.registry.SetQueue(a.queue)
		a.domains.SetQueue(a.queue)
		a.provisioner.SetQueue(a.queue)
	}

	var channels []notifier.Notifier
	for name, url := range cfg.Alerts.Channels() {
		n, err := notifier.New(name, map[string]string{"webhook_url": url})
		if err != nil {
			return nil, fmt.Errorf("alert channel %s: %w", name, err)
		}
		channels = append(channels, n)
		slog.Info("alert channel enabled", "channel", name)
	}
	a.alerts = service.NewAlerter(cfg.Alerts.Timeout, channels...)
	if len(channels) > 0 {
		a.setFeed(a.alerts)
	}

	return a, nil
}

// setFeed sends lifecycle events from every service to b.
func (a *app) setFeed(b broadcast.Broadcaster) {
	a.registry.SetFeed(b)
	a.domains.SetFeed(b)
	a.provisioner.SetFeed(b)
}

// Close releases resources in reverse construction order.
func (a *app) Close(ctx context.Context) {
	// In-process runs record their outcome through the pool, so they stop first.
	if a.provisioner != nil {
		a.provisioner.Close()
	}
	if a.alerts != nil {
		a.alerts.Close()
	}
	if a.router != nil {
		a.router.Close()
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}
	if a.l1 != nil {
		a.l1.Close()
	}
	if a.queue != nil {
		if err := a.queue.Drain(); err != nil {
			slog.Warn("nats drain", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// checks reports the control plane's own dependencies on /health.
func (a *app) checks() map[string]func(context.Context) error {
	m := map[string]func(context.Context) error{
		"postgres": a.pool.Ping,
	}
	if a.queue != nil {
		m["nats"] = func(context.Context) error {
			if !a.queue.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}
	return m
}
