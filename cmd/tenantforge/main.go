// Command tenantforge runs the TenantForge control plane and its operator CLI.
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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	tfhttp "github.com/Strob0t/TenantForge/internal/adapter/http"
	"github.com/Strob0t/TenantForge/internal/adapter/otel"
	"github.com/Strob0t/TenantForge/internal/adapter/ws"
	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/logger"
	"github.com/Strob0t/TenantForge/internal/middleware"
	"github.com/Strob0t/TenantForge/internal/port/broadcast"
	"github.com/Strob0t/TenantForge/internal/secrets"
)

const adminKeyEnv = "TENANTFORGE_ADMIN_API_KEY"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tenantforge",
		Short:         "Multi-tenant control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.AddFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(), newAdminCmd())
	return root
}

// loadConfig reads configuration with CLI overrides and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, logger.Closer, error) {
	cfg, path, err := config.LoadWithCLI(config.FlagsFrom(cmd.Flags()))
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)

	slog.Info("config loaded",
		"path", path,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"environment", cfg.Tenancy.Environment,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)
	return cfg, closer, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, provisioning workers and heartbeat pruner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closer, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer closer.Close()
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{queue: true, telemetry: true})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	// Admin key: .env and environment are re-read on SIGHUP.
	vault, err := secrets.NewVault(secrets.DotenvLoader(config.DefaultEnvFile, adminKeyEnv))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	vault.SetDefault(adminKeyEnv, cfg.Admin.APIKey)
	go reloadOnHangup(ctx, vault)
	adminKey := func() string { return vault.Get(adminKeyEnv) }

	// --- Background workers ---

	cancelWorker, err := a.provisioner.StartWorker(ctx)
	if err != nil {
		return fmt.Errorf("provision worker: %w", err)
	}
	defer cancelWorker()

	go a.health.RunPruner(ctx)
	go a.provisioner.RunReaper(ctx)

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	// --- HTTP ---

	feed := ws.NewHub(cfg.Server.CORSOrigin)
	a.setFeed(broadcast.Fanout{feed, a.alerts})

	handlers := &tfhttp.Handlers{
		Tenants:      a.registry,
		Provisioning: a.provisioner,
		Domains:      a.domains,
		Health:       a.health,
		Tokens:       a.tokens,
		Activity:     a.activity,
		Checks:       a.checks(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(otel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(tfhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(tfhttp.SecurityHeaders)
	r.Use(tfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(chimw.Timeout(60 * time.Second))

	tfhttp.MountRoutes(r, handlers, tfhttp.RouteConfig{
		AdminKey:    adminKey,
		Tokens:      a.tokens,
		Resolver:    a.router,
		Idempotency: a.cache,
		RateLimit:   limiter,
		Feed:        feed,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("shutting down server")
	feed.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func reloadOnHangup(ctx context.Context, vault *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := vault.Reload()
			if err != nil {
				slog.Error("secrets reload failed", "error", err)
				continue
			}
			slog.Info("secrets reloaded", "changed", changed)
		}
	}
}
