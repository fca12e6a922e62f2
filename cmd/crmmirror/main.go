package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	crmadapter "github.com/crmmirror/crmmirror/internal/adapter/driven/crm"
	sqliteadapter "github.com/crmmirror/crmmirror/internal/adapter/driven/sqlite"
	httphandler "github.com/crmmirror/crmmirror/internal/adapter/driving/http"
	"github.com/crmmirror/crmmirror/internal/application"
	"github.com/crmmirror/crmmirror/internal/config"
	"github.com/crmmirror/crmmirror/internal/domain/model"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"crm_base_url", cfg.CRMBaseURL,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire driven adapters.
	credentialStore := sqliteadapter.NewCredentialRepo(db)
	refreshLogStore := sqliteadapter.NewRefreshLogRepo(db)
	alertStore := sqliteadapter.NewAlertRepo(db)
	recordStore := sqliteadapter.NewRecordRepo(db)
	settingsStore := sqliteadapter.NewSettingsRepo(db)
	sessionStore := sqliteadapter.NewSyncSessionRepo(db)
	secretStore := sqliteadapter.NewSecretRepo(db, []byte(cfg.SecretKey))

	if !cfg.HasCRMCredentials() {
		slog.Warn("no CRM client credentials configured, token refresh will fail until they are provided")
	}
	crmClient := crmadapter.NewClient(cfg.CRMBaseURL, cfg.CRMTokenURL, cfg.CRMClientID, cfg.CRMClientSecret)

	// 6. Application services.
	manager := application.NewTokenManager(
		credentialStore, refreshLogStore, alertStore, secretStore,
		crmClient, settingsStore, slog.Default(),
	)

	settings, err := settingsStore.Load(ctx)
	if err != nil {
		slog.Error("load settings failed, using defaults", "error", err)
		settings = model.DefaultSettings()
	}
	detector := application.NewAnomalyDetector(settings)
	merger := application.NewMerger(recordStore, alertStore, detector, slog.Default())
	syncSvc := application.NewSyncService(
		crmClient, recordStore, sessionStore, manager, merger, slog.Default(),
	)

	// 6b. Seed the credential lineage from operator-supplied tokens when
	// none exists yet.
	if cfg.HasBootstrapTokens() {
		status, statusErr := manager.Status(ctx)
		if statusErr == nil && !status.HasCredential {
			if err := manager.Bootstrap(ctx,
				cfg.BootstrapAccessToken, cfg.BootstrapRefreshToken,
				cfg.BootstrapExpiresIn, model.CredentialSourceInitial,
			); err != nil {
				return err
			}
		}
	}

	// 7. Start the token monitor.
	monitor := application.NewTokenMonitor(
		credentialStore, alertStore, settingsStore, manager, slog.Default(),
	)
	monitor.Start(ctx)
	defer monitor.Stop()

	// 8. HTTP server.
	apiHandler := httphandler.NewHandler(manager, syncSvc, alertStore, refreshLogStore, slog.Default())
	handler := httphandler.NewServeMux(apiHandler, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("crmmirror started", "listen_addr", cfg.ListenAddr)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 10. Graceful shutdown: drain HTTP, then stop the monitor via defer.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
