package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proof-capture-engine/internal/bridge"
	"proof-capture-engine/internal/browser"
	"proof-capture-engine/internal/engine"
	"proof-capture-engine/internal/interceptor"
	"proof-capture-engine/internal/server"
	"proof-capture-engine/internal/submitter"
	"proof-capture-engine/internal/tabs"
	"proof-capture-engine/pkg/api"
	"proof-capture-engine/pkg/auth"
	"proof-capture-engine/pkg/config"
	"proof-capture-engine/pkg/db"
	"proof-capture-engine/pkg/logger"
	"proof-capture-engine/pkg/proofconfig"
	"proof-capture-engine/pkg/validator"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.InitWithFileLogging(cfg.LogLevel, logger.Daemon)
	defer logger.Close()

	startupLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Daemon, logger.Startup)
	startupLogger.Info().Msg("Starting Proof Capture Engine daemon")

	if err := logger.CleanupOldLogs(cfg.LogRetentionDays); err != nil {
		startupLogger.Warn().Err(err).Msg("Failed to cleanup old log files")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	database, err := db.NewCaptureDB(cfg.DatabasePath)
	if err != nil {
		startupLogger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close()
	startupLogger.Info().Str("db_path", cfg.DatabasePath).Msg("Database initialized successfully")

	// Connect to Chrome
	chrome := browser.New(browser.Config{
		ControlURL:  cfg.Chrome.ControlURL,
		Bin:         cfg.Chrome.Bin,
		Headless:    cfg.Chrome.Headless,
		UserDataDir: cfg.Chrome.UserDataDir,
		Logger:      logger.NewCategoryLogger(cfg.LogLevel, logger.Daemon, logger.Tab),
	})
	if err := chrome.Start(ctx); err != nil {
		startupLogger.Fatal().Err(err).Msg("Failed to connect to Chrome")
	}
	startupLogger.Info().Str("control_url", chrome.ControlURL()).Msg("Chrome connected")

	tabManager := tabs.NewManager(chrome, tabs.Options{
		SettleDelay:   cfg.GetSettleDelay(),
		NudgeInterval: cfg.GetNudgeInterval(),
		NudgeBurst:    1,
	}, logger.NewCategoryLogger(cfg.LogLevel, logger.Daemon, logger.Tab))

	deps := engine.Deps{
		Registry:    proofconfig.DefaultRegistry(),
		Interceptor: interceptor.New(logger.NewCategoryLogger(cfg.LogLevel, logger.Daemon, logger.Interceptor)),
		Tabs:        tabManager,
		Validator:   validator.NewValidator(),
		Store:       database,
		Logger:      logger.NewCategoryLogger(cfg.LogLevel, logger.Daemon, logger.Session),
	}

	if cfg.SubmissionEnabled() {
		signer := auth.NewHMACAuth(cfg.GetBackendSecrets(), cfg.GetClockSkew())
		deps.Submitter = submitter.NewWorkerPool(submitter.Config{
			BackendURL: cfg.BackendURL,
			KeyID:      cfg.BackendHMACKeyID,
			Workers:    cfg.SubmissionWorkerCount,
			Logger:     logger.NewCategoryLogger(cfg.LogLevel, logger.Daemon, logger.Submission),
		}, database, signer)
		startupLogger.Info().
			Str("backend_url", cfg.BackendURL).
			Int("workers", cfg.SubmissionWorkerCount).
			Msg("Backend submission enabled")
	} else {
		startupLogger.Info().Msg("BACKEND_URL not set, proofs are kept locally")
	}

	opts := engine.DefaultOptions()
	opts.SessionTimeout = cfg.GetSessionTimeout()
	opts.GracePeriod = cfg.GetGracePeriod()
	opts.MaxContextAttempts = cfg.MaxContextAttempts
	opts.MaxActionPages = cfg.MaxActionPages
	opts.MaxParseFailures = cfg.MaxParseFailures
	opts.ArchiveSize = cfg.SnapshotCacheSize

	eng, err := engine.New(deps, opts)
	if err != nil {
		startupLogger.Fatal().Err(err).Msg("Failed to create engine")
	}
	chrome.SetSink(eng)

	if err := eng.Init(ctx); err != nil {
		startupLogger.Fatal().Err(err).Msg("Failed to initialize engine")
	}
	startupLogger.Info().Msg("Capture engine initialized")

	// Initialize HMAC authentication
	apiSecrets := cfg.GetAPISecrets()
	hmacAuth := auth.NewHMACAuth(apiSecrets, cfg.GetClockSkew())
	if len(apiSecrets) == 0 {
		startupLogger.Warn().Msg("API_SECRET not set, mutating routes are unauthenticated")
	}
	middleware := api.NewMiddleware(hmacAuth, database)

	handler := server.New(eng, middleware, map[string]api.Pinger{
		"database": database,
		"chrome":   chrome,
	}, logger.NewCategoryLogger(cfg.LogLevel, logger.Daemon, logger.Request)).Handler()

	// WriteTimeout stays zero so event streams are not cut off
	httpServer := &http.Server{
		Addr:              cfg.GetAPIAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var stopBridge func(context.Context) error
	if cfg.GRPCAddr != "" {
		stopBridge, err = bridge.Start(eng, cfg.GRPCAddr, logger.NewCategoryLogger(cfg.LogLevel, logger.Daemon, logger.Bridge))
		if err != nil {
			startupLogger.Fatal().Err(err).Msg("Failed to start gRPC bridge")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		startupLogger.Info().Str("address", cfg.GetAPIAddr()).Msg("HTTP API starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		cleanupNonces(gctx, database, cfg)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		startupLogger.Info().Msg("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			startupLogger.Error().Err(err).Msg("Server shutdown error")
		}
		if stopBridge != nil {
			if err := stopBridge(shutdownCtx); err != nil {
				startupLogger.Error().Err(err).Msg("gRPC bridge shutdown error")
			}
		}
		if err := eng.Shutdown(shutdownCtx); err != nil {
			startupLogger.Error().Err(err).Msg("Engine shutdown error")
		}
		if err := chrome.Shutdown(); err != nil {
			startupLogger.Error().Err(err).Msg("Chrome shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		startupLogger.Error().Err(err).Msg("Daemon stopped with error")
		return
	}
	startupLogger.Info().Msg("Proof Capture Engine daemon stopped")
}

func cleanupNonces(ctx context.Context, database *db.CaptureDB, cfg *config.Config) {
	cleanupLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Daemon, logger.General)

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Nonces older than twice the clock skew can no longer be replayed
			olderThan := time.Now().Add(-2 * cfg.GetClockSkew())
			if err := database.CleanupOldNonces(olderThan); err != nil {
				cleanupLogger.Error().Err(err).Msg("Failed to cleanup old nonces")
			} else {
				cleanupLogger.Debug().Msg("Cleaned up old nonces")
			}
		}
	}
}
