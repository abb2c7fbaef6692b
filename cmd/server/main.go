package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/preto960/pluginbay/docs"
	"github.com/preto960/pluginbay/internal/auth"
	"github.com/preto960/pluginbay/internal/bundle"
	"github.com/preto960/pluginbay/internal/config"
	"github.com/preto960/pluginbay/internal/db"
	"github.com/preto960/pluginbay/internal/events"
	"github.com/preto960/pluginbay/internal/hooks"
	"github.com/preto960/pluginbay/internal/lifecycle"
	"github.com/preto960/pluginbay/internal/logging"
	mw "github.com/preto960/pluginbay/internal/middleware"
	"github.com/preto960/pluginbay/internal/mount"
	"github.com/preto960/pluginbay/internal/registry"
	"github.com/preto960/pluginbay/plugins/taskmanager"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()

	// Database: missing DB degrades to an in-memory registry so the runtime
	// stays usable in development.
	var store registry.Store
	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn().Err(err).Msg("database connection failed, using in-memory registry")
		database = nil
		store = registry.NewMemoryStore()
	} else {
		defer database.Close()
		if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			logger.Warn().Err(err).Msg("migrations failed")
		}
		store = registry.NewPostgresStore(database.Pool)
	}

	// Extension point registries
	hookReg := hooks.NewRegistry()
	routers := mount.NewRouterRegistry()
	natives := bundle.NewNativeRegistry()

	// Built-in plugins
	tm := taskmanager.New(database, logger)
	tm.Register(hookReg, routers, natives)

	// Backend route mounting
	mounts := mount.NewManager(logger)

	// Lifecycle event publishers: in-process hub, optional Kafka relay.
	var orch *lifecycle.Orchestrator
	hub := events.NewHub(func() []events.PluginStatus {
		return orch.Snapshot(context.Background())
	}, logger)
	go hub.Run()

	publishers := events.Fanout{hub}
	if cfg.KafkaBrokers != "" {
		relay := events.NewKafkaRelay(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic, logger)
		defer relay.Close()
		publishers = append(publishers, relay)
		logger.Info().Str("topic", cfg.KafkaTopic).Msg("kafka lifecycle relay enabled")
	}

	// Orchestrator
	invoker := hooks.NewInvoker(cfg.HookTimeout, logger)
	orch = lifecycle.NewOrchestrator(store, hookReg, invoker, mounts, routers, publishers, logger)
	if err := orch.RestoreMounts(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore active plugin mounts")
	}

	// JWT & Auth
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	var authHandlers *auth.Handlers
	if database != nil {
		authHandlers = auth.NewHandlers(auth.NewService(database, jwtService))
	}

	// Router
	r := mux.NewRouter()
	r.Use(mw.RateLimitMiddleware(100, 200))

	r.HandleFunc("/healthz", handleHealthz).Methods("GET")

	// API documentation (no auth)
	docs.RegisterRoutes(r)

	// Bundle descriptors served to observers (no auth, like any static asset)
	if cfg.BundlesDir != "" {
		r.PathPrefix("/bundles/").Handler(
			http.StripPrefix("/bundles/", http.FileServer(http.Dir(cfg.BundlesDir))))
	}

	// Auth routes (public, stricter rate limit)
	if authHandlers != nil {
		authRouter := r.PathPrefix("/api/auth").Subrouter()
		authRouter.Use(mw.StrictRateLimitMiddleware(5, 10))
		authHandlers.RegisterRoutes(authRouter)
	}

	// Protected routes
	protected := r.PathPrefix("").Subrouter()
	protected.Use(mw.AuthMiddleware(jwtService))

	if authHandlers != nil {
		authHandlers.RegisterProtectedRoutes(protected)
	}

	// Install-from-source resolves staged bundle directories into artifacts
	// served from the /bundles static mount above.
	var builder bundle.Builder
	if cfg.BundlesDir != "" {
		builder = &bundle.DirBuilder{BaseDir: cfg.BundlesDir, BaseURL: cfg.BundleBaseURL}
	}
	lifecycleHandlers := lifecycle.NewHandlers(orch, builder)
	lifecycleHandlers.RegisterRoutes(protected)

	// Plugin backend routes dispatch through the mount table
	mounts.RegisterRoutes(protected)

	// Lifecycle event stream (token checked inside the handler)
	wsHandler := events.NewWSHandler(hub, jwtService, logger)
	wsHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        mw.CORSMiddleware(cfg.AllowedOrigins)(r),
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Fatal().Err(err).Msg("server shutdown failed")
		}
	}()

	logger.Info().Str("port", cfg.Port).Msg("starting server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server failed to start")
	}

	logger.Info().Msg("server stopped")
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}
