package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "go.uber.org/automaxprocs"

	"wandererkills/internal/killmails"
	"wandererkills/internal/stream"
	"wandererkills/internal/subscriptions"
	"wandererkills/internal/websocket"
	"wandererkills/pkg/app"
	"wandererkills/pkg/config"
	"wandererkills/pkg/handlers"
	"wandererkills/pkg/module"
	"wandererkills/pkg/version"
)

// customLoggerMiddleware logs requests but excludes health check endpoints
func customLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip logging for health check endpoints
		if strings.HasSuffix(r.URL.Path, "/health") {
			next.ServeHTTP(w, r)
			return
		}

		middleware.Logger(next).ServeHTTP(w, r)
	})
}

func main() {
	versionInfo := version.Get()
	log.Printf("WandererKills %s | Build: %s", versionInfo.Version, versionInfo.BuildDate)
	log.Printf("CPUs: %d | GOMAXPROCS: %d", runtime.NumCPU(), runtime.GOMAXPROCS(0))

	ctx := context.Background()

	// Initialize application with shared components
	appCtx, err := app.InitializeApp("wandererkills")
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	// Initialize Chi router
	r := chi.NewRouter()

	// Global middleware
	r.Use(customLoggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(handlers.TracingMiddleware("wandererkills"))

	// Initialize modules. The enricher is shared: the stream feeds it live
	// kills, queries feed it backfill, subscriptions hang off its stored hook.
	killmailsModule := killmails.NewModule(appCtx.Store, appCtx.Bus, appCtx.Resolver, appCtx.ZKB)
	subscriptionsModule := subscriptions.NewModule(appCtx.Store, appCtx.Bus, appCtx.ZKB, killmailsModule.Enricher())
	streamModule := stream.NewModule(appCtx.Store, appCtx.Bus, appCtx.Fetcher, killmailsModule.Enricher())
	websocketModule := websocket.NewModule(appCtx.Store, appCtx.Bus,
		subscriptionsModule.Registry(), subscriptionsModule.Preloader())

	modules := []module.Module{killmailsModule, subscriptionsModule, streamModule, websocketModule}

	// Health check endpoint aggregating module health
	r.Get("/health", handlers.HealthHandler(
		killmailsModule, subscriptionsModule, streamModule, websocketModule))

	// Mount module routes with configurable API prefix
	apiPrefix := config.GetEnv("API_PREFIX", "/api/v1")

	humaConfig := huma.DefaultConfig("WandererKills API", versionInfo.Version)
	humaConfig.Info.Description = "Real-time EVE Online killmail ingestion and delivery service"

	var unifiedAPI huma.API
	if apiPrefix == "" {
		unifiedAPI = humachi.New(r, humaConfig)
	} else {
		r.Route(apiPrefix, func(prefixRouter chi.Router) {
			unifiedAPI = humachi.New(prefixRouter, humaConfig)
		})
	}

	// Register all module routes on the unified API
	killmailsModule.RegisterUnifiedRoutes(unifiedAPI)
	subscriptionsModule.RegisterUnifiedRoutes(unifiedAPI)
	streamModule.RegisterUnifiedRoutes(unifiedAPI)
	websocketModule.RegisterUnifiedRoutes(unifiedAPI)

	// Raw HTTP routes (the websocket upgrade) mount outside the unified API
	for _, mod := range modules {
		mod.Routes(r)
	}

	// Start background services for all modules
	for _, mod := range modules {
		go mod.StartBackgroundTasks(ctx)
	}

	// HTTP server setup
	port := app.GetPort("4004")
	host := app.GetHost()

	srv := &http.Server{
		Addr:         host + ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Starting API server", slog.String("addr", srv.Addr), slog.String("prefix", apiPrefix))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Received shutdown signal, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Stop modules in reverse construction order: transports first, then the
	// stream, then the pipeline owners.
	for i := len(modules) - 1; i >= 0; i-- {
		modules[i].Stop()
	}

	// Application context handles the cache worker and telemetry shutdown
	appCtx.Shutdown(shutdownCtx)

	slog.Info("WandererKills shutdown completed successfully")
}
