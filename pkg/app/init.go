// Package app wires the shared runtime every module depends on: environment,
// telemetry, the in-memory cache store, and the upstream clients.
package app

import (
	"context"
	"log"
	"log/slog"
	"time"

	"github.com/joho/godotenv"

	"wandererkills/pkg/bus"
	"wandererkills/pkg/config"
	"wandererkills/pkg/esi"
	"wandererkills/pkg/fetch"
	"wandererkills/pkg/handlers"
	"wandererkills/pkg/logging"
	"wandererkills/pkg/shiptypes"
	"wandererkills/pkg/store"
)

// AppContext holds the shared application context and dependencies
type AppContext struct {
	Store            *store.Store
	Bus              *bus.Bus
	Cleanup          *store.CleanupWorker
	Fetcher          *fetch.Client
	ESI              *esi.Client
	Resolver         *esi.Resolver
	ZKB              *esi.ZKBClient
	TelemetryManager *logging.TelemetryManager
	ServiceName      string
	shutdownFuncs    []func(context.Context) error
}

// InitializeApp initializes common application dependencies
func InitializeApp(serviceName string) (*AppContext, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it: %v", err)
	}

	ctx := context.Background()

	// Initialize telemetry
	telemetryManager := logging.NewTelemetryManager(serviceName)
	if err := telemetryManager.Initialize(ctx); err != nil {
		log.Printf("Warning: Failed to initialize telemetry: %v", err)
		// Continue without telemetry rather than failing
	}

	handlers.InstallHumaErrors()

	st := store.New()
	cleanup := store.NewCleanupWorker(st, config.GetMillisEnv("CACHE_GC_INTERVAL_MS", time.Hour))
	cleanup.Start()

	fetcher := fetch.NewClient(fetch.Options{})
	esiClient := esi.NewClient(fetcher)

	// Ship type seeding is advisory: when the local data set is missing,
	// names resolve lazily through ESI instead.
	if stats, err := shiptypes.Seed(st); err != nil {
		slog.Warn("Ship type seeding skipped", "error", err)
	} else {
		slog.Info("Ship types seeded",
			"files", stats.Files,
			"types", stats.TypesSeeded,
			"groups", stats.GroupsSeeded,
			"rows_skipped", stats.RowsSkipped)
	}

	appCtx := &AppContext{
		Store:            st,
		Bus:              bus.New(),
		Cleanup:          cleanup,
		Fetcher:          fetcher,
		ESI:              esiClient,
		Resolver:         esi.NewResolver(esiClient, st),
		ZKB:              esi.NewZKBClient(fetcher),
		TelemetryManager: telemetryManager,
		ServiceName:      serviceName,
	}

	appCtx.shutdownFuncs = append(appCtx.shutdownFuncs, func(context.Context) error {
		cleanup.Stop()
		return nil
	})
	if telemetryManager != nil {
		appCtx.shutdownFuncs = append(appCtx.shutdownFuncs, telemetryManager.Shutdown)
	}

	return appCtx, nil
}

// Shutdown gracefully shuts down all application dependencies
func (a *AppContext) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down application", "service", a.ServiceName)

	for _, shutdown := range a.shutdownFuncs {
		if err := shutdown(ctx); err != nil {
			slog.Error("Error during shutdown", "error", err)
		}
	}

	slog.Info("Application shutdown completed", "service", a.ServiceName)
	return nil
}

// GetPort returns the port from environment or default
func GetPort(defaultPort string) string {
	return config.GetEnv("HTTP_PORT", defaultPort)
}

// GetHost returns the bind address from environment or the all-interfaces
// default.
func GetHost() string {
	return config.GetEnv("HOST", "0.0.0.0")
}
