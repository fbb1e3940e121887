// Package stream owns the long-poll ingestion loop against the upstream
// killmail queue.
package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	killmailServices "wandererkills/internal/killmails/services"
	"wandererkills/internal/stream/routes"
	"wandererkills/internal/stream/services"
	"wandererkills/pkg/bus"
	"wandererkills/pkg/fetch"
	"wandererkills/pkg/module"
	"wandererkills/pkg/store"
)

// Module represents the stream module
type Module struct {
	*module.BaseModule

	ingestor *services.Ingestor
	routes   *routes.Routes
}

// NewModule creates a new stream module instance
func NewModule(st *store.Store, b *bus.Bus, fetcher *fetch.Client, enricher *killmailServices.Enricher) *Module {
	ingestor := services.NewIngestor(fetcher, enricher)
	return &Module{
		BaseModule: module.NewBaseModule("stream", st, b),
		ingestor:   ingestor,
		routes:     routes.NewRoutes(ingestor),
	}
}

// Ingestor exposes the poll loop for tests and wiring.
func (m *Module) Ingestor() *services.Ingestor {
	return m.ingestor
}

// RegisterUnifiedRoutes registers the module's routes on the shared API
func (m *Module) RegisterUnifiedRoutes(api huma.API) {
	m.routes.RegisterRoutes(api)
	slog.Info("Stream routes registered")
}

// Routes is kept for the chi-level module contract.
func (m *Module) Routes(r chi.Router) {}

// StartBackgroundTasks launches the poll loop.
func (m *Module) StartBackgroundTasks(ctx context.Context) {
	if err := m.ingestor.Start(ctx); err != nil {
		slog.Error("Failed to start stream ingestor", "error", err)
	}
}

// Stop halts the poll loop and the base module.
func (m *Module) Stop() {
	if m.ingestor.Running() {
		if err := m.ingestor.Stop(); err != nil {
			slog.Warn("Failed to stop stream ingestor", "error", err)
		}
	}
	m.BaseModule.Stop()
}

// Health reports ingest health: unhealthy when the loop is down.
func (m *Module) Health() map[string]any {
	metrics := m.ingestor.Metrics()
	health := map[string]any{
		"healthy":      m.ingestor.Running(),
		"queue_id":     m.ingestor.QueueID(),
		"polls":        metrics.Polls.Load(),
		"kills":        metrics.Kills.Load(),
		"fetch_errors": metrics.FetchErrors.Load(),
	}
	if last := metrics.LastKillUnix.Load(); last > 0 {
		health["last_kill_at"] = time.Unix(last, 0).UTC()
	}
	return health
}
