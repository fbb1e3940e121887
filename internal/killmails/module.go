// Package killmails owns the enrichment pipeline and the kill query surface.
package killmails

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"wandererkills/internal/killmails/routes"
	"wandererkills/internal/killmails/services"
	"wandererkills/pkg/bus"
	"wandererkills/pkg/esi"
	"wandererkills/pkg/module"
	"wandererkills/pkg/store"
)

// Module represents the killmails module
type Module struct {
	*module.BaseModule

	enricher *services.Enricher
	query    *services.QueryService
	routes   *routes.Routes
}

// NewModule creates a new killmails module instance
func NewModule(st *store.Store, b *bus.Bus, resolver *esi.Resolver, zkb *esi.ZKBClient) *Module {
	enricher := services.NewEnricher(st, resolver)
	query := services.NewQueryService(st, zkb, enricher)

	return &Module{
		BaseModule: module.NewBaseModule("killmails", st, b),
		enricher:   enricher,
		query:      query,
		routes:     routes.NewRoutes(query),
	}
}

// Enricher exposes the pipeline to the stream ingestor and preloader.
func (m *Module) Enricher() *services.Enricher {
	return m.enricher
}

// Query exposes the read path to other modules.
func (m *Module) Query() *services.QueryService {
	return m.query
}

// RegisterUnifiedRoutes registers the module's routes on the shared API
func (m *Module) RegisterUnifiedRoutes(api huma.API) {
	m.routes.RegisterRoutes(api)
	slog.Info("Killmails routes registered")
}

// Routes is kept for the chi-level module contract; the REST surface lives on
// the huma API.
func (m *Module) Routes(r chi.Router) {}

// StartBackgroundTasks is a no-op; enrichment runs on demand.
func (m *Module) StartBackgroundTasks(ctx context.Context) {}

// Health reports pipeline counters and cache sizes.
func (m *Module) Health() map[string]any {
	metrics := m.enricher.Metrics()
	return map[string]any{
		"healthy":         true,
		"stored":          metrics.Stored.Load(),
		"age_rejected":    metrics.AgeReject.Load(),
		"duplicates":      metrics.Duplicates.Load(),
		"invalid":         metrics.Invalid.Load(),
		"errors":          metrics.Errors.Load(),
		"timeouts":        metrics.Timeouts.Load(),
		"cached_kills":    m.Store().Len(store.NSKillmail),
		"indexed_systems": m.Store().Len(store.NSSystemKillmails),
	}
}
