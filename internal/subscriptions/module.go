// Package subscriptions owns subscription management and killmail fan-out.
package subscriptions

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	killmailServices "wandererkills/internal/killmails/services"
	"wandererkills/internal/subscriptions/routes"
	"wandererkills/internal/subscriptions/services"
	"wandererkills/pkg/bus"
	"wandererkills/pkg/config"
	"wandererkills/pkg/esi"
	"wandererkills/pkg/module"
	"wandererkills/pkg/store"
	"wandererkills/pkg/taskpool"
)

// Module represents the subscriptions module
type Module struct {
	*module.BaseModule

	registry    *services.Registry
	broadcaster *services.Broadcaster
	preloader   *services.Preloader
	pool        *taskpool.Pool
	routes      *routes.Routes
}

// NewModule creates a new subscriptions module and hooks the fan-out into
// the enrichment pipeline.
func NewModule(st *store.Store, b *bus.Bus, zkb *esi.ZKBClient, enricher *killmailServices.Enricher) *Module {
	webhookWorkers := config.GetIntEnv("WEBHOOK_CONCURRENCY", 10)
	pool := taskpool.New("webhooks", webhookWorkers, webhookWorkers*16)

	registry := services.NewRegistry()
	broadcaster := services.NewBroadcaster(registry, st, b, pool)
	preloader := services.NewPreloader(zkb, enricher, broadcaster, st)

	enricher.OnStored(broadcaster.Dispatch)

	return &Module{
		BaseModule:  module.NewBaseModule("subscriptions", st, b),
		registry:    registry,
		broadcaster: broadcaster,
		preloader:   preloader,
		pool:        pool,
		routes:      routes.NewRoutes(registry, preloader),
	}
}

// Registry exposes the subscription table to the websocket transport.
func (m *Module) Registry() *services.Registry {
	return m.registry
}

// Broadcaster exposes the fan-out engine.
func (m *Module) Broadcaster() *services.Broadcaster {
	return m.broadcaster
}

// Preloader exposes the backfill worker so transports can trigger it on
// subscription changes.
func (m *Module) Preloader() *services.Preloader {
	return m.preloader
}

// RegisterUnifiedRoutes registers the module's routes on the shared API
func (m *Module) RegisterUnifiedRoutes(api huma.API) {
	m.routes.RegisterRoutes(api)
	slog.Info("Subscription routes registered")
}

// Routes is kept for the chi-level module contract.
func (m *Module) Routes(r chi.Router) {}

// StartBackgroundTasks is a no-op; deliveries run on the webhook pool.
func (m *Module) StartBackgroundTasks(ctx context.Context) {}

// Stop drains the webhook pool and stops the base module.
func (m *Module) Stop() {
	if err := m.pool.Shutdown(context.Background()); err != nil {
		slog.Warn("Webhook pool shutdown incomplete", "error", err)
	}
	m.BaseModule.Stop()
}

// Health reports registry size and fan-out counters.
func (m *Module) Health() map[string]any {
	bm := m.broadcaster.Metrics()
	return map[string]any{
		"healthy":       true,
		"subscriptions": m.registry.Len(),
		"dispatched":    bm.Dispatched.Load(),
		"deliveries":    bm.Deliveries.Load(),
		"webhooks_ok":   bm.WebhooksOK.Load(),
		"webhooks_dead": bm.WebhooksDead.Load(),
		"webhook_queue": m.pool.Stats()["queued"],
	}
}
