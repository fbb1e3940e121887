// Package websocket is the push transport for kill updates. Clients manage
// their subscription over the socket itself; deliveries arrive from the
// subscriber topics on the bus.
package websocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"

	subServices "wandererkills/internal/subscriptions/services"
	"wandererkills/internal/websocket/routes"
	"wandererkills/internal/websocket/services"
	"wandererkills/pkg/bus"
	"wandererkills/pkg/module"
	"wandererkills/pkg/store"
)

// Module represents the websocket module
type Module struct {
	*module.BaseModule

	manager *services.ConnectionManager
	routes  *routes.Routes
	cron    *cron.Cron
}

// NewModule creates a new websocket module over the shared subscription
// registry and bus.
func NewModule(st *store.Store, b *bus.Bus, registry *subServices.Registry, preloader *subServices.Preloader) *Module {
	manager := services.NewConnectionManager(registry, preloader, b)
	return &Module{
		BaseModule: module.NewBaseModule("websocket", st, b),
		manager:    manager,
		routes:     routes.NewRoutes(manager),
		cron:       cron.New(),
	}
}

// Manager exposes the connection manager.
func (m *Module) Manager() *services.ConnectionManager {
	return m.manager
}

// RegisterUnifiedRoutes registers the module's routes on the shared API
func (m *Module) RegisterUnifiedRoutes(api huma.API) {
	m.routes.RegisterRoutes(api)
	slog.Info("WebSocket routes registered")
}

// Routes mounts the upgrade endpoint on the HTTP router.
func (m *Module) Routes(r chi.Router) {
	m.routes.RegisterHTTP(r)
}

// StartBackgroundTasks schedules the idle connection sweep.
func (m *Module) StartBackgroundTasks(ctx context.Context) {
	m.cron.Schedule(cron.Every(time.Minute), cron.FuncJob(m.manager.CleanupInactive))
	m.cron.Start()
	slog.Info("WebSocket cleanup scheduled")
}

// Stop closes every connection and halts the sweep.
func (m *Module) Stop() {
	<-m.cron.Stop().Done()
	m.manager.CloseAll()
	m.BaseModule.Stop()
}

// Health reports connection statistics.
func (m *Module) Health() map[string]any {
	stats := m.manager.Snapshot()
	return map[string]any{
		"healthy":            true,
		"active_connections": stats.ActiveConnections,
		"total_connections":  stats.TotalConnections,
		"frames_enqueued":    stats.FramesEnqueued,
		"frames_dropped":     stats.FramesDropped,
	}
}
