package routes

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"wandererkills/internal/websocket/dto"
	"wandererkills/internal/websocket/services"
)

// Routes handles the websocket endpoints.
type Routes struct {
	manager  *services.ConnectionManager
	upgrader websocket.Upgrader
}

// NewRoutes creates a new websocket routes handler.
func NewRoutes(manager *services.ConnectionManager) *Routes {
	return &Routes{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterHTTP mounts the upgrade endpoint directly on the router. The
// protocol upgrade needs raw response control, so it bypasses the unified
// API.
func (rt *Routes) RegisterHTTP(r chi.Router) {
	r.Get("/ws", rt.handleUpgrade)
}

// RegisterRoutes registers the introspection endpoints on the shared API.
func (rt *Routes) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "websocket-status",
		Method:      http.MethodGet,
		Path:        "/websocket/status",
		Summary:     "WebSocket module status",
		Description: "Get websocket connection statistics",
		Tags:        []string{"Module Status"},
	}, rt.handleStatus)

	huma.Register(api, huma.Operation{
		OperationID: "websocket-list-connections",
		Method:      http.MethodGet,
		Path:        "/websocket/connections",
		Summary:     "List active WebSocket connections",
		Description: "Retrieve the list of active websocket connections",
		Tags:        []string{"WebSocket"},
	}, rt.handleListConnections)
}

func (rt *Routes) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket connection", "error", err)
		return
	}

	c := rt.manager.Register(conn)
	rt.manager.Handle(r.Context(), c)
}

func (rt *Routes) handleStatus(ctx context.Context, input *struct{}) (*dto.StatusOutput, error) {
	out := &dto.StatusOutput{}
	out.Body.Module = "websocket"
	out.Body.Status = "healthy"
	out.Body.Stats = rt.manager.Snapshot()
	out.Body.Timestamp = time.Now().UTC()
	return out, nil
}

func (rt *Routes) handleListConnections(ctx context.Context, input *struct{}) (*dto.ListConnectionsOutput, error) {
	connections := rt.manager.Connections()
	out := &dto.ListConnectionsOutput{}
	out.Body.Connections = connections
	out.Body.Total = len(connections)
	return out, nil
}
