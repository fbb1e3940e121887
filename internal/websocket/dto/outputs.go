package dto

import (
	"time"

	"wandererkills/internal/websocket/models"
)

// StatusOutput represents the websocket module status response
type StatusOutput struct {
	Body struct {
		Module    string       `json:"module" doc:"Module name"`
		Status    string       `json:"status" doc:"Module status"`
		Stats     models.Stats `json:"stats" doc:"WebSocket statistics"`
		Timestamp time.Time    `json:"timestamp" doc:"Response timestamp"`
	}
}

// ListConnectionsOutput represents the active connection listing
type ListConnectionsOutput struct {
	Body struct {
		Connections []models.ConnectionInfo `json:"connections" doc:"Active connections"`
		Total       int                     `json:"total" doc:"Total number of connections"`
	}
}
