package dto

import "time"

// StatusOutput reports the ingestor's live state.
type StatusOutput struct {
	Body struct {
		Running         bool      `json:"running"`
		QueueID         string    `json:"queue_id"`
		StartedAt       time.Time `json:"started_at,omitempty"`
		Polls           int64     `json:"polls"`
		Kills           int64     `json:"kills"`
		NoKills         int64     `json:"no_kills"`
		Rejected        int64     `json:"rejected"`
		FetchErrors     int64     `json:"fetch_errors"`
		ProtocolErrors  int64     `json:"protocol_errors"`
		LastKillAt      time.Time `json:"last_kill_at,omitempty"`
		Timestamp       time.Time `json:"timestamp"`
	}
}

// ControlInput selects a lifecycle action for the ingestor.
type ControlInput struct {
	Body struct {
		Action string `json:"action" enum:"start,stop,restart" doc:"Lifecycle action"`
	}
}

// ControlOutput reports the result of a control action.
type ControlOutput struct {
	Body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
}
