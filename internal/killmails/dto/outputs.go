package dto

import (
	"time"

	"wandererkills/internal/killmails/models"
)

// SystemKillsOutput answers the single-system kill query.
type SystemKillsOutput struct {
	Body struct {
		Kills     []*models.Killmail `json:"kills"`
		Cached    bool               `json:"cached" doc:"True when the answer came purely from cache"`
		Timestamp time.Time          `json:"timestamp"`
	}
}

// SystemsKillsOutput answers the bulk kill query.
type SystemsKillsOutput struct {
	Body struct {
		SystemsKills map[int64][]*models.Killmail `json:"systems_kills"`
		Timestamp    time.Time                    `json:"timestamp"`
	}
}

// CachedKillsOutput answers the cache-only kill query.
type CachedKillsOutput struct {
	Body struct {
		Kills     []*models.Killmail `json:"kills"`
		Timestamp time.Time          `json:"timestamp"`
	}
}

// KillmailOutput answers the single-killmail lookup.
type KillmailOutput struct {
	Body *models.Killmail
}

// SystemCountOutput answers the kill-count query.
type SystemCountOutput struct {
	Body struct {
		SystemID  int64     `json:"system_id"`
		Count     int64     `json:"count"`
		Timestamp time.Time `json:"timestamp"`
	}
}
