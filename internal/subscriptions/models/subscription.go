// Package models defines subscriptions and the delivery payload shapes.
package models

import (
	"time"

	killmails "wandererkills/internal/killmails/models"
)

// Subscription is one downstream client's declared interest. Filter sets are
// replaced wholesale on update, never mutated in place.
type Subscription struct {
	ID            string             `json:"subscription_id"`
	SubscriberID  string             `json:"subscriber_id"`
	SystemIDs     map[int64]struct{} `json:"-"`
	CharacterIDs  map[int64]struct{} `json:"-"`
	CallbackURL   string             `json:"callback_url,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	LastDelivered int64              `json:"last_delivered"`
}

// Systems returns the system filter as a slice for serialization.
func (s *Subscription) Systems() []int64 {
	out := make([]int64, 0, len(s.SystemIDs))
	for id := range s.SystemIDs {
		out = append(out, id)
	}
	return out
}

// Characters returns the character filter as a slice for serialization.
func (s *Subscription) Characters() []int64 {
	out := make([]int64, 0, len(s.CharacterIDs))
	for id := range s.CharacterIDs {
		out = append(out, id)
	}
	return out
}

// KillUpdate is the payload delivered over WebSocket, webhook and the
// subscriber bus topics.
type KillUpdate struct {
	Type string         `json:"type"`
	Data KillUpdateData `json:"data"`
}

// KillUpdateData carries the kills of one update batch.
type KillUpdateData struct {
	SolarSystemID int64                 `json:"solar_system_id"`
	Kills         []*killmails.Killmail `json:"kills"`
	Timestamp     time.Time             `json:"timestamp"`
}

// NewKillUpdate wraps kills for one system into the wire payload.
func NewKillUpdate(systemID int64, kills []*killmails.Killmail) KillUpdate {
	return KillUpdate{
		Type: "detailed_kill_update",
		Data: KillUpdateData{
			SolarSystemID: systemID,
			Kills:         kills,
			Timestamp:     time.Now().UTC(),
		},
	}
}

// SetOf builds a filter set from a slice, dropping non-positive ids.
func SetOf(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id > 0 {
			set[id] = struct{}{}
		}
	}
	return set
}
