// Package models defines the enriched killmail record stored and served by
// the service. A killmail is immutable once persisted.
package models

import (
	"time"

	"wandererkills/pkg/errs"
)

// ZKB carries zKillboard's valuation metadata for a killmail.
type ZKB struct {
	Hash           string  `json:"hash"`
	FittedValue    float64 `json:"fitted_value"`
	DroppedValue   float64 `json:"dropped_value"`
	DestroyedValue float64 `json:"destroyed_value"`
	TotalValue     float64 `json:"total_value"`
	Points         int     `json:"points"`
	NPC            bool    `json:"npc"`
	Solo           bool    `json:"solo"`
	Awox           bool    `json:"awox"`
	LocationID     *int64  `json:"location_id,omitempty"`
}

// Victim is the destroyed party. Entity ids are optional (structure kills have
// no character); resolved names are filled by enrichment and stay empty when
// the entity could not be resolved.
type Victim struct {
	CharacterID   *int64 `json:"character_id,omitempty"`
	CorporationID *int64 `json:"corporation_id,omitempty"`
	AllianceID    *int64 `json:"alliance_id,omitempty"`
	ShipTypeID    int64  `json:"ship_type_id"`
	DamageTaken   int64  `json:"damage_taken"`

	CharacterName   string `json:"character_name,omitempty"`
	CorporationName string `json:"corporation_name,omitempty"`
	AllianceName    string `json:"alliance_name,omitempty"`
	ShipTypeName    string `json:"ship_type_name,omitempty"`
	ShipGroupName   string `json:"ship_group_name,omitempty"`
}

// Attacker is one attacking party. NPC attackers have no character id.
type Attacker struct {
	CharacterID   *int64 `json:"character_id,omitempty"`
	CorporationID *int64 `json:"corporation_id,omitempty"`
	AllianceID    *int64 `json:"alliance_id,omitempty"`
	ShipTypeID    *int64 `json:"ship_type_id,omitempty"`
	WeaponTypeID  *int64 `json:"weapon_type_id,omitempty"`
	DamageDone    int64  `json:"damage_done"`
	FinalBlow     bool   `json:"final_blow"`

	CharacterName   string `json:"character_name,omitempty"`
	CorporationName string `json:"corporation_name,omitempty"`
	AllianceName    string `json:"alliance_name,omitempty"`
	ShipTypeName    string `json:"ship_type_name,omitempty"`
	ShipGroupName   string `json:"ship_group_name,omitempty"`
}

// Killmail is the fully enriched record. Offset is assigned at persist time
// and is monotonic process-wide; subscribers use it to detect resume points.
type Killmail struct {
	KillmailID int64      `json:"killmail_id"`
	KillTime   time.Time  `json:"kill_time"`
	SystemID   int64      `json:"solar_system_id"`
	Victim     Victim     `json:"victim"`
	Attackers  []Attacker `json:"attackers"`
	ZKB        ZKB        `json:"zkb"`
	Offset     int64      `json:"offset"`
}

// Validate enforces the structural invariant: positive ids, a non-empty
// attacker list with exactly one final blow, and a victim ship type.
func (k *Killmail) Validate() error {
	if k.KillmailID <= 0 {
		return errs.New(errs.Validation, "killmail id must be positive")
	}
	if k.SystemID <= 0 {
		return errs.New(errs.Validation, "system id must be positive")
	}
	if k.KillTime.IsZero() {
		return errs.New(errs.Validation, "kill time is required")
	}
	if k.Victim.ShipTypeID <= 0 {
		return errs.New(errs.Validation, "victim ship type is required")
	}
	if len(k.Attackers) == 0 {
		return errs.New(errs.Validation, "killmail must have at least one attacker")
	}
	finalBlows := 0
	for _, a := range k.Attackers {
		if a.FinalBlow {
			finalBlows++
		}
	}
	if finalBlows != 1 {
		return errs.Newf(errs.Validation, "killmail must have exactly one final blow, got %d", finalBlows)
	}
	return nil
}

// CharacterIDs returns the distinct character ids appearing in the victim and
// attackers, used for subscription matching.
func (k *Killmail) CharacterIDs() []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	add := func(id *int64) {
		if id == nil {
			return
		}
		if _, ok := seen[*id]; ok {
			return
		}
		seen[*id] = struct{}{}
		ids = append(ids, *id)
	}
	add(k.Victim.CharacterID)
	for i := range k.Attackers {
		add(k.Attackers[i].CharacterID)
	}
	return ids
}
