package services

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"wandererkills/internal/killmails/models"
	"wandererkills/pkg/config"
	"wandererkills/pkg/errs"
	"wandererkills/pkg/esi"
	"wandererkills/pkg/store"
)

// Payload is a raw killmail reference entering the pipeline. Raw is nil for
// the partial shape, in which case the full document is hydrated from the
// upstream using the zkb hash.
type Payload struct {
	KillmailID int64
	ZKB        esi.ZKBMeta
	Raw        *esi.Killmail
}

// OutcomeKind tags the result of one enrichment pass.
type OutcomeKind string

const (
	OutcomeStored            OutcomeKind = "stored"
	OutcomeAgeRejected       OutcomeKind = "age_rejected"
	OutcomeDuplicateRejected OutcomeKind = "duplicate_rejected"
	OutcomeInvalid           OutcomeKind = "invalid"
)

// Outcome is the tagged result of Enrich. Killmail is set only for
// OutcomeStored; Reason explains rejections.
type Outcome struct {
	Kind     OutcomeKind
	Killmail *models.Killmail
	Reason   string
}

// EnricherMetrics counts pipeline outcomes.
type EnricherMetrics struct {
	Stored     atomic.Int64
	AgeReject  atomic.Int64
	Duplicates atomic.Int64
	Invalid    atomic.Int64
	Errors     atomic.Int64
	Timeouts   atomic.Int64
}

// Enricher turns raw killmail references into fully hydrated records and
// persists them. Entity name resolution fans out with bounded concurrency;
// a missing entity never fails the killmail, its name fields just stay empty.
type Enricher struct {
	store       *store.Store
	resolver    *esi.Resolver
	concurrency int
	maxAge      time.Duration
	timeout     time.Duration
	now         func() time.Time

	// offset is the process-wide monotonic counter assigned at persist time.
	offset atomic.Int64

	onStored func(ctx context.Context, km *models.Killmail)
	metrics  EnricherMetrics
}

// NewEnricher creates the pipeline over the shared store and resolver.
func NewEnricher(st *store.Store, resolver *esi.Resolver) *Enricher {
	return &Enricher{
		store:       st,
		resolver:    resolver,
		concurrency: config.GetIntEnv("ENRICHMENT_CONCURRENCY", runtime.GOMAXPROCS(0)),
		maxAge:      24 * time.Hour,
		timeout:     60 * time.Second,
		now:         time.Now,
	}
}

// OnStored registers the hook invoked after successful persistence, in the
// caller's goroutine. The broadcaster hangs off this.
func (e *Enricher) OnStored(fn func(ctx context.Context, km *models.Killmail)) {
	e.onStored = fn
}

// Metrics exposes the outcome counters.
func (e *Enricher) Metrics() *EnricherMetrics {
	return &e.metrics
}

// Enrich runs one payload through the pipeline. The returned error is
// infrastructural (upstream or store failure); rejections are reported
// through the Outcome kind.
func (e *Enricher) Enrich(ctx context.Context, p Payload) (Outcome, error) {
	return e.run(ctx, p, true)
}

// EnrichSilent is Enrich without the stored hook. Backfill paths use it so
// historical kills are not fanned out to every interested subscriber.
func (e *Enricher) EnrichSilent(ctx context.Context, p Payload) (Outcome, error) {
	return e.run(ctx, p, false)
}

func (e *Enricher) run(ctx context.Context, p Payload, notify bool) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	outcome, err := e.enrich(ctx, p, notify)
	switch {
	case err == nil:
		e.count(outcome.Kind)
	case errors.Is(err, context.DeadlineExceeded):
		e.metrics.Timeouts.Add(1)
	default:
		e.metrics.Errors.Add(1)
	}
	return outcome, err
}

func (e *Enricher) enrich(ctx context.Context, p Payload, notify bool) (Outcome, error) {
	if p.KillmailID <= 0 {
		return Outcome{Kind: OutcomeInvalid, Reason: "missing killmail id"}, nil
	}

	// Full payloads carry their timestamp, so stale kills are rejected before
	// the dedup lookup. Partial payloads get the same check after hydration.
	raw := p.Raw
	if raw != nil && e.tooOld(raw.KillmailTime) {
		return Outcome{Kind: OutcomeAgeRejected, Reason: "older than 24h"}, nil
	}

	// Dedup gate: a known id needs no hydration work at all.
	if e.store.Exists(store.NSKillmail, store.Key(p.KillmailID)) {
		return Outcome{Kind: OutcomeDuplicateRejected}, nil
	}
	if raw == nil {
		if p.ZKB.Hash == "" {
			return Outcome{Kind: OutcomeInvalid, Reason: "partial payload without hash"}, nil
		}
		var err error
		raw, err = e.resolver.Killmail(ctx, p.KillmailID, p.ZKB.Hash)
		if err != nil {
			return Outcome{}, err
		}
		if e.tooOld(raw.KillmailTime) {
			return Outcome{Kind: OutcomeAgeRejected, Reason: "older than 24h"}, nil
		}
	}

	km := fromRaw(raw, p.ZKB)
	if err := km.Validate(); err != nil {
		return Outcome{Kind: OutcomeInvalid, Reason: err.Error()}, nil
	}

	e.resolveNames(ctx, km)

	if err := e.persist(km); err != nil {
		return Outcome{}, err
	}
	if notify && e.onStored != nil {
		e.onStored(ctx, km)
	}
	return Outcome{Kind: OutcomeStored, Killmail: km}, nil
}

func (e *Enricher) tooOld(killTime time.Time) bool {
	return killTime.Before(e.now().Add(-e.maxAge))
}

func (e *Enricher) count(kind OutcomeKind) {
	switch kind {
	case OutcomeStored:
		e.metrics.Stored.Add(1)
	case OutcomeAgeRejected:
		e.metrics.AgeReject.Add(1)
	case OutcomeDuplicateRejected:
		e.metrics.Duplicates.Add(1)
	case OutcomeInvalid:
		e.metrics.Invalid.Add(1)
	}
}

// fromRaw maps the upstream wire shape into the internal record.
func fromRaw(raw *esi.Killmail, zkb esi.ZKBMeta) *models.Killmail {
	km := &models.Killmail{
		KillmailID: raw.KillmailID,
		KillTime:   raw.KillmailTime.UTC(),
		SystemID:   raw.SolarSystemID,
		Victim: models.Victim{
			CharacterID:   raw.Victim.CharacterID,
			CorporationID: raw.Victim.CorporationID,
			AllianceID:    raw.Victim.AllianceID,
			ShipTypeID:    raw.Victim.ShipTypeID,
			DamageTaken:   raw.Victim.DamageTaken,
		},
		ZKB: models.ZKB{
			Hash:           zkb.Hash,
			FittedValue:    zkb.FittedValue,
			DroppedValue:   zkb.DroppedValue,
			DestroyedValue: zkb.DestroyedValue,
			TotalValue:     zkb.TotalValue,
			Points:         zkb.Points,
			NPC:            zkb.NPC,
			Solo:           zkb.Solo,
			Awox:           zkb.Awox,
		},
	}
	if zkb.LocationID != 0 {
		locationID := zkb.LocationID
		km.ZKB.LocationID = &locationID
	}
	km.Attackers = make([]models.Attacker, 0, len(raw.Attackers))
	for _, a := range raw.Attackers {
		km.Attackers = append(km.Attackers, models.Attacker{
			CharacterID:   a.CharacterID,
			CorporationID: a.CorporationID,
			AllianceID:    a.AllianceID,
			ShipTypeID:    a.ShipTypeID,
			WeaponTypeID:  a.WeaponTypeID,
			DamageDone:    a.DamageDone,
			FinalBlow:     a.FinalBlow,
		})
	}
	return km
}

// entityBatch collects the distinct entity ids across all participants so a
// killmail with 20 attackers in one corporation issues one corporation lookup.
type entityBatch struct {
	mu        sync.Mutex
	chars     map[int64]*esi.Character
	corps     map[int64]*esi.Corporation
	alliances map[int64]*esi.Alliance
	types     map[int64]*esi.Type
	groups    map[int64]*esi.Group
}

func collectIDs(km *models.Killmail) (chars, corps, alliances, types map[int64]struct{}) {
	chars = make(map[int64]struct{})
	corps = make(map[int64]struct{})
	alliances = make(map[int64]struct{})
	types = make(map[int64]struct{})

	add := func(set map[int64]struct{}, id *int64) {
		if id != nil && *id > 0 {
			set[*id] = struct{}{}
		}
	}
	add(chars, km.Victim.CharacterID)
	add(corps, km.Victim.CorporationID)
	add(alliances, km.Victim.AllianceID)
	types[km.Victim.ShipTypeID] = struct{}{}
	for i := range km.Attackers {
		a := &km.Attackers[i]
		add(chars, a.CharacterID)
		add(corps, a.CorporationID)
		add(alliances, a.AllianceID)
		add(types, a.ShipTypeID)
	}
	return chars, corps, alliances, types
}

// resolveNames hydrates the name fields of every participant. Resolution
// failures are tolerated and logged at debug level.
func (e *Enricher) resolveNames(ctx context.Context, km *models.Killmail) {
	charIDs, corpIDs, allianceIDs, typeIDs := collectIDs(km)

	batch := &entityBatch{
		chars:     make(map[int64]*esi.Character, len(charIDs)),
		corps:     make(map[int64]*esi.Corporation, len(corpIDs)),
		alliances: make(map[int64]*esi.Alliance, len(allianceIDs)),
		types:     make(map[int64]*esi.Type, len(typeIDs)),
		groups:    make(map[int64]*esi.Group),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for id := range charIDs {
		g.Go(func() error {
			if c, err := e.resolver.Character(gctx, id); err == nil {
				batch.mu.Lock()
				batch.chars[id] = c
				batch.mu.Unlock()
			} else {
				slog.Debug("Character resolution failed", "character_id", id, "error", err)
			}
			return nil
		})
	}
	for id := range corpIDs {
		g.Go(func() error {
			if c, err := e.resolver.Corporation(gctx, id); err == nil {
				batch.mu.Lock()
				batch.corps[id] = c
				batch.mu.Unlock()
			} else {
				slog.Debug("Corporation resolution failed", "corporation_id", id, "error", err)
			}
			return nil
		})
	}
	for id := range allianceIDs {
		g.Go(func() error {
			if a, err := e.resolver.Alliance(gctx, id); err == nil {
				batch.mu.Lock()
				batch.alliances[id] = a
				batch.mu.Unlock()
			} else {
				slog.Debug("Alliance resolution failed", "alliance_id", id, "error", err)
			}
			return nil
		})
	}
	for id := range typeIDs {
		g.Go(func() error {
			if t, err := e.resolver.Type(gctx, id); err == nil {
				batch.mu.Lock()
				batch.types[id] = t
				batch.mu.Unlock()
			} else {
				slog.Debug("Type resolution failed", "type_id", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	// Groups depend on resolved types, so they run as a second wave.
	groupIDs := make(map[int64]struct{})
	for _, t := range batch.types {
		if t.GroupID > 0 {
			groupIDs[t.GroupID] = struct{}{}
		}
	}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for id := range groupIDs {
		g.Go(func() error {
			if grp, err := e.resolver.Group(gctx, id); err == nil {
				batch.mu.Lock()
				batch.groups[id] = grp
				batch.mu.Unlock()
			} else {
				slog.Debug("Group resolution failed", "group_id", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	applyNames(km, batch)
}

func applyNames(km *models.Killmail, batch *entityBatch) {
	shipNames := func(typeID int64) (typeName, groupName string) {
		t, ok := batch.types[typeID]
		if !ok {
			return "", ""
		}
		typeName = t.Name
		if g, ok := batch.groups[t.GroupID]; ok {
			groupName = g.Name
		}
		return typeName, groupName
	}
	lookup := func(id *int64) int64 {
		if id == nil {
			return 0
		}
		return *id
	}

	if c, ok := batch.chars[lookup(km.Victim.CharacterID)]; ok {
		km.Victim.CharacterName = c.Name
	}
	if c, ok := batch.corps[lookup(km.Victim.CorporationID)]; ok {
		km.Victim.CorporationName = c.Name
	}
	if a, ok := batch.alliances[lookup(km.Victim.AllianceID)]; ok {
		km.Victim.AllianceName = a.Name
	}
	km.Victim.ShipTypeName, km.Victim.ShipGroupName = shipNames(km.Victim.ShipTypeID)

	for i := range km.Attackers {
		att := &km.Attackers[i]
		if c, ok := batch.chars[lookup(att.CharacterID)]; ok {
			att.CharacterName = c.Name
		}
		if c, ok := batch.corps[lookup(att.CorporationID)]; ok {
			att.CorporationName = c.Name
		}
		if a, ok := batch.alliances[lookup(att.AllianceID)]; ok {
			att.AllianceName = a.Name
		}
		if att.ShipTypeID != nil {
			att.ShipTypeName, att.ShipGroupName = shipNames(*att.ShipTypeID)
		}
	}
}

// persist writes the killmail and its secondary indexes. The counter
// increment runs last so a failure anywhere only requires unwinding the
// killmail entry and the list reference.
func (e *Enricher) persist(km *models.Killmail) error {
	km.Offset = e.offset.Add(1)
	id, sys := km.KillmailID, km.SystemID

	e.store.Put(store.NSKillmail, store.Key(id), km)

	if _, err := e.store.AddToList(store.NSSystemKillmails, store.Key(sys), id, store.SystemListMax); err != nil {
		e.store.Delete(store.NSKillmail, store.Key(id))
		return errs.Wrap(errs.Internal, "failed to index killmail", err)
	}
	if err := e.store.AddToSet(store.NSActiveSystems, store.ActiveSystemsKey, sys); err != nil {
		e.rollback(id, sys)
		return errs.Wrap(errs.Internal, "failed to mark system active", err)
	}
	if _, err := e.store.Incr(store.NSSystemCount, store.Key(sys)); err != nil {
		e.rollback(id, sys)
		return errs.Wrap(errs.Internal, "failed to count killmail", err)
	}
	return nil
}

func (e *Enricher) rollback(id, sys int64) {
	if err := e.store.RemoveFromList(store.NSSystemKillmails, store.Key(sys), id); err != nil {
		slog.Warn("Rollback failed to unindex killmail", "killmail_id", id, "error", err)
	}
	if !e.store.Exists(store.NSSystemKillmails, store.Key(sys)) {
		if err := e.store.RemoveFromSet(store.NSActiveSystems, store.ActiveSystemsKey, sys); err != nil {
			slog.Warn("Rollback failed to deactivate system", "system_id", sys, "error", err)
		}
	}
	e.store.Delete(store.NSKillmail, store.Key(id))
}
