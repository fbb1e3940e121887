package services

import (
	"context"
	"log/slog"
	"time"

	"wandererkills/internal/killmails/models"
	"wandererkills/pkg/errs"
	"wandererkills/pkg/esi"
	"wandererkills/pkg/store"
)

const (
	defaultSinceHours = 24
	maxSinceHours     = 168 // zkillboard serves at most 7 days back
	defaultLimit      = 100
)

// QueryService answers read requests against the store, falling back to
// zKillboard's REST listing when a system has not been fetched recently.
type QueryService struct {
	store    *store.Store
	zkb      *esi.ZKBClient
	enricher *Enricher
	now      func() time.Time
}

// NewQueryService wires the query path.
func NewQueryService(st *store.Store, zkb *esi.ZKBClient, enricher *Enricher) *QueryService {
	return &QueryService{
		store:    st,
		zkb:      zkb,
		enricher: enricher,
		now:      time.Now,
	}
}

func clampWindow(sinceHours, limit int) (int, int) {
	if sinceHours <= 0 {
		sinceHours = defaultSinceHours
	}
	if sinceHours > maxSinceHours {
		sinceHours = maxSinceHours
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > store.SystemListMax {
		limit = store.SystemListMax
	}
	return sinceHours, limit
}

// SystemKills returns kills for a system within the window. The second return
// reports whether the answer came purely from cache. A system whose
// fetch-timestamp is still live is served from the store; otherwise the
// upstream listing is ingested first. When the upstream fails but cached data
// exists, the cache is served instead.
func (s *QueryService) SystemKills(ctx context.Context, systemID int64, sinceHours, limit int) ([]*models.Killmail, bool, error) {
	if systemID <= 0 {
		return nil, false, errs.New(errs.Validation, "system id must be positive")
	}
	sinceHours, limit = clampWindow(sinceHours, limit)
	since := s.now().Add(-time.Duration(sinceHours) * time.Hour)

	if s.store.Exists(store.NSSystemFetchTS, store.Key(systemID)) {
		return s.cachedSince(systemID, since, limit), true, nil
	}

	refs, err := s.zkb.KillmailsBySystem(ctx, systemID, sinceHours*3600)
	if err != nil {
		if cached := s.cachedSince(systemID, since, limit); len(cached) > 0 {
			slog.Warn("Serving stale cache after upstream failure", "system_id", systemID, "error", err)
			return cached, true, nil
		}
		return nil, false, err
	}

	s.ingestRefs(ctx, systemID, refs, limit)
	s.store.Put(store.NSSystemFetchTS, store.Key(systemID), s.now())
	return s.cachedSince(systemID, since, limit), false, nil
}

// ingestRefs runs upstream listing entries through enrichment. The dedup gate
// makes re-ingestion of known ids a no-op.
func (s *QueryService) ingestRefs(ctx context.Context, systemID int64, refs []esi.ZKBRef, limit int) {
	ingested := 0
	for _, ref := range refs {
		if ingested >= limit {
			break
		}
		outcome, err := s.enricher.EnrichSilent(ctx, Payload{KillmailID: ref.KillmailID, ZKB: ref.ZKB})
		if err != nil {
			slog.Warn("Backfill enrichment failed", "killmail_id", ref.KillmailID, "error", err)
			continue
		}
		if outcome.Kind == OutcomeStored || outcome.Kind == OutcomeDuplicateRejected {
			ingested++
		}
	}
	if ingested > 0 {
		slog.Info("Backfilled system from upstream", "system_id", systemID, "kills", ingested)
	}
}

// SystemsKills answers the bulk query, one entry per requested system.
func (s *QueryService) SystemsKills(ctx context.Context, systemIDs []int64, sinceHours, limit int) (map[int64][]*models.Killmail, error) {
	if len(systemIDs) == 0 {
		return nil, errs.New(errs.Validation, "system_ids must not be empty")
	}
	out := make(map[int64][]*models.Killmail, len(systemIDs))
	for _, id := range systemIDs {
		kills, _, err := s.SystemKills(ctx, id, sinceHours, limit)
		if err != nil {
			return nil, err
		}
		out[id] = kills
	}
	return out, nil
}

// CachedKills serves straight from the store without any upstream fallback.
func (s *QueryService) CachedKills(systemID int64, limit int) ([]*models.Killmail, error) {
	if systemID <= 0 {
		return nil, errs.New(errs.Validation, "system id must be positive")
	}
	_, limit = clampWindow(0, limit)
	return s.cachedSince(systemID, time.Time{}, limit), nil
}

// Killmail returns one enriched killmail by id.
func (s *QueryService) Killmail(killmailID int64) (*models.Killmail, error) {
	v, err := s.store.Get(store.NSKillmail, store.Key(killmailID))
	if err != nil {
		return nil, err
	}
	km, ok := v.(*models.Killmail)
	if !ok {
		return nil, errs.Newf(errs.TypeMismatch, "killmail %d has unexpected shape", killmailID)
	}
	return km, nil
}

// SystemCount returns the kill counter for a system, 0 when unknown.
func (s *QueryService) SystemCount(systemID int64) (int64, error) {
	if systemID <= 0 {
		return 0, errs.New(errs.Validation, "system id must be positive")
	}
	return s.store.Counter(store.NSSystemCount, store.Key(systemID))
}

// cachedSince walks the system's index newest-first, resolving each id against
// the killmail namespace. Ids whose killmail has been evicted are skipped.
func (s *QueryService) cachedSince(systemID int64, since time.Time, limit int) []*models.Killmail {
	ids, err := s.store.List(store.NSSystemKillmails, store.Key(systemID))
	if err != nil {
		return nil
	}
	kills := make([]*models.Killmail, 0, min(len(ids), limit))
	for _, id := range ids {
		if len(kills) >= limit {
			break
		}
		v, err := s.store.Get(store.NSKillmail, store.Key(id))
		if err != nil {
			continue
		}
		km, ok := v.(*models.Killmail)
		if !ok {
			continue
		}
		if !since.IsZero() && km.KillTime.Before(since) {
			continue
		}
		kills = append(kills, km)
	}
	return kills
}
