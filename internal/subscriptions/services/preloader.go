package services

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	killmails "wandererkills/internal/killmails/models"
	killmailServices "wandererkills/internal/killmails/services"
	"wandererkills/internal/subscriptions/models"
	"wandererkills/pkg/config"
	"wandererkills/pkg/esi"
	"wandererkills/pkg/store"
)

const (
	preloadWindowSeconds = 24 * 3600
	preloadMaxKills      = 100
)

// PreloaderMetrics counts backfill activity.
type PreloaderMetrics struct {
	Tasks     atomic.Int64
	Preloaded atomic.Int64
	Failures  atomic.Int64
}

// Preloader backfills a newly created subscription with the last day of
// kills for each of its systems. Backfilled kills are delivered only to that
// subscription, never broadcast.
type Preloader struct {
	zkb         *esi.ZKBClient
	enricher    *killmailServices.Enricher
	broadcaster *Broadcaster
	store       *store.Store
	sem         *semaphore.Weighted
	metrics     PreloaderMetrics
}

// NewPreloader creates the backfill worker with its concurrency budget.
func NewPreloader(zkb *esi.ZKBClient, enricher *killmailServices.Enricher, broadcaster *Broadcaster, st *store.Store) *Preloader {
	concurrency := int64(config.GetIntEnv("PRELOAD_CONCURRENCY", 2))
	return &Preloader{
		zkb:         zkb,
		enricher:    enricher,
		broadcaster: broadcaster,
		store:       st,
		sem:         semaphore.NewWeighted(concurrency),
	}
}

// Metrics exposes the backfill counters.
func (p *Preloader) Metrics() *PreloaderMetrics {
	return &p.metrics
}

// Preload schedules one backfill task per system in the subscription.
// Tasks run asynchronously under the concurrency budget.
func (p *Preloader) Preload(ctx context.Context, sub *models.Subscription) {
	for systemID := range sub.SystemIDs {
		p.metrics.Tasks.Add(1)
		go p.preloadSystem(ctx, sub, systemID)
	}
}

func (p *Preloader) preloadSystem(ctx context.Context, sub *models.Subscription, systemID int64) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	refs, err := p.zkb.KillmailsBySystem(ctx, systemID, preloadWindowSeconds)
	if err != nil {
		p.metrics.Failures.Add(1)
		slog.Warn("Preload listing failed", "system_id", systemID, "error", err)
		return
	}
	if len(refs) > preloadMaxKills {
		refs = refs[:preloadMaxKills]
	}

	kills := make([]*killmails.Killmail, 0, len(refs))
	for _, ref := range refs {
		outcome, err := p.enricher.EnrichSilent(ctx, killmailServices.Payload{
			KillmailID: ref.KillmailID,
			ZKB:        ref.ZKB,
		})
		if err != nil {
			slog.Debug("Preload enrichment failed", "killmail_id", ref.KillmailID, "error", err)
			continue
		}
		switch outcome.Kind {
		case killmailServices.OutcomeStored:
			kills = append(kills, outcome.Killmail)
		case killmailServices.OutcomeDuplicateRejected:
			// Already known: deliver the cached record to the new subscriber.
			if v, err := p.store.Get(store.NSKillmail, store.Key(ref.KillmailID)); err == nil {
				if km, ok := v.(*killmails.Killmail); ok {
					kills = append(kills, km)
				}
			}
		}
	}

	if len(kills) > 0 {
		p.broadcaster.DeliverTo(sub, systemID, kills)
		p.metrics.Preloaded.Add(int64(len(kills)))
		slog.Info("Preloaded subscription", "subscriber_id", sub.SubscriberID,
			"system_id", systemID, "kills", len(kills))
	}
}
