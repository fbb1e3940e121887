package services

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	killmails "wandererkills/internal/killmails/models"
	"wandererkills/internal/subscriptions/models"
	"wandererkills/pkg/bus"
	"wandererkills/pkg/fetch"
	"wandererkills/pkg/store"
	"wandererkills/pkg/taskpool"
)

const webhookTimeout = 15 * time.Second

// BroadcasterMetrics counts fan-out outcomes.
type BroadcasterMetrics struct {
	Dispatched    atomic.Int64
	Deliveries    atomic.Int64
	WebhooksOK    atomic.Int64
	WebhooksDead  atomic.Int64
	DroppedQueued atomic.Int64
}

// Broadcaster fans each persisted killmail out to every interested
// subscription. Deliveries are isolated: a failing or panicking consumer
// never affects the others or the ingest path.
type Broadcaster struct {
	registry *Registry
	store    *store.Store
	bus      *bus.Bus
	pool     *taskpool.Pool
	webhooks *fetch.Client

	// offsetMu serializes the read-compare-write on subscription offsets.
	offsetMu sync.Mutex
	metrics  BroadcasterMetrics
}

// NewBroadcaster wires the fan-out engine. The webhook client gets its own
// budget: 15s per POST, up to 5 attempts on retriable failures. Each delivery
// task runs under a context sized for the whole schedule, not a single POST.
func NewBroadcaster(registry *Registry, st *store.Store, b *bus.Bus, pool *taskpool.Pool) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		store:    st,
		bus:      b,
		pool:     pool,
		webhooks: fetch.NewClient(fetch.Options{
			Timeout:     webhookTimeout,
			MaxAttempts: 5,
		}),
	}
}

// Metrics exposes the fan-out counters.
func (b *Broadcaster) Metrics() *BroadcasterMetrics {
	return &b.metrics
}

// Dispatch delivers one freshly persisted killmail. Called from the
// enrichment pipeline's stored hook.
func (b *Broadcaster) Dispatch(ctx context.Context, km *killmails.Killmail) {
	b.metrics.Dispatched.Add(1)
	update := models.NewKillUpdate(km.SystemID, []*killmails.Killmail{km})

	// System-level topics fire once per killmail, independent of who is
	// subscribed.
	b.bus.Publish(bus.TopicKillsUpdated, km)
	b.bus.Publish(bus.TopicSystem(km.SystemID), km.KillmailID)
	b.bus.Publish(bus.TopicSystemDetailed(km.SystemID), update)

	for _, id := range b.registry.FindInterested(km) {
		sub, err := b.registry.Get(id)
		if err != nil {
			continue // unsubscribed between match and fetch
		}
		b.deliver(sub, update, km.Offset)
	}
}

// DeliverTo sends kills to exactly one subscription, bypassing matching.
// The preloader uses this for targeted backfill.
func (b *Broadcaster) DeliverTo(sub *models.Subscription, systemID int64, kills []*killmails.Killmail) {
	if len(kills) == 0 {
		return
	}
	update := models.NewKillUpdate(systemID, kills)
	maxOffset := int64(0)
	for _, km := range kills {
		if km.Offset > maxOffset {
			maxOffset = km.Offset
		}
	}
	b.deliver(sub, update, maxOffset)
}

// deliver pushes one update to one subscription. Panics are contained here so
// a broken delivery path cannot poison the dispatch loop.
func (b *Broadcaster) deliver(sub *models.Subscription, update models.KillUpdate, offset int64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Delivery panicked", "subscription_id", sub.ID, "panic", r)
		}
	}()

	b.metrics.Deliveries.Add(1)

	// The WebSocket layer consumes the subscriber topic and owns its bounded
	// outbound queue.
	b.bus.Publish(bus.TopicSubscriber(sub.SubscriberID), update)

	if sub.CallbackURL != "" {
		b.enqueueWebhook(sub, update)
	}

	b.advanceOffset(sub, offset)
}

func (b *Broadcaster) enqueueWebhook(sub *models.Subscription, update models.KillUpdate) {
	url := sub.CallbackURL
	subscriberID := sub.SubscriberID
	submitted := b.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.webhooks.RetryBudget())
		defer cancel()

		headers := http.Header{"X-Request-Id": {uuid.New().String()}}
		if err := b.webhooks.PostJSON(ctx, url, headers, update, nil); err != nil {
			b.metrics.WebhooksDead.Add(1)
			slog.Warn("Webhook delivery dead-lettered",
				"subscriber_id", subscriberID, "url", url, "error", err)
			return
		}
		b.metrics.WebhooksOK.Add(1)
	})
	if !submitted {
		b.metrics.DroppedQueued.Add(1)
		slog.Warn("Webhook delivery dropped, queue full", "subscriber_id", subscriberID)
	}
}

// advanceOffset moves the subscriber's resume watermark forward, never back.
func (b *Broadcaster) advanceOffset(sub *models.Subscription, offset int64) {
	if offset <= 0 {
		return
	}
	b.registry.MarkDelivered(sub.ID, offset)

	b.offsetMu.Lock()
	defer b.offsetMu.Unlock()
	current := int64(0)
	if v, err := b.store.Get(store.NSSubscriptionOffset, sub.SubscriberID); err == nil {
		if n, ok := v.(int64); ok {
			current = n
		}
	}
	if offset > current {
		b.store.Put(store.NSSubscriptionOffset, sub.SubscriberID, offset)
	}
}
