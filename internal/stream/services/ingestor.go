package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	killmailServices "wandererkills/internal/killmails/services"
	"wandererkills/pkg/config"
	"wandererkills/pkg/errs"
	"wandererkills/pkg/esi"
	"wandererkills/pkg/fetch"
)

// redisQEnvelope is the long-poll response wrapper. A null package means no
// killmail was available within the server-side wait.
type redisQEnvelope struct {
	Package *redisQPackage `json:"package"`
}

// redisQPackage accepts both upstream shapes: the new one inlines the full
// killmail document, the legacy one carries only the id and zkb hash.
type redisQPackage struct {
	KillID   int64         `json:"killID"`
	Killmail *esi.Killmail `json:"killmail"`
	ZKB      esi.ZKBMeta   `json:"zkb"`
}

// pollOutcome drives rescheduling after each poll.
type pollOutcome int

const (
	outcomeKill pollOutcome = iota
	outcomeNoKills
	outcomeRejected
	outcomeError
)

// IngestorMetrics tracks poll loop counters.
type IngestorMetrics struct {
	Polls          atomic.Int64
	Kills          atomic.Int64
	NoKills        atomic.Int64
	Rejected       atomic.Int64
	FetchErrors    atomic.Int64
	ProtocolErrors atomic.Int64
	LastKillUnix   atomic.Int64
}

// Ingestor maintains the single long-poll conversation with the upstream
// stream. Each process lifetime uses one randomly generated queue id so the
// upstream tracks its cursor server-side.
type Ingestor struct {
	fetcher  *fetch.Client
	enricher *killmailServices.Enricher

	baseURL      string
	queueID      string
	fastInterval time.Duration
	idleInterval time.Duration
	maxBackoff   time.Duration

	// Loop state, touched only by the poll goroutine.
	backoff    time.Duration
	ttw        int
	nullStreak int

	running   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	startedAt time.Time
	metrics   IngestorMetrics
}

// maxTTW caps the adaptive server-side wait raised during idle streaks.
const maxTTW = 10

// NewIngestor creates the ingestor over the shared fetcher and pipeline.
func NewIngestor(fetcher *fetch.Client, enricher *killmailServices.Enricher) *Ingestor {
	return &Ingestor{
		fetcher:      fetcher,
		enricher:     enricher,
		baseURL:      config.GetEnv("STREAM_BASE_URL", "https://zkillredisq.stream/listen.php"),
		queueID:      "wandererkills-" + uuid.New().String(),
		fastInterval: config.GetMillisEnv("STREAM_FAST_INTERVAL_MS", 1000),
		idleInterval: config.GetMillisEnv("STREAM_IDLE_INTERVAL_MS", 5000),
		maxBackoff:   config.GetMillisEnv("STREAM_MAX_BACKOFF_MS", 30000),
		ttw:          1,
	}
}

// QueueID returns the per-process queue identifier.
func (i *Ingestor) QueueID() string {
	return i.queueID
}

// Metrics exposes the loop counters.
func (i *Ingestor) Metrics() *IngestorMetrics {
	return &i.metrics
}

// Running reports whether the poll loop is active.
func (i *Ingestor) Running() bool {
	return i.running.Load()
}

// StartedAt returns the time the loop was last started.
func (i *Ingestor) StartedAt() time.Time {
	return i.startedAt
}

// Start launches the poll loop. Starting a running ingestor is an error.
func (i *Ingestor) Start(ctx context.Context) error {
	if !i.running.CompareAndSwap(false, true) {
		return errs.New(errs.Validation, "ingestor already running")
	}
	i.stopCh = make(chan struct{})
	i.doneCh = make(chan struct{})
	i.backoff = i.fastInterval
	i.ttw = 1
	i.nullStreak = 0
	i.startedAt = time.Now()

	go i.loop(ctx)
	slog.Info("Stream ingestor started", "queue_id", i.queueID, "url", i.baseURL)
	return nil
}

// Stop signals the loop and waits for it to exit. An in-flight enrichment
// finishes; the next poll is never issued.
func (i *Ingestor) Stop() error {
	if !i.running.CompareAndSwap(true, false) {
		return errs.New(errs.Validation, "ingestor not running")
	}
	close(i.stopCh)
	<-i.doneCh
	slog.Info("Stream ingestor stopped", "queue_id", i.queueID)
	return nil
}

func (i *Ingestor) loop(ctx context.Context) {
	defer close(i.doneCh)

	// First poll after one idle interval.
	delay := i.idleInterval
	for {
		select {
		case <-ctx.Done():
			i.running.Store(false)
			return
		case <-i.stopCh:
			return
		case <-time.After(delay):
		}

		outcome := i.pollOnce(ctx)
		delay = i.reschedule(outcome)
	}
}

// pollOnce issues one long-poll request and runs any received killmail
// through enrichment.
func (i *Ingestor) pollOnce(ctx context.Context) pollOutcome {
	i.metrics.Polls.Add(1)

	url := fmt.Sprintf("%s?queueID=%s&ttw=%d", i.baseURL, i.queueID, i.ttw)
	var raw json.RawMessage
	if err := i.fetcher.GetJSON(ctx, url, nil, &raw); err != nil {
		i.metrics.FetchErrors.Add(1)
		slog.Warn("Stream poll failed", "error", err)
		return outcomeError
	}

	var envelope redisQEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		i.metrics.ProtocolErrors.Add(1)
		slog.Warn("Stream response shape unrecognized", "error", err)
		return outcomeError
	}
	if envelope.Package == nil {
		i.metrics.NoKills.Add(1)
		return outcomeNoKills
	}

	payload, err := payloadFrom(envelope.Package)
	if err != nil {
		i.metrics.ProtocolErrors.Add(1)
		slog.Warn("Stream package shape unrecognized", "error", err)
		return outcomeError
	}

	outcome, err := i.enricher.Enrich(ctx, payload)
	if err != nil {
		i.metrics.FetchErrors.Add(1)
		slog.Warn("Stream enrichment failed", "killmail_id", payload.KillmailID, "error", err)
		return outcomeError
	}
	switch outcome.Kind {
	case killmailServices.OutcomeStored:
		i.metrics.Kills.Add(1)
		i.metrics.LastKillUnix.Store(time.Now().Unix())
		slog.Info("Killmail ingested",
			"killmail_id", outcome.Killmail.KillmailID,
			"system_id", outcome.Killmail.SystemID,
			"value", outcome.Killmail.ZKB.TotalValue)
		return outcomeKill
	case killmailServices.OutcomeAgeRejected, killmailServices.OutcomeDuplicateRejected, killmailServices.OutcomeInvalid:
		i.metrics.Rejected.Add(1)
		return outcomeRejected
	default:
		return outcomeRejected
	}
}

// payloadFrom maps a package into a pipeline payload, accepting both shapes.
func payloadFrom(pkg *redisQPackage) (killmailServices.Payload, error) {
	if pkg.Killmail != nil {
		id := pkg.Killmail.KillmailID
		if id == 0 {
			id = pkg.KillID
		}
		return killmailServices.Payload{KillmailID: id, ZKB: pkg.ZKB, Raw: pkg.Killmail}, nil
	}
	if pkg.KillID > 0 && pkg.ZKB.Hash != "" {
		return killmailServices.Payload{KillmailID: pkg.KillID, ZKB: pkg.ZKB}, nil
	}
	return killmailServices.Payload{}, errs.New(errs.Validation, "package has neither killmail nor killID+hash")
}

// reschedule applies the outcome table: kills poll fast, idle polls slow,
// errors back off exponentially up to the cap. Success of any kind resets the
// backoff. Long idle streaks raise the server-side wait instead of hammering
// the endpoint.
func (i *Ingestor) reschedule(outcome pollOutcome) time.Duration {
	switch outcome {
	case outcomeKill:
		i.backoff = i.fastInterval
		i.ttw = 1
		i.nullStreak = 0
		return i.fastInterval
	case outcomeNoKills:
		i.backoff = i.fastInterval
		i.nullStreak++
		if i.nullStreak%5 == 0 && i.ttw < maxTTW {
			i.ttw++
		}
		return i.idleInterval
	case outcomeRejected:
		i.backoff = i.fastInterval
		i.nullStreak = 0
		return i.idleInterval
	default:
		delay := i.backoff
		i.backoff = min(i.backoff*2, i.maxBackoff)
		return delay
	}
}
