package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	killmailServices "wandererkills/internal/killmails/services"
	"wandererkills/pkg/esi"
	"wandererkills/pkg/fetch"
	"wandererkills/pkg/store"
)

// harness wires an ingestor against fake stream and ESI upstreams.
func harness(t *testing.T, streamHandler, esiHandler http.Handler) (*Ingestor, *store.Store) {
	t.Helper()
	if esiHandler == nil {
		esiHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	if streamHandler == nil {
		streamHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"package": null}`)
		})
	}
	streamSrv := httptest.NewServer(streamHandler)
	esiSrv := httptest.NewServer(esiHandler)
	t.Cleanup(streamSrv.Close)
	t.Cleanup(esiSrv.Close)
	os.Setenv("STREAM_BASE_URL", streamSrv.URL)
	os.Setenv("ESI_BASE_URL", esiSrv.URL)
	t.Cleanup(func() {
		os.Unsetenv("STREAM_BASE_URL")
		os.Unsetenv("ESI_BASE_URL")
	})

	st := store.New()
	fetcher := fetch.NewClient(fetch.Options{
		RequestsPerMinute: 60000,
		Burst:             1000,
		MaxAttempts:       1,
		BackoffBase:       time.Millisecond,
	})
	enricher := killmailServices.NewEnricher(st, esi.NewResolver(esi.NewClient(fetcher), st))
	return NewIngestor(fetcher, enricher), st
}

func fullPackage(killmailID int64, killTime time.Time) string {
	return fmt.Sprintf(`{"package": {
		"killID": %d,
		"killmail": {
			"killmail_id": %d,
			"killmail_time": %q,
			"solar_system_id": 30000142,
			"victim": {"ship_type_id": 587, "damage_taken": 100},
			"attackers": [{"damage_done": 100, "final_blow": true}]
		},
		"zkb": {"hash": "abc", "totalValue": 1000}
	}}`, killmailID, killmailID, killTime.UTC().Format(time.RFC3339))
}

func TestPollNullPackageIsNoKills(t *testing.T) {
	i, _ := harness(t, nil, nil)

	outcome := i.pollOnce(context.Background())
	assert.Equal(t, outcomeNoKills, outcome)
	assert.Equal(t, int64(1), i.Metrics().NoKills.Load())
}

func TestPollFullPackageStoresKill(t *testing.T) {
	i, st := harness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "queueID=")
		assert.Contains(t, r.URL.RawQuery, "ttw=1")
		fmt.Fprint(w, fullPackage(9001, time.Now().Add(-time.Minute)))
	}), nil)

	outcome := i.pollOnce(context.Background())
	assert.Equal(t, outcomeKill, outcome)
	assert.Equal(t, int64(1), i.Metrics().Kills.Load())
	assert.True(t, st.Exists(store.NSKillmail, store.Key(9001)))
}

func TestPollLegacyPackageHydratesViaESI(t *testing.T) {
	killTime := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	esiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/killmails/9002/lh/" {
			fmt.Fprintf(w, `{
				"killmail_id": 9002, "killmail_time": %q, "solar_system_id": 30002187,
				"victim": {"ship_type_id": 587, "damage_taken": 50},
				"attackers": [{"damage_done": 50, "final_blow": true}]
			}`, killTime)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	i, st := harness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"package": {"killID": 9002, "zkb": {"hash": "lh"}}}`)
	}), esiHandler)

	outcome := i.pollOnce(context.Background())
	assert.Equal(t, outcomeKill, outcome)
	assert.True(t, st.Exists(store.NSKillmail, store.Key(9002)))
}

func TestPollOldKillIsRejected(t *testing.T) {
	i, st := harness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, fullPackage(9003, time.Now().Add(-48*time.Hour)))
	}), nil)

	outcome := i.pollOnce(context.Background())
	assert.Equal(t, outcomeRejected, outcome)
	assert.Equal(t, 0, st.Len(store.NSKillmail))
}

func TestPollHTTPErrorIsFetchError(t *testing.T) {
	i, _ := harness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}), nil)

	outcome := i.pollOnce(context.Background())
	assert.Equal(t, outcomeError, outcome)
	assert.Equal(t, int64(1), i.Metrics().FetchErrors.Load())
}

func TestPollUnrecognizedShapeIsProtocolError(t *testing.T) {
	i, _ := harness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"package": {"foo": "bar"}}`)
	}), nil)

	outcome := i.pollOnce(context.Background())
	assert.Equal(t, outcomeError, outcome)
	assert.Equal(t, int64(1), i.Metrics().ProtocolErrors.Load())
}

func TestRescheduleOutcomeTable(t *testing.T) {
	i, _ := harness(t, nil, nil)
	i.fastInterval = time.Second
	i.idleInterval = 5 * time.Second
	i.maxBackoff = 30 * time.Second
	i.backoff = i.fastInterval

	assert.Equal(t, time.Second, i.reschedule(outcomeKill))
	assert.Equal(t, 5*time.Second, i.reschedule(outcomeNoKills))
	assert.Equal(t, 5*time.Second, i.reschedule(outcomeRejected))
}

func TestRescheduleBackoffDoublesAndResets(t *testing.T) {
	i, _ := harness(t, nil, nil)
	i.fastInterval = time.Second
	i.idleInterval = 5 * time.Second
	i.maxBackoff = 30 * time.Second
	i.backoff = i.fastInterval

	// Three consecutive failures: 1s, 2s, 4s.
	assert.Equal(t, 1*time.Second, i.reschedule(outcomeError))
	assert.Equal(t, 2*time.Second, i.reschedule(outcomeError))
	assert.Equal(t, 4*time.Second, i.reschedule(outcomeError))

	// Success resets the backoff to the base.
	i.reschedule(outcomeKill)
	assert.Equal(t, 1*time.Second, i.reschedule(outcomeError))
}

func TestRescheduleBackoffIsCapped(t *testing.T) {
	i, _ := harness(t, nil, nil)
	i.fastInterval = time.Second
	i.maxBackoff = 30 * time.Second
	i.backoff = i.fastInterval

	var last time.Duration
	for n := 0; n < 10; n++ {
		last = i.reschedule(outcomeError)
	}
	assert.Equal(t, 30*time.Second, last)
}

func TestIdleStreakRaisesServerWait(t *testing.T) {
	i, _ := harness(t, nil, nil)
	i.backoff = i.fastInterval

	require.Equal(t, 1, i.ttw)
	for n := 0; n < 5; n++ {
		i.reschedule(outcomeNoKills)
	}
	assert.Equal(t, 2, i.ttw)

	// A kill drops the wait back to the minimum.
	i.reschedule(outcomeKill)
	assert.Equal(t, 1, i.ttw)
}

func TestStartStopLifecycle(t *testing.T) {
	i, _ := harness(t, nil, nil)

	require.NoError(t, i.Start(context.Background()))
	assert.True(t, i.Running())
	assert.Error(t, i.Start(context.Background()))

	require.NoError(t, i.Stop())
	assert.False(t, i.Running())
	assert.Error(t, i.Stop())
}
