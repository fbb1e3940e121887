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

	"wandererkills/internal/killmails/models"
	"wandererkills/pkg/esi"
	"wandererkills/pkg/fetch"
	"wandererkills/pkg/store"
)

func ptr(v int64) *int64 { return &v }

func testEnricher(t *testing.T, handler http.Handler) (*Enricher, *store.Store) {
	t.Helper()
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	os.Setenv("ESI_BASE_URL", srv.URL)
	t.Cleanup(func() { os.Unsetenv("ESI_BASE_URL") })

	st := store.New()
	fetcher := fetch.NewClient(fetch.Options{
		RequestsPerMinute: 60000,
		Burst:             1000,
		MaxAttempts:       1,
		BackoffBase:       time.Millisecond,
	})
	resolver := esi.NewResolver(esi.NewClient(fetcher), st)
	return NewEnricher(st, resolver), st
}

func seedEntities(st *store.Store) {
	st.Put(store.NSCharacter, store.Key(95465499), &esi.Character{CharacterID: 95465499, Name: "Pilot One", CorporationID: 1000001})
	st.Put(store.NSCorporation, store.Key(1000001), &esi.Corporation{CorporationID: 1000001, Name: "State War Academy", Ticker: "SWA"})
	st.Put(store.NSAlliance, store.Key(99000001), &esi.Alliance{AllianceID: 99000001, Name: "Test Alliance", Ticker: "TEST"})
	st.Put(store.NSType, store.Key(587), &esi.Type{TypeID: 587, Name: "Rifter", GroupID: 25})
	st.Put(store.NSType, store.Key(24698), &esi.Type{TypeID: 24698, Name: "Drake", GroupID: 419})
	st.Put(store.NSGroup, store.Key(25), &esi.Group{GroupID: 25, Name: "Frigate"})
	st.Put(store.NSGroup, store.Key(419), &esi.Group{GroupID: 419, Name: "Battlecruiser"})
}

func fullPayload(killmailID int64, killTime time.Time) Payload {
	return Payload{
		KillmailID: killmailID,
		ZKB:        esi.ZKBMeta{Hash: "hash", TotalValue: 1_500_000},
		Raw: &esi.Killmail{
			KillmailID:    killmailID,
			KillmailTime:  killTime,
			SolarSystemID: 30000142,
			Victim: esi.Victim{
				CharacterID:   ptr(95465499),
				CorporationID: ptr(1000001),
				AllianceID:    ptr(99000001),
				ShipTypeID:    587,
				DamageTaken:   4242,
			},
			Attackers: []esi.Attacker{
				{CharacterID: ptr(95465499), CorporationID: ptr(1000001), ShipTypeID: ptr(24698), DamageDone: 4242, FinalBlow: true},
			},
		},
	}
}

func TestEnrichStoresFullPayload(t *testing.T) {
	e, st := testEnricher(t, nil)
	seedEntities(st)

	outcome, err := e.Enrich(context.Background(), fullPayload(9001, time.Now().Add(-30*time.Second)))
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, outcome.Kind)

	km := outcome.Killmail
	assert.Equal(t, "Pilot One", km.Victim.CharacterName)
	assert.Equal(t, "State War Academy", km.Victim.CorporationName)
	assert.Equal(t, "Test Alliance", km.Victim.AllianceName)
	assert.Equal(t, "Rifter", km.Victim.ShipTypeName)
	assert.Equal(t, "Frigate", km.Victim.ShipGroupName)
	assert.Equal(t, "Drake", km.Attackers[0].ShipTypeName)
	assert.Equal(t, "Battlecruiser", km.Attackers[0].ShipGroupName)
	assert.Equal(t, int64(1), km.Offset)

	assert.True(t, st.Exists(store.NSKillmail, store.Key(9001)))
	list, err := st.List(store.NSSystemKillmails, store.Key(30000142))
	require.NoError(t, err)
	assert.Equal(t, []int64{9001}, list)
	count, err := st.Counter(store.NSSystemCount, store.Key(30000142))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	active, err := st.InSet(store.NSActiveSystems, store.ActiveSystemsKey, 30000142)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestEnrichToleratesUnresolvableEntities(t *testing.T) {
	e, _ := testEnricher(t, nil) // upstream answers 404 to everything

	outcome, err := e.Enrich(context.Background(), fullPayload(9010, time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, outcome.Kind)
	assert.Empty(t, outcome.Killmail.Victim.CharacterName)
	assert.Empty(t, outcome.Killmail.Victim.ShipTypeName)
}

func TestEnrichRejectsOldKillmails(t *testing.T) {
	e, st := testEnricher(t, nil)

	outcome, err := e.Enrich(context.Background(), fullPayload(9002, time.Now().Add(-48*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAgeRejected, outcome.Kind)

	// No state was mutated.
	assert.Equal(t, 0, st.Len(store.NSKillmail))
	assert.Equal(t, 0, st.Len(store.NSSystemKillmails))
	assert.Equal(t, 0, st.Len(store.NSSystemCount))
}

func TestEnrichOldKillWinsOverDuplicate(t *testing.T) {
	e, st := testEnricher(t, nil)
	seedEntities(st)

	fresh := fullPayload(9011, time.Now().Add(-time.Minute))
	outcome, err := e.Enrich(context.Background(), fresh)
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, outcome.Kind)

	// The same id resubmitted with a stale timestamp is an age rejection:
	// staleness is decided before the cache is consulted.
	stale := fullPayload(9011, time.Now().Add(-48*time.Hour))
	outcome, err = e.Enrich(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAgeRejected, outcome.Kind)
}

func TestEnrichRejectsDuplicates(t *testing.T) {
	e, st := testEnricher(t, nil)
	seedEntities(st)

	p := fullPayload(9003, time.Now().Add(-time.Minute))
	outcome, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, outcome.Kind)

	outcome, err = e.Enrich(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicateRejected, outcome.Kind)

	// The counter was not re-incremented and the list kept length 1.
	count, err := st.Counter(store.NSSystemCount, store.Key(30000142))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	list, err := st.List(store.NSSystemKillmails, store.Key(30000142))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEnrichRejectsInvalidStructure(t *testing.T) {
	e, _ := testEnricher(t, nil)

	p := fullPayload(9004, time.Now().Add(-time.Minute))
	p.Raw.Attackers[0].FinalBlow = false

	outcome, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, outcome.Kind)
	assert.Contains(t, outcome.Reason, "final blow")
}

func TestEnrichHydratesPartialPayload(t *testing.T) {
	killTime := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	e, st := testEnricher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/killmails/9005/abc/" {
			fmt.Fprintf(w, `{
				"killmail_id": 9005,
				"killmail_time": %q,
				"solar_system_id": 30002187,
				"victim": {"ship_type_id": 587, "damage_taken": 100},
				"attackers": [{"damage_done": 100, "final_blow": true}]
			}`, killTime.Format(time.RFC3339))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	outcome, err := e.Enrich(context.Background(), Payload{
		KillmailID: 9005,
		ZKB:        esi.ZKBMeta{Hash: "abc"},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, outcome.Kind)
	assert.Equal(t, int64(30002187), outcome.Killmail.SystemID)
	assert.True(t, st.Exists(store.NSKillmail, store.Key(9005)))
}

func TestEnrichPartialWithoutHashIsInvalid(t *testing.T) {
	e, _ := testEnricher(t, nil)

	outcome, err := e.Enrich(context.Background(), Payload{KillmailID: 9006})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, outcome.Kind)
}

func TestEnrichPartialHydrationFailurePropagates(t *testing.T) {
	e, _ := testEnricher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := e.Enrich(context.Background(), Payload{
		KillmailID: 9007,
		ZKB:        esi.ZKBMeta{Hash: "abc"},
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), e.Metrics().Errors.Load())
}

func TestEnrichInvokesStoredHook(t *testing.T) {
	e, st := testEnricher(t, nil)
	seedEntities(st)

	var delivered *models.Killmail
	e.OnStored(func(ctx context.Context, km *models.Killmail) { delivered = km })

	outcome, err := e.Enrich(context.Background(), fullPayload(9008, time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, outcome.Kind)
	require.NotNil(t, delivered)
	assert.Equal(t, int64(9008), delivered.KillmailID)
}

func TestOffsetsAreMonotonic(t *testing.T) {
	e, st := testEnricher(t, nil)
	seedEntities(st)

	for i := int64(1); i <= 3; i++ {
		outcome, err := e.Enrich(context.Background(), fullPayload(9100+i, time.Now().Add(-time.Minute)))
		require.NoError(t, err)
		require.Equal(t, OutcomeStored, outcome.Kind)
		assert.Equal(t, i, outcome.Killmail.Offset)
	}
}
