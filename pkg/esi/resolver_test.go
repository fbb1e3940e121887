package esi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wandererkills/pkg/errs"
	"wandererkills/pkg/fetch"
	"wandererkills/pkg/store"
)

func testFetcher() *fetch.Client {
	return fetch.NewClient(fetch.Options{
		RequestsPerMinute: 60000,
		Burst:             1000,
		MaxAttempts:       1,
		BackoffBase:       time.Millisecond,
	})
}

func testResolver(t *testing.T, handler http.Handler) (*Resolver, *store.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	os.Setenv("ESI_BASE_URL", srv.URL)
	t.Cleanup(func() { os.Unsetenv("ESI_BASE_URL") })

	st := store.New()
	return NewResolver(NewClient(testFetcher()), st), st
}

func TestCharacterCachedAfterFirstLookup(t *testing.T) {
	var calls atomic.Int64
	r, st := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"name":"CCP Alpha","corporation_id":1000001}`)
	}))

	c, err := r.Character(context.Background(), 90000001)
	require.NoError(t, err)
	assert.Equal(t, "CCP Alpha", c.Name)
	assert.Equal(t, int64(90000001), c.CharacterID)

	c, err = r.Character(context.Background(), 90000001)
	require.NoError(t, err)
	assert.Equal(t, "CCP Alpha", c.Name)
	assert.Equal(t, int64(1), calls.Load())
	assert.True(t, st.Exists(store.NSCharacter, store.Key(90000001)))
}

func TestFailedLookupIsNotCached(t *testing.T) {
	var calls atomic.Int64
	r, st := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"name":"Late Bloomer","corporation_id":1000001}`)
	}))

	_, err := r.Character(context.Background(), 90000002)
	assert.True(t, errs.IsNotFound(err))
	assert.False(t, st.Exists(store.NSCharacter, store.Key(90000002)))

	c, err := r.Character(context.Background(), 90000002)
	require.NoError(t, err)
	assert.Equal(t, "Late Bloomer", c.Name)
}

func TestConcurrentMissesCollapseToOneFetch(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		<-release
		fmt.Fprint(w, `{"name":"Shared","ticker":"SHRD"}`)
	}))

	const concurrency = 8
	var wg sync.WaitGroup
	results := make([]*Corporation, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.Corporation(context.Background(), 1000001)
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	// Let the goroutines pile onto the in-flight call before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, c := range results {
		require.NotNil(t, c)
		assert.Equal(t, "Shared", c.Name)
	}
}

func TestTypeLookupPrefersSeededStore(t *testing.T) {
	var calls atomic.Int64
	r, st := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"name":"Rifter","group_id":25}`)
	}))

	st.Put(store.NSType, store.Key(587), &Type{TypeID: 587, Name: "Rifter", GroupID: 25})

	typ, err := r.Type(context.Background(), 587)
	require.NoError(t, err)
	assert.Equal(t, "Rifter", typ.Name)
	assert.Equal(t, int64(0), calls.Load())
}

func TestKillmailFetchPassesHash(t *testing.T) {
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Contains(t, req.URL.Path, "/killmails/12345/abcdef/")
		fmt.Fprint(w, `{
			"killmail_id": 12345,
			"killmail_time": "2024-06-01T12:00:00Z",
			"solar_system_id": 30000142,
			"victim": {"ship_type_id": 587, "damage_taken": 1000},
			"attackers": [{"damage_done": 1000, "final_blow": true}]
		}`)
	}))

	km, err := r.Killmail(context.Background(), 12345, "abcdef")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), km.KillmailID)
	assert.Equal(t, int64(30000142), km.SolarSystemID)
	require.Len(t, km.Attackers, 1)
	assert.True(t, km.Attackers[0].FinalBlow)
}
