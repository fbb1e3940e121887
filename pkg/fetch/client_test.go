package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wandererkills/pkg/errs"
)

func fastClient() *Client {
	return NewClient(Options{
		RequestsPerMinute: 60000,
		Burst:             1000,
		MaxConcurrent:     10,
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffCap:        5 * time.Millisecond,
	})
}

func TestGetJSONDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"name":"Jita"}`))
	}))
	defer srv.Close()

	var out struct {
		Name string `json:"name"`
	}
	err := fastClient().GetJSON(context.Background(), srv.URL, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "Jita", out.Name)
}

func TestRetriableStatusIsRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out map[string]bool
	err := fastClient().GetJSON(context.Background(), srv.URL, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
	assert.True(t, out["ok"])
}

func TestTerminalStatusFailsImmediately(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := fastClient().GetJSON(context.Background(), srv.URL, nil, &map[string]any{})
	require.Error(t, err)
	assert.False(t, errs.IsRetriable(err))
	assert.Equal(t, int64(1), calls.Load())
}

func TestNotFoundIsTerminalWithKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := fastClient().GetJSON(context.Background(), srv.URL, nil, &map[string]any{})
	assert.True(t, errs.IsNotFound(err))
}

func TestExhaustedRetriesReportUpstream(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := fastClient()
	err := c.GetJSON(context.Background(), srv.URL, nil, &map[string]any{})
	require.Error(t, err)
	assert.Equal(t, errs.Upstream, errs.KindOf(err))
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(1), c.Metrics().Exhausted.Load())
	assert.Equal(t, int64(2), c.Metrics().Retries.Load())
}

func TestInvalidBodyIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"broken`))
	}))
	defer srv.Close()

	err := fastClient().GetJSON(context.Background(), srv.URL, nil, &map[string]any{})
	require.Error(t, err)
	assert.False(t, errs.IsRetriable(err))
	assert.Equal(t, errs.Upstream, errs.KindOf(err))
}

func TestPostJSONSendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	err := fastClient().PostJSON(context.Background(), srv.URL, nil, map[string]int{"id": 1}, nil)
	assert.NoError(t, err)
}

func TestRetryBudgetCoversEveryAttempt(t *testing.T) {
	c := NewClient(Options{
		RequestsPerMinute: 60000,
		Burst:             1000,
		Timeout:           15 * time.Second,
		MaxAttempts:       5,
		BackoffBase:       time.Second,
		BackoffCap:        30 * time.Second,
	})
	// Five 15s attempts plus backoff ceilings of 1+2+4+8s between them.
	assert.Equal(t, 90*time.Second, c.RetryBudget())
}

func TestTimedOutAttemptIsRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(Options{
		RequestsPerMinute: 60000,
		Burst:             1000,
		Timeout:           100 * time.Millisecond,
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffCap:        5 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), c.RetryBudget())
	defer cancel()

	var out map[string]bool
	require.NoError(t, c.GetJSON(ctx, srv.URL, nil, &out))
	assert.True(t, out["ok"])
	assert.Equal(t, int64(2), calls.Load())
}

func TestCancelledContextStopsRetryLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(Options{
		RequestsPerMinute: 60000,
		Burst:             1000,
		MaxAttempts:       5,
		BackoffBase:       time.Second,
	})
	err := c.GetJSON(ctx, srv.URL, nil, &map[string]any{})
	require.Error(t, err)
}
