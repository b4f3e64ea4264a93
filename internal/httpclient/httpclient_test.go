package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.MaxRPS == 0 {
		cfg.MaxRPS = 1000
	}
	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestDoReturnsBodyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bar", r.URL.Query().Get("foo"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Source: "test"})
	resp, err := c.Do(context.Background(), Request{
		Method: http.MethodGet,
		URL:    srv.URL,
		Params: url.Values{"foo": {"bar"}},
	})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
}

func TestDoRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Source: "test", MaxRetries: 5})
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Source: "test", MaxRetries: 2})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	assert.ErrorIs(t, err, ErrRetryExhausted)
}

func TestDoReturnsNonRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Source: "test"})
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusHandlerRunsOnceAndMergesDelta(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "JWT fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("authed"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Source: "test"})
	refreshes := 0
	c.OnStatus(http.StatusUnauthorized, func(resp *Response) (Delta, error) {
		refreshes++
		return Delta{Headers: http.Header{"Authorization": {"JWT fresh"}}}, nil
	})

	resp, err := c.Do(context.Background(), Request{Method: http.MethodPost, URL: srv.URL, Body: []byte("q")})
	require.NoError(t, err)
	assert.Equal(t, "authed", string(resp.Body))
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStatusHandlerNotReinvoked(t *testing.T) {
	// When the handler's delta does not fix the problem the second 401 is
	// surfaced instead of looping.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Source: "test"})
	c.OnStatus(http.StatusUnauthorized, func(resp *Response) (Delta, error) {
		return Delta{}, nil
	})

	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPacingRespectsMaxRPS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Source: "test", MaxRPS: 20})
	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
		require.NoError(t, err)
	}
	// 5 requests at 20 rps need at least 4 inter-request gaps of 50ms.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestSwitchProxyKeepsServing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Source: "test"})
	require.NoError(t, c.SwitchProxy(""))
	assert.Error(t, c.SwitchProxy("://bad"))

	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.True(t, resp.OK())
}
