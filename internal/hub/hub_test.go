// ABOUTME: Tests for the hub HTTP API, its client and remote tab coordination
// ABOUTME: Runs the hub handler on httptest with an in-memory primary tier

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tabsync/internal/broadcast"
	"github.com/2389/tabsync/internal/config"
	"github.com/2389/tabsync/internal/store"
	"github.com/2389/tabsync/internal/tabsync"
	"github.com/2389/tabsync/internal/window"
)

const testScope = "firefox-default"

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.PrimaryDSN = "memory://"

	h, err := New(cfg, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		srv.Close()
		h.broadcast.Close()
		_ = h.store.Close()
	})
	return h, srv
}

func testWindow(id string, lastUpdate int64) window.Window {
	return window.Window{
		ID:         id,
		URL:        "https://example.com/" + id,
		Title:      id,
		Position:   window.Position{Left: 10, Top: 20},
		Size:       window.Size{Width: 800, Height: 600},
		ZIndex:     1,
		ScopeID:    testScope,
		LastUpdate: lastUpdate,
	}
}

func postMutation(t *testing.T, srv *httptest.Server, scopeID string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/scopes/"+scopeID+"/mutations", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandleHealth(t *testing.T) {
	_, srv := newTestHub(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleGetScope_NotFound(t *testing.T) {
	_, srv := newTestHub(t)

	resp, err := http.Get(srv.URL + "/api/scopes/" + testScope)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "scope not found", body.Error)
}

func TestHandleApplyMutation(t *testing.T) {
	_, srv := newTestHub(t)

	resp := postMutation(t, srv, testScope, MutationRequest{
		Upserts: []window.Window{testWindow("w1", 100), testWindow("w2", 100)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res store.SaveResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.NotEmpty(t, res.SaveID)
	assert.Equal(t, 2, res.Upserted)

	resp = postMutation(t, srv, testScope, MutationRequest{Deletes: []string{"w1"}, At: 200})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	get, err := http.Get(srv.URL + "/api/scopes/" + testScope)
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	var st window.ScopeState
	require.NoError(t, json.NewDecoder(get.Body).Decode(&st))
	require.Len(t, st.Tabs, 1)
	assert.Equal(t, "w2", st.Tabs[0].ID)
}

func TestHandleApplyMutation_Errors(t *testing.T) {
	_, srv := newTestHub(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "invalid json", body: json.RawMessage(`"not an object"`)},
		{name: "foreign scope", body: MutationRequest{Upserts: []window.Window{func() window.Window {
			w := testWindow("w1", 1)
			w.ScopeID = "firefox-private"
			return w
		}()}}},
		{name: "invalid window", body: MutationRequest{Upserts: []window.Window{{ScopeID: testScope}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postMutation(t, srv, testScope, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestHandleListScopes(t *testing.T) {
	_, srv := newTestHub(t)
	postMutation(t, srv, testScope, MutationRequest{Upserts: []window.Window{testWindow("w1", 1)}})

	resp, err := http.Get(srv.URL + "/api/scopes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ScopesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body.Scopes, testScope)
	assert.Len(t, body.Scopes[testScope].Tabs, 1)
}

func TestClient_RoundTrip(t *testing.T) {
	_, srv := newTestHub(t)
	c := NewClient(srv.URL + "/")
	ctx := t.Context()

	require.NoError(t, c.Health(ctx))

	st, ok, err := c.Load(ctx, testScope)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, st)

	res, err := c.Apply(ctx, testScope, store.Mutation{Upserts: []window.Window{testWindow("w1", 5)}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Upserted)

	st, ok, err = c.Load(ctx, testScope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, st.Tabs, 1)
	assert.Equal(t, "w1", st.Tabs[0].ID)

	all, err := c.LoadAll(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, testScope)
}

func TestClient_MapsErrors(t *testing.T) {
	_, srv := newTestHub(t)
	c := NewClient(srv.URL)

	foreign := testWindow("w1", 1)
	foreign.ScopeID = "other"
	_, err := c.Apply(t.Context(), testScope, store.Mutation{Upserts: []window.Window{foreign}})
	assert.ErrorIs(t, err, store.ErrScopeMismatch)

	_, err = c.Apply(t.Context(), testScope, store.Mutation{Upserts: []window.Window{{ScopeID: testScope}}})
	assert.ErrorIs(t, err, window.ErrInvalidWindow)
}

func TestClient_UnreachableHubIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url)
	_, _, err := c.Load(t.Context(), testScope)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Error(t, c.Health(t.Context()))
}

func TestClient_ServiceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"store unavailable"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Apply(t.Context(), testScope, store.Mutation{})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func newRemoteTab(t *testing.T, srv *httptest.Server, tabID string) *tabsync.Coordinator {
	t.Helper()
	tr := broadcast.NewRemoteTransport(srv.URL, nil)
	t.Cleanup(func() { _ = tr.Close() })

	c, err := tabsync.New(
		tabsync.TabContext{TabID: tabID, Scope: window.Scope{ID: testScope, Kind: window.ScopeKindDefault}},
		tabsync.Options{Authority: NewClient(srv.URL), Transport: tr, ReconnectDelay: 20 * time.Millisecond},
	)
	require.NoError(t, err)
	require.NoError(t, c.Start(t.Context()))
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestRemoteTabsSyncThroughHub(t *testing.T) {
	h, srv := newTestHub(t)
	a := newRemoteTab(t, srv, "tab-a")
	b := newRemoteTab(t, srv, "tab-b")

	require.Eventually(t, func() bool { return h.broadcast.Subscribers(testScope) == 2 }, time.Second, 10*time.Millisecond)

	w, err := a.Create(t.Context(), tabsync.NewWindow{URL: "https://a.example", Title: "A"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, got := range b.Snapshot() {
			if got.ID == w.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	st, ok, err := h.Store().Load(t.Context(), testScope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, st.Tabs, 1)
	assert.Equal(t, w.ID, st.Tabs[0].ID)

	require.NoError(t, b.Close(t.Context(), w.ID))
	require.Eventually(t, func() bool { return len(a.Snapshot()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRemoteTabsRecoverFromHubRestart(t *testing.T) {
	cfg := config.Default()
	cfg.Store.PrimaryDSN = "file://" + filepath.Join(t.TempDir(), "state.json")

	first, err := New(cfg, nil)
	require.NoError(t, err)
	var current atomic.Pointer[Hub]
	current.Store(first)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current.Load().Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	a := newRemoteTab(t, srv, "tab-a")
	b := newRemoteTab(t, srv, "tab-b")
	require.Eventually(t, func() bool { return first.broadcast.Subscribers(testScope) == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, first.Shutdown(context.Background()))

	second, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		second.broadcast.Close()
		_ = second.store.Close()
	})
	missed := testWindow("missed", time.Now().UnixMilli())
	_, err = second.Store().Save(t.Context(), testScope, []window.Window{missed})
	require.NoError(t, err)
	current.Store(second)

	require.Eventually(t, func() bool { return second.broadcast.Subscribers(testScope) == 2 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, w := range b.Snapshot() {
			if w.ID == missed.ID {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "reconnected tab resyncs what it missed")

	w, err := a.Create(t.Context(), tabsync.NewWindow{URL: "https://after.example"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, got := range b.Snapshot() {
			if got.ID == w.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHub_PrunesEphemeralWhenScopeGoesIdle(t *testing.T) {
	h, _ := newTestHub(t)

	eph := testWindow("eph", 1)
	eph.Ephemeral = true
	_, err := h.Store().Save(t.Context(), testScope, []window.Window{testWindow("keep", 1), eph})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	_, err = h.Broadcast().Subscribe(ctx, testScope, "tab-a")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		st, ok, err := h.Store().Load(context.Background(), testScope)
		if err != nil || !ok {
			return false
		}
		return len(st.Tabs) == 1 && st.Tabs[0].ID == "keep"
	}, time.Second, 10*time.Millisecond)
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Store.PrimaryDSN = "memory://"
	cfg.Server.HTTPAddr = "127.0.0.1:0"

	h, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, _, err = h.Store().Load(context.Background(), testScope)
	assert.ErrorIs(t, err, store.ErrClosed)
}
