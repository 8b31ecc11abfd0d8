// ABOUTME: Tests for the websocket relay and remote transport
// ABOUTME: Runs a relay on httptest and connects tabs through RemoteTransport

package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func newRelay(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(nil)
	mux := http.NewServeMux()
	mux.Handle("/ws", NewRelayHandler(h, nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return h, srv
}

func TestRemoteTransport_RelaysBetweenTabs(t *testing.T) {
	h, srv := newRelay(t)
	ctx := t.Context()

	tr := NewRemoteTransport(srv.URL, nil)
	defer tr.Close()

	chA, err := tr.Subscribe(ctx, "S", "tab-a")
	require.NoError(t, err)
	chB, err := tr.Subscribe(ctx, "S", "tab-b")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Subscribers("S") == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Publish(ctx, makeMessage("S", "tab-a", "w1")))

	got := receive(t, chB)
	assert.Equal(t, "save-w1", got.SaveID)
	assert.Equal(t, "tab-a", got.OriginTabID)
	assertNothing(t, chA)
}

func TestRemoteTransport_ReceivesInProcessPublishes(t *testing.T) {
	h, srv := newRelay(t)
	ctx := t.Context()

	tr := NewRemoteTransport(srv.URL, nil)
	defer tr.Close()

	ch, err := tr.Subscribe(ctx, "S", "remote")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Subscribers("S") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, h.Publish(ctx, NewRemovalMessage(KindCloseAll, "S", "local", "save-x", 5, []string{"a"})))

	got := receive(t, ch)
	assert.Equal(t, KindCloseAll, got.Kind)
	assert.Equal(t, RemovalPayload{IDs: []string{"a"}, At: 5}, got.Payload)
}

func TestRemoteTransport_PublishWithoutSubscribe(t *testing.T) {
	_, srv := newRelay(t)
	tr := NewRemoteTransport(srv.URL, nil)

	err := tr.Publish(t.Context(), makeMessage("S", "tab-a", "w1"))
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestRemoteTransport_ContextCancelClosesChannel(t *testing.T) {
	h, srv := newRelay(t)
	tr := NewRemoteTransport(srv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := tr.Subscribe(ctx, "S", "tab-a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Subscribers("S") == 1 }, time.Second, 10*time.Millisecond)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Eventually(t, func() bool { return h.Subscribers("S") == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, tr.Publish(context.Background(), makeMessage("S", "tab-a", "w1")), ErrNotSubscribed)
}

func TestRelayHandler_DropsForeignScopeAndOrigin(t *testing.T) {
	h, srv := newRelay(t)
	ctx := t.Context()

	listener, err := h.Subscribe(ctx, "S", "listener")
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):]+"/ws?scope=S&tab=tab-a", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return h.Subscribers("S") == 2 }, time.Second, 10*time.Millisecond)

	send := func(msg Message) {
		data, err := Encode(msg)
		require.NoError(t, err)
		require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
	}

	send(makeMessage("OTHER", "tab-a", "foreign-scope"))
	send(makeMessage("S", "tab-z", "foreign-origin"))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"kind":"TELEPORT"}`)))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`garbage`)))
	send(makeMessage("S", "tab-a", "ok"))

	assert.Equal(t, "save-ok", receive(t, listener).SaveID)
	assertNothing(t, listener)
}

func TestRelayHandler_RequiresScopeAndTab(t *testing.T) {
	_, srv := newRelay(t)

	resp, err := http.Get(srv.URL + "/ws?scope=S")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayURL(t *testing.T) {
	u, err := relayURL("http://localhost:8080/", "S", "t 1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws?scope=S&tab=t+1", u)

	u, err = relayURL("https://hub.example/base", "S", "t")
	require.NoError(t, err)
	assert.Equal(t, "wss://hub.example/base/ws?scope=S&tab=t", u)

	_, err = relayURL("ftp://x", "S", "t")
	assert.Error(t, err)
}
