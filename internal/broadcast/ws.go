// ABOUTME: Websocket relay so tabs in other processes join a hub scope channel
// ABOUTME: RelayHandler serves the hub side; RemoteTransport is the client Transport

package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// maxFrameBytes bounds a single inbound frame.
const maxFrameBytes = 1 << 20

// RelayHandler accepts websocket connections at ?scope=S&tab=T and bridges
// them onto a Hub. Frames from the client are validated, checked against the
// connection's scope and tab, then published to the other subscribers.
type RelayHandler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewRelayHandler creates a relay onto hub. Pass nil logger for default.
func NewRelayHandler(hub *Hub, logger *slog.Logger) *RelayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayHandler{
		hub:    hub,
		logger: logger.With("component", "broadcast_relay"),
	}
}

func (rh *RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scopeID := r.URL.Query().Get("scope")
	tabID := r.URL.Query().Get("tab")
	if scopeID == "" || tabID == "" {
		http.Error(w, "scope and tab query parameters are required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		rh.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	defer conn.Close(websocket.StatusInternalError, "relay closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	msgs, err := rh.hub.Subscribe(ctx, scopeID, tabID)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	logger := rh.logger.With("scope_id", scopeID, "tab_id", tabID)
	logger.Info("relay connected")

	go func() {
		defer cancel()
		for msg := range msgs {
			data, err := Encode(msg)
			if err != nil {
				logger.Warn("encoding message failed", "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Info("relay disconnected")
			} else {
				logger.Debug("relay read ended", "error", err)
			}
			break
		}

		msg, err := Decode(data)
		switch {
		case errors.Is(err, ErrUnknownKind):
			logger.Warn("dropping message of unknown kind", "error", err)
			continue
		case err != nil:
			logger.Warn("MalformedMessage: dropping frame", "error", err)
			continue
		}
		if msg.ScopeID != scopeID {
			logger.Debug("ScopeMismatch: dropping message", "message_scope_id", msg.ScopeID)
			continue
		}
		if msg.OriginTabID != tabID {
			logger.Warn("dropping message with foreign origin", "origin_tab_id", msg.OriginTabID)
			continue
		}
		if err := rh.hub.Publish(ctx, msg); err != nil {
			logger.Warn("publish failed", "error", err)
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// RemoteTransport implements Transport against a relay served by another
// process. Each Subscribe opens one websocket; Publish writes through the
// socket opened for the message's scope and origin tab.
type RemoteTransport struct {
	baseURL string
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewRemoteTransport creates a transport for the hub at baseURL
// (http://host:port). Pass nil logger for default.
func NewRemoteTransport(baseURL string, logger *slog.Logger) *RemoteTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "broadcast_remote"),
		conns:   make(map[string]*websocket.Conn),
	}
}

func connKey(scopeID, tabID string) string {
	return scopeID + "\x00" + tabID
}

// Subscribe dials the relay for scopeID as tabID.
func (t *RemoteTransport) Subscribe(ctx context.Context, scopeID, tabID string) (<-chan Message, error) {
	u, err := relayURL(t.baseURL, scopeID, tabID)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	key := connKey(scopeID, tabID)
	t.mu.Lock()
	if old, ok := t.conns[key]; ok {
		old.Close(websocket.StatusNormalClosure, "replaced")
	}
	t.conns[key] = conn
	t.mu.Unlock()

	ch := make(chan Message, subscriberBufferSize)
	go t.readLoop(ctx, key, conn, ch)
	return ch, nil
}

// Publish sends msg through the socket of its origin tab.
func (t *RemoteTransport) Publish(ctx context.Context, msg Message) error {
	t.mu.Lock()
	conn, ok := t.conns[connKey(msg.ScopeID, msg.OriginTabID)]
	t.mu.Unlock()
	if !ok {
		return ErrNotSubscribed
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing to relay: %w", err)
	}
	return nil
}

// Close closes every open socket.
func (t *RemoteTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, conn := range t.conns {
		conn.Close(websocket.StatusNormalClosure, "")
		delete(t.conns, key)
	}
	return nil
}

func (t *RemoteTransport) readLoop(ctx context.Context, key string, conn *websocket.Conn, ch chan<- Message) {
	defer func() {
		t.mu.Lock()
		if t.conns[key] == conn {
			delete(t.conns, key)
		}
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		close(ch)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.logger.Debug("relay read ended", "error", err)
			return
		}
		msg, err := Decode(data)
		if err != nil {
			t.logger.Warn("MalformedMessage: dropping frame from relay", "error", err)
			continue
		}
		select {
		case ch <- msg:
		default:
			t.logger.Debug("dropped message for slow subscriber",
				"scope_id", msg.ScopeID,
				"kind", string(msg.Kind))
		}
	}
}

func relayURL(base, scopeID, tabID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing hub url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"scope": {scopeID}, "tab": {tabID}}.Encode()
	return u.String(), nil
}
