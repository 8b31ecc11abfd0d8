// ABOUTME: In-memory fan-out hub implementing Transport within one process
// ABOUTME: Channels are keyed by scope so tabs in different scopes never see each other

package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

type subscriber struct {
	tabID string
	ch    chan Message
}

// Hub provides in-memory pub/sub for broadcast messages. Subscribers register
// for a scope and receive every message published there by other tabs.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // scopeID -> subID -> subscriber
	closed      bool
	onIdle      func(scopeID string)
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger.With("component", "broadcast_hub"),
	}
}

// OnScopeIdle registers fn to run after the last subscriber of a scope leaves.
// fn runs on the unsubscribing goroutine, outside the hub lock.
func (h *Hub) OnScopeIdle(fn func(scopeID string)) {
	h.mu.Lock()
	h.onIdle = fn
	h.mu.Unlock()
}

// Subscribe registers tabID for messages on scopeID. The subscription is
// removed and the channel closed when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, scopeID, tabID string) (<-chan Message, error) {
	if scopeID == "" || tabID == "" {
		return nil, errors.New("broadcast: scope and tab ids are required")
	}
	subID := uuid.NewString()
	ch := make(chan Message, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, nil
	}
	if _, ok := h.subscribers[scopeID]; !ok {
		h.subscribers[scopeID] = make(map[string]*subscriber)
	}
	h.subscribers[scopeID][subID] = &subscriber{tabID: tabID, ch: ch}
	h.mu.Unlock()

	h.logger.Debug("subscriber added",
		"scope_id", scopeID,
		"tab_id", tabID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		h.unsubscribe(scopeID, subID)
	}()

	return ch, nil
}

// Publish sends msg to every other tab subscribed to msg.ScopeID.
// Non-blocking: messages are dropped for subscribers whose channels are full.
func (h *Hub) Publish(_ context.Context, msg Message) error {
	if !msg.Kind.Valid() {
		return ErrUnknownKind
	}
	if msg.ScopeID == "" {
		return ErrMalformedMessage
	}

	h.mu.RLock()
	subs := h.subscribers[msg.ScopeID]
	targets := make([]chan Message, 0, len(subs))
	for _, sub := range subs {
		if sub.tabID == msg.OriginTabID {
			continue
		}
		targets = append(targets, sub.ch)
	}
	// Sends happen under the read lock so unsubscribe cannot close a channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
			h.logger.Debug("dropped message for slow subscriber",
				"scope_id", msg.ScopeID,
				"kind", string(msg.Kind),
				"save_id", msg.SaveID)
		}
	}
	h.mu.RUnlock()
	return nil
}

// Subscribers returns the number of live subscriptions on scopeID.
func (h *Hub) Subscribers(scopeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[scopeID])
}

// Scopes returns the scopes that currently have subscribers.
func (h *Hub) Scopes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subscribers))
	for id := range h.subscribers {
		out = append(out, id)
	}
	return out
}

func (h *Hub) unsubscribe(scopeID, subID string) {
	h.mu.Lock()
	subs, ok := h.subscribers[scopeID]
	if !ok {
		h.mu.Unlock()
		return
	}
	sub, exists := subs[subID]
	if !exists {
		h.mu.Unlock()
		return
	}
	delete(subs, subID)
	close(sub.ch)

	idle := len(subs) == 0
	if idle {
		delete(h.subscribers, scopeID)
	}
	onIdle := h.onIdle
	h.mu.Unlock()

	h.logger.Debug("subscriber removed",
		"scope_id", scopeID,
		"tab_id", sub.tabID,
		"sub_id", subID)

	if idle && onIdle != nil {
		onIdle(scopeID)
	}
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for scopeID, subs := range h.subscribers {
		for subID, sub := range subs {
			close(sub.ch)
			delete(subs, subID)
		}
		delete(h.subscribers, scopeID)
	}

	h.logger.Debug("hub closed")
}
