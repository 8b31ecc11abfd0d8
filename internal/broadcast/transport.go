// ABOUTME: Transport contract shared by the in-process hub and the websocket client
// ABOUTME: One logical channel per scope; publishers never hear their own messages

package broadcast

import (
	"context"
	"errors"
)

// ErrNotSubscribed is returned when publishing for a tab that has no open subscription.
var ErrNotSubscribed = errors.New("tab is not subscribed to scope")

// Transport is a fire-and-forget, scope-keyed pub/sub channel.
//
// Publish delivers msg to every subscriber of msg.ScopeID except those
// registered under msg.OriginTabID. Delivery is at most once; messages from
// one origin arrive in the order they were published.
//
// Subscribe returns a channel of messages published by other tabs. The
// channel is closed when ctx ends or the transport shuts down.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, scopeID, tabID string) (<-chan Message, error)
}
