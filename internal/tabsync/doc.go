// Package tabsync keeps each tab's view of its scope consistent with its peers.
//
// A Coordinator owns one tab's Cache and moves through the states
// Uninitialized, Hydrating, Live and Suspended. User intents (Create, Move,
// Resize, Minimize, Restore, Solo, Mute, Pin, Unpin, Close, CloseAll,
// CloseMinimized) are applied to the cache first, then persisted through an
// Authority, then broadcast to the other tabs of the scope.
//
// Broadcasts are lossy, so showing a hidden tab again pulls the scope from
// the Authority and reconciles the cache: the newer lastUpdate wins per
// window, stored windows missing locally are added and windows deleted
// elsewhere are dropped. Changes that could not be persisted stay in the
// cache and are retried on a timer and with every later write.
package tabsync
