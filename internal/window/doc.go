// Package window defines the entities synchronized between tabs.
//
// # Model
//
// A Window is a floating, URL-bound entity owned by exactly one scope. Its
// ScopeID never changes after creation, and its id is only unique within
// that scope: two scopes may hold windows with the same id and they are
// never merged.
//
// Visibility is expressed per tab:
//
//   - Solo: the window shows only on the listed tabs
//   - Mute: the window shows everywhere except the listed tabs
//
// At most one of the two sets is non-empty. ToggleSolo and ToggleMute clear
// the opposite set in the same mutation so the rule holds at every
// observable state.
//
// # Resolver
//
// IsVisible is the pure per-tab visibility function; IsShown additionally
// applies the window's URL pin (exact URL or glob pattern).
//
// # Persistence shape
//
// Envelope is the canonical durable record:
//
//	{ "scopes": { "<scopeId>": { "tabs": [...], "lastUpdate": 0 } },
//	  "saveId": "...", "timestamp": 0 }
package window
