// Package hub runs the shared process that every tab on a machine talks to.
//
// A Hub owns the single store.Store, so all tabs share one write queue, and a
// broadcast.Hub exposed over websockets. Its HTTP surface is small:
//
//	GET  /health                      liveness
//	GET  /api/scopes                  every scope
//	GET  /api/scopes/{id}             one scope, 404 when never written
//	POST /api/scopes/{id}/mutations   upserts and deletions
//	GET  /ws?scope=S&tab=T            broadcast relay
//
// Client speaks the scope API and satisfies tabsync.Authority, so a
// Coordinator in another process pairs a Client with a
// broadcast.RemoteTransport.
package hub
