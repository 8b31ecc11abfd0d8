// Package store persists the scope envelope across two tiers.
//
// # Tiers
//
// The primary tier is durable and size-limited. OpenTier builds one from a DSN:
//
//   - SQLiteTier: modernc.org/sqlite, one keyed row (default)
//   - PostgresTier: lib/pq, one keyed row in a shared table
//   - FileTier: a JSON file replaced atomically
//   - MemoryTier: process memory, for tests
//
// The secondary tier is a MemoryTier with no size limit. It is lost on
// restart, after which the primary is authoritative again.
//
// # Writes
//
// All scopes live in one record, so every write is a read-modify-write of the
// whole envelope. Store pushes writes through one queue drained by a single
// goroutine; callers block until their write completes or their context ends.
// Windows merge by id with last-write-wins on LastUpdate, and deletions leave
// tombstones that keep older copies from coming back for 24 hours.
//
// A record larger than the quota is written to the secondary tier only and
// the result carries QuotaExceeded. When neither tier accepts a write the
// caller gets ErrStoreUnavailable.
//
// # Reads
//
// Records in older formats are upgraded on read through the migrate package
// and written back in the canonical format by the next save.
package store
