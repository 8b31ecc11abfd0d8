// Package migrate normalizes persisted records into the canonical envelope.
//
// Records written by older releases come in several shapes. Migrate tries
// them in a fixed order and returns the first match:
//
//  1. canonical: {"scopes": {...}, "saveId": "...", "timestamp": 0}
//  2. versioned: {"containers": {...}, "saveId": "...", "timestamp": 0}
//  3. flat list: [window, ...] or {"tabs": [window, ...]}
//  4. scope map: {"<scopeId>": {"tabs": [...], "lastUpdate": 0}, ...}
//
// Anything else yields an empty envelope with FormatCorrupt; the caller
// decides whether to log it. Migrate is pure and safe for concurrent use.
package migrate
