// Package dedupe remembers recently seen idempotency keys so a tab can drop
// the echo of its own writes and ignore broadcasts it has already applied.
package dedupe
