// ABOUTME: Local state cache mirroring one scope inside one tab
// ABOUTME: Tracks windows, unpersisted changes and locally known deletions

package tabsync

import (
	"github.com/2389/tabsync/internal/window"
)

// Cache is the in-memory mirror of the windows in a tab's scope. It is not
// safe for concurrent use; the Coordinator guards it.
type Cache struct {
	windows map[string]window.Window

	// dirty holds ids whose latest local version has not been persisted.
	dirty map[string]struct{}
	// pendingDeletes holds unpersisted local deletions, id -> deletedAt.
	pendingDeletes map[string]int64
	// tombstones remembers deletions so late broadcasts cannot resurrect a window.
	tombstones map[string]int64
}

func newCache() *Cache {
	return &Cache{
		windows:        make(map[string]window.Window),
		dirty:          make(map[string]struct{}),
		pendingDeletes: make(map[string]int64),
		tombstones:     make(map[string]int64),
	}
}

// Get returns a copy of the window with id.
func (c *Cache) Get(id string) (window.Window, bool) {
	w, ok := c.windows[id]
	if !ok {
		return window.Window{}, false
	}
	return w.Clone(), true
}

// Len returns the number of cached windows.
func (c *Cache) Len() int { return len(c.windows) }

// Snapshot returns copies of every window, sorted by stacking order.
func (c *Cache) Snapshot() []window.Window {
	out := make([]window.Window, 0, len(c.windows))
	for _, w := range c.windows {
		out = append(out, w.Clone())
	}
	window.SortWindows(out)
	return out
}

// IDs returns the ids of windows matching keep, or all when keep is nil.
func (c *Cache) IDs(keep func(*window.Window) bool) []string {
	var ids []string
	for id, w := range c.windows {
		if keep == nil || keep(&w) {
			ids = append(ids, id)
		}
	}
	return ids
}

// MaxZ returns the highest zIndex in the cache, or zero when empty.
func (c *Cache) MaxZ() int {
	maxZ := 0
	for _, w := range c.windows {
		if w.ZIndex > maxZ {
			maxZ = w.ZIndex
		}
	}
	return maxZ
}

// putLocal stores a window changed by this tab and marks it for persistence.
func (c *Cache) putLocal(w window.Window) {
	c.windows[w.ID] = w
	c.dirty[w.ID] = struct{}{}
	delete(c.pendingDeletes, w.ID)
}

// removeLocal deletes a window closed by this tab and queues the deletion.
func (c *Cache) removeLocal(id string, at int64) bool {
	_, ok := c.windows[id]
	delete(c.windows, id)
	delete(c.dirty, id)
	c.pendingDeletes[id] = at
	c.tombstone(id, at)
	return ok
}

// applyRemote stores a window reported by another tab when it is newer than
// what the cache holds. It reports whether the cache changed.
func (c *Cache) applyRemote(w window.Window) bool {
	if ts, ok := c.tombstones[w.ID]; ok && w.LastUpdate <= ts {
		return false
	}
	if cur, ok := c.windows[w.ID]; ok && cur.LastUpdate >= w.LastUpdate {
		return false
	}
	c.windows[w.ID] = w
	delete(c.dirty, w.ID)
	return true
}

// removeRemote deletes a window another tab closed at, unless the local copy
// changed after that. It reports whether the cache changed.
func (c *Cache) removeRemote(id string, at int64) bool {
	c.tombstone(id, at)
	cur, ok := c.windows[id]
	if !ok || cur.LastUpdate > at {
		return false
	}
	delete(c.windows, id)
	delete(c.dirty, id)
	return true
}

// reconcile merges the authoritative scope state into the cache: newer
// lastUpdate wins per id, stored windows missing locally are added, and
// local windows missing from the store are removed. The snapshot may be
// older than broadcasts the cache already applied, so a local window newer
// than the snapshot is kept unless the store recorded its deletion, and a
// stored window the cache knows was deleted later is not brought back. It
// reports whether the cache changed.
func (c *Cache) reconcile(st *window.ScopeState) bool {
	stored := make(map[string]window.Window)
	var storedDeletes map[string]int64
	var snapshotAt int64
	if st != nil {
		for _, w := range st.Tabs {
			stored[w.ID] = w
		}
		for id, at := range st.Tombstones {
			c.tombstone(id, at)
		}
		storedDeletes = st.Tombstones
		snapshotAt = st.LastUpdate
	}

	changed := false
	for id, local := range c.windows {
		s, ok := stored[id]
		switch {
		case ok && s.LastUpdate > local.LastUpdate:
			c.windows[id] = s.Clone()
			delete(c.dirty, id)
			changed = true
		case !ok:
			if _, unsaved := c.dirty[id]; unsaved {
				continue
			}
			at, deleted := storedDeletes[id]
			if deleted && at >= local.LastUpdate {
				delete(c.windows, id)
				changed = true
				continue
			}
			if local.LastUpdate > snapshotAt {
				continue
			}
			delete(c.windows, id)
			changed = true
		}
	}
	for id, s := range stored {
		if _, ok := c.windows[id]; ok {
			continue
		}
		if at, ok := c.tombstones[id]; ok && at >= s.LastUpdate {
			continue
		}
		c.windows[id] = s.Clone()
		changed = true
	}
	return changed
}

// unsaved returns copies of dirty windows and the pending deletions.
func (c *Cache) unsaved() ([]window.Window, map[string]int64) {
	upserts := make([]window.Window, 0, len(c.dirty))
	for id := range c.dirty {
		if w, ok := c.windows[id]; ok {
			upserts = append(upserts, w.Clone())
		}
	}
	window.SortWindows(upserts)
	deletes := make(map[string]int64, len(c.pendingDeletes))
	for id, at := range c.pendingDeletes {
		deletes[id] = at
	}
	return upserts, deletes
}

// markSaved clears dirty state for versions that reached the store. Windows
// changed again since then stay dirty.
func (c *Cache) markSaved(upserts []window.Window, deletes map[string]int64) {
	for _, w := range upserts {
		if cur, ok := c.windows[w.ID]; ok && cur.LastUpdate == w.LastUpdate {
			delete(c.dirty, w.ID)
		}
	}
	for id, at := range deletes {
		if c.pendingDeletes[id] == at {
			delete(c.pendingDeletes, id)
		}
	}
}

func (c *Cache) hasUnsaved() bool {
	return len(c.dirty) > 0 || len(c.pendingDeletes) > 0
}

func (c *Cache) tombstone(id string, at int64) {
	if at > c.tombstones[id] {
		c.tombstones[id] = at
	}
}

// pruneTombstones forgets deletions recorded before cutoff.
func (c *Cache) pruneTombstones(cutoff int64) {
	for id, at := range c.tombstones {
		if at < cutoff {
			delete(c.tombstones, id)
		}
	}
}
