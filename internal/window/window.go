// ABOUTME: Entity model for synchronized floating windows and their isolation scopes
// ABOUTME: Defines Window, Scope, ScopeState, Envelope and the invariants they must hold

package window

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
)

// ErrInvalidWindow is returned when a window violates one of the model invariants.
var ErrInvalidWindow = errors.New("invalid window")

// ErrNotFound is returned when a window id is not present in a scope.
var ErrNotFound = errors.New("window not found")

// Position is the top-left corner of a window in page pixels.
type Position struct {
	Left int `json:"left"`
	Top  int `json:"top"`
}

// Size is the outer size of a window in page pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// TabSet is a set of tab ids. It marshals as a sorted JSON array.
type TabSet map[string]struct{}

// NewTabSet builds a set from the given ids.
func NewTabSet(ids ...string) TabSet {
	s := make(TabSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s TabSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s TabSet) Sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

// MarshalJSON encodes the set as a sorted array.
func (s TabSet) MarshalJSON() ([]byte, error) {
	ids := s.Sorted()
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

// UnmarshalJSON accepts an array of ids; null decodes to an empty set.
func (s *TabSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewTabSet(ids...)
	return nil
}

// Visibility holds the per-tab solo (allow-list) and mute (deny-list) sets.
// At most one of the two is non-empty.
type Visibility struct {
	SoloedOnTabs TabSet `json:"soloedOnTabs"`
	MutedOnTabs  TabSet `json:"mutedOnTabs"`
}

// Window is a floating, URL-bound entity synchronized across tabs of a scope.
type Window struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Position    Position   `json:"position"`
	Size        Size       `json:"size"`
	ZIndex      int        `json:"zIndex"`
	Minimized   bool       `json:"minimized"`
	Visibility  Visibility `json:"visibility"`
	PinnedToURL string     `json:"pinnedToUrl,omitempty"`
	ScopeID     string     `json:"scopeId"`
	Ephemeral   bool       `json:"ephemeral,omitempty"`
	LastUpdate  int64      `json:"lastUpdate"` // unix milliseconds
}

// Validate checks the structural invariants of a window.
func (w *Window) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidWindow)
	}
	if strings.TrimSpace(w.ScopeID) == "" {
		return fmt.Errorf("%w: window %s has no scope", ErrInvalidWindow, w.ID)
	}
	if len(w.Visibility.SoloedOnTabs) > 0 && len(w.Visibility.MutedOnTabs) > 0 {
		return fmt.Errorf("%w: window %s is both soloed and muted", ErrInvalidWindow, w.ID)
	}
	return nil
}

// Clone returns a deep copy of the window.
func (w Window) Clone() Window {
	w.Visibility.SoloedOnTabs = maps.Clone(w.Visibility.SoloedOnTabs)
	w.Visibility.MutedOnTabs = maps.Clone(w.Visibility.MutedOnTabs)
	return w
}

// ToggleSolo adds tabID to the solo set, or removes it if already present.
// Adding clears the mute set in the same mutation.
func (w *Window) ToggleSolo(tabID string) {
	if w.Visibility.SoloedOnTabs.Has(tabID) {
		delete(w.Visibility.SoloedOnTabs, tabID)
		return
	}
	if w.Visibility.SoloedOnTabs == nil {
		w.Visibility.SoloedOnTabs = TabSet{}
	}
	w.Visibility.SoloedOnTabs[tabID] = struct{}{}
	w.Visibility.MutedOnTabs = TabSet{}
}

// ToggleMute adds tabID to the mute set, or removes it if already present.
// Adding clears the solo set in the same mutation.
func (w *Window) ToggleMute(tabID string) {
	if w.Visibility.MutedOnTabs.Has(tabID) {
		delete(w.Visibility.MutedOnTabs, tabID)
		return
	}
	if w.Visibility.MutedOnTabs == nil {
		w.Visibility.MutedOnTabs = TabSet{}
	}
	w.Visibility.MutedOnTabs[tabID] = struct{}{}
	w.Visibility.SoloedOnTabs = TabSet{}
}

// DetachTab removes tabID from both visibility sets and reports whether anything changed.
func (w *Window) DetachTab(tabID string) bool {
	changed := false
	if w.Visibility.SoloedOnTabs.Has(tabID) {
		delete(w.Visibility.SoloedOnTabs, tabID)
		changed = true
	}
	if w.Visibility.MutedOnTabs.Has(tabID) {
		delete(w.Visibility.MutedOnTabs, tabID)
		changed = true
	}
	return changed
}

// ScopeKind classifies an isolation scope.
type ScopeKind string

const (
	ScopeKindDefault ScopeKind = "default"
	ScopeKindPrivate ScopeKind = "private"
	ScopeKindCustom  ScopeKind = "custom"
)

// Scope is an isolation boundary; windows never cross scopes.
type Scope struct {
	ID   string
	Kind ScopeKind
}

// ScopeResolver maps raw scope ids (e.g. browser container ids) onto scope kinds.
type ScopeResolver struct {
	DefaultID     string
	PrivatePrefix string
}

// Resolve returns the Scope for a raw id. An empty id resolves to the default scope.
func (r ScopeResolver) Resolve(id string) Scope {
	switch {
	case id == "" || id == r.DefaultID:
		return Scope{ID: r.DefaultID, Kind: ScopeKindDefault}
	case r.PrivatePrefix != "" && strings.HasPrefix(id, r.PrivatePrefix):
		return Scope{ID: id, Kind: ScopeKindPrivate}
	default:
		return Scope{ID: id, Kind: ScopeKindCustom}
	}
}

// ScopeState is the persisted state of one scope.
type ScopeState struct {
	Tabs       []Window         `json:"tabs"`
	LastUpdate int64            `json:"lastUpdate"`
	Tombstones map[string]int64 `json:"tombstones,omitempty"`
}

// Find returns the index of the window with the given id, or -1.
func (s *ScopeState) Find(id string) int {
	for i := range s.Tabs {
		if s.Tabs[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the scope state.
func (s ScopeState) Clone() ScopeState {
	out := ScopeState{
		Tabs:       make([]Window, 0, len(s.Tabs)),
		LastUpdate: s.LastUpdate,
		Tombstones: maps.Clone(s.Tombstones),
	}
	for _, w := range s.Tabs {
		out.Tabs = append(out.Tabs, w.Clone())
	}
	return out
}

// SortWindows orders windows by z-index, then id, for stable output.
func SortWindows(ws []Window) {
	sort.SliceStable(ws, func(i, j int) bool {
		if ws[i].ZIndex != ws[j].ZIndex {
			return ws[i].ZIndex < ws[j].ZIndex
		}
		return ws[i].ID < ws[j].ID
	})
}

// Envelope is the durable record holding every scope.
type Envelope struct {
	Scopes    map[string]ScopeState `json:"scopes"`
	SaveID    string                `json:"saveId"`
	Timestamp int64                 `json:"timestamp"` // unix milliseconds
}

// NewEnvelope returns an empty canonical envelope.
func NewEnvelope() *Envelope {
	return &Envelope{Scopes: map[string]ScopeState{}}
}
