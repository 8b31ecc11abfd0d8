// ABOUTME: Lenient decoding of legacy window and scope records
// ABOUTME: Accepts nested and flat geometry, numeric tab ids and container-id scope fields

package migrate

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/2389/tabsync/internal/window"
)

// flexIDs decodes an array whose members may be strings or numbers.
type flexIDs []string

func (f *flexIDs) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(flexIDs, 0, len(raw))
	for _, r := range raw {
		r = bytes.TrimSpace(r)
		if len(r) == 0 || bytes.Equal(r, []byte("null")) {
			continue
		}
		if r[0] == '"' {
			var s string
			if err := json.Unmarshal(r, &s); err != nil {
				return err
			}
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(r, &n); err != nil {
			return err
		}
		out = append(out, n.String())
	}
	*f = out
	return nil
}

// Older releases stored geometry as fractional pixels.
type legacyPosition struct {
	Left float64 `json:"left"`
	Top  float64 `json:"top"`
}

type legacySize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type legacyVisibility struct {
	SoloedOnTabs flexIDs `json:"soloedOnTabs"`
	MutedOnTabs  flexIDs `json:"mutedOnTabs"`
}

// legacyWindow is the union of every window shape that has been persisted.
type legacyWindow struct {
	ID         json.RawMessage   `json:"id"`
	URL        string            `json:"url"`
	Title      string            `json:"title"`
	Position   *legacyPosition   `json:"position"`
	Size       *legacySize       `json:"size"`
	Left       *float64          `json:"left"`
	Top        *float64          `json:"top"`
	Width      *float64          `json:"width"`
	Height     *float64          `json:"height"`
	ZIndex     float64           `json:"zIndex"`
	Minimized  bool              `json:"minimized"`
	Visibility *legacyVisibility `json:"visibility"`

	SoloedOnTabs flexIDs `json:"soloedOnTabs"`
	MutedOnTabs  flexIDs `json:"mutedOnTabs"`

	PinnedToURL   string `json:"pinnedToUrl"`
	ScopeID       string `json:"scopeId"`
	CookieStoreID string `json:"cookieStoreId"`
	Ephemeral     bool   `json:"ephemeral"`
	LastUpdate    int64  `json:"lastUpdate"`
}

func (lw *legacyWindow) scopeID() string {
	if lw.ScopeID != "" {
		return lw.ScopeID
	}
	return lw.CookieStoreID
}

func (lw *legacyWindow) id() string {
	raw := bytes.TrimSpace(lw.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	return n.String()
}

// toWindow converts the record; ok is false when it cannot belong to scopeID.
func (lw *legacyWindow) toWindow(scopeID string) (window.Window, bool) {
	id := lw.id()
	if id == "" {
		return window.Window{}, false
	}
	if own := lw.scopeID(); own != "" && own != scopeID {
		return window.Window{}, false
	}

	w := window.Window{
		ID:          id,
		URL:         lw.URL,
		Title:       lw.Title,
		ZIndex:      px(lw.ZIndex),
		Minimized:   lw.Minimized,
		PinnedToURL: lw.PinnedToURL,
		ScopeID:     scopeID,
		Ephemeral:   lw.Ephemeral,
		LastUpdate:  lw.LastUpdate,
	}
	if lw.Position != nil {
		w.Position = window.Position{Left: px(lw.Position.Left), Top: px(lw.Position.Top)}
	} else {
		w.Position = window.Position{Left: pxPtr(lw.Left), Top: pxPtr(lw.Top)}
	}
	if lw.Size != nil {
		w.Size = window.Size{Width: px(lw.Size.Width), Height: px(lw.Size.Height)}
	} else {
		w.Size = window.Size{Width: pxPtr(lw.Width), Height: pxPtr(lw.Height)}
	}

	solo, mute := lw.SoloedOnTabs, lw.MutedOnTabs
	if lw.Visibility != nil {
		solo, mute = lw.Visibility.SoloedOnTabs, lw.Visibility.MutedOnTabs
	}
	w.Visibility.SoloedOnTabs = window.NewTabSet(solo...)
	w.Visibility.MutedOnTabs = window.NewTabSet(mute...)
	// Records written before exclusivity was enforced may carry both; solo wins.
	if len(w.Visibility.SoloedOnTabs) > 0 {
		w.Visibility.MutedOnTabs = window.TabSet{}
	}
	return w, true
}

type legacyScope struct {
	Tabs       []legacyWindow   `json:"tabs"`
	LastUpdate int64            `json:"lastUpdate"`
	Tombstones map[string]int64 `json:"tombstones"`
}

// normalize converts the scope, dropping windows without an id, windows that
// belong to another scope, and duplicate ids (the newest lastUpdate is kept).
func (ls legacyScope) normalize(scopeID string) window.ScopeState {
	out := window.ScopeState{
		Tabs:       make([]window.Window, 0, len(ls.Tabs)),
		LastUpdate: ls.LastUpdate,
	}
	if len(ls.Tombstones) > 0 {
		out.Tombstones = ls.Tombstones
	}
	for i := range ls.Tabs {
		w, ok := ls.Tabs[i].toWindow(scopeID)
		if !ok {
			continue
		}
		if idx := out.Find(w.ID); idx >= 0 {
			if w.LastUpdate > out.Tabs[idx].LastUpdate {
				out.Tabs[idx] = w
			}
			continue
		}
		out.Tabs = append(out.Tabs, w)
	}
	return out
}

func px(v float64) int {
	return int(math.Round(v))
}

func pxPtr(p *float64) int {
	if p == nil {
		return 0
	}
	return px(*p)
}
