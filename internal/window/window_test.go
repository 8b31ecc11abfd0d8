// ABOUTME: Tests for the window entity model, visibility resolver and pin matching
// ABOUTME: Covers solo/mute exclusivity, the visibility boundary table and JSON shape

package window

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsVisible_BoundaryTable(t *testing.T) {
	tests := []struct {
		name string
		w    Window
		tab  string
		want bool
	}{
		{
			name: "minimized overrides solo",
			w:    Window{Minimized: true, Visibility: Visibility{SoloedOnTabs: NewTabSet("T1")}},
			tab:  "T1",
			want: false,
		},
		{
			name: "minimized overrides mute",
			w:    Window{Minimized: true, Visibility: Visibility{MutedOnTabs: NewTabSet("T1")}},
			tab:  "T2",
			want: false,
		},
		{
			name: "soloed on current tab",
			w:    Window{Visibility: Visibility{SoloedOnTabs: NewTabSet("T1")}},
			tab:  "T1",
			want: true,
		},
		{
			name: "soloed on another tab",
			w:    Window{Visibility: Visibility{SoloedOnTabs: NewTabSet("T1")}},
			tab:  "T2",
			want: false,
		},
		{
			name: "muted on current tab",
			w:    Window{Visibility: Visibility{MutedOnTabs: NewTabSet("T1")}},
			tab:  "T1",
			want: false,
		},
		{
			name: "muted on another tab",
			w:    Window{Visibility: Visibility{MutedOnTabs: NewTabSet("T1")}},
			tab:  "T2",
			want: true,
		},
		{
			name: "no solo or mute",
			w:    Window{},
			tab:  "T9",
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsVisible(&tt.w, tt.tab))
		})
	}
}

func TestToggleSolo_ClearsMute(t *testing.T) {
	w := Window{ID: "w1", ScopeID: "s", Visibility: Visibility{MutedOnTabs: NewTabSet("T1", "T2")}}

	w.ToggleSolo("T3")

	assert.True(t, w.Visibility.SoloedOnTabs.Has("T3"))
	assert.Empty(t, w.Visibility.MutedOnTabs)
	require.NoError(t, w.Validate())

	w.ToggleSolo("T3")
	assert.Empty(t, w.Visibility.SoloedOnTabs)
}

func TestToggleMute_ClearsSolo(t *testing.T) {
	w := Window{ID: "w1", ScopeID: "s", Visibility: Visibility{SoloedOnTabs: NewTabSet("T1")}}

	w.ToggleMute("T1")

	assert.True(t, w.Visibility.MutedOnTabs.Has("T1"))
	assert.Empty(t, w.Visibility.SoloedOnTabs)
	require.NoError(t, w.Validate())
}

func TestToggles_NeverViolateExclusivity(t *testing.T) {
	w := Window{ID: "w1", ScopeID: "s"}
	ops := []func(){
		func() { w.ToggleSolo("A") },
		func() { w.ToggleMute("B") },
		func() { w.ToggleMute("A") },
		func() { w.ToggleSolo("B") },
		func() { w.ToggleSolo("C") },
		func() { w.ToggleMute("C") },
		func() { w.DetachTab("C") },
	}
	for i, op := range ops {
		op()
		soloed := len(w.Visibility.SoloedOnTabs) > 0
		muted := len(w.Visibility.MutedOnTabs) > 0
		assert.False(t, soloed && muted, "step %d left window soloed and muted", i)
	}
}

func TestDetachTab(t *testing.T) {
	w := Window{Visibility: Visibility{SoloedOnTabs: NewTabSet("A", "B")}}
	assert.True(t, w.DetachTab("A"))
	assert.False(t, w.DetachTab("A"))
	assert.Equal(t, []string{"B"}, w.Visibility.SoloedOnTabs.Sorted())
}

func TestValidate(t *testing.T) {
	ok := Window{ID: "w1", ScopeID: "s"}
	require.NoError(t, ok.Validate())

	missingID := Window{ScopeID: "s"}
	assert.ErrorIs(t, missingID.Validate(), ErrInvalidWindow)

	missingScope := Window{ID: "w1"}
	assert.ErrorIs(t, missingScope.Validate(), ErrInvalidWindow)

	both := Window{ID: "w1", ScopeID: "s", Visibility: Visibility{
		SoloedOnTabs: NewTabSet("A"),
		MutedOnTabs:  NewTabSet("B"),
	}}
	assert.ErrorIs(t, both.Validate(), ErrInvalidWindow)
}

func TestClone_IsDeep(t *testing.T) {
	orig := Window{ID: "w1", Visibility: Visibility{SoloedOnTabs: NewTabSet("A")}}
	cp := orig.Clone()
	cp.Visibility.SoloedOnTabs["B"] = struct{}{}

	assert.False(t, orig.Visibility.SoloedOnTabs.Has("B"))
}

func TestTabSet_JSONIsSortedArray(t *testing.T) {
	data, err := json.Marshal(Visibility{SoloedOnTabs: NewTabSet("b", "a")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"soloedOnTabs":["a","b"],"mutedOnTabs":[]}`, string(data))

	var v Visibility
	require.NoError(t, json.Unmarshal([]byte(`{"soloedOnTabs":null,"mutedOnTabs":["x"]}`), &v))
	assert.Empty(t, v.SoloedOnTabs)
	assert.True(t, v.MutedOnTabs.Has("x"))
}

func TestMatchesPin(t *testing.T) {
	tests := []struct {
		pin, url string
		want     bool
	}{
		{"", "https://anything.example", true},
		{"https://a.example/page", "https://a.example/page", true},
		{"https://a.example/page", "https://a.example/other", false},
		{"https://*.example.com/*", "https://docs.example.com/guide", true},
		{"https://*.example.com/*", "https://example.org/guide", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchesPin(tt.pin, tt.url), "pin=%q url=%q", tt.pin, tt.url)
	}
}

func TestMatchesPin_CacheStaysBounded(t *testing.T) {
	for i := range maxPinCache * 2 {
		pin := fmt.Sprintf("https://*.example%d.com/*", i)
		assert.True(t, MatchesPin(pin, fmt.Sprintf("https://a.example%d.com/x", i)))
	}

	pinMu.Lock()
	size := len(pinCache)
	pinMu.Unlock()
	assert.LessOrEqual(t, size, maxPinCache)
}

func TestIsShown_RequiresPinMatch(t *testing.T) {
	w := Window{PinnedToURL: "https://a.example/"}
	assert.True(t, IsShown(&w, "T1", "https://a.example/"))
	assert.False(t, IsShown(&w, "T1", "https://b.example/"))

	w.Minimized = true
	assert.False(t, IsShown(&w, "T1", "https://a.example/"))
}

func TestScopeResolver(t *testing.T) {
	r := ScopeResolver{DefaultID: "firefox-default", PrivatePrefix: "firefox-private"}

	assert.Equal(t, Scope{ID: "firefox-default", Kind: ScopeKindDefault}, r.Resolve(""))
	assert.Equal(t, Scope{ID: "firefox-default", Kind: ScopeKindDefault}, r.Resolve("firefox-default"))
	assert.Equal(t, ScopeKindPrivate, r.Resolve("firefox-private").Kind)
	assert.Equal(t, ScopeKindCustom, r.Resolve("firefox-container-3").Kind)
}
