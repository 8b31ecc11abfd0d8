// ABOUTME: Format migrator normalizing any persisted record shape to the canonical envelope
// ABOUTME: Tries each known legacy shape in a fixed order; unknown shapes become an empty envelope

package migrate

import (
	"bytes"
	"encoding/json"

	"github.com/2389/tabsync/internal/window"
)

// Format names the record shape a raw payload was recognized as.
type Format string

const (
	FormatEmpty     Format = "empty"     // nil, blank or JSON null
	FormatCanonical Format = "canonical" // {scopes, saveId, timestamp}
	FormatVersioned Format = "versioned" // {containers, saveId, timestamp}
	FormatScopeMap  Format = "scope_map" // {<scopeId>: {tabs, lastUpdate}}
	FormatFlatList  Format = "flat_list" // [window...] or {tabs: [window...]}
	FormatCorrupt   Format = "corrupt"   // nothing matched
)

// DefaultScopeID is assigned to flat-list windows that carry no scope of their own.
const DefaultScopeID = "firefox-default"

// strategy recognizes one record shape.
type strategy struct {
	format Format
	decode func(raw []byte) (*window.Envelope, bool)
}

// strategies is evaluated in order; the first match wins.
var strategies = []strategy{
	{FormatCanonical, decodeCanonical},
	{FormatVersioned, decodeVersioned},
	{FormatFlatList, decodeFlatList},
	{FormatScopeMap, decodeScopeMap},
}

// Migrate converts a raw persisted record into the canonical envelope.
// It never fails: unrecognized input yields an empty envelope and FormatCorrupt.
func Migrate(raw []byte) (*window.Envelope, Format) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return window.NewEnvelope(), FormatEmpty
	}
	for _, s := range strategies {
		if env, ok := s.decode(trimmed); ok {
			return env, s.format
		}
	}
	return window.NewEnvelope(), FormatCorrupt
}

type canonicalRecord struct {
	Scopes    map[string]legacyScope `json:"scopes"`
	SaveID    string                 `json:"saveId"`
	Timestamp int64                  `json:"timestamp"`
}

func decodeCanonical(raw []byte) (*window.Envelope, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	if _, ok := fields["scopes"]; !ok {
		return nil, false
	}
	var rec canonicalRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return buildEnvelope(rec.Scopes, rec.SaveID, rec.Timestamp), true
}

type versionedRecord struct {
	Containers map[string]legacyScope `json:"containers"`
	SaveID     string                 `json:"saveId"`
	Timestamp  int64                  `json:"timestamp"`
}

func decodeVersioned(raw []byte) (*window.Envelope, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	if _, ok := fields["containers"]; !ok {
		return nil, false
	}
	var rec versionedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return buildEnvelope(rec.Containers, rec.SaveID, rec.Timestamp), true
}

type wrappedList struct {
	Tabs      []legacyWindow `json:"tabs"`
	Timestamp int64          `json:"timestamp"`
	SaveID    string         `json:"saveId"`
}

func decodeFlatList(raw []byte) (*window.Envelope, bool) {
	var list []legacyWindow
	var saveID string
	var ts int64

	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, false
		}
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, false
		}
		tabs, ok := fields["tabs"]
		if !ok || len(bytes.TrimSpace(tabs)) == 0 || bytes.TrimSpace(tabs)[0] != '[' {
			return nil, false
		}
		var w wrappedList
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, false
		}
		list, saveID, ts = w.Tabs, w.SaveID, w.Timestamp
	default:
		return nil, false
	}

	byScope := map[string]legacyScope{}
	for _, lw := range list {
		scopeID := lw.scopeID()
		if scopeID == "" {
			scopeID = DefaultScopeID
		}
		ls := byScope[scopeID]
		ls.Tabs = append(ls.Tabs, lw)
		if lw.LastUpdate > ls.LastUpdate {
			ls.LastUpdate = lw.LastUpdate
		}
		byScope[scopeID] = ls
	}
	return buildEnvelope(byScope, saveID, ts), true
}

func decodeScopeMap(raw []byte) (*window.Envelope, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	scopes := make(map[string]legacyScope, len(fields))
	for key, val := range fields {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(val, &inner); err != nil {
			return nil, false
		}
		if _, ok := inner["tabs"]; !ok {
			return nil, false
		}
		var ls legacyScope
		if err := json.Unmarshal(val, &ls); err != nil {
			return nil, false
		}
		scopes[key] = ls
	}
	if len(scopes) == 0 {
		return nil, false
	}
	return buildEnvelope(scopes, "", 0), true
}

func buildEnvelope(scopes map[string]legacyScope, saveID string, ts int64) *window.Envelope {
	env := window.NewEnvelope()
	env.SaveID = saveID
	env.Timestamp = ts
	for scopeID, ls := range scopes {
		env.Scopes[scopeID] = ls.normalize(scopeID)
	}
	return env
}
