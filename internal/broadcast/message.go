// ABOUTME: Broadcast message envelope and its closed set of kinds
// ABOUTME: Payloads are a sealed variant: a window snapshot or a removal list

package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/2389/tabsync/internal/window"
)

// Kind identifies what a message reports.
type Kind string

const (
	KindCreate         Kind = "CREATE"
	KindUpdatePosition Kind = "UPDATE_POSITION"
	KindUpdateSize     Kind = "UPDATE_SIZE"
	KindMinimize       Kind = "MINIMIZE"
	KindRestore        Kind = "RESTORE"
	KindSolo           Kind = "SOLO"
	KindMute           Kind = "MUTE"
	KindPin            Kind = "PIN"
	KindUnpin          Kind = "UNPIN"
	KindClose          Kind = "CLOSE"
	KindCloseAll       Kind = "CLOSE_ALL"
	KindCloseMinimized Kind = "CLOSE_MINIMIZED"
)

// Kinds lists every known kind in wire order.
var Kinds = []Kind{
	KindCreate, KindUpdatePosition, KindUpdateSize, KindMinimize, KindRestore,
	KindSolo, KindMute, KindPin, KindUnpin,
	KindClose, KindCloseAll, KindCloseMinimized,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsRemoval reports whether messages of this kind carry a RemovalPayload.
func (k Kind) IsRemoval() bool {
	switch k {
	case KindClose, KindCloseAll, KindCloseMinimized:
		return true
	default:
		return false
	}
}

// Payload is implemented by WindowPayload and RemovalPayload only.
type Payload interface {
	isPayload()
}

// WindowPayload carries the full state of one window after the change.
type WindowPayload struct {
	Window window.Window `json:"window"`
}

// RemovalPayload lists the windows a close removed and when.
type RemovalPayload struct {
	IDs []string `json:"ids"`
	At  int64    `json:"at"`
}

func (WindowPayload) isPayload()  {}
func (RemovalPayload) isPayload() {}

// Message is one broadcast. Receivers share the payload and must clone the
// window before keeping it.
type Message struct {
	Kind        Kind
	ScopeID     string
	OriginTabID string
	SaveID      string
	Timestamp   int64
	Payload     Payload
}

// NewWindowMessage builds a message reporting the current state of w.
func NewWindowMessage(kind Kind, originTabID, saveID string, ts int64, w window.Window) Message {
	return Message{
		Kind:        kind,
		ScopeID:     w.ScopeID,
		OriginTabID: originTabID,
		SaveID:      saveID,
		Timestamp:   ts,
		Payload:     WindowPayload{Window: w},
	}
}

// NewRemovalMessage builds a close message for ids.
func NewRemovalMessage(kind Kind, scopeID, originTabID, saveID string, ts int64, ids []string) Message {
	return Message{
		Kind:        kind,
		ScopeID:     scopeID,
		OriginTabID: originTabID,
		SaveID:      saveID,
		Timestamp:   ts,
		Payload:     RemovalPayload{IDs: ids, At: ts},
	}
}

type wireMessage struct {
	Kind        Kind            `json:"kind"`
	ScopeID     string          `json:"scopeId"`
	OriginTabID string          `json:"originTabId"`
	SaveID      string          `json:"saveId"`
	Timestamp   int64           `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	var payload any
	switch p := m.Payload.(type) {
	case WindowPayload:
		if m.Kind.IsRemoval() {
			return nil, fmt.Errorf("%w: %s needs a removal payload", ErrMalformedMessage, m.Kind)
		}
		payload = p
	case RemovalPayload:
		if !m.Kind.IsRemoval() {
			return nil, fmt.Errorf("%w: %s needs a window payload", ErrMalformedMessage, m.Kind)
		}
		if p.IDs == nil {
			p.IDs = []string{}
		}
		payload = p
	default:
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedMessage)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		Kind:        m.Kind,
		ScopeID:     m.ScopeID,
		OriginTabID: m.OriginTabID,
		SaveID:      m.SaveID,
		Timestamp:   m.Timestamp,
		Payload:     raw,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !w.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
	}

	var payload Payload
	if w.Kind.IsRemoval() {
		var p RemovalPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		payload = p
	} else {
		var p WindowPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		payload = p
	}

	*m = Message{
		Kind:        w.Kind,
		ScopeID:     w.ScopeID,
		OriginTabID: w.OriginTabID,
		SaveID:      w.SaveID,
		Timestamp:   w.Timestamp,
		Payload:     payload,
	}
	return nil
}
