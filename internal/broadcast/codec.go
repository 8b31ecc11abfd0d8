// ABOUTME: Wire codec for broadcast messages
// ABOUTME: Incoming frames are checked against an embedded JSON schema before decoding

package broadcast

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrMalformedMessage is returned for frames that are not a valid message.
	ErrMalformedMessage = errors.New("malformed broadcast message")

	// ErrUnknownKind is returned for well-formed frames whose kind is not known.
	ErrUnknownKind = errors.New("unknown broadcast message kind")
)

const schemaURL = "https://tabsync.local/schema/message.json"

//go:embed message.schema.json
var messageSchemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func messageSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(messageSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parsing message schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("adding message schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// Encode serializes msg for the wire.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses and validates one wire frame. Frames naming an unknown kind
// fail with ErrUnknownKind; anything else that does not fit the schema fails
// with ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	obj, ok := inst.(map[string]any)
	if !ok {
		return Message{}, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}
	if kind, ok := obj["kind"].(string); ok && !Kind(kind).Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	sch, err := messageSchema()
	if err != nil {
		return Message{}, err
	}
	if err := sch.Validate(inst); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
