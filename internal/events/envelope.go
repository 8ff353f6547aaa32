// Package events defines the inter-service message envelope, its routing keys,
// and the normalization applied to inbound bodies before they reach a task queue.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// SchemaVersion is stamped on every envelope this module produces.
const SchemaVersion = 1

// FallbackKey holds a body that could not be reduced to a map.
const FallbackKey = "raw"

var (
	ErrUnsupportedVersion = errors.New("unsupported schema version")
	ErrMalformed          = errors.New("malformed envelope")
)

var supportedVersions = map[int]bool{1: true}

// Envelope is the tagged wire format: {"event", "schema_version", "data"}.
type Envelope struct {
	Event         string          `json:"event"`
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope tags data with the event name and the current schema version.
func NewEnvelope(event string, data any) (Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	if len(b) == 0 || b[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: %s data must be an object", ErrMalformed, event)
	}
	return Envelope{Event: event, SchemaVersion: SchemaVersion, Data: b}, nil
}

func (e Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

// Message is a decoded inbound body.
type Message struct {
	Event         string
	SchemaVersion int
	Data          map[string]any
	// Legacy is set when the body carried no schema_version and went through
	// shape normalization.
	Legacy bool
	// Fallback is set when normalization could not find a map and wrapped the
	// raw value under FallbackKey.
	Fallback bool
}

// Decode parses an inbound body. Bodies carrying schema_version are strict:
// the version must be known and data must be an object. Anything else goes
// through Normalize.
func Decode(body []byte) (Message, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		data, _ := Normalize(string(body))
		return Message{Data: data, Legacy: true, Fallback: true}, nil
	}

	if obj, ok := raw.(map[string]any); ok {
		if v, tagged := obj["schema_version"]; tagged {
			return decodeTagged(obj, v)
		}
	}

	data, ok := Normalize(raw)
	msg := Message{Data: data, Legacy: true, Fallback: !ok}
	if obj, isMap := raw.(map[string]any); isMap {
		msg.Event, _ = obj["event"].(string)
	}
	return msg, nil
}

func decodeTagged(obj map[string]any, v any) (Message, error) {
	version, err := toInt(v)
	if err != nil {
		return Message{}, fmt.Errorf("%w: schema_version %v", ErrMalformed, v)
	}
	if !supportedVersions[version] {
		return Message{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	data, ok := obj["data"].(map[string]any)
	if !ok {
		return Message{}, fmt.Errorf("%w: data is not an object", ErrMalformed)
	}
	event, _ := obj["event"].(string)
	return Message{Event: event, SchemaVersion: version, Data: data}, nil
}

// Normalize reduces a legacy body to its payload map:
//
//	{data: {...}}         -> {...}
//	[{data: {...}}, ...]  -> {...}
//	[[{data: {...}}]]     -> {...}
//
// A map without data is returned as is. The second result is false when no
// map was found and the value was wrapped under FallbackKey.
func Normalize(body any) (map[string]any, bool) {
	switch v := body.(type) {
	case map[string]any:
		return dataOrSelf(v), true
	case []any:
		if len(v) == 0 {
			break
		}
		switch first := v[0].(type) {
		case map[string]any:
			return dataOrSelf(first), true
		case []any:
			if len(first) > 0 {
				if inner, ok := first[0].(map[string]any); ok {
					return dataOrSelf(inner), true
				}
			}
		}
	}
	return map[string]any{FallbackKey: body}, false
}

func dataOrSelf(m map[string]any) map[string]any {
	if d, ok := m["data"].(map[string]any); ok {
		return d
	}
	return m
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

// Bind copies a decoded payload map into a typed payload struct.
func Bind(data map[string]any, v any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Publisher emits a payload under a routing key. Implementations wrap it in
// an Envelope.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, data any) error
}
