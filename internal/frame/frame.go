// Package frame implements the broker's wire codec (component A): parsing
// one inbound byte slice into a tagged outcome, and serializing outbound
// frames as compact JSON.
package frame

import "encoding/json"

// Kind tags the outcome of Parse. The dispatcher switches on Kind instead
// of inspecting an error, keeping frame decode off the exceptions-for-control-flow
// path.
type Kind int

const (
	// KindFrame is a well-formed JSON object frame with a string "type".
	KindFrame Kind = iota
	// KindNonJSONPassthrough is raw bytes that failed to parse as JSON from
	// a sender already in a room; they are broadcast unmodified.
	KindNonJSONPassthrough
	// KindProtocolError covers oversize frames, non-object JSON roots,
	// reserved keys, and JSON objects missing a usable "type" field.
	KindProtocolError
)

// reservedKeys guards against prototype-pollution-style keys. Go maps have
// no prototype chain, but client-side collaborators sharing this wire
// format do, so the guard is kept at the protocol boundary.
var reservedKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// Frame is a parsed, well-formed inbound frame. Fields holds every
// top-level key exactly as received (as raw JSON), so relay can forward
// them byte-for-byte aside from the injected "from" field.
type Frame struct {
	Type   string
	To     string
	HasTo  bool
	Fields map[string]json.RawMessage
}

// Result is the tagged outcome of Parse.
type Result struct {
	Kind  Kind
	Frame Frame
	Raw   []byte // populated only for KindNonJSONPassthrough
}

// Parse decodes one inbound frame. maxPayload bounds the frame size before
// any parsing is attempted. senderInRoom selects the non-JSON fallback rule
// (§4.A): parse failures from a sender with no room are protocol errors,
// not passthrough candidates.
func Parse(raw []byte, maxPayload int, senderInRoom bool) Result {
	if len(raw) > maxPayload {
		return Result{Kind: KindProtocolError}
	}

	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		if senderInRoom {
			return Result{Kind: KindNonJSONPassthrough, Raw: raw}
		}
		return Result{Kind: KindProtocolError}
	}

	if _, ok := root.(map[string]any); !ok {
		return Result{Kind: KindProtocolError}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Result{Kind: KindProtocolError}
	}

	for k := range fields {
		if _, reserved := reservedKeys[k]; reserved {
			return Result{Kind: KindProtocolError}
		}
	}

	typeRaw, ok := fields["type"]
	if !ok {
		return Result{Kind: KindProtocolError}
	}
	var typ string
	if err := json.Unmarshal(typeRaw, &typ); err != nil || typ == "" {
		return Result{Kind: KindProtocolError}
	}

	f := Frame{Type: typ, Fields: fields}
	if toRaw, hasTo := fields["to"]; hasTo {
		var to string
		if err := json.Unmarshal(toRaw, &to); err == nil {
			f.To = to
			f.HasTo = true
		}
	}

	return Result{Kind: KindFrame, Frame: f}
}

// WithFrom returns a copy of f's fields with "from" set to senderID,
// overwriting any existing "from" key. Every other field is preserved
// byte-for-byte (invariant: relay content is opaque to the broker).
func (f Frame) WithFrom(senderID string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(f.Fields)+1)
	for k, v := range f.Fields {
		out[k] = v
	}
	raw, err := json.Marshal(senderID)
	if err != nil {
		return nil, err
	}
	out["from"] = raw
	return out, nil
}

// Serialize emits fields as compact JSON.
func Serialize(fields map[string]json.RawMessage) ([]byte, error) {
	return json.Marshal(fields)
}

// New builds a compact JSON server frame of the given type with extra
// fields merged in, for the broker's own outgoing control frames
// (id, room-joined, error, ...).
func New(typ string, extra map[string]any) ([]byte, error) {
	obj := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		obj[k] = v
	}
	obj["type"] = typ
	return json.Marshal(obj)
}
