// Package protocol defines the wire format shared by both Carapace sockets:
// the envelope every message carries, the closed topic and error-code sets,
// and the tool declaration shape the catalog validates against.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageType is the envelope's type discriminator.
type MessageType string

const (
	TypeEvent    MessageType = "event"
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
)

// ProtocolVersion is the single supported wire version. There is no
// evolution story beyond this integer.
const ProtocolVersion = 1

// identityFields are the envelope fields the core sets and a client can
// never supply on an inbound wire frame. Used by the decoder's spoof check.
var identityFields = map[string]struct{}{
	"id":        {},
	"version":   {},
	"type":      {},
	"source":    {},
	"group":     {},
	"timestamp": {},
}

// IsIdentityField reports whether name is one of the six core identity
// fields that a client-supplied wire frame must never carry.
func IsIdentityField(name string) bool {
	_, ok := identityFields[name]
	return ok
}

// Envelope is the outer wrapper carried on both sockets. Payload holds the
// type-specific body: WireMessage fields for a request, {result,error} for
// a response, or a topic-specific object for an event.
type Envelope struct {
	ID        string          `json:"id"`
	Version   int             `json:"version"`
	Type      MessageType     `json:"type"`
	Source    string          `json:"source"`
	Group     string          `json:"group"`
	Timestamp time.Time       `json:"timestamp"`
	Topic     string          `json:"topic,omitempty"`
	// Correlation is non-empty on a request, echoed on its response, and
	// empty on an event, where omitempty leaves it out of the JSON.
	Correlation string          `json:"correlation,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEnvelope stamps a fresh envelope with a new ULID id and the current
// time. source and group identify the producing subsystem/container and the
// authorisation namespace respectively; never supplied by a client.
func NewEnvelope(typ MessageType, source, group, topic, correlation string, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal envelope payload: %w", err)
	}
	return Envelope{
		ID:          ulid.Make().String(),
		Version:     ProtocolVersion,
		Type:        typ,
		Source:      source,
		Group:       group,
		Timestamp:   time.Now().UTC(),
		Topic:       topic,
		Correlation: correlation,
		Payload:     body,
	}, nil
}

// WireMessage is the three-field object a client supplies inside an inbound
// request frame. DecodeWireMessage rejects a frame carrying any identity
// field; other unknown fields are ignored.
type WireMessage struct {
	Topic       string          `json:"topic"`
	Correlation string          `json:"correlation"`
	Arguments   json.RawMessage `json:"arguments"`
}

// IdentitySpoofError reports that an inbound frame carried a server-only
// identity field. Correlation is extracted on a best-effort basis from the
// frame's own "correlation" field so the caller can still answer the frame
// rather than dropping it silently — a silent drop is only permitted when
// the frame lacked a non-empty correlation, which a spoofed-but-correlated
// frame does not.
type IdentitySpoofError struct {
	Field       string
	Correlation string
}

func (e *IdentitySpoofError) Error() string {
	return fmt.Sprintf("wire frame carries identity field %q", e.Field)
}

// DecodeWireMessage parses a raw inbound frame into a WireMessage,
// rejecting any identity field present on the frame.
func DecodeWireMessage(raw []byte) (WireMessage, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return WireMessage{}, fmt.Errorf("decode wire frame: %w", err)
	}
	for field := range generic {
		if IsIdentityField(field) {
			var correlation string
			if raw, ok := generic["correlation"]; ok {
				_ = json.Unmarshal(raw, &correlation)
			}
			return WireMessage{}, &IdentitySpoofError{Field: field, Correlation: correlation}
		}
	}
	var msg WireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return WireMessage{}, fmt.Errorf("decode wire frame: %w", err)
	}
	return msg, nil
}

// ResponsePayload is the body of a response envelope. Result and Error are
// never both non-nil.
type ResponsePayload struct {
	Result json.RawMessage `json:"result"`
	Error  *ErrorPayload   `json:"error"`
}
