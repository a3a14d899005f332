// Package wire defines the JSON envelope exchanged between the chat widget and
// the chat backend, plus the reflection helpers used to dispatch typed handlers.
package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope types.
const (
	TypeRequest            = "request"
	TypeResponse           = "response"
	TypePublish            = "publish"
	TypeError              = "error"
	TypeSubscribeRequest   = "subscribe_request"
	TypeUnsubscribeRequest = "unsubscribe_request"
	TypeSubscriptionAck    = "subscription_ack"
)

// ErrorPayload is the error body of an envelope of type "error".
type ErrorPayload struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Envelope is one frame on the wire.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// NewEnvelope builds an envelope, marshalling payload unless it is nil or
// already raw JSON.
func NewEnvelope(id, typ, topic string, payload any, errPayload *ErrorPayload) (*Envelope, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload for topic %q: %w", typ, topic, err)
		}
		raw = b
	}
	return &Envelope{ID: id, Type: typ, Topic: topic, Payload: raw, Error: errPayload}, nil
}

// NewErrorEnvelope answers request id with an error envelope.
func NewErrorEnvelope(id, topic string, code int, msg string) *Envelope {
	return &Envelope{ID: id, Type: TypeError, Topic: topic, Error: &ErrorPayload{Code: code, Message: msg}}
}

// HasPayload reports whether the envelope carries a non-null payload.
func (e *Envelope) HasPayload() bool {
	return len(e.Payload) > 0 && string(e.Payload) != "null"
}

// DecodePayload unmarshals the payload into v. A missing or null payload
// leaves v untouched.
func (e *Envelope) DecodePayload(v any) error {
	if !e.HasPayload() {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Err converts an error envelope into a *StatusError, or returns nil.
func (e *Envelope) Err() error {
	if e.Error == nil {
		return nil
	}
	return &StatusError{Code: e.Error.Code, Message: e.Error.Message}
}
