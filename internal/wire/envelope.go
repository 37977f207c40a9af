package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"quire/api/internal/block"
	"quire/api/internal/presence"
)

// Message types. Clients send submit, cursor and ping; the server sends the
// rest.
const (
	TypeSubmit       = "submit"
	TypeCursor       = "cursor"
	TypePing         = "ping"
	TypeSnapshot     = "snapshot"
	TypeDelta        = "delta"
	TypeAck          = "ack"
	TypeReject       = "reject"
	TypePresence     = "presence"
	TypePresenceLeft = "presence_left"
	TypePong         = "pong"
)

// Envelope is one transport message. Type selects which optional field is
// set.
type Envelope struct {
	V        int              `json:"v"`
	Type     string           `json:"type"`
	Op       *Record          `json:"op,omitempty"`
	Cursor   *Cursor          `json:"cursor,omitempty"`
	Snapshot *block.Snapshot  `json:"snapshot,omitempty"`
	Delta    *block.Delta     `json:"delta,omitempty"`
	Position uint64           `json:"position,omitempty"`
	Reject   *Reject          `json:"reject,omitempty"`
	Presence *presence.Entry  `json:"presence,omitempty"`
	Online   []presence.Entry `json:"online,omitempty"`
	ActorID  string           `json:"actorId,omitempty"`
	// OpID and Discarded answer a submit.
	OpID      string `json:"opId,omitempty"`
	Discarded bool   `json:"discarded,omitempty"`
}

// Cursor is a client's caret report.
type Cursor struct {
	BlockID string `json:"blockId"`
	Offset  int    `json:"offset"`
}

// Reject tells an issuer its operation was not applied.
type Reject struct {
	OpID    string `json:"opId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewEnvelope(typ string) Envelope {
	return Envelope{V: Version, Type: typ}
}

// UnmarshalJSON decodes a transport message, which must state its version.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	var aux struct {
		plain
		V *int `json:"v"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.V == nil {
		return ErrMissingVersion
	}
	*e = Envelope(aux.plain)
	e.V = *aux.V
	return nil
}

// DecodeEnvelope parses a client message and checks its version.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.V != Version && env.V != 0 {
		return Envelope{}, fmt.Errorf("%w: envelope version %d", ErrUnsupportedVersion, env.V)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}
