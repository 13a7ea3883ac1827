package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const ProtocolVersion = 1

// ErrMsgIDUnavailable indicates the cryptographic RNG failed while
// generating a message ID. There is deliberately no weak fallback.
var ErrMsgIDUnavailable = errors.New("message id rng unavailable")

// Envelope wraps every message on the rendezvous conversation.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msg_id"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope of the given message type, marshaling
// the payload to JSON. It fails if the RNG cannot supply a message ID.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	msgID, err := NewMsgID()
	if err != nil {
		return Envelope{}, err
	}

	var raw json.RawMessage
	if payload != nil {
		raw, err = json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
	}
	return Envelope{
		V:       ProtocolVersion,
		Type:    msgType,
		MsgID:   msgID,
		Payload: raw,
	}, nil
}

// DecodePayload unmarshals the envelope's payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("payload is empty")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ValidateBasic checks the fields every envelope must carry before it
// is routed.
func (e Envelope) ValidateBasic() error {
	switch {
	case e.V != ProtocolVersion:
		return fmt.Errorf("invalid protocol version: got %d, expected %d", e.V, ProtocolVersion)
	case e.Type == "":
		return errors.New("type is required")
	case e.MsgID == "":
		return errors.New("msg_id is required")
	}
	return nil
}

// NewMsgID generates a random 16-character hex string for message
// identification. An RNG failure is propagated; a zero-entropy ID
// would collide across every affected caller.
func NewMsgID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMsgIDUnavailable, err)
	}
	return hex.EncodeToString(b), nil
}
