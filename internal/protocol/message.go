// Package protocol implements the WebSocket message envelope: a positional
// JSON array, not a named object, correlated across a Call/CallResult or
// Call/CallError pair by a 32-character lowercase hex unique id.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TypeID identifies the envelope variant, per the wire layout in §6.
type TypeID int

const (
	Open TypeID = iota + 1
	Close
	Call
	CallResult
	CallError
	Notify
)

func (t TypeID) String() string {
	switch t {
	case Open:
		return "Open"
	case Close:
		return "Close"
	case Call:
		return "Call"
	case CallResult:
		return "CallResult"
	case CallError:
		return "CallError"
	case Notify:
		return "Notify"
	default:
		return "Unknown"
	}
}

// Error codes used in CallError frames (§6).
const (
	ErrProtocol      = 400
	ErrUnauthorized  = 401
	ErrNotSupported  = 404
	ErrInternal      = 500
)

// UniqueID is a 32-character lowercase hex string, unique per peer client.
type UniqueID string

// NewUniqueID mints a fresh id: a UUIDv4 with its dashes stripped is
// exactly 32 lowercase hex characters.
func NewUniqueID() UniqueID {
	return UniqueID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Message is the decoded form of one WebSocket frame.
type Message struct {
	TypeID       TypeID
	UniqueID     UniqueID
	Action       string
	Payload      json.RawMessage
	ErrorCode    int
	ErrorMessage string
}

// NewOpen builds an Open-type message (used only for the Authorize handshake).
func NewOpen(action string, payload any) (Message, error) {
	return newActionMessage(Open, action, payload)
}

// NewCall builds a Call message addressed to action, with a fresh unique id.
func NewCall(action string, payload any) (Message, error) {
	return newActionMessage(Call, action, payload)
}

// NewNotify builds a Notify message.
func NewNotify(action string, payload any) (Message, error) {
	return newActionMessage(Notify, action, payload)
}

func newActionMessage(t TypeID, action string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrapf(err, "marshal payload for action %q", action)
	}
	return Message{
		TypeID:   t,
		UniqueID: NewUniqueID(),
		Action:   action,
		Payload:  raw,
	}, nil
}

// NewResult builds a CallResult reply correlated to uid.
func NewResult(uid UniqueID, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrap(err, "marshal result payload")
	}
	return Message{TypeID: CallResult, UniqueID: uid, Payload: raw}, nil
}

// NewError builds a CallError reply correlated to uid.
func NewError(uid UniqueID, code int, msg string) Message {
	return Message{TypeID: CallError, UniqueID: uid, ErrorCode: code, ErrorMessage: msg}
}

// MarshalJSON encodes the message as the spec's positional array, branching
// on TypeID since CallResult and CallError have different arities.
func (m Message) MarshalJSON() ([]byte, error) {
	payload := m.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	switch m.TypeID {
	case CallResult:
		return json.Marshal([]any{int(m.TypeID), string(m.UniqueID), payload})
	case CallError:
		return json.Marshal([]any{int(m.TypeID), string(m.UniqueID), m.ErrorCode, m.ErrorMessage, payload})
	default: // Open, Close, Call, Notify
		return json.Marshal([]any{int(m.TypeID), string(m.UniqueID), m.Action, payload})
	}
}

// UnmarshalJSON decodes the positional array back into a Message, first
// peeking the typeId to know how many further positions to expect.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decode envelope array")
	}
	if len(raw) < 3 {
		return errors.Errorf("envelope array too short: %d elements", len(raw))
	}

	var typeID int
	if err := json.Unmarshal(raw[0], &typeID); err != nil {
		return errors.Wrap(err, "decode typeId")
	}
	var uid string
	if err := json.Unmarshal(raw[1], &uid); err != nil {
		return errors.Wrap(err, "decode uniqueId")
	}

	msg := Message{TypeID: TypeID(typeID), UniqueID: UniqueID(uid)}

	switch msg.TypeID {
	case CallResult:
		if len(raw) != 3 {
			return errors.Errorf("CallResult envelope expects 3 elements, got %d", len(raw))
		}
		msg.Payload = raw[2]
	case CallError:
		if len(raw) != 5 {
			return errors.Errorf("CallError envelope expects 5 elements, got %d", len(raw))
		}
		if err := json.Unmarshal(raw[2], &msg.ErrorCode); err != nil {
			return errors.Wrap(err, "decode errorCode")
		}
		if err := json.Unmarshal(raw[3], &msg.ErrorMessage); err != nil {
			return errors.Wrap(err, "decode errorMessage")
		}
		msg.Payload = raw[4]
	default: // Open, Close, Call, Notify
		if len(raw) != 4 {
			return errors.Errorf("envelope expects 4 elements, got %d", len(raw))
		}
		if err := json.Unmarshal(raw[2], &msg.Action); err != nil {
			return errors.Wrap(err, "decode action")
		}
		msg.Payload = raw[3]
	}

	*m = msg
	return nil
}
