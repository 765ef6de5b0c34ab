package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Subprotocol is negotiated on the WebSocket handshake.
const Subprotocol = "ocpp1.6"

type MessageType int

const (
	CallType       MessageType = 2
	CallResultType MessageType = 3
	CallErrorType  MessageType = 4
)

var ErrMalformedFrame = errors.New("malformed ocpp frame")

// Call is a request frame: [2, uniqueId, action, payload].
type Call struct {
	UniqueId string
	Action   Action
	Payload  any
}

func NewCall(uniqueId int, action Action, payload any) *Call {
	return &Call{UniqueId: strconv.Itoa(uniqueId), Action: action, Payload: payload}
}

func (c Call) MarshalJSON() ([]byte, error) {
	payload := c.Payload
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal([]any{CallType, c.UniqueId, c.Action.String(), payload})
}

// CallResult is a response frame: [3, uniqueId, payload].
type CallResult struct {
	UniqueId string
	Payload  any
}

func (r CallResult) MarshalJSON() ([]byte, error) {
	payload := r.Payload
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal([]any{CallResultType, r.UniqueId, payload})
}

// Frame is a decoded inbound message of any type. Action is only set for
// Calls; the error fields only for CallErrors.
type Frame struct {
	Type             MessageType
	UniqueId         string
	ActionName       string
	Action           Action
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	Raw              []byte
}

// Parse decodes a raw OCPP-J frame.
func Parse(data []byte) (*Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: %d elements", ErrMalformedFrame, len(parts))
	}

	f := &Frame{Raw: data}
	if err := json.Unmarshal(parts[0], &f.Type); err != nil {
		return nil, fmt.Errorf("%w: message type: %v", ErrMalformedFrame, err)
	}
	if err := json.Unmarshal(parts[1], &f.UniqueId); err != nil {
		return nil, fmt.Errorf("%w: unique id: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case CallType:
		if len(parts) < 4 {
			return nil, fmt.Errorf("%w: call without payload", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[2], &f.ActionName); err != nil {
			return nil, fmt.Errorf("%w: action: %v", ErrMalformedFrame, err)
		}
		f.Action, _ = ParseAction(f.ActionName)
		f.Payload = parts[3]
	case CallResultType:
		f.Payload = parts[2]
	case CallErrorType:
		if len(parts) < 4 {
			return nil, fmt.Errorf("%w: call error without description", ErrMalformedFrame)
		}
		_ = json.Unmarshal(parts[2], &f.ErrorCode)
		_ = json.Unmarshal(parts[3], &f.ErrorDescription)
		if len(parts) > 4 {
			f.Payload = parts[4]
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	return json.Unmarshal(f.Payload, v)
}
