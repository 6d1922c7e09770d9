// Package wire implements the frame codec for channel traffic: the two
// self-describing frame kinds (msg, ack) and the monotonic id sequence
// that stamps outgoing messages.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// FrameType tags the two frame kinds carried on a connection.
type FrameType string

const (
	// FrameMsg carries a new application payload.
	FrameMsg FrameType = "msg"
	// FrameAck confirms consumption of a previously received msg frame.
	FrameAck FrameType = "ack"
)

// Frame is one decoded unit of channel traffic. Val is only set for msg
// frames.
type Frame struct {
	Type FrameType
	ID   uint32
	Val  json.RawMessage
}

// ErrIDSpaceExhausted is returned once a sender has consumed the full 32-bit
// id space of its direction. The condition is fatal for the channel; ids never
// wrap around.
var ErrIDSpaceExhausted = errors.New("wire: message id space exhausted")

// FormatError reports a frame that could not be decoded: malformed JSON, an
// unknown type tag, or a missing payload.
type FormatError struct {
	Reason string
	cause  error
}

func (e *FormatError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("wire: malformed frame: %s: %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("wire: malformed frame: %s", e.Reason)
}

func (e *FormatError) Unwrap() error { return e.cause }

// envelope is the outer tagged record shared by both frame kinds.
type envelope struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type msgBody struct {
	ID  uint32          `json:"id"`
	Val json.RawMessage `json:"val"`
}

// EncodeMsg serializes a msg frame carrying val under the given id.
func EncodeMsg(id uint32, val json.RawMessage) ([]byte, error) {
	if len(val) == 0 {
		val = json.RawMessage("null")
	}
	body, err := json.Marshal(msgBody{ID: id, Val: val})
	if err != nil {
		return nil, fmt.Errorf("wire: encode msg %d: %w", id, err)
	}
	return json.Marshal(envelope{Type: FrameMsg, Data: body})
}

// EncodeAck serializes an ack frame for the given id.
func EncodeAck(id uint32) ([]byte, error) {
	body, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("wire: encode ack %d: %w", id, err)
	}
	return json.Marshal(envelope{Type: FrameAck, Data: body})
}

// Decode parses a raw frame. Unknown type tags are a *FormatError, not
// silently ignored.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, &FormatError{Reason: "invalid frame envelope", cause: err}
	}

	switch env.Type {
	case FrameMsg:
		if len(env.Data) == 0 {
			return Frame{}, &FormatError{Reason: "msg frame without data"}
		}
		var body msgBody
		if err := json.Unmarshal(env.Data, &body); err != nil {
			return Frame{}, &FormatError{Reason: "invalid msg body", cause: err}
		}
		if len(body.Val) == 0 {
			body.Val = json.RawMessage("null")
		}
		return Frame{Type: FrameMsg, ID: body.ID, Val: body.Val}, nil

	case FrameAck:
		if len(env.Data) == 0 {
			return Frame{}, &FormatError{Reason: "ack frame without data"}
		}
		var id uint32
		if err := json.Unmarshal(env.Data, &id); err != nil {
			return Frame{}, &FormatError{Reason: "invalid ack id", cause: err}
		}
		return Frame{Type: FrameAck, ID: id}, nil

	default:
		return Frame{}, &FormatError{Reason: fmt.Sprintf("unknown frame type %q", string(env.Type))}
	}
}

// Sequence allocates the strictly increasing ids for one send direction.
// The zero value starts at id 0. Not safe for concurrent use; callers
// serialize access.
type Sequence struct {
	next      uint32
	exhausted bool
}

// NewSequenceFrom returns a Sequence whose next allocated id is next.
func NewSequenceFrom(next uint32) Sequence {
	return Sequence{next: next}
}

// Next returns the next id. Once the 32-bit space is consumed it returns
// ErrIDSpaceExhausted forever; ids never wrap.
func (s *Sequence) Next() (uint32, error) {
	if s.exhausted {
		return 0, ErrIDSpaceExhausted
	}
	id := s.next
	if id == math.MaxUint32 {
		s.exhausted = true
	} else {
		s.next++
	}
	return id, nil
}
