package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for payloads that cannot be decoded, or whose
	// fields do not satisfy their declared type.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for well-formed messages of a type this
	// version does not define. Callers ignore these.
	ErrUnknownType = errors.New("unknown message type")
)

// Encode serializes msg after validating it.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return data, nil
}

// Decode parses a wire message. For an unknown type the decoded message is
// returned together with ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !msg.Type.Known() {
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks that the fields required by the message type are present.
func (m Message) Validate() error {
	switch m.Type {
	case TypeInit, TypeSave:
		if m.Script == nil {
			return fmt.Errorf("%w: %s requires script", ErrMalformed, m.Type)
		}
	case TypeMerge:
		if m.Merge == nil {
			return fmt.Errorf("%w: merge requires merge payload", ErrMalformed)
		}
	case TypeSaveAck:
		if m.Where != Cloud && m.Where != Local {
			return fmt.Errorf("%w: saveAck where %q", ErrMalformed, m.Where)
		}
		switch m.Status {
		case StatusOK:
			if m.Where == Cloud && m.NewBaseSnapshot == "" {
				return fmt.Errorf("%w: cloud saveAck requires newBaseSnapshot", ErrMalformed)
			}
		case StatusError:
		default:
			return fmt.Errorf("%w: saveAck status %q", ErrMalformed, m.Status)
		}
	case TypeQuit, TypeCompile:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}
