package shared

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// present reports whether key is set to something other than null.
func present(fields map[string]json.RawMessage, key string) bool {
	raw, ok := fields[key]
	if !ok {
		return false
	}
	return !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Classify decides the envelope type from the keys of a decoded JSON object.
// A null id or error counts as absent, a null result is a valid void result.
func Classify(fields map[string]json.RawMessage) (MessageType, error) {
	_, hasMethod := fields["method"]
	_, hasParams := fields["params"]
	_, hasResult := fields["result"]
	hasID := present(fields, "id")
	hasError := present(fields, "error")

	switch {
	case hasMethod && hasID && !hasResult && !hasError:
		return TypeRequest, nil
	case hasMethod && !hasID && !hasResult && !hasError:
		return TypeNotification, nil
	case !hasMethod && !hasParams && hasID && hasResult != hasError:
		return TypeResponse, nil
	}
	return TypeUnknown, ErrProtocol
}

// ParseMessage decodes and classifies one wire envelope.
func ParseMessage(data []byte) (*Message, MessageType, error) {
	switch firstByte(data) {
	case '[':
		return nil, TypeUnknown, ErrArraysNotSupported
	case '{':
	default:
		if !json.Valid(data) {
			return nil, TypeUnknown, ErrParse
		}
		return nil, TypeUnknown, ErrProtocol
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, TypeUnknown, fmt.Errorf("%w: %v", ErrParse, err)
	}
	msgType, err := Classify(fields)
	if err != nil {
		return nil, TypeUnknown, err
	}

	msg := &Message{Timestamp: time.Now()}
	if present(fields, "id") {
		msg.ID = &RequestID{}
		if err := json.Unmarshal(fields["id"], msg.ID); err != nil {
			return nil, TypeUnknown, fmt.Errorf("%w: id: %v", ErrParse, err)
		}
	}

	switch msgType {
	case TypeRequest, TypeNotification:
		var method string
		if err := json.Unmarshal(fields["method"], &method); err != nil {
			return nil, TypeUnknown, fmt.Errorf("%w: method", ErrMissingField)
		}
		msg.Method = &method
		if raw, ok := fields["params"]; ok {
			if msg.Params, err = ParseParams(raw); err != nil {
				return nil, TypeUnknown, err
			}
		}
	case TypeResponse:
		if rawResult, ok := fields["result"]; ok {
			if msg.Result, err = ParseParams(rawResult); err != nil {
				return nil, TypeUnknown, err
			}
		} else {
			msg.Error = &JSONRPCError{}
			if err := json.Unmarshal(fields["error"], msg.Error); err != nil {
				return nil, TypeUnknown, fmt.Errorf("%w: error: %v", ErrParse, err)
			}
		}
	}
	return msg, msgType, nil
}

// Encode produces the canonical wire text of a message.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}
