package shared

import (
	"encoding/json"
	"time"
)

// MessageType is the classification of an envelope.
type MessageType int

const (
	TypeUnknown MessageType = iota
	TypeRequest
	TypeNotification
	TypeResponse
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeNotification:
		return "notification"
	case TypeResponse:
		return "response"
	}
	return "unknown"
}

type Message struct {
	ID        *RequestID    `json:"id,omitempty"`
	Timestamp time.Time     `json:"-"`
	Method    *string       `json:"method,omitempty"`
	Params    *Params       `json:"params,omitempty"`
	Result    *Result       `json:"result,omitempty"`
	Error     *JSONRPCError `json:"error,omitempty"`

	// EndpointID is the connection the message came from or goes to.
	// Empty means "no specific endpoint".
	EndpointID string `json:"-"`
}

// Type derives the classification from the populated fields.
func (m *Message) Type() MessageType {
	switch {
	case m == nil:
		return TypeUnknown
	case m.Method != nil && !m.ID.IsEmpty():
		return TypeRequest
	case m.Method != nil:
		return TypeNotification
	case !m.ID.IsEmpty() && (m.Result != nil) != (m.Error != nil):
		return TypeResponse
	}
	return TypeUnknown
}

// NilIfNil returns "nil" if the string pointer is nil, otherwise returns the pointed-to string.
func NilIfNil(s *string) string {
	if s == nil {
		return "nil"
	}
	return *s
}

// MarshalJSON ensures the JSONRPC field is properly set before marshaling
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Error != nil {
		response := JSONRPCErrorResponse{
			JSONRPC: JSONRPCVersion,
			ID:      m.ID,
			Error:   m.Error,
		}
		return json.Marshal(response)
	}
	if m.Result != nil {
		response := JSONRPCResponse{
			JSONRPC: JSONRPCVersion,
			ID:      m.ID,
			Result:  m.Result,
		}
		return json.Marshal(response)
	}
	request := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      m.ID,
		Method:  m.Method,
		Params:  m.Params,
	}
	return json.Marshal(request)
}

func NewRequest(id *RequestID, method string, params *Params) *Message {
	return &Message{
		ID:        id,
		Method:    &method,
		Params:    params,
		Timestamp: time.Now(),
	}
}

func NewNotification(method string, params *Params) *Message {
	return &Message{
		Method:    &method,
		Params:    params,
		Timestamp: time.Now(),
	}
}

// NewResultResponse never populates the error field.
func NewResultResponse(id *RequestID, result *Result) *Message {
	if result == nil {
		result = NewResult(nil)
	}
	return &Message{
		ID:        id,
		Result:    result,
		Timestamp: time.Now(),
	}
}

func NewErrorResponse(id *RequestID, err error) *Message {
	return &Message{
		ID:        id,
		Error:     NewJSONRPCError(err),
		Timestamp: time.Now(),
	}
}
