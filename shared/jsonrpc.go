package shared

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	JSONRPCVersion = "2.0"

	// Standard JSON-RPC 2.0 error codes
	JSONRPCErrorParseError     = -32700 // Invalid JSON was received
	JSONRPCErrorInvalidRequest = -32600 // The JSON sent is not a valid Request object
	JSONRPCErrorMethodNotFound = -32601 // The method does not exist / is not available
	JSONRPCErrorInvalidParams  = -32602 // Invalid method parameter(s)
	JSONRPCErrorInternal       = -32603 // Internal JSON-RPC error

	// -32000 to -32099 are reserved for implementation-defined server errors
	JSONRPCErrorServerError = -32000 // Generic server error

	JSONRPCErrorUnauthorized = -32001 // Unauthorized
	JSONRPCErrorTimeout      = -32002 // Request expired before a response arrived
)

var (
	// ErrProtocol is returned for envelopes that can not be classified.
	ErrProtocol = errors.New("improper json rpc message")
	// ErrArraysNotSupported is returned for top-level JSON arrays (batches).
	ErrArraysNotSupported = fmt.Errorf("%w: arrays not supported", ErrProtocol)
	ErrParse              = errors.New("malformed json")
	ErrMissingField       = errors.New("missing required field")

	ErrRequestExpired   = &JSONRPCError{Code: JSONRPCErrorTimeout, Message: "request expired"}
	ErrRequestCancelled = errors.New("request cancelled")
	ErrInvalidEnvelope  = errors.New("invalid transport envelope")
	ErrEndpointClosed   = errors.New("endpoint closed")

	// ErrUnexpectedResponder rejects a call answered by an endpoint other than
	// the one the request was sent to.
	ErrUnexpectedResponder = errors.New("response received from a different endpoint")
)

type JSONRPCErrorResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      *RequestID    `json:"id,omitempty"`
	Error   *JSONRPCError `json:"error"`
}

// JSONRPCResponse represents the structure for sending successful JSON-RPC responses.
type JSONRPCResponse struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      *RequestID `json:"id"` // Must be present and same as request ID
	Result  *Result    `json:"result"`
}

// JSONRPCMessage is the wire shape of requests and notifications.
type JSONRPCMessage struct {
	JSONRPC string     `json:"jsonrpc"` // Must be "2.0"
	ID      *RequestID `json:"id,omitempty"`
	Method  *string    `json:"method,omitempty"`
	Params  *Params    `json:"params,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error type code
	Message string      `json:"message"`        // Short error description
	Data    interface{} `json:"data,omitempty"` // Additional error information
}

// Error implements the Go error interface for JSONRPCError.
func (e *JSONRPCError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Is matches JSON-RPC errors by code so errors.Is works on decoded copies.
func (e *JSONRPCError) Is(target error) bool {
	var t *JSONRPCError
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// NewJSONRPCError converts err into a protocol error. A *JSONRPCError anywhere in
// the chain is returned as is, anything else becomes an internal error.
func NewJSONRPCError(err error) *JSONRPCError {
	if err == nil {
		return nil
	}
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &JSONRPCError{
		Code:    JSONRPCErrorInternal,
		Message: err.Error(),
	}
}

func MethodNotFound(method string) *JSONRPCError {
	return &JSONRPCError{
		Code:    JSONRPCErrorMethodNotFound,
		Message: fmt.Sprintf("Method not found: %s", method),
	}
}

func InvalidParams(err error) *JSONRPCError {
	return &JSONRPCError{
		Code:    JSONRPCErrorInvalidParams,
		Message: fmt.Sprintf("Invalid params: %v", err),
	}
}

// RequestID holds a JSON-RPC id. Outbound ids are strings, inbound ids may be
// strings or numbers.
type RequestID struct {
	Value interface{}
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var i interface{}
	if err := json.Unmarshal(data, &i); err != nil {
		return err
	}
	id.Value = i
	return nil
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Value)
}

func NewRequestID(value string) *RequestID {
	return &RequestID{Value: value}
}

func (id *RequestID) String() string {
	if id == nil || id.Value == nil {
		return "nil"
	}
	bytes, err := json.Marshal(id.Value)
	if err != nil {
		return err.Error()
	}
	return string(bytes)
}

// Key returns the id as plain text. String and numeric ids with the same text
// share a key.
func (id *RequestID) Key() string {
	if id == nil || id.Value == nil {
		return ""
	}
	if s, ok := id.Value.(string); ok {
		return s
	}
	return id.String()
}

func (id *RequestID) IsEmpty() bool {
	return id == nil || id.Value == nil
}
