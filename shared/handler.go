package shared

import (
	"context"
)

// Handler is one registered method implementation. The params and result
// serialization is bound when the handler is constructed.
type Handler interface {
	// HasParams is false for handlers that ignore params entirely.
	HasParams() bool
	// Invoke decodes msg.Params, runs the handler and encodes its return value.
	// Notification handlers return a nil result.
	Invoke(ctx context.Context, msg *Message) (*Result, error)
}

// HandlerFunc adapts a raw function to Handler. The return value is converted
// with NewResult.
type HandlerFunc func(ctx context.Context, msg *Message) (interface{}, error)

func (f HandlerFunc) HasParams() bool { return true }

func (f HandlerFunc) Invoke(ctx context.Context, msg *Message) (*Result, error) {
	v, err := f(ctx, msg)
	if err != nil {
		return nil, err
	}
	return NewResult(v), nil
}

type requestHandler[P, R any] struct {
	fn func(ctx context.Context, endpointID string, params P) (R, error)
}

// NewRequestHandler builds a handler that decodes params into P and encodes R.
func NewRequestHandler[P, R any](fn func(ctx context.Context, endpointID string, params P) (R, error)) Handler {
	return &requestHandler[P, R]{fn: fn}
}

func (h *requestHandler[P, R]) HasParams() bool { return true }

func (h *requestHandler[P, R]) Invoke(ctx context.Context, msg *Message) (*Result, error) {
	params, err := decodeParams[P](msg)
	if err != nil {
		return nil, err
	}
	result, err := h.fn(ctx, msg.EndpointID, params)
	if err != nil {
		return nil, err
	}
	return NewResult(result), nil
}

type requestHandlerNoParams[R any] struct {
	fn func(ctx context.Context, endpointID string) (R, error)
}

func NewRequestHandlerNoParams[R any](fn func(ctx context.Context, endpointID string) (R, error)) Handler {
	return &requestHandlerNoParams[R]{fn: fn}
}

func (h *requestHandlerNoParams[R]) HasParams() bool { return false }

func (h *requestHandlerNoParams[R]) Invoke(ctx context.Context, msg *Message) (*Result, error) {
	result, err := h.fn(ctx, msg.EndpointID)
	if err != nil {
		return nil, err
	}
	return NewResult(result), nil
}

type notificationHandler[P any] struct {
	fn func(ctx context.Context, endpointID string, params P) error
}

func NewNotificationHandler[P any](fn func(ctx context.Context, endpointID string, params P) error) Handler {
	return &notificationHandler[P]{fn: fn}
}

func (h *notificationHandler[P]) HasParams() bool { return true }

func (h *notificationHandler[P]) Invoke(ctx context.Context, msg *Message) (*Result, error) {
	params, err := decodeParams[P](msg)
	if err != nil {
		return nil, err
	}
	return nil, h.fn(ctx, msg.EndpointID, params)
}

type notificationHandlerNoParams struct {
	fn func(ctx context.Context, endpointID string) error
}

func NewNotificationHandlerNoParams(fn func(ctx context.Context, endpointID string) error) Handler {
	return &notificationHandlerNoParams{fn: fn}
}

func (h *notificationHandlerNoParams) HasParams() bool { return false }

func (h *notificationHandlerNoParams) Invoke(ctx context.Context, msg *Message) (*Result, error) {
	return nil, h.fn(ctx, msg.EndpointID)
}

func decodeParams[P any](msg *Message) (P, error) {
	var params P
	if msg.Params.IsEmptyOrAbsent() {
		return params, nil
	}
	if err := msg.Params.As(&params); err != nil {
		return params, InvalidParams(err)
	}
	return params, nil
}

// ResponseReceiver is called with every response whose correlated method it
// was registered for, including error responses.
type ResponseReceiver func(ctx context.Context, msg *Message)

// NewResponseReceiver decodes the result into R before calling fn. err is the
// response error or the decode failure.
func NewResponseReceiver[R any](fn func(ctx context.Context, endpointID string, result R, err error)) ResponseReceiver {
	return func(ctx context.Context, msg *Message) {
		var result R
		if msg.Error != nil {
			fn(ctx, msg.EndpointID, result, msg.Error)
			return
		}
		err := msg.Result.As(&result)
		fn(ctx, msg.EndpointID, result, err)
	}
}
