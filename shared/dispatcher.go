package shared

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// MessageValidator rejects inbound messages before they reach a dispatcher.
type MessageValidator interface {
	Validate(*Message) error
}

// RequestDispatcher runs the handler of a request and sends its response.
// When several handlers match, the first one wins.
type RequestDispatcher struct {
	registry    *MethodRegistry
	processor   *Processor
	transmitter *Transmitter
	logger      *zap.Logger
}

func NewRequestDispatcher(registry *MethodRegistry, processor *Processor, transmitter *Transmitter, logger *zap.Logger) *RequestDispatcher {
	return &RequestDispatcher{
		registry:    registry,
		processor:   processor,
		transmitter: transmitter,
		logger:      logger.Named("requests"),
	}
}

func (d *RequestDispatcher) Dispatch(ctx context.Context, msg *Message) {
	method := *msg.Method
	handlers := d.registry.Match(method)
	if len(handlers) == 0 {
		d.logger.Warn("Method not found",
			zap.String("endpointID", msg.EndpointID),
			zap.String("method", method),
		)
		d.respond(ctx, NewErrorResponse(msg.ID, MethodNotFound(method)), msg.EndpointID)
		return
	}
	if len(handlers) > 1 {
		d.logger.Debug("Several handlers match, using the first",
			zap.String("method", method),
			zap.Int("matches", len(handlers)),
		)
	}

	handler := handlers[0]
	err := d.processor.Execute(func(taskCtx context.Context) {
		d.respond(taskCtx, d.invoke(taskCtx, handler, msg), msg.EndpointID)
	})
	if err != nil {
		d.respond(ctx, NewErrorResponse(msg.ID, &JSONRPCError{
			Code:    JSONRPCErrorServerError,
			Message: err.Error(),
		}), msg.EndpointID)
	}
}

func (d *RequestDispatcher) invoke(ctx context.Context, handler Handler, msg *Message) (response *Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic recovered in request handler",
				zap.String("method", *msg.Method),
				zap.String("message_id", msg.ID.Key()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			response = NewErrorResponse(msg.ID, &JSONRPCError{
				Code:    JSONRPCErrorInternal,
				Message: fmt.Sprintf("internal server error during processing: %v", r),
			})
		}
	}()

	result, err := handler.Invoke(ctx, msg)
	if err != nil {
		d.logger.Debug("Request handler returned error",
			zap.String("method", *msg.Method),
			zap.String("message_id", msg.ID.Key()),
			zap.Error(err),
		)
		return NewErrorResponse(msg.ID, err)
	}
	return NewResultResponse(msg.ID, result)
}

func (d *RequestDispatcher) respond(ctx context.Context, response *Message, endpointID string) {
	if err := d.transmitter.TransmitResponse(ctx, endpointID, response); err != nil {
		d.logger.Error("Failed to send response",
			zap.String("endpointID", endpointID),
			zap.String("message_id", response.ID.Key()),
			zap.Error(err),
		)
	}
}

// NotificationDispatcher fans a notification out to every matching handler.
type NotificationDispatcher struct {
	registry  *MethodRegistry
	processor *Processor
	logger    *zap.Logger
}

func NewNotificationDispatcher(registry *MethodRegistry, processor *Processor, logger *zap.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		registry:  registry,
		processor: processor,
		logger:    logger.Named("notifications"),
	}
}

func (d *NotificationDispatcher) Dispatch(ctx context.Context, msg *Message) {
	method := *msg.Method
	handlers := d.registry.Match(method)
	if len(handlers) == 0 {
		d.logger.Warn("No handler for notification, dropping",
			zap.String("endpointID", msg.EndpointID),
			zap.String("method", method),
		)
		return
	}
	for _, handler := range handlers {
		handler := handler
		err := d.processor.Execute(func(taskCtx context.Context) {
			if _, err := handler.Invoke(taskCtx, msg); err != nil {
				d.logger.Error("Error handling notification",
					zap.String("endpointID", msg.EndpointID),
					zap.String("method", method),
					zap.Error(err),
				)
			}
		})
		if err != nil {
			d.logger.Warn("Notification dropped", zap.String("method", method), zap.Error(err))
		}
	}
}

// ResponseDispatcher correlates a response with its request and hands it to
// the pending future and every receiver registered for the request's method.
type ResponseDispatcher struct {
	requests  *RequestManager
	futures   *FutureTable
	receivers *ReceiverRegistry
	processor *Processor
	logger    *zap.Logger
}

func NewResponseDispatcher(requests *RequestManager, futures *FutureTable, receivers *ReceiverRegistry, processor *Processor, logger *zap.Logger) *ResponseDispatcher {
	return &ResponseDispatcher{
		requests:  requests,
		futures:   futures,
		receivers: receivers,
		processor: processor,
		logger:    logger.Named("responses"),
	}
}

func (d *ResponseDispatcher) Dispatch(ctx context.Context, msg *Message) {
	method, ok := d.requests.Extract(msg.ID)
	if !ok {
		d.logger.Debug("Received response for unknown or timed-out request",
			zap.String("endpointID", msg.EndpointID),
			zap.String("message_id", msg.ID.Key()),
		)
		return
	}
	if !d.futures.Complete(msg) {
		if n := d.futures.CancelID(msg.ID.Key(), ErrUnexpectedResponder); n > 0 {
			d.logger.Warn("Response came from an endpoint the request was not sent to",
				zap.String("endpointID", msg.EndpointID),
				zap.String("message_id", msg.ID.Key()),
			)
		}
	}

	for _, receiver := range d.receivers.Match(method) {
		receiver := receiver
		err := d.processor.Execute(func(taskCtx context.Context) {
			receiver(taskCtx, msg)
		})
		if err != nil {
			d.logger.Warn("Response receiver skipped", zap.String("method", method), zap.Error(err))
		}
	}
}

// TypeDispatcher parses a raw frame, classifies it and forwards it to the
// dispatcher of its kind.
type TypeDispatcher struct {
	requests      *RequestDispatcher
	notifications *NotificationDispatcher
	responses     *ResponseDispatcher
	transmitter   *Transmitter
	mu            sync.RWMutex
	validators    []MessageValidator
	logger        *zap.Logger
}

var _ EnvelopeReceiver = (*TypeDispatcher)(nil)

func NewTypeDispatcher(requests *RequestDispatcher, notifications *NotificationDispatcher, responses *ResponseDispatcher, transmitter *Transmitter, logger *zap.Logger) *TypeDispatcher {
	return &TypeDispatcher{
		requests:      requests,
		notifications: notifications,
		responses:     responses,
		transmitter:   transmitter,
		logger:        logger,
	}
}

// AddValidator adds custom message validators
func (d *TypeDispatcher) AddValidator(validators ...MessageValidator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.validators = append(d.validators, validators...)
}

// Dispatch routes one frame. Frames that can not be classified are dropped
// without a response and the classification error is returned.
func (d *TypeDispatcher) Dispatch(ctx context.Context, endpointID string, raw []byte) error {
	msg, msgType, err := ParseMessage(raw)
	if err != nil {
		d.logger.Warn("Dropping unclassifiable message",
			zap.String("endpointID", endpointID),
			zap.Int("size", len(raw)),
			zap.Error(err),
		)
		return err
	}
	msg.EndpointID = endpointID

	if err := d.validate(msg); err != nil {
		d.logger.Warn("Message rejected by validator",
			zap.String("endpointID", endpointID),
			zap.String("type", msgType.String()),
			zap.Stringp("method", msg.Method),
			zap.Error(err),
		)
		if msgType == TypeRequest {
			rpcErr := &JSONRPCError{Code: JSONRPCErrorInvalidRequest, Message: err.Error()}
			errors.As(err, &rpcErr)
			rejection := NewErrorResponse(msg.ID, rpcErr)
			if sendErr := d.transmitter.TransmitResponse(ctx, endpointID, rejection); sendErr != nil {
				d.logger.Error("Failed to send rejection", zap.Error(sendErr))
			}
		}
		return err
	}

	switch msgType {
	case TypeRequest:
		d.requests.Dispatch(ctx, msg)
	case TypeNotification:
		d.notifications.Dispatch(ctx, msg)
	case TypeResponse:
		d.responses.Dispatch(ctx, msg)
	}
	return nil
}

func (d *TypeDispatcher) validate(msg *Message) error {
	d.mu.RLock()
	validators := make([]MessageValidator, len(d.validators))
	copy(validators, d.validators)
	d.mu.RUnlock()

	for _, validator := range validators {
		if err := validator.Validate(msg); err != nil {
			return err
		}
	}
	return nil
}
