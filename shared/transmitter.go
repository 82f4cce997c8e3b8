package shared

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EndpointTransport is the connection layer the core sends through.
type EndpointTransport interface {
	// Send delivers one text frame to a connected endpoint.
	Send(endpointID string, data []byte) error
	// Broadcast delivers a frame with no specific target.
	Broadcast(data []byte) error
	// IsClosed reports whether the endpoint's connection is gone.
	IsClosed(endpointID string) bool
}

// Transmitter encodes outbound messages and hands them to the transport.
type Transmitter struct {
	transport      EndpointTransport
	requests       *RequestManager
	futures        *FutureTable
	counter        atomic.Uint64
	requestTimeout time.Duration
	envelopeType   string
	logger         *zap.Logger
}

func NewTransmitter(transport EndpointTransport, requests *RequestManager, futures *FutureTable, logger *zap.Logger) *Transmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transmitter{
		transport: transport,
		requests:  requests,
		futures:   futures,
		logger:    logger,
	}
}

// SetRequestTimeout sets the deadline applied to new outbound requests.
// Zero disables expiry.
func (t *Transmitter) SetRequestTimeout(timeout time.Duration) {
	t.requestTimeout = timeout
}

// SetEnvelopeType makes every outbound frame wrapped in a transport envelope
// of the given type. An empty type sends bare JSON-RPC.
func (t *Transmitter) SetEnvelopeType(envelopeType string) {
	t.envelopeType = envelopeType
}

// NextID allocates a request id. Ids are unique for the lifetime of the
// transmitter regardless of endpoint.
func (t *Transmitter) NextID() *RequestID {
	return NewRequestID(strconv.FormatUint(t.counter.Add(1), 10))
}

func (t *Transmitter) encode(msg *Message) ([]byte, error) {
	data, err := Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if t.envelopeType != "" {
		return WrapEnvelope(t.envelopeType, data)
	}
	return data, nil
}

func (t *Transmitter) deliver(ctx context.Context, endpointID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if endpointID == "" {
		return t.transport.Broadcast(data)
	}
	return t.transport.Send(endpointID, data)
}

func (t *Transmitter) send(ctx context.Context, endpointID string, msg *Message) error {
	data, err := t.encode(msg)
	if err != nil {
		return err
	}
	return t.deliver(ctx, endpointID, data)
}

// TransmitNotification sends a notification. An empty endpointID leaves the
// target to the transport's broadcast.
func (t *Transmitter) TransmitNotification(ctx context.Context, endpointID, method string, params interface{}) error {
	err := t.send(ctx, endpointID, NewNotification(method, NewParams(params)))
	if err != nil {
		t.logger.Debug("Failed to transmit notification",
			zap.String("endpointID", endpointID),
			zap.String("method", method),
			zap.Error(err),
		)
	}
	return err
}

// Broadcast sends a notification with no target endpoint.
func (t *Transmitter) Broadcast(ctx context.Context, method string, params interface{}) error {
	return t.TransmitNotification(ctx, "", method, params)
}

// TransmitResponse sends a response. A result that fails to encode is
// replaced by an internal error response.
func (t *Transmitter) TransmitResponse(ctx context.Context, endpointID string, response *Message) error {
	data, err := t.encode(response)
	if err != nil && response.Error == nil {
		t.logger.Error("Failed to encode response result",
			zap.String("endpointID", endpointID),
			zap.String("message_id", response.ID.Key()),
			zap.Error(err),
		)
		data, err = t.encode(NewErrorResponse(response.ID, &JSONRPCError{
			Code:    JSONRPCErrorInternal,
			Message: fmt.Sprintf("Failed to marshal result: %v", err),
		}))
	}
	if err != nil {
		return err
	}
	return t.deliver(ctx, endpointID, data)
}

// TransmitRequest sends a request and returns a future for its result without
// blocking. The id is registered for correlation before the frame leaves.
func TransmitRequest[R any](ctx context.Context, t *Transmitter, endpointID, method string, params interface{}) (*Future[R], error) {
	id := t.NextID()
	key := id.Key()
	future := newFuture[R](endpointID, key)
	future.cancel = func() {
		t.requests.Remove(id)
		t.futures.Cancel(endpointID, key, ErrRequestCancelled)
	}

	var deadline time.Time
	if t.requestTimeout > 0 {
		deadline = time.Now().Add(t.requestTimeout)
	}
	t.requests.Register(id, method, deadline)
	t.futures.add(endpointID, key, pendingCall{
		method:   method,
		complete: future.complete,
		fail: func(err error) {
			var zero R
			future.resolve(zero, err)
		},
	})

	if err := t.send(ctx, endpointID, NewRequest(id, method, NewParams(params))); err != nil {
		t.requests.Remove(id)
		t.futures.take(endpointID, key)
		return nil, fmt.Errorf("transmit request %s: %w", method, err)
	}
	return future, nil
}

// ExpireRequests rejects every outbound request whose deadline has passed.
func (t *Transmitter) ExpireRequests(now time.Time) int {
	expired := t.requests.Expire(now)
	for _, id := range expired {
		t.futures.CancelID(id, ErrRequestExpired)
	}
	if len(expired) > 0 {
		t.logger.Info("Expired unanswered requests", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Schedule runs fn once after d. The returned function stops the timer.
func (t *Transmitter) Schedule(d time.Duration, fn func()) (stop func() bool) {
	timer := time.AfterFunc(d, fn)
	return timer.Stop
}
