package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// EnvelopeTypeJSONRPC tags envelopes whose message is a JSON-RPC 2.0 frame.
const EnvelopeTypeJSONRPC = "jsonrpc-2.0"

// Envelope multiplexes message kinds over one connection.
type Envelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EnvelopeReceiver handles the inner body of one envelope type.
type EnvelopeReceiver interface {
	Dispatch(ctx context.Context, endpointID string, raw []byte) error
}

// EnvelopeDispatcher routes envelopes to the receiver registered for their type.
type EnvelopeDispatcher struct {
	mu        sync.RWMutex
	receivers map[string]EnvelopeReceiver
	logger    *zap.Logger
}

func NewEnvelopeDispatcher(logger *zap.Logger) *EnvelopeDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnvelopeDispatcher{
		receivers: make(map[string]EnvelopeReceiver),
		logger:    logger,
	}
}

func (d *EnvelopeDispatcher) Register(envelopeType string, receiver EnvelopeReceiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receivers[envelopeType] = receiver
}

// Dispatch validates the envelope and forwards its message. Invalid envelopes
// return ErrInvalidEnvelope; envelopes of an unregistered type are dropped.
func (d *EnvelopeDispatcher) Dispatch(ctx context.Context, endpointID string, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Type == "" {
		return fmt.Errorf("%w: type is empty", ErrInvalidEnvelope)
	}
	if env.Message == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidEnvelope)
	}
	if !json.Valid([]byte(env.Message)) {
		return fmt.Errorf("%w: message is not valid json", ErrInvalidEnvelope)
	}

	d.mu.RLock()
	receiver, ok := d.receivers[env.Type]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn("Dropping envelope of unregistered type",
			zap.String("endpointID", endpointID),
			zap.String("type", env.Type),
		)
		return nil
	}
	return receiver.Dispatch(ctx, endpointID, []byte(env.Message))
}

// WrapEnvelope builds an outer envelope around an encoded message.
func WrapEnvelope(envelopeType string, inner []byte) ([]byte, error) {
	return json.Marshal(Envelope{Type: envelopeType, Message: string(inner)})
}
