package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultRequestTimeout = 60 * time.Second

// Manager owns every piece of per-process messaging state: handler
// registrations, correlation and future tables, the id counter, the
// dispatcher chain and the subscription sets.
type Manager struct {
	logger          *zap.Logger
	registry        *MethodRegistry
	receivers       *ReceiverRegistry
	requests        *RequestManager
	futures         *FutureTable
	processor       *Processor
	transmitter     *Transmitter
	types           *TypeDispatcher
	envelopes       *EnvelopeDispatcher
	subscriptions   *SubscriptionManager
	envelopeMode    bool
	sweepInterval   time.Duration
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	maxWorkers      int64
}

// ManagerOption defines a function type for configuring the Manager.
type ManagerOption func(*Manager) error

// WithSweepInterval sets the period of the stale subscription sweep and of
// request expiry.
func WithSweepInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) error {
		if interval <= 0 {
			return errors.New("sweep interval must be positive")
		}
		m.sweepInterval = interval
		return nil
	}
}

// WithRequestTimeout sets how long an outbound request may stay unanswered.
// Zero disables expiry.
func WithRequestTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) error {
		if timeout < 0 {
			return errors.New("request timeout must not be negative")
		}
		m.requestTimeout = timeout
		return nil
	}
}

func WithShutdownTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) error {
		if timeout <= 0 {
			return errors.New("shutdown timeout must be positive")
		}
		m.shutdownTimeout = timeout
		return nil
	}
}

// WithMaxWorkers bounds concurrently running handlers. Zero means unbounded.
func WithMaxWorkers(n int64) ManagerOption {
	return func(m *Manager) error {
		if n < 0 {
			return errors.New("max workers must not be negative")
		}
		m.maxWorkers = n
		return nil
	}
}

// WithEnvelopeMode makes the manager expect and produce
// {"type":"jsonrpc-2.0","message":"..."} frames.
func WithEnvelopeMode(enabled bool) ManagerOption {
	return func(m *Manager) error {
		m.envelopeMode = enabled
		return nil
	}
}

// NewManager wires the messaging core on top of transport.
func NewManager(logger *zap.Logger, transport EndpointTransport, options ...ManagerOption) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	m := &Manager{
		logger:          logger.Named("rpc"),
		sweepInterval:   DefaultSweepInterval,
		requestTimeout:  DefaultRequestTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, option := range options {
		if err := option(m); err != nil {
			return nil, fmt.Errorf("failed to apply manager option: %w", err)
		}
	}

	m.registry = NewMethodRegistry(m.logger.Named("registry"))
	m.receivers = NewReceiverRegistry()
	m.requests = NewRequestManager(m.logger.Named("correlation"))
	m.futures = NewFutureTable(m.logger.Named("futures"))
	m.processor = NewProcessor(m.logger.Named("processor"), m.maxWorkers, m.shutdownTimeout)
	m.transmitter = NewTransmitter(transport, m.requests, m.futures, m.logger.Named("transmitter"))
	m.transmitter.SetRequestTimeout(m.requestTimeout)
	if m.envelopeMode {
		m.transmitter.SetEnvelopeType(EnvelopeTypeJSONRPC)
	}

	dispatchLogger := m.logger.Named("dispatcher")
	m.types = NewTypeDispatcher(
		NewRequestDispatcher(m.registry, m.processor, m.transmitter, dispatchLogger),
		NewNotificationDispatcher(m.registry, m.processor, dispatchLogger),
		NewResponseDispatcher(m.requests, m.futures, m.receivers, m.processor, dispatchLogger),
		m.transmitter,
		dispatchLogger,
	)
	m.envelopes = NewEnvelopeDispatcher(m.logger.Named("envelopes"))
	m.envelopes.Register(EnvelopeTypeJSONRPC, m.types)
	m.subscriptions = NewSubscriptionManager(m.registry, m.transmitter, transport, m.logger)

	m.logger.Debug("Manager created",
		zap.Bool("envelopeMode", m.envelopeMode),
		zap.Duration("sweepInterval", m.sweepInterval),
		zap.Duration("requestTimeout", m.requestTimeout),
		zap.Int64("maxWorkers", m.maxWorkers),
	)
	return m, nil
}

// Dispatch handles one inbound text frame from endpointID.
func (m *Manager) Dispatch(ctx context.Context, endpointID string, raw []byte) error {
	if m.envelopeMode {
		return m.envelopes.Dispatch(ctx, endpointID, raw)
	}
	return m.types.Dispatch(ctx, endpointID, raw)
}

// Run performs the periodic subscription sweep and request expiry until ctx
// is done.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.subscriptions.Run(gctx, m.sweepInterval)
	})
	g.Go(func() error {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				m.transmitter.ExpireRequests(now)
			}
		}
	})
	return g.Wait()
}

// Shutdown drains the request processor and rejects pending calls.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.processor.Shutdown(ctx)
	m.futures.CancelAll(ErrRequestCancelled)
	return err
}

// AddValidator adds custom message validators
func (m *Manager) AddValidator(validators ...MessageValidator) {
	m.types.AddValidator(validators...)
}

// HandleRequest registers a handler for an exact method name.
func (m *Manager) HandleRequest(method string, handler Handler) {
	m.registry.Register(method, handler)
}

// HandlePattern registers a handler for every method matching pattern.
func (m *Manager) HandlePattern(pattern string, handler Handler) error {
	return m.registry.RegisterPattern(pattern, handler)
}

// HandleNotification registers a notification handler. Notification and
// request handlers share one registry.
func (m *Manager) HandleNotification(method string, handler Handler) {
	m.registry.Register(method, handler)
}

// HandleResponse registers a receiver for responses to requests of method.
func (m *Manager) HandleResponse(method string, receiver ResponseReceiver) {
	m.receivers.Register(method, receiver)
}

// Notify sends a notification to endpointID, or to every endpoint when it is empty.
func (m *Manager) Notify(ctx context.Context, endpointID, method string, params interface{}) error {
	return m.transmitter.TransmitNotification(ctx, endpointID, method, params)
}

// Broadcast sends a notification with no target endpoint.
func (m *Manager) Broadcast(ctx context.Context, method string, params interface{}) error {
	return m.transmitter.Broadcast(ctx, method, params)
}

func (m *Manager) Transmitter() *Transmitter { return m.transmitter }
func (m *Manager) Subscriptions() *SubscriptionManager { return m.subscriptions }
func (m *Manager) Requests() *RequestManager { return m.requests }
func (m *Manager) Futures() *FutureTable { return m.futures }
func (m *Manager) Registry() *MethodRegistry { return m.registry }
func (m *Manager) Envelopes() *EnvelopeDispatcher { return m.envelopes }
func (m *Manager) Logger() *zap.Logger { return m.logger }
func (m *Manager) Processor() *Processor { return m.processor }

// Call sends a request and waits for its result.
func Call[R any](ctx context.Context, m *Manager, endpointID, method string, params interface{}) (R, error) {
	future, err := TransmitRequest[R](ctx, m.transmitter, endpointID, method, params)
	if err != nil {
		var zero R
		return zero, err
	}
	return future.Await(ctx)
}

// Subscribe registers subscription name on the manager.
func Subscribe[C any](m *Manager, name string, handler SubscriptionHandler[C]) error {
	return RegisterSubscription(m.subscriptions, name, handler)
}
