package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	SubscribePrefix   = "subscribe/"
	UnsubscribePrefix = "unsubscribe/"
	PublishPrefix     = "publish/"

	DefaultSweepInterval = 15 * time.Second
)

var ErrSubscriptionExists = errors.New("subscription already registered")

// EventTransmitter publishes one event to the endpoint that subscribed.
// Delivery is fire-and-forget.
type EventTransmitter func(event interface{})

// SubscriptionHandler holds the callbacks of one subscription name. C is the
// subscription context type; use struct{} when the subscription has none.
type SubscriptionHandler[C any] struct {
	OnSubscribe   func(ctx context.Context, endpointID string, subCtx C, events EventTransmitter) error
	OnUnsubscribe func(ctx context.Context, endpointID string, subCtx C)
}

// subscriptionBinding is the type-erased form of SubscriptionHandler.
type subscriptionBinding struct {
	// decode returns the canonical context key and the decoded context.
	decode        func(*Params) (string, interface{}, error)
	onSubscribe   func(ctx context.Context, endpointID string, subCtx interface{}, events EventTransmitter) error
	onUnsubscribe func(ctx context.Context, endpointID string, subCtx interface{})
}

type unsubscribeAction struct {
	endpointID string
	name       string
	ctxKey     string
	run        func()
}

type subscriptionRequest struct {
	name       string
	endpointID string
	ctxKey     string
	hasContext bool
}

// SubscriptionManager implements the subscribe/<name>, unsubscribe/<name> and
// publish/<name> conventions and removes subscriptions of endpoints whose
// transport has closed.
type SubscriptionManager struct {
	mu             sync.Mutex
	registry       *MethodRegistry
	transmitter    *Transmitter
	transport      EndpointTransport
	names          map[string]struct{}
	actions        map[*unsubscribeAction]struct{}
	endpoints      map[string]struct{}
	possiblyClosed map[string]struct{}
	logger         *zap.Logger
}

func NewSubscriptionManager(registry *MethodRegistry, transmitter *Transmitter, transport EndpointTransport, logger *zap.Logger) *SubscriptionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionManager{
		registry:       registry,
		transmitter:    transmitter,
		transport:      transport,
		names:          make(map[string]struct{}),
		actions:        make(map[*unsubscribeAction]struct{}),
		endpoints:      make(map[string]struct{}),
		possiblyClosed: make(map[string]struct{}),
		logger:         logger.Named("subscriptions"),
	}
}

// RegisterSubscription installs the subscribe and unsubscribe handlers of name
// as one step.
func RegisterSubscription[C any](m *SubscriptionManager, name string, handler SubscriptionHandler[C]) error {
	binding := &subscriptionBinding{
		decode: func(p *Params) (string, interface{}, error) {
			var subCtx C
			if p.IsEmptyOrAbsent() {
				return "", subCtx, nil
			}
			if err := p.As(&subCtx); err != nil {
				return "", subCtx, InvalidParams(err)
			}
			key, err := json.Marshal(subCtx)
			if err != nil {
				return "", subCtx, err
			}
			return string(key), subCtx, nil
		},
		onSubscribe: func(ctx context.Context, endpointID string, subCtx interface{}, events EventTransmitter) error {
			if handler.OnSubscribe == nil {
				return nil
			}
			return handler.OnSubscribe(ctx, endpointID, contextAs[C](subCtx), events)
		},
		onUnsubscribe: func(ctx context.Context, endpointID string, subCtx interface{}) {
			if handler.OnUnsubscribe != nil {
				handler.OnUnsubscribe(ctx, endpointID, contextAs[C](subCtx))
			}
		},
	}
	return m.register(name, binding)
}

func contextAs[C any](v interface{}) C {
	c, _ := v.(C)
	return c
}

func (m *SubscriptionManager) register(name string, binding *subscriptionBinding) error {
	if name == "" {
		return errors.New("subscription name is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.names[name]; exists {
		return fmt.Errorf("%w: %s", ErrSubscriptionExists, name)
	}
	m.names[name] = struct{}{}

	m.registry.Register(SubscribePrefix+name, HandlerFunc(func(ctx context.Context, msg *Message) (interface{}, error) {
		return nil, m.subscribe(ctx, name, binding, msg)
	}))
	m.registry.Register(UnsubscribePrefix+name, HandlerFunc(func(ctx context.Context, msg *Message) (interface{}, error) {
		return nil, m.unsubscribe(name, binding, msg)
	}))
	m.logger.Info("Registered subscription", zap.String("name", name))
	return nil
}

func (m *SubscriptionManager) subscribe(ctx context.Context, name string, binding *subscriptionBinding, msg *Message) error {
	endpointID := msg.EndpointID
	ctxKey, subCtx, err := binding.decode(msg.Params)
	if err != nil {
		return err
	}

	var once sync.Once
	action := &unsubscribeAction{
		endpointID: endpointID,
		name:       name,
		ctxKey:     ctxKey,
		run: func() {
			once.Do(func() {
				binding.onUnsubscribe(context.Background(), endpointID, subCtx)
			})
		},
	}

	m.mu.Lock()
	for existing := range m.actions {
		if existing.endpointID == endpointID && existing.name == name && existing.ctxKey == ctxKey {
			m.mu.Unlock()
			m.logger.Debug("Endpoint already subscribed",
				zap.String("endpointID", endpointID),
				zap.String("name", name),
			)
			return nil
		}
	}
	m.actions[action] = struct{}{}
	m.endpoints[endpointID] = struct{}{}
	m.mu.Unlock()

	if err := binding.onSubscribe(ctx, endpointID, subCtx, m.eventTransmitter(endpointID, name)); err != nil {
		m.mu.Lock()
		delete(m.actions, action)
		m.mu.Unlock()
		m.dropEndpointIfIdle(endpointID)
		return err
	}

	m.logger.Debug("Endpoint subscribed",
		zap.String("endpointID", endpointID),
		zap.String("name", name),
		zap.String("context", ctxKey),
	)
	return nil
}

// eventTransmitter publishes to one endpoint. Failures are logged only.
func (m *SubscriptionManager) eventTransmitter(endpointID, name string) EventTransmitter {
	method := PublishPrefix + name
	return func(event interface{}) {
		if err := m.transmitter.TransmitNotification(context.Background(), endpointID, method, event); err != nil {
			m.logger.Debug("Failed to publish event",
				zap.String("endpointID", endpointID),
				zap.String("method", method),
				zap.Error(err),
			)
		}
	}
}

// unsubscribe runs the actions of (endpoint, name). A context in the message
// narrows it to the matching context; without one every context is removed.
func (m *SubscriptionManager) unsubscribe(name string, binding *subscriptionBinding, msg *Message) error {
	req := subscriptionRequest{name: name, endpointID: msg.EndpointID}
	if !msg.Params.IsEmptyOrAbsent() {
		key, _, err := binding.decode(msg.Params)
		if err != nil {
			return err
		}
		req.ctxKey = key
		req.hasContext = true
	}

	m.mu.Lock()
	var matched []*unsubscribeAction
	for action := range m.actions {
		if action.endpointID != req.endpointID || action.name != req.name {
			continue
		}
		if req.hasContext && action.ctxKey != req.ctxKey {
			continue
		}
		matched = append(matched, action)
		delete(m.actions, action)
	}
	m.mu.Unlock()

	m.runActions(matched)
	m.dropEndpointIfIdle(req.endpointID)
	return nil
}

func (m *SubscriptionManager) dropEndpointIfIdle(endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for action := range m.actions {
		if action.endpointID == endpointID {
			return
		}
	}
	delete(m.endpoints, endpointID)
	delete(m.possiblyClosed, endpointID)
}

func (m *SubscriptionManager) runActions(actions []*unsubscribeAction) {
	for _, action := range actions {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Panic recovered in unsubscribe callback",
						zap.String("endpointID", action.endpointID),
						zap.String("name", action.name),
						zap.Any("panic", r),
					)
				}
			}()
			action.run()
		}()
	}
}

// Sweep is one cycle of stale endpoint detection. An endpoint is torn down
// only after its transport reported closed on two consecutive cycles.
func (m *SubscriptionManager) Sweep() {
	m.mu.Lock()
	var confirmed []string
	for endpointID := range m.possiblyClosed {
		if m.transport.IsClosed(endpointID) {
			confirmed = append(confirmed, endpointID)
		}
	}
	m.possiblyClosed = make(map[string]struct{})

	var stale []*unsubscribeAction
	for _, endpointID := range confirmed {
		delete(m.endpoints, endpointID)
		for action := range m.actions {
			if action.endpointID == endpointID {
				stale = append(stale, action)
				delete(m.actions, action)
			}
		}
	}

	for endpointID := range m.endpoints {
		if m.transport.IsClosed(endpointID) {
			m.possiblyClosed[endpointID] = struct{}{}
		}
	}
	m.mu.Unlock()

	if len(confirmed) > 0 {
		m.logger.Info("Removing subscriptions of closed endpoints",
			zap.Strings("endpoints", confirmed),
			zap.Int("subscriptions", len(stale)),
		)
	}
	m.runActions(stale)
}

// Run sweeps every interval until ctx is done.
func (m *SubscriptionManager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info("Starting subscription sweep", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Subscription sweep stopped")
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Endpoints returns the endpoints that hold at least one subscription.
func (m *SubscriptionManager) Endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	endpoints := make([]string, 0, len(m.endpoints))
	for endpointID := range m.endpoints {
		endpoints = append(endpoints, endpointID)
	}
	return endpoints
}

// Subscriptions returns the subscription names held by endpointID.
func (m *SubscriptionManager) Subscriptions(endpointID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for action := range m.actions {
		if action.endpointID == endpointID {
			names = append(names, action.name)
		}
	}
	return names
}

// Count returns the number of active subscriptions.
func (m *SubscriptionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}
