package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cloudide/wsrpc/shared"
	"go.uber.org/zap"
)

// EventHandler receives the params of one publish/<name> notification.
type EventHandler func(event *shared.Params)

type subscription struct {
	name    string
	key     string
	context interface{}
	onEvent EventHandler
}

// subscriptionSet holds the subscriptions the client wants active. It is the
// source of truth for re-subscribing after a reconnect.
type subscriptionSet struct {
	mu      sync.Mutex
	entries map[string]*subscription
	routed  map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{
		entries: make(map[string]*subscription),
		routed:  make(map[string]struct{}),
	}
}

func contextKey(subCtx interface{}) (string, error) {
	if subCtx == nil {
		return "", nil
	}
	data, err := json.Marshal(subCtx)
	if err != nil {
		return "", fmt.Errorf("failed to encode subscription context: %w", err)
	}
	return string(data), nil
}

func (s *subscriptionSet) put(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sub.name+"\x00"+sub.key] = sub
}

// remove drops the subscription of (name, key), or every subscription of name
// when all is set.
func (s *subscriptionSet) remove(name, key string, all bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, sub := range s.entries {
		if sub.name == name && (all || sub.key == key) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// markRouted reports whether name still needs its notification route.
func (s *subscriptionSet) markRouted(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routed[name]; ok {
		return false
	}
	s.routed[name] = struct{}{}
	return true
}

func (s *subscriptionSet) all() []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]*subscription, 0, len(s.entries))
	for _, sub := range s.entries {
		subs = append(subs, sub)
	}
	return subs
}

func (s *subscriptionSet) handlers(name string) []EventHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	var handlers []EventHandler
	for _, sub := range s.entries {
		if sub.name == name && sub.onEvent != nil {
			handlers = append(handlers, sub.onEvent)
		}
	}
	return handlers
}

func (s *subscriptionSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Subscribe asks the server for subscription name with context subCtx (nil
// for none) and routes its events to onEvent. Events of one name are not
// tagged with the context, so every handler of name receives every event of
// name.
func (c *Client) Subscribe(ctx context.Context, name string, subCtx interface{}, onEvent EventHandler) error {
	key, err := contextKey(subCtx)
	if err != nil {
		return err
	}
	if c.subs.markRouted(name) {
		c.manager.HandleNotification(shared.PublishPrefix+name, shared.HandlerFunc(func(ctx context.Context, msg *shared.Message) (interface{}, error) {
			c.deliver(name, msg.Params)
			return nil, nil
		}))
	}

	sub := &subscription{name: name, key: key, context: subCtx, onEvent: onEvent}
	c.subs.put(sub)
	if err := c.sendSubscribe(ctx, name, subCtx); err != nil {
		c.subs.remove(name, key, false)
		return err
	}
	c.logger.Debug("Subscribed", zap.String("name", name), zap.String("context", key))
	return nil
}

// Unsubscribe cancels subscription name with context subCtx, or every
// context of name when subCtx is nil.
func (c *Client) Unsubscribe(ctx context.Context, name string, subCtx interface{}) error {
	key, err := contextKey(subCtx)
	if err != nil {
		return err
	}
	c.subs.remove(name, key, subCtx == nil)
	if _, err := Call[struct{}](ctx, c, shared.UnsubscribePrefix+name, subCtx); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", name, err)
	}
	c.logger.Debug("Unsubscribed", zap.String("name", name), zap.String("context", key))
	return nil
}

// Subscriptions returns the number of subscriptions the client holds.
func (c *Client) Subscriptions() int {
	return c.subs.Count()
}

func (c *Client) sendSubscribe(ctx context.Context, name string, subCtx interface{}) error {
	if _, err := Call[struct{}](ctx, c, shared.SubscribePrefix+name, subCtx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}
	return nil
}

func (c *Client) deliver(name string, event *shared.Params) {
	for _, handler := range c.subs.handlers(name) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Panic recovered in event handler", zap.String("name", name), zap.Any("panic", r))
				}
			}()
			handler(event)
		}()
	}
}
