package client

import (
	"errors"
	"net/http"
	"time"

	"github.com/cloudide/wsrpc/shared"
	"github.com/gorilla/websocket"
)

const (
	DefaultHeartbeatInterval    = 50 * time.Second
	DefaultReconnectInterval    = 2 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHandshakeTimeout     = 10 * time.Second
)

// Option defines a function type for configuring a Client.
type Option func(*Client) error

// WithHeaders adds headers to the WebSocket handshake. Repeated use merges
// the headers.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) error {
		for key, value := range headers {
			c.header.Set(key, value)
		}
		return nil
	}
}

// WithAuthenticationBearer sends token as an Authorization Bearer header. An
// empty token removes the header.
func WithAuthenticationBearer(token string) Option {
	return func(c *Client) error {
		if token == "" {
			c.header.Del("Authorization")
			return nil
		}
		c.header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// WithDialer replaces the default gorilla dialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) error {
		if dialer == nil {
			return errors.New("dialer cannot be nil")
		}
		c.dialer = dialer
		return nil
	}
}

// WithHeartbeatInterval sets how often a ping request is sent. Zero disables
// the heartbeat.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Client) error {
		if interval < 0 {
			return errors.New("heartbeat interval cannot be negative")
		}
		c.heartbeatInterval = interval
		return nil
	}
}

// WithReconnectInterval sets the initial delay between reconnect attempts.
func WithReconnectInterval(interval time.Duration) Option {
	return func(c *Client) error {
		if interval <= 0 {
			return errors.New("reconnect interval must be positive")
		}
		c.reconnectInterval = interval
		return nil
	}
}

// WithMaxReconnectAttempts bounds the redials after a lost connection. Zero
// disables reconnecting.
func WithMaxReconnectAttempts(attempts int) Option {
	return func(c *Client) error {
		if attempts < 0 {
			return errors.New("max reconnect attempts cannot be negative")
		}
		c.maxReconnectAttempts = attempts
		return nil
	}
}

// WithManagerOptions passes options to the client's messaging core, for
// example shared.WithEnvelopeMode or shared.WithRequestTimeout.
func WithManagerOptions(options ...shared.ManagerOption) Option {
	return func(c *Client) error {
		c.managerOptions = append(c.managerOptions, options...)
		return nil
	}
}

// WithOnReconnect registers fn to run after every successful reconnect, once
// subscriptions have been re-sent.
func WithOnReconnect(fn func()) Option {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}

func defaultHeader() http.Header {
	return make(http.Header)
}
