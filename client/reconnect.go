package client

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gopkg.in/cenkalti/backoff.v1"
)

const resubscribeTimeout = 10 * time.Second

// reconnectPolicy retries with exponential backoff starting at
// reconnectInterval. WithMaxTries counts retries, so the first dial is not
// included in it.
func (c *Client) reconnectPolicy() backoff.BackOff {
	if c.maxReconnectAttempts <= 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, c.ctx)
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.reconnectInterval
	expBackoff.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxTries(expBackoff, uint64(c.maxReconnectAttempts-1)), c.ctx)
}

// reconnect redials until it succeeds, the attempts are exhausted or the
// client is closed.
func (c *Client) reconnect() (*websocket.Conn, error) {
	var conn *websocket.Conn
	attempt := 0
	operation := func() error {
		attempt++
		c.logger.Info("Reconnecting", zap.Int("attempt", attempt), zap.String("url", c.url))
		dialed, err := c.dial(c.ctx)
		if err != nil {
			if c.isClosed() {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = dialed
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("Reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retryIn", next),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(operation, c.reconnectPolicy(), notify); err != nil {
		return nil, err
	}
	c.logger.Info("Reconnected", zap.Int("attempts", attempt))
	return conn, nil
}

// handleDisconnect runs on the read loop of a failed connection. A new read
// loop is started before subscriptions are re-sent because their responses
// arrive on it.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	c.manager.Futures().CancelAll(ErrNotConnected)

	if c.maxReconnectAttempts == 0 || c.isClosed() {
		return
	}
	newConn, err := c.reconnect()
	if err != nil {
		c.logger.Error("Giving up reconnecting", zap.Error(err))
		return
	}

	c.wg.Add(1)
	go c.readLoop(newConn)

	c.resubscribe()
	if c.onReconnect != nil {
		c.onReconnect()
	}
}

func (c *Client) resubscribe() {
	for _, sub := range c.subs.all() {
		ctx, cancel := context.WithTimeout(c.ctx, resubscribeTimeout)
		err := c.sendSubscribe(ctx, sub.name, sub.context)
		cancel()
		if err != nil {
			c.logger.Error("Failed to restore subscription",
				zap.String("name", sub.name),
				zap.String("context", sub.key),
				zap.Error(err),
			)
			continue
		}
		c.logger.Debug("Restored subscription", zap.String("name", sub.name), zap.String("context", sub.key))
	}
}
