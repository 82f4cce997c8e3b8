package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cloudide/wsrpc/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ServerEndpoint is the endpoint id under which the client's messaging core
// sees the server.
const ServerEndpoint = "server"

const (
	writeWait    = 10 * time.Second
	closeTimeout = 5 * time.Second
	methodPing   = "ping"
)

var (
	ErrNotConnected = errors.New("client is not connected")
	ErrClientClosed = errors.New("client is closed")
)

type pingResult struct {
	Text string `json:"text"`
}

// HandshakeError is returned when the server rejects the WebSocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

var _ shared.EndpointTransport = (*Client)(nil)

// Client is a WebSocket endpoint of the server. It owns a messaging core of
// its own, so the server can call it and send it notifications, and it
// reconnects with backoff when the connection drops.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *zap.Logger

	heartbeatInterval    time.Duration
	reconnectInterval    time.Duration
	maxReconnectAttempts int
	managerOptions       []shared.ManagerOption
	onReconnect          func()

	manager *shared.Manager
	subs    *subscriptionSet

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	conn    *websocket.Conn
	closed  bool
	writeMu sync.Mutex

	wg sync.WaitGroup
}

// New dials url and starts the read loop, the heartbeat and the request
// expiry of the client's messaging core. The client lives until ctx is done
// or Close is called.
func New(ctx context.Context, logger *zap.Logger, url string, options ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		url:    url,
		header: defaultHeader(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		logger:               logger.Named("client"),
		heartbeatInterval:    DefaultHeartbeatInterval,
		reconnectInterval:    DefaultReconnectInterval,
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		subs:                 newSubscriptionSet(),
	}
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, fmt.Errorf("failed to apply client option: %w", err)
		}
	}

	manager, err := shared.NewManager(c.logger, c, c.managerOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	c.manager = manager
	c.ctx, c.cancel = context.WithCancel(ctx)

	conn, err := c.dial(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := c.manager.Run(c.ctx); err != nil {
			c.logger.Error("Manager loop failed", zap.Error(err))
		}
	}()
	go c.readLoop(conn)
	if c.heartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeat()
	}
	go func() {
		<-c.ctx.Done()
		_ = c.Close()
	}()

	c.logger.Info("Connected", zap.String("url", url))
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return nil, ErrClientClosed
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.logger.Warn("Connection lost", zap.Error(err))
			c.handleDisconnect(conn)
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text frame", zap.Int("type", messageType))
			continue
		}
		if err := c.manager.Dispatch(c.ctx, ServerEndpoint, data); err != nil {
			c.logger.Debug("Failed to dispatch inbound frame", zap.Error(err))
		}
	}
}

// heartbeat sends a ping request every heartbeatInterval. A ping that gets no
// answer at all drops the connection, which starts a reconnect.
func (c *Client) heartbeat() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		conn := c.currentConn()
		if conn == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.heartbeatInterval)
		_, err := Call[pingResult](ctx, c, methodPing, nil)
		cancel()
		if err == nil || c.ctx.Err() != nil {
			continue
		}
		var rpcErr *shared.JSONRPCError
		if errors.As(err, &rpcErr) {
			c.logger.Debug("Heartbeat rejected by server", zap.Error(err))
			continue
		}
		c.logger.Warn("Heartbeat failed, dropping connection", zap.Error(err))
		_ = conn.Close()
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Send implements shared.EndpointTransport. The endpoint id is ignored since
// the client has exactly one peer.
func (c *Client) Send(_ string, data []byte) error {
	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: %w", shared.ErrEndpointClosed, ErrClientClosed)
	}
	if conn == nil {
		return fmt.Errorf("%w: %w", shared.ErrEndpointClosed, ErrNotConnected)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrEndpointClosed, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Broadcast implements shared.EndpointTransport.
func (c *Client) Broadcast(data []byte) error {
	return c.Send(ServerEndpoint, data)
}

// IsClosed implements shared.EndpointTransport.
func (c *Client) IsClosed(string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed || c.conn == nil
}

// Manager returns the client's messaging core, for registering handlers the
// server may call.
func (c *Client) Manager() *shared.Manager { return c.manager }

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool { return !c.IsClosed(ServerEndpoint) }

// Call sends a request to the server and waits for its result.
func Call[R any](ctx context.Context, c *Client, method string, params interface{}) (R, error) {
	return shared.Call[R](ctx, c.manager, ServerEndpoint, method, params)
}

// Notify sends a notification to the server.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	return c.manager.Notify(ctx, ServerEndpoint, method, params)
}

// HandleRequest registers a handler for requests the server sends.
func (c *Client) HandleRequest(method string, handler shared.Handler) {
	c.manager.HandleRequest(method, handler)
}

// HandleNotification registers a handler for notifications the server sends.
func (c *Client) HandleNotification(method string, handler shared.Handler) {
	c.manager.HandleNotification(method, handler)
}

// Close sends a close frame, stops every loop and rejects pending calls. It
// is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = conn.Close()
	}

	c.manager.Futures().CancelAll(ErrClientClosed)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if shutdownErr := c.manager.Shutdown(shutdownCtx); shutdownErr != nil {
		c.logger.Warn("Manager shutdown incomplete", zap.Error(shutdownErr))
	}
	c.wg.Wait()
	c.logger.Info("Client closed")
	return err
}
