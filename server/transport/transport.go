package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cloudide/wsrpc/shared"
	"github.com/cloudide/wsrpc/shared/config"
	"github.com/gorilla/websocket"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
)

const (
	contentTypeJSON = "application/json"

	statusAccepted            = http.StatusAccepted              // 202
	statusNotFound            = http.StatusNotFound              // 404
	statusBadRequest          = http.StatusBadRequest            // 400
	statusMethodNotAllowed    = http.StatusMethodNotAllowed      // 405
	statusUnauthorized        = http.StatusUnauthorized          // 401
	statusTooLarge            = http.StatusRequestEntityTooLarge // 413
	statusInternalServerError = http.StatusInternalServerError   // 500
	statusUnavailable         = http.StatusServiceUnavailable    // 503

	defaultWriteWait       = 10 * time.Second
	defaultCleanupInterval = 5 * time.Minute
)

// Transport carries JSON-RPC frames between HTTP clients and the messaging
// core, over WebSocket or over SSE plus POST.
type Transport struct {
	manager         *shared.Manager
	sessions        *SessionManager
	logger          *zap.Logger
	authManager     AuthenticationManager
	config          config.IConfig
	upgrader        websocket.Upgrader
	sseServer       *sse.Server
	webSocketPath   string
	ssePath         string
	pingInterval    time.Duration
	writeWait       time.Duration
	maxMessageSize  int64
	sessionTimeout  time.Duration
	cleanupInterval time.Duration
	closed          atomic.Bool
}

// TransportOption defines a function type for configuring the Transport.
type TransportOption func(*Transport) error

// WithSessionTimeout sets the idle timeout for sessions.
func WithSessionTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) error {
		if timeout <= 0 {
			return errors.New("session timeout must be positive")
		}
		t.sessionTimeout = timeout
		return nil
	}
}

// WithCleanupInterval sets the interval for checking idle sessions
func WithCleanupInterval(interval time.Duration) TransportOption {
	return func(t *Transport) error {
		if interval <= 0 {
			return errors.New("cleanup interval must be positive")
		}
		t.cleanupInterval = interval
		return nil
	}
}

// WithPingInterval overrides the configured WebSocket ping period. Zero
// disables pings.
func WithPingInterval(interval time.Duration) TransportOption {
	return func(t *Transport) error {
		if interval < 0 {
			return errors.New("ping interval must not be negative")
		}
		t.pingInterval = interval
		return nil
	}
}

func WithWriteWait(wait time.Duration) TransportOption {
	return func(t *Transport) error {
		if wait <= 0 {
			return errors.New("write wait must be positive")
		}
		t.writeWait = wait
		return nil
	}
}

// WithCheckOrigin replaces the same-origin check of the WebSocket upgrader.
func WithCheckOrigin(check func(r *http.Request) bool) TransportOption {
	return func(t *Transport) error {
		t.upgrader.CheckOrigin = check
		return nil
	}
}

// New creates the HTTP transport of manager. sessions must be the
// EndpointTransport the manager was built with.
func New(manager *shared.Manager, sessions *SessionManager, logger *zap.Logger, cfg config.IConfig, options ...TransportOption) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if manager == nil {
		return nil, errors.New("manager cannot be nil")
	}
	if sessions == nil {
		return nil, errors.New("session manager cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	webSocketPath, err := cfg.WebSocketPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get websocket path from config: %w", err)
	}
	ssePath, err := cfg.SSEPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get sse path from config: %w", err)
	}
	pingInterval, err := cfg.PingInterval()
	if err != nil {
		return nil, fmt.Errorf("failed to get ping interval from config: %w", err)
	}
	sessionTimeout, err := cfg.SessionTimeout()
	if err != nil {
		return nil, fmt.Errorf("failed to get session timeout from config: %w", err)
	}
	maxMessageSize, err := cfg.MaxMessageSize()
	if err != nil {
		return nil, fmt.Errorf("failed to get max message size from config: %w", err)
	}

	sseServer := sse.New()
	sseServer.AutoStream = false
	sseServer.AutoReplay = true

	t := &Transport{
		manager:         manager,
		sessions:        sessions,
		logger:          logger.Named("transport"),
		authManager:     NewAuthenticator(cfg, logger),
		config:          cfg,
		sseServer:       sseServer,
		webSocketPath:   webSocketPath,
		ssePath:         ssePath,
		pingInterval:    pingInterval,
		writeWait:       defaultWriteWait,
		maxMessageSize:  maxMessageSize,
		sessionTimeout:  sessionTimeout,
		cleanupInterval: defaultCleanupInterval,
	}

	for _, option := range options {
		if err := option(t); err != nil {
			return nil, fmt.Errorf("failed to apply transport option: %w", err)
		}
	}

	t.logger.Info("HTTP transport created",
		zap.String("webSocketPath", t.webSocketPath),
		zap.String("ssePath", t.ssePath),
		zap.Duration("pingInterval", t.pingInterval),
		zap.Duration("sessionTimeout", t.sessionTimeout),
		zap.Int64("maxMessageSize", t.maxMessageSize),
	)
	return t, nil
}

// SetAuthManager allows changing the authentication manager.
func (t *Transport) SetAuthManager(authManager AuthenticationManager) {
	t.authManager = authManager
}

func (t *Transport) Sessions() *SessionManager {
	return t.sessions
}

// RegisterHandlers registers the WebSocket and SSE handlers with the HTTP mux.
func (t *Transport) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc(t.webSocketPath, t.HandleWebSocket())
	mux.HandleFunc(t.ssePath, t.HandleSSE())
	t.logger.Info("Registered transport handlers",
		zap.String("webSocketPath", t.webSocketPath),
		zap.String("ssePath", t.ssePath),
	)
}

// RunSessionCleanup periodically closes idle sessions until ctx is done.
func (t *Transport) RunSessionCleanup(ctx context.Context) {
	if t.sessionTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()
	t.logger.Info("Starting session cleanup routine",
		zap.Duration("interval", t.cleanupInterval),
		zap.Duration("timeout", t.sessionTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Session cleanup routine stopped")
			return
		case <-ticker.C:
			t.sessions.CleanupIdleSessions(t.sessionTimeout)
		}
	}
}

// Close closes every session and the SSE streams. New connections are
// refused afterwards.
func (t *Transport) Close() {
	t.closed.Store(true)
	t.sessions.CloseAllSessions()
	t.sseServer.Close()
}

// --- Helper to send JSON responses ---
func sendJSONResponse(w http.ResponseWriter, statusCode int, data interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logger.Error("Failed to encode JSON response", zap.Error(err))
		}
	}
}

// --- Helper to send JSON-RPC errors ---
func sendJSONRPCErrorResponse(w http.ResponseWriter, statusCode int, id *shared.RequestID, code int, message string, logger *zap.Logger) {
	errResp := shared.JSONRPCErrorResponse{
		JSONRPC: shared.JSONRPCVersion,
		ID:      id,
		Error: &shared.JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
	logger.Warn("Sending JSON-RPC Error",
		zap.Int("code", code),
		zap.String("message", message),
		zap.Stringer("reqID", id),
	)
	sendJSONResponse(w, statusCode, errResp, logger)
}
