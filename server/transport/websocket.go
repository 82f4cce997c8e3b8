package transport

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandleWebSocket upgrades the connection and runs one session over it until
// either side closes.
func (t *Transport) HandleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := t.logger.With(zap.String("remoteAddr", r.RemoteAddr))

		if r.Method != http.MethodGet {
			logger.Warn("Method not allowed", zap.String("method", r.Method))
			http.Error(w, "Method Not Allowed", statusMethodNotAllowed)
			return
		}

		if t.closed.Load() {
			http.Error(w, "Service Unavailable: shutting down", statusUnavailable)
			return
		}

		userID, sessionParams, err := t.authManager.Authenticate(ExtractAuthKey(r), r.RemoteAddr)
		if err != nil {
			logger.Warn("Authentication failed for WebSocket connection", zap.Error(err))
			http.Error(w, "Authentication failed: "+err.Error(), statusUnauthorized)
			return
		}

		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			logger.Warn("WebSocket upgrade failed", zap.Error(err))
			return
		}

		session := t.sessions.CreateSession(KindWebSocket, userID, sessionParams)
		session.Logger().Info("WebSocket session opened", zap.String("userID", userID))

		go t.writeLoop(conn, session)
		t.readLoop(r.Context(), conn, session)
	}
}

func (t *Transport) readDeadline() time.Time {
	if t.pingInterval <= 0 {
		return time.Time{}
	}
	return time.Now().Add(2 * t.pingInterval)
}

// readLoop feeds inbound text frames to the manager. It closes the session
// when the connection fails.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, session *Session) {
	logger := session.Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in WebSocket read loop",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
		t.sessions.CloseSession(session.ID)
	}()

	if t.maxMessageSize > 0 {
		conn.SetReadLimit(t.maxMessageSize)
	}
	_ = conn.SetReadDeadline(t.readDeadline())
	conn.SetPongHandler(func(string) error {
		session.UpdateLastActivity()
		return conn.SetReadDeadline(t.readDeadline())
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("WebSocket read failed", zap.Error(err))
			} else {
				logger.Debug("WebSocket connection closed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			logger.Debug("Ignoring non-text frame", zap.Int("messageType", messageType))
			continue
		}

		session.UpdateLastActivity()
		_ = conn.SetReadDeadline(t.readDeadline())
		if err := t.manager.Dispatch(ctx, session.ID, data); err != nil {
			logger.Debug("Inbound frame not dispatched", zap.Error(err))
		}
	}
}

// writeLoop is the only writer of conn. It drains the session output, pings
// the peer and sends a close frame once the session is closed.
func (t *Transport) writeLoop(conn *websocket.Conn, session *Session) {
	logger := session.Logger()
	var pings <-chan time.Time
	if t.pingInterval > 0 {
		ticker := time.NewTicker(t.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}
	defer conn.Close()

	write := func(messageType int, data []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(t.writeWait))
		if err := conn.WriteMessage(messageType, data); err != nil {
			logger.Warn("WebSocket write failed", zap.Error(err))
			t.sessions.CloseSession(session.ID)
			return false
		}
		return true
	}

	for {
		select {
		case data := <-session.Output():
			if !write(websocket.TextMessage, data) {
				return
			}
		case <-pings:
			if !write(websocket.PingMessage, nil) {
				return
			}
		case <-session.Done():
		drain:
			for {
				select {
				case data := <-session.Output():
					if !write(websocket.TextMessage, data) {
						return
					}
				default:
					break drain
				}
			}
			closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(t.writeWait))
			return
		}
	}
}
