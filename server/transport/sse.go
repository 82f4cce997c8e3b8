package transport

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/cloudide/wsrpc/shared"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
)

const (
	// EndpointQueryParam names the session of an SSE stream or POST.
	EndpointQueryParam = "endpoint"
	// EndpointEventName is the first event of a new stream; its data is the
	// endpoint id to POST to.
	EndpointEventName = "endpoint"

	sseStreamParam = "stream"
)

// HandleSSE serves the fallback transport: GET opens (or reattaches to) an
// event stream, POST delivers one inbound frame.
func (t *Transport) HandleSSE() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := t.logger.With(
			zap.String("method", r.Method),
			zap.String("remoteAddr", r.RemoteAddr),
		)
		logger.Debug("Received SSE transport request", zap.String("query", r.URL.RawQuery))

		switch r.Method {
		case http.MethodGet:
			t.handleSSEStream(w, r, logger)
		case http.MethodPost:
			t.handleSSEPost(w, r, logger)
		case http.MethodOptions:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
		default:
			logger.Warn("Method not allowed", zap.String("method", r.Method))
			http.Error(w, "Method Not Allowed", statusMethodNotAllowed)
		}
	}
}

func (t *Transport) handleSSEStream(w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	if t.closed.Load() {
		http.Error(w, "Service Unavailable: shutting down", statusUnavailable)
		return
	}
	userID, sessionParams, err := t.authManager.Authenticate(ExtractAuthKey(r), r.RemoteAddr)
	if err != nil {
		logger.Warn("Authentication failed for SSE connection", zap.Error(err))
		http.Error(w, "Authentication failed: "+err.Error(), statusUnauthorized)
		return
	}

	var session *Session
	if endpointID := r.URL.Query().Get(EndpointQueryParam); endpointID != "" {
		session, err = t.sseSession(endpointID)
		if err != nil || session.UserID != userID {
			logger.Warn("SSE stream requested for unknown session", zap.String("endpointID", endpointID), zap.Error(err))
			http.Error(w, "Not Found: Session expired or invalid", statusNotFound)
			return
		}
		session.Logger().Debug("SSE stream reattached")
	} else {
		session = t.openSSESession(userID, sessionParams)
	}

	detach := session.AttachStream()
	defer detach()
	streamRequest := r.Clone(r.Context())
	query := streamRequest.URL.Query()
	query.Set(sseStreamParam, session.ID)
	streamRequest.URL.RawQuery = query.Encode()

	t.sseServer.ServeHTTP(w, streamRequest)
	session.Logger().Debug("SSE stream detached")
}

// openSSESession creates the session and its stream and announces the
// endpoint id as the first event.
func (t *Transport) openSSESession(userID string, sessionParams *sync.Map) *Session {
	session := t.sessions.CreateSession(KindSSE, userID, sessionParams)
	t.sseServer.CreateStream(session.ID)
	session.OnClose(func() {
		t.sseServer.RemoveStream(session.ID)
	})
	t.sseServer.Publish(session.ID, &sse.Event{
		Event: []byte(EndpointEventName),
		Data:  []byte(session.ID),
	})
	go t.pumpSSE(session)
	session.Logger().Info("SSE session opened", zap.String("userID", userID))
	return session
}

// pumpSSE moves outbound frames of session onto its stream.
func (t *Transport) pumpSSE(session *Session) {
	for {
		select {
		case data := <-session.Output():
			t.sseServer.Publish(session.ID, &sse.Event{Data: data})
			session.UpdateLastActivity()
		case <-session.Done():
			return
		}
	}
}

func (t *Transport) sseSession(endpointID string) (*Session, error) {
	session, err := t.sessions.GetSession(endpointID)
	if err != nil {
		return nil, err
	}
	if session.Kind != KindSSE || session.IsClosed() {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (t *Transport) handleSSEPost(w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	endpointID := r.URL.Query().Get(EndpointQueryParam)
	session, err := t.sseSession(endpointID)
	if err != nil {
		logger.Warn("POST for unknown session", zap.String("endpointID", endpointID))
		http.Error(w, "Not Found: Session expired or invalid", statusNotFound)
		return
	}

	body := r.Body
	if t.maxMessageSize > 0 {
		body = http.MaxBytesReader(w, r.Body, t.maxMessageSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			sendJSONRPCErrorResponse(w, statusTooLarge, nil, shared.JSONRPCErrorInvalidRequest, "message exceeds maximum allowed size", logger)
			return
		}
		logger.Error("Failed to read request body", zap.Error(err))
		http.Error(w, "Failed to read body", statusBadRequest)
		return
	}

	session.UpdateLastActivity()
	if err := t.manager.Dispatch(r.Context(), session.ID, data); err != nil {
		switch {
		case errors.Is(err, shared.ErrParse):
			sendJSONRPCErrorResponse(w, statusBadRequest, nil, shared.JSONRPCErrorParseError, err.Error(), logger)
			return
		case errors.Is(err, shared.ErrProtocol), errors.Is(err, shared.ErrInvalidEnvelope):
			sendJSONRPCErrorResponse(w, statusBadRequest, nil, shared.JSONRPCErrorInvalidRequest, err.Error(), logger)
			return
		}
		// Validator rejections are answered on the stream.
		logger.Debug("Frame rejected", zap.String("endpointID", endpointID), zap.Error(err))
	}
	w.WriteHeader(statusAccepted)
}
