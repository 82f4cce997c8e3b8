package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudide/wsrpc/shared"
	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("session not found")

var _ shared.EndpointTransport = (*SessionManager)(nil)

// SessionManager tracks every connected session and is the EndpointTransport
// of the server's messaging core.
type SessionManager struct {
	sessions       map[string]*Session
	closeListeners []func(*Session)
	mu             sync.RWMutex
	logger         *zap.Logger
}

// NewSessionManager creates an empty session manager
func NewSessionManager(logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		logger:   logger.Named("sessions"),
	}
}

// AddCloseListener registers fn to run after any session is closed through
// the manager.
func (m *SessionManager) AddCloseListener(fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeListeners = append(m.closeListeners, fn)
}

// CreateSession creates and registers a new open session.
func (m *SessionManager) CreateSession(kind SessionKind, userID string, params *sync.Map) *Session {
	session := NewSession(m.logger, kind, userID, params)

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.logger.Debug("Created new session",
		zap.String("sessionID", session.ID),
		zap.String("userID", userID),
		zap.String("kind", string(kind)),
	)
	return session
}

// GetSession retrieves a session by its ID
func (m *SessionManager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// RemoveSession removes a session reference without calling Close.
func (m *SessionManager) RemoveSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		delete(m.sessions, id)
		m.logger.Debug("Removed session reference", zap.String("sessionID", id))
	}
}

// CloseSession closes a session and forgets it.
func (m *SessionManager) CloseSession(id string) {
	m.mu.Lock()
	session, exists := m.sessions[id]
	delete(m.sessions, id)
	listeners := m.closeListeners
	m.mu.Unlock()

	if !exists {
		m.logger.Debug("Attempted to close non-existent session", zap.String("sessionID", id))
		return
	}
	if err := session.Close(); err != nil {
		m.logger.Error("Error closing session resources", zap.String("sessionID", id), zap.Error(err))
	}
	for _, listener := range listeners {
		listener(session)
	}
	m.logger.Info("Closed session", zap.String("sessionID", id))
}

func (m *SessionManager) CloseAllSessions() {
	m.mu.Lock()
	idsToClose := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		idsToClose = append(idsToClose, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range idsToClose {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			m.CloseSession(sessionID)
		}(id)
	}
	wg.Wait()
	m.logger.Info("Closed all sessions", zap.Int("count", len(idsToClose)))
}

// CleanupIdleSessions closes sessions without activity for longer than timeout
// and returns how many were closed. Sessions with an attached SSE stream are
// kept.
func (m *SessionManager) CleanupIdleSessions(timeout time.Duration) int {
	deadline := time.Now().Add(-timeout)

	m.mu.RLock()
	var idle []string
	for id, session := range m.sessions {
		if !session.HasStream() && session.GetLastActivity().Before(deadline) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.CloseSession(id)
	}
	if len(idle) > 0 {
		m.logger.Info("Closed idle sessions", zap.Int("count", len(idle)), zap.Duration("timeout", timeout))
	}
	return len(idle)
}

func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Send implements shared.EndpointTransport.
func (m *SessionManager) Send(endpointID string, data []byte) error {
	session, err := m.GetSession(endpointID)
	if err != nil {
		return fmt.Errorf("%w: %s", shared.ErrEndpointClosed, endpointID)
	}
	if err := session.Send(data); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return fmt.Errorf("%w: %s", shared.ErrEndpointClosed, endpointID)
		}
		return err
	}
	return nil
}

// Broadcast implements shared.EndpointTransport by sending to every open session.
func (m *SessionManager) Broadcast(data []byte) error {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		targets = append(targets, session)
	}
	m.mu.RUnlock()

	var errs []error
	for _, session := range targets {
		if err := session.Send(data); err != nil && !errors.Is(err, ErrSessionClosed) {
			errs = append(errs, fmt.Errorf("session %s: %w", session.ID, err))
		}
	}
	return errors.Join(errs...)
}

// IsClosed implements shared.EndpointTransport. Unknown sessions count as closed.
func (m *SessionManager) IsClosed(endpointID string) bool {
	session, err := m.GetSession(endpointID)
	if err != nil {
		return true
	}
	return session.IsClosed()
}
