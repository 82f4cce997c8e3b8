package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionKind tells which handler owns the connection of a session.
type SessionKind string

const (
	KindWebSocket SessionKind = "websocket"
	KindSSE       SessionKind = "sse"
)

const defaultOutputBuffer = 100

var (
	ErrSessionClosed     = errors.New("session closed")
	ErrOutputChannelFull = errors.New("output channel full")
)

// Session is one connected endpoint. Its ID is the endpoint id used by the
// messaging core.
type Session struct {
	ID         string
	UserID     string
	RemoteAddr string
	Kind       SessionKind
	CreatedAt  time.Time
	Params     *sync.Map

	mu           sync.RWMutex
	closed       bool
	done         chan struct{}
	output       chan []byte
	onClose      []func()
	lastActivity atomic.Value
	streams      atomic.Int32
	logger       *zap.Logger
}

// NewSession creates an open session with a fresh uuid.
func NewSession(logger *zap.Logger, kind SessionKind, userID string, params *sync.Map) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if params == nil {
		params = &sync.Map{}
	}
	id := uuid.NewString()
	s := &Session{
		ID:         id,
		UserID:     userID,
		RemoteAddr: GetRemoteAddr(params),
		Kind:       kind,
		CreatedAt:  time.Now(),
		Params:     params,
		done:       make(chan struct{}),
		output:     make(chan []byte, defaultOutputBuffer),
		logger:     logger.With(zap.String("sessionID", id), zap.String("kind", string(kind))),
	}
	s.UpdateLastActivity()
	return s
}

// Send queues one frame for the write loop without blocking.
func (s *Session) Send(data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.output <- data:
		return nil
	default:
		s.logger.Warn("Dropping outbound frame, output channel full", zap.Int("size", len(data)))
		return ErrOutputChannelFull
	}
}

// Output is drained by the connection's write loop.
func (s *Session) Output() <-chan []byte {
	return s.output
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// OnClose registers fn to run once the session is closed. If the session is
// already closed fn runs immediately.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if !s.closed {
		s.onClose = append(s.onClose, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// Close marks the session closed and runs the close hooks. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	s.logger.Debug("Session closed")
	return nil
}

func (s *Session) UpdateLastActivity() {
	s.lastActivity.Store(time.Now())
}

func (s *Session) GetLastActivity() time.Time {
	return s.lastActivity.Load().(time.Time)
}

// AttachStream marks a live event stream on the session until the returned
// func is called. Sessions with a live stream are never idle.
func (s *Session) AttachStream() (detach func()) {
	s.streams.Add(1)
	s.UpdateLastActivity()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.streams.Add(-1)
			s.UpdateLastActivity()
		})
	}
}

func (s *Session) HasStream() bool {
	return s.streams.Load() > 0
}

func (s *Session) Logger() *zap.Logger {
	return s.logger
}
