package shared

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Request holds information about a sent request.
type Request struct {
	Method    string
	Timestamp time.Time
	Deadline  time.Time // zero means no deadline
}

// RequestManager correlates outgoing request ids with the method that was
// called, since responses carry no method name.
type RequestManager struct {
	requests map[string]Request
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewRequestManager creates a new RequestManager instance.
func NewRequestManager(logger *zap.Logger) *RequestManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestManager{
		requests: make(map[string]Request),
		logger:   logger,
	}
}

// Register records id -> method until the response arrives or deadline passes.
func (rm *RequestManager) Register(id *RequestID, method string, deadline time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.requests[id.Key()] = Request{
		Method:    method,
		Timestamp: time.Now(),
		Deadline:  deadline,
	}
	rm.logger.Debug("Register", zap.String("message_id", id.Key()), zap.String("method", method), zap.Int("requests_len", len(rm.requests)))
}

// Extract removes and returns the method registered for id. Only the first
// caller for a given id gets ok == true.
func (rm *RequestManager) Extract(id *RequestID) (string, bool) {
	if id.IsEmpty() {
		return "", false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	request, exists := rm.requests[id.Key()]
	if !exists {
		return "", false
	}
	delete(rm.requests, id.Key())
	rm.logger.Debug("Extract", zap.String("message_id", id.Key()), zap.Int("requests_len", len(rm.requests)))
	return request.Method, true
}

// Remove drops id without reporting it.
func (rm *RequestManager) Remove(id *RequestID) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.requests, id.Key())
}

// Expire drops every entry whose deadline is before now and returns their ids.
func (rm *RequestManager) Expire(now time.Time) []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var expired []string
	for key, request := range rm.requests {
		if !request.Deadline.IsZero() && request.Deadline.Before(now) {
			expired = append(expired, key)
			delete(rm.requests, key)
		}
	}
	if len(expired) > 0 {
		rm.logger.Debug("Expired requests", zap.Strings("message_ids", expired), zap.Int("requests_len", len(rm.requests)))
	}
	return expired
}

func (rm *RequestManager) Len() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.requests)
}
