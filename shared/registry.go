package shared

import (
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"
)

type patternHandler struct {
	pattern string
	re      *regexp.Regexp
	handler Handler
}

// MethodRegistry maps method names and method name patterns to handlers.
type MethodRegistry struct {
	mu       sync.RWMutex
	exact    map[string][]Handler
	patterns []patternHandler
	logger   *zap.Logger
}

func NewMethodRegistry(logger *zap.Logger) *MethodRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MethodRegistry{
		exact:  make(map[string][]Handler),
		logger: logger,
	}
}

// Register adds a handler for an exact method name.
func (r *MethodRegistry) Register(method string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[method] = append(r.exact[method], handler)
	r.logger.Debug("Registered handler", zap.String("method", method))
}

// RegisterPattern adds a handler for every method matching the regular
// expression. The pattern must match the whole method name.
func (r *MethodRegistry) RegisterPattern(pattern string, handler Handler) error {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return fmt.Errorf("invalid method pattern %q: %w", pattern, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, patternHandler{pattern: pattern, re: re, handler: handler})
	r.logger.Debug("Registered pattern handler", zap.String("pattern", pattern))
	return nil
}

// Unregister removes the exact handlers for method and any pattern with the
// same text.
func (r *MethodRegistry) Unregister(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.exact, method)
	kept := r.patterns[:0]
	for _, p := range r.patterns {
		if p.pattern != method {
			kept = append(kept, p)
		}
	}
	r.patterns = kept
}

// Match returns exact handlers first, then pattern handlers, each in
// registration order.
func (r *MethodRegistry) Match(method string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handlers := append([]Handler(nil), r.exact[method]...)
	for _, p := range r.patterns {
		if p.re.MatchString(method) {
			handlers = append(handlers, p.handler)
		}
	}
	return handlers
}

// Methods lists the exact method names and patterns.
func (r *MethodRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.exact)+len(r.patterns))
	for method := range r.exact {
		methods = append(methods, method)
	}
	for _, p := range r.patterns {
		methods = append(methods, p.pattern)
	}
	return methods
}

// ReceiverRegistry maps method names to response receivers (exact match only).
type ReceiverRegistry struct {
	mu        sync.RWMutex
	receivers map[string][]ResponseReceiver
}

func NewReceiverRegistry() *ReceiverRegistry {
	return &ReceiverRegistry{receivers: make(map[string][]ResponseReceiver)}
}

func (r *ReceiverRegistry) Register(method string, receiver ResponseReceiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receivers[method] = append(r.receivers[method], receiver)
}

func (r *ReceiverRegistry) Match(method string) []ResponseReceiver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ResponseReceiver(nil), r.receivers[method]...)
}
