package validators

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/cloudide/wsrpc/shared"
)

// MethodValidator rejects requests and notifications whose method matches
// none of the allowed patterns. Patterns are anchored regular expressions; an
// empty list allows every method. Responses carry no method and always pass.
type MethodValidator struct {
	allowed []*regexp.Regexp
	mu      sync.RWMutex
}

func NewMethodValidator(patterns ...string) (*MethodValidator, error) {
	v := &MethodValidator{}
	if err := v.SetAllowed(patterns...); err != nil {
		return nil, err
	}
	return v, nil
}

// SetAllowed replaces the allowed patterns.
func (v *MethodValidator) SetAllowed(patterns ...string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return fmt.Errorf("invalid allowed method pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	v.mu.Lock()
	v.allowed = compiled
	v.mu.Unlock()
	return nil
}

// Validate implements the MessageValidator interface
func (v *MethodValidator) Validate(msg *shared.Message) error {
	if msg.Method == nil {
		if msg.ID.IsEmpty() {
			return fmt.Errorf("method and id is empty")
		}
		return nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.allowed) == 0 {
		return nil
	}
	for _, re := range v.allowed {
		if re.MatchString(*msg.Method) {
			return nil
		}
	}
	return shared.MethodNotFound(*msg.Method)
}
