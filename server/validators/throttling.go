package validators

import (
	"sync"

	"github.com/cloudide/wsrpc/shared"
	"golang.org/x/time/rate"
)

var (
	ErrRPMExceeded = &shared.JSONRPCError{Code: shared.JSONRPCErrorServerError, Message: "RPM throttling limit exceeded"}
	ErrRPSExceeded = &shared.JSONRPCError{Code: shared.JSONRPCErrorServerError, Message: "RPS throttling limit exceeded"}
)

// Throttling limits the rate of inbound messages per endpoint using RPS
// (requests per second) and RPM (requests per minute). A zero limit is off.
type Throttling struct {
	rps      int
	rpm      int
	limiters sync.Map // endpointID -> *limiterPair
}

// limiterPair holds the RPS and RPM limiters of one endpoint
type limiterPair struct {
	rpsLimiter *rate.Limiter
	rpmLimiter *rate.Limiter
}

func NewThrottling(rps, rpm int) *Throttling {
	return &Throttling{rps: rps, rpm: rpm}
}

func (t *Throttling) getLimiters(endpointID string) *limiterPair {
	if value, ok := t.limiters.Load(endpointID); ok {
		return value.(*limiterPair)
	}

	pair := &limiterPair{}
	if t.rpm > 0 {
		pair.rpmLimiter = rate.NewLimiter(rate.Limit(t.rpm)/60.0, t.rpm)
	}
	if t.rps > 0 {
		pair.rpsLimiter = rate.NewLimiter(rate.Limit(t.rps), t.rps)
	}
	actual, _ := t.limiters.LoadOrStore(endpointID, pair)
	return actual.(*limiterPair)
}

// Forget drops the limiters of a closed endpoint.
func (t *Throttling) Forget(endpointID string) {
	t.limiters.Delete(endpointID)
}

// Validate implements the MessageValidator interface
func (t *Throttling) Validate(msg *shared.Message) error {
	pair := t.getLimiters(msg.EndpointID)

	if pair.rpmLimiter != nil && !pair.rpmLimiter.Allow() {
		return ErrRPMExceeded
	}
	if pair.rpsLimiter != nil && !pair.rpsLimiter.Allow() {
		return ErrRPSExceeded
	}
	return nil
}
