package shared

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Future is the pending result of an outbound request.
type Future[T any] struct {
	id         string
	endpointID string
	done       chan struct{}
	once       sync.Once
	value      T
	err        error
	cancel     func()
}

func newFuture[T any](endpointID, id string) *Future[T] {
	return &Future[T]{
		id:         id,
		endpointID: endpointID,
		done:       make(chan struct{}),
	}
}

func (f *Future[T]) ID() string { return f.id }

func (f *Future[T]) EndpointID() string { return f.endpointID }

// Done is closed once the future is resolved or rejected.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) resolve(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// complete resolves the future from a response message.
func (f *Future[T]) complete(msg *Message) {
	var value T
	if msg.Error != nil {
		f.resolve(value, msg.Error)
		return
	}
	if err := msg.Result.As(&value); err != nil {
		f.resolve(value, fmt.Errorf("decode result of request %s: %w", f.id, err))
		return
	}
	f.resolve(value, nil)
}

// Await blocks until the response arrives or ctx is done. When ctx wins the
// request is cancelled and its bookkeeping removed.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		f.Cancel()
		<-f.done
		return f.value, f.err
	}
}

// Cancel rejects the future with ErrRequestCancelled and drops its entries.
// It is a no-op on a completed future.
func (f *Future[T]) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
	var zero T
	f.resolve(zero, ErrRequestCancelled)
}

// Result returns the outcome without blocking; ok is false while pending.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		return value, nil, false
	}
}

type futureKey struct {
	endpointID string
	id         string
}

type pendingCall struct {
	method   string
	complete func(*Message)
	fail     func(error)
}

// FutureTable maps (endpoint, request id) to pending calls.
type FutureTable struct {
	mu      sync.Mutex
	entries map[futureKey]pendingCall
	logger  *zap.Logger
}

func NewFutureTable(logger *zap.Logger) *FutureTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FutureTable{
		entries: make(map[futureKey]pendingCall),
		logger:  logger,
	}
}

func (t *FutureTable) add(endpointID, id string, call pendingCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[futureKey{endpointID, id}] = call
}

func (t *FutureTable) take(endpointID, id string) (pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := futureKey{endpointID, id}
	call, ok := t.entries[key]
	if !ok {
		// requests sent without an endpoint are answered by whoever received them
		key = futureKey{"", id}
		call, ok = t.entries[key]
	}
	if ok {
		delete(t.entries, key)
	}
	return call, ok
}

// Complete resolves the call matching the response. It returns false when no
// call is pending for it.
func (t *FutureTable) Complete(msg *Message) bool {
	call, ok := t.take(msg.EndpointID, msg.ID.Key())
	if !ok {
		return false
	}
	t.logger.Debug("Completing pending call",
		zap.String("endpointID", msg.EndpointID),
		zap.String("message_id", msg.ID.Key()),
		zap.String("method", call.method),
	)
	call.complete(msg)
	return true
}

// Cancel rejects the call with err.
func (t *FutureTable) Cancel(endpointID, id string, err error) bool {
	call, ok := t.take(endpointID, id)
	if !ok {
		return false
	}
	call.fail(err)
	return true
}

// CancelID rejects every call with the given id regardless of endpoint.
func (t *FutureTable) CancelID(id string, err error) int {
	t.mu.Lock()
	var calls []pendingCall
	for key, call := range t.entries {
		if key.id == id {
			calls = append(calls, call)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, call := range calls {
		call.fail(err)
	}
	return len(calls)
}

// CancelAll rejects every pending call, used on shutdown.
func (t *FutureTable) CancelAll(err error) {
	t.mu.Lock()
	calls := t.entries
	t.entries = make(map[futureKey]pendingCall)
	t.mu.Unlock()

	for _, call := range calls {
		call.fail(err)
	}
}

func (t *FutureTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
