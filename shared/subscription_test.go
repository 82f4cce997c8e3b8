package shared_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cloudide/wsrpc/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fileContext struct {
	Path string `json:"path"`
}

type fileEvent struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
}

type fileSubscriptions struct {
	mu           sync.Mutex
	subscribed   []string
	emitters     map[string]shared.EventTransmitter
	unsubscribed atomic.Int32
	rejectPath   string
}

func (f *fileSubscriptions) handler() shared.SubscriptionHandler[fileContext] {
	return shared.SubscriptionHandler[fileContext]{
		OnSubscribe: func(ctx context.Context, endpointID string, subCtx fileContext, events shared.EventTransmitter) error {
			if subCtx.Path == f.rejectPath && f.rejectPath != "" {
				return &shared.JSONRPCError{Code: shared.JSONRPCErrorInvalidParams, Message: "cannot watch " + subCtx.Path}
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			f.subscribed = append(f.subscribed, endpointID+":"+subCtx.Path)
			f.emitters[endpointID+":"+subCtx.Path] = events
			return nil
		},
		OnUnsubscribe: func(ctx context.Context, endpointID string, subCtx fileContext) {
			f.unsubscribed.Add(1)
		},
	}
}

func (f *fileSubscriptions) emitter(key string) shared.EventTransmitter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emitters[key]
}

func setupFileSubscriptions(t *testing.T) (*shared.Manager, *recordingTransport, *fileSubscriptions) {
	t.Helper()
	transport := newRecordingTransport()
	m := newTestManager(t, transport)
	subs := &fileSubscriptions{emitters: make(map[string]shared.EventTransmitter)}
	require.NoError(t, shared.Subscribe(m, "file/modification", subs.handler()))
	return m, transport, subs
}

func dispatchAndWait(t *testing.T, m *shared.Manager, transport *recordingTransport, endpointID, raw string) frame {
	t.Helper()
	require.NoError(t, m.Dispatch(testContext(t), endpointID, []byte(raw)))
	return transport.next(t)
}

func subscribeRequest(id int, path string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":"%d","method":"subscribe/file/modification","params":{"path":%q}}`, id, path)
}

func TestSubscription_Lifecycle(t *testing.T) {
	m, transport, subs := setupFileSubscriptions(t)

	f := dispatchAndWait(t, m, transport, "E1", subscribeRequest(1, "/a"))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"1","result":{}}`, string(f.data))
	assert.Equal(t, 1, m.Subscriptions().Count())
	assert.Equal(t, []string{"E1"}, m.Subscriptions().Endpoints())
	assert.Equal(t, []string{"file/modification"}, m.Subscriptions().Subscriptions("E1"))

	events := subs.emitter("E1:/a")
	require.NotNil(t, events)
	events(fileEvent{Path: "/a", Operation: "write"})
	f = transport.next(t)
	assert.Equal(t, "E1", f.endpointID)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"publish/file/modification","params":{"path":"/a","operation":"write"}}`, string(f.data))

	transport.setClosed("E1", true)
	m.Subscriptions().Sweep()
	assert.Zero(t, subs.unsubscribed.Load(), "first sweep only marks the endpoint")
	assert.Equal(t, 1, m.Subscriptions().Count())

	m.Subscriptions().Sweep()
	assert.Equal(t, int32(1), subs.unsubscribed.Load())
	assert.Zero(t, m.Subscriptions().Count())
	assert.Empty(t, m.Subscriptions().Endpoints())

	m.Subscriptions().Sweep()
	assert.Equal(t, int32(1), subs.unsubscribed.Load(), "unsubscribe runs exactly once")
}

func TestSubscription_ReopenedEndpointSurvives(t *testing.T) {
	m, transport, subs := setupFileSubscriptions(t)
	dispatchAndWait(t, m, transport, "E1", subscribeRequest(1, "/a"))

	transport.setClosed("E1", true)
	m.Subscriptions().Sweep()
	transport.setClosed("E1", false)
	m.Subscriptions().Sweep()
	m.Subscriptions().Sweep()

	assert.Zero(t, subs.unsubscribed.Load())
	assert.Equal(t, 1, m.Subscriptions().Count())
}

func TestSubscription_DuplicateIsNoop(t *testing.T) {
	m, transport, subs := setupFileSubscriptions(t)

	dispatchAndWait(t, m, transport, "E1", subscribeRequest(1, "/a"))
	f := dispatchAndWait(t, m, transport, "E1", subscribeRequest(2, "/a"))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"2","result":{}}`, string(f.data))

	assert.Equal(t, 1, m.Subscriptions().Count())
	subs.mu.Lock()
	assert.Equal(t, []string{"E1:/a"}, subs.subscribed)
	subs.mu.Unlock()

	dispatchAndWait(t, m, transport, "E2", subscribeRequest(3, "/a"))
	assert.Equal(t, 2, m.Subscriptions().Count())
}

func TestSubscription_Unsubscribe(t *testing.T) {
	m, transport, subs := setupFileSubscriptions(t)
	dispatchAndWait(t, m, transport, "E1", subscribeRequest(1, "/a"))
	dispatchAndWait(t, m, transport, "E1", subscribeRequest(2, "/b"))
	dispatchAndWait(t, m, transport, "E1", subscribeRequest(3, "/c"))
	require.Equal(t, 3, m.Subscriptions().Count())

	f := dispatchAndWait(t, m, transport, "E1",
		`{"jsonrpc":"2.0","id":"4","method":"unsubscribe/file/modification","params":{"path":"/a"}}`)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"4","result":{}}`, string(f.data))
	assert.Equal(t, 2, m.Subscriptions().Count())
	assert.Equal(t, int32(1), subs.unsubscribed.Load())

	dispatchAndWait(t, m, transport, "E1", `{"jsonrpc":"2.0","id":"5","method":"unsubscribe/file/modification"}`)
	assert.Zero(t, m.Subscriptions().Count())
	assert.Equal(t, int32(3), subs.unsubscribed.Load())
	assert.Empty(t, m.Subscriptions().Endpoints())
}

func TestSubscription_RejectedSubscribe(t *testing.T) {
	m, transport, subs := setupFileSubscriptions(t)
	subs.rejectPath = "/secret"

	f := dispatchAndWait(t, m, transport, "E1", subscribeRequest(1, "/secret"))
	rpcErr := decodeError(t, f)
	assert.Equal(t, shared.JSONRPCErrorInvalidParams, rpcErr.Code)
	assert.Zero(t, m.Subscriptions().Count())
	assert.Empty(t, m.Subscriptions().Endpoints())
}

func TestSubscription_RegisterTwice(t *testing.T) {
	m, _, subs := setupFileSubscriptions(t)
	err := shared.Subscribe(m, "file/modification", subs.handler())
	assert.True(t, errors.Is(err, shared.ErrSubscriptionExists))
	assert.Error(t, shared.Subscribe(m, "", subs.handler()))
}

func TestSubscription_WithoutContext(t *testing.T) {
	transport := newRecordingTransport()
	m := newTestManager(t, transport)

	var subscribed atomic.Int32
	require.NoError(t, shared.Subscribe(m, "workspace/status", shared.SubscriptionHandler[struct{}]{
		OnSubscribe: func(ctx context.Context, endpointID string, _ struct{}, events shared.EventTransmitter) error {
			subscribed.Add(1)
			return nil
		},
	}))

	dispatchAndWait(t, m, transport, "E1", `{"jsonrpc":"2.0","id":"1","method":"subscribe/workspace/status"}`)
	dispatchAndWait(t, m, transport, "E1", `{"jsonrpc":"2.0","id":"2","method":"subscribe/workspace/status","params":{}}`)
	assert.Equal(t, int32(1), subscribed.Load())
	assert.Equal(t, 1, m.Subscriptions().Count())

	dispatchAndWait(t, m, transport, "E1", `{"jsonrpc":"2.0","id":"3","method":"unsubscribe/workspace/status"}`)
	assert.Zero(t, m.Subscriptions().Count())
}
