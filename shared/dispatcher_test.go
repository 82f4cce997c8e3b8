package shared_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudide/wsrpc/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, f frame) *shared.JSONRPCError {
	t.Helper()
	fields := f.fields(t)
	_, hasResult := fields["result"]
	assert.False(t, hasResult, "error response must not carry a result: %s", f.data)
	require.Contains(t, fields, "error")
	var rpcErr shared.JSONRPCError
	require.NoError(t, json.Unmarshal(fields["error"], &rpcErr))
	return &rpcErr
}

func TestDispatch_MethodNotFound(t *testing.T) {
	transport := newRecordingTransport()
	m := newTestManager(t, transport)

	require.NoError(t, m.Dispatch(testContext(t), "E1", []byte(`{"jsonrpc":"2.0","id":"1","method":"nope"}`)))

	f := transport.next(t)
	assert.Equal(t, "E1", f.endpointID)
	rpcErr := decodeError(t, f)
	assert.Equal(t, shared.JSONRPCErrorMethodNotFound, rpcErr.Code)
	assert.Equal(t, "Method not found: nope", rpcErr.Message)
	assert.JSONEq(t, `"1"`, string(f.fields(t)["id"]))
}

func TestDispatch_RequestHandlers(t *testing.T) {
	transport := newRecordingTransport()
	m := newTestManager(t, transport)

	type addParams struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	m.HandleRequest("add", shared.NewRequestHandler(func(ctx context.Context, endpointID string, p addParams) (int, error) {
		return p.A + p.B, nil
	}))
	m.HandleRequest("whoami", shared.NewRequestHandlerNoParams(func(ctx context.Context, endpointID string) (string, error) {
		return endpointID, nil
	}))
	m.HandleRequest("fail", shared.NewRequestHandlerNoParams(func(ctx context.Context, endpointID string) (interface{}, error) {
		return nil, &shared.JSONRPCError{Code: 4001, Message: "denied"}
	}))

	ctx := testContext(t)
	t.Run("typed params and result", func(t *testing.T) {
		require.NoError(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","id":"1","method":"add","params":{"a":1,"b":2}}`)))
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":"1","result":[3]}`, string(transport.next(t).data))
	})
	t.Run("string result is wrapped", func(t *testing.T) {
		require.NoError(t, m.Dispatch(ctx, "E2", []byte(`{"jsonrpc":"2.0","id":2,"method":"whoami"}`)))
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"result":{"text":"E2"}}`, string(transport.next(t).data))
	})
	t.Run("invalid params", func(t *testing.T) {
		require.NoError(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","id":"3","method":"add","params":["x"]}`)))
		assert.Equal(t, shared.JSONRPCErrorInvalidParams, decodeError(t, transport.next(t)).Code)
	})
	t.Run("protocol error passes through", func(t *testing.T) {
		require.NoError(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","id":"4","method":"fail"}`)))
		rpcErr := decodeError(t, transport.next(t))
		assert.Equal(t, 4001, rpcErr.Code)
		assert.Equal(t, "denied", rpcErr.Message)
	})
}

func TestDispatch_PanicBecomesInternalError(t *testing.T) {
	transport := newRecordingTransport()
	m := newTestManager(t, transport)
	m.HandleRequest("boom", shared.HandlerFunc(func(ctx context.Context, msg *shared.Message) (interface{}, error) {
		panic("kaboom")
	}))
	m.HandleRequest("ok", shared.HandlerFunc(func(ctx context.Context, msg *shared.Message) (interface{}, error) {
		return nil, nil
	}))

	ctx := testContext(t)
	require.NoError(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","id":"1","method":"boom"}`)))
	rpcErr := decodeError(t, transport.next(t))
	assert.Equal(t, shared.JSONRPCErrorInternal, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "kaboom")

	require.NoError(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","id":"2","method":"ok"}`)))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"2","result":{}}`, string(transport.next(t).data))
}

func TestDispatch_FirstMatchWins(t *testing.T) {
	transport := newRecordingTransport()
	m := newTestManager(t, transport)

	reply := func(text string) shared.Handler {
		return shared.HandlerFunc(func(ctx context.Context, msg *shared.Message) (interface{}, error) {
			return text, nil
		})
	}
	require.NoError(t, m.HandlePattern("fs/.*", reply("pattern")))
	m.HandleRequest("fs/read", reply("exact"))
	m.HandleRequest("fs/read", reply("second"))

	ctx := testContext(t)
	require.NoError(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","id":"1","method":"fs/read"}`)))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"1","result":{"text":"exact"}}`, string(transport.next(t).data))

	require.NoError(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","id":"2","method":"fs/write"}`)))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"2","result":{"text":"pattern"}}`, string(transport.next(t).data))

	require.NoError(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","id":"3","method":"xfs/write"}`)))
	assert.Equal(t, shared.JSONRPCErrorMethodNotFound, decodeError(t, transport.next(t)).Code)
}

func TestDispatch_NotificationFanOut(t *testing.T) {
	transport := newRecordingTransport()
	m := newTestManager(t, transport)

	type change struct {
		Path string `json:"path"`
	}
	seen := make(chan string, 4)
	for _, name := range []string{"first", "second"} {
		name := name
		m.HandleNotification("file/changed", shared.NewNotificationHandler(func(ctx context.Context, endpointID string, c change) error {
			seen <- name + ":" + endpointID + ":" + c.Path
			return nil
		}))
	}

	ctx := testContext(t)
	require.NoError(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","method":"file/changed","params":{"path":"/a"}}`)))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case s := <-seen:
			got = append(got, s)
		case <-time.After(2 * time.Second):
			t.Fatal("notification handler not called")
		}
	}
	assert.ElementsMatch(t, []string{"first:E1:/a", "second:E1:/a"}, got)

	require.NoError(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","method":"unknown/event"}`)))
	transport.expectNone(t, 50*time.Millisecond)
}

func TestDispatch_ResponseFanOut(t *testing.T) {
	transport := newRecordingTransport()
	m := newTestManager(t, transport)

	type payload struct {
		X int `json:"x"`
	}
	received := make(chan string, 4)
	for _, name := range []string{"R1", "R2"} {
		name := name
		m.HandleResponse("foo", shared.NewResponseReceiver(func(ctx context.Context, endpointID string, result payload, err error) {
			assert.NoError(t, err)
			assert.Equal(t, 1, result.X)
			received <- name
		}))
	}

	m.Requests().Register(shared.NewRequestID("7"), "foo", time.Time{})
	ctx := testContext(t)
	require.NoError(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","id":"7","result":{"x":1}}`)))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case name := <-received:
			got = append(got, name)
		case <-time.After(2 * time.Second):
			t.Fatal("response receiver not called")
		}
	}
	assert.ElementsMatch(t, []string{"R1", "R2"}, got)
	assert.Zero(t, m.Requests().Len())

	// a second response with the same id is unknown now
	require.NoError(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","id":"7","result":{"x":1}}`)))
	select {
	case name := <-received:
		t.Fatalf("receiver %s called for an already correlated id", name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatch_ResponseFromOtherEndpoint(t *testing.T) {
	transport := newRecordingTransport()
	m := newTestManager(t, transport)

	future, err := shared.TransmitRequest[string](context.Background(), m.Transmitter(), "E1", "workspace/root", nil)
	require.NoError(t, err)
	assert.Equal(t, "E1", transport.next(t).endpointID)

	response := fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":"/tmp"}`, future.ID())
	require.NoError(t, m.Dispatch(context.Background(), "E2", []byte(response)))

	_, err = future.Await(testContext(t))
	assert.ErrorIs(t, err, shared.ErrUnexpectedResponder)
	assert.Zero(t, m.Futures().Len())
	assert.Zero(t, m.Requests().Len())
}

func TestDispatch_UnclassifiableFramesAreDropped(t *testing.T) {
	transport := newRecordingTransport()
	m := newTestManager(t, transport)

	ctx := testContext(t)
	assert.ErrorIs(t, m.Dispatch(ctx, "E1", []byte(`[{"jsonrpc":"2.0","method":"a"}]`)), shared.ErrProtocol)
	assert.ErrorIs(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0"}`)), shared.ErrProtocol)
	assert.ErrorIs(t, m.Dispatch(ctx, "E1", []byte(`{{`)), shared.ErrParse)
	transport.expectNone(t, 50*time.Millisecond)
}

type rejectMethod struct {
	method string
	err    error
}

func (v rejectMethod) Validate(msg *shared.Message) error {
	if msg.Method != nil && *msg.Method == v.method {
		return v.err
	}
	return nil
}

func TestDispatch_Validators(t *testing.T) {
	transport := newRecordingTransport()
	m := newTestManager(t, transport)

	var calls atomic.Int32
	m.HandleRequest("blocked", shared.HandlerFunc(func(ctx context.Context, msg *shared.Message) (interface{}, error) {
		calls.Add(1)
		return nil, nil
	}))
	m.AddValidator(
		rejectMethod{method: "blocked", err: errors.New("not allowed")},
		rejectMethod{method: "throttled", err: &shared.JSONRPCError{Code: shared.JSONRPCErrorServerError, Message: "slow down"}},
	)

	ctx := testContext(t)
	assert.Error(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","id":"1","method":"blocked"}`)))
	rpcErr := decodeError(t, transport.next(t))
	assert.Equal(t, shared.JSONRPCErrorInvalidRequest, rpcErr.Code)
	assert.Equal(t, "not allowed", rpcErr.Message)

	assert.Error(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","id":"2","method":"throttled"}`)))
	assert.Equal(t, shared.JSONRPCErrorServerError, decodeError(t, transport.next(t)).Code)

	assert.Error(t, m.Dispatch(ctx, "E1", []byte(`{"jsonrpc":"2.0","method":"blocked"}`)))
	transport.expectNone(t, 50*time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestCall_BetweenManagers(t *testing.T) {
	toServer := &loopbackTransport{from: "client-1"}
	toClient := &loopbackTransport{from: "server"}
	server := newTestManager(t, toClient)
	client := newTestManager(t, toServer)
	toServer.peer = server
	toClient.peer = client

	type addParams struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	server.HandleRequest("add", shared.NewRequestHandler(func(ctx context.Context, endpointID string, p addParams) (int, error) {
		assert.Equal(t, "client-1", endpointID)
		return p.A + p.B, nil
	}))

	ctx := testContext(t)
	sum, err := shared.Call[int](ctx, client, "server", "add", addParams{A: 1, B: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, sum)

	_, err = shared.Call[int](ctx, client, "server", "missing", nil)
	var rpcErr *shared.JSONRPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, shared.JSONRPCErrorMethodNotFound, rpcErr.Code)
	assert.Zero(t, client.Futures().Len())
}

func TestManager_ShutdownRejectsPendingCalls(t *testing.T) {
	transport := newRecordingTransport()
	m := newTestManager(t, transport)

	future, err := shared.TransmitRequest[string](context.Background(), m.Transmitter(), "E1", "slow", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"slow"`, string(transport.next(t).fields(t)["method"]))

	require.NoError(t, m.Shutdown(context.Background()))
	_, err = future.Await(testContext(t))
	assert.ErrorIs(t, err, shared.ErrRequestCancelled)

	require.NoError(t, m.Dispatch(context.Background(), "E1", []byte(`{"jsonrpc":"2.0","id":"1","method":"ping"}`)))
	rpcErr := decodeError(t, transport.next(t))
	assert.Equal(t, shared.JSONRPCErrorMethodNotFound, rpcErr.Code)
}

func TestManager_Options(t *testing.T) {
	_, err := shared.NewManager(nil, newRecordingTransport(), shared.WithSweepInterval(0))
	assert.Error(t, err)
	_, err = shared.NewManager(nil, nil)
	assert.Error(t, err)

	m, err := shared.NewManager(nil, newRecordingTransport(),
		shared.WithRequestTimeout(time.Second),
		shared.WithMaxWorkers(2),
		shared.WithShutdownTimeout(time.Second),
		shared.WithEnvelopeMode(true),
	)
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_RunStopsWithContext(t *testing.T) {
	m := newTestManager(t, newRecordingTransport(), shared.WithSweepInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
