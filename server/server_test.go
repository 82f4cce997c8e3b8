package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudide/wsrpc/client"
	"github.com/cloudide/wsrpc/server"
	"github.com/cloudide/wsrpc/server/extra"
	"github.com/cloudide/wsrpc/shared"
	"github.com/cloudide/wsrpc/shared/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startServer(t *testing.T, cfg *config.InternalConfig, options ...server.ServerOption) *server.ServerBuilder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	options = append([]server.ServerOption{server.WithListenAddr("127.0.0.1:0")}, options...)
	b, err := server.Build(ctx, zap.NewNop(), cfg, options...)
	require.NoError(t, err)
	errs, err := b.Serve()
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		timeout := time.After(5 * time.Second)
		for {
			select {
			case err, ok := <-errs:
				if !ok {
					return
				}
				t.Errorf("server error: %v", err)
			case <-timeout:
				t.Error("server did not stop")
				return
			}
		}
	})
	return b
}

func dial(t *testing.T, b *server.ServerBuilder, options ...client.Option) *client.Client {
	t.Helper()
	options = append([]client.Option{client.WithHeartbeatInterval(0)}, options...)
	c, err := client.New(context.Background(), zap.NewNop(), "ws://"+b.Addr()+config.DefaultWebSocketPath, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBuiltinMethods(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.ServerNameValue = "ide-backend"
	cfg.ServerVersionValue = "1.2.3"
	b := startServer(t, cfg)
	c := dial(t, b)

	pong, err := client.Call[map[string]string](callCtx(t), c, server.MethodPing, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", pong["text"])

	info, err := client.Call[server.ServerInfo](callCtx(t), c, server.MethodServerInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, server.ServerInfo{Name: "ide-backend", Version: "1.2.3"}, info)
}

func TestOptionHandlersOverrideBuiltins(t *testing.T) {
	b := startServer(t, config.NewInternalConfig(),
		server.WithRequestHandler(server.MethodPing, shared.NewRequestHandlerNoParams(func(ctx context.Context, endpointID string) (string, error) {
			return "custom", nil
		})),
	)
	c := dial(t, b)

	pong, err := client.Call[map[string]string](callCtx(t), c, server.MethodPing, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom", pong["text"])
}

func TestUnknownMethod(t *testing.T) {
	b := startServer(t, config.NewInternalConfig())
	c := dial(t, b)

	_, err := client.Call[json.RawMessage](callCtx(t), c, "workspace/unknown", nil)
	var rpcErr *shared.JSONRPCError
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, shared.JSONRPCErrorMethodNotFound, rpcErr.Code)
}

func TestAllowedMethods(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.AllowedMethodsValue = []string{"ping"}
	b := startServer(t, cfg)
	c := dial(t, b)

	_, err := client.Call[map[string]string](callCtx(t), c, server.MethodPing, nil)
	require.NoError(t, err)

	_, err = client.Call[server.ServerInfo](callCtx(t), c, server.MethodServerInfo, nil)
	var rpcErr *shared.JSONRPCError
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, shared.JSONRPCErrorMethodNotFound, rpcErr.Code)
}

type buildContext struct {
	Project string `json:"project"`
}

type buildEvent struct {
	Project string `json:"project"`
	Status  string `json:"status"`
}

func TestSubscriptionRoundTrip(t *testing.T) {
	subscribed := make(chan shared.EventTransmitter, 1)
	unsubscribed := make(chan string, 1)
	b := startServer(t, config.NewInternalConfig(),
		server.WithSubscription("build/status", shared.SubscriptionHandler[buildContext]{
			OnSubscribe: func(ctx context.Context, endpointID string, subCtx buildContext, events shared.EventTransmitter) error {
				subscribed <- events
				return nil
			},
			OnUnsubscribe: func(ctx context.Context, endpointID string, subCtx buildContext) {
				unsubscribed <- subCtx.Project
			},
		}),
	)
	c := dial(t, b)

	received := make(chan buildEvent, 1)
	err := c.Subscribe(callCtx(t), "build/status", buildContext{Project: "api"}, func(event *shared.Params) {
		var e buildEvent
		if event.As(&e) == nil {
			received <- e
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Manager().Subscriptions().Count())

	events := <-subscribed
	events(buildEvent{Project: "api", Status: "passed"})
	select {
	case e := <-received:
		assert.Equal(t, buildEvent{Project: "api", Status: "passed"}, e)
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}

	require.NoError(t, c.Unsubscribe(callCtx(t), "build/status", buildContext{Project: "api"}))
	assert.Equal(t, "api", <-unsubscribed)
	assert.Equal(t, 0, b.Manager().Subscriptions().Count())
}

func TestServerCallsClient(t *testing.T) {
	endpoints := make(chan string, 1)
	b := startServer(t, config.NewInternalConfig(),
		server.WithRequestHandler("session/hello", shared.NewRequestHandlerNoParams(func(ctx context.Context, endpointID string) (interface{}, error) {
			endpoints <- endpointID
			return nil, nil
		})),
	)
	c := dial(t, b)
	c.HandleRequest("editor/openFiles", shared.NewRequestHandlerNoParams(func(ctx context.Context, endpointID string) ([]string, error) {
		return []string{"main.go", "go.mod"}, nil
	}))
	notified := make(chan string, 1)
	c.HandleNotification("terminal/output", shared.NewNotificationHandler(func(ctx context.Context, endpointID string, params map[string]string) error {
		notified <- params["line"]
		return nil
	}))

	_, err := client.Call[json.RawMessage](callCtx(t), c, "session/hello", nil)
	require.NoError(t, err)
	endpointID := <-endpoints

	files, err := shared.Call[[]string](callCtx(t), b.Manager(), endpointID, "editor/openFiles", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "go.mod"}, files)

	require.NoError(t, b.Manager().Notify(callCtx(t), endpointID, "terminal/output", map[string]string{"line": "$ go test"}))
	select {
	case line := <-notified:
		assert.Equal(t, "$ go test", line)
	case <-time.After(3 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestStatusEndpoint(t *testing.T) {
	b := startServer(t, config.NewInternalConfig())
	dial(t, b)
	require.Eventually(t, func() bool { return b.Sessions().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + b.Addr() + server.StatusPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status extra.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status.Config)
	assert.Equal(t, 1, status.Sessions)
}

func TestBuildValidation(t *testing.T) {
	_, err := server.Build(context.Background(), nil, config.NewInternalConfig())
	assert.Error(t, err)

	_, err = server.Build(context.Background(), zap.NewNop(), nil)
	assert.Error(t, err)

	_, err = server.Build(context.Background(), zap.NewNop(), config.NewInternalConfig(),
		server.WithRequestHandler("", nil))
	assert.Error(t, err)

	cfg := config.NewInternalConfig()
	cfg.AllowedMethodsValue = []string{"("}
	_, err = server.Build(context.Background(), zap.NewNop(), cfg)
	assert.Error(t, err, "invalid method pattern")
}

func TestStartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errs, err := server.Start(ctx, zap.NewNop(), config.NewInternalConfig(), server.WithListenAddr("127.0.0.1:0"))
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-errs:
		for ok {
			_, ok = <-errs
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestSessionCloseFromServer(t *testing.T) {
	b := startServer(t, config.NewInternalConfig())
	var reconnects atomic.Int32
	c := dial(t, b,
		client.WithReconnectInterval(20*time.Millisecond),
		client.WithOnReconnect(func() { reconnects.Add(1) }),
	)
	require.Eventually(t, func() bool { return b.Sessions().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Sessions().CloseAllSessions()
	assert.Eventually(t, func() bool { return reconnects.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, c.Connected())
}
