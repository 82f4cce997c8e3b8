package transport_test

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloudide/wsrpc/server/transport"
	"github.com/cloudide/wsrpc/shared/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func createDummyMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestStartHTTPServer_HTTPMode(t *testing.T) {
	logger := zap.NewNop()
	cfg := config.NewInternalConfig()
	cfg.ServerAddress = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, errChan, err := transport.StartHTTPServer(ctx, logger, cfg, createDummyMux(), "")
	require.NoError(t, err)
	require.NotNil(t, server)
	require.NotNil(t, errChan)
	defer server.Shutdown(context.Background())

	_, port, err := net.SplitHostPort(server.Addr)
	require.NoError(t, err)
	assert.NotEqual(t, "0", port, "bound port is resolved")
	assert.Nil(t, server.TLSConfig)

	resp, err := http.Get("http://" + server.Addr + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case err := <-errChan:
		t.Fatalf("Listener unexpectedly failed: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartHTTPServer_OverwriteListenAddr(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.ServerAddress = "256.0.0.1:1"

	server, _, err := transport.StartHTTPServer(context.Background(), zap.NewNop(), cfg, createDummyMux(), "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Shutdown(context.Background())
	assert.True(t, strings.HasPrefix(server.Addr, "127.0.0.1:"))
}

func TestStartHTTPServer_BindFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	cfg := config.NewInternalConfig()
	_, _, err = transport.StartHTTPServer(context.Background(), zap.NewNop(), cfg, createDummyMux(), listener.Addr().String())
	assert.Error(t, err)
}

func TestStartHTTPServer_ManualTLSMode(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewInternalConfig()
	cfg.ServerAddress = "127.0.0.1:0"
	cfg.SSLEnabledValue = true
	cfg.SSLModeValue = "manual"
	cfg.SSLCertFileValue = filepath.Join(dir, "cert.pem")
	cfg.SSLKeyFileValue = filepath.Join(dir, "key.pem")

	_, listenerErrChan, err := transport.StartHTTPServer(context.Background(), zap.NewNop(), cfg, createDummyMux(), "")
	require.NoError(t, err, "certificate files are read by the listener")
	err = <-listenerErrChan
	require.Error(t, err, "listener fails without certificate files")
	assert.Contains(t, err.Error(), "cert")
}

func TestStartHTTPServer_ManualTLSModeMissingPaths(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.ServerAddress = "127.0.0.1:0"
	cfg.SSLEnabledValue = true
	cfg.SSLModeValue = "manual"

	_, _, err := transport.StartHTTPServer(context.Background(), zap.NewNop(), cfg, createDummyMux(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssl.cert_file")
}

func TestStartHTTPServer_ACMEModeRequiresDomains(t *testing.T) {
	cfg := config.NewInternalConfig()
	cfg.ServerAddress = "127.0.0.1:0"
	cfg.SSLEnabledValue = true
	cfg.SSLModeValue = "acme"
	cfg.SSLAcmeCacheDirValue = t.TempDir()

	_, _, err := transport.StartHTTPServer(context.Background(), zap.NewNop(), cfg, createDummyMux(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssl.acme_domains")
}

func TestStartHTTPServer_MissingParameters(t *testing.T) {
	t.Run("NilLogger", func(t *testing.T) {
		_, _, err := transport.StartHTTPServer(context.Background(), nil, config.NewInternalConfig(), createDummyMux(), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger cannot be nil")
	})

	t.Run("NilConfig", func(t *testing.T) {
		_, _, err := transport.StartHTTPServer(context.Background(), zap.NewNop(), nil, createDummyMux(), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config cannot be nil")
	})

	t.Run("NilHandler", func(t *testing.T) {
		_, _, err := transport.StartHTTPServer(context.Background(), zap.NewNop(), config.NewInternalConfig(), nil, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "http handler")
	})
}

func TestShutdownHTTPServer(t *testing.T) {
	logger := zap.NewNop()
	cfg := config.NewInternalConfig()
	server, errChan, err := transport.StartHTTPServer(context.Background(), logger, cfg, createDummyMux(), "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, transport.ShutdownHTTPServer(ctx, logger, server))

	_, open := <-errChan
	assert.False(t, open, "listener channel closes after graceful shutdown")

	assert.NoError(t, transport.ShutdownHTTPServer(ctx, logger, nil))
}
