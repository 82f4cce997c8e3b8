package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cloudide/wsrpc/server/transport"
	"github.com/cloudide/wsrpc/shared/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Start builds the server and serves it until ctx is done. The returned
// channel reports listener and background loop failures and is closed after
// shutdown completes.
func Start(ctx context.Context, logger *zap.Logger, cfg config.IConfig, options ...ServerOption) (<-chan error, error) {
	builder, err := Build(ctx, logger, cfg, options...)
	if err != nil {
		return nil, err
	}
	return builder.Serve()
}

// Serve starts the HTTP listener, the sweep and expiry loop, the idle session
// cleanup and the file watcher.
func (b *ServerBuilder) Serve() (<-chan error, error) {
	server, listenerErrChan, err := transport.StartHTTPServer(b.ctx, b.logger, b.cfg, b.mux, b.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP server: %w", err)
	}
	b.mu.Lock()
	b.server = server
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(b.ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return b.manager.Run(gctx)
	})
	g.Go(func() error {
		b.transport.RunSessionCleanup(gctx)
		return nil
	})
	if b.watcher != nil {
		g.Go(func() error {
			return b.watcher.Run(gctx)
		})
	}

	errs := make(chan error, 2)
	go func() {
		defer close(errs)
		select {
		case err, ok := <-listenerErrChan:
			if ok && err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error("Server listener failed", zap.Error(err))
				errs <- err
			}
		case <-gctx.Done():
			b.logger.Info("Shutdown signal received, stopping server...")
		}
		cancel()
		b.shutdown(server)
		if err := g.Wait(); err != nil {
			errs <- err
		}
		b.logger.Info("Server stopped")
	}()

	return errs, nil
}

// shutdown closes sessions first so that SSE streams end before the HTTP
// server waits for active requests.
func (b *ServerBuilder) shutdown(server *http.Server) {
	timeout, err := b.cfg.ShutdownTimeout()
	if err != nil || timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	b.transport.Close()
	if err := transport.ShutdownHTTPServer(shutdownCtx, b.logger, server); err != nil {
		b.logger.Warn("Forcing HTTP server close", zap.Error(err))
		_ = server.Close()
	}
	if err := b.manager.Shutdown(shutdownCtx); err != nil {
		b.logger.Warn("Manager shutdown incomplete", zap.Error(err))
	}
}
