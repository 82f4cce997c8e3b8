package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/cloudide/wsrpc/server/extra"
	"github.com/cloudide/wsrpc/server/transport"
	"github.com/cloudide/wsrpc/server/validators"
	"github.com/cloudide/wsrpc/server/watcher"
	"github.com/cloudide/wsrpc/shared"
	"github.com/cloudide/wsrpc/shared/config"
	"go.uber.org/zap"
)

// StatusPath serves the health report.
const StatusPath = "/status"

// ServerBuilder assembles the messaging core, the HTTP transport and the
// optional file watcher of one server.
type ServerBuilder struct {
	ctx        context.Context
	logger     *zap.Logger
	cfg        config.IConfig
	listenAddr string
	manager    *shared.Manager
	sessions   *transport.SessionManager
	transport  *transport.Transport
	mux        *http.ServeMux
	validators []shared.MessageValidator
	watcher    *watcher.Watcher

	mu     sync.Mutex
	server *http.Server
}

// ServerOption defines a function type for configuring the ServerBuilder.
type ServerOption func(*ServerBuilder) error

func managerOptions(cfg config.IConfig) ([]shared.ManagerOption, error) {
	envelopeMode, err := cfg.EnvelopeMode()
	if err != nil {
		return nil, fmt.Errorf("failed to get envelope mode: %w", err)
	}
	sweepInterval, err := cfg.SweepInterval()
	if err != nil {
		return nil, fmt.Errorf("failed to get sweep interval: %w", err)
	}
	requestTimeout, err := cfg.RequestTimeout()
	if err != nil {
		return nil, fmt.Errorf("failed to get request timeout: %w", err)
	}
	shutdownTimeout, err := cfg.ShutdownTimeout()
	if err != nil {
		return nil, fmt.Errorf("failed to get shutdown timeout: %w", err)
	}
	maxWorkers, err := cfg.MaxWorkers()
	if err != nil {
		return nil, fmt.Errorf("failed to get max workers: %w", err)
	}
	return []shared.ManagerOption{
		shared.WithEnvelopeMode(envelopeMode),
		shared.WithSweepInterval(sweepInterval),
		shared.WithRequestTimeout(requestTimeout),
		shared.WithShutdownTimeout(shutdownTimeout),
		shared.WithMaxWorkers(maxWorkers),
	}, nil
}

// Build wires a server from cfg and options without starting the listener.
func Build(ctx context.Context, logger *zap.Logger, cfg config.IConfig, options ...ServerOption) (*ServerBuilder, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	listenAddr, err := cfg.ListenAddr()
	if err != nil {
		return nil, fmt.Errorf("failed to get listen address: %w", err)
	}
	opts, err := managerOptions(cfg)
	if err != nil {
		return nil, err
	}

	sessions := transport.NewSessionManager(logger)
	manager, err := shared.NewManager(logger, sessions, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	transportInstance, err := transport.New(manager, sessions, logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	b := &ServerBuilder{
		ctx:        ctx,
		logger:     logger,
		cfg:        cfg,
		listenAddr: listenAddr,
		manager:    manager,
		sessions:   sessions,
		transport:  transportInstance,
		mux:        http.NewServeMux(),
	}

	logger.Info("Applying server configuration options...")
	for _, option := range options {
		if err := option(b); err != nil {
			return nil, fmt.Errorf("failed to apply server option: %w", err)
		}
	}

	if err := b.finalize(); err != nil {
		return nil, err
	}
	return b, nil
}

// finalize registers built-in methods, validators and HTTP routes once every
// option has run.
func (b *ServerBuilder) finalize() error {
	if err := registerBuiltins(b.manager, b.cfg); err != nil {
		return err
	}

	defaults, err := validators.CreateDefaultValidators(b.cfg)
	if err != nil {
		return fmt.Errorf("failed to create validators: %w", err)
	}
	all := append(defaults, b.validators...)
	b.manager.AddValidator(all...)
	for _, v := range all {
		if forgetter, ok := v.(interface{ Forget(endpointID string) }); ok {
			b.sessions.AddCloseListener(func(s *transport.Session) { forgetter.Forget(s.ID) })
		}
	}

	b.transport.RegisterHandlers(b.mux)
	b.logger.Info("Registering status handler", zap.String("path", StatusPath))
	b.mux.HandleFunc(StatusPath, extra.StatusHandler(b.cfg, b.sessions, b.manager.Subscriptions(), b.logger))
	return nil
}

func (b *ServerBuilder) Manager() *shared.Manager { return b.manager }
func (b *ServerBuilder) Sessions() *transport.SessionManager { return b.sessions }
func (b *ServerBuilder) Transport() *transport.Transport { return b.transport }
func (b *ServerBuilder) Watcher() *watcher.Watcher { return b.watcher }

// Handler returns the HTTP handler with every route registered.
func (b *ServerBuilder) Handler() http.Handler { return b.mux }

// Addr returns the bound listen address once Serve has succeeded.
func (b *ServerBuilder) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server == nil {
		return ""
	}
	return b.server.Addr
}
