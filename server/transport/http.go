package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cloudide/wsrpc/shared/config"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// tlsSettings is the resolved SSL configuration of a listener.
type tlsSettings struct {
	enabled  bool
	acme     bool
	config   *tls.Config
	certFile string
	keyFile  string
}

func resolveTLS(logger *zap.Logger, cfg config.IConfig) (*tlsSettings, error) {
	settings := &tlsSettings{}
	enabled, err := cfg.SSLEnabled()
	if err != nil {
		logger.Warn("Failed to read SSL enabled setting, assuming disabled", zap.Error(err))
		return settings, nil
	}
	if !enabled {
		return settings, nil
	}
	settings.enabled = true

	sslMode, _ := cfg.SSLMode()
	if sslMode != "acme" {
		settings.certFile, err = cfg.SSLCertFile()
		if err != nil {
			return nil, fmt.Errorf("failed to get certificate file path: %w", err)
		}
		if settings.certFile == "" {
			return nil, errors.New("manual SSL mode requires a certificate file path (ssl.cert_file)")
		}
		settings.keyFile, err = cfg.SSLKeyFile()
		if err != nil {
			return nil, fmt.Errorf("failed to get private key file path: %w", err)
		}
		if settings.keyFile == "" {
			return nil, errors.New("manual SSL mode requires a private key file path (ssl.key_file)")
		}
		return settings, nil
	}

	settings.acme = true
	domains, err := cfg.SSLAcmeDomains()
	if err != nil {
		return nil, fmt.Errorf("failed to get ACME domains: %w", err)
	}
	if len(domains) == 0 {
		return nil, errors.New("ACME mode requires at least one domain (ssl.acme_domains)")
	}
	email, _ := cfg.SSLAcmeEmail()
	cacheDir, err := cfg.SSLAcmeCacheDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get ACME cache directory: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create ACME cache directory '%s': %w", cacheDir, err)
	}

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Email:      email,
		Cache:      autocert.DirCache(cacheDir),
	}
	settings.config = certManager.TLSConfig()

	go func() {
		challengeServer := &http.Server{
			Addr:              ":80",
			Handler:           certManager.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info("Starting ACME HTTP challenge listener", zap.String("addr", challengeServer.Addr))
		if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ACME HTTP challenge listener error", zap.Error(err))
		}
	}()
	return settings, nil
}

// StartHTTPServer binds the listen address and serves handler over HTTP or
// HTTPS. Bind and TLS setup errors are returned directly; errors of the
// running listener are reported on the returned channel, which is closed when
// the listener stops. server.Addr holds the bound address, so a ":0" port is
// resolved.
func StartHTTPServer(ctx context.Context, logger *zap.Logger, cfg config.IConfig, handler http.Handler, overwriteListenAddr string) (*http.Server, <-chan error, error) {
	if logger == nil {
		return nil, nil, errors.New("logger cannot be nil")
	}
	if cfg == nil {
		return nil, nil, errors.New("config cannot be nil")
	}
	if handler == nil {
		return nil, nil, errors.New("http handler cannot be nil")
	}

	listenAddr := overwriteListenAddr
	if listenAddr == "" {
		var err error
		listenAddr, err = cfg.ListenAddr()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get listen address: %w", err)
		}
	}

	settings, err := resolveTLS(logger, cfg)
	if err != nil {
		return nil, nil, err
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	// WriteTimeout stays zero: SSE streams and WebSockets are long-lived and
	// set their own write deadlines.
	server := &http.Server{
		Addr:              listener.Addr().String(),
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       90 * time.Second,
		TLSConfig:         settings.config,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	listenerErrChan := make(chan error, 1)
	go func() {
		defer close(listenerErrChan)

		var serveErr error
		if settings.enabled {
			logger.Info("Starting HTTPS server", zap.String("addr", server.Addr), zap.Bool("isACME", settings.acme))
			serveErr = server.ServeTLS(listener, settings.certFile, settings.keyFile)
		} else {
			logger.Info("Starting HTTP server", zap.String("addr", server.Addr))
			serveErr = server.Serve(listener)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("HTTP server listener error", zap.Error(serveErr))
			listenerErrChan <- serveErr
			return
		}
		logger.Info("HTTP server listener stopped gracefully")
	}()

	return server, listenerErrChan, nil
}

// ShutdownHTTPServer attempts a graceful shutdown of the HTTP server.
func ShutdownHTTPServer(ctx context.Context, logger *zap.Logger, server *http.Server) error {
	if server == nil {
		logger.Warn("Shutdown requested but server instance is nil")
		return nil
	}
	logger.Info("Shutting down HTTP server", zap.String("addr", server.Addr))
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server graceful shutdown failed", zap.Error(err))
		return err
	}
	logger.Info("HTTP server shut down gracefully")
	return nil
}
