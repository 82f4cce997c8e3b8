package server

import (
	"errors"
	"time"

	"github.com/cloudide/wsrpc/server/transport"
	"github.com/cloudide/wsrpc/server/watcher"
	"github.com/cloudide/wsrpc/shared"
	"go.uber.org/zap"
)

// WithListenAddr overrides the listen address from the config.
func WithListenAddr(addr string) ServerOption {
	return func(b *ServerBuilder) error {
		if addr != "" {
			b.listenAddr = addr
			b.logger.Info("Overriding listen address", zap.String("newAddress", addr))
		}
		return nil
	}
}

// WithRequestHandler registers a handler for requests of method.
func WithRequestHandler(method string, handler shared.Handler) ServerOption {
	return func(b *ServerBuilder) error {
		if method == "" || handler == nil {
			return errors.New("request handler needs a method and a handler")
		}
		b.manager.HandleRequest(method, handler)
		return nil
	}
}

// WithPatternHandler registers a handler for every method matching pattern.
func WithPatternHandler(pattern string, handler shared.Handler) ServerOption {
	return func(b *ServerBuilder) error {
		if handler == nil {
			return errors.New("pattern handler cannot be nil")
		}
		return b.manager.HandlePattern(pattern, handler)
	}
}

// WithNotificationHandler registers a handler for notifications of method.
func WithNotificationHandler(method string, handler shared.Handler) ServerOption {
	return func(b *ServerBuilder) error {
		if method == "" || handler == nil {
			return errors.New("notification handler needs a method and a handler")
		}
		b.manager.HandleNotification(method, handler)
		return nil
	}
}

// WithResponseReceiver registers a receiver for responses to server-sent
// requests of method.
func WithResponseReceiver(method string, receiver shared.ResponseReceiver) ServerOption {
	return func(b *ServerBuilder) error {
		if receiver == nil {
			return errors.New("response receiver cannot be nil")
		}
		b.manager.HandleResponse(method, receiver)
		return nil
	}
}

// WithSubscription installs subscription name.
func WithSubscription[C any](name string, handler shared.SubscriptionHandler[C]) ServerOption {
	return func(b *ServerBuilder) error {
		return shared.Subscribe(b.manager, name, handler)
	}
}

// WithFileWatcher serves the file/modification subscription for paths, or for
// the configured watch paths when none are given.
func WithFileWatcher(paths ...string) ServerOption {
	return func(b *ServerBuilder) error {
		if b.watcher != nil {
			return errors.New("file watcher already configured")
		}
		if len(paths) == 0 {
			configured, err := b.cfg.WatchPaths()
			if err != nil {
				return err
			}
			paths = configured
		}
		w, err := watcher.New(b.logger, paths...)
		if err != nil {
			return err
		}
		if err := w.Register(b.manager); err != nil {
			return err
		}
		b.watcher = w
		return nil
	}
}

// WithValidators adds validators after the default size, throttling and
// method validators.
func WithValidators(validators ...shared.MessageValidator) ServerOption {
	return func(b *ServerBuilder) error {
		b.validators = append(b.validators, validators...)
		return nil
	}
}

// WithSessionTimeout configures the idle session timeout.
func WithSessionTimeout(timeout time.Duration) ServerOption {
	return WithTransportOptions(transport.WithSessionTimeout(timeout))
}

// WithTransportOptions applies options to the HTTP transport.
func WithTransportOptions(options ...transport.TransportOption) ServerOption {
	return func(b *ServerBuilder) error {
		for _, option := range options {
			if err := option(b.transport); err != nil {
				return err
			}
		}
		return nil
	}
}
