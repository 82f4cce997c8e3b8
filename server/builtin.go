package server

import (
	"context"
	"fmt"

	"github.com/cloudide/wsrpc/shared"
	"github.com/cloudide/wsrpc/shared/config"
)

const (
	MethodPing       = "ping"
	MethodServerInfo = "server/info"
)

// ServerInfo is the result of server/info.
type ServerInfo struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	EnvelopeMode bool   `json:"envelopeMode"`
}

// registerBuiltins runs after the options, so handlers registered by options
// for the same names take precedence.
func registerBuiltins(manager *shared.Manager, cfg config.IConfig) error {
	name, err := cfg.ServerName()
	if err != nil {
		return fmt.Errorf("failed to get server name from config: %w", err)
	}
	version, err := cfg.ServerVersion()
	if err != nil {
		return fmt.Errorf("failed to get server version from config: %w", err)
	}
	envelopeMode, err := cfg.EnvelopeMode()
	if err != nil {
		return fmt.Errorf("failed to get envelope mode: %w", err)
	}
	info := ServerInfo{Name: name, Version: version, EnvelopeMode: envelopeMode}

	manager.HandleRequest(MethodPing, shared.NewRequestHandlerNoParams(func(ctx context.Context, endpointID string) (string, error) {
		return "pong", nil
	}))
	manager.HandleRequest(MethodServerInfo, shared.NewRequestHandlerNoParams(func(ctx context.Context, endpointID string) (ServerInfo, error) {
		return info, nil
	}))
	return nil
}
