package validators

import (
	"fmt"

	"github.com/cloudide/wsrpc/shared"
	"github.com/cloudide/wsrpc/shared/config"
)

// CreateDefaultValidators builds the size, throttling and method validators
// from the configuration.
func CreateDefaultValidators(cfg config.IConfig) ([]shared.MessageValidator, error) {
	maxSize, err := cfg.MaxMessageSize()
	if err != nil {
		return nil, fmt.Errorf("failed to get max message size: %w", err)
	}
	rps, err := cfg.ThrottlingRPS()
	if err != nil {
		return nil, fmt.Errorf("failed to get throttling rps: %w", err)
	}
	rpm, err := cfg.ThrottlingRPM()
	if err != nil {
		return nil, fmt.Errorf("failed to get throttling rpm: %w", err)
	}
	patterns, err := cfg.AllowedMethods()
	if err != nil {
		return nil, fmt.Errorf("failed to get allowed methods: %w", err)
	}
	methods, err := NewMethodValidator(patterns...)
	if err != nil {
		return nil, err
	}

	return []shared.MessageValidator{
		NewThrottling(rps, rpm),
		NewMessageSizeValidator(maxSize),
		methods,
	}, nil
}
