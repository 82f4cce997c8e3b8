package validators

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudide/wsrpc/shared"
)

// MaxIDLength is the exclusive upper bound of a message id's text length.
const MaxIDLength = 256

var (
	ErrIDTooLong       = errors.New("message ID string exceeds maximum allowed length (256 bytes)")
	ErrMessageTooLarge = errors.New("message exceeds maximum allowed size")
)

// MessageSizeValidator validates the size of incoming messages
type MessageSizeValidator struct {
	maxSize int64
	mu      sync.RWMutex
}

// NewMessageSizeValidator creates a new message size validator. A maxSize of
// zero only checks the id.
func NewMessageSizeValidator(maxSize int64) *MessageSizeValidator {
	return &MessageSizeValidator{
		maxSize: maxSize,
	}
}

// SetMaxSize updates the maximum allowed message size
func (v *MessageSizeValidator) SetMaxSize(maxSize int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.maxSize = maxSize
}

// Validate implements the MessageValidator interface
func (v *MessageSizeValidator) Validate(msg *shared.Message) error {
	if !msg.ID.IsEmpty() && len(msg.ID.Key()) >= MaxIDLength {
		return ErrIDTooLong
	}

	v.mu.RLock()
	maxSize := v.maxSize
	v.mu.RUnlock()
	if maxSize <= 0 {
		return nil
	}

	for _, part := range []*shared.Params{msg.Params, msg.Result} {
		if part == nil {
			continue
		}
		encoded, err := json.Marshal(part)
		if err != nil {
			return fmt.Errorf("measure message: %w", err)
		}
		if int64(len(encoded)) > maxSize {
			return ErrMessageTooLarge
		}
	}
	return nil
}
