package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

// AuthorizationType represents different authorization strategies
type AuthorizationType int

const (
	// AuthorizedUsersOnly requires a known API key for every connection
	AuthorizedUsersOnly AuthorizationType = iota
	// NotAuthorizedEverywhere accepts anonymous connections
	NotAuthorizedEverywhere
)

// Helper method for AuthorizationType string representation
func (at AuthorizationType) String() string {
	names := [...]string{"AuthorizedUsersOnly", "NotAuthorizedEverywhere"}
	if at < 0 || int(at) >= len(names) {
		return "Unknown"
	}
	return names[at]
}

// ParseAuthorizationType accepts the yaml and database spellings.
func ParseAuthorizationType(value string) (AuthorizationType, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "users_only", "authorizedusersonly", "0":
		return AuthorizedUsersOnly, true
	case "none", "notauthorizedeverywhere", "1":
		return NotAuthorizedEverywhere, true
	}
	return AuthorizedUsersOnly, false
}

// Defaults shared by every IConfig implementation.
const (
	DefaultListenAddr      = ":8080"
	DefaultWebSocketPath   = "/ws"
	DefaultSSEPath         = "/events"
	DefaultSweepInterval   = 15 * time.Second
	DefaultRequestTimeout  = 60 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultPingInterval    = 30 * time.Second
	DefaultSessionTimeout  = 30 * time.Minute
	DefaultMaxMessageSize  = 1 << 20
	DefaultThrottlingRPS   = 60
	DefaultThrottlingRPM   = 600
	DefaultAcmeCacheDir    = "./.autocert-cache"
)

type IConfig interface {
	// Core Server Settings
	ListenAddr() (string, error)
	ServerName() (string, error)
	ServerVersion() (string, error)
	AuthorizationType() (AuthorizationType, error)
	LogLevel() (string, error)

	// Auth
	GetUserIDByKeyHash(keyHash string) (userID string, err error)

	// Transport Settings
	WebSocketPath() (string, error)
	SSEPath() (string, error)
	EnvelopeMode() (bool, error)
	PingInterval() (time.Duration, error)
	SessionTimeout() (time.Duration, error)
	MaxMessageSize() (int64, error)

	// Messaging Core Settings
	SweepInterval() (time.Duration, error)
	RequestTimeout() (time.Duration, error)
	ShutdownTimeout() (time.Duration, error)
	MaxWorkers() (int64, error)

	// Validator Settings
	ThrottlingRPS() (int, error)
	ThrottlingRPM() (int, error)
	AllowedMethods() ([]string, error) // regular expressions, empty allows all

	// File watcher
	WatchPaths() ([]string, error)

	// SSL Settings
	SSLEnabled() (bool, error)
	SSLMode() (string, error)          // Returns "manual" or "acme"
	SSLCertFile() (string, error)      // Path to certificate file (manual mode)
	SSLKeyFile() (string, error)       // Path to private key file (manual mode)
	SSLAcmeDomains() ([]string, error) // List of domains for ACME
	SSLAcmeEmail() (string, error)     // Contact email for ACME
	SSLAcmeCacheDir() (string, error)  // Directory to cache ACME certificates

	// Lifecycle & Status
	Status(ctx context.Context) error
	Close() error
}

// HashAPIKey converts a plaintext API key to its SHA-256 hash representation
func HashAPIKey(key string) string {
	if key == "" {
		return ""
	}
	hasher := sha256.New()
	hasher.Write([]byte(key))
	return hex.EncodeToString(hasher.Sum(nil))
}
