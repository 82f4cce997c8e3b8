package config

import (
	"context"
	"sync"
	"time"
)

var _ IConfig = (*InternalConfig)(nil)

// InternalConfig implements IConfig with in-memory storage. Fields are
// exported so tests and embedders can set them directly.
type InternalConfig struct {
	mu                     sync.RWMutex
	ServerAddress          string
	ServerNameValue        string
	ServerVersionValue     string
	AuthorizationTypeValue AuthorizationType
	LogLevelValue          string
	UserKeyHashes          map[string]string // keyHash -> userID

	WebSocketPathValue   string
	SSEPathValue         string
	EnvelopeModeValue    bool
	PingIntervalValue    time.Duration
	SessionTimeoutValue  time.Duration
	MaxMessageSizeValue  int64
	SweepIntervalValue   time.Duration
	RequestTimeoutValue  time.Duration
	ShutdownTimeoutValue time.Duration
	MaxWorkersValue      int64
	ThrottlingRPSValue   int
	ThrottlingRPMValue   int
	AllowedMethodsValue  []string
	WatchPathsValue      []string

	SSLEnabledValue      bool
	SSLModeValue         string
	SSLCertFileValue     string
	SSLKeyFileValue      string
	SSLAcmeDomainsValue  []string
	SSLAcmeEmailValue    string
	SSLAcmeCacheDirValue string
}

// NewInternalConfig creates a new in-memory configuration
func NewInternalConfig() *InternalConfig {
	return &InternalConfig{
		ServerAddress:          DefaultListenAddr,
		ServerNameValue:        "Unknown",
		ServerVersionValue:     "0.0.0",
		LogLevelValue:          "info",
		AuthorizationTypeValue: NotAuthorizedEverywhere,
		UserKeyHashes:          make(map[string]string),

		WebSocketPathValue:   DefaultWebSocketPath,
		SSEPathValue:         DefaultSSEPath,
		PingIntervalValue:    DefaultPingInterval,
		SessionTimeoutValue:  DefaultSessionTimeout,
		MaxMessageSizeValue:  DefaultMaxMessageSize,
		SweepIntervalValue:   DefaultSweepInterval,
		RequestTimeoutValue:  DefaultRequestTimeout,
		ShutdownTimeoutValue: DefaultShutdownTimeout,
		ThrottlingRPSValue:   DefaultThrottlingRPS,
		ThrottlingRPMValue:   DefaultThrottlingRPM,

		SSLModeValue:         "manual",
		SSLAcmeCacheDirValue: DefaultAcmeCacheDir,
	}
}

// ServerConfig implementation

func (c *InternalConfig) ListenAddr() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerAddress, nil
}

func (c *InternalConfig) SetListenAddr(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ServerAddress = addr
}

func (c *InternalConfig) AuthorizationType() (AuthorizationType, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AuthorizationTypeValue, nil
}

func (c *InternalConfig) ServerName() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerNameValue, nil
}

func (c *InternalConfig) ServerVersion() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerVersionValue, nil
}

// LogLevel returns the configured log level
func (c *InternalConfig) LogLevel() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LogLevelValue, nil
}

// UsersConfig implementation

func (c *InternalConfig) GetUserIDByKeyHash(keyHash string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// If empty key hash, return empty user ID
	if keyHash == "" {
		return "", nil
	}
	userID, exists := c.UserKeyHashes[keyHash]
	if !exists {
		return "", ErrNotFound
	}
	return userID, nil
}

// AddUserKey registers a plaintext API key for userID.
func (c *InternalConfig) AddUserKey(userID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UserKeyHashes[HashAPIKey(key)] = userID
}

// TransportConfig implementation

func (c *InternalConfig) WebSocketPath() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.WebSocketPathValue, nil
}

func (c *InternalConfig) SSEPath() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSEPathValue, nil
}

func (c *InternalConfig) EnvelopeMode() (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnvelopeModeValue, nil
}

func (c *InternalConfig) PingInterval() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.PingIntervalValue, nil
}

func (c *InternalConfig) SessionTimeout() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SessionTimeoutValue, nil
}

func (c *InternalConfig) MaxMessageSize() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MaxMessageSizeValue, nil
}

// RPCConfig implementation

func (c *InternalConfig) SweepInterval() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SweepIntervalValue, nil
}

func (c *InternalConfig) RequestTimeout() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RequestTimeoutValue, nil
}

func (c *InternalConfig) ShutdownTimeout() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ShutdownTimeoutValue, nil
}

func (c *InternalConfig) MaxWorkers() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MaxWorkersValue, nil
}

func (c *InternalConfig) ThrottlingRPS() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ThrottlingRPSValue, nil
}

func (c *InternalConfig) ThrottlingRPM() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ThrottlingRPMValue, nil
}

func (c *InternalConfig) AllowedMethods() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.AllowedMethodsValue...), nil
}

func (c *InternalConfig) WatchPaths() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.WatchPathsValue...), nil
}

// SSLConfig implementation

func (c *InternalConfig) SSLEnabled() (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSLEnabledValue, nil
}

func (c *InternalConfig) SSLMode() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSLModeValue, nil
}

func (c *InternalConfig) SSLCertFile() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSLCertFileValue, nil
}

func (c *InternalConfig) SSLKeyFile() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSLKeyFileValue, nil
}

func (c *InternalConfig) SSLAcmeDomains() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.SSLAcmeDomainsValue...), nil
}

func (c *InternalConfig) SSLAcmeEmail() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSLAcmeEmailValue, nil
}

func (c *InternalConfig) SSLAcmeCacheDir() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SSLAcmeCacheDirValue, nil
}

func (c *InternalConfig) Close() error {
	return nil
}

func (c *InternalConfig) Status(ctx context.Context) error {
	return nil
}
