package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var _ IConfig = (*YamlConfig)(nil)

// YamlConfig implements IConfig with YAML file-based storage
type YamlConfig struct {
	mu                sync.RWMutex
	configPath        string
	logger            *zap.Logger
	serverAddress     string
	serverName        string
	serverVersion     string
	logLevel          string
	authorizationType AuthorizationType
	userKeyHashes     map[string]string // keyHash -> userID (generated on load)

	webSocketPath   string
	ssePath         string
	envelopeMode    bool
	pingInterval    time.Duration
	sessionTimeout  time.Duration
	maxMessageSize  int64
	sweepInterval   time.Duration
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	maxWorkers      int64
	throttlingRPS   int
	throttlingRPM   int
	allowedMethods  []string
	watchPaths      []string

	// SSL Fields
	sslEnabled      bool
	sslMode         string
	sslCertFile     string
	sslKeyFile      string
	sslAcmeDomains  []string
	sslAcmeEmail    string
	sslAcmeCacheDir string
}

// YAML configuration structure matching the required format
type yamlConfig struct {
	Server struct {
		Address       string `yaml:"address"`
		Name          string `yaml:"name"`
		Version       string `yaml:"version"`
		LogLevel      string `yaml:"log_level"`
		Authorization string `yaml:"authorization"` // "users_only" or "none"
		SSL           struct {
			Enabled      bool     `yaml:"enabled"`
			Mode         string   `yaml:"mode"`
			CertFile     string   `yaml:"cert_file"`
			KeyFile      string   `yaml:"key_file"`
			AcmeDomains  []string `yaml:"acme_domains"`
			AcmeEmail    string   `yaml:"acme_email"`
			AcmeCacheDir string   `yaml:"acme_cache_dir"`
		} `yaml:"ssl"`
	} `yaml:"server"`

	Transport struct {
		WebSocketPath  string        `yaml:"websocket_path"`
		SSEPath        string        `yaml:"sse_path"`
		Envelope       bool          `yaml:"envelope"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		SessionTimeout time.Duration `yaml:"session_timeout"`
		MaxMessageSize int64         `yaml:"max_message_size"`
	} `yaml:"transport"`

	RPC struct {
		SweepInterval   time.Duration `yaml:"sweep_interval"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxWorkers      int64         `yaml:"max_workers"`
	} `yaml:"rpc"`

	Validators struct {
		ThrottlingRPS  int      `yaml:"throttling_rps"`
		ThrottlingRPM  int      `yaml:"throttling_rpm"`
		AllowedMethods []string `yaml:"allowed_methods"`
	} `yaml:"validators"`

	Watcher struct {
		Paths []string `yaml:"paths"`
	} `yaml:"watcher"`

	Users map[string]struct {
		Keys []string `yaml:"keys"` // Store hashes directly
	} `yaml:"users"`
}

// NewYamlConfig creates a new YAML-based configuration
func NewYamlConfig(configPath string, logger *zap.Logger) (*YamlConfig, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	config := &YamlConfig{
		configPath:        configPath,
		logger:            logger,
		userKeyHashes:     make(map[string]string),
		authorizationType: AuthorizedUsersOnly, // Default
		sslMode:           "manual",
		sslAcmeCacheDir:   DefaultAcmeCacheDir,
	}

	if err := config.Update(); err != nil {
		return nil, err
	}
	return config, nil
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func stringOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// Update reloads configuration from the YAML file
func (c *YamlConfig) Update() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("Updating configuration from YAML file", zap.String("path", c.configPath))

	data, err := os.ReadFile(c.configPath)
	if err != nil {
		c.logger.Error("Failed to read config file", zap.Error(err))
		return err
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		c.logger.Error("Failed to parse YAML", zap.Error(err))
		return err
	}

	// --- Process Server Section ---
	c.serverAddress = stringOr(yamlCfg.Server.Address, DefaultListenAddr)
	c.serverName = yamlCfg.Server.Name
	c.serverVersion = yamlCfg.Server.Version
	c.logLevel = stringOr(yamlCfg.Server.LogLevel, "info")
	c.authorizationType, _ = ParseAuthorizationType(yamlCfg.Server.Authorization)

	// --- Process SSL Section ---
	c.sslEnabled = yamlCfg.Server.SSL.Enabled
	c.sslMode = strings.ToLower(yamlCfg.Server.SSL.Mode)
	if c.sslMode != "acme" {
		c.sslMode = "manual"
	}
	c.sslCertFile = yamlCfg.Server.SSL.CertFile
	c.sslKeyFile = yamlCfg.Server.SSL.KeyFile
	c.sslAcmeDomains = yamlCfg.Server.SSL.AcmeDomains
	c.sslAcmeEmail = yamlCfg.Server.SSL.AcmeEmail
	c.sslAcmeCacheDir = stringOr(yamlCfg.Server.SSL.AcmeCacheDir, DefaultAcmeCacheDir)

	// --- Process Transport and RPC Sections ---
	c.webSocketPath = stringOr(yamlCfg.Transport.WebSocketPath, DefaultWebSocketPath)
	c.ssePath = stringOr(yamlCfg.Transport.SSEPath, DefaultSSEPath)
	c.envelopeMode = yamlCfg.Transport.Envelope
	c.pingInterval = durationOr(yamlCfg.Transport.PingInterval, DefaultPingInterval)
	c.sessionTimeout = durationOr(yamlCfg.Transport.SessionTimeout, DefaultSessionTimeout)
	c.maxMessageSize = yamlCfg.Transport.MaxMessageSize
	if c.maxMessageSize <= 0 {
		c.maxMessageSize = DefaultMaxMessageSize
	}
	c.sweepInterval = durationOr(yamlCfg.RPC.SweepInterval, DefaultSweepInterval)
	c.requestTimeout = durationOr(yamlCfg.RPC.RequestTimeout, DefaultRequestTimeout)
	c.shutdownTimeout = durationOr(yamlCfg.RPC.ShutdownTimeout, DefaultShutdownTimeout)
	c.maxWorkers = yamlCfg.RPC.MaxWorkers

	// --- Process Validators and Watcher Sections ---
	c.throttlingRPS = yamlCfg.Validators.ThrottlingRPS
	if c.throttlingRPS == 0 {
		c.throttlingRPS = DefaultThrottlingRPS
	}
	c.throttlingRPM = yamlCfg.Validators.ThrottlingRPM
	if c.throttlingRPM == 0 {
		c.throttlingRPM = DefaultThrottlingRPM
	}
	c.allowedMethods = append([]string{}, yamlCfg.Validators.AllowedMethods...)
	c.watchPaths = append([]string{}, yamlCfg.Watcher.Paths...)

	// --- Process Users Section ---
	newUserKeyHashes := make(map[string]string)
	for userID, user := range yamlCfg.Users {
		for _, keyHash := range user.Keys { // Assume keys in YAML are already hashes
			newUserKeyHashes[keyHash] = userID
		}
	}
	c.userKeyHashes = newUserKeyHashes

	return nil
}

// Watch reloads the file whenever it changes until ctx is done. onChange,
// when set, runs after every successful reload.
func (c *YamlConfig) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	// editors replace files on save, so the directory is watched instead of the file
	dir := filepath.Dir(c.configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config directory %s: %w", dir, err)
	}

	target := filepath.Clean(c.configPath)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := c.Update(); err != nil {
					c.logger.Warn("Config reload failed, keeping previous values", zap.Error(err))
					continue
				}
				c.logger.Info("Configuration reloaded", zap.String("path", c.configPath))
				if onChange != nil {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// --- IConfig Implementation ---

func (c *YamlConfig) Close() error { return nil }
func (c *YamlConfig) ListenAddr() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverAddress, nil
}
func (c *YamlConfig) AuthorizationType() (AuthorizationType, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authorizationType, nil
}
func (c *YamlConfig) ServerName() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, nil
}
func (c *YamlConfig) ServerVersion() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverVersion, nil
}
func (c *YamlConfig) LogLevel() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logLevel, nil
}

func (c *YamlConfig) GetUserIDByKeyHash(keyHash string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if keyHash == "" {
		return "", nil
	}
	userID, exists := c.userKeyHashes[keyHash]
	if !exists {
		return "", ErrNotFound
	}
	return userID, nil
}

func (c *YamlConfig) WebSocketPath() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webSocketPath, nil
}
func (c *YamlConfig) SSEPath() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ssePath, nil
}
func (c *YamlConfig) EnvelopeMode() (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.envelopeMode, nil
}
func (c *YamlConfig) PingInterval() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pingInterval, nil
}
func (c *YamlConfig) SessionTimeout() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionTimeout, nil
}
func (c *YamlConfig) MaxMessageSize() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxMessageSize, nil
}
func (c *YamlConfig) SweepInterval() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sweepInterval, nil
}
func (c *YamlConfig) RequestTimeout() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requestTimeout, nil
}
func (c *YamlConfig) ShutdownTimeout() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shutdownTimeout, nil
}
func (c *YamlConfig) MaxWorkers() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxWorkers, nil
}
func (c *YamlConfig) ThrottlingRPS() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.throttlingRPS, nil
}
func (c *YamlConfig) ThrottlingRPM() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.throttlingRPM, nil
}
func (c *YamlConfig) AllowedMethods() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.allowedMethods...), nil
}
func (c *YamlConfig) WatchPaths() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.watchPaths...), nil
}

func (c *YamlConfig) Status(ctx context.Context) error {
	// Check if config file exists and is readable
	if _, err := os.Stat(c.configPath); err != nil {
		c.logger.Error("YAML config file status check failed", zap.String("path", c.configPath), zap.Error(err))
		return fmt.Errorf("config file error: %w", err)
	}
	return nil
}

// --- SSL Methods ---
func (c *YamlConfig) SSLEnabled() (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslEnabled, nil
}
func (c *YamlConfig) SSLMode() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslMode, nil
}
func (c *YamlConfig) SSLCertFile() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslCertFile, nil
}
func (c *YamlConfig) SSLKeyFile() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslKeyFile, nil
}
func (c *YamlConfig) SSLAcmeDomains() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	domainsCopy := make([]string, len(c.sslAcmeDomains))
	copy(domainsCopy, c.sslAcmeDomains)
	return domainsCopy, nil
}
func (c *YamlConfig) SSLAcmeEmail() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslAcmeEmail, nil
}
func (c *YamlConfig) SSLAcmeCacheDir() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslAcmeCacheDir, nil
}
