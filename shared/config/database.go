package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var _ IConfig = (*DatabaseConfig)(nil)

// DatabaseConfig implements IConfig on top of the PostgreSQL "Settings"
// key/value table and the "ApiKey" table.
type DatabaseConfig struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewDatabaseConfig prepares a connection pool. No connection is made until
// the first setting is read or Status is called.
func NewDatabaseConfig(dbConnectionString string, logger *zap.Logger) (*DatabaseConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("postgres", dbConnectionString)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	return newDatabaseConfig(db, logger), nil
}

func newDatabaseConfig(db *sql.DB, logger *zap.Logger) *DatabaseConfig {
	return &DatabaseConfig{db: db, logger: logger.Named("db-config")}
}

// Close closes the connection pool
func (c *DatabaseConfig) Close() error {
	return c.db.Close()
}

// --- IConfig Implementation ---

func (c *DatabaseConfig) ListenAddr() (string, error) {
	return c.getSettingString("wsrpc_listen_address", DefaultListenAddr)
}

func (c *DatabaseConfig) AuthorizationType() (AuthorizationType, error) {
	rawValue, err := c.getSettingJSON("wsrpc_authorization_type")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthorizedUsersOnly, nil
		}
		return AuthorizedUsersOnly, err
	}
	switch v := rawValue.(type) {
	case float64:
		if at := AuthorizationType(int(v)); at == AuthorizedUsersOnly || at == NotAuthorizedEverywhere {
			return at, nil
		}
		return AuthorizedUsersOnly, fmt.Errorf("invalid authorization type value: %v", v)
	case string:
		if at, ok := ParseAuthorizationType(v); ok {
			return at, nil
		}
		return AuthorizedUsersOnly, fmt.Errorf("invalid authorization type string value: %s", v)
	default:
		return AuthorizedUsersOnly, fmt.Errorf("invalid authorization type format in database: %T", rawValue)
	}
}

func (c *DatabaseConfig) GetUserIDByKeyHash(keyHash string) (string, error) {
	if keyHash == "" {
		return "", nil
	}
	query := `SELECT "userId" FROM "ApiKey" WHERE "keyHash" = $1 LIMIT 1`
	var userID string
	err := c.db.QueryRowContext(context.Background(), query, keyHash).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("query user by key hash: %w", err)
	}
	return userID, nil
}

func (c *DatabaseConfig) ServerName() (string, error) {
	return c.getSettingString("wsrpc_server_name", "wsrpc")
}
func (c *DatabaseConfig) ServerVersion() (string, error) {
	return c.getSettingString("wsrpc_server_version", "1.0.0")
}
func (c *DatabaseConfig) LogLevel() (string, error) {
	return c.getSettingString("wsrpc_log_level", "info")
}
func (c *DatabaseConfig) WebSocketPath() (string, error) {
	return c.getSettingString("wsrpc_websocket_path", DefaultWebSocketPath)
}
func (c *DatabaseConfig) SSEPath() (string, error) {
	return c.getSettingString("wsrpc_sse_path", DefaultSSEPath)
}
func (c *DatabaseConfig) EnvelopeMode() (bool, error) {
	return c.getSettingBool("wsrpc_envelope_mode", false)
}
func (c *DatabaseConfig) PingInterval() (time.Duration, error) {
	return c.getSettingDuration("wsrpc_ping_interval", DefaultPingInterval)
}
func (c *DatabaseConfig) SessionTimeout() (time.Duration, error) {
	return c.getSettingDuration("wsrpc_session_timeout", DefaultSessionTimeout)
}
func (c *DatabaseConfig) MaxMessageSize() (int64, error) {
	return c.getSettingInt("wsrpc_max_message_size", DefaultMaxMessageSize)
}
func (c *DatabaseConfig) SweepInterval() (time.Duration, error) {
	return c.getSettingDuration("wsrpc_sweep_interval", DefaultSweepInterval)
}
func (c *DatabaseConfig) RequestTimeout() (time.Duration, error) {
	return c.getSettingDuration("wsrpc_request_timeout", DefaultRequestTimeout)
}
func (c *DatabaseConfig) ShutdownTimeout() (time.Duration, error) {
	return c.getSettingDuration("wsrpc_shutdown_timeout", DefaultShutdownTimeout)
}
func (c *DatabaseConfig) MaxWorkers() (int64, error) {
	return c.getSettingInt("wsrpc_max_workers", 0)
}
func (c *DatabaseConfig) ThrottlingRPS() (int, error) {
	v, err := c.getSettingInt("wsrpc_throttling_rps", DefaultThrottlingRPS)
	return int(v), err
}
func (c *DatabaseConfig) ThrottlingRPM() (int, error) {
	v, err := c.getSettingInt("wsrpc_throttling_rpm", DefaultThrottlingRPM)
	return int(v), err
}
func (c *DatabaseConfig) AllowedMethods() ([]string, error) {
	return c.getSettingStringSlice("wsrpc_allowed_methods", []string{})
}
func (c *DatabaseConfig) WatchPaths() ([]string, error) {
	return c.getSettingStringSlice("wsrpc_watch_paths", []string{})
}
func (c *DatabaseConfig) Status(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		c.logger.Error("DB ping failed", zap.Error(err))
		return err
	}
	return nil
}
func (c *DatabaseConfig) SSLEnabled() (bool, error) {
	return c.getSettingBool("wsrpc_ssl_enabled", false)
}
func (c *DatabaseConfig) SSLMode() (string, error) {
	return c.getSettingString("wsrpc_ssl_mode", "manual")
}
func (c *DatabaseConfig) SSLCertFile() (string, error) {
	return c.getSettingString("wsrpc_ssl_cert_file", "")
}
func (c *DatabaseConfig) SSLKeyFile() (string, error) {
	return c.getSettingString("wsrpc_ssl_key_file", "")
}
func (c *DatabaseConfig) SSLAcmeEmail() (string, error) {
	return c.getSettingString("wsrpc_ssl_acme_email", "")
}
func (c *DatabaseConfig) SSLAcmeCacheDir() (string, error) {
	return c.getSettingString("wsrpc_ssl_acme_cache_dir", DefaultAcmeCacheDir)
}
func (c *DatabaseConfig) SSLAcmeDomains() ([]string, error) {
	return c.getSettingStringSlice("wsrpc_ssl_acme_domains", []string{})
}

// --- Database Helper Functions ---
func (c *DatabaseConfig) getSettingRaw(key string) ([]byte, error) {
	var valueStr sql.NullString
	err := c.db.QueryRowContext(context.Background(), `SELECT value FROM "Settings" WHERE key = $1 LIMIT 1`, key).Scan(&valueStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query setting '%s': %w", key, err)
	}
	if !valueStr.Valid {
		return nil, ErrNotFound
	}
	return []byte(valueStr.String), nil
}
func (c *DatabaseConfig) getSettingJSON(key string) (interface{}, error) {
	raw, err := c.getSettingRaw(key)
	if err != nil {
		return nil, err
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("unmarshal setting '%s': %w", key, err)
	}
	return value, nil
}
func (c *DatabaseConfig) getSettingString(key string, defaultValue string) (string, error) {
	value, err := c.getSettingJSON(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return defaultValue, nil
		}
		return defaultValue, err
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return fmt.Sprintf("%v", int(v)), nil
	default:
		return defaultValue, fmt.Errorf("setting '%s' has unexpected type %T", key, value)
	}
}
func (c *DatabaseConfig) getSettingBool(key string, defaultValue bool) (bool, error) {
	value, err := c.getSettingJSON(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return defaultValue, nil
		}
		return defaultValue, err
	}
	boolValue, ok := value.(bool)
	if !ok {
		return defaultValue, fmt.Errorf("setting '%s' is not a boolean (type: %T)", key, value)
	}
	return boolValue, nil
}
func (c *DatabaseConfig) getSettingInt(key string, defaultValue int64) (int64, error) {
	value, err := c.getSettingJSON(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return defaultValue, nil
		}
		return defaultValue, err
	}
	number, ok := value.(float64)
	if !ok {
		return defaultValue, fmt.Errorf("setting '%s' is not a number (type: %T)", key, value)
	}
	return int64(number), nil
}

// getSettingDuration accepts a Go duration string ("15s") or a number of seconds.
func (c *DatabaseConfig) getSettingDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, err := c.getSettingJSON(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return defaultValue, nil
		}
		return defaultValue, err
	}
	switch v := value.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return defaultValue, fmt.Errorf("setting '%s': %w", key, err)
		}
		return d, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return defaultValue, fmt.Errorf("setting '%s' is not a duration (type: %T)", key, value)
	}
}
func (c *DatabaseConfig) getSettingStringSlice(key string, defaultValue []string) ([]string, error) {
	value, err := c.getSettingJSON(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return defaultValue, nil
		}
		return defaultValue, err
	}
	if sliceInterface, ok := value.([]interface{}); ok {
		strSlice := make([]string, 0, len(sliceInterface))
		for i, item := range sliceInterface {
			if strVal, ok := item.(string); ok {
				strSlice = append(strSlice, strVal)
			} else {
				return defaultValue, fmt.Errorf("non-string value at index %d in setting '%s'", i, key)
			}
		}
		return strSlice, nil
	}
	return defaultValue, fmt.Errorf("setting '%s' is not a JSON array of strings (type: %T)", key, value)
}
