package transport

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/cloudide/wsrpc/shared/config"
	"go.uber.org/zap"
)

// AuthKeyQueryParam is the query parameter carrying the API key for clients
// that can not set headers, such as browser WebSockets.
const AuthKeyQueryParam = "key"

var ErrUnauthorized = errors.New("unauthorized")

// AuthenticationManager decides whether a connection may open a session.
type AuthenticationManager interface {
	// Authenticate validates authKey and returns the user id and the initial
	// session parameters. The user id is empty for anonymous connections.
	Authenticate(authKey string, remoteAddr string) (userID string, sessionParams *sync.Map, err error)
}

// DefaultAuthManager looks API key hashes up in the configuration.
type DefaultAuthManager struct {
	logger *zap.Logger
	config config.IConfig
}

var _ AuthenticationManager = (*DefaultAuthManager)(nil)

func NewAuthenticator(cfg config.IConfig, logger *zap.Logger) *DefaultAuthManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultAuthManager{
		config: cfg,
		logger: logger.Named("auth"),
	}
}

// Authenticate validates the provided key. Unknown keys are treated as
// anonymous, which only AuthorizedUsersOnly rejects.
func (a *DefaultAuthManager) Authenticate(authKey string, remoteAddr string) (userID string, sessionParams *sync.Map, err error) {
	sessionParams = &sync.Map{}
	if remoteAddr != "" {
		SaveRemoteAddr(sessionParams, remoteAddr)
	}

	authType, err := a.config.AuthorizationType()
	if err != nil {
		return "", nil, err
	}

	if authKey != "" {
		keyHash := config.HashAPIKey(authKey)
		userID, err = a.config.GetUserIDByKeyHash(keyHash)
		switch {
		case err != nil && !errors.Is(err, config.ErrNotFound):
			a.logger.Error("Error checking key hash", zap.String("keyHash", keyHash), zap.Error(err))
			userID = ""
		case err == nil && userID != "":
			a.logger.Debug("Authenticated via API Key", zap.String("userID", userID))
		default:
			userID = ""
		}
	}

	if userID == "" && authType == config.AuthorizedUsersOnly {
		a.logger.Warn("Authorization required but no valid key found",
			zap.String("authType", authType.String()),
			zap.String("remoteAddr", remoteAddr),
		)
		return "", nil, ErrUnauthorized
	}

	SaveUserId(sessionParams, userID)
	return userID, sessionParams, nil
}

// ExtractAuthKey reads the key from the "key" query parameter or an
// "Authorization: Bearer" header.
func ExtractAuthKey(r *http.Request) string {
	if key := r.URL.Query().Get(AuthKeyQueryParam); key != "" {
		return key
	}
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}

// --- Session Parameter Helpers ---

const (
	UserIDKey     = "authenticator_user_id"
	RemoteAddrKey = "authenticator_remote_addr"
)

func SaveUserId(sessionParams *sync.Map, userID string) {
	sessionParams.Store(UserIDKey, userID)
}

func GetUserId(sessionParams *sync.Map) string {
	userID, ok := sessionParams.Load(UserIDKey)
	if !ok {
		return ""
	}
	return userID.(string)
}

func SaveRemoteAddr(sessionParams *sync.Map, remoteAddr string) {
	sessionParams.Store(RemoteAddrKey, remoteAddr)
}

func GetRemoteAddr(sessionParams *sync.Map) string {
	remoteAddr, ok := sessionParams.Load(RemoteAddrKey)
	if !ok {
		return ""
	}
	return remoteAddr.(string)
}
