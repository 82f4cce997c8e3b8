package extra

import (
	"encoding/json"
	"net/http"

	"github.com/cloudide/wsrpc/shared/config"
	"go.uber.org/zap"
)

// Counter is implemented by the session manager and the subscription manager.
type Counter interface {
	Count() int
}

// StatusResponse represents the response structure for the status endpoint
type StatusResponse struct {
	Config        string `json:"config"`
	Sessions      int    `json:"sessions"`
	Subscriptions int    `json:"subscriptions"`
}

// StatusHandler reports configuration health and connection counts. It always
// answers 200 so that probes can read the body.
func StatusHandler(cfg config.IConfig, sessions Counter, subscriptions Counter, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		handlerLogger := logger.With(zap.String("handler", "StatusHandler"))

		response := StatusResponse{Config: "ok"}
		if err := cfg.Status(r.Context()); err != nil {
			handlerLogger.Error("Failed to get config status", zap.Error(err))
			response.Config = "error"
		}
		if sessions != nil {
			response.Sessions = sessions.Count()
		}
		if subscriptions != nil {
			response.Subscriptions = subscriptions.Count()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			handlerLogger.Error("Failed to encode status response", zap.Error(err))
		}
	}
}
