package api

import (
	"net/http"

	"github.com/lumastudio/agentgate/internal/auth"
	"github.com/lumastudio/agentgate/internal/metrics"
	"github.com/lumastudio/agentgate/internal/pipeline"
	"go.uber.org/zap"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Pipeline *pipeline.Pipeline
	Auth     auth.Authenticator
	Logger   *zap.Logger
	// ConfirmKey signs confirmation tokens. A random key is used when empty,
	// so tokens do not survive a restart.
	ConfirmKey []byte
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if len(deps.ConfirmKey) == 0 {
		deps.ConfirmKey = newConfirmKey()
	}
	mux := http.NewServeMux()

	// Tool catalog
	mux.HandleFunc("GET /v1/tools", deps.authMiddleware(deps.handleListTools))
	mux.HandleFunc("GET /v1/tools/{name}/schema", deps.authMiddleware(deps.handleToolSchema))

	// Invocation
	mux.HandleFunc("POST /v1/tools/{name}/invoke", deps.authMiddleware(deps.handleInvoke))
	mux.HandleFunc("POST /v1/turns", deps.authMiddleware(deps.handleTurn))

	// Audit
	mux.HandleFunc("GET /v1/sessions/{session_id}/audit", deps.authMiddleware(deps.handleSessionAudit))
	mux.HandleFunc("GET /v1/audit/stats", deps.authMiddleware(deps.handleAuditStats))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	return requestLogging(mux, deps.Logger)
}
