package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/common"
)

type APIHandler struct {
	connection ConnectionState
	logger     arbor.ILogger
}

func NewAPIHandler(connection ConnectionState, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		connection: connection,
		logger:     logger,
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
	})
}

// HealthHandler returns health check status. The server is healthy while the engine is
// unreachable; engine_connected reports it separately.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	connected, _ := h.connection.Connection()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"engine_connected": connected,
	})
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
