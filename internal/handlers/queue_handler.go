package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/jobs/binder"
	"github.com/ternarybob/vellum/internal/jobs/state"
)

// QueueResponse is the body of GET /api/queue
type QueueResponse struct {
	Engine binder.EngineStatus `json:"engine"`
	Queue  state.QueueSnapshot `json:"queue"`
}

// QueueHandler exposes the mirrored engine queue
type QueueHandler struct {
	source QueueSource
	state  ConnectionState
	logger arbor.ILogger
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(source QueueSource, connection ConnectionState, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{
		source: source,
		state:  connection,
		logger: logger,
	}
}

// GetQueueHandler returns the last known queue. ?refresh=true polls the engine first; a failed
// refresh still answers with the previous snapshot.
// GET /api/queue
func (h *QueueHandler) GetQueueHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		if _, err := h.source.Refresh(r.Context()); err != nil {
			h.logger.Warn().Err(err).Msg("Queue refresh failed")
		}
	}

	WriteJSON(w, http.StatusOK, h.Snapshot())
}

// Snapshot returns connectivity and the queue as last seen
func (h *QueueHandler) Snapshot() QueueResponse {
	connected, sessionID := h.state.Connection()
	return QueueResponse{
		Engine: binder.EngineStatus{Connected: connected, SessionID: sessionID},
		Queue:  h.state.Queue(),
	}
}

// InitialMessages is the state pushed to a websocket client right after it connects
func (h *QueueHandler) InitialMessages() []WSMessage {
	snapshot := h.Snapshot()
	return []WSMessage{
		{Type: "engine_status", Payload: snapshot.Engine},
		{Type: "queue_update", Payload: snapshot.Queue},
	}
}
