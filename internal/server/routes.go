package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route (job_update, queue_update, engine_status)
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Workflows
	mux.HandleFunc("/api/workflows", s.handleWorkflowsRoute)  // GET (list), POST (create)
	mux.HandleFunc("/api/workflows/", s.handleWorkflowRoutes) // GET/DELETE /{id}, POST /{id}/run

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // GET /{id}, POST /{id}/cancel

	// API routes - Engine queue
	mux.HandleFunc("/api/queue", s.app.QueueHandler.GetQueueHandler)

	// API routes - Outputs
	mux.HandleFunc("/api/outputs", s.app.OutputHandler.DeleteOutputHandler) // DELETE ?path=
	mux.HandleFunc("/api/outputs/meta", s.app.OutputHandler.GetOutputMetaHandler)
	mux.HandleFunc("/api/outputs/tags", s.app.OutputHandler.SetTagsHandler)
	mux.HandleFunc("/api/images/", s.app.OutputHandler.ServeImageHandler)
	mux.HandleFunc("/api/thumbnails/", s.app.OutputHandler.ServeThumbnailHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

func (s *Server) handleWorkflowsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r,
		s.app.WorkflowHandler.ListWorkflowsHandler,
		s.app.WorkflowHandler.CreateWorkflowHandler,
	)
}

// handleWorkflowRoutes routes /api/workflows/{id} and its subpaths
func (s *Server) handleWorkflowRoutes(w http.ResponseWriter, r *http.Request) {
	if RouteByPathSuffix(w, r, "/api/workflows/", []PathSuffixRouter{
		{Suffix: "/run", Handler: s.app.WorkflowHandler.RunWorkflowHandler},
	}) {
		return
	}

	RouteResourceItem(w, r, "/api/workflows/",
		s.app.WorkflowHandler.GetWorkflowHandler,
		s.app.WorkflowHandler.DeleteWorkflowHandler,
	)
}

// handleJobRoutes routes /api/jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if RouteByPathSuffix(w, r, "/api/jobs/", []PathSuffixRouter{
		{Suffix: "/cancel", Handler: s.app.JobHandler.CancelJobHandler},
	}) {
		return
	}

	RouteResourceItem(w, r, "/api/jobs/", s.app.JobHandler.GetJobHandler, nil)
}
