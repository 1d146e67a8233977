package ipc

import (
	"context"
	"net/http"
	"time"
)

// Server wraps an HTTP server with taskforge routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address. metrics may be
// nil, in which case /metrics is not served.
func NewServer(h *Handler, listenAddr string, metrics http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           corsMiddleware(Routes(h, metrics)),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Routes builds the API mux.
func Routes(h *Handler, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	// Task endpoints.
	mux.HandleFunc("POST /api/v1/tasks", h.CreateTask)
	mux.HandleFunc("GET /api/v1/tasks", h.ListTasks)
	mux.HandleFunc("POST /api/v1/tasks/claim", h.ClaimTask)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}", h.GetTask)
	mux.HandleFunc("PATCH /api/v1/tasks/{taskID}", h.UpdateTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{taskID}", h.DeleteTask)
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/answer", h.AnswerTask)
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/advance", h.AdvanceTask)
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/artifacts", h.AttachArtifact)
	mux.HandleFunc("PUT /api/v1/tasks/{taskID}/pull-request", h.SetPullRequest)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/audit", h.TaskAudit)

	// Audit endpoints.
	mux.HandleFunc("GET /api/v1/audit/recent", h.RecentAudit)
	mux.HandleFunc("GET /api/v1/audit/stream", h.StreamAudit)

	return mux
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local dashboard access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
