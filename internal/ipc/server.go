package ipc

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server wraps an HTTP server with governance routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address. A non-nil
// metricsHandler is mounted at /metrics.
func NewServer(h *Handler, listenAddr string, metricsHandler http.Handler) *Server {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           NewRouter(h, metricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: srv}
}

// NewRouter builds the route table.
func NewRouter(h *Handler, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Run endpoints.
	mux.HandleFunc("POST /api/v1/runs", h.StartRun)
	mux.HandleFunc("GET /api/v1/runs", h.ListRuns)
	mux.HandleFunc("GET /api/v1/runs/{runID}", h.GetRun)
	mux.HandleFunc("POST /api/v1/runs/{runID}/approve", h.Approve)
	mux.HandleFunc("POST /api/v1/runs/{runID}/reject", h.Reject)
	mux.HandleFunc("POST /api/v1/runs/{runID}/override", h.Override)
	mux.HandleFunc("POST /api/v1/runs/{runID}/reset", h.Reset)
	mux.HandleFunc("POST /api/v1/runs/{runID}/resume", h.Resume)
	mux.HandleFunc("GET /api/v1/runs/{runID}/evidence", h.GetEvidence)

	mux.HandleFunc("GET /api/v1/gates", h.ListGates)

	// Ledger endpoints.
	mux.HandleFunc("GET /api/v1/ledger/{tenantID}/verify", h.VerifyChain)
	mux.HandleFunc("GET /api/v1/ledger/{tenantID}/entries", h.ListEntries)
	mux.HandleFunc("GET /api/v1/ledger/{tenantID}/export", h.ExportLedger)

	// Policy and classification endpoints.
	mux.HandleFunc("GET /api/v1/policy/rules", h.ListRules)
	mux.HandleFunc("POST /api/v1/policy/evaluate", h.Evaluate)
	mux.HandleFunc("POST /api/v1/classify", h.Classify)

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return logMiddleware(logger, corsMiddleware(mux))
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for the local approval console.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
