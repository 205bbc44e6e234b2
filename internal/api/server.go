// Package api exposes the orchestrator over HTTP: run submission and
// inspection, log tailing and the test catalog CRUD.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/roborun/roborun/internal/engine"
	"github.com/roborun/roborun/internal/store"
)

// Server is the HTTP front of the orchestrator.
type Server struct {
	engine *engine.Engine
	store  *store.Store

	origins    []string
	httpServer *http.Server
}

// NewServer wires the routes. origins is the CORS allow-list; empty
// disables cross-origin access.
func NewServer(addr string, eng *engine.Engine, st *store.Store, origins []string) *Server {
	s := &Server{
		engine:  eng,
		store:   st,
		origins: origins,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/runs", s.handleSubmitRun)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/logs", s.handleRunLogs)
	mux.HandleFunc("GET /api/v1/runs/{id}/attachments", s.handleRunAttachments)

	mux.HandleFunc("POST /api/v1/testcases", s.handleCreateTestCase)
	mux.HandleFunc("GET /api/v1/testcases", s.handleListTestCases)
	mux.HandleFunc("GET /api/v1/testcases/{id}", s.handleGetTestCase)
	mux.HandleFunc("PUT /api/v1/testcases/{id}", s.handleUpdateTestCase)
	mux.HandleFunc("DELETE /api/v1/testcases/{id}", s.handleDeleteTestCase)

	mux.HandleFunc("POST /api/v1/scenarios", s.handleCreateScenario)
	mux.HandleFunc("GET /api/v1/scenarios", s.handleListScenarios)
	mux.HandleFunc("GET /api/v1/scenarios/{id}", s.handleGetScenario)
	mux.HandleFunc("PUT /api/v1/scenarios/{id}", s.handleUpdateScenario)
	mux.HandleFunc("DELETE /api/v1/scenarios/{id}", s.handleDeleteScenario)

	mux.HandleFunc("POST /api/v1/groups", s.handleCreateGroup)
	mux.HandleFunc("GET /api/v1/groups", s.handleListGroups)
	mux.HandleFunc("GET /api/v1/groups/{id}", s.handleGetGroup)
	mux.HandleFunc("DELETE /api/v1/groups/{id}", s.handleDeleteGroup)

	mux.HandleFunc("GET /api/v1/configs", s.handleListConfigs)
	mux.HandleFunc("GET /api/v1/configs/{key}", s.handleGetConfig)
	mux.HandleFunc("PUT /api/v1/configs/{key}", s.handleSetConfig)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.cors(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	slog.InfoContext(ctx, "API server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
