// Package server is the admin HTTP surface: health, a self-describing
// route list (go-chi/docgen, a dependency the teacher's go.mod carries
// but whose call site wasn't present in the retrieved snapshot - see
// DESIGN.md), and a manual sync trigger. Handlers render with
// go-chi/render the way the rest of this module's stack favors a
// library over hand-rolled encoding/json plumbing.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/docgen"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"moul.io/basesync/pkg/engine"
)

// Server wires the admin HTTP API on top of an *engine.Engine.
type Server struct {
	engine *engine.Engine
	logger *zap.Logger
	router chi.Router
}

// New builds a Server. Call Router().ServeHTTP or http.ListenAndServe
// directly on the returned *Server.
func New(e *engine.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L()
	}
	s := &Server{engine: e, logger: logger}
	s.router = s.buildRouter()
	return s
}

// Router returns the underlying chi.Router (e.g. for tests).
func (s *Server) Router() chi.Router { return s.router }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/routes", s.handleRoutes(r))
	r.Post("/sync/{configID}", s.handleSync)

	return r
}

type healthzResponse struct {
	Status string `json:"status"`
}

func (healthzResponse) Render(w http.ResponseWriter, r *http.Request) error { return nil }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	_ = render.Render(w, r, &healthzResponse{Status: "ok"})
}

func (s *Server) handleRoutes(r chi.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		docs := docgen.JSONRoutesDoc(r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(docs))
	}
}

type errResponse struct {
	HTTPStatusCode int    `json:"-"`
	Message        string `json:"message"`
}

func (e *errResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	configID := chi.URLParam(r, "configID")
	if configID == "" {
		_ = render.Render(w, r, &errResponse{HTTPStatusCode: http.StatusBadRequest, Message: "missing configID"})
		return
	}

	result, err := s.engine.RunSync(r.Context(), configID)
	if err != nil {
		s.logger.Error("sync failed", zap.String("sync_config_id", configID), zap.Error(err))
		_ = render.Render(w, r, &errResponse{HTTPStatusCode: http.StatusInternalServerError, Message: err.Error()})
		return
	}

	render.JSON(w, r, result)
}
