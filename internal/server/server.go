// Package server implements the Admin/HTTP Surface (spec §4.I, §6.2): the
// bearer-token-gated REST API for task submission/inspection and token
// administration, plus the WebSocket upgrade endpoint. Grounded on the
// teacher's internal/server Server (mux.Router, respondJSON/respondError
// helpers), trimmed down from the teacher's dashboard-and-captain routes
// to the task/agent/token/health surface the specification names.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/notno/agentcom/internal/auth"
	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/presence"
	"github.com/notno/agentcom/internal/protocol"
	"github.com/notno/agentcom/internal/repos"
	"github.com/notno/agentcom/internal/tasks"
)

var log = logging.New("SERVER")

// Server is the hub's HTTP surface: one mux.Router, dependencies injected
// at construction, no package-level state.
type Server struct {
	httpServer *http.Server
	router     *mux.Router

	cfg      *config.Config
	auth     *auth.Registry
	tasks    *tasks.Queue
	presence *presence.Registry
	repos    *repos.Registry
	manager  *protocol.Manager
}

// New builds the router and wraps it in an *http.Server bound to
// cfg.ListenAddr.
func New(cfg *config.Config, authReg *auth.Registry, taskQueue *tasks.Queue, presenceReg *presence.Registry, repoReg *repos.Registry, manager *protocol.Manager) *Server {
	s := &Server{
		cfg:      cfg,
		auth:     authReg,
		tasks:    taskQueue,
		presence: presenceReg,
		repos:    repoReg,
		manager:  manager,
	}

	s.router = mux.NewRouter()
	s.routes()

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      SecurityHeadersMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.manager.ServeWS).Methods("GET")

	// Reads: any authenticated agent (spec §4.I lists read endpoints
	// alongside admin-gated mutating ones without restricting them further).
	reads := s.router.NewRoute().Subrouter()
	reads.Use(s.authMiddleware)
	reads.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	reads.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	reads.HandleFunc("/agents", s.handleListAgents).Methods("GET")

	// Mutations: "is_admin required for mutating endpoints" (spec §4.I).
	admin := s.router.NewRoute().Subrouter()
	admin.Use(s.authMiddleware, s.adminMiddleware)
	admin.HandleFunc("/tasks", s.handleSubmitTask).Methods("POST")
	admin.HandleFunc("/tasks/{id}/retry", s.handleRetryTask).Methods("POST")
	admin.HandleFunc("/admin/tokens", s.handleIssueToken).Methods("POST")
	admin.HandleFunc("/admin/tokens/{agent_id}", s.handleRevokeToken).Methods("DELETE")
	admin.HandleFunc("/admin/repos", s.handlePutRepo).Methods("POST")
	admin.HandleFunc("/admin/repos/{id}", s.handleDeleteRepo).Methods("DELETE")

	reads.HandleFunc("/repos", s.handleListRepos).Methods("GET")
}

// ListenAndServe blocks serving HTTP until the listener fails or Shutdown
// is called from another goroutine.
func (s *Server) ListenAndServe() error {
	log.Printf("listening on %s", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
