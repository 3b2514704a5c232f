// Package gateway is the orchestrator's HTTP surface: the webhook ingress
// with HMAC-SHA256 signature verification, the read-only admin endpoints
// over tasks, and the background reconciliation sweep that flags stuck
// tasks.
package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentswarm/orchestrator/internal/apperr"
	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/metrics"
	"github.com/agentswarm/orchestrator/internal/router"
	"github.com/agentswarm/orchestrator/internal/task"
)

const serviceName = "agent-swarm-orchestrator"

// Server wires the webhook ingress and admin endpoints over the Command
// Router and State Machine.
type Server struct {
	router        *router.Router
	machine       *task.Machine
	webhookSecret []byte
	metrics       *metrics.Metrics
	log           *logging.Logger

	mux *mux.Router
}

// New builds a Server and its route table.
func New(cmdRouter *router.Router, machine *task.Machine, webhookSecret []byte, m *metrics.Metrics, log *logging.Logger) *Server {
	s := &Server{
		router:        cmdRouter,
		machine:       machine,
		webhookSecret: webhookSecret,
		metrics:       m,
		log:           log,
	}
	s.initRouter()
	return s
}

func (s *Server) initRouter() {
	r := mux.NewRouter()
	r.Use(s.metrics.Middleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	s.mux = r
}

// Handler returns the fully wired http.Handler for the process entrypoint
// and for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("failed to encode response", "error", err.Error())
	}
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Service: serviceName})
}

// TasksResponse is the GET /tasks body: active tasks, newest-updated first.
type TasksResponse struct {
	Tasks []*task.Task `json:"tasks"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.machine.ListActiveTasks(r.Context())
	if err != nil {
		s.log.Error("failed to list active tasks", "error", err.Error())
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, TasksResponse{Tasks: tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.machine.GetTask(r.Context(), id)
	if err != nil {
		if apperr.Is(err, apperr.ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		s.log.Error("failed to load task", "task", id, "error", err.Error())
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}
