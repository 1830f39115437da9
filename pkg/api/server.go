// Package api exposes the orchestrator over HTTP: goal submission, graph
// inspection, streaming update retrieval, and health probes. Payloads are
// JSON; graph execution is asynchronous and polled by graph id.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/skeinlabs/skein/pkg/config"
	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/metrics"
	"github.com/skeinlabs/skein/pkg/orchestrator"
	"github.com/skeinlabs/skein/pkg/planner"
	"github.com/skeinlabs/skein/pkg/storage"
	"github.com/skeinlabs/skein/pkg/types"
)

// Server is the HTTP front end of one orchestrator process.
type Server struct {
	orch    *orchestrator.Orchestrator
	planner planner.Planner
	store   storage.Store
	cfg     *config.Config
	mux     *http.ServeMux
	http    *http.Server
	logger  zerolog.Logger
}

// NewServer wires the HTTP routes. planner may be nil, which disables goal
// planning and leaves only explicit graph submission.
func NewServer(orch *orchestrator.Orchestrator, pl planner.Planner, store storage.Store, cfg *config.Config) *Server {
	s := &Server{
		orch:    orch,
		planner: pl,
		store:   store,
		cfg:     cfg,
		mux:     http.NewServeMux(),
		logger:  log.WithComponent("api"),
	}

	s.mux.HandleFunc("POST /v1/goals", s.submitGoal)
	s.mux.HandleFunc("POST /v1/graphs", s.submitGraph)
	s.mux.HandleFunc("GET /v1/graphs", s.listGraphs)
	s.mux.HandleFunc("GET /v1/graphs/{id}", s.getGraph)
	s.mux.HandleFunc("GET /v1/graphs/{id}/updates", s.getUpdates)
	s.mux.HandleFunc("GET /v1/graphs/{id}/logs", s.getLogs)
	s.mux.HandleFunc("GET /health", s.health)
	s.mux.HandleFunc("GET /ready", s.ready)
	s.mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api listening")
	return s.http.ListenAndServe()
}

// Stop shuts the listener down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler returns the route table for embedding in tests.
func (s *Server) Handler() http.Handler { return s.mux }

// GoalRequest is the POST /v1/goals body.
type GoalRequest struct {
	Goal             string `json:"goal"`
	ExecutionMode    string `json:"execution_mode,omitempty"`
	MaxParallelTasks int    `json:"max_parallel_tasks,omitempty"`
	UserID           string `json:"user_id,omitempty"`
}

// SubmitResponse acknowledges an accepted graph.
type SubmitResponse struct {
	GraphID string `json:"graph_id"`
	Status  string `json:"status"`
}

func (s *Server) submitGoal(w http.ResponseWriter, r *http.Request) {
	if s.planner == nil {
		writeError(w, http.StatusNotImplemented, "no planner configured")
		return
	}

	var req GoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	sc := requestContext(req.UserID)
	graph, err := s.planner.Plan(r.Context(), req.Goal, sc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "planning failed: "+err.Error())
		return
	}
	if req.ExecutionMode != "" {
		graph.ExecutionMode = types.ExecutionMode(req.ExecutionMode)
	}
	if req.MaxParallelTasks > 0 {
		graph.MaxParallelTasks = req.MaxParallelTasks
	}

	s.launch(graph, sc)
	writeJSON(w, http.StatusAccepted, SubmitResponse{GraphID: graph.GraphID, Status: "accepted"})
}

func (s *Server) submitGraph(w http.ResponseWriter, r *http.Request) {
	var graph types.TaskGraph
	if err := json.NewDecoder(r.Body).Decode(&graph); err != nil {
		writeError(w, http.StatusBadRequest, "invalid graph: "+err.Error())
		return
	}
	if graph.GraphID == "" || len(graph.Nodes) == 0 {
		writeError(w, http.StatusBadRequest, "graph_id and nodes are required")
		return
	}
	if err := graph.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := r.Header.Get("X-User-ID")
	s.launch(&graph, requestContext(userID))
	writeJSON(w, http.StatusAccepted, SubmitResponse{GraphID: graph.GraphID, Status: "accepted"})
}

// launch runs the graph in the background; callers poll by graph id. The
// request context is not used: the run outlives the HTTP exchange.
func (s *Server) launch(graph *types.TaskGraph, sc *types.SecurityContext) {
	go func() {
		if _, err := s.orch.ProcessGoal(context.Background(), graph, sc); err != nil {
			s.logger.Error().Err(err).Str("graph_id", graph.GraphID).Msg("graph execution failed")
		}
	}()
}

// GraphSummary is one row of the graph listing.
type GraphSummary struct {
	GraphID     string           `json:"graph_id"`
	GoalSummary string           `json:"goal_summary,omitempty"`
	Status      types.TaskStatus `json:"status"`
	RiskLevel   types.RiskLevel  `json:"risk_level"`
	NodeCount   int              `json:"node_count"`
	CreatedAt   time.Time        `json:"created_at"`
}

func (s *Server) listGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := s.store.ListGraphs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	summaries := make([]GraphSummary, 0, len(graphs))
	for _, g := range graphs {
		summaries = append(summaries, GraphSummary{
			GraphID:     g.GraphID,
			GoalSummary: g.GoalSummary,
			Status:      g.Status,
			RiskLevel:   g.RiskLevel,
			NodeCount:   len(g.Nodes),
			CreatedAt:   g.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) getGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := s.store.GetGraph(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "graph not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (s *Server) getUpdates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.StreamingUpdates(r.PathValue("id")))
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.ExecutionLogs(r.PathValue("id")))
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string                      `json:"status"`
	Timestamp time.Time                   `json:"timestamp"`
	Snapshot  orchestrator.HealthSnapshot `json:"snapshot"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Snapshot:  s.orch.Health(r.Context()),
	})
}

// ReadyResponse is the /ready body.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if _, err := s.store.ListGraphs(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
	} else {
		checks["storage"] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{Status: status, Timestamp: time.Now().UTC(), Checks: checks})
}

// requestContext builds the security envelope for an API submission. An
// empty user id runs unauthenticated.
func requestContext(userID string) *types.SecurityContext {
	if userID == "" {
		userID = "anonymous"
	}
	sc := types.NewSecurityContext(userID)
	sc.IsAuthenticated = userID != "anonymous"
	sc.AllowedScopes = []types.PermissionScope{types.ScopeRead, types.ScopeWrite, types.ScopeExecute}
	return sc
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
