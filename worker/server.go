package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// httpServer is the push endpoint the orchestrator calls to dispatch
// work to this worker (spec.md §4.7: "push server routes POST /execute,
// POST /cancel/{execution_id}, GET /health").
type httpServer struct {
	rt   *Runtime
	addr string
	srv  *http.Server
}

func newHTTPServer(rt *Runtime) *httpServer {
	addr := rt.listenAddr()
	s := &httpServer{rt: rt, addr: addr}

	r := chi.NewRouter()
	r.Post("/execute", s.handleExecute)
	r.Post("/cancel/{execution_id}", s.handleCancel)
	r.Get("/health", s.handleHealth)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *httpServer) listenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *httpServer) shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// executeRequest is the orchestrator's push payload for one dispatch.
type executeRequest struct {
	WorkerID          string          `json:"worker_id"`
	WorkflowID        string          `json:"workflow_id"`
	ExecutionID       string          `json:"execution_id"`
	DeploymentID      string          `json:"deployment_id"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	RootWorkflowID    string          `json:"root_workflow_id,omitempty"`
	RootExecutionID   string          `json:"root_execution_id,omitempty"`
	SessionID         string          `json:"session_id,omitempty"`
	UserID            string          `json:"user_id,omitempty"`
	ConversationID    string          `json:"conversation_id,omitempty"`
	RetryCount        int             `json:"retry_count,omitempty"`
	Traceparent       string          `json:"otel_traceparent,omitempty"`
	PreviousSpanID    string          `json:"previous_span_id,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	InitialState      json.RawMessage `json:"initial_state,omitempty"`
	RunTimeoutSeconds int             `json:"run_timeout_seconds,omitempty"`
}

// handleExecute accepts a pushed execution, enforcing the worker-ID
// match and in-flight concurrency limit before acknowledging (spec.md
// §4.7: "400 on worker-ID mismatch, 429 on in-flight limit, atomic
// increment + background task spawn, immediate 200 accepted").
func (s *httpServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WorkerID != s.rt.workerID {
		http.Error(w, "worker id mismatch", http.StatusBadRequest)
		return
	}

	select {
	case s.rt.sem <- struct{}{}:
	default:
		http.Error(w, "worker at capacity", http.StatusTooManyRequests)
		return
	}

	s.rt.dispatch(req)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "accepted",
		"execution_id": req.ExecutionID,
	})
}

// handleCancel signals the in-flight execution task, if any (spec.md
// §4.7: "200 if live task signaled, 404 otherwise").
func (s *httpServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "execution_id")

	s.rt.mu.Lock()
	exec, ok := s.rt.executions[executionID]
	s.rt.mu.Unlock()

	if !ok {
		http.Error(w, "no in-flight execution", http.StatusNotFound)
		return
	}
	exec.cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *httpServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.rt.mu.Lock()
	current := len(s.rt.executions)
	s.rt.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                   "healthy",
		"mode":                     "push",
		"current_executions":       current,
		"max_concurrent_workflows": cap(s.rt.sem),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
