package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rlmrs/rlmrs/pkg/budget"
	"github.com/rlmrs/rlmrs/pkg/citation"
	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/corpus"
	"github.com/rlmrs/rlmrs/pkg/execution"
	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/observability"
	"github.com/rlmrs/rlmrs/pkg/orchestrator"
	"github.com/rlmrs/rlmrs/pkg/sandbox"
	"github.com/rlmrs/rlmrs/pkg/session"
)

// defaultTenant applies when a request carries no tenant. There is no
// authentication layer; tenancy is a namespacing convention for drivers.
const defaultTenant = "default"

// executionPollInterval paces the long-poll loop on GET /v1/executions.
const executionPollInterval = 250 * time.Millisecond

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(s.obs.Tracer("server"), s.obs.Metrics()))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Post("/sessions/sweep", s.handleSweepSessions)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Post("/sessions/{sessionID}/documents", s.handleAddDocuments)
		r.Post("/sessions/{sessionID}/documents/{docID}/status", s.handleDocumentStatus)

		r.Post("/executions", s.handleCreateExecution)
		r.Get("/executions/{executionID}", s.handleGetExecution)
		r.Get("/executions/{executionID}/audit", s.handleExecutionAudit)
		r.Post("/executions/{executionID}/cancel", s.handleCancelExecution)
		r.Post("/executions/{executionID}/step", s.handleStep)
		r.Post("/executions/{executionID}/tools", s.handleResolveTools)

		r.Post("/citations/verify", s.handleVerifyCitation)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	Tenant    string               `json:"tenant,omitempty"`
	Readiness session.Readiness    `json:"readiness,omitempty"`
	Documents []session.Document   `json:"documents,omitempty"`
	Defaults  *config.LimitsConfig `json:"defaults,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Tenant == "" {
		req.Tenant = defaultTenant
	}
	if req.Readiness == "" {
		req.Readiness = session.ReadinessLax
	}

	sess, err := s.sessions.Create(r.Context(), req.Tenant, req.Readiness, req.Documents, req.Defaults)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleSweepSessions transitions the tenant's expired sessions. Expiry is
// also enforced lazily on access; the sweep exists so operators can reclaim
// the partition without touching every session.
func (s *Server) handleSweepSessions(w http.ResponseWriter, r *http.Request) {
	swept, err := s.sessions.SweepExpired(r.Context(), tenantOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"swept": swept})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), tenantOf(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type addDocumentsRequest struct {
	Tenant    string             `json:"tenant,omitempty"`
	Documents []session.Document `json:"documents"`
}

func (s *Server) handleAddDocuments(w http.ResponseWriter, r *http.Request) {
	var req addDocumentsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Tenant == "" {
		req.Tenant = defaultTenant
	}

	sess, err := s.sessions.AddDocuments(r.Context(), req.Tenant, chi.URLParam(r, "sessionID"), req.Documents)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// documentStatusRequest is the parser pipeline's completion callback:
// parsing and indexing happen outside this service, and flip the flags
// here when sidecars land in the object store.
type documentStatusRequest struct {
	Tenant  string `json:"tenant,omitempty"`
	Parsed  bool   `json:"parsed"`
	Indexed bool   `json:"indexed"`
}

func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	var req documentStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Tenant == "" {
		req.Tenant = defaultTenant
	}

	sess, err := s.sessions.SetDocumentStatus(r.Context(), req.Tenant,
		chi.URLParam(r, "sessionID"), chi.URLParam(r, "docID"), req.Parsed, req.Indexed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type createExecutionRequest struct {
	Tenant     string               `json:"tenant,omitempty"`
	SessionID  string               `json:"session_id"`
	Mode       execution.Mode       `json:"mode,omitempty"`
	OutputMode execution.OutputMode `json:"output_mode,omitempty"`
	Question   string               `json:"question,omitempty"`
	Limits     config.LimitsConfig  `json:"limits,omitempty"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Tenant == "" {
		req.Tenant = defaultTenant
	}
	if req.Mode == "" {
		req.Mode = execution.ModeAnswerer
	}

	// Reject unknown sessions up front; readiness is checked when the
	// execution actually starts.
	if _, err := s.sessions.Get(r.Context(), req.Tenant, req.SessionID); err != nil {
		writeError(w, r, err)
		return
	}

	exec, err := s.executions.Create(r.Context(), &execution.Execution{
		Tenant:     req.Tenant,
		SessionID:  req.SessionID,
		Mode:       req.Mode,
		OutputMode: req.OutputMode,
		Question:   req.Question,
		Limits:     req.Limits,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Answerer executions run on the worker pool; runtime executions wait
	// for their driver to call step.
	if exec.Mode == execution.ModeAnswerer {
		if err := s.dispatcher.Submit(r.Context(), exec.ID); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, exec)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	exec, err := s.executions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// ?wait=10s long-polls until the execution is terminal or the window
	// closes, whichever comes first.
	if waitRaw := r.URL.Query().Get("wait"); waitRaw != "" && !exec.Status.IsTerminal() {
		wait, perr := time.ParseDuration(waitRaw)
		if perr != nil {
			writeError(w, r, fault.New(fault.CodeValidation, "invalid wait duration %q", waitRaw))
			return
		}
		exec, err = s.waitTerminal(r, id, wait)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) waitTerminal(r *http.Request, id string, wait time.Duration) (*execution.Execution, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(executionPollInterval)
	defer ticker.Stop()

	for {
		exec, err := s.executions.Get(r.Context(), id)
		if err != nil {
			return nil, err
		}
		if exec.Status.IsTerminal() || time.Now().After(deadline) {
			return exec, nil
		}
		select {
		case <-r.Context().Done():
			return exec, nil
		case <-ticker.C:
		}
	}
}

func (s *Server) handleExecutionAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	if _, err := s.executions.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.executions.Audit(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.executions.Cancel(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StepRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.orch.Step(r.Context(), chi.URLParam(r, "executionID"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resolveToolsRequest struct {
	LLMRequests    []sandbox.LLMRequest    `json:"llm_requests,omitempty"`
	SearchRequests []sandbox.SearchRequest `json:"search_requests,omitempty"`
}

func (s *Server) handleResolveTools(w http.ResponseWriter, r *http.Request) {
	var req resolveToolsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	statuses, err := s.orch.ResolveTools(r.Context(), chi.URLParam(r, "executionID"), req.LLMRequests, req.SearchRequests)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

type verifyCitationResponse struct {
	Valid bool         `json:"valid"`
	Error *fault.Fault `json:"error,omitempty"`
}

// handleVerifyCitation re-reads the cited range from the canonical text
// and re-derives its checksum. Mismatches report valid=false rather than
// an error status: a stale citation is an answer, not a failure.
func (s *Server) handleVerifyCitation(w http.ResponseWriter, r *http.Request) {
	var ref citation.SpanRef
	if err := decodeBody(r, &ref); err != nil {
		writeError(w, r, err)
		return
	}
	if ref.Tenant == "" {
		ref.Tenant = defaultTenant
	}

	sess, err := s.sessions.Get(r.Context(), ref.Tenant, ref.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	view := corpus.New(s.blobs, sess.Manifest(), nil, s.cfg.Limits.MaxScanHits)
	valid, err := citation.Verify(r.Context(), view, ref)
	if err != nil {
		var f *fault.Fault
		if errors.As(err, &f) && f.Code == fault.CodeChecksumMismatch {
			writeJSON(w, http.StatusOK, verifyCitationResponse{Valid: false, Error: f})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyCitationResponse{Valid: valid})
}

func tenantOf(r *http.Request) string {
	if t := r.URL.Query().Get("tenant"); t != "" {
		return t
	}
	return defaultTenant
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fault.New(fault.CodeValidation, "invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders the fault envelope. Non-fault errors surface as
// INTERNAL_ERROR; a lease held elsewhere maps to 409 so drivers retry.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, budget.ErrLeaseHeld) {
		f := fault.New(fault.CodeValidation, "execution is being driven by another instance")
		f.RequestID = middleware.GetReqID(r.Context())
		writeJSON(w, http.StatusConflict, f)
		return
	}

	var f *fault.Fault
	if !errors.As(err, &f) {
		f = fault.Wrap(fault.CodeInternal, err, "internal error")
	}
	f.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, fault.HTTPStatus(f.Code), f)
}
