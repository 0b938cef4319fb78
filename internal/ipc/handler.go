// Package ipc provides the HTTP API for the governance core.
package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/classifier"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/ledger"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/policy"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/workflow"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Orchestrator *workflow.Orchestrator
	Ledger       *ledger.Ledger
	Policy       *policy.Engine
	Classifier   *classifier.Classifier
	Logger       *zap.Logger
}

// OperatorRequest is the body of the approve, reject, reset and override
// endpoints. Text carries the attestation, reason or justification.
type OperatorRequest struct {
	OperatorID string              `json:"operatorId"`
	Role       domain.OperatorRole `json:"role"`
	Text       string              `json:"text"`
}

// EvaluateRequest is the body for POST /api/v1/policy/evaluate.
type EvaluateRequest struct {
	TenantID        string                `json:"tenantId"`
	SessionID       string                `json:"sessionId"`
	URL             string                `json:"url"`
	Domain          string                `json:"domain"`
	Action          domain.ActionType     `json:"action"`
	Target          string                `json:"target"`
	Value           string                `json:"value"`
	Classification  domain.Classification `json:"classification"`
	OperatorID      string                `json:"operatorId"`
	AgentID         string                `json:"agentId"`
	ConsentObtained *bool                 `json:"consentObtained"`
	LawfulBasis     string                `json:"lawfulBasis"`
}

// ClassifyRequest is the body for POST /api/v1/classify.
type ClassifyRequest struct {
	Decision           string `json:"decision"`
	Domain             string `json:"domain"`
	HasFinancialImpact bool   `json:"hasFinancialImpact"`
	HasLegalImpact     bool   `json:"hasLegalImpact"`
	IsClientFacing     bool   `json:"isClientFacing"`
}

// RuleView is the serializable form of a policy rule.
type RuleView struct {
	ID                  string                `json:"id"`
	Name                string                `json:"name"`
	Decision            domain.PolicyDecision `json:"decision"`
	RequiresAttestation bool                  `json:"requiresAttestation"`
	Source              string                `json:"source"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StartRun handles POST /api/v1/runs.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req workflow.StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	run, err := h.Orchestrator.Start(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// ListRuns handles GET /api/v1/runs?tenant=ID.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "tenant is required"})
		return
	}
	runs, err := h.Orchestrator.List(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.WorkflowRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/runs/{runID}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Orchestrator.Get(r.Context(), r.PathValue("runID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Approve handles POST /api/v1/runs/{runID}/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req OperatorRequest
	if !decodeOperator(w, r, &req) {
		return
	}
	run, err := h.Orchestrator.Approve(r.Context(), r.PathValue("runID"),
		domain.Operator{ID: req.OperatorID, Role: req.Role}, req.Text)
	h.writeRun(w, run, err)
}

// Reject handles POST /api/v1/runs/{runID}/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	var req OperatorRequest
	if !decodeOperator(w, r, &req) {
		return
	}
	run, err := h.Orchestrator.Reject(r.Context(), r.PathValue("runID"),
		domain.Operator{ID: req.OperatorID, Role: req.Role}, req.Text)
	h.writeRun(w, run, err)
}

// Override handles POST /api/v1/runs/{runID}/override.
func (h *Handler) Override(w http.ResponseWriter, r *http.Request) {
	var req OperatorRequest
	if !decodeOperator(w, r, &req) {
		return
	}
	run, err := h.Orchestrator.Override(r.Context(), r.PathValue("runID"),
		domain.Operator{ID: req.OperatorID, Role: req.Role}, req.Text)
	h.writeRun(w, run, err)
}

// Reset handles POST /api/v1/runs/{runID}/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var req OperatorRequest
	if !decodeOperator(w, r, &req) {
		return
	}
	run, err := h.Orchestrator.Reset(r.Context(), r.PathValue("runID"), req.OperatorID, req.Text)
	h.writeRun(w, run, err)
}

// Resume handles POST /api/v1/runs/{runID}/resume.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	run, err := h.Orchestrator.Resume(r.Context(), r.PathValue("runID"))
	h.writeRun(w, run, err)
}

// GetEvidence handles GET /api/v1/runs/{runID}/evidence?operator=ID. The
// download is itself recorded in the ledger.
func (h *Handler) GetEvidence(w http.ResponseWriter, r *http.Request) {
	operatorID := r.URL.Query().Get("operator")
	if operatorID == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "operator is required"})
		return
	}
	var buf bytes.Buffer
	if _, err := h.Orchestrator.ExportEvidence(r.Context(), r.PathValue("runID"), operatorID, &buf); err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// ListGates handles GET /api/v1/gates?tenant=ID.
func (h *Handler) ListGates(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "tenant is required"})
		return
	}
	gates := h.Orchestrator.Gates().Pending(tenantID)
	if gates == nil {
		gates = []domain.PendingGate{}
	}
	writeJSON(w, http.StatusOK, gates)
}

// VerifyChain handles GET /api/v1/ledger/{tenantID}/verify?from=N.
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	from := int64(1)
	if s := r.URL.Query().Get("from"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "from must be an integer"})
			return
		}
		from = parsed
	}
	report, err := h.Ledger.VerifyChain(r.Context(), r.PathValue("tenantID"), from)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListEntries handles GET /api/v1/ledger/{tenantID}/entries.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	entries, err := h.Ledger.Find(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ExportLedger handles GET /api/v1/ledger/{tenantID}/export as line-delimited
// JSON for SIEM ingestion. redact=true masks operator identity and free text.
func (h *Handler) ExportLedger(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	opts := ledger.ExportOptions{Redact: r.URL.Query().Get("redact") == "true"}

	var buf bytes.Buffer
	if _, err := h.Ledger.ExportForSIEM(r.Context(), &buf, f, opts); err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// ListRules handles GET /api/v1/policy/rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.Policy.Rules()
	views := make([]RuleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, RuleView{
			ID:                  rule.ID,
			Name:                rule.Name,
			Decision:            rule.Decision,
			RequiresAttestation: rule.RequiresAttestation,
			Source:              rule.Source,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// Evaluate handles POST /api/v1/policy/evaluate. The evaluation is recorded
// in the tenant's ledger like any other.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.Action == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "tenantId and action are required"})
		return
	}
	res, err := h.Policy.Evaluate(r.Context(), domain.ActionContext{
		TenantID:        req.TenantID,
		SessionID:       req.SessionID,
		URL:             req.URL,
		Domain:          req.Domain,
		Action:          domain.ActionType(strings.ToUpper(string(req.Action))),
		Target:          req.Target,
		Value:           req.Value,
		Classification:  req.Classification,
		OperatorID:      req.OperatorID,
		AgentID:         req.AgentID,
		ConsentObtained: req.ConsentObtained,
		LawfulBasis:     req.LawfulBasis,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Classify handles POST /api/v1/classify.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res := h.Classifier.Classify(req.Decision, req.Domain, classifier.Attributes{
		HasFinancialImpact: req.HasFinancialImpact,
		HasLegalImpact:     req.HasLegalImpact,
		IsClientFacing:     req.IsClientFacing,
	})
	writeJSON(w, http.StatusOK, res)
}

func parseFilter(w http.ResponseWriter, r *http.Request) (ledger.Filter, bool) {
	q := r.URL.Query()
	f := ledger.Filter{
		TenantID:       r.PathValue("tenantID"),
		SessionID:      q.Get("session"),
		Classification: domain.Classification(q.Get("classification")),
		Decision:       domain.PolicyDecision(q.Get("decision")),
		OperatorID:     q.Get("operator"),
	}
	for _, a := range q["action"] {
		f.Actions = append(f.Actions, domain.ActionType(a))
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		if s := q.Get(p.key); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: p.key + " must be RFC 3339"})
				return f, false
			}
			*p.dst = t
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "limit must be a non-negative integer"})
			return f, false
		}
		f.Limit = n
	}
	return f, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return false
	}
	return true
}

func decodeOperator(w http.ResponseWriter, r *http.Request, req *OperatorRequest) bool {
	if !decodeBody(w, r, req) {
		return false
	}
	if req.OperatorID == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "operatorId is required"})
		return false
	}
	return true
}

func (h *Handler) writeRun(w http.ResponseWriter, run *domain.WorkflowRun, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps engine error codes to HTTP statuses.
func statusFor(code int) int {
	switch code {
	case domain.ErrRunNotFound.Code, domain.ErrGateNotFound.Code, domain.ErrEntryNotFound.Code:
		return http.StatusNotFound
	case domain.ErrRunActiveForCase.Code, domain.ErrRunAlreadyDone.Code, domain.ErrRunNotSuspended.Code,
		domain.ErrRunNotBlocked.Code, domain.ErrRunNotTerminal.Code, domain.ErrOptimisticLock.Code,
		domain.ErrGateAlreadyOpen.Code, domain.ErrGateNotPending.Code:
		return http.StatusConflict
	case domain.ErrSeparationOfDuties.Code, domain.ErrRoleNotEligible.Code, domain.ErrOverrideNotAllowed.Code:
		return http.StatusForbidden
	case domain.ErrInvalidRequest.Code, domain.ErrNoRoles.Code, domain.ErrInvalidStep.Code,
		domain.ErrAttestationRequired.Code, domain.ErrInvalidRule.Code:
		return http.StatusBadRequest
	case domain.ErrEvidenceIncomplete.Code, domain.ErrPackHashMismatch.Code, domain.ErrChainIntegrityFailure.Code:
		return http.StatusUnprocessableEntity
	case domain.ErrLedgerUnavailable.Code:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := statusFor(engErr.Code)
		if status >= http.StatusInternalServerError && h.Logger != nil {
			h.Logger.Error("request failed", zap.Error(err))
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	if h.Logger != nil {
		h.Logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}
