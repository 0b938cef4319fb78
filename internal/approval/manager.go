// Package approval implements the approval gate manager: the
// NONE -> PENDING -> {APPROVED, REJECTED, TIMED_OUT} state machine with
// separation of duties, role eligibility and a wall-clock timeout.
package approval

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/ledger"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/metrics"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/policy"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/store"
)

// DefaultTimeout is how long a gate waits for a human before auto-rejecting.
const DefaultTimeout = time.Hour

// TimeoutReasoning is the ledger reasoning of an expired gate.
const TimeoutReasoning = "Approval timeout — auto-rejected"

const (
	defaultKeepResolved = 1024
	defaultRetryBase    = 5 * time.Second
	maxRetryDelay       = 5 * time.Minute
)

// OpenRequest describes a gate to open for one step of a run.
type OpenRequest struct {
	RunID              string
	TenantID           string
	StepIndex          int
	Checkpoint         domain.AgentRole
	InitiatorID        string
	Decision           string
	Domain             string
	Classification     domain.ClassificationResult
	Policy             *policy.Result
	RequiredActionType domain.ActionType
	Severity           domain.Severity
	IntegrityAlert     bool
}

// ResolveRequest is a human decision on a pending gate.
type ResolveRequest struct {
	GateID          string
	Operator        domain.Operator
	Approve         bool
	AttestationText string
	Reason          string
}

// Resolution is delivered once for every gate that reaches a final state
// through human action or timeout.
type Resolution struct {
	Gate      domain.PendingGate
	Outcome   domain.GateState
	Replay    bool
	Halt      bool
	Reasoning string
	EntryID   string
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the gate timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithStore mirrors gate state into the approval_gates table for readers.
func WithStore(db *sql.DB) Option {
	return func(m *Manager) { m.db = db }
}

// WithPolicy sets the policy engine consulted by NeedsGate.
func WithPolicy(p *policy.Engine) Option {
	return func(m *Manager) { m.policy = p }
}

// WithClock overrides the time source used for gate timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type gateSlot struct {
	gate    domain.PendingGate
	timer   *time.Timer
	retries int
}

// Manager owns every open gate. All state transitions happen under mu, and
// a gate leaves PENDING exactly once.
type Manager struct {
	ledger  ledger.Appender
	policy  *policy.Engine
	db      *sql.DB
	repo    store.GateRepo
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time

	handlerMu sync.RWMutex
	handler   func(Resolution)

	// retryBase is the first delay before a timeout whose ledger record
	// failed is attempted again.
	retryBase time.Duration
	// keepResolved bounds how many resolved gates stay in memory; older
	// ones are served from the store.
	keepResolved int

	mu       sync.Mutex
	gates    map[string]*gateSlot
	byRun    map[string]string
	resolved []string
	stopped  bool
}

// NewManager creates a gate manager that records transitions through appender.
func NewManager(appender ledger.Appender, opts ...Option) *Manager {
	m := &Manager{
		ledger:  appender,
		logger:  zap.NewNop(),
		timeout:      DefaultTimeout,
		now:          time.Now,
		retryBase:    defaultRetryBase,
		keepResolved: defaultKeepResolved,
		gates:        make(map[string]*gateSlot),
		byRun:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnResolved registers the callback that receives every final transition.
func (m *Manager) OnResolved(fn func(Resolution)) {
	m.handlerMu.Lock()
	m.handler = fn
	m.handlerMu.Unlock()
}

func (m *Manager) deliver(res Resolution) {
	m.handlerMu.RLock()
	fn := m.handler
	m.handlerMu.RUnlock()
	if fn != nil {
		fn(res)
	}
}

// Timeout returns the configured gate timeout.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// NeedsGate evaluates the action through the policy engine with the given
// classification and reports whether a human gate is required. A gate is
// required for ADVISORY or MANDATORY output and for any REQUIRE_* policy
// decision. A DENY never needs a gate; the caller blocks instead.
func (m *Manager) NeedsGate(ctx context.Context, ac domain.ActionContext, cls domain.ClassificationResult) (bool, *policy.Result, error) {
	if m.policy == nil {
		return false, nil, fmt.Errorf("approval manager has no policy engine")
	}
	ac.Classification = cls.Classification
	res, err := m.policy.Evaluate(ctx, ac)
	if err != nil {
		return false, nil, err
	}
	switch res.Decision {
	case domain.DecisionDeny:
		return false, res, nil
	case domain.DecisionRequireApproval, domain.DecisionRequireAttestation:
		return true, res, nil
	}
	return cls.Classification == domain.ClassAdvisory || cls.Classification == domain.ClassMandatory, res, nil
}

// OpenReasoning is the ledger reasoning recorded when g is opened.
func OpenReasoning(g domain.PendingGate) string {
	return fmt.Sprintf("Approval required at %s checkpoint (step %d): %s", g.ActiveCheckpointAgent, g.StepIndex, g.Rationale)
}

// Open creates a PENDING gate for a run and arms its timeout. A run has at
// most one open gate.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*domain.PendingGate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byRun[req.RunID]; ok {
		return nil, domain.Wrap(domain.ErrGateAlreadyOpen, "gate "+id, nil)
	}

	now := m.now().UTC()
	g := domain.PendingGate{
		GateID:                uuid.NewString(),
		RunID:                 req.RunID,
		TenantID:              req.TenantID,
		StepIndex:             req.StepIndex,
		Decision:              req.Decision,
		Classification:        req.Classification.Classification,
		Domain:                req.Domain,
		CreatedAt:             now,
		Rationale:             req.Classification.Rationale,
		Confidence:            req.Classification.Confidence,
		ApprovalRequestedAt:   now,
		RequiredActionType:    req.RequiredActionType,
		ActiveCheckpointAgent: req.Checkpoint,
		WorkflowInitiatorID:   req.InitiatorID,
		PolicyDecision:        domain.DecisionRequireApproval,
		Severity:              req.Severity,
		IntegrityAlert:        req.IntegrityAlert,
		State:                 domain.GatePending,
	}
	if req.Policy != nil {
		if req.Policy.Decision.Rank() > g.PolicyDecision.Rank() {
			g.PolicyDecision = req.Policy.Decision
		}
		g.RequiresAttestation = req.Policy.RequiresAttestation
		g.AttestationPrompt = strings.Join(req.Policy.AttestationPrompts, " ")
	}

	reasoning := OpenReasoning(g)
	_, err := m.ledger.Append(ctx, ledger.Record{
		TenantID:       g.TenantID,
		SessionID:      g.RunID,
		AgentID:        string(g.ActiveCheckpointAgent),
		Action:         domain.OpGateOpen,
		Target:         g.GateID,
		Classification: g.Classification,
		PolicyDecision: g.PolicyDecision,
		Reasoning:      reasoning,
		Details: map[string]any{
			"gateId":              g.GateID,
			"stepIndex":           g.StepIndex,
			"confidence":          g.Confidence,
			"requiresAttestation": g.RequiresAttestation,
			"severity":            string(g.Severity),
			"integrityAlert":      g.IntegrityAlert,
			"timeoutSeconds":      int64(m.timeout / time.Second),
		},
	})
	if err != nil {
		return nil, err
	}

	slot := &gateSlot{gate: g}
	gateID := g.GateID
	slot.timer = time.AfterFunc(m.timeout, func() { m.expire(gateID) })
	m.gates[gateID] = slot
	m.byRun[g.RunID] = gateID
	m.persist(ctx, g)
	m.metrics.RecordGateOpened()

	m.logger.Info("approval gate opened",
		zap.String("gate", gateID),
		zap.String("run", g.RunID),
		zap.String("checkpoint", string(g.ActiveCheckpointAgent)),
		zap.String("classification", string(g.Classification)))
	out := g
	return &out, nil
}

// Resolve applies a human decision. Checks run in order: the gate must be
// pending, the operator must not be the run initiator, the operator role
// must be eligible for the checkpoint, and an approval of an attestation
// gate must carry attestation text. Failed checks are recorded as denied
// attempts and leave the gate PENDING.
func (m *Manager) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	m.mu.Lock()
	slot, ok := m.gates[req.GateID]
	if !ok {
		m.mu.Unlock()
		return nil, domain.ErrGateNotFound
	}
	if slot.gate.State != domain.GatePending {
		m.mu.Unlock()
		return nil, domain.Wrap(domain.ErrGateNotPending, string(slot.gate.State), nil)
	}
	g := slot.gate

	if req.Operator.ID == "" || req.Operator.ID == g.WorkflowInitiatorID {
		err := m.denyAttempt(ctx, g, req, domain.ErrSeparationOfDuties,
			fmt.Sprintf("Separation of duties violation: operator %q initiated run %s", req.Operator.ID, g.RunID))
		m.mu.Unlock()
		return nil, err
	}
	if !CanResolve(req.Operator.Role, g.ActiveCheckpointAgent) {
		err := m.denyAttempt(ctx, g, req, domain.ErrRoleNotEligible,
			fmt.Sprintf("Role %s is not eligible to resolve the %s checkpoint", req.Operator.Role, g.ActiveCheckpointAgent))
		m.mu.Unlock()
		return nil, err
	}
	if req.Approve && g.RequiresAttestation && strings.TrimSpace(req.AttestationText) == "" {
		err := m.denyAttempt(ctx, g, req, domain.ErrAttestationRequired,
			"Attestation text is required to approve this gate")
		m.mu.Unlock()
		return nil, err
	}

	rec := ledger.Record{
		TenantID:        g.TenantID,
		SessionID:       g.RunID,
		AgentID:         string(g.ActiveCheckpointAgent),
		OperatorID:      req.Operator.ID,
		Target:          g.GateID,
		Classification:  g.Classification,
		ApproverID:      req.Operator.ID,
		AttestationText: req.AttestationText,
		Details: map[string]any{
			"gateId":       g.GateID,
			"stepIndex":    g.StepIndex,
			"operatorRole": string(req.Operator.Role),
		},
	}
	approved := req.Approve
	rec.Approved = &approved
	var outcome domain.GateState
	if req.Approve {
		outcome = domain.GateApproved
		rec.Action = domain.OpGateApprove
		rec.PolicyDecision = domain.DecisionAllow
		rec.Reasoning = fmt.Sprintf("Approved by %s (%s) at %s checkpoint", req.Operator.ID, req.Operator.Role, g.ActiveCheckpointAgent)
	} else {
		outcome = domain.GateRejected
		rec.Action = domain.OpGateReject
		rec.PolicyDecision = domain.DecisionDeny
		rec.Reasoning = fmt.Sprintf("Rejected by %s (%s) at %s checkpoint", req.Operator.ID, req.Operator.Role, g.ActiveCheckpointAgent)
	}
	if req.Reason != "" {
		rec.Reasoning += ": " + req.Reason
	}

	entry, err := m.ledger.Append(ctx, rec)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	res := m.finishLocked(ctx, slot, outcome, req.Operator.ID, rec.Reasoning, entry.ID)
	m.mu.Unlock()

	m.deliver(res)
	return &res, nil
}

// Cancel withdraws the open gate of a run without delivering a resolution.
// It returns nil when the run has no open gate.
func (m *Manager) Cancel(ctx context.Context, runID, operatorID, reason string) (*domain.PendingGate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byRun[runID]
	if !ok {
		return nil, nil
	}
	slot := m.gates[id]
	g := slot.gate
	reasoning := "Gate canceled"
	if reason != "" {
		reasoning += ": " + reason
	}
	entry, err := m.ledger.Append(ctx, ledger.Record{
		TenantID:       g.TenantID,
		SessionID:      g.RunID,
		AgentID:        string(g.ActiveCheckpointAgent),
		OperatorID:     operatorID,
		Action:         domain.OpGateCancel,
		Target:         g.GateID,
		Classification: g.Classification,
		PolicyDecision: domain.DecisionDeny,
		Reasoning:      reasoning,
		Details:        map[string]any{"gateId": g.GateID, "stepIndex": g.StepIndex},
	})
	if err != nil {
		return nil, err
	}
	res := m.finishLocked(ctx, slot, domain.GateCanceled, operatorID, reasoning, entry.ID)
	return &res.Gate, nil
}

// expire is the timer callback. It is a no-op unless the gate is still
// pending, so a timer racing a human resolution cannot fire twice. When the
// timeout cannot be recorded the gate stays PENDING and the timer is re-armed
// with exponential backoff.
func (m *Manager) expire(gateID string) {
	ctx := context.Background()

	m.mu.Lock()
	slot, ok := m.gates[gateID]
	if !ok || slot.gate.State != domain.GatePending {
		m.mu.Unlock()
		return
	}
	g := slot.gate
	entry, err := m.ledger.Append(ctx, ledger.Record{
		TenantID:       g.TenantID,
		SessionID:      g.RunID,
		AgentID:        string(g.ActiveCheckpointAgent),
		Action:         domain.OpGateTimeout,
		Target:         g.GateID,
		Classification: g.Classification,
		PolicyDecision: domain.DecisionDeny,
		Reasoning:      TimeoutReasoning,
		Details: map[string]any{
			"gateId":         g.GateID,
			"stepIndex":      g.StepIndex,
			"timeoutSeconds": int64(m.timeout / time.Second),
		},
	})
	if err != nil {
		slot.retries++
		attempt := slot.retries
		delay := m.retryDelay(attempt)
		if !m.stopped {
			slot.timer = time.AfterFunc(delay, func() { m.expire(gateID) })
		}
		m.mu.Unlock()
		m.logger.Error("gate timeout not recorded, gate stays pending",
			zap.String("gate", gateID),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		return
	}
	res := m.finishLocked(ctx, slot, domain.GateTimedOut, "", TimeoutReasoning, entry.ID)
	m.mu.Unlock()

	m.logger.Warn("approval gate timed out", zap.String("gate", gateID), zap.String("run", g.RunID))
	m.deliver(res)
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	d := m.retryBase << (attempt - 1)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// finishLocked moves a gate to a final state. Caller holds mu.
func (m *Manager) finishLocked(ctx context.Context, slot *gateSlot, outcome domain.GateState, by, reasoning, entryID string) Resolution {
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.gate.State = outcome
	slot.gate.ResolvedAt = m.now().UTC()
	slot.gate.ResolvedBy = by
	delete(m.byRun, slot.gate.RunID)
	m.persist(ctx, slot.gate)
	m.resolved = append(m.resolved, slot.gate.GateID)
	for len(m.resolved) > m.keepResolved {
		delete(m.gates, m.resolved[0])
		m.resolved = m.resolved[1:]
	}
	m.metrics.RecordGateResolution(string(outcome))

	res := Resolution{Gate: slot.gate, Outcome: outcome, Reasoning: reasoning, EntryID: entryID}
	if outcome == domain.GateRejected || outcome == domain.GateTimedOut {
		res.Halt = slot.gate.Severity == domain.SeverityCritical && slot.gate.IntegrityAlert
		res.Replay = !res.Halt
	}
	return res
}

// denyAttempt records a refused resolution and returns cause. Caller holds mu.
func (m *Manager) denyAttempt(ctx context.Context, g domain.PendingGate, req ResolveRequest, cause *domain.EngineError, reasoning string) error {
	_, err := m.ledger.Append(ctx, ledger.Record{
		TenantID:        g.TenantID,
		SessionID:       g.RunID,
		AgentID:         string(g.ActiveCheckpointAgent),
		OperatorID:      req.Operator.ID,
		Action:          domain.OpGateDeniedAttempt,
		Target:          g.GateID,
		Classification:  g.Classification,
		PolicyDecision:  domain.DecisionDeny,
		AttestationText: req.AttestationText,
		Reasoning:       reasoning,
		Details: map[string]any{
			"gateId":          g.GateID,
			"operatorRole":    string(req.Operator.Role),
			"requestedAction": verb(req.Approve),
		},
	})
	m.logger.Warn("approval attempt denied",
		zap.String("gate", g.GateID),
		zap.String("operator", req.Operator.ID),
		zap.String("reasoning", reasoning))
	if err != nil {
		return err
	}
	return domain.Wrap(cause, reasoning, nil)
}

func verb(approve bool) string {
	if approve {
		return "approve"
	}
	return "reject"
}

func (m *Manager) persist(ctx context.Context, g domain.PendingGate) {
	if m.db == nil {
		return
	}
	if err := m.repo.Save(ctx, m.db, g); err != nil {
		m.logger.Warn("gate snapshot not saved", zap.String("gate", g.GateID), zap.Error(err))
	}
}

// Get returns a copy of a gate. Resolved gates evicted from memory are read
// from the store when one is configured.
func (m *Manager) Get(gateID string) (*domain.PendingGate, error) {
	m.mu.Lock()
	slot, ok := m.gates[gateID]
	if ok {
		g := slot.gate
		m.mu.Unlock()
		return &g, nil
	}
	m.mu.Unlock()

	if m.db == nil {
		return nil, domain.ErrGateNotFound
	}
	return m.repo.GetByID(context.Background(), m.db, gateID)
}

// GateForRun returns the open gate of a run, or nil.
func (m *Manager) GateForRun(runID string) *domain.PendingGate {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRun[runID]
	if !ok {
		return nil
	}
	g := m.gates[id].gate
	return &g
}

// Pending lists the open gates of a tenant, oldest first. An empty tenant
// lists every open gate.
func (m *Manager) Pending(tenantID string) []domain.PendingGate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PendingGate
	for _, id := range m.byRun {
		g := m.gates[id].gate
		if tenantID == "" || g.TenantID == tenantID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].GateID < out[j].GateID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stop disarms every pending timer. Gates stay PENDING.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for _, id := range m.byRun {
		if t := m.gates[id].timer; t != nil {
			t.Stop()
		}
	}
}
