package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/approval"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/classifier"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/evidence"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/ledger"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/metrics"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/store"
)

// UnresolvedFindingNote is appended to the rationale of an output whose
// critical finding could not be repaired.
const UnresolvedFindingNote = "[Escalated: unresolved integrity finding]"

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Ledger     Ledger
	Classifier *classifier.Classifier
	Gates      *approval.Manager
	Agent      Agent
	Repairer   Repairer
	Evidence   *evidence.Builder
}

// StartRequest describes a new workflow run.
type StartRequest struct {
	TenantID    string             `json:"tenantId"`
	CaseID      string             `json:"caseId"`
	InitiatorID string             `json:"initiatorId"`
	Domain      string             `json:"domain"`
	Input       domain.AgentResult `json:"input"`
	Roles       []domain.AgentRole `json:"roles,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithStore persists run snapshots to the workflow_runs table.
func WithStore(db *sql.DB) Option {
	return func(o *Orchestrator) { o.db = db }
}

// WithRoles sets the default agent sequence for new runs.
func WithRoles(roles []domain.AgentRole) Option {
	return func(o *Orchestrator) {
		if len(roles) > 0 {
			o.roles = append([]domain.AgentRole(nil), roles...)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithBaseContext sets the context used when a gate resolution continues a
// run outside of any request.
func WithBaseContext(ctx context.Context) Option {
	return func(o *Orchestrator) { o.base = ctx }
}

type runSlot struct {
	mu     sync.Mutex
	run    domain.WorkflowRun
	epoch  int
	cancel context.CancelFunc
}

// Orchestrator drives workflow runs. Steps of one run are strictly
// sequential; different runs proceed independently.
type Orchestrator struct {
	ledger     Ledger
	classifier *classifier.Classifier
	gates      *approval.Manager
	agent      Agent
	repairer   Repairer
	evidence   *evidence.Builder

	db      *sql.DB
	runRepo store.RunRepo
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	roles   []domain.AgentRole
	base    context.Context

	mu     sync.Mutex
	slots  map[string]*runSlot
	active map[string]string
	packs  map[string]*domain.EvidencePack
}

// New creates an Orchestrator and subscribes it to gate resolutions.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Ledger == nil:
		return nil, domain.Wrap(domain.ErrConfigInvalid, "orchestrator requires a ledger", nil)
	case deps.Classifier == nil:
		return nil, domain.Wrap(domain.ErrConfigInvalid, "orchestrator requires a classifier", nil)
	case deps.Gates == nil:
		return nil, domain.Wrap(domain.ErrConfigInvalid, "orchestrator requires a gate manager", nil)
	case deps.Agent == nil:
		return nil, domain.Wrap(domain.ErrConfigInvalid, "orchestrator requires an agent collaborator", nil)
	}
	o := &Orchestrator{
		ledger:     deps.Ledger,
		classifier: deps.Classifier,
		gates:      deps.Gates,
		agent:      deps.Agent,
		repairer:   deps.Repairer,
		evidence:   deps.Evidence,
		logger:     zap.NewNop(),
		now:        time.Now,
		roles:      domain.DefaultRoles(),
		base:       context.Background(),
		slots:      make(map[string]*runSlot),
		active:     make(map[string]string),
		packs:      make(map[string]*domain.EvidencePack),
	}
	if o.evidence == nil {
		o.evidence = evidence.NewBuilder()
	}
	for _, opt := range opts {
		opt(o)
	}
	o.gates.OnResolved(o.onGateResolved)
	return o, nil
}

func caseKey(tenantID, caseID string) string {
	return tenantID + "/" + caseID
}

func (o *Orchestrator) slot(runID string) (*runSlot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.slots[runID]
	if !ok {
		return nil, domain.Wrap(domain.ErrRunNotFound, runID, nil)
	}
	return s, nil
}

// Start creates a run and drives it until it suspends, blocks or ends. A
// case has at most one active run.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*domain.WorkflowRun, error) {
	if req.TenantID == "" {
		return nil, domain.Wrap(domain.ErrInvalidRequest, "tenant id is required", nil)
	}
	if req.InitiatorID == "" {
		return nil, domain.Wrap(domain.ErrInvalidRequest, "initiator id is required", nil)
	}
	roles := req.Roles
	if len(roles) == 0 {
		roles = o.roles
	}
	if len(roles) == 0 {
		return nil, domain.ErrNoRoles
	}

	runID := uuid.NewString()
	if req.CaseID == "" {
		req.CaseID = runID
	}
	steps := make([]domain.StepState, len(roles))
	for i, r := range roles {
		steps[i] = domain.StepState{Role: r, Status: domain.StepIdle}
	}
	s := &runSlot{run: domain.WorkflowRun{
		RunID:        runID,
		CaseID:       req.CaseID,
		TenantID:     req.TenantID,
		InitiatorID:  req.InitiatorID,
		Domain:       req.Domain,
		Input:        cloneResult(req.Input),
		Steps:        steps,
		Outputs:      make(map[domain.AgentRole]domain.AgentResult),
		Status:       domain.RunRunning,
		StateVersion: 1,
		StartedAt:    o.now().UTC(),
	}}

	key := caseKey(req.TenantID, req.CaseID)
	s.mu.Lock()
	o.mu.Lock()
	if existing, ok := o.active[key]; ok {
		o.mu.Unlock()
		s.mu.Unlock()
		return nil, domain.Wrap(domain.ErrRunActiveForCase, fmt.Sprintf("case %s has run %s", req.CaseID, existing), nil)
	}
	o.active[key] = runID
	o.slots[runID] = s
	o.mu.Unlock()

	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	reasoning := fmt.Sprintf("Workflow started by %s for case %s: %s", req.InitiatorID, req.CaseID, strings.Join(names, " -> "))
	if _, err := o.ledger.Append(ctx, ledger.Record{
		TenantID:   req.TenantID,
		SessionID:  runID,
		OperatorID: req.InitiatorID,
		Action:     domain.OpRunStart,
		Target:     req.CaseID,
		Reasoning:  reasoning,
		Details:    map[string]any{"caseId": req.CaseID, "roles": names, "domain": req.Domain},
	}); err != nil {
		o.mu.Lock()
		delete(o.active, key)
		delete(o.slots, runID)
		o.mu.Unlock()
		s.mu.Unlock()
		return nil, err
	}
	s.run.Reasoning = reasoning
	if o.db != nil {
		if err := o.runRepo.Create(ctx, o.db, s.run); err != nil {
			o.logger.Warn("run snapshot not created", zap.String("run", runID), zap.Error(err))
		}
	}
	o.metrics.RecordRunStatus(string(domain.RunRunning))
	s.mu.Unlock()

	o.logger.Info("workflow started",
		zap.String("run", runID),
		zap.String("tenant", req.TenantID),
		zap.String("case", req.CaseID),
		zap.Int("steps", len(roles)))

	o.drive(ctx, s)
	return o.Get(ctx, runID)
}

// RunStep executes exactly one step of a running run. The step must be the
// run's current step and must be idle.
func (o *Orchestrator) RunStep(ctx context.Context, runID string, stepIndex int) error {
	s, err := o.slot(runID)
	if err != nil {
		return err
	}
	_, err = o.runStep(ctx, s, stepIndex)
	return err
}

// Resume drives a running run from its current step, for example after a
// reset.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	s, err := o.slot(runID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	status := s.run.Status
	s.mu.Unlock()
	if status.IsTerminal() {
		return nil, domain.ErrRunAlreadyDone
	}
	if status != domain.RunRunning {
		return nil, domain.Wrap(domain.ErrInvalidRequest, "run is "+string(status), nil)
	}
	o.drive(ctx, s)
	return o.Get(ctx, runID)
}

// drive runs steps until the run leaves RUNNING or a step refuses to start.
func (o *Orchestrator) drive(ctx context.Context, s *runSlot) {
	s.mu.Lock()
	runID := s.run.RunID
	s.mu.Unlock()
	for {
		s.mu.Lock()
		running := s.run.Status == domain.RunRunning && s.run.CurrentStepIndex < len(s.run.Steps)
		idx := s.run.CurrentStepIndex
		s.mu.Unlock()
		if !running {
			return
		}
		cont, err := o.runStep(ctx, s, idx)
		if err != nil {
			o.logger.Warn("workflow step not run", zap.String("run", runID), zap.Int("step", idx), zap.Error(err))
			return
		}
		if !cont {
			return
		}
	}
}

// runStep executes one step and reports whether the run should continue
// to the next step.
func (o *Orchestrator) runStep(ctx context.Context, s *runSlot, idx int) (bool, error) {
	s.mu.Lock()
	run := &s.run
	switch {
	case run.Status.IsTerminal():
		s.mu.Unlock()
		return false, domain.ErrRunAlreadyDone
	case run.Status != domain.RunRunning:
		s.mu.Unlock()
		return false, domain.Wrap(domain.ErrInvalidStep, "run is "+string(run.Status), nil)
	case idx < 0 || idx >= len(run.Steps) || idx != run.CurrentStepIndex:
		s.mu.Unlock()
		return false, domain.Wrap(domain.ErrInvalidStep, fmt.Sprintf("step %d, current %d", idx, run.CurrentStepIndex), nil)
	case run.Steps[idx].Status != domain.StepIdle:
		s.mu.Unlock()
		return false, domain.Wrap(domain.ErrInvalidStep, fmt.Sprintf("step %d is %s", idx, run.Steps[idx].Status), nil)
	}

	step := &run.Steps[idx]
	role := step.Role
	*step = domain.StepState{Role: role, Status: domain.StepWorking, Attempts: step.Attempts + 1}
	attempt := step.Attempts
	tenantID, runID := run.TenantID, run.RunID
	epoch := s.epoch
	input := cloneResult(run.Input)
	prior := cloneOutputs(run.Outputs)

	if _, err := o.ledger.Append(ctx, ledger.Record{
		TenantID:  run.TenantID,
		SessionID: run.RunID,
		AgentID:   string(role),
		Action:    domain.OpStepStart,
		Target:    string(role),
		Reasoning: fmt.Sprintf("Step %d (%s) started, attempt %d", idx, role, attempt),
		Details:   map[string]any{"stepIndex": idx, "attempt": attempt},
	}); err != nil {
		step.Status = domain.StepIdle
		step.Attempts--
		s.mu.Unlock()
		return false, err
	}
	stepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	o.save(ctx, run)
	s.mu.Unlock()
	defer cancel()

	started := o.now()
	defer func() { o.metrics.RecordStep(string(role), o.now().Sub(started)) }()

	result, execErr := o.execute(stepCtx, role, input, prior)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false, nil
	}
	if execErr != nil {
		o.collaboratorFailureLocked(ctx, s, idx, "agent", execErr)
		s.mu.Unlock()
		return false, nil
	}

	resultStatus := domain.ResultPassed
	var remediation *domain.Remediation
	finding := detectCritical(result)
	if finding != nil {
		if finding.Severity == domain.SeverityCritical && finding.IntegrityAlert {
			reasoning := fmt.Sprintf("Integrity critical at %s (step %d): %s; halted for governance review", role, idx, finding.Description)
			o.logger.Error("integrity critical finding",
				zap.String("run", run.RunID),
				zap.String("role", string(role)),
				zap.Error(domain.Wrap(domain.ErrIntegrityCritical, finding.Description, nil)))
			o.failStepLocked(ctx, s, idx, reasoning, map[string]any{"finding": findingDetails(*finding)})
			s.mu.Unlock()
			return false, nil
		}

		step.Status = domain.StepRepairing
		if _, err := o.ledger.Append(ctx, ledger.Record{
			TenantID:  run.TenantID,
			SessionID: run.RunID,
			AgentID:   string(role),
			Action:    domain.OpStepRepair,
			Target:    string(role),
			Reasoning: fmt.Sprintf("Repair started at %s (step %d): %s severity, marker %q", role, idx, finding.Severity, finding.Marker),
			Details:   map[string]any{"stepIndex": idx, "phase": "started", "finding": findingDetails(*finding)},
		}); err != nil {
			o.ledgerFailureLocked(ctx, s, idx, err)
			s.mu.Unlock()
			return false, nil
		}
		o.save(ctx, run)
		s.mu.Unlock()

		rc := RepairContext{
			TenantID:     tenantID,
			RunID:        runID,
			Role:         role,
			StepIndex:    idx,
			Attempt:      attempt,
			PriorOutputs: prior,
			Original:     result,
		}
		rr, repairErr := o.repair(stepCtx, input, *finding, rc)
		var rerun domain.AgentResult
		var rerunErr error
		if repairErr == nil && rr.Success {
			rerun, rerunErr = o.execute(stepCtx, role, rr.RepairedData, prior)
		}

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return false, nil
		}
		if repairErr == nil && rr.Success && rerunErr != nil {
			o.collaboratorFailureLocked(ctx, s, idx, "agent re-execution", rerunErr)
			s.mu.Unlock()
			return false, nil
		}

		remediation = &domain.Remediation{
			Finding:              *finding,
			Changes:              rr.Changes,
			IntegrityScoreBefore: rr.IntegrityScoreBefore,
			IntegrityScoreAfter:  rr.IntegrityScoreAfter,
			RetryCount:           rr.RetryCount,
		}
		var reasoning string
		switch {
		case repairErr != nil:
			remediation.Error = repairErr.Error()
			resultStatus = domain.ResultPassedWithWarnings
			reasoning = fmt.Sprintf("Repair failed at %s (step %d): %v; original output kept with warnings", role, idx, repairErr)
		case !rr.Success:
			remediation.Error = "repair unsuccessful"
			resultStatus = domain.ResultPassedWithWarnings
			reasoning = fmt.Sprintf("Repair unsuccessful at %s (step %d); original output kept with warnings", role, idx)
		default:
			remediation.Applied = true
			result = rerun
			reasoning = fmt.Sprintf("Repair applied at %s (step %d): %d change(s), integrity %.2f -> %.2f",
				role, idx, len(rr.Changes), rr.IntegrityScoreBefore, rr.IntegrityScoreAfter)
		}
		if _, err := o.ledger.Append(ctx, ledger.Record{
			TenantID:  run.TenantID,
			SessionID: run.RunID,
			AgentID:   string(role),
			Action:    domain.OpStepRepair,
			Target:    string(role),
			Reasoning: reasoning,
			Details: map[string]any{
				"stepIndex":            idx,
				"phase":                "completed",
				"applied":              remediation.Applied,
				"changes":              rr.Changes,
				"integrityScoreBefore": rr.IntegrityScoreBefore,
				"integrityScoreAfter":  rr.IntegrityScoreAfter,
				"retryCount":           rr.RetryCount,
			},
		}); err != nil {
			o.ledgerFailureLocked(ctx, s, idx, err)
			s.mu.Unlock()
			return false, nil
		}
		step.Status = domain.StepWorking
	}

	cont := o.classifyAndGateLocked(ctx, s, idx, result, resultStatus, remediation, finding)
	s.mu.Unlock()
	return cont, nil
}

// classifyAndGateLocked classifies a step output, evaluates policy and
// either completes the step, opens a gate or blocks the run.
func (o *Orchestrator) classifyAndGateLocked(ctx context.Context, s *runSlot, idx int, result domain.AgentResult,
	resultStatus domain.ResultStatus, remediation *domain.Remediation, finding *domain.IntegrityFinding) bool {
	run := &s.run
	step := &run.Steps[idx]
	role := step.Role

	cls := o.classifier.Classify(decisionText(result), run.Domain, attributesOf(result))
	if resultStatus == domain.ResultPassedWithWarnings && cls.Classification != domain.ClassMandatory {
		cls.Classification = domain.ClassMandatory
		cls.Rationale = cls.Rationale + " " + UnresolvedFindingNote
		cls.GateRequired = true
		cls.EvidenceRequirements = classifier.EvidenceRequirements(domain.ClassMandatory)
	}
	o.metrics.RecordClassification(string(cls.Classification))

	hash, err := evidence.HashResult(result)
	if err != nil {
		o.collaboratorFailureLocked(ctx, s, idx, "agent output", err)
		return false
	}
	entry, err := o.ledger.Append(ctx, ledger.Record{
		TenantID:       run.TenantID,
		SessionID:      run.RunID,
		AgentID:        string(role),
		Action:         domain.OpClassify,
		Target:         string(role),
		Classification: cls.Classification,
		Reasoning:      cls.Rationale,
		Details: map[string]any{
			"stepIndex":            idx,
			"confidence":           cls.Confidence,
			"gateRequired":         cls.GateRequired,
			"evidenceRequirements": cls.EvidenceRequirements,
			"outputHash":           hash,
			"resultStatus":         string(resultStatus),
			"remediationApplied":   remediation != nil && remediation.Applied,
		},
	})
	if err != nil {
		o.ledgerFailureLocked(ctx, s, idx, err)
		return false
	}

	step.Classification = cls.Classification
	step.Confidence = cls.Confidence
	step.ResultStatus = resultStatus
	step.Remediation = remediation
	step.OutputHash = hash
	step.OutputEntryID = entry.ID
	run.Outputs[role] = result

	ac := actionContext(run, role, result)
	needGate, pres, err := o.gates.NeedsGate(ctx, ac, cls)
	if err != nil {
		o.ledgerFailureLocked(ctx, s, idx, err)
		return false
	}
	step.PolicyDecision = pres.Decision

	switch {
	case pres.Decision == domain.DecisionDeny:
		reasoning := fmt.Sprintf("Blocked by policy at %s (step %d): %s", role, idx, pres.Reasoning)
		if _, err := o.ledger.Append(ctx, ledger.Record{
			TenantID:       run.TenantID,
			SessionID:      run.RunID,
			AgentID:        string(role),
			Action:         domain.OpRunBlocked,
			Target:         ac.Target,
			Classification: cls.Classification,
			PolicyDecision: domain.DecisionDeny,
			Reasoning:      reasoning,
			Details:        map[string]any{"stepIndex": idx, "matchedRules": pres.MatchedRules, "policyEntryId": pres.EntryID},
		}); err != nil {
			o.ledgerFailureLocked(ctx, s, idx, err)
			return false
		}
		run.Status = domain.RunBlocked
		run.Reasoning = reasoning
		step.Reasoning = reasoning
		o.metrics.RecordRunStatus(string(domain.RunBlocked))
		o.logger.Warn("workflow blocked by policy",
			zap.String("run", run.RunID),
			zap.String("role", string(role)),
			zap.Error(domain.Wrap(domain.ErrPolicyViolation, pres.Reasoning, nil)))
		o.save(ctx, run)
		return false

	case needGate:
		req := approval.OpenRequest{
			RunID:              run.RunID,
			TenantID:           run.TenantID,
			StepIndex:          idx,
			Checkpoint:         role,
			InitiatorID:        run.InitiatorID,
			Decision:           decisionText(result),
			Domain:             run.Domain,
			Classification:     cls,
			Policy:             pres,
			RequiredActionType: ac.Action,
		}
		if finding != nil && resultStatus == domain.ResultPassedWithWarnings {
			req.Severity = finding.Severity
			req.IntegrityAlert = finding.IntegrityAlert
		}
		g, err := o.gates.Open(ctx, req)
		if err != nil {
			o.ledgerFailureLocked(ctx, s, idx, err)
			return false
		}
		run.ActiveGate = g
		run.Status = domain.RunAwaitingApproval
		run.Reasoning = approval.OpenReasoning(*g)
		step.Reasoning = run.Reasoning
		o.metrics.RecordRunStatus(string(domain.RunAwaitingApproval))
		o.logger.Info("workflow awaiting approval",
			zap.String("run", run.RunID),
			zap.String("gate", g.GateID),
			zap.String("classification", string(cls.Classification)),
			zap.String("policy", string(pres.Decision)))
		o.save(ctx, run)
		return false
	}

	return o.completeStepLocked(ctx, s, idx, domain.DecisionAllow,
		fmt.Sprintf("Step %d (%s) complete: %s; %s", idx, role, cls.Classification, pres.Reasoning), "")
}

// execute runs the agent, converting a panic or a nil result into an error.
func (o *Orchestrator) execute(ctx context.Context, role domain.AgentRole, input domain.AgentResult, prior map[domain.AgentRole]domain.AgentResult) (res domain.AgentResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("agent panicked: %v", r)
		}
	}()
	res, err = o.agent.Execute(ctx, role, input, prior)
	if err == nil && res == nil {
		err = errors.New("agent returned no result")
	}
	return res, err
}

func (o *Orchestrator) repair(ctx context.Context, input domain.AgentResult, finding domain.IntegrityFinding, rc RepairContext) (res domain.RepairResult, err error) {
	if o.repairer == nil {
		return domain.RepairResult{}, errors.New("no repair collaborator configured")
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = domain.RepairResult{}, fmt.Errorf("repair panicked: %v", r)
		}
	}()
	res, err = o.repairer.Repair(ctx, input, finding, rc)
	if err == nil && res.Success && res.RepairedData == nil {
		res.RepairedData = input
	}
	return res, err
}

// save mirrors the run into the store. The ledger is the durable record, so
// a failed snapshot is logged and the run continues.
func (o *Orchestrator) save(ctx context.Context, run *domain.WorkflowRun) {
	if o.db != nil {
		if err := o.runRepo.Update(ctx, o.db, *run); err != nil {
			o.logger.Warn("run snapshot not saved", zap.String("run", run.RunID), zap.Int64("version", run.StateVersion), zap.Error(err))
			return
		}
	}
	run.StateVersion++
}

func findingDetails(f domain.IntegrityFinding) map[string]any {
	return map[string]any{
		"severity":       string(f.Severity),
		"marker":         f.Marker,
		"description":    f.Description,
		"integrityAlert": f.IntegrityAlert,
	}
}

func cloneResult(r domain.AgentResult) domain.AgentResult {
	if r == nil {
		return domain.AgentResult{}
	}
	out := make(domain.AgentResult, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func cloneOutputs(in map[domain.AgentRole]domain.AgentResult) map[domain.AgentRole]domain.AgentResult {
	out := make(map[domain.AgentRole]domain.AgentResult, len(in))
	for k, v := range in {
		out[k] = cloneResult(v)
	}
	return out
}

func cloneRun(r domain.WorkflowRun) domain.WorkflowRun {
	out := r
	out.Steps = append([]domain.StepState(nil), r.Steps...)
	out.Outputs = cloneOutputs(r.Outputs)
	out.Input = cloneResult(r.Input)
	if r.ActiveGate != nil {
		g := *r.ActiveGate
		out.ActiveGate = &g
	}
	return out
}
