package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/approval"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/ledger"
)

// Approve resolves the open gate of a run as approved.
func (o *Orchestrator) Approve(ctx context.Context, runID string, op domain.Operator, attestation string) (*domain.WorkflowRun, error) {
	return o.resolve(ctx, runID, approval.ResolveRequest{Operator: op, Approve: true, AttestationText: attestation})
}

// Reject resolves the open gate of a run as rejected; the step replays.
func (o *Orchestrator) Reject(ctx context.Context, runID string, op domain.Operator, reason string) (*domain.WorkflowRun, error) {
	return o.resolve(ctx, runID, approval.ResolveRequest{Operator: op, Reason: reason})
}

func (o *Orchestrator) resolve(ctx context.Context, runID string, req approval.ResolveRequest) (*domain.WorkflowRun, error) {
	if _, err := o.slot(runID); err != nil {
		return nil, err
	}
	g := o.gates.GateForRun(runID)
	if g == nil {
		return nil, domain.Wrap(domain.ErrRunNotSuspended, runID, nil)
	}
	req.GateID = g.GateID
	if _, err := o.gates.Resolve(ctx, req); err != nil {
		return nil, err
	}
	return o.Get(ctx, runID)
}

// Reset returns the current step of a run to IDLE. It cancels the step's
// open gate and discards any in-flight agent or repair work for that step.
// Ledger entries already written are kept.
func (o *Orchestrator) Reset(ctx context.Context, runID, operatorID, reason string) (*domain.WorkflowRun, error) {
	s, err := o.slot(runID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	run := &s.run
	if run.Status.IsTerminal() {
		s.mu.Unlock()
		return nil, domain.ErrRunAlreadyDone
	}
	if _, err := o.gates.Cancel(ctx, runID, operatorID, reason); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.epoch++

	idx := run.CurrentStepIndex
	step := &run.Steps[idx]
	reasoning := fmt.Sprintf("Run reset at %s (step %d) by %s", step.Role, idx, operatorID)
	if reason != "" {
		reasoning += ": " + reason
	}
	if _, err := o.ledger.Append(ctx, ledger.Record{
		TenantID:   run.TenantID,
		SessionID:  run.RunID,
		AgentID:    string(step.Role),
		OperatorID: operatorID,
		Action:     domain.OpRunReset,
		Target:     string(step.Role),
		Reasoning:  reasoning,
		Details:    map[string]any{"stepIndex": idx, "previousStatus": string(run.Status)},
	}); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	*step = domain.StepState{Role: step.Role, Status: domain.StepIdle, Attempts: step.Attempts, Reasoning: reasoning}
	delete(run.Outputs, step.Role)
	run.ActiveGate = nil
	run.Status = domain.RunRunning
	run.Reasoning = reasoning
	o.save(ctx, run)
	s.mu.Unlock()

	o.logger.Info("workflow reset", zap.String("run", runID), zap.Int("step", idx), zap.String("operator", operatorID))
	return o.Get(ctx, runID)
}

// Override lets an ISSO or Chief Compliance Officer release a run blocked by
// a policy DENY. The operator may not be the run initiator and must supply
// an attestation. Refused attempts are recorded.
func (o *Orchestrator) Override(ctx context.Context, runID string, op domain.Operator, justification string) (*domain.WorkflowRun, error) {
	s, err := o.slot(runID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	run := &s.run
	if run.Status != domain.RunBlocked {
		s.mu.Unlock()
		return nil, domain.Wrap(domain.ErrRunNotBlocked, string(run.Status), nil)
	}
	idx := run.CurrentStepIndex
	role := run.Steps[idx].Role

	var refusal *domain.EngineError
	var why string
	switch {
	case !approval.CanOverridePolicy(op.Role):
		refusal, why = domain.ErrOverrideNotAllowed, fmt.Sprintf("Role %s may not override a policy block", op.Role)
	case op.ID == "" || op.ID == run.InitiatorID:
		refusal, why = domain.ErrSeparationOfDuties, fmt.Sprintf("Separation of duties violation: operator %q initiated run %s", op.ID, run.RunID)
	case strings.TrimSpace(justification) == "":
		refusal, why = domain.ErrAttestationRequired, "Attestation text is required to override a policy block"
	}
	if refusal != nil {
		_, err := o.ledger.Append(ctx, ledger.Record{
			TenantID:        run.TenantID,
			SessionID:       run.RunID,
			AgentID:         string(role),
			OperatorID:      op.ID,
			Action:          domain.OpGateDeniedAttempt,
			Target:          string(role),
			PolicyDecision:  domain.DecisionDeny,
			AttestationText: justification,
			Reasoning:       why,
			Details:         map[string]any{"stepIndex": idx, "requestedAction": "override", "operatorRole": string(op.Role)},
		})
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, domain.Wrap(refusal, why, nil)
	}

	approved := true
	reasoning := fmt.Sprintf("Policy block overridden by %s (%s) at %s (step %d)", op.ID, op.Role, role, idx)
	if _, err := o.ledger.Append(ctx, ledger.Record{
		TenantID:        run.TenantID,
		SessionID:       run.RunID,
		AgentID:         string(role),
		OperatorID:      op.ID,
		Action:          domain.OpPolicyOverride,
		Target:          string(role),
		Classification:  run.Steps[idx].Classification,
		PolicyDecision:  domain.DecisionAllow,
		Approved:        &approved,
		ApproverID:      op.ID,
		AttestationText: justification,
		Reasoning:       reasoning,
		Details:         map[string]any{"stepIndex": idx, "operatorRole": string(op.Role), "blockedReasoning": run.Reasoning},
	}); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	o.logger.Warn("policy block overridden", zap.String("run", runID), zap.String("operator", op.ID), zap.String("role", string(op.Role)))
	cont := o.completeStepLocked(ctx, s, idx, domain.DecisionAllow, reasoning, op.ID)
	s.mu.Unlock()

	if cont {
		o.drive(ctx, s)
	}
	return o.Get(ctx, runID)
}
