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

// completeStepLocked marks a step COMPLETE, advances the run and finishes
// it after the last role. It reports whether the run is still RUNNING.
func (o *Orchestrator) completeStepLocked(ctx context.Context, s *runSlot, idx int, decision domain.PolicyDecision, reasoning, operatorID string) bool {
	run := &s.run
	step := &run.Steps[idx]
	if _, err := o.ledger.Append(ctx, ledger.Record{
		TenantID:       run.TenantID,
		SessionID:      run.RunID,
		AgentID:        string(step.Role),
		OperatorID:     operatorID,
		Action:         domain.OpStepComplete,
		Target:         string(step.Role),
		Classification: step.Classification,
		PolicyDecision: decision,
		Reasoning:      reasoning,
		Details: map[string]any{
			"stepIndex":    idx,
			"outputHash":   step.OutputHash,
			"resultStatus": string(step.ResultStatus),
		},
	}); err != nil {
		o.ledgerFailureLocked(ctx, s, idx, err)
		return false
	}
	step.Status = domain.StepComplete
	step.Reasoning = reasoning
	run.ActiveGate = nil
	run.Status = domain.RunRunning
	run.Reasoning = reasoning
	run.CurrentStepIndex = idx + 1

	if run.CurrentStepIndex >= len(run.Steps) {
		o.finishLocked(ctx, s, domain.RunComplete, fmt.Sprintf("Workflow complete: %d step(s) finished", len(run.Steps)))
		return false
	}
	o.save(ctx, run)
	return true
}

// failStepLocked marks a step FAILED and ends the run.
func (o *Orchestrator) failStepLocked(ctx context.Context, s *runSlot, idx int, reasoning string, details map[string]any) {
	run := &s.run
	step := &run.Steps[idx]
	step.Status = domain.StepFailed
	step.ResultStatus = domain.ResultFailed
	step.Reasoning = reasoning
	if details == nil {
		details = map[string]any{}
	}
	details["stepIndex"] = idx
	if _, err := o.ledger.Append(ctx, ledger.Record{
		TenantID:       run.TenantID,
		SessionID:      run.RunID,
		AgentID:        string(step.Role),
		Action:         domain.OpStepFailed,
		Target:         string(step.Role),
		Classification: step.Classification,
		PolicyDecision: domain.DecisionDeny,
		Reasoning:      reasoning,
		Details:        details,
	}); err != nil {
		o.logger.Error("step failure not recorded", zap.String("run", run.RunID), zap.Error(err))
	}
	o.finishLocked(ctx, s, domain.RunFailed, reasoning)
}

func (o *Orchestrator) collaboratorFailureLocked(ctx context.Context, s *runSlot, idx int, what string, cause error) {
	run := &s.run
	role := run.Steps[idx].Role
	reasoning := fmt.Sprintf("Collaborator failure at %s (step %d): %s: %v", role, idx, what, cause)
	o.logger.Error("collaborator failure",
		zap.String("run", run.RunID),
		zap.String("role", string(role)),
		zap.Int("step", idx),
		zap.Error(domain.Wrap(domain.ErrCollaboratorFailure, what, cause)))
	o.failStepLocked(ctx, s, idx, reasoning, map[string]any{"collaborator": what, "error": cause.Error()})
}

func (o *Orchestrator) ledgerFailureLocked(ctx context.Context, s *runSlot, idx int, cause error) {
	run := &s.run
	o.logger.Error("workflow transition not recorded",
		zap.String("run", run.RunID),
		zap.Int("step", idx),
		zap.Error(cause))
	o.failStepLocked(ctx, s, idx, fmt.Sprintf("Governance failure at %s (step %d): %v", run.Steps[idx].Role, idx, cause), nil)
}

// finishLocked moves a run to a terminal status, releases its case and
// builds its evidence pack.
func (o *Orchestrator) finishLocked(ctx context.Context, s *runSlot, status domain.RunStatus, reasoning string) {
	run := &s.run
	run.Status = status
	run.Reasoning = reasoning
	run.ActiveGate = nil
	run.CompletedAt = o.now().UTC()

	action := domain.OpRunComplete
	decision := domain.DecisionAllow
	if status == domain.RunFailed {
		action = domain.OpRunFailed
		decision = domain.DecisionDeny
	}
	if _, err := o.ledger.Append(ctx, ledger.Record{
		TenantID:       run.TenantID,
		SessionID:      run.RunID,
		Action:         action,
		Target:         run.CaseID,
		PolicyDecision: decision,
		Reasoning:      reasoning,
		Details:        map[string]any{"stepsTotal": len(run.Steps), "currentStepIndex": run.CurrentStepIndex},
	}); err != nil {
		o.logger.Error("run completion not recorded", zap.String("run", run.RunID), zap.Error(err))
	}

	o.mu.Lock()
	key := caseKey(run.TenantID, run.CaseID)
	if o.active[key] == run.RunID {
		delete(o.active, key)
	}
	o.mu.Unlock()

	o.metrics.RecordRunStatus(string(status))
	o.save(ctx, run)
	o.buildEvidence(ctx, run)

	log := o.logger.Info
	if status == domain.RunFailed {
		log = o.logger.Warn
	}
	log("workflow finished",
		zap.String("run", run.RunID),
		zap.String("status", string(status)),
		zap.String("reasoning", reasoning))
}

func (o *Orchestrator) buildEvidence(ctx context.Context, run *domain.WorkflowRun) (*domain.EvidencePack, error) {
	entries, err := o.ledger.FindBySession(ctx, run.TenantID, run.RunID)
	if err != nil {
		o.logger.Warn("evidence pack not built", zap.String("run", run.RunID), zap.Error(err))
		return nil, err
	}
	pack, err := o.evidence.Build(cloneRun(*run), entries)
	if err != nil {
		o.logger.Warn("evidence pack not built", zap.String("run", run.RunID), zap.Error(err))
		return nil, err
	}
	o.mu.Lock()
	o.packs[run.RunID] = pack
	o.mu.Unlock()
	return pack, nil
}

// onGateResolved continues a run after its gate reaches a final state.
func (o *Orchestrator) onGateResolved(res approval.Resolution) {
	ctx := o.base
	s, err := o.slot(res.Gate.RunID)
	if err != nil {
		o.logger.Warn("gate resolved for unknown run", zap.String("gate", res.Gate.GateID), zap.String("run", res.Gate.RunID))
		return
	}

	s.mu.Lock()
	run := &s.run
	if run.ActiveGate == nil || run.ActiveGate.GateID != res.Gate.GateID {
		s.mu.Unlock()
		return
	}
	idx := res.Gate.StepIndex
	run.ActiveGate = nil

	var cont bool
	switch {
	case res.Outcome == domain.GateApproved:
		cont = o.completeStepLocked(ctx, s, idx, domain.DecisionAllow, res.Reasoning, res.Gate.ResolvedBy)
	case res.Halt:
		reasoning := fmt.Sprintf("%s; integrity-critical finding at %s (step %d) requires governance review", res.Reasoning, run.Steps[idx].Role, idx)
		o.failStepLocked(ctx, s, idx, reasoning, map[string]any{"gateId": res.Gate.GateID, "outcome": string(res.Outcome)})
	default:
		cont = o.replayLocked(ctx, s, idx, res)
	}
	s.mu.Unlock()

	if cont {
		o.drive(ctx, s)
	}
}

// replayLocked resets a step after rejection or timeout so it runs again
// from scratch.
func (o *Orchestrator) replayLocked(ctx context.Context, s *runSlot, idx int, res approval.Resolution) bool {
	run := &s.run
	step := &run.Steps[idx]
	reasoning := fmt.Sprintf("Replaying %s (step %d) after %s: %s", step.Role, idx, strings.ToLower(string(res.Outcome)), res.Reasoning)
	if _, err := o.ledger.Append(ctx, ledger.Record{
		TenantID:       run.TenantID,
		SessionID:      run.RunID,
		AgentID:        string(step.Role),
		OperatorID:     res.Gate.ResolvedBy,
		Action:         domain.OpStepReplay,
		Target:         string(step.Role),
		Classification: step.Classification,
		PolicyDecision: domain.DecisionDeny,
		Reasoning:      reasoning,
		Details:        map[string]any{"stepIndex": idx, "gateId": res.Gate.GateID, "outcome": string(res.Outcome)},
	}); err != nil {
		o.ledgerFailureLocked(ctx, s, idx, err)
		return false
	}
	*step = domain.StepState{Role: step.Role, Status: domain.StepIdle, Attempts: step.Attempts, Reasoning: reasoning}
	delete(run.Outputs, step.Role)
	run.Status = domain.RunRunning
	run.CurrentStepIndex = idx
	run.Reasoning = reasoning
	o.save(ctx, run)
	return true
}
