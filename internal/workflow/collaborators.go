// Package workflow sequences agent steps through classification, policy,
// approval gates and repair, recording every transition in the ledger.
package workflow

import (
	"context"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/ledger"
)

// Agent executes one role of a workflow. Implementations may be slow or
// fail; errors and panics become a FAILED step.
type Agent interface {
	Execute(ctx context.Context, role domain.AgentRole, input domain.AgentResult, prior map[domain.AgentRole]domain.AgentResult) (domain.AgentResult, error)
}

// RepairContext identifies the step a repair is attempted for.
type RepairContext struct {
	TenantID     string                                  `json:"tenantId"`
	RunID        string                                  `json:"runId"`
	Role         domain.AgentRole                        `json:"role"`
	StepIndex    int                                     `json:"stepIndex"`
	Attempt      int                                     `json:"attempt"`
	PriorOutputs map[domain.AgentRole]domain.AgentResult `json:"priorOutputs,omitempty"`
	Original     domain.AgentResult                      `json:"original"`
}

// Repairer attempts to remediate a critical integrity finding.
type Repairer interface {
	Repair(ctx context.Context, input domain.AgentResult, finding domain.IntegrityFinding, rc RepairContext) (domain.RepairResult, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, role domain.AgentRole, input domain.AgentResult, prior map[domain.AgentRole]domain.AgentResult) (domain.AgentResult, error)

// Execute calls f.
func (f AgentFunc) Execute(ctx context.Context, role domain.AgentRole, input domain.AgentResult, prior map[domain.AgentRole]domain.AgentResult) (domain.AgentResult, error) {
	return f(ctx, role, input, prior)
}

// RepairFunc adapts a function to Repairer.
type RepairFunc func(ctx context.Context, input domain.AgentResult, finding domain.IntegrityFinding, rc RepairContext) (domain.RepairResult, error)

// Repair calls f.
func (f RepairFunc) Repair(ctx context.Context, input domain.AgentResult, finding domain.IntegrityFinding, rc RepairContext) (domain.RepairResult, error) {
	return f(ctx, input, finding, rc)
}

// Ledger is the part of the forensic ledger the orchestrator drives.
type Ledger interface {
	ledger.Appender
	FindBySession(ctx context.Context, tenantID, sessionID string) ([]domain.AuditEntry, error)
}
