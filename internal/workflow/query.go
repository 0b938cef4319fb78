package workflow

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/approval"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/evidence"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/ledger"
)

// Get returns a copy of a run, falling back to the run store for runs that
// are not held in memory.
func (o *Orchestrator) Get(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	s, err := o.slot(runID)
	if err != nil {
		if o.db == nil {
			return nil, err
		}
		return o.runRepo.GetByID(ctx, o.db, runID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run := cloneRun(s.run)
	return &run, nil
}

// List returns the runs of a tenant, newest first.
func (o *Orchestrator) List(ctx context.Context, tenantID string) ([]domain.WorkflowRun, error) {
	if o.db != nil {
		return o.runRepo.ListByTenant(ctx, o.db, tenantID)
	}
	o.mu.Lock()
	slots := make([]*runSlot, 0, len(o.slots))
	for _, s := range o.slots {
		slots = append(slots, s)
	}
	o.mu.Unlock()

	var out []domain.WorkflowRun
	for _, s := range slots {
		s.mu.Lock()
		if s.run.TenantID == tenantID {
			out = append(out, cloneRun(s.run))
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// Evidence returns the evidence pack of a terminal run, building it if
// needed.
func (o *Orchestrator) Evidence(ctx context.Context, runID string) (*domain.EvidencePack, error) {
	o.mu.Lock()
	pack, ok := o.packs[runID]
	o.mu.Unlock()
	if ok {
		return pack, nil
	}
	run, err := o.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.IsTerminal() {
		return nil, domain.Wrap(domain.ErrRunNotTerminal, string(run.Status), nil)
	}
	return o.buildEvidence(ctx, run)
}

// ExportEvidence writes the evidence pack of a run to w and records the
// export in the ledger.
func (o *Orchestrator) ExportEvidence(ctx context.Context, runID, operatorID string, w io.Writer) (*domain.EvidencePack, error) {
	pack, err := o.Evidence(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := evidence.WriteJSON(w, pack); err != nil {
		return nil, fmt.Errorf("write evidence pack: %w", err)
	}
	if _, err := o.ledger.Append(ctx, ledger.Record{
		TenantID:   pack.TenantID,
		SessionID:  pack.ExecutionID,
		OperatorID: operatorID,
		Action:     domain.OpEvidenceExport,
		Target:     pack.ExecutionID,
		Reasoning:  fmt.Sprintf("Evidence pack exported by %s", operatorID),
		Details:    map[string]any{"packHash": pack.PackHash, "entries": len(pack.AuditLog)},
	}); err != nil {
		return nil, err
	}
	return pack, nil
}

// Gates returns the gate manager the orchestrator resolves through.
func (o *Orchestrator) Gates() *approval.Manager {
	return o.gates
}
