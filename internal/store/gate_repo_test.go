package store

import (
	"context"
	"testing"
	"time"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

func TestGateRepo_SaveAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &GateRepo{}
	now := time.Now().UTC()

	g := domain.PendingGate{
		GateID:                "g-1",
		RunID:                 "run-1",
		TenantID:              "t1",
		Classification:        domain.ClassMandatory,
		ActiveCheckpointAgent: domain.AgentGateway,
		WorkflowInitiatorID:   "u1",
		State:                 domain.GatePending,
		CreatedAt:             now,
	}
	if err := repo.Save(ctx, db, g); err != nil {
		t.Fatalf("Save: %v", err)
	}

	pending, err := repo.ListByState(ctx, db, "t1", domain.GatePending)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(pending) != 1 || pending[0].GateID != "g-1" {
		t.Fatalf("pending = %+v", pending)
	}

	g.State = domain.GateApproved
	g.ResolvedBy = "u2"
	g.ResolvedAt = now.Add(time.Minute)
	if err := repo.Save(ctx, db, g); err != nil {
		t.Fatalf("Save resolved: %v", err)
	}

	pending, err = repo.ListByState(ctx, db, "t1", domain.GatePending)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending gates, got %d", len(pending))
	}

	got, err := repo.GetByID(ctx, db, "g-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != domain.GateApproved || got.ResolvedBy != "u2" {
		t.Errorf("got %+v", got)
	}
}

func TestGateRepo_GetNotFound(t *testing.T) {
	db := newTestDB(t)
	repo := &GateRepo{}
	if _, err := repo.GetByID(context.Background(), db, "nope"); err != domain.ErrGateNotFound {
		t.Errorf("expected ErrGateNotFound, got %v", err)
	}
}
