package store

import (
	"context"
	"testing"
	"time"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

func TestRunRepo_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &RunRepo{}

	run := domain.WorkflowRun{
		RunID:        "run-1",
		CaseID:       "case-1",
		TenantID:     "t1",
		InitiatorID:  "u1",
		Status:       domain.RunRunning,
		StateVersion: 1,
		Steps:        []domain.StepState{{Role: domain.AgentGateway, Status: domain.StepIdle}},
		StartedAt:    time.Now().UTC(),
	}
	if err := repo.Create(ctx, db, run); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(ctx, db, "run-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.CaseID != "case-1" || got.InitiatorID != "u1" {
		t.Errorf("got %+v", got)
	}
	if len(got.Steps) != 1 || got.Steps[0].Role != domain.AgentGateway {
		t.Errorf("Steps = %+v", got.Steps)
	}
}

func TestRunRepo_GetByID_NotFound(t *testing.T) {
	db := newTestDB(t)
	repo := &RunRepo{}
	_, err := repo.GetByID(context.Background(), db, "nonexistent")
	if err != domain.ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRunRepo_Update_OptimisticLock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &RunRepo{}

	run := domain.WorkflowRun{RunID: "run-2", CaseID: "case-2", TenantID: "t1", Status: domain.RunRunning, StateVersion: 1}
	if err := repo.Create(ctx, db, run); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Update with correct version should succeed.
	run.Status = domain.RunAwaitingApproval
	if err := repo.Update(ctx, db, run); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// run.StateVersion is still 1 but the row is now 2.
	run.Status = domain.RunComplete
	if err := repo.Update(ctx, db, run); err != domain.ErrOptimisticLock {
		t.Errorf("expected ErrOptimisticLock, got %v", err)
	}

	got, err := repo.GetByID(ctx, db, "run-2")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.RunAwaitingApproval || got.StateVersion != 2 {
		t.Errorf("got status=%s version=%d", got.Status, got.StateVersion)
	}
}

func TestRunRepo_ListByTenant(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &RunRepo{}
	now := time.Now().UTC()

	for i, id := range []string{"run-a", "run-b"} {
		run := domain.WorkflowRun{RunID: id, CaseID: id, TenantID: "t1", Status: domain.RunRunning, StateVersion: 1,
			StartedAt: now.Add(time.Duration(i) * time.Hour)}
		if err := repo.Create(ctx, db, run); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if err := repo.Create(ctx, db, domain.WorkflowRun{RunID: "run-x", CaseID: "x", TenantID: "t2", StateVersion: 1}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	runs, err := repo.ListByTenant(ctx, db, "t1")
	if err != nil {
		t.Fatalf("ListByTenant: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-b" {
		t.Errorf("first run = %s, want newest run-b", runs[0].RunID)
	}
}
