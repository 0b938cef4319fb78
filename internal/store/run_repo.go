package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

// RunRepo handles persistence for WorkflowRun snapshots.
type RunRepo struct{}

// Create inserts a new run snapshot.
func (r *RunRepo) Create(ctx context.Context, db *sql.DB, run domain.WorkflowRun) error {
	snap, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	const q = `INSERT INTO workflow_runs (run_id, case_id, tenant_id, status, state_version, snapshot_json, started_at, updated_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q,
		run.RunID,
		run.CaseID,
		run.TenantID,
		string(run.Status),
		run.StateVersion,
		string(snap),
		run.StartedAt.Unix(),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Update writes a run snapshot using optimistic locking. The update only
// succeeds if the stored state_version matches run.StateVersion; on success
// the caller should increment its in-memory version.
func (r *RunRepo) Update(ctx context.Context, db *sql.DB, run domain.WorkflowRun) error {
	next := run
	next.StateVersion = run.StateVersion + 1
	snap, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	const q = `UPDATE workflow_runs SET
		status = ?,
		state_version = state_version + 1,
		snapshot_json = ?,
		updated_at_unix = ?
	WHERE run_id = ? AND state_version = ?`

	res, err := db.ExecContext(ctx, q,
		string(run.Status),
		string(snap),
		time.Now().Unix(),
		run.RunID,
		run.StateVersion,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

// GetByID retrieves a run snapshot by its ID.
func (r *RunRepo) GetByID(ctx context.Context, db *sql.DB, runID string) (*domain.WorkflowRun, error) {
	const q = `SELECT snapshot_json FROM workflow_runs WHERE run_id = ?`

	var snap string
	if err := db.QueryRowContext(ctx, q, runID).Scan(&snap); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	var run domain.WorkflowRun
	if err := json.Unmarshal([]byte(snap), &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

// ListByTenant returns run snapshots for a tenant, newest first.
func (r *RunRepo) ListByTenant(ctx context.Context, db *sql.DB, tenantID string) ([]domain.WorkflowRun, error) {
	const q = `SELECT snapshot_json FROM workflow_runs WHERE tenant_id = ? ORDER BY started_at DESC, run_id ASC`

	rows, err := db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.WorkflowRun
	for rows.Next() {
		var snap string
		if err := rows.Scan(&snap); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run domain.WorkflowRun
		if err := json.Unmarshal([]byte(snap), &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
