package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

// GateRepo handles persistence for approval gate rows.
type GateRepo struct{}

// Save inserts or replaces a gate row.
func (r *GateRepo) Save(ctx context.Context, db *sql.DB, g domain.PendingGate) error {
	body, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal gate: %w", err)
	}
	var resolved int64
	if !g.ResolvedAt.IsZero() {
		resolved = g.ResolvedAt.Unix()
	}
	const q = `INSERT INTO approval_gates (gate_id, run_id, tenant_id, state, gate_json, created_at, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(gate_id) DO UPDATE SET state = excluded.state, gate_json = excluded.gate_json, resolved_at = excluded.resolved_at`
	_, err = db.ExecContext(ctx, q,
		g.GateID,
		g.RunID,
		g.TenantID,
		string(g.State),
		string(body),
		g.CreatedAt.Unix(),
		resolved,
	)
	if err != nil {
		return fmt.Errorf("save gate: %w", err)
	}
	return nil
}

// GetByID retrieves a gate by its ID.
func (r *GateRepo) GetByID(ctx context.Context, db *sql.DB, gateID string) (*domain.PendingGate, error) {
	const q = `SELECT gate_json FROM approval_gates WHERE gate_id = ?`
	var body string
	if err := db.QueryRowContext(ctx, q, gateID).Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrGateNotFound
		}
		return nil, fmt.Errorf("get gate: %w", err)
	}
	var g domain.PendingGate
	if err := json.Unmarshal([]byte(body), &g); err != nil {
		return nil, fmt.Errorf("decode gate: %w", err)
	}
	return &g, nil
}

// ListByState returns gates of a tenant in the given state, oldest first.
func (r *GateRepo) ListByState(ctx context.Context, db *sql.DB, tenantID string, state domain.GateState) ([]domain.PendingGate, error) {
	const q = `SELECT gate_json FROM approval_gates WHERE tenant_id = ? AND state = ? ORDER BY created_at ASC, gate_id ASC`

	rows, err := db.QueryContext(ctx, q, tenantID, string(state))
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	defer rows.Close()

	var gates []domain.PendingGate
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan gate: %w", err)
		}
		var g domain.PendingGate
		if err := json.Unmarshal([]byte(body), &g); err != nil {
			return nil, fmt.Errorf("decode gate: %w", err)
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}
