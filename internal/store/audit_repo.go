package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

// EntryFilter narrows a ledger query. Zero-valued fields are ignored.
type EntryFilter struct {
	TenantID       string
	SessionID      string
	Actions        []domain.ActionType
	Classification domain.Classification
	Decision       domain.PolicyDecision
	OperatorID     string
	Since          time.Time
	Until          time.Time
	FromSequence   int64
	Limit          int
}

// AuditEntryRepo handles persistence for hash-chained AuditEntry records.
// Rows are only ever inserted; there is no update or delete path.
type AuditEntryRepo struct{}

const entryColumns = `id, tenant_id, session_id, sequence_number, timestamp, agent_id, operator_id, action, target,
classification, policy_decision, approved, approver_id, attestation_text, reasoning, details_json,
input_hash, output_hash, content_hash, previous_hash`

// AppendTx inserts an audit entry within an existing transaction.
func (r *AuditEntryRepo) AppendTx(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	var approved sql.NullBool
	if e.Approved != nil {
		approved = sql.NullBool{Bool: *e.Approved, Valid: true}
	}

	q := `INSERT INTO audit_entries (` + entryColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		e.ID,
		e.TenantID,
		e.SessionID,
		e.SequenceNumber,
		domain.FormatTimestamp(e.Timestamp),
		e.AgentID,
		e.OperatorID,
		string(e.Action),
		e.Target,
		string(e.Classification),
		string(e.PolicyDecision),
		approved,
		e.ApproverID,
		e.AttestationText,
		e.Reasoning,
		string(details),
		e.InputHash,
		e.OutputHash,
		e.ContentHash,
		e.PreviousHash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.Wrap(domain.ErrDuplicateSequence, fmt.Sprintf("tenant %s seq %d", e.TenantID, e.SequenceNumber), err)
		}
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// GetByID retrieves a single entry.
func (r *AuditEntryRepo) GetByID(ctx context.Context, db *sql.DB, id string) (*domain.AuditEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM audit_entries WHERE id = ?`
	e, err := scanEntry(db.QueryRowContext(ctx, q, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get audit entry: %w", err)
	}
	return e, nil
}

// GetBySequence retrieves the entry at a tenant sequence number.
func (r *AuditEntryRepo) GetBySequence(ctx context.Context, db *sql.DB, tenantID string, seq int64) (*domain.AuditEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM audit_entries WHERE tenant_id = ? AND sequence_number = ?`
	e, err := scanEntry(db.QueryRowContext(ctx, q, tenantID, seq))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get audit entry by sequence: %w", err)
	}
	return e, nil
}

// List returns entries matching f, ordered by tenant and sequence number.
func (r *AuditEntryRepo) List(ctx context.Context, db *sql.DB, f EntryFilter) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Classification != "" {
		where = append(where, "classification = ?")
		args = append(args, string(f.Classification))
	}
	if f.Decision != "" {
		where = append(where, "policy_decision = ?")
		args = append(args, string(f.Decision))
	}
	if f.OperatorID != "" {
		where = append(where, "operator_id = ?")
		args = append(args, f.OperatorID)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, domain.FormatTimestamp(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, domain.FormatTimestamp(f.Until))
	}
	if f.FromSequence > 0 {
		where = append(where, "sequence_number >= ?")
		args = append(args, f.FromSequence)
	}

	q := `SELECT ` + entryColumns + ` FROM audit_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY tenant_id ASC, sequence_number ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*domain.AuditEntry, error) {
	var (
		e                           domain.AuditEntry
		ts, action, class, decision string
		details                     string
		approved                    sql.NullBool
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.SessionID, &e.SequenceNumber, &ts, &e.AgentID, &e.OperatorID,
		&action, &e.Target, &class, &decision, &approved, &e.ApproverID, &e.AttestationText,
		&e.Reasoning, &details, &e.InputHash, &e.OutputHash, &e.ContentHash, &e.PreviousHash)
	if err != nil {
		return nil, err
	}
	e.Timestamp, err = time.Parse(domain.TimestampLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	e.Action = domain.ActionType(action)
	e.Classification = domain.Classification(class)
	e.PolicyDecision = domain.PolicyDecision(decision)
	if approved.Valid {
		v := approved.Bool
		e.Approved = &v
	}
	if details != "" && details != "null" {
		dec := json.NewDecoder(bytes.NewReader([]byte(details)))
		dec.UseNumber()
		if err := dec.Decode(&e.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	return &e, nil
}

// ChainHeadRepo persists the tip of each tenant chain alongside the entries.
type ChainHeadRepo struct{}

// Get returns the head for tenantID. A tenant with no entries yields a
// GENESIS head at sequence 0.
func (r *ChainHeadRepo) Get(ctx context.Context, db *sql.DB, tenantID string) (domain.ChainHead, error) {
	const q = `SELECT tenant_id, last_hash, last_sequence FROM chain_heads WHERE tenant_id = ?`
	var h domain.ChainHead
	err := db.QueryRowContext(ctx, q, tenantID).Scan(&h.TenantID, &h.LastHash, &h.LastSequence)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ChainHead{TenantID: tenantID, LastHash: domain.GenesisHash}, nil
		}
		return domain.ChainHead{}, fmt.Errorf("get chain head: %w", err)
	}
	return h, nil
}

// AdvanceTx moves the head from prev to next within a transaction. The
// update only succeeds if the stored sequence still equals prev.LastSequence.
func (r *ChainHeadRepo) AdvanceTx(ctx context.Context, tx *sql.Tx, prev, next domain.ChainHead) error {
	if prev.LastSequence == 0 {
		const ins = `INSERT INTO chain_heads (tenant_id, last_hash, last_sequence) VALUES (?, ?, ?)`
		if _, err := tx.ExecContext(ctx, ins, next.TenantID, next.LastHash, next.LastSequence); err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return domain.ErrOptimisticLock
			}
			return fmt.Errorf("insert chain head: %w", err)
		}
		return nil
	}

	const q = `UPDATE chain_heads SET last_hash = ?, last_sequence = ?
	WHERE tenant_id = ? AND last_sequence = ?`
	res, err := tx.ExecContext(ctx, q, next.LastHash, next.LastSequence, next.TenantID, prev.LastSequence)
	if err != nil {
		return fmt.Errorf("advance chain head: %w", err)
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
