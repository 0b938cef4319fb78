package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

// hashMaterial is the canonical serialization of an entry's semantic fields.
// Field order is fixed by the struct; map keys are sorted by encoding/json.
type hashMaterial struct {
	TenantID        string                `json:"tenantId"`
	SessionID       string                `json:"sessionId"`
	SequenceNumber  int64                 `json:"sequenceNumber"`
	AgentID         string                `json:"agentId"`
	OperatorID      string                `json:"operatorId"`
	Action          domain.ActionType     `json:"action"`
	Target          string                `json:"target"`
	Classification  domain.Classification `json:"classification"`
	PolicyDecision  domain.PolicyDecision `json:"policyDecision"`
	Approved        *bool                 `json:"approved"`
	ApproverID      string                `json:"approverId"`
	AttestationText string                `json:"attestationText"`
	Reasoning       string                `json:"reasoning"`
	Details         map[string]any        `json:"details"`
}

// InputHash digests the canonical serialization of e's semantic fields.
func InputHash(e *domain.AuditEntry) (string, error) {
	b, err := json.Marshal(hashMaterial{
		TenantID:        e.TenantID,
		SessionID:       e.SessionID,
		SequenceNumber:  e.SequenceNumber,
		AgentID:         e.AgentID,
		OperatorID:      e.OperatorID,
		Action:          e.Action,
		Target:          e.Target,
		Classification:  e.Classification,
		PolicyDecision:  e.PolicyDecision,
		Approved:        e.Approved,
		ApproverID:      e.ApproverID,
		AttestationText: e.AttestationText,
		Reasoning:       e.Reasoning,
		Details:         e.Details,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// OutputHash is digest(operation | timestamp | inputHash).
func OutputHash(op domain.ActionType, ts, inputHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", op, ts, inputHash)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash is digest(previousHash | id | timestamp | operation | inputHash | outputHash).
func ContentHash(prev, id, ts string, op domain.ActionType, inputHash, outputHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s", prev, id, ts, op, inputHash, outputHash)
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeDetails round-trips details through JSON so the in-memory map
// serializes to the same bytes as the copy later read back from storage.
func normalizeDetails(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalize details: %w", err)
	}
	return out, nil
}

// seal fills the three hashes of e, which must already carry its id,
// timestamp, sequence and previous hash.
func seal(e *domain.AuditEntry) error {
	ts := domain.FormatTimestamp(e.Timestamp)
	in, err := InputHash(e)
	if err != nil {
		return err
	}
	e.InputHash = in
	e.OutputHash = OutputHash(e.Action, ts, in)
	e.ContentHash = ContentHash(e.PreviousHash, e.ID, ts, e.Action, e.InputHash, e.OutputHash)
	return nil
}

// check recomputes e's hashes from its stored fields and returns a reason
// string for the first mismatch, or "" when the entry is intact.
func check(e *domain.AuditEntry) string {
	ts := domain.FormatTimestamp(e.Timestamp)
	in, err := InputHash(e)
	if err != nil {
		return err.Error()
	}
	if in != e.InputHash {
		return "input hash mismatch"
	}
	out := OutputHash(e.Action, ts, in)
	if out != e.OutputHash {
		return "output hash mismatch"
	}
	if ContentHash(e.PreviousHash, e.ID, ts, e.Action, in, out) != e.ContentHash {
		return "content hash mismatch"
	}
	return ""
}
