// Package evidence assembles closed workflow runs into hashed, self-contained
// evidence packs for external audit.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

// HashResult returns the hex SHA-256 of the canonical JSON encoding of an
// agent result. Map keys are encoded in sorted order.
func HashResult(r domain.AgentResult) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the time source for GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// Builder aggregates a run and its ledger slice. It makes no decisions.
type Builder struct {
	now func() time.Time
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the evidence pack of a terminal run from the ledger
// entries of its session. Entries of other sessions are ignored.
func (b *Builder) Build(run domain.WorkflowRun, entries []domain.AuditEntry) (*domain.EvidencePack, error) {
	if !run.Status.IsTerminal() {
		return nil, domain.Wrap(domain.ErrRunNotTerminal, fmt.Sprintf("run %s is %s", run.RunID, run.Status), nil)
	}

	var slice []domain.AuditEntry
	for _, e := range entries {
		if e.SessionID == run.RunID && e.TenantID == run.TenantID {
			slice = append(slice, e)
		}
	}
	sort.Slice(slice, func(i, j int) bool { return slice[i].SequenceNumber < slice[j].SequenceNumber })

	pack := &domain.EvidencePack{
		ExecutionID: run.RunID,
		TenantID:    run.TenantID,
		CaseID:      run.CaseID,
		Timeline:    make([]domain.TimelineEvent, 0, len(slice)),
		Artifacts:   []domain.Artifact{},
		Decisions:   []domain.DecisionRecord{},
		Approvals:   []domain.ApprovalRecord{},
		AuditLog:    slice,
		GeneratedAt: b.now().UTC().Round(0),
	}
	if pack.AuditLog == nil {
		pack.AuditLog = []domain.AuditEntry{}
	}

	report := domain.ReportSummary{
		Status:     run.Status,
		StepsTotal: len(run.Steps),
		Reasoning:  run.Reasoning,
	}

	for _, e := range slice {
		pack.Timeline = append(pack.Timeline, domain.TimelineEvent{
			EntryID:        e.ID,
			SequenceNumber: e.SequenceNumber,
			Timestamp:      e.Timestamp,
			Action:         e.Action,
			AgentID:        e.AgentID,
			OperatorID:     e.OperatorID,
			Classification: e.Classification,
			PolicyDecision: e.PolicyDecision,
			Reasoning:      e.Reasoning,
		})

		switch e.Action {
		case domain.OpClassify, domain.OpPolicyEvaluate:
			pack.Decisions = append(pack.Decisions, domain.DecisionRecord{
				EntryID:        e.ID,
				Role:           e.AgentID,
				Kind:           e.Action,
				Classification: e.Classification,
				PolicyDecision: e.PolicyDecision,
				Reasoning:      e.Reasoning,
			})
		case domain.OpGateApprove, domain.OpGateReject, domain.OpGateTimeout, domain.OpPolicyOverride:
			approved := e.Approved != nil && *e.Approved
			pack.Approvals = append(pack.Approvals, domain.ApprovalRecord{
				EntryID:         e.ID,
				Action:          e.Action,
				Approved:        approved,
				ApproverID:      e.ApproverID,
				AttestationText: e.AttestationText,
				Reasoning:       e.Reasoning,
			})
			if approved {
				report.Approvals++
			} else {
				report.Rejections++
			}
		}
	}

	for i, step := range run.Steps {
		if step.Status == domain.StepComplete {
			report.StepsCompleted++
		}
		if step.Remediation != nil {
			report.Remediations++
		}
		out, ok := run.Outputs[step.Role]
		if !ok || step.OutputEntryID == "" {
			continue
		}
		hash, err := HashResult(out)
		if err != nil {
			return nil, err
		}
		pack.Artifacts = append(pack.Artifacts, domain.Artifact{
			Name:       fmt.Sprintf("%02d-%s", i, strings.ToLower(string(step.Role))),
			Role:       step.Role,
			StepIndex:  i,
			Hash:       hash,
			Provenance: fmt.Sprintf("role=%s step=%d agent=%s entry=%s", step.Role, i, step.Role, step.OutputEntryID),
			EntryID:    step.OutputEntryID,
			Content:    out,
		})
	}
	pack.Report = report

	if err := validate(pack); err != nil {
		return nil, err
	}
	hash, err := packHash(pack)
	if err != nil {
		return nil, err
	}
	pack.PackHash = hash
	return pack, nil
}

// Verify recomputes the pack hash and re-checks structure without consulting
// the ledger.
func Verify(pack *domain.EvidencePack) error {
	if err := validate(pack); err != nil {
		return err
	}
	want, err := packHash(pack)
	if err != nil {
		return err
	}
	if want != pack.PackHash {
		return domain.Wrap(domain.ErrPackHashMismatch, fmt.Sprintf("stored %s, computed %s", pack.PackHash, want), nil)
	}
	return nil
}

// WriteJSON writes the pack as indented JSON.
func WriteJSON(w io.Writer, pack *domain.EvidencePack) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(pack)
}

// ReadJSON decodes a pack written by WriteJSON.
func ReadJSON(r io.Reader) (*domain.EvidencePack, error) {
	var pack domain.EvidencePack
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&pack); err != nil {
		return nil, fmt.Errorf("decode evidence pack: %w", err)
	}
	return &pack, nil
}

// packHash is the SHA-256 of the pack encoded with an empty PackHash.
func packHash(pack *domain.EvidencePack) (string, error) {
	clone := *pack
	clone.PackHash = ""
	body, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("encode evidence pack: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func validate(pack *domain.EvidencePack) error {
	seen := make(map[string]bool, len(pack.Timeline))
	for _, ev := range pack.Timeline {
		seen[ev.EntryID] = true
	}
	var missing []string
	for _, a := range pack.Artifacts {
		if !seen[a.EntryID] {
			missing = append(missing, "artifact "+a.Name+" -> "+a.EntryID)
		}
	}
	for _, d := range pack.Decisions {
		if !seen[d.EntryID] {
			missing = append(missing, "decision -> "+d.EntryID)
		}
	}
	for _, a := range pack.Approvals {
		if !seen[a.EntryID] {
			missing = append(missing, "approval -> "+a.EntryID)
		}
	}
	if len(missing) > 0 {
		return domain.Wrap(domain.ErrEvidenceIncomplete, strings.Join(missing, "; "), nil)
	}
	return nil
}
