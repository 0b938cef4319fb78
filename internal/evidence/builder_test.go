package evidence

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(seq int64, action domain.ActionType, mut func(*domain.AuditEntry)) domain.AuditEntry {
	e := domain.AuditEntry{
		ID:             "e" + string(rune('0'+seq)),
		TenantID:       "t1",
		SessionID:      "run-1",
		SequenceNumber: seq,
		Timestamp:      fixedNow.Add(time.Duration(seq) * time.Second),
		AgentID:        "GATEWAY",
		Action:         action,
		Reasoning:      string(action),
	}
	if mut != nil {
		mut(&e)
	}
	return e
}

func completedRun() (domain.WorkflowRun, []domain.AuditEntry) {
	approved := true
	entries := []domain.AuditEntry{
		entry(1, domain.OpRunStart, nil),
		entry(2, domain.OpStepStart, nil),
		entry(3, domain.OpClassify, func(e *domain.AuditEntry) { e.Classification = domain.ClassMandatory }),
		entry(4, domain.OpPolicyEvaluate, func(e *domain.AuditEntry) { e.PolicyDecision = domain.DecisionRequireApproval }),
		entry(5, domain.OpGateOpen, nil),
		entry(6, domain.OpGateApprove, func(e *domain.AuditEntry) {
			e.Approved = &approved
			e.ApproverID = "U2"
			e.PolicyDecision = domain.DecisionAllow
		}),
		entry(7, domain.OpRunComplete, nil),
	}
	run := domain.WorkflowRun{
		RunID:    "run-1",
		CaseID:   "case-9",
		TenantID: "t1",
		Status:   domain.RunComplete,
		Steps: []domain.StepState{{
			Role:          domain.AgentGateway,
			Status:        domain.StepComplete,
			OutputEntryID: "e3",
			Remediation:   &domain.Remediation{Applied: true},
		}},
		Outputs: map[domain.AgentRole]domain.AgentResult{
			domain.AgentGateway: {"decision": "delete the client's case file", "score": 3},
		},
	}
	return run, entries
}

func TestBuild(t *testing.T) {
	run, entries := completedRun()
	other := entry(8, domain.OpRunStart, func(e *domain.AuditEntry) { e.SessionID = "run-2" })
	entries = append(entries, other)

	pack, err := NewBuilder(WithClock(func() time.Time { return fixedNow })).Build(run, entries)
	require.NoError(t, err)

	assert.Equal(t, "run-1", pack.ExecutionID)
	assert.Equal(t, "case-9", pack.CaseID)
	assert.Len(t, pack.Timeline, 7)
	assert.Len(t, pack.AuditLog, 7)
	require.Len(t, pack.Decisions, 2)
	assert.Equal(t, domain.OpClassify, pack.Decisions[0].Kind)
	require.Len(t, pack.Approvals, 1)
	assert.True(t, pack.Approvals[0].Approved)
	assert.Equal(t, "U2", pack.Approvals[0].ApproverID)

	require.Len(t, pack.Artifacts, 1)
	art := pack.Artifacts[0]
	assert.Equal(t, "00-gateway", art.Name)
	want, err := HashResult(run.Outputs[domain.AgentGateway])
	require.NoError(t, err)
	assert.Equal(t, want, art.Hash)
	assert.Contains(t, art.Provenance, "entry=e3")

	assert.Equal(t, domain.ReportSummary{
		Status:         domain.RunComplete,
		StepsTotal:     1,
		StepsCompleted: 1,
		Approvals:      1,
		Remediations:   1,
	}, pack.Report)
	assert.Len(t, pack.PackHash, 64)
	require.NoError(t, Verify(pack))
}

func TestBuild_NotTerminal(t *testing.T) {
	run, entries := completedRun()
	for _, status := range []domain.RunStatus{domain.RunRunning, domain.RunAwaitingApproval, domain.RunBlocked} {
		run.Status = status
		_, err := NewBuilder().Build(run, entries)
		assert.True(t, errors.Is(err, domain.ErrRunNotTerminal), status)
	}

	run.Status = domain.RunFailed
	_, err := NewBuilder().Build(run, entries)
	assert.NoError(t, err)
}

func TestBuild_MissingReference(t *testing.T) {
	run, entries := completedRun()
	run.Steps[0].OutputEntryID = "not-in-ledger"

	_, err := NewBuilder().Build(run, entries)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEvidenceIncomplete))
	assert.Contains(t, err.Error(), "not-in-ledger")
}

func TestVerify_DetectsTampering(t *testing.T) {
	run, entries := completedRun()
	pack, err := NewBuilder().Build(run, entries)
	require.NoError(t, err)

	tampered := *pack
	tampered.Report.Rejections = 5
	assert.True(t, errors.Is(Verify(&tampered), domain.ErrPackHashMismatch))

	dropped := *pack
	dropped.Timeline = dropped.Timeline[:2]
	assert.True(t, errors.Is(Verify(&dropped), domain.ErrEvidenceIncomplete))
}

func TestWriteReadJSON_VerifiesAfterRoundTrip(t *testing.T) {
	run, entries := completedRun()
	entries[2].Details = map[string]any{"confidence": 0.92, "tags": []any{"a"}}
	pack, err := NewBuilder().Build(run, entries)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, pack))

	decoded, err := ReadJSON(&buf)
	require.NoError(t, err)
	assert.Equal(t, pack.PackHash, decoded.PackHash)
	assert.NoError(t, Verify(decoded))
}
