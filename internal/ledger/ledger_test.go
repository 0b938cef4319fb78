package ledger

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/store"
)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *sql.DB) {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(db, opts...), db
}

func appendN(t *testing.T, l *Ledger, tenant string, n int) []*domain.AuditEntry {
	t.Helper()
	out := make([]*domain.AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), Record{
			TenantID:       tenant,
			SessionID:      "run-1",
			AgentID:        "GATEWAY",
			Action:         domain.OpClassify,
			Classification: domain.ClassAdvisory,
			Reasoning:      fmt.Sprintf("step %d", i),
			Details:        map[string]any{"step": i, "confidence": 0.9, "tags": []string{"a", "b"}},
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppend_ChainsEntries(t *testing.T) {
	l, _ := newTestLedger(t)
	entries := appendN(t, l, "t1", 4)

	assert.Equal(t, domain.GenesisHash, entries[0].PreviousHash)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.SequenceNumber)
		assert.Len(t, e.ContentHash, 64)
		if i > 0 {
			assert.Equal(t, entries[i-1].ContentHash, e.PreviousHash)
		}
	}

	head, err := l.Head(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), head.LastSequence)
	assert.Equal(t, entries[3].ContentHash, head.LastHash)
}

func TestAppend_RequiresTenantAndAction(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Append(context.Background(), Record{Action: domain.OpClassify})
	assert.True(t, errors.Is(err, domain.ErrLedgerUnavailable))
	_, err = l.Append(context.Background(), Record{TenantID: "t1"})
	assert.True(t, errors.Is(err, domain.ErrLedgerUnavailable))
}

func TestAppend_StoreUnavailable(t *testing.T) {
	l, db := newTestLedger(t)
	appendN(t, l, "t1", 1)
	require.NoError(t, db.Close())

	_, err := l.Append(context.Background(), Record{TenantID: "t1", Action: domain.OpRunStart})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLedgerUnavailable))
}

func TestAppend_TenantsAreIndependent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 120)
	for _, tenant := range []string{"t1", "t2", "t3"} {
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(tenant string) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					_, err := l.Append(ctx, Record{TenantID: tenant, Action: domain.OpStepStart, Reasoning: "concurrent"})
					errs <- err
				}
			}(tenant)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, tenant := range []string{"t1", "t2", "t3"} {
		report, err := l.VerifyChain(ctx, tenant, 1)
		require.NoError(t, err)
		assert.True(t, report.Valid, "tenant %s: %s", tenant, report.Reason)
		assert.Equal(t, 40, report.EntriesChecked)
	}
}

func TestAppend_ResumesFromStoredHead(t *testing.T) {
	l, db := newTestLedger(t)
	first := appendN(t, l, "t1", 2)

	// A fresh ledger over the same database continues the chain.
	l2 := New(db)
	e, err := l2.Append(context.Background(), Record{TenantID: "t1", Action: domain.OpRunComplete})
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.SequenceNumber)
	assert.Equal(t, first[1].ContentHash, e.PreviousHash)

	report, err := l2.VerifyChain(context.Background(), "t1", 1)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.EntriesChecked)
}

func TestVerifyChain_Valid(t *testing.T) {
	l, _ := newTestLedger(t)
	entries := appendN(t, l, "t1", 5)

	report, err := l.VerifyChain(context.Background(), "t1", 1)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.EntriesChecked)
	assert.Equal(t, entries[4].ContentHash, report.HeadHash)
	assert.NoError(t, report.Err())
}

func TestVerifyChain_EmptyTenant(t *testing.T) {
	l, _ := newTestLedger(t)
	report, err := l.VerifyChain(context.Background(), "nobody", 1)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 0, report.EntriesChecked)
}

func TestVerifyChain_DetectsMutation(t *testing.T) {
	tests := []struct {
		name   string
		column string
		value  string
	}{
		{"reasoning", "reasoning", "tampered"},
		{"decision", "policy_decision", "ALLOW"},
		{"details", "details_json", `{"step":99}`},
		{"operator", "operator_id", "mallory"},
		{"timestamp", "timestamp", "2020-01-01T00:00:00.000000000Z"},
		{"content hash", "content_hash", "00"},
	}
	for _, tt := range tests {
		for _, k := range []int64{1, 3, 6} {
			t.Run(fmt.Sprintf("%s/seq%d", tt.name, k), func(t *testing.T) {
				core, logs := observer.New(zapcore.ErrorLevel)
				l, db := newTestLedger(t, WithLogger(zap.New(core)))
				appendN(t, l, "t1", 6)

				_, err := db.Exec(fmt.Sprintf("UPDATE audit_entries SET %s = ? WHERE tenant_id = ? AND sequence_number = ?", tt.column), tt.value, "t1", k)
				require.NoError(t, err)

				report, err := l.VerifyChain(context.Background(), "t1", 1)
				require.NoError(t, err)
				assert.False(t, report.Valid)
				assert.Equal(t, k, report.FirstInvalidSequence)
				assert.Equal(t, int(k-1), report.EntriesChecked)
				assert.True(t, errors.Is(report.Err(), domain.ErrChainIntegrityFailure))
				assert.Equal(t, 1, logs.FilterMessage("ledger chain integrity failure").Len())
			})
		}
	}
}

func TestVerifyChain_DetectsTruncation(t *testing.T) {
	l, db := newTestLedger(t)
	appendN(t, l, "t1", 4)

	_, err := db.Exec("DELETE FROM audit_entries WHERE tenant_id = ? AND sequence_number = 4", "t1")
	require.NoError(t, err)

	report, err := l.VerifyChain(context.Background(), "t1", 1)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(4), report.FirstInvalidSequence)
	assert.Equal(t, 3, report.EntriesChecked)
}

func TestVerifyChain_DetectsDeletedMiddle(t *testing.T) {
	l, db := newTestLedger(t)
	appendN(t, l, "t1", 5)

	_, err := db.Exec("DELETE FROM audit_entries WHERE tenant_id = ? AND sequence_number = 2", "t1")
	require.NoError(t, err)

	report, err := l.VerifyChain(context.Background(), "t1", 1)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(2), report.FirstInvalidSequence)
	assert.Equal(t, 1, report.EntriesChecked)
	assert.Contains(t, report.Reason, "sequence gap")
}

func TestVerifyChain_FromSequence(t *testing.T) {
	l, db := newTestLedger(t)
	appendN(t, l, "t1", 6)

	report, err := l.VerifyChain(context.Background(), "t1", 4)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.EntriesChecked)

	// A mutation before the start point is outside the verified range, but
	// the predecessor's stored hash still anchors the walk.
	_, err = db.Exec("UPDATE audit_entries SET reasoning = 'x' WHERE tenant_id = 't1' AND sequence_number = 2")
	require.NoError(t, err)
	report, err = l.VerifyChain(context.Background(), "t1", 4)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	_, err = db.Exec("UPDATE audit_entries SET reasoning = 'x' WHERE tenant_id = 't1' AND sequence_number = 5")
	require.NoError(t, err)
	report, err = l.VerifyChain(context.Background(), "t1", 4)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(5), report.FirstInvalidSequence)
	assert.Equal(t, 1, report.EntriesChecked)
}

func TestVerifyChain_Property(t *testing.T) {
	dir := t.TempDir()
	iter := 0
	actions := []domain.ActionType{domain.OpClassify, domain.OpPolicyEvaluate, domain.OpGateOpen, domain.OpStepComplete}

	rapid.Check(t, func(rt *rapid.T) {
		iter++
		db, err := store.NewDB(filepath.Join(dir, fmt.Sprintf("p%d.db", iter)))
		if err != nil {
			rt.Fatalf("NewDB: %v", err)
		}
		defer db.Close()
		l := New(db)
		ctx := context.Background()

		n := rapid.IntRange(1, 12).Draw(rt, "n")
		for i := 0; i < n; i++ {
			_, err := l.Append(ctx, Record{
				TenantID:   "t1",
				SessionID:  rapid.StringMatching(`run-[a-z]{1,4}`).Draw(rt, "session"),
				Action:     rapid.SampledFrom(actions).Draw(rt, "action"),
				Reasoning:  rapid.StringMatching(`[ -~]{0,40}`).Draw(rt, "reasoning"),
				OperatorID: rapid.StringMatching(`[a-z0-9]{0,6}`).Draw(rt, "operator"),
				Details: map[string]any{
					"n":     rapid.Int64Range(-1<<40, 1<<40).Draw(rt, "num"),
					"label": rapid.StringMatching(`[ -~]{0,20}`).Draw(rt, "label"),
				},
			})
			if err != nil {
				rt.Fatalf("Append: %v", err)
			}
		}

		report, err := l.VerifyChain(ctx, "t1", 1)
		if err != nil {
			rt.Fatalf("VerifyChain: %v", err)
		}
		if !report.Valid || report.EntriesChecked != n {
			rt.Fatalf("untouched chain reported %+v", report)
		}

		k := rapid.Int64Range(1, int64(n)).Draw(rt, "k")
		if _, err := db.Exec("UPDATE audit_entries SET reasoning = reasoning || '!' WHERE sequence_number = ?", k); err != nil {
			rt.Fatalf("mutate: %v", err)
		}
		report, err = l.VerifyChain(ctx, "t1", 1)
		if err != nil {
			rt.Fatalf("VerifyChain: %v", err)
		}
		if report.Valid || report.FirstInvalidSequence != k || report.EntriesChecked != int(k-1) {
			rt.Fatalf("mutation at %d reported %+v", k, report)
		}
	})
}

func TestExportForSIEM(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	yes := true
	_, err := l.Append(ctx, Record{TenantID: "t1", SessionID: "run-1", Action: domain.OpGateApprove,
		OperatorID: "u2", ApproverID: "u2", Approved: &yes, AttestationText: "I attest",
		Reasoning: "approved <ok>", Target: "case-1", Details: map[string]any{"gate": "g-1"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{TenantID: "t1", SessionID: "run-2", Action: domain.OpRunStart})
	require.NoError(t, err)
	no := false
	_, err = l.Append(ctx, Record{TenantID: "t1", SessionID: "run-3", Action: domain.OpGateReject,
		OperatorID: "u3", ApproverID: "u3", Approved: &no, Reasoning: "rejected"})
	require.NoError(t, err)

	t.Run("plain", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := l.ExportForSIEM(ctx, &buf, Filter{TenantID: "t1"}, ExportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		lines := readLines(t, &buf)
		require.Len(t, lines, 3)
		assert.Equal(t, "u2", lines[0]["approverId"])
		assert.Equal(t, true, lines[0]["approved"])
		assert.Equal(t, "approved <ok>", lines[0]["reasoning"])
		assert.Equal(t, map[string]any{"gate": "g-1"}, lines[0]["details"])

		// Keys are present even when empty, and a false approval stays false.
		for _, key := range []string{"approved", "approverId", "attestationText", "details", "redacted"} {
			assert.Contains(t, lines[1], key)
		}
		assert.Nil(t, lines[1]["approved"])
		assert.Equal(t, "", lines[1]["approverId"])
		assert.Equal(t, map[string]any{}, lines[1]["details"])
		assert.Equal(t, false, lines[1]["redacted"])
		assert.Equal(t, false, lines[2]["approved"])
	})

	t.Run("redacted", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := l.ExportForSIEM(ctx, &buf, Filter{TenantID: "t1", SessionID: "run-1"}, ExportOptions{Redact: true})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		entries, err := l.FindBySession(ctx, "t1", "run-1")
		require.NoError(t, err)

		lines := readLines(t, &buf)
		require.Len(t, lines, 1)
		rec := lines[0]
		for _, field := range []string{"operatorId", "approverId", "attestationText", "reasoning", "target", "details"} {
			assert.Equal(t, Redacted, rec[field], field)
		}
		assert.Equal(t, entries[0].ContentHash, rec["contentHash"])
		assert.Equal(t, entries[0].InputHash, rec["inputHash"])
		assert.Equal(t, entries[0].PreviousHash, rec["previousHash"])
		assert.Equal(t, true, rec["redacted"])
	})
}

func readLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestFind_Filters(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for _, rec := range []Record{
		{TenantID: "t1", SessionID: "s1", Action: domain.OpPolicyEvaluate, PolicyDecision: domain.DecisionDeny},
		{TenantID: "t1", SessionID: "s1", Action: domain.OpPolicyEvaluate, PolicyDecision: domain.DecisionAllow},
		{TenantID: "t1", SessionID: "s2", Action: domain.OpClassify, Classification: domain.ClassMandatory},
	} {
		_, err := l.Append(ctx, rec)
		require.NoError(t, err)
	}

	got, err := l.Find(ctx, Filter{TenantID: "t1", Decision: domain.DecisionDeny})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].SequenceNumber)

	got, err = l.FindBySession(ctx, "t1", "s2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.ClassMandatory, got[0].Classification)

	byID, err := l.FindByID(ctx, got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, got[0].ContentHash, byID.ContentHash)

	_, err = l.FindByID(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrEntryNotFound))
}
