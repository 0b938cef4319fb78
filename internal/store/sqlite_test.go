package store

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

func objectNames(t *testing.T, path, kind string) []string {
	t.Helper()
	db, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite_%'", kind)
	if err != nil {
		t.Fatalf("query %s: %v", kind, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func TestNewDB_Schema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governor.db")

	tables := objectNames(t, path, "table")
	want := []string{"approval_gates", "audit_entries", "chain_heads", "workflow_runs"}
	if len(tables) != len(want) {
		t.Fatalf("tables = %v, want %v", tables, want)
	}
	for i := range want {
		if tables[i] != want[i] {
			t.Errorf("tables[%d] = %q, want %q", i, tables[i], want[i])
		}
	}

	indexes := objectNames(t, path, "index")
	for _, idx := range []string{"idx_entries_session", "idx_gates_run", "idx_gates_tenant_state", "idx_runs_case"} {
		found := false
		for _, got := range indexes {
			if got == idx {
				found = true
			}
		}
		if !found {
			t.Errorf("index %q missing (have %v)", idx, indexes)
		}
	}
}

func TestNewDB_ReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governor.db")
	ctx := context.Background()

	db1, err := NewDB(path)
	if err != nil {
		t.Fatalf("first NewDB: %v", err)
	}
	e := domain.AuditEntry{
		ID: "e-1", TenantID: "t1", SequenceNumber: 1, Timestamp: time.Now().UTC(),
		Action: domain.OpRunStart, InputHash: "i", OutputHash: "o", ContentHash: "c", PreviousHash: domain.GenesisHash,
	}
	if err := appendEntry(t, db1, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	db1.Close()

	// The schema uses IF NOT EXISTS, so a second open must neither fail nor drop rows.
	db2, err := NewDB(path)
	if err != nil {
		t.Fatalf("second NewDB: %v", err)
	}
	defer db2.Close()

	got, err := (&AuditEntryRepo{}).List(ctx, db2, EntryFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e-1" {
		t.Fatalf("entries after reopen = %+v", got)
	}
}

func TestNewDB_SequenceUniquePerTenant(t *testing.T) {
	db := newTestDB(t)
	base := domain.AuditEntry{
		TenantID: "t1", SequenceNumber: 1, Timestamp: time.Now().UTC(), Action: domain.OpRunStart,
		InputHash: "i", OutputHash: "o", ContentHash: "c", PreviousHash: domain.GenesisHash,
	}

	first := base
	first.ID = "e-1"
	if err := appendEntry(t, db, first); err != nil {
		t.Fatalf("first append: %v", err)
	}

	dup := base
	dup.ID = "e-2"
	if err := appendEntry(t, db, dup); err == nil {
		t.Fatal("expected unique violation for repeated sequence number")
	}

	other := base
	other.ID = "e-3"
	other.TenantID = "t2"
	if err := appendEntry(t, db, other); err != nil {
		t.Fatalf("same sequence in another tenant: %v", err)
	}
}
