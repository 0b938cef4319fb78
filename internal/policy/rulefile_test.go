package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

const sampleRules = `
rules:
  - id: deny-paste-export
    name: Deny exports to paste sites
    actions: [EXPORT, UPLOAD]
    domains: [paste.example]
    decision: DENY
  - id: attest-ssn
    keywords: [ssn, social security]
    decision: require_approval
    requires_attestation: true
    attestation_prompt: Confirm SSN handling is authorized.
  - id: log-mandatory-extract
    actions: [EXTRACT]
    classifications: [MANDATORY]
    decision: ALLOW
    obligations: [hash_and_log]
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(sampleRules))
	require.NoError(t, err)
	require.Len(t, rules, 3)

	tests := []struct {
		name  string
		rule  int
		ac    domain.ActionContext
		match bool
	}{
		{"export to paste", 0, domain.ActionContext{Action: domain.ActionExport, Domain: "eu.paste.example"}, true},
		{"export elsewhere", 0, domain.ActionContext{Action: domain.ActionExport, Domain: "example.org"}, false},
		{"navigate to paste", 0, domain.ActionContext{Action: domain.ActionNavigate, Domain: "paste.example"}, false},
		{"ssn keyword in value", 1, domain.ActionContext{Action: domain.ActionTypeText, Value: "SSN 123"}, true},
		{"no keyword", 1, domain.ActionContext{Action: domain.ActionTypeText, Value: "hello"}, false},
		{"mandatory extract", 2, domain.ActionContext{Action: domain.ActionExtract, Classification: domain.ClassMandatory}, true},
		{"advisory extract", 2, domain.ActionContext{Action: domain.ActionExtract, Classification: domain.ClassAdvisory}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, rules[tt.rule].Predicate(tt.ac))
		})
	}
	assert.Equal(t, domain.DecisionRequireApproval, rules[1].Decision)
	assert.True(t, rules[1].RequiresAttestation)
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "rules: [\n"},
		{"unknown decision", "rules:\n  - id: x\n    actions: [CLICK]\n    decision: PERHAPS\n"},
		{"no criteria", "rules:\n  - id: x\n    decision: DENY\n"},
		{"missing id", "rules:\n  - actions: [CLICK]\n    decision: DENY\n"},
		{"duplicate id", "rules:\n  - id: x\n    actions: [CLICK]\n    decision: DENY\n  - id: x\n    actions: [TYPE]\n    decision: DENY\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.doc))
			assert.True(t, errors.Is(err, domain.ErrInvalidRule), "got %v", err)
		})
	}
}

func TestLoadFile_LayersOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o644))

	app := &recordingAppender{}
	eng := NewEngine(app)
	builtin := len(eng.Rules())

	require.NoError(t, eng.LoadFile(context.Background(), "t1", path))
	assert.Len(t, eng.Rules(), builtin+3)
	assert.Equal(t, domain.OpPolicyRuleAdded, app.last().Action)

	res, err := eng.Evaluate(context.Background(), domain.ActionContext{
		TenantID: "t1", Action: domain.ActionExport, URL: "https://paste.example/new",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDeny, res.Decision)

	// A broken file keeps the previous rules.
	require.NoError(t, os.WriteFile(path, []byte("rules: [\n"), 0o644))
	assert.Error(t, eng.LoadFile(context.Background(), "t1", path))
	assert.Len(t, eng.Rules(), builtin+3)

	// Built-in rules survive a reload that drops every file rule.
	require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0o644))
	require.NoError(t, eng.LoadFile(context.Background(), "t1", path))
	assert.Len(t, eng.Rules(), builtin)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0o644))

	eng := NewEngine(&recordingAppender{}, WithoutDefaults())
	require.NoError(t, eng.LoadFile(context.Background(), "t1", path))

	w, err := NewWatcher(path, func(ctx context.Context, p string) error {
		return eng.LoadFile(ctx, "t1", p)
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o644))

	assert.Eventually(t, func() bool {
		return len(eng.Rules()) == 3
	}, 5*time.Second, 20*time.Millisecond)
}
