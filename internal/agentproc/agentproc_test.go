package agentproc

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/workflow"
)

func requireShell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("collaborator scripts need a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not found")
	}
	return sh
}

func script(t *testing.T, name, body string) Spec {
	return Spec{Name: name, Command: requireShell(t), Args: []string{"-c", body}, Timeout: 5 * time.Second}
}

// ---------------------------------------------------------------------------
// Registry tests
// ---------------------------------------------------------------------------

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name:    string(domain.AgentGateway),
		Command: "echo",
		Env:     map[string]string{"KEY": "VAL"},
	}))

	got, err := reg.Get(string(domain.AgentGateway))
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Command)
	assert.Equal(t, "VAL", got.Env["KEY"])
	assert.Equal(t, DefaultTimeout, got.Timeout)
}

func TestRegistry_Rejects(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{Name: RepairName, Command: "echo"}))

	err := reg.Register(Spec{Name: RepairName, Command: "echo"})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	err = reg.Register(Spec{Name: "QA"})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, domain.ErrCollaboratorFailure)
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"QA", "EVIDENCE", "GATEWAY"} {
		require.NoError(t, reg.Register(Spec{Name: name, Command: "echo"}))
	}
	assert.Equal(t, []string{"EVIDENCE", "GATEWAY", "QA"}, reg.Names())
}

// ---------------------------------------------------------------------------
// Agent tests
// ---------------------------------------------------------------------------

func TestAgent_EchoesRequest(t *testing.T) {
	reg := NewRegistry()
	// The script echoes its request back as the result data.
	require.NoError(t, reg.Register(script(t, "GATEWAY", `read -r req; printf '{"type":"result","data":%s}\n' "$req"`)))

	agent := NewAgent(reg, zap.NewNop())
	out, err := agent.Execute(context.Background(), domain.AgentGateway,
		domain.AgentResult{"claim": "c-1"},
		map[domain.AgentRole]domain.AgentResult{domain.AgentTimeline: {"events": 3}})
	require.NoError(t, err)

	assert.Equal(t, "execute", out["type"])
	assert.Equal(t, "GATEWAY", out["role"])
	input, ok := out["input"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c-1", input["claim"])
}

func TestAgent_LastResultWins(t *testing.T) {
	reg := NewRegistry()
	body := `read -r req
echo 'not json'
echo '{"type":"log","message":"working"}'
echo '{"type":"result","data":{"decision":"draft"}}'
echo '{"type":"progress"}'
echo '{"type":"result","data":{"decision":"final","score":0.5}}'`
	require.NoError(t, reg.Register(script(t, "QA", body)))

	out, err := NewAgent(reg, nil).Execute(context.Background(), domain.AgentQA, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "final", out["decision"])
	assert.Equal(t, json.Number("0.5"), out["score"])
}

func TestAgent_Failures(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "nonzero exit", body: `read -r req; echo boom >&2; exit 3`, want: "boom"},
		{name: "no result", body: `read -r req; echo '{"type":"log","message":"x"}'`, want: "no result line"},
		{name: "bad result data", body: `read -r req; echo '{"type":"result","data":[1,2]}'`, want: "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			require.NoError(t, reg.Register(script(t, "RATER", tt.body)))

			_, err := NewAgent(reg, nil).Execute(context.Background(), domain.AgentRater, nil, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAgent_Timeout(t *testing.T) {
	reg := NewRegistry()
	spec := script(t, "EVIDENCE", `exec sleep 5`)
	spec.Timeout = 50 * time.Millisecond
	require.NoError(t, reg.Register(spec))

	start := time.Now()
	_, err := NewAgent(reg, nil).Execute(context.Background(), domain.AgentEvidence, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestAgent_Canceled(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(script(t, "EVIDENCE", `exec sleep 5`)))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := NewAgent(reg, nil).Execute(ctx, domain.AgentEvidence, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAgent_UnknownRole(t *testing.T) {
	_, err := NewAgent(NewRegistry(), nil).Execute(context.Background(), domain.AgentQA, nil, nil)
	assert.ErrorIs(t, err, domain.ErrCollaboratorFailure)
}

func TestAgent_Env(t *testing.T) {
	reg := NewRegistry()
	spec := script(t, "GATEWAY", `read -r req; printf '{"type":"result","data":{"mode":"%s"}}\n' "$AGENT_MODE"`)
	spec.Env = map[string]string{"AGENT_MODE": "strict"}
	require.NoError(t, reg.Register(spec))

	out, err := NewAgent(reg, nil).Execute(context.Background(), domain.AgentGateway, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "strict", out["mode"])
}

// ---------------------------------------------------------------------------
// Repairer tests
// ---------------------------------------------------------------------------

func TestRepairer_DecodesResult(t *testing.T) {
	reg := NewRegistry()
	body := `read -r req
case "$req" in
  *'"type":"repair"'*'"marker":"critical failure"'*) ;;
  *) echo "unexpected request: $req" >&2; exit 1 ;;
esac
echo '{"type":"result","data":{"success":true,"repairedData":{"decision":"clean"},"changes":["removed marker"],"integrityScoreBefore":40,"integrityScoreAfter":95,"retryCount":1}}'`
	require.NoError(t, reg.Register(script(t, RepairName, body)))

	res, err := NewRepairer(reg, nil).Repair(context.Background(),
		domain.AgentResult{"decision": "critical failure"},
		domain.IntegrityFinding{Severity: domain.SeverityCritical, Marker: "critical failure"},
		workflow.RepairContext{TenantID: "t1", RunID: "r1", Role: domain.AgentQA, Attempt: 1})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "clean", res.RepairedData["decision"])
	assert.Equal(t, []string{"removed marker"}, res.Changes)
	assert.InDelta(t, 95.0, res.IntegrityScoreAfter, 0.001)
	assert.Equal(t, 1, res.RetryCount)
}

func TestRepairer_NotRegistered(t *testing.T) {
	_, err := NewRepairer(NewRegistry(), nil).Repair(context.Background(), nil, domain.IntegrityFinding{}, workflow.RepairContext{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), RepairName))
}
