package agentproc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/workflow"
)

const maxLineBytes = 8 << 20

// line is one JSON line written by a collaborator process.
type line struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type executeRequest struct {
	Type         string                                  `json:"type"`
	Role         domain.AgentRole                        `json:"role"`
	Input        domain.AgentResult                      `json:"input"`
	PriorOutputs map[domain.AgentRole]domain.AgentResult `json:"priorOutputs"`
}

type repairRequest struct {
	Type    string                  `json:"type"`
	Input   domain.AgentResult      `json:"input"`
	Finding domain.IntegrityFinding `json:"finding"`
	Context workflow.RepairContext  `json:"context"`
}

// Agent runs the process registered for each role.
type Agent struct {
	registry *Registry
	logger   *zap.Logger
}

// NewAgent creates a process-backed agent collaborator.
func NewAgent(registry *Registry, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{registry: registry, logger: logger}
}

// Execute runs the role's process with the step input and prior outputs.
func (a *Agent) Execute(ctx context.Context, role domain.AgentRole, input domain.AgentResult, prior map[domain.AgentRole]domain.AgentResult) (domain.AgentResult, error) {
	spec, err := a.registry.Get(string(role))
	if err != nil {
		return nil, err
	}
	var out domain.AgentResult
	req := executeRequest{Type: "execute", Role: role, Input: input, PriorOutputs: prior}
	if err := run(ctx, spec, req, &out, a.logger); err != nil {
		return nil, err
	}
	return out, nil
}

// Repairer runs the process registered as RepairName.
type Repairer struct {
	registry *Registry
	logger   *zap.Logger
}

// NewRepairer creates a process-backed repair collaborator.
func NewRepairer(registry *Registry, logger *zap.Logger) *Repairer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repairer{registry: registry, logger: logger}
}

// Repair runs the repair process for one finding.
func (r *Repairer) Repair(ctx context.Context, input domain.AgentResult, finding domain.IntegrityFinding, rc workflow.RepairContext) (domain.RepairResult, error) {
	spec, err := r.registry.Get(RepairName)
	if err != nil {
		return domain.RepairResult{}, err
	}
	var out domain.RepairResult
	req := repairRequest{Type: "repair", Input: input, Finding: finding, Context: rc}
	if err := run(ctx, spec, req, &out, r.logger); err != nil {
		return domain.RepairResult{}, err
	}
	return out, nil
}

// run launches spec, writes req as one JSON line on stdin and decodes the
// data of the last result line on stdout into out. Log lines are forwarded
// to logger; other lines are ignored.
func run(ctx context.Context, spec Spec, req any, out any, logger *zap.Logger) error {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request for %s: %w", spec.Name, err)
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.WaitDelay = time.Second
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}
	cmd.Stdin = bytes.NewReader(append(body, '\n'))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for %s: %w", spec.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", spec.Name, err)
	}

	var result json.RawMessage
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var ln line
		if err := json.Unmarshal(scanner.Bytes(), &ln); err != nil {
			continue
		}
		switch ln.Type {
		case "result":
			result = append(json.RawMessage(nil), ln.Data...)
		case "log":
			logger.Debug("collaborator log", zap.String("collaborator", spec.Name), zap.String("message", ln.Message))
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s timed out after %s", spec.Name, timeout)
		}
		return fmt.Errorf("%s canceled: %w", spec.Name, ctx.Err())
	case waitErr != nil:
		return fmt.Errorf("%s failed: %w: %s", spec.Name, waitErr, bytes.TrimSpace(stderr.Bytes()))
	case scanErr != nil:
		return fmt.Errorf("read %s output: %w", spec.Name, scanErr)
	case len(result) == 0:
		return fmt.Errorf("%s produced no result line", spec.Name)
	}

	dec := json.NewDecoder(bytes.NewReader(result))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s result: %w", spec.Name, err)
	}
	return nil
}

var (
	_ workflow.Agent    = (*Agent)(nil)
	_ workflow.Repairer = (*Repairer)(nil)
)
