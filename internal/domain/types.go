// Package domain defines the core types for the governance core: audit
// entries, policy and classification outcomes, approval gates and workflow runs.
package domain

import "time"

// GenesisHash is the previousHash of the first entry in every tenant chain.
const GenesisHash = "GENESIS"

// TimestampLayout is the fixed-width UTC layout used for ledger timestamps,
// both in storage and in hash material. Fixed width keeps lexical order
// equal to chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTimestamp renders t in TimestampLayout after converting to UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Classification is the three-level MAI governance tier.
type Classification string

const (
	ClassMandatory     Classification = "MANDATORY"
	ClassAdvisory      Classification = "ADVISORY"
	ClassInformational Classification = "INFORMATIONAL"
)

// PolicyDecision is the outcome of a policy evaluation.
type PolicyDecision string

const (
	DecisionAllow              PolicyDecision = "ALLOW"
	DecisionDeny               PolicyDecision = "DENY"
	DecisionRequireApproval    PolicyDecision = "REQUIRE_APPROVAL"
	DecisionRequireAttestation PolicyDecision = "REQUIRE_ATTESTATION"
)

// Rank orders decisions by restrictiveness. A higher rank always wins.
func (d PolicyDecision) Rank() int {
	switch d {
	case DecisionAllow:
		return 0
	case DecisionRequireApproval:
		return 1
	case DecisionRequireAttestation:
		return 2
	case DecisionDeny:
		return 3
	default:
		return -1
	}
}

// ActionType is the enumerated verb of an action or ledger entry.
type ActionType string

// Actions an agent may attempt; evaluated by the policy engine.
const (
	ActionNavigate      ActionType = "NAVIGATE"
	ActionClick         ActionType = "CLICK"
	ActionTypeText      ActionType = "TYPE"
	ActionSubmit        ActionType = "SUBMIT"
	ActionDownload      ActionType = "DOWNLOAD"
	ActionUpload        ActionType = "UPLOAD"
	ActionExtract       ActionType = "EXTRACT"
	ActionExport        ActionType = "EXPORT"
	ActionExternalShare ActionType = "EXTERNAL_SHARE"
	ActionAuth          ActionType = "AUTH"
	ActionCaptcha       ActionType = "CAPTCHA"
)

// Governance operations recorded by the ledger.
const (
	OpClassify          ActionType = "CLASSIFY"
	OpPolicyEvaluate    ActionType = "POLICY_EVALUATE"
	OpPolicyRuleAdded   ActionType = "POLICY_RULE_ADDED"
	OpPolicyOverride    ActionType = "POLICY_OVERRIDE"
	OpGateOpen          ActionType = "GATE_OPEN"
	OpGateApprove       ActionType = "GATE_APPROVE"
	OpGateReject        ActionType = "GATE_REJECT"
	OpGateTimeout       ActionType = "GATE_TIMEOUT"
	OpGateCancel        ActionType = "GATE_CANCEL"
	OpGateDeniedAttempt ActionType = "GATE_DENIED_ATTEMPT"
	OpStepStart         ActionType = "STEP_START"
	OpStepComplete      ActionType = "STEP_COMPLETE"
	OpStepFailed        ActionType = "STEP_FAILED"
	OpStepRepair        ActionType = "STEP_REPAIR"
	OpStepReplay        ActionType = "STEP_REPLAY"
	OpRunStart          ActionType = "RUN_START"
	OpRunBlocked        ActionType = "RUN_BLOCKED"
	OpRunComplete       ActionType = "RUN_COMPLETE"
	OpRunFailed         ActionType = "RUN_FAILED"
	OpRunReset          ActionType = "RUN_RESET"
	OpEvidenceExport    ActionType = "EVIDENCE_EXPORT"
)

// AuditEntry is an immutable, hash-chained fact record. Only the ledger
// constructs valid entries.
type AuditEntry struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenantId"`
	SessionID       string         `json:"sessionId"`
	SequenceNumber  int64          `json:"sequenceNumber"`
	Timestamp       time.Time      `json:"timestamp"`
	AgentID         string         `json:"agentId"`
	OperatorID      string         `json:"operatorId"`
	Action          ActionType     `json:"action"`
	Target          string         `json:"target"`
	Classification  Classification `json:"classification"`
	PolicyDecision  PolicyDecision `json:"policyDecision"`
	Approved        *bool          `json:"approved"`
	ApproverID      string         `json:"approverId"`
	AttestationText string         `json:"attestationText"`
	Reasoning       string         `json:"reasoning"`
	Details         map[string]any `json:"details"`
	InputHash       string         `json:"inputHash"`
	OutputHash      string         `json:"outputHash"`
	ContentHash     string         `json:"contentHash"`
	PreviousHash    string         `json:"previousHash"`
}

// ChainHead is the tip of one tenant's hash chain.
type ChainHead struct {
	TenantID     string
	LastHash     string
	LastSequence int64
}

// ActionContext is the input to policy evaluation.
type ActionContext struct {
	TenantID        string
	SessionID       string
	URL             string
	Domain          string
	Action          ActionType
	Target          string
	Value           string
	Classification  Classification
	OperatorID      string
	AgentID         string
	ConsentObtained *bool
	LawfulBasis     string
}

// ClassificationResult is the output of the MAI classifier.
type ClassificationResult struct {
	Classification       Classification `json:"classification"`
	Confidence           float64        `json:"confidence"`
	Rationale            string         `json:"rationale"`
	GateRequired         bool           `json:"gateRequired"`
	EvidenceRequirements []string       `json:"evidenceRequirements"`
}

// OperatorRole is the organisational role of a human operator.
type OperatorRole string

const (
	RoleAnalyst                OperatorRole = "ANALYST"
	RoleSanitizationOfficer    OperatorRole = "SANITIZATION_OFFICER"
	RoleForensicSME            OperatorRole = "FORENSIC_SME"
	RoleISSO                   OperatorRole = "ISSO"
	RoleChiefComplianceOfficer OperatorRole = "CHIEF_COMPLIANCE_OFFICER"
)

// Operator identifies a human acting on the system.
type Operator struct {
	ID   string       `json:"id"`
	Role OperatorRole `json:"role"`
}

// AgentRole names one agent step in a workflow.
type AgentRole string

const (
	AgentGateway  AgentRole = "GATEWAY"
	AgentTimeline AgentRole = "TIMELINE"
	AgentEvidence AgentRole = "EVIDENCE"
	AgentRater    AgentRole = "RATER"
	AgentQA       AgentRole = "QA"
	AgentReport   AgentRole = "REPORT"
)

// DefaultRoles is the standard agent sequence for a case workflow.
func DefaultRoles() []AgentRole {
	return []AgentRole{AgentGateway, AgentTimeline, AgentEvidence, AgentRater, AgentQA, AgentReport}
}

// GateState is the approval gate lifecycle state.
type GateState string

const (
	GateNone     GateState = "NONE"
	GatePending  GateState = "PENDING"
	GateApproved GateState = "APPROVED"
	GateRejected GateState = "REJECTED"
	GateTimedOut GateState = "TIMED_OUT"
	GateCanceled GateState = "CANCELED"
)

// IsTerminal reports whether the gate has been resolved.
func (s GateState) IsTerminal() bool {
	return s == GateApproved || s == GateRejected || s == GateTimedOut || s == GateCanceled
}

// Severity grades an integrity finding.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// PendingGate is a decision awaiting a human reviewer.
type PendingGate struct {
	GateID                string         `json:"gateId"`
	RunID                 string         `json:"runId"`
	TenantID              string         `json:"tenantId"`
	StepIndex             int            `json:"stepIndex"`
	Decision              string         `json:"decision"`
	Classification        Classification `json:"classification"`
	Domain                string         `json:"domain"`
	CreatedAt             time.Time      `json:"createdAt"`
	Rationale             string         `json:"rationale"`
	Confidence            float64        `json:"confidence"`
	ApprovalRequestedAt   time.Time      `json:"approvalRequestedAt"`
	RequiredActionType    ActionType     `json:"requiredActionType"`
	ActiveCheckpointAgent AgentRole      `json:"activeCheckpointAgent"`
	WorkflowInitiatorID   string         `json:"workflowInitiatorId"`
	PolicyDecision        PolicyDecision `json:"policyDecision"`
	RequiresAttestation   bool           `json:"requiresAttestation"`
	AttestationPrompt     string         `json:"attestationPrompt,omitempty"`
	Severity              Severity       `json:"severity,omitempty"`
	IntegrityAlert        bool           `json:"integrityAlert"`
	State                 GateState      `json:"state"`
	ResolvedAt            time.Time      `json:"resolvedAt,omitempty"`
	ResolvedBy            string         `json:"resolvedBy,omitempty"`
}

// StepStatus is the per-role status inside a run.
type StepStatus string

const (
	StepIdle      StepStatus = "IDLE"
	StepWorking   StepStatus = "WORKING"
	StepRepairing StepStatus = "REPAIRING"
	StepComplete  StepStatus = "COMPLETE"
	StepFailed    StepStatus = "FAILED"
)

// RunStatus is the overall status of a workflow run.
type RunStatus string

const (
	RunRunning          RunStatus = "RUNNING"
	RunAwaitingApproval RunStatus = "AWAITING_APPROVAL"
	RunBlocked          RunStatus = "BLOCKED"
	RunComplete         RunStatus = "COMPLETE"
	RunFailed           RunStatus = "FAILED"
)

// IsTerminal reports whether the run can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunComplete || s == RunFailed
}

// ResultStatus annotates the outcome of one agent step.
type ResultStatus string

const (
	ResultPassed             ResultStatus = "PASSED"
	ResultPassedWithWarnings ResultStatus = "PASSED_WITH_WARNINGS"
	ResultFailed             ResultStatus = "FAILED"
)

// AgentResult is the free-form output of the agent-execution collaborator.
type AgentResult map[string]any

// IntegrityFinding describes a critical-failure signature found in a result.
type IntegrityFinding struct {
	Severity       Severity `json:"severity"`
	Marker         string   `json:"marker"`
	Description    string   `json:"description"`
	IntegrityAlert bool     `json:"integrityAlert"`
}

// RepairResult is returned by the repair collaborator.
type RepairResult struct {
	Success              bool        `json:"success"`
	RepairedData         AgentResult `json:"repairedData,omitempty"`
	Changes              []string    `json:"changes"`
	IntegrityScoreBefore float64     `json:"integrityScoreBefore"`
	IntegrityScoreAfter  float64     `json:"integrityScoreAfter"`
	RetryCount           int         `json:"retryCount"`
}

// Remediation is the metadata attached to a step after a repair attempt.
type Remediation struct {
	Applied              bool             `json:"applied"`
	Finding              IntegrityFinding `json:"finding"`
	Changes              []string         `json:"changes"`
	IntegrityScoreBefore float64          `json:"integrityScoreBefore"`
	IntegrityScoreAfter  float64          `json:"integrityScoreAfter"`
	RetryCount           int              `json:"retryCount"`
	Error                string           `json:"error,omitempty"`
}

// StepState tracks one role within a run.
type StepState struct {
	Role           AgentRole      `json:"role"`
	Status         StepStatus     `json:"status"`
	Attempts       int            `json:"attempts"`
	Classification Classification `json:"classification,omitempty"`
	Confidence     float64        `json:"confidence,omitempty"`
	PolicyDecision PolicyDecision `json:"policyDecision,omitempty"`
	ResultStatus   ResultStatus   `json:"resultStatus,omitempty"`
	Remediation    *Remediation   `json:"remediationApplied,omitempty"`
	OutputHash     string         `json:"outputHash,omitempty"`
	OutputEntryID  string         `json:"outputEntryId,omitempty"`
	Reasoning      string         `json:"reasoning,omitempty"`
}

// WorkflowRun is the state threaded through step execution.
type WorkflowRun struct {
	RunID            string                    `json:"runId"`
	CaseID           string                    `json:"caseId"`
	TenantID         string                    `json:"tenantId"`
	InitiatorID      string                    `json:"initiatorId"`
	Domain           string                    `json:"domain"`
	Input            AgentResult               `json:"input"`
	Steps            []StepState               `json:"steps"`
	CurrentStepIndex int                       `json:"currentStepIndex"`
	Outputs          map[AgentRole]AgentResult `json:"outputs"`
	ActiveGate       *PendingGate              `json:"activeGate,omitempty"`
	Status           RunStatus                 `json:"status"`
	Reasoning        string                    `json:"reasoning,omitempty"`
	StateVersion     int64                     `json:"stateVersion"`
	StartedAt        time.Time                 `json:"startedAt"`
	CompletedAt      time.Time                 `json:"completedAt,omitempty"`
}

// Roles returns the ordered agent roles of the run.
func (r *WorkflowRun) Roles() []AgentRole {
	roles := make([]AgentRole, len(r.Steps))
	for i, s := range r.Steps {
		roles[i] = s.Role
	}
	return roles
}

// TimelineEvent is one entry of an evidence pack timeline.
type TimelineEvent struct {
	EntryID        string         `json:"entryId"`
	SequenceNumber int64          `json:"sequenceNumber"`
	Timestamp      time.Time      `json:"timestamp"`
	Action         ActionType     `json:"action"`
	AgentID        string         `json:"agentId,omitempty"`
	OperatorID     string         `json:"operatorId,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	PolicyDecision PolicyDecision `json:"policyDecision,omitempty"`
	Reasoning      string         `json:"reasoning"`
}

// Artifact is an agent output bundled into an evidence pack.
type Artifact struct {
	Name       string      `json:"name"`
	Role       AgentRole   `json:"role"`
	StepIndex  int         `json:"stepIndex"`
	Hash       string      `json:"hash"`
	Provenance string      `json:"provenance"`
	EntryID    string      `json:"entryId"`
	Content    AgentResult `json:"content"`
}

// DecisionRecord is a classification or policy decision in an evidence pack.
type DecisionRecord struct {
	EntryID        string         `json:"entryId"`
	Role           string         `json:"role"`
	Kind           ActionType     `json:"kind"`
	Classification Classification `json:"classification"`
	PolicyDecision PolicyDecision `json:"policyDecision"`
	Reasoning      string         `json:"reasoning"`
}

// ApprovalRecord is a gate resolution in an evidence pack.
type ApprovalRecord struct {
	EntryID         string     `json:"entryId"`
	Action          ActionType `json:"action"`
	Approved        bool       `json:"approved"`
	ApproverID      string     `json:"approverId,omitempty"`
	AttestationText string     `json:"attestationText,omitempty"`
	Reasoning       string     `json:"reasoning"`
}

// ReportSummary summarises a run for an evidence pack.
type ReportSummary struct {
	Status         RunStatus `json:"status"`
	StepsTotal     int       `json:"stepsTotal"`
	StepsCompleted int       `json:"stepsCompleted"`
	Approvals      int       `json:"approvals"`
	Rejections     int       `json:"rejections"`
	Remediations   int       `json:"remediations"`
	Reasoning      string    `json:"reasoning,omitempty"`
}

// EvidencePack is a closed, hashed bundle of one run.
type EvidencePack struct {
	ExecutionID string           `json:"executionId"`
	TenantID    string           `json:"tenantId"`
	CaseID      string           `json:"caseId"`
	Timeline    []TimelineEvent  `json:"timeline"`
	Artifacts   []Artifact       `json:"artifacts"`
	Decisions   []DecisionRecord `json:"decisions"`
	Approvals   []ApprovalRecord `json:"approvals"`
	Report      ReportSummary    `json:"report"`
	AuditLog    []AuditEntry     `json:"auditLog"`
	GeneratedAt time.Time        `json:"generatedAt"`
	PackHash    string           `json:"packHash"`
}
