package domain

import "fmt"

// EngineError is the unified error type for the governance core.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
	cause   error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *EngineError) Unwrap() error {
	return e.cause
}

// Is reports whether target is an EngineError with the same code, so that
// wrapped and re-messaged errors still match their sentinel with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	if cause == nil {
		return &EngineError{Code: code, Message: msg}
	}
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause), cause: cause}
}

// Wrap derives a new error from a sentinel, keeping its code and adding detail.
func Wrap(sentinel *EngineError, detail string, cause error) *EngineError {
	msg := sentinel.Message
	if detail != "" {
		msg = msg + ": " + detail
	}
	return WrapEngineError(sentinel.Code, msg, cause)
}

// ---- Run / orchestrator errors (-32010 to -32039) ----

var (
	ErrRunNotFound        = &EngineError{Code: -32010, Message: "workflow run not found"}
	ErrRunAlreadyDone     = &EngineError{Code: -32011, Message: "workflow run already in terminal state"}
	ErrRunActiveForCase   = &EngineError{Code: -32012, Message: "case already has an active workflow run"}
	ErrInvalidStep        = &EngineError{Code: -32013, Message: "invalid step index"}
	ErrRunNotSuspended    = &EngineError{Code: -32014, Message: "workflow run is not awaiting approval"}
	ErrRunNotBlocked      = &EngineError{Code: -32015, Message: "workflow run is not blocked by policy"}
	ErrOptimisticLock     = &EngineError{Code: -32016, Message: "optimistic lock conflict: state was modified concurrently"}
	ErrNoRoles            = &EngineError{Code: -32017, Message: "workflow requires at least one agent role"}
	ErrRunNotTerminal     = &EngineError{Code: -32018, Message: "workflow run is not in a terminal state"}
	ErrEvidenceIncomplete = &EngineError{Code: -32019, Message: "evidence pack references entries missing from timeline"}
	ErrPackHashMismatch   = &EngineError{Code: -32020, Message: "evidence pack hash mismatch"}
	ErrInvalidRequest     = &EngineError{Code: -32021, Message: "invalid workflow request"}
)

// ---- Governance taxonomy (-32200 to -32209) ----

var (
	ErrPolicyViolation       = &EngineError{Code: -32200, Message: "policy violation"}
	ErrApprovalRequired      = &EngineError{Code: -32201, Message: "human approval required"}
	ErrApprovalTimeout       = &EngineError{Code: -32202, Message: "approval timed out"}
	ErrIntegrityCritical     = &EngineError{Code: -32203, Message: "critical integrity finding requires governance review"}
	ErrChainIntegrityFailure = &EngineError{Code: -32204, Message: "ledger hash chain integrity failure"}
	ErrCollaboratorFailure   = &EngineError{Code: -32205, Message: "collaborator failure"}
)

// ---- Approval gate errors (-32210 to -32229) ----

var (
	ErrGateNotFound        = &EngineError{Code: -32210, Message: "approval gate not found"}
	ErrGateAlreadyOpen     = &EngineError{Code: -32211, Message: "workflow run already has an open approval gate"}
	ErrGateNotPending      = &EngineError{Code: -32212, Message: "approval gate is not pending"}
	ErrSeparationOfDuties  = &EngineError{Code: -32213, Message: "separation of duties violation: initiator cannot approve"}
	ErrRoleNotEligible     = &EngineError{Code: -32214, Message: "operator role is not eligible for this checkpoint"}
	ErrAttestationRequired = &EngineError{Code: -32215, Message: "attestation text is required"}
	ErrOverrideNotAllowed  = &EngineError{Code: -32216, Message: "operator role may not override policy"}
)

// ---- Store / ledger / config errors (-32130 to -32159) ----

var (
	ErrStoreInit         = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery        = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite        = &EngineError{Code: -32132, Message: "store write failed"}
	ErrLedgerUnavailable = &EngineError{Code: -32133, Message: "ledger store unavailable"}
	ErrEntryNotFound     = &EngineError{Code: -32134, Message: "audit entry not found"}
	ErrConfigInvalid     = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrDuplicateSequence = &EngineError{Code: -32137, Message: "duplicate ledger sequence number"}
	ErrInvalidRule       = &EngineError{Code: -32138, Message: "invalid policy rule"}
)
