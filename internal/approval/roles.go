package approval

import "github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"

// CanResolve reports whether an operator role may resolve a gate raised at
// the given checkpoint. ISSO and Chief Compliance Officer may resolve any
// checkpoint; a Sanitization Officer only the Gateway; a Forensic SME any
// checkpoint except the Gateway.
func CanResolve(role domain.OperatorRole, checkpoint domain.AgentRole) bool {
	switch role {
	case domain.RoleISSO, domain.RoleChiefComplianceOfficer:
		return true
	case domain.RoleSanitizationOfficer:
		return checkpoint == domain.AgentGateway
	case domain.RoleForensicSME:
		return checkpoint != domain.AgentGateway
	default:
		return false
	}
}

// CanOverridePolicy reports whether a role may use the administrative
// override path for a policy-blocked run.
func CanOverridePolicy(role domain.OperatorRole) bool {
	return role == domain.RoleISSO || role == domain.RoleChiefComplianceOfficer
}
