package policy

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

// Built-in rule IDs.
const (
	RuleDenyAuth           = "deny-auth"
	RuleDenyCaptcha        = "deny-captcha"
	RuleApproveSubmit      = "approve-submit"
	RuleDownloadHashLog    = "download-hash-log"
	RuleAttestExternal     = "attest-external-share"
	RuleAttestHighImpact   = "attest-high-impact"
	RuleDenyBlockedDomains = "deny-blocked-domain"
)

// ObligationHashAndLog requires the caller to hash and log a download.
const ObligationHashAndLog = "hash_and_log"

var (
	credentialPattern = regexp.MustCompile(`(?i)password|passwd|passcode|credential|secret|one-time code|\botp\b|login`)
	captchaPattern    = regexp.MustCompile(`(?i)captcha`)
	highImpactPattern = regexp.MustCompile(`(?i)employment|benefits|eligibility|screening|background`)
)

// DefaultRules returns the baseline policy. blocklist feeds the domain
// blocklist rule; an empty list blocks nothing.
func DefaultRules(blocklist []string) []Rule {
	blocked := normalizeDomains(blocklist)
	return []Rule{
		{
			ID:   RuleDenyAuth,
			Name: "Deny authentication and credential actions",
			Predicate: func(ac domain.ActionContext) bool {
				if ac.Action == domain.ActionAuth {
					return true
				}
				return ac.Action == domain.ActionTypeText && credentialPattern.MatchString(ac.Target)
			},
			Decision: domain.DecisionDeny,
			Source:   SourceBuiltin,
		},
		{
			ID:   RuleDenyCaptcha,
			Name: "Deny CAPTCHA interaction",
			Predicate: func(ac domain.ActionContext) bool {
				return ac.Action == domain.ActionCaptcha || captchaPattern.MatchString(ac.Target)
			},
			Decision: domain.DecisionDeny,
			Source:   SourceBuiltin,
		},
		{
			ID:        RuleApproveSubmit,
			Name:      "Require approval on form submission",
			Predicate: actionIs(domain.ActionSubmit),
			Decision:  domain.DecisionRequireApproval,
			Source:    SourceBuiltin,
		},
		{
			ID:          RuleDownloadHashLog,
			Name:        "Allow downloads that are hashed and logged",
			Predicate:   actionIs(domain.ActionDownload),
			Decision:    domain.DecisionAllow,
			Obligations: []string{ObligationHashAndLog},
			Source:      SourceBuiltin,
		},
		{
			ID:                  RuleAttestExternal,
			Name:                "Require attestation on external sharing",
			Predicate:           actionIs(domain.ActionExternalShare),
			Decision:            domain.DecisionRequireAttestation,
			RequiresAttestation: true,
			AttestationPrompt:   "I attest that sharing this material outside the organisation is authorized and lawful.",
			Source:              SourceBuiltin,
		},
		{
			ID:   RuleAttestHighImpact,
			Name: "Require attestation for high-impact decisions",
			Predicate: func(ac domain.ActionContext) bool {
				return highImpactPattern.MatchString(ac.Target) || highImpactPattern.MatchString(ac.Value)
			},
			Decision:            domain.DecisionRequireAttestation,
			RequiresAttestation: true,
			AttestationPrompt:   "I attest that this action affecting employment, benefits, eligibility, screening or background is reviewed and has a lawful basis.",
			Source:              SourceBuiltin,
		},
		{
			ID:   RuleDenyBlockedDomains,
			Name: "Deny blocklisted domains",
			Predicate: func(ac domain.ActionContext) bool {
				return domainMatches(ac.Domain, blocked)
			},
			Decision: domain.DecisionDeny,
			Source:   SourceBuiltin,
		},
	}
}

func actionIs(a domain.ActionType) func(domain.ActionContext) bool {
	return func(ac domain.ActionContext) bool { return ac.Action == a }
}

// domainMatches reports whether host equals, or is a subdomain of, any entry.
func domainMatches(host string, domains []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, "*.")
		d = strings.TrimSuffix(d, ".")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("//" + raw)
		if err != nil {
			return ""
		}
	}
	return strings.ToLower(u.Hostname())
}
