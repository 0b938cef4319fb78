// Package classifier implements the MAI (Mandatory / Advisory /
// Informational) decision classifier.
//
// Classification is a pure function of the decision text, the optional
// domain and the optional impact attributes. Rules are checked in a fixed
// order and the first hit wins:
//
//	1. financial or legal impact attribute    MANDATORY     0.95
//	2. MANDATORY pattern family               MANDATORY     family base
//	3. client-facing attribute                MANDATORY     0.88
//	4. ADVISORY pattern family                ADVISORY      family base
//	5. otherwise                              INFORMATIONAL 0.85
//
// An INFORMATIONAL result in a regulated domain is escalated to ADVISORY
// with confidence raised by 0.05, capped at 0.99.
package classifier

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

// Confidence levels per rule.
const (
	ConfidenceImpactAttribute = 0.95
	ConfidenceMandatoryFamily = 0.92
	ConfidenceClientFacing    = 0.88
	ConfidenceAdvisoryFamily  = 0.90
	ConfidenceInformational   = 0.85
	EscalationBoost           = 0.05
	ConfidenceCap             = 0.99
)

// EscalationNote is appended to the rationale of a regulated-domain escalation.
const EscalationNote = "[Escalated: regulated domain]"

// Attributes are caller-asserted properties of the decision.
type Attributes struct {
	HasFinancialImpact bool
	HasLegalImpact     bool
	IsClientFacing     bool
}

// PatternFamily is a named group of case-insensitive patterns that maps to
// one classification. A zero BaseConfidence falls back to the tier default
// (0.92 for MANDATORY, 0.90 for ADVISORY).
type PatternFamily struct {
	Name           string
	Classification domain.Classification
	BaseConfidence float64
	Patterns       []*regexp.Regexp
}

// Confidence returns the family's base confidence.
func (f PatternFamily) Confidence() float64 {
	if f.BaseConfidence > 0 {
		return f.BaseConfidence
	}
	if f.Classification == domain.ClassMandatory {
		return ConfidenceMandatoryFamily
	}
	return ConfidenceAdvisoryFamily
}

// Match returns the first matching fragment of text, or "".
func (f PatternFamily) Match(text string) string {
	for _, p := range f.Patterns {
		if m := p.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRegulatedDomains replaces the regulated-domain list.
func WithRegulatedDomains(domains []string) Option {
	return func(c *Classifier) {
		c.regulated = map[string]bool{}
		for _, d := range domains {
			if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
				c.regulated[d] = true
			}
		}
	}
}

// WithFamilies replaces the pattern family table.
func WithFamilies(families []PatternFamily) Option {
	return func(c *Classifier) { c.families = families }
}

// Classifier classifies decisions. It is safe for concurrent use.
type Classifier struct {
	families  []PatternFamily
	regulated map[string]bool
}

// New creates a classifier with the default families and regulated domains.
func New(opts ...Option) *Classifier {
	c := &Classifier{families: DefaultFamilies()}
	WithRegulatedDomains(DefaultRegulatedDomains())(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify assigns a classification to decisionText.
func (c *Classifier) Classify(decisionText, domainName string, attrs Attributes) domain.ClassificationResult {
	class, confidence, rationale := c.tier(decisionText, attrs)

	if class == domain.ClassInformational && c.IsRegulated(domainName) {
		class = domain.ClassAdvisory
		confidence = math.Min(confidence+EscalationBoost, ConfidenceCap)
		rationale = rationale + " " + EscalationNote
	}

	return domain.ClassificationResult{
		Classification:       class,
		Confidence:           round2(confidence),
		Rationale:            rationale,
		GateRequired:         class == domain.ClassMandatory,
		EvidenceRequirements: EvidenceRequirements(class),
	}
}

func (c *Classifier) tier(text string, attrs Attributes) (domain.Classification, float64, string) {
	switch {
	case attrs.HasFinancialImpact && attrs.HasLegalImpact:
		return domain.ClassMandatory, ConfidenceImpactAttribute, "Decision has financial and legal impact; human approval is mandatory"
	case attrs.HasFinancialImpact:
		return domain.ClassMandatory, ConfidenceImpactAttribute, "Decision has financial impact; human approval is mandatory"
	case attrs.HasLegalImpact:
		return domain.ClassMandatory, ConfidenceImpactAttribute, "Decision has legal impact; human approval is mandatory"
	}

	if f, m := c.firstMatch(text, domain.ClassMandatory); m != "" {
		return domain.ClassMandatory, f.Confidence(),
			fmt.Sprintf("Matched %s pattern %q; human approval is mandatory", f.Name, m)
	}
	if attrs.IsClientFacing {
		return domain.ClassMandatory, ConfidenceClientFacing, "Decision is client-facing; human approval is mandatory"
	}
	if f, m := c.firstMatch(text, domain.ClassAdvisory); m != "" {
		return domain.ClassAdvisory, f.Confidence(),
			fmt.Sprintf("Matched %s pattern %q; human review is advised", f.Name, m)
	}
	return domain.ClassInformational, ConfidenceInformational, "No governance-relevant pattern matched; informational only"
}

func (c *Classifier) firstMatch(text string, class domain.Classification) (PatternFamily, string) {
	for _, f := range c.families {
		if f.Classification != class {
			continue
		}
		if m := f.Match(text); m != "" {
			return f, m
		}
	}
	return PatternFamily{}, ""
}

// IsRegulated reports whether any token of domainName is a regulated domain.
func (c *Classifier) IsRegulated(domainName string) bool {
	d := strings.ToLower(strings.TrimSpace(domainName))
	if d == "" {
		return false
	}
	if c.regulated[d] {
		return true
	}
	for _, tok := range strings.FieldsFunc(d, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if c.regulated[tok] {
			return true
		}
	}
	return false
}

// EvidenceRequirements lists what an audit must capture for a tier.
func EvidenceRequirements(class domain.Classification) []string {
	switch class {
	case domain.ClassMandatory:
		return []string{"human_approval_record", "decision_rationale", "approver_identity", "timestamped_audit_entry"}
	case domain.ClassAdvisory:
		return []string{"decision_rationale", "reviewer_acknowledgement", "timestamped_audit_entry"}
	default:
		return []string{"timestamped_audit_entry"}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
