package classifier

import (
	"regexp"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// DefaultFamilies returns the built-in pattern family table. MANDATORY
// families are consulted before ADVISORY ones regardless of order here.
func DefaultFamilies() []PatternFamily {
	return []PatternFamily{
		{
			Name:           "destructive",
			Classification: domain.ClassMandatory,
			BaseConfidence: ConfidenceMandatoryFamily,
			Patterns: patterns(
				`\b(delet(e|es|ed|ing)|eras(e|es|ed|ing)|destroy(s|ed|ing)?|purg(e|es|ed|ing)|wip(e|es|ed|ing)|truncat(e|es|ed|ing)|shred(s|ded|ding)?)\b`,
				`\b(drop (the )?(table|database|schema)|remove (all|the|every)\b)`,
				`\bterminat(e|es|ed|ing) (the )?(case|claim|account|employee|contract)`,
			),
		},
		{
			Name:           "external communication",
			Classification: domain.ClassMandatory,
			BaseConfidence: ConfidenceMandatoryFamily,
			Patterns: patterns(
				`\b(send|sends|sending|email|e-mail|emailed|mail out|broadcast|tweet)\b`,
				`\b(publish(es|ed|ing)?|post(s|ed|ing)? (to|on)|share (it )?(externally|publicly)|notify (the )?(client|claimant|veteran|public|press))\b`,
			),
		},
		{
			Name:           "payment",
			Classification: domain.ClassMandatory,
			BaseConfidence: ConfidenceMandatoryFamily,
			Patterns: patterns(
				`\b(pay|pays|paid|paying|payment|payout|refund(s|ed)?|reimburs(e|ement)|invoice|billing|bill the|charge the)\b`,
				`\b(transfer|wire) (the )?(funds|money|payment)`,
			),
		},
		{
			Name:           "personal data export",
			Classification: domain.ClassMandatory,
			BaseConfidence: ConfidenceMandatoryFamily,
			Patterns: patterns(
				`\b(ssn|social security( number)?|phi|date of birth|medical records?)\b`,
				`\b\d{3}-\d{2}-\d{4}\b`,
				`\bexport(s|ed|ing)? (all |the )?(personal|patient|customer|client|pii)\b`,
			),
		},
		{
			Name:           "production deploy",
			Classification: domain.ClassMandatory,
			BaseConfidence: ConfidenceMandatoryFamily,
			Patterns: patterns(
				`\b(deploy|release|roll ?out|push|promote)(s|ed|ing)? (it |this |changes )?to (prod|production)\b`,
				`\bproduction (deploy(ment)?|release|rollout)\b`,
			),
		},
		{
			Name:           "access control",
			Classification: domain.ClassMandatory,
			BaseConfidence: ConfidenceMandatoryFamily,
			Patterns: patterns(
				`\b(grant|grants|granted|granting|revoke|revokes|revoked|revoking)\b.*\b(access|permission|role|privilege)s?\b`,
				`\b(elevate|escalate) (privileges?|permissions?|access)\b`,
				`\b(add|make) (him|her|them|user|[a-z]+) (an? )?(admin|administrator)\b`,
			),
		},
		{
			Name:           "protected record",
			Classification: domain.ClassMandatory,
			BaseConfidence: ConfidenceMandatoryFamily,
			Patterns: patterns(
				`\b(rating decision|disability rating|service connection|award letter|benefit (grant|denial)|chain of custody)\b`,
				`\b(modify|alter|amend|overwrite|seal|expunge)(s|ed|ing)? (the )?(record|evidence|case file|claim file|c-file)\b`,
			),
		},
		{
			Name:           "legal filing",
			Classification: domain.ClassMandatory,
			BaseConfidence: ConfidenceMandatoryFamily,
			Patterns: patterns(
				`\bfil(e|es|ed|ing) (a |an |the )?(motion|claim|appeal|lawsuit|brief|complaint|petition|notice of disagreement)\b`,
				`\b(court filing|subpoena|affidavit|legal notice|sign(s|ed)? (the )?(contract|agreement|settlement))\b`,
			),
		},
		{
			Name:           "analysis",
			Classification: domain.ClassAdvisory,
			BaseConfidence: ConfidenceAdvisoryFamily,
			Patterns: patterns(
				`\b(search|searches|searched|searching|look(ed)? up|find|finds|found)\b`,
				`\b(rank|ranks|ranked|ranking|score|scores|scored|scoring|prioriti[sz](e|es|ed|ing))\b`,
				`\b(recommend|recommends|recommended|recommendation|suggest|suggests|suggested|propose|proposes|proposed)\b`,
				`\b(draft|drafts|drafted|drafting|summari[sz](e|es|ed|ing)|summary|analy[sz](e|es|ed|ing|is)|compare|compares|compared|estimate|estimates|estimated)\b`,
			),
		},
	}
}

// DefaultRegulatedDomains returns the built-in regulated-domain list.
func DefaultRegulatedDomains() []string {
	return []string{
		"healthcare", "health", "medical", "hipaa",
		"veterans", "va", "vba", "vha",
		"legal", "law",
		"finance", "financial", "banking", "insurance",
		"defense", "dod", "military",
		"government", "federal",
	}
}
