package workflow

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/classifier"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

// Critical-failure markers an agent may place anywhere in its result.
var criticalMarkers = []string{"critical failure", "integrity hold", "reject and remediate"}

// Phrases that mark a finding as an integrity or adversarial alert.
var integrityMarkers = []string{"integrity hold", "integrity alert", "adversarial", "prompt injection"}

// negations cancel a marker when they appear among the few words before it
// on the same line, as in "no critical failure found".
var negations = map[string]bool{
	"no": true, "not": true, "never": true, "without": true, "none": true,
	"zero": true, "nor": true, "free": true, "absent": true,
}

const negationWindow = 3

// resultLines collects the lower-cased lines of every string value in a
// result, including values nested in maps and lists. Keys are not matched.
func resultLines(v any, out []string) []string {
	switch t := v.(type) {
	case string:
		for _, line := range strings.Split(strings.ToLower(t), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
	case domain.AgentResult:
		return resultLines(map[string]any(t), out)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = resultLines(t[k], out)
		}
	case []any:
		for _, item := range t {
			out = resultLines(item, out)
		}
	case []string:
		for _, item := range t {
			out = resultLines(item, out)
		}
	}
	return out
}

// negated reports whether one of the last few words of prefix, within the
// same clause, negates what follows it.
func negated(prefix string) bool {
	if i := strings.LastIndexAny(prefix, ".;:!?,"); i >= 0 {
		prefix = prefix[i+1:]
	}
	words := strings.FieldsFunc(prefix, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	if len(words) > negationWindow {
		words = words[len(words)-negationWindow:]
	}
	for _, w := range words {
		if negations[w] || strings.HasSuffix(w, "n't") {
			return true
		}
	}
	return false
}

// lineAsserts reports whether line carries marker at least once without a
// preceding negation.
func lineAsserts(line, marker string) bool {
	offset := 0
	for {
		i := strings.Index(line[offset:], marker)
		if i < 0 {
			return false
		}
		at := offset + i
		if !negated(line[:at]) {
			return true
		}
		offset = at + len(marker)
	}
}

// firstMarker returns the first marker asserted by any line, or "".
func firstMarker(lines, markers []string) string {
	for _, m := range markers {
		for _, line := range lines {
			if lineAsserts(line, m) {
				return m
			}
		}
	}
	return ""
}

// detectCritical returns the integrity finding carried by a result, or nil.
func detectCritical(r domain.AgentResult) *domain.IntegrityFinding {
	lines := resultLines(r, nil)
	marker := firstMarker(lines, criticalMarkers)
	if marker == "" {
		return nil
	}

	f := &domain.IntegrityFinding{
		Severity: domain.SeverityHigh,
		Marker:   marker,
	}
	if s, ok := r["severity"].(string); ok {
		switch sev := domain.Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
		case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
			f.Severity = sev
		}
	}
	f.IntegrityAlert = firstMarker(lines, integrityMarkers) != ""
	for _, key := range []string{"finding", "reason", "summary"} {
		if s, ok := r[key].(string); ok && s != "" {
			f.Description = s
			break
		}
	}
	if f.Description == "" {
		f.Description = "agent output carries marker " + marker
	}
	return f
}

// decisionText is the text classified for a result: its decision, else its
// summary, else the whole result.
func decisionText(r domain.AgentResult) string {
	for _, key := range []string{"decision", "summary"} {
		if s, ok := r[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	body, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(body)
}

func attributesOf(r domain.AgentResult) classifier.Attributes {
	flag := func(key string) bool {
		v, _ := r[key].(bool)
		return v
	}
	return classifier.Attributes{
		HasFinancialImpact: flag("has_financial_impact"),
		HasLegalImpact:     flag("has_legal_impact"),
		IsClientFacing:     flag("is_client_facing"),
	}
}

// actionContext builds the policy input for a step result. A result may
// name the action it proposes; otherwise the step is an extraction.
func actionContext(run *domain.WorkflowRun, role domain.AgentRole, r domain.AgentResult) domain.ActionContext {
	ac := domain.ActionContext{
		TenantID:   run.TenantID,
		SessionID:  run.RunID,
		Domain:     run.Domain,
		Action:     domain.ActionExtract,
		AgentID:    string(role),
		OperatorID: run.InitiatorID,
		Target:     decisionText(r),
	}
	if s, ok := r["action"].(string); ok && s != "" {
		ac.Action = domain.ActionType(strings.ToUpper(s))
	}
	if s, ok := r["url"].(string); ok {
		ac.URL = s
	}
	if s, ok := r["target"].(string); ok && s != "" {
		ac.Target = s
	}
	if s, ok := r["value"].(string); ok {
		ac.Value = s
	}
	if s, ok := r["lawful_basis"].(string); ok {
		ac.LawfulBasis = s
	}
	if v, ok := r["consent_obtained"].(bool); ok {
		ac.ConsentObtained = &v
	}
	return ac
}
