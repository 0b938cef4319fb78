package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/ledger"
)

// FileRule is one declarative rule in a YAML rule file. Criteria are
// ANDed across fields and ORed within a field; a rule needs at least one.
type FileRule struct {
	ID                  string   `yaml:"id"`
	Name                string   `yaml:"name,omitempty"`
	Actions             []string `yaml:"actions,omitempty"`
	Domains             []string `yaml:"domains,omitempty"`
	Keywords            []string `yaml:"keywords,omitempty"`
	Classifications     []string `yaml:"classifications,omitempty"`
	Decision            string   `yaml:"decision"`
	RequiresAttestation bool     `yaml:"requires_attestation,omitempty"`
	AttestationPrompt   string   `yaml:"attestation_prompt,omitempty"`
	Obligations         []string `yaml:"obligations,omitempty"`
}

// RuleFile is the root of a YAML rule file.
type RuleFile struct {
	Rules []FileRule `yaml:"rules"`
}

// ParseRules decodes and compiles a YAML rule document.
func ParseRules(data []byte) ([]Rule, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, domain.Wrap(domain.ErrInvalidRule, "decode rule file", err)
	}

	var (
		rules    []Rule
		problems []string
		seen     = map[string]bool{}
	)
	for i, fr := range f.Rules {
		r, err := fr.compile()
		if err != nil {
			problems = append(problems, fmt.Sprintf("rules[%d]: %v", i, err))
			continue
		}
		if seen[r.ID] {
			problems = append(problems, fmt.Sprintf("rules[%d]: duplicate id %q", i, r.ID))
			continue
		}
		seen[r.ID] = true
		rules = append(rules, r)
	}
	if len(problems) > 0 {
		return nil, domain.Wrap(domain.ErrInvalidRule, strings.Join(problems, "; "), nil)
	}
	return rules, nil
}

// LoadRuleFile reads and compiles the rule file at path.
func LoadRuleFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRules(data)
}

func (fr FileRule) compile() (Rule, error) {
	decision := domain.PolicyDecision(strings.ToUpper(strings.TrimSpace(fr.Decision)))
	if decision.Rank() < 0 {
		return Rule{}, fmt.Errorf("unknown decision %q", fr.Decision)
	}
	if fr.ID == "" {
		return Rule{}, fmt.Errorf("id is required")
	}
	if len(fr.Actions)+len(fr.Domains)+len(fr.Keywords)+len(fr.Classifications) == 0 {
		return Rule{}, fmt.Errorf("rule %s has no match criteria", fr.ID)
	}

	actions := upperSet(fr.Actions)
	classes := upperSet(fr.Classifications)
	domains := normalizeDomains(fr.Domains)
	keywords := make([]string, 0, len(fr.Keywords))
	for _, k := range fr.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}

	name := fr.Name
	if name == "" {
		name = fr.ID
	}
	return Rule{
		ID:   fr.ID,
		Name: name,
		Predicate: func(ac domain.ActionContext) bool {
			if len(actions) > 0 && !actions[string(ac.Action)] {
				return false
			}
			if len(classes) > 0 && !classes[string(ac.Classification)] {
				return false
			}
			if len(domains) > 0 && !domainMatches(ac.Domain, domains) {
				return false
			}
			if len(keywords) > 0 && !containsAny(strings.ToLower(ac.Target+" "+ac.Value), keywords) {
				return false
			}
			return true
		},
		Decision:            decision,
		RequiresAttestation: fr.RequiresAttestation,
		AttestationPrompt:   fr.AttestationPrompt,
		Obligations:         fr.Obligations,
		Source:              SourceFile,
	}, nil
}

func upperSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.ToUpper(strings.TrimSpace(v)); v != "" {
			out[v] = true
		}
	}
	return out
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

// LoadFile replaces the file-sourced rules with the contents of path and
// records the reload in the ledger under tenantID. A parse failure keeps
// the previous rule set.
func (e *Engine) LoadFile(ctx context.Context, tenantID, path string) error {
	rules, err := LoadRuleFile(path)
	if err != nil {
		e.metrics.RecordRuleReload(false)
		return err
	}
	e.ReplaceFileRules(rules)
	e.metrics.RecordRuleReload(true)

	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	_, err = e.ledger.Append(ctx, ledger.Record{
		TenantID:  tenantID,
		Action:    domain.OpPolicyRuleAdded,
		Target:    path,
		Reasoning: fmt.Sprintf("loaded %d rules from file", len(rules)),
		Details:   map[string]any{"source": SourceFile, "rules": ids},
	})
	if err != nil {
		return err
	}
	e.logger.Info("policy rule file loaded", zap.String("path", path), zap.Int("rules", len(rules)))
	return nil
}
