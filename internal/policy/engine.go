// Package policy implements the policy rule engine that decides whether an
// agent action may proceed, is blocked, or waits for a human.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/ledger"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/metrics"
)

// Rule sources.
const (
	SourceBuiltin = "builtin"
	SourceAdmin   = "admin"
	SourceFile    = "file"
)

// Rule is a named predicate over an action context with the decision it
// imposes when it matches.
type Rule struct {
	ID                  string
	Name                string
	Predicate           func(domain.ActionContext) bool
	Decision            domain.PolicyDecision
	RequiresAttestation bool
	AttestationPrompt   string
	Obligations         []string
	Source              string
}

func (r Rule) validate() error {
	var problems []string
	if r.ID == "" {
		problems = append(problems, "id is required")
	}
	if r.Predicate == nil {
		problems = append(problems, "predicate is required")
	}
	if r.Decision.Rank() < 0 {
		problems = append(problems, fmt.Sprintf("unknown decision %q", r.Decision))
	}
	if len(problems) > 0 {
		return domain.Wrap(domain.ErrInvalidRule, strings.Join(problems, "; "), nil)
	}
	return nil
}

// Result is the outcome of one evaluation.
type Result struct {
	Decision            domain.PolicyDecision `json:"decision"`
	MatchedRules        []string              `json:"matchedRules"`
	MatchedRuleNames    []string              `json:"matchedRuleNames"`
	Reasoning           string                `json:"reasoning"`
	RequiresAttestation bool                  `json:"requiresAttestation"`
	AttestationPrompts  []string              `json:"attestationPrompts,omitempty"`
	Obligations         []string              `json:"obligations,omitempty"`
	EntryID             string                `json:"entryId"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBlocklist sets the blocked domains used by the built-in blocklist rule.
func WithBlocklist(domains []string) Option {
	return func(e *Engine) { e.blocklist = normalizeDomains(domains) }
}

// WithoutDefaults starts the engine with no built-in rules.
func WithoutDefaults() Option {
	return func(e *Engine) { e.noDefaults = true }
}

// Engine evaluates actions against the registered rules. Built-in rules
// come first, then administratively registered rules, then rules loaded
// from a rule file. Every evaluation is recorded in the ledger.
type Engine struct {
	ledger  ledger.Appender
	logger  *zap.Logger
	metrics *metrics.Metrics

	blocklist  []string
	noDefaults bool

	mu      sync.RWMutex
	builtin []Rule
	admin   []Rule
	file    []Rule
}

// NewEngine creates an engine that records evaluations through appender.
func NewEngine(appender ledger.Appender, opts ...Option) *Engine {
	e := &Engine{
		ledger: appender,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.noDefaults {
		e.builtin = DefaultRules(e.blocklist)
	}
	return e
}

// Register adds a rule through the administrative path. The addition is
// recorded in the ledger under tenantID.
func (e *Engine) Register(ctx context.Context, tenantID, operatorID string, r Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	r.Source = SourceAdmin

	e.mu.Lock()
	for _, existing := range e.allLocked() {
		if existing.ID == r.ID {
			e.mu.Unlock()
			return domain.Wrap(domain.ErrInvalidRule, "duplicate rule id "+r.ID, nil)
		}
	}
	e.admin = append(e.admin, r)
	e.mu.Unlock()

	_, err := e.ledger.Append(ctx, ledger.Record{
		TenantID:       tenantID,
		OperatorID:     operatorID,
		Action:         domain.OpPolicyRuleAdded,
		Target:         r.ID,
		PolicyDecision: r.Decision,
		Reasoning:      fmt.Sprintf("rule %s (%s) registered", r.ID, r.Name),
		Details:        map[string]any{"source": r.Source, "requiresAttestation": r.RequiresAttestation},
	})
	if err != nil {
		return err
	}
	e.logger.Info("policy rule registered", zap.String("rule", r.ID), zap.String("decision", string(r.Decision)))
	return nil
}

// Rules returns a snapshot of every active rule in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.allLocked()
}

func (e *Engine) allLocked() []Rule {
	out := make([]Rule, 0, len(e.builtin)+len(e.admin)+len(e.file))
	out = append(out, e.builtin...)
	out = append(out, e.admin...)
	out = append(out, e.file...)
	return out
}

// ReplaceFileRules swaps the file-sourced rule set. Built-in and admin rules
// are unaffected.
func (e *Engine) ReplaceFileRules(rules []Rule) {
	for i := range rules {
		rules[i].Source = SourceFile
	}
	e.mu.Lock()
	e.file = rules
	e.mu.Unlock()
}

// label names a rule for reasoning strings.
func (r Rule) label() string {
	if r.Name == "" {
		return r.ID
	}
	return r.Name
}

// Evaluate decides an action. Any matching DENY wins immediately; otherwise
// REQUIRE_ATTESTATION outranks REQUIRE_APPROVAL outranks ALLOW. A MANDATORY
// classification never yields less than REQUIRE_APPROVAL. The evaluation is
// appended to the ledger before the result is returned; a ledger failure
// fails the evaluation.
func (e *Engine) Evaluate(ctx context.Context, ac domain.ActionContext) (*Result, error) {
	if ac.Domain == "" {
		ac.Domain = hostOf(ac.URL)
	}

	res := &Result{Decision: domain.DecisionAllow}
	obligations := map[string]bool{}
	var denyRule string
	match := func(r Rule) {
		res.MatchedRules = append(res.MatchedRules, r.ID)
		res.MatchedRuleNames = append(res.MatchedRuleNames, r.label())
	}

	for _, r := range e.Rules() {
		matched, failed := safeMatch(r, ac)
		if failed {
			match(r)
			denyRule = r.label() + " (predicate failed)"
			break
		}
		if !matched {
			continue
		}
		match(r)
		if r.Decision == domain.DecisionDeny {
			denyRule = r.label()
			break
		}
		decision := r.Decision
		if r.RequiresAttestation {
			decision = maxDecision(decision, domain.DecisionRequireAttestation)
		}
		if decision == domain.DecisionRequireAttestation {
			res.RequiresAttestation = true
			prompt := r.AttestationPrompt
			if prompt == "" {
				prompt = "Attest that this action is authorized: " + r.Name
			}
			res.AttestationPrompts = append(res.AttestationPrompts, prompt)
		}
		res.Decision = maxDecision(res.Decision, decision)
		for _, ob := range r.Obligations {
			obligations[ob] = true
		}
	}

	var reasons []string
	switch {
	case denyRule != "":
		res.Decision = domain.DecisionDeny
		res.RequiresAttestation = false
		res.AttestationPrompts = nil
		reasons = append(reasons, "denied by rule "+denyRule)
	case len(res.MatchedRules) > 0:
		reasons = append(reasons, "matched rules: "+strings.Join(res.MatchedRuleNames, ", "))
	default:
		reasons = append(reasons, "no rule matched")
	}
	if ac.Classification == domain.ClassMandatory && res.Decision.Rank() < domain.DecisionRequireApproval.Rank() {
		res.Decision = domain.DecisionRequireApproval
		reasons = append(reasons, "MANDATORY classification requires human approval")
	}
	if res.Decision != domain.DecisionDeny {
		for ob := range obligations {
			res.Obligations = append(res.Obligations, ob)
		}
		sort.Strings(res.Obligations)
	}
	res.Reasoning = fmt.Sprintf("%s: %s", res.Decision, strings.Join(reasons, "; "))

	details := map[string]any{
		"action":       string(ac.Action),
		"domain":       ac.Domain,
		"matchedRules": res.MatchedRules,
		"ruleNames":    res.MatchedRuleNames,
	}
	if ac.URL != "" {
		details["url"] = ac.URL
	}
	if len(res.Obligations) > 0 {
		details["obligations"] = res.Obligations
	}
	if ac.ConsentObtained != nil {
		details["consentObtained"] = *ac.ConsentObtained
	}
	if ac.LawfulBasis != "" {
		details["lawfulBasis"] = ac.LawfulBasis
	}
	entry, err := e.ledger.Append(ctx, ledger.Record{
		TenantID:       ac.TenantID,
		SessionID:      ac.SessionID,
		AgentID:        ac.AgentID,
		OperatorID:     ac.OperatorID,
		Action:         domain.OpPolicyEvaluate,
		Target:         ac.Target,
		Classification: ac.Classification,
		PolicyDecision: res.Decision,
		Reasoning:      res.Reasoning,
		Details:        details,
	})
	if err != nil {
		e.logger.Error("policy evaluation not recorded; failing closed",
			zap.String("tenant", ac.TenantID),
			zap.String("action", string(ac.Action)),
			zap.Error(err))
		return nil, err
	}
	res.EntryID = entry.ID

	e.metrics.RecordPolicyDecision(string(res.Decision))
	if res.Decision == domain.DecisionDeny {
		e.logger.Warn("policy denied action",
			zap.String("tenant", ac.TenantID),
			zap.String("session", ac.SessionID),
			zap.String("action", string(ac.Action)),
			zap.String("reasoning", res.Reasoning))
	}
	return res, nil
}

// safeMatch runs a predicate, reporting a panic as a failed match.
func safeMatch(r Rule, ac domain.ActionContext) (matched, failed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			matched, failed = false, true
		}
	}()
	return r.Predicate(ac), false
}

func maxDecision(a, b domain.PolicyDecision) domain.PolicyDecision {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
