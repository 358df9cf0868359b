// Package policy evaluates vote acceptance rules before any provider is called.
package policy

import (
	"fmt"
	"log"
	"sort"

	"github.com/Knetic/govaluate"
)

// PolicyRule is a boolean govaluate expression a vote must satisfy.
// Available parameters: amount, currency, method, provider.
type PolicyRule struct {
	ID         string
	Expression string
	Priority   int    // lower runs first; ties keep declaration order
	Message    string // returned to the voter when the rule rejects
}

// PolicyDecision is the outcome of evaluating every rule against a vote.
type PolicyDecision struct {
	Allowed bool
	RuleID  string // first rule that rejected, empty when allowed
	Reason  string
}

// VoteAttributes are the vote fields rules can reference.
type VoteAttributes struct {
	Amount   int64
	Currency string
	Method   string
	Provider string
}

type compiledRule struct {
	rule PolicyRule
	expr *govaluate.EvaluableExpression
}

// VotePolicyEnforcer holds the compiled rule set. It is safe for concurrent use.
type VotePolicyEnforcer struct {
	rules []compiledRule
}

// DefaultRules is applied when no rules are configured.
func DefaultRules() []PolicyRule {
	return []PolicyRule{
		{ID: "minimum_amount", Expression: "amount >= 100", Message: "amount must be at least 100"},
	}
}

// NewVotePolicyEnforcer compiles rules. A nil or empty slice accepts every vote.
func NewVotePolicyEnforcer(rules []PolicyRule) (*VotePolicyEnforcer, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Expression == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{rule: r, expr: expr})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority < compiled[j].rule.Priority
	})
	log.Printf("Policy: %d vote rule(s) loaded", len(compiled))
	return &VotePolicyEnforcer{rules: compiled}, nil
}

// Evaluate runs the rules in order and stops at the first one that does not hold.
// An expression that fails to evaluate or yields a non-boolean is an error.
func (e *VotePolicyEnforcer) Evaluate(attrs VoteAttributes) (PolicyDecision, error) {
	params := map[string]interface{}{
		"amount":   float64(attrs.Amount),
		"currency": attrs.Currency,
		"method":   attrs.Method,
		"provider": attrs.Provider,
	}
	for _, cr := range e.rules {
		result, err := cr.expr.Evaluate(params)
		if err != nil {
			return PolicyDecision{}, fmt.Errorf("error evaluating rule ID '%s': %w", cr.rule.ID, err)
		}
		ok, isBool := result.(bool)
		if !isBool {
			return PolicyDecision{}, fmt.Errorf("rule ID '%s' did not evaluate to a boolean (got %T)", cr.rule.ID, result)
		}
		if !ok {
			reason := cr.rule.Message
			if reason == "" {
				reason = fmt.Sprintf("vote rejected by rule %s", cr.rule.ID)
			}
			return PolicyDecision{Allowed: false, RuleID: cr.rule.ID, Reason: reason}, nil
		}
	}
	return PolicyDecision{Allowed: true}, nil
}
