package assessment

import (
	"context"
	"fmt"
	"math"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/heron/internal/domain"
)

// RuleModelVersion identifies assessments produced by the rule scorer.
const RuleModelVersion = "fallback_rules_v1.0"

const (
	ruleBaseRisk  = 0.1
	ruleRiskCap   = 0.95
	ruleThreshold = 0.5
)

// scoringRule is one built-in risk contribution.
type scoringRule struct {
	Factor     string
	Expression string
	Weight     float64
}

var builtinRules = []scoringRule{
	{"high_amount", `amount > 50000.0`, 0.3},
	{"new_user_large_amount", `user_total_transactions < 5 && amount > 10000.0`, 0.2},
	{"amount_above_user_average", `user_average_amount > 0.0 && amount > 3.0 * user_average_amount`, 0.2},
	{"unusual_hour", `hour < 6 || hour > 22`, 0.1},
	{"new_location", `is_new_location`, 0.15},
	{"new_device", `is_new_device`, 0.1},
}

type compiledRule struct {
	scoringRule
	program cel.Program
}

// RuleScorer scores features with the built-in CEL rules. It reports its
// result as a raw score inside [minScore, maxScore] so callers normalize it
// like any other scorer.
type RuleScorer struct {
	rules    []compiledRule
	minScore float64
	maxScore float64
}

// NewRuleScorer compiles the built-in rules.
func NewRuleScorer(minScore, maxScore float64) (*RuleScorer, error) {
	if minScore >= maxScore {
		return nil, fmt.Errorf("invalid score bounds [%v, %v]", minScore, maxScore)
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("is_new_location", cel.BoolType),
		cel.Variable("is_new_device", cel.BoolType),
		cel.Variable("user_total_transactions", cel.IntType),
		cel.Variable("user_average_amount", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	s := &RuleScorer{minScore: minScore, maxScore: maxScore}
	for _, r := range builtinRules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile rule %s: %w", r.Factor, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %s must evaluate to bool", r.Factor)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for rule %s: %w", r.Factor, err)
		}
		s.rules = append(s.rules, compiledRule{scoringRule: r, program: prg})
	}

	return s, nil
}

// Score evaluates every rule and sums the weights of those that fire.
func (s *RuleScorer) Score(ctx context.Context, f domain.Features) (*RawScore, error) {
	activation := map[string]any{
		"amount":                  f.Amount,
		"hour":                    int64(f.Hour),
		"is_new_location":         f.IsNewLocation,
		"is_new_device":           f.IsNewDevice,
		"user_total_transactions": f.UserTotalTransactions,
		"user_average_amount":     f.UserAverageAmount,
	}

	risk := ruleBaseRisk
	var factors []string
	for _, r := range s.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, _, err := r.program.Eval(activation)
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %s: %w", r.Factor, err)
		}
		if out == types.True {
			risk += r.Weight
			factors = append(factors, r.Factor)
		}
	}
	risk = math.Min(risk, ruleRiskCap)

	return &RawScore{
		Score:        s.maxScore - risk*(s.maxScore-s.minScore),
		IsAnomaly:    risk > ruleThreshold,
		ModelVersion: RuleModelVersion,
		ModelName:    "RuleBasedDetection",
		RiskFactors:  factors,
		Confidence:   risk,
		Threshold:    ruleThreshold,
	}, nil
}
