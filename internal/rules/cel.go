package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-pds/granary/internal/domain"
)

// CustomEngine evaluates operator-defined CEL screening rules on top of
// the built-in checks. Rules are compiled once at load time and held
// behind a read lock, so a reload never blocks in-flight audits.
type CustomEngine struct {
	mu             sync.RWMutex
	env            *cel.Env
	compiled       map[string]*compiledRule
	velocityGetter VelocityGetter
	maxWorkers     int
}

type compiledRule struct {
	rule    *domain.CustomRule
	program cel.Program
}

// VelocityGetter returns the number of orders a beneficiary placed at a
// store within the trailing window, in seconds.
type VelocityGetter func(ctx context.Context, storeID, beneficiaryID string, windowSecs int) (int64, error)

// NewCustomEngine creates a CEL engine exposing order and beneficiary
// attributes as top-level variables.
func NewCustomEngine(velocityGetter VelocityGetter, maxWorkers int) (*CustomEngine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("order_total", cel.DoubleType),
		cel.Variable("item_count", cel.IntType),
		cel.Variable("household_size", cel.IntType),
		cel.Variable("card_tier", cel.StringType),
		cel.Variable("verified", cel.BoolType),
		cel.Variable("quantities", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("velocity_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CustomEngine{
		env:            env,
		compiled:       make(map[string]*compiledRule),
		velocityGetter: velocityGetter,
		maxWorkers:     maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *CustomEngine) ValidateRule(rule *domain.CustomRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compile(rule)
	return err
}

// LoadRule compiles and loads a single rule.
func (e *CustomEngine) LoadRule(rule *domain.CustomRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compile(rule)
	if err != nil {
		return err
	}

	e.compiled[rule.ID] = compiled
	return nil
}

// LoadRules loads all enabled rules from the slice.
func (e *CustomEngine) LoadRules(rules []*domain.CustomRule) error {
	for _, rule := range rules {
		if rule.Enabled {
			if err := e.LoadRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules atomically replaces the loaded set with the enabled rules
// from the slice. Used for hot reloads from the repository.
func (e *CustomEngine) ReloadRules(rules []*domain.CustomRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		compiled, err := e.compile(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = compiled
	}

	e.compiled = next
	return nil
}

// RulesCount returns the number of loaded rules.
func (e *CustomEngine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// LoadedRules returns the currently loaded rule definitions.
func (e *CustomEngine) LoadedRules() []*domain.CustomRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.CustomRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		rules = append(rules, c.rule)
	}
	return rules
}

// Close clears the loaded rule set.
func (e *CustomEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*compiledRule)
	return nil
}

// EvaluateAll runs every loaded rule against the order in parallel and
// returns the issues for rules whose predicate evaluated to true.
// Issues are ordered by rule ID, not by finish time, so repeated runs
// over the same input produce the same sequence.
func (e *CustomEngine) EvaluateAll(ctx context.Context, order *domain.Order, b *domain.BeneficiaryProfile, velocityWindowSecs int) ([]*domain.AuditIssue, error) {
	e.mu.RLock()
	rules := make([]*compiledRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		rules = append(rules, c)
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].rule.ID < rules[j].rule.ID })

	if len(rules) == 0 {
		return nil, nil
	}

	var velocityCount int64
	if e.velocityGetter != nil && velocityWindowSecs > 0 {
		count, err := e.velocityGetter(ctx, order.StoreID, order.BeneficiaryID, velocityWindowSecs)
		if err == nil {
			velocityCount = count
		}
	}

	quantities := make(map[string]float64, len(order.Items))
	for _, item := range order.Items {
		quantities[string(item.Commodity)] += item.Quantity
	}

	activation := map[string]any{
		"order_total":    order.TotalAmount,
		"item_count":     int64(len(order.Items)),
		"household_size": int64(b.HouseholdSize),
		"card_tier":      string(b.CardTier),
		"verified":       b.Verified,
		"quantities":     quantities,
		"velocity_count": velocityCount,
	}

	results := make([]*domain.AuditIssue, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *compiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = evaluateCustomRule(r, activation, order, b)
		}(i, rule)
	}

	wg.Wait()

	issues := make([]*domain.AuditIssue, 0, len(results))
	for _, issue := range results {
		if issue != nil {
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

func evaluateCustomRule(r *compiledRule, activation map[string]any, order *domain.Order, b *domain.BeneficiaryProfile) *domain.AuditIssue {
	out, _, err := r.program.Eval(activation)
	if err != nil {
		// A rule that cannot evaluate must never fail the audit.
		return nil
	}

	matched, ok := out.(types.Bool)
	if !ok || !bool(matched) {
		return nil
	}

	return &domain.AuditIssue{
		OrderID:       order.ID,
		BeneficiaryID: b.ID,
		Kind:          r.rule.Kind,
		Severity:      r.rule.Severity,
		Description:   r.rule.Name + ": " + r.rule.Description,
		Evidence:      fmt.Sprintf("custom rule %s (v%s) matched", r.rule.ID, r.rule.Version),
		RiskScore:     domain.ClampScore(r.rule.RiskScore),
	}
}

func (e *CustomEngine) compile(rule *domain.CustomRule) (*compiledRule, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &compiledRule{rule: rule, program: program}, nil
}
