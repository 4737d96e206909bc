// Package rules implements the declarative rule engine the Coordinator uses
// to validate Conversation-agent decisions.
package rules

import (
	"fmt"
	"sort"
	"sync"
)

// Decision is the unit of validation: a decision type plus its payload.
type Decision struct {
	Type    string         `json:"decision_type"`
	Payload map[string]any `json:"payload"`
}

// Rule is a single validation rule. Condition must be a pure predicate and
// never mutate the decision. Correction, when present, must be idempotent.
// Check may be set instead of Condition for rules that report one error per
// violation (e.g. DAG validation); when both are set Check wins.
type Rule struct {
	ID           string
	Name         string
	Description  string
	Priority     int // lower runs earlier
	Condition    func(Decision) bool
	Check        func(Decision) []string
	Correction   func(Decision) Decision
	ErrorMessage string
}

// ValidationResult is the outcome of evaluating every rule against a
// decision. Errors preserves rule order. Correction carries the first
// failing rule's corrected decision, if any rule supplied one.
type ValidationResult struct {
	IsValid    bool      `json:"is_valid"`
	Errors     []string  `json:"errors,omitempty"`
	Correction *Decision `json:"correction,omitempty"`
}

// Engine evaluates a priority-sorted rule list. Rules are immutable once
// added; insertion order breaks priority ties (stable sort).
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewEngine returns an empty rule engine.
func NewEngine(rules ...Rule) *Engine {
	e := &Engine{}
	for _, r := range rules {
		e.AddRule(r)
	}
	return e
}

// AddRule appends a rule and re-sorts the list by ascending priority.
func (e *Engine) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority < e.rules[j].Priority
	})
}

// Rules returns a snapshot of the rule list in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Validate evaluates every rule in priority order. A failing rule appends
// its error message (or a fallback naming the rule). Only the first failing
// rule's correction is recorded; later corrections are ignored.
func (e *Engine) Validate(d Decision) ValidationResult {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	result := ValidationResult{IsValid: true}
	for _, r := range rules {
		errs := e.evaluate(r, d)
		if len(errs) == 0 {
			continue
		}
		result.Errors = append(result.Errors, errs...)
		if result.Correction == nil && r.Correction != nil {
			corrected := r.Correction(d)
			result.Correction = &corrected
		}
	}
	result.IsValid = len(result.Errors) == 0
	return result
}

func (e *Engine) evaluate(r Rule, d Decision) []string {
	if r.Check != nil {
		return r.Check(d)
	}
	if r.Condition == nil || r.Condition(d) {
		return nil
	}
	msg := r.ErrorMessage
	if msg == "" {
		msg = fmt.Sprintf("rule %s violated", r.ID)
	}
	return []string{msg}
}
