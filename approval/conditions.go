/*
conditions.go - workflow selection predicates

PURPOSE:
  Decides which WorkflowConfig applies to an entity. Structured conditions
  cover the common cases (amount/day ranges, subtype and department
  membership); ConditionExpr covers the rest with a real expression over
  the entity data. Both must hold.

KEY CONCEPTS:
  - Range keys (min/max amount/days) treat a missing entity field as 0.
  - Membership keys (entity_subtypes, departments) treat a missing field
    as "not matched", so the workflow is skipped.
  - An expression that fails to compile or evaluate counts as not matched
    and is logged; selection moves on to the next workflow.
*/
package approval

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Amount returns entity_data.amount, defaulting to 0.
func (d EntityData) Amount() decimal.Decimal { return d.number("amount") }

// Days returns entity_data.days, defaulting to 0.
func (d EntityData) Days() decimal.Decimal { return d.number("days") }

// Subtype returns entity_data.subtype, falling back to leave_type.
func (d EntityData) Subtype() (string, bool) {
	if s, ok := d.str("subtype"); ok {
		return s, true
	}
	return d.str("leave_type")
}

// Department returns entity_data.department.
func (d EntityData) Department() (string, bool) { return d.str("department") }

func (d EntityData) number(key string) decimal.Decimal {
	v, ok := d[key]
	if !ok {
		return decimal.Zero
	}
	switch n := v.(type) {
	case decimal.Decimal:
		return n
	case float64:
		return decimal.NewFromFloat(n)
	case float32:
		return decimal.NewFromFloat32(n)
	case int:
		return decimal.NewFromInt(int64(n))
	case int64:
		return decimal.NewFromInt(n)
	case string:
		if dec, err := decimal.NewFromString(n); err == nil {
			return dec
		}
	}
	return decimal.Zero
}

func (d EntityData) str(key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// Matches evaluates the structured conditions against the entity data.
func (c Conditions) Matches(data EntityData) bool {
	if c.MinAmount != nil && data.Amount().LessThan(*c.MinAmount) {
		return false
	}
	if c.MaxAmount != nil && data.Amount().GreaterThan(*c.MaxAmount) {
		return false
	}
	if c.MinDays != nil && data.Days().LessThan(*c.MinDays) {
		return false
	}
	if c.MaxDays != nil && data.Days().GreaterThan(*c.MaxDays) {
		return false
	}
	if len(c.EntitySubtypes) > 0 {
		sub, ok := data.Subtype()
		if !ok || !contains(c.EntitySubtypes, sub) {
			return false
		}
	}
	if len(c.Departments) > 0 {
		dep, ok := data.Department()
		if !ok || !contains(c.Departments, dep) {
			return false
		}
	}
	return true
}

// compileExpr checks that src is a valid boolean expression. Workflow
// validation runs this so broken expressions are rejected at save time
// instead of silently skipping the workflow during selection.
func compileExpr(src string) error {
	_, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
	return err
}

// evalExpr runs a config's expression against the entity data. The result
// must be a boolean.
func evalExpr(src string, data EntityData) (bool, error) {
	prog, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile condition expression: %w", err)
	}
	env := map[string]any(data)
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition expression: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition expression returned %T, want bool", out)
	}
	return b, nil
}

// SelectWorkflow picks the workflow for (entity type, entity data): the
// first active config in ascending priority order whose scope and
// conditions match, else the default, else ErrNoWorkflowConfigured.
// The input slice must already be priority-ordered and active-only.
func SelectWorkflow(ws []WorkflowConfig, data EntityData, requesterRoles []string, log zerolog.Logger) (*WorkflowConfig, error) {
	var fallback *WorkflowConfig
	for i := range ws {
		w := &ws[i]
		if !inScope(w, requesterRoles) {
			continue
		}
		if w.IsDefault && fallback == nil {
			fallback = w
		}
		if w.Conditions.Empty() && w.ConditionExpr == "" {
			// Unconditioned non-default configs still win on priority.
			if !w.IsDefault {
				return w, nil
			}
			continue
		}
		if !w.Conditions.Matches(data) {
			continue
		}
		if w.ConditionExpr != "" {
			ok, err := evalExpr(w.ConditionExpr, data)
			if err != nil {
				log.Warn().Err(err).
					Str("workflow_id", w.ID.String()).
					Str("workflow", w.Name).
					Msg("condition expression failed, skipping workflow")
				continue
			}
			if !ok {
				continue
			}
		}
		return w, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoWorkflowConfigured
}

// inScope applies target_role_ids: an empty list means everyone, otherwise
// the requester must hold one of the roles.
func inScope(w *WorkflowConfig, requesterRoles []string) bool {
	if len(w.TargetRoleIDs) == 0 {
		return true
	}
	for _, want := range w.TargetRoleIDs {
		if contains(requesterRoles, want) {
			return true
		}
	}
	return false
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
