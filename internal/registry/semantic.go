package registry

import (
	"fmt"
	"time"

	"github.com/stagewise/stagewise/pkg/schema"
)

// validateCatalogSemantics runs cross-reference checks the JSON Schema
// cannot express: ID uniqueness, resolvable prerequisites and
// dependencies, duration parseability.
func validateCatalogSemantics(catalog *schema.Catalog) error {
	var problems []string

	stageIDs := make(map[string]bool, len(catalog.Stages))
	goalIDs := make(map[string]bool, len(catalog.Stages))
	for _, st := range catalog.Stages {
		if stageIDs[st.ID] {
			problems = append(problems, fmt.Sprintf("duplicate stage id %q", st.ID))
		}
		stageIDs[st.ID] = true

		if goalIDs[st.Goal.ID] {
			problems = append(problems, fmt.Sprintf("duplicate goal id %q", st.Goal.ID))
		}
		goalIDs[st.Goal.ID] = true

		stepIDs := make(map[string]bool, len(st.Steps))
		indexes := make(map[int]bool, len(st.Steps))
		for _, step := range st.Steps {
			if stepIDs[step.ID] {
				problems = append(problems, fmt.Sprintf("stage %q: duplicate step id %q", st.ID, step.ID))
			}
			stepIDs[step.ID] = true

			if indexes[step.Index] {
				problems = append(problems, fmt.Sprintf("stage %q: duplicate step index %d", st.ID, step.Index))
			}
			indexes[step.Index] = true

			if step.EstimatedDuration != "" {
				if _, err := time.ParseDuration(step.EstimatedDuration); err != nil {
					problems = append(problems, fmt.Sprintf(
						"stage %q step %q: invalid estimated_duration %q", st.ID, step.ID, step.EstimatedDuration))
				}
			}
		}

		// Prerequisites must reference steps declared in the same stage.
		for _, step := range st.Steps {
			for _, prereq := range step.Prerequisites {
				if !stepIDs[prereq] {
					problems = append(problems, fmt.Sprintf(
						"stage %q step %q: prerequisite %q does not exist in stage", st.ID, step.ID, prereq))
				}
				if prereq == step.ID {
					problems = append(problems, fmt.Sprintf(
						"stage %q step %q: step lists itself as prerequisite", st.ID, step.ID))
				}
			}
		}
	}

	// Goal dependencies must reference known stage or goal IDs.
	for _, st := range catalog.Stages {
		for _, dep := range st.Goal.Dependencies {
			if !stageIDs[dep] && !goalIDs[dep] {
				problems = append(problems, fmt.Sprintf(
					"stage %q: goal dependency %q does not match any stage or goal", st.ID, dep))
			}
		}
	}

	return problemsToError("catalog", problems)
}

// validateRuleSemantics runs checks beyond the rule JSON Schema: unique
// rule IDs and per-type required fields.
func validateRuleSemantics(rules []schema.FlowRule) error {
	var problems []string

	ids := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if ids[rule.ID] {
			problems = append(problems, fmt.Sprintf("duplicate rule id %q", rule.ID))
		}
		ids[rule.ID] = true

		for i, cond := range rule.Conditions {
			where := fmt.Sprintf("rule %q condition %d", rule.ID, i)
			switch cond.Type {
			case schema.ConditionDataCompleteness:
				if cond.Query == "" {
					problems = append(problems, where+": data_completeness requires a query")
				}
			case schema.ConditionBusinessRule:
				if cond.Query == "" && cond.Evaluator == nil {
					problems = append(problems, where+": business_rule requires a query or a registered evaluator")
				}
				// An empty engine defaults to "expr" at evaluation time.
				if cond.Query != "" && cond.Engine != "" && cond.Engine != "expr" && cond.Engine != "cel" {
					problems = append(problems, where+`: business_rule query requires engine "expr" or "cel"`)
				}
			case schema.ConditionErrorThreshold:
				if cond.Threshold < 0 {
					problems = append(problems, where+": error_threshold must be non-negative")
				}
			}
		}
	}

	return problemsToError("rule file", problems)
}

func problemsToError(subject string, problems []string) error {
	switch len(problems) {
	case 0:
		return nil
	case 1:
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", subject, problems[0]).
			WithDetails(map[string]any{"violations": problems})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s failed semantic validation with %d errors", subject, len(problems)).
			WithDetails(map[string]any{"violations": problems})
	}
}
