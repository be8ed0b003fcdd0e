package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagewise/stagewise/pkg/schema"
)

const validCatalog = `{
  "stages": [
    {
      "id": "ingest",
      "name": "Ingestion",
      "goal": {
        "id": "goal-ingest",
        "primary_objective": "load the raw data",
        "success_criteria": ["data_loaded"],
        "required_outputs": ["dataset"],
        "quality_thresholds": {"completeness": 0.8}
      },
      "steps": [
        {"id": "fetch", "index": 0, "name": "Fetch", "mandatory": true, "contributes_to": ["data_loaded"], "estimated_duration": "30s"},
        {"id": "verify", "index": 1, "name": "Verify", "prerequisites": ["fetch"]}
      ]
    },
    {
      "id": "analyze",
      "goal": {
        "id": "goal-analyze",
        "primary_objective": "analyze the data",
        "success_criteria": ["analysis_done"],
        "required_outputs": ["report"],
        "dependencies": ["ingest"]
      },
      "steps": [
        {"id": "scan", "index": 0, "name": "Scan"}
      ]
    }
  ]
}`

const validRules = `{
  "rules": [
    {
      "id": "advance-on-success",
      "stage_pattern": "*",
      "step_pattern": "*",
      "decision": "advance_to_next_step",
      "priority": 1,
      "conditions": [
        {"type": "execution_success", "threshold": 1, "weight": 1}
      ]
    }
  ]
}`

func TestLoadCatalog(t *testing.T) {
	reg, err := LoadCatalog([]byte(validCatalog))
	require.NoError(t, err)

	stages := reg.Stages()
	require.Len(t, stages, 2)
	assert.Equal(t, "ingest", stages[0].ID)

	goal, err := reg.Goal("ingest")
	require.NoError(t, err)
	assert.Equal(t, "goal-ingest", goal.ID)

	step, err := reg.Step("ingest", "verify")
	require.NoError(t, err)
	assert.Equal(t, 1, step.Index)
}

func TestLoadCatalogOrdering(t *testing.T) {
	// Steps declared out of index order come back sorted.
	catalog := `{
	  "stages": [{
	    "id": "s",
	    "goal": {"id": "g", "primary_objective": "x", "success_criteria": ["c"], "required_outputs": []},
	    "steps": [
	      {"id": "second", "index": 5, "name": "Second"},
	      {"id": "first", "index": 1, "name": "First"}
	    ]
	  }]
	}`
	reg, err := LoadCatalog([]byte(catalog))
	require.NoError(t, err)

	first, err := reg.FirstStep("s")
	require.NoError(t, err)
	assert.Equal(t, "first", first.ID)

	next, ok, err := reg.NextStep("s", "first")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", next.ID)

	_, ok, err = reg.NextStep("s", "second")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStageNavigation(t *testing.T) {
	reg, err := LoadCatalog([]byte(validCatalog))
	require.NoError(t, err)

	first, err := reg.FirstStage()
	require.NoError(t, err)
	assert.Equal(t, "ingest", first.ID)

	next, ok, err := reg.StageAfter("ingest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "analyze", next.ID)

	last, err := reg.IsLastStage("analyze")
	require.NoError(t, err)
	assert.True(t, last)

	lastStep, err := reg.IsLastStep("ingest", "verify")
	require.NoError(t, err)
	assert.True(t, lastStep)
}

func TestUnknownLookupsFail(t *testing.T) {
	reg, err := LoadCatalog([]byte(validCatalog))
	require.NoError(t, err)

	_, err = reg.Stage("missing")
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)

	_, err = reg.Step("ingest", "missing")
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)
}

func TestLoadCatalogSchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not json", `{nope`},
		{"no stages", `{"stages": []}`},
		{"stage missing goal", `{"stages": [{"id": "s", "steps": [{"id": "a", "index": 0, "name": "A"}]}]}`},
		{"threshold above one", `{
		  "stages": [{
		    "id": "s",
		    "goal": {"id": "g", "primary_objective": "x", "success_criteria": ["c"], "required_outputs": [], "quality_thresholds": {"m": 1.5}},
		    "steps": [{"id": "a", "index": 0, "name": "A"}]
		  }]
		}`},
		{"bad duration format", `{
		  "stages": [{
		    "id": "s",
		    "goal": {"id": "g", "primary_objective": "x", "success_criteria": ["c"], "required_outputs": []},
		    "steps": [{"id": "a", "index": 0, "name": "A", "estimated_duration": "soon"}]
		  }]
		}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadCatalog([]byte(tc.doc))
			require.Error(t, err)
			var ee *schema.EngineError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, schema.ErrCodeValidation, ee.Code)
		})
	}
}

func TestLoadCatalogSemanticViolations(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			"duplicate step id",
			`{"stages": [{
			  "id": "s",
			  "goal": {"id": "g", "primary_objective": "x", "success_criteria": ["c"], "required_outputs": []},
			  "steps": [
			    {"id": "a", "index": 0, "name": "A"},
			    {"id": "a", "index": 1, "name": "A2"}
			  ]
			}]}`,
			"duplicate step id",
		},
		{
			"unresolvable prerequisite",
			`{"stages": [{
			  "id": "s",
			  "goal": {"id": "g", "primary_objective": "x", "success_criteria": ["c"], "required_outputs": []},
			  "steps": [{"id": "a", "index": 0, "name": "A", "prerequisites": ["ghost"]}]
			}]}`,
			"prerequisite",
		},
		{
			"self prerequisite",
			`{"stages": [{
			  "id": "s",
			  "goal": {"id": "g", "primary_objective": "x", "success_criteria": ["c"], "required_outputs": []},
			  "steps": [{"id": "a", "index": 0, "name": "A", "prerequisites": ["a"]}]
			}]}`,
			"itself",
		},
		{
			"unknown goal dependency",
			`{"stages": [{
			  "id": "s",
			  "goal": {"id": "g", "primary_objective": "x", "success_criteria": ["c"], "required_outputs": [], "dependencies": ["nowhere"]},
			  "steps": [{"id": "a", "index": 0, "name": "A"}]
			}]}`,
			"dependency",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadCatalog([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadRules(t *testing.T) {
	rules, err := LoadRules([]byte(validRules))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, schema.DecisionNextStep, rules[0].Decision)
}

func TestLoadRulesViolations(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown decision", `{"rules": [{
		  "id": "r", "stage_pattern": "*", "step_pattern": "*",
		  "decision": "teleport", "priority": 1,
		  "conditions": [{"type": "execution_success", "weight": 1}]
		}]}`},
		{"weight above one", `{"rules": [{
		  "id": "r", "stage_pattern": "*", "step_pattern": "*",
		  "decision": "advance_to_next_step", "priority": 1,
		  "conditions": [{"type": "execution_success", "weight": 2}]
		}]}`},
		{"duplicate rule id", `{"rules": [
		  {"id": "r", "stage_pattern": "*", "step_pattern": "*", "decision": "advance_to_next_step", "priority": 1,
		   "conditions": [{"type": "execution_success", "weight": 1}]},
		  {"id": "r", "stage_pattern": "*", "step_pattern": "*", "decision": "advance_to_next_step", "priority": 2,
		   "conditions": [{"type": "execution_success", "weight": 1}]}
		]}`},
		{"data completeness without query", `{"rules": [{
		  "id": "r", "stage_pattern": "*", "step_pattern": "*",
		  "decision": "advance_to_next_step", "priority": 1,
		  "conditions": [{"type": "data_completeness", "weight": 1}]
		}]}`},
		{"business rule without query", `{"rules": [{
		  "id": "r", "stage_pattern": "*", "step_pattern": "*",
		  "decision": "advance_to_next_step", "priority": 1,
		  "conditions": [{"type": "business_rule", "weight": 1}]
		}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadRules([]byte(tc.doc))
			require.Error(t, err)
		})
	}
}

func TestLoadRulesBusinessRuleEngineDefault(t *testing.T) {
	// A business_rule query without an engine is valid; evaluation
	// defaults it to "expr". Only an unknown engine is rejected.
	doc := `{"rules": [{
	  "id": "r", "stage_pattern": "*", "step_pattern": "*",
	  "decision": "advance_to_next_step", "priority": 1,
	  "conditions": [{"type": "business_rule", "query": "len(payload.actions)", "operator": "gte", "threshold": 1, "weight": 1}]
	}]}`
	rules, err := LoadRules([]byte(doc))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Empty(t, rules[0].Conditions[0].Engine)

	bad := `{"rules": [{
	  "id": "r", "stage_pattern": "*", "step_pattern": "*",
	  "decision": "advance_to_next_step", "priority": 1,
	  "conditions": [{"type": "business_rule", "query": "1", "engine": "lua", "operator": "gte", "threshold": 1, "weight": 1}]
	}]}`
	_, err = LoadRules([]byte(bad))
	require.Error(t, err)
}
