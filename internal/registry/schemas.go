package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stagewise/stagewise/pkg/schema"
)

// catalogSchemaJSON is the JSON Schema for the stage/step catalog.
// Embedded as a constant to avoid filesystem dependencies.
const catalogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stagewise.dev/schemas/catalog.json",
  "type": "object",
  "required": ["stages"],
  "properties": {
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/stage" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "stage": {
      "type": "object",
      "required": ["id", "goal", "steps"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "goal": { "$ref": "#/$defs/goal" },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "goal": {
      "type": "object",
      "required": ["id", "primary_objective", "success_criteria", "required_outputs"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "primary_objective": { "type": "string", "minLength": 1 },
        "success_criteria": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string", "minLength": 1 }
        },
        "required_outputs": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "optional_outputs": {
          "type": "array",
          "items": { "type": "string" }
        },
        "dependencies": {
          "type": "array",
          "items": { "type": "string" }
        },
        "quality_thresholds": {
          "type": "object",
          "additionalProperties": {
            "type": "number",
            "minimum": 0,
            "maximum": 1
          }
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "index", "name"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "index": { "type": "integer", "minimum": 0 },
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "mandatory": { "type": "boolean" },
        "contributes_to": {
          "type": "array",
          "items": { "type": "string" }
        },
        "prerequisites": {
          "type": "array",
          "items": { "type": "string" }
        },
        "estimated_duration": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// ruleSchemaJSON is the JSON Schema for the flow-rule table.
const ruleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stagewise.dev/schemas/rules.json",
  "type": "object",
  "required": ["rules"],
  "properties": {
    "rules": {
      "type": "array",
      "items": { "$ref": "#/$defs/rule" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["id", "stage_pattern", "step_pattern", "decision", "conditions", "priority"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "stage_pattern": { "type": "string", "minLength": 1 },
        "step_pattern": { "type": "string", "minLength": 1 },
        "decision": {
          "type": "string",
          "enum": [
            "repeat_current_step",
            "advance_to_next_step",
            "advance_to_next_stage",
            "complete_workflow",
            "requires_intervention"
          ]
        },
        "conditions": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/condition" }
        },
        "priority": { "type": "integer" },
        "confidence_boost": { "type": "number", "minimum": 0, "maximum": 1 }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["type", "weight"],
      "properties": {
        "type": {
          "type": "string",
          "enum": [
            "result_quality",
            "data_completeness",
            "execution_success",
            "business_rule",
            "dependency_satisfaction",
            "error_threshold"
          ]
        },
        "operator": {
          "type": "string",
          "enum": ["gte", "lte", "eq", "ne", "contains", "exists"]
        },
        "threshold": { "type": "number" },
        "query": { "type": "string" },
        "engine": { "type": "string", "enum": ["expr", "cel"] },
        "weight": { "type": "number", "minimum": 0, "maximum": 1 },
        "mandatory": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// compileSchema compiles an embedded schema constant under the given URL.
func compileSchema(url, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with clear, actionable messages.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
