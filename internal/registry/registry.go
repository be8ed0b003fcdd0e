package registry

import (
	"encoding/json"
	"sort"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stagewise/stagewise/pkg/schema"
)

// StepRegistry holds the validated stage/step catalog and serves ordered
// lookups to the planner and orchestrator. Immutable after construction,
// safe for concurrent readers.
type StepRegistry struct {
	stages   []schema.StageDefinition
	stageIdx map[string]int
	stepIdx  map[string]map[string]int
}

var (
	compileOnce   sync.Once
	catalogSchema *jsonschema.Schema
	ruleSchema    *jsonschema.Schema
	compileErr    error
)

func compiledSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	compileOnce.Do(func() {
		catalogSchema, compileErr = compileSchema("stagewise://schemas/catalog", catalogSchemaJSON)
		if compileErr != nil {
			return
		}
		ruleSchema, compileErr = compileSchema("stagewise://schemas/rules", ruleSchemaJSON)
	})
	return catalogSchema, ruleSchema, compileErr
}

// LoadCatalog parses, schema-validates and semantically validates a catalog
// document, returning a registry ready for planning.
func LoadCatalog(data []byte) (*StepRegistry, error) {
	cs, _, err := compiledSchemas()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "compile catalog schema").WithCause(err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"catalog is not valid JSON: %s", err.Error()).WithCause(err)
	}
	doc, err := toJSONValue(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "normalize catalog document").WithCause(err)
	}
	if err := cs.Validate(doc); err != nil {
		return nil, toEngineError(err)
	}

	var catalog schema.Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode catalog").WithCause(err)
	}

	if err := validateCatalogSemantics(&catalog); err != nil {
		return nil, err
	}

	return NewStepRegistry(catalog.Stages), nil
}

// NewStepRegistry builds a registry from already-validated stage definitions.
// Steps within each stage are ordered by index.
func NewStepRegistry(stages []schema.StageDefinition) *StepRegistry {
	r := &StepRegistry{
		stages:   make([]schema.StageDefinition, len(stages)),
		stageIdx: make(map[string]int, len(stages)),
		stepIdx:  make(map[string]map[string]int, len(stages)),
	}
	copy(r.stages, stages)

	for i := range r.stages {
		st := &r.stages[i]
		sort.SliceStable(st.Steps, func(a, b int) bool {
			return st.Steps[a].Index < st.Steps[b].Index
		})
		r.stageIdx[st.ID] = i
		idx := make(map[string]int, len(st.Steps))
		for j, step := range st.Steps {
			idx[step.ID] = j
		}
		r.stepIdx[st.ID] = idx
	}
	return r
}

// Stages returns the ordered stage definitions.
func (r *StepRegistry) Stages() []schema.StageDefinition {
	return r.stages
}

// Stage returns the stage with the given ID.
func (r *StepRegistry) Stage(stageID string) (schema.StageDefinition, error) {
	i, ok := r.stageIdx[stageID]
	if !ok {
		return schema.StageDefinition{}, schema.NewErrorf(schema.ErrCodeNotFound,
			"unknown stage %q", stageID)
	}
	return r.stages[i], nil
}

// Goal returns the goal of the given stage.
func (r *StepRegistry) Goal(stageID string) (schema.StageGoal, error) {
	st, err := r.Stage(stageID)
	if err != nil {
		return schema.StageGoal{}, err
	}
	return st.Goal, nil
}

// Steps returns the index-ordered steps of the given stage.
func (r *StepRegistry) Steps(stageID string) ([]schema.StepDefinition, error) {
	st, err := r.Stage(stageID)
	if err != nil {
		return nil, err
	}
	return st.Steps, nil
}

// Step returns a single step of a stage by step ID.
func (r *StepRegistry) Step(stageID, stepID string) (schema.StepDefinition, error) {
	st, err := r.Stage(stageID)
	if err != nil {
		return schema.StepDefinition{}, err
	}
	j, ok := r.stepIdx[stageID][stepID]
	if !ok {
		return schema.StepDefinition{}, schema.NewErrorf(schema.ErrCodeNotFound,
			"unknown step %q in stage %q", stepID, stageID).WithStep(stepID)
	}
	return st.Steps[j], nil
}

// FirstStage returns the first stage of the catalog.
func (r *StepRegistry) FirstStage() (schema.StageDefinition, error) {
	if len(r.stages) == 0 {
		return schema.StageDefinition{}, schema.NewError(schema.ErrCodeNotFound, "catalog has no stages")
	}
	return r.stages[0], nil
}

// StageAfter returns the stage following stageID, or ok=false when stageID
// is the last stage.
func (r *StepRegistry) StageAfter(stageID string) (schema.StageDefinition, bool, error) {
	i, found := r.stageIdx[stageID]
	if !found {
		return schema.StageDefinition{}, false, schema.NewErrorf(schema.ErrCodeNotFound,
			"unknown stage %q", stageID)
	}
	if i+1 >= len(r.stages) {
		return schema.StageDefinition{}, false, nil
	}
	return r.stages[i+1], true, nil
}

// FirstStep returns the lowest-index step of a stage.
func (r *StepRegistry) FirstStep(stageID string) (schema.StepDefinition, error) {
	steps, err := r.Steps(stageID)
	if err != nil {
		return schema.StepDefinition{}, err
	}
	if len(steps) == 0 {
		return schema.StepDefinition{}, schema.NewErrorf(schema.ErrCodeNotFound,
			"stage %q has no steps", stageID)
	}
	return steps[0], nil
}

// NextStep returns the step following stepID in stage order, or ok=false
// when stepID is the last step of the stage.
func (r *StepRegistry) NextStep(stageID, stepID string) (schema.StepDefinition, bool, error) {
	steps, err := r.Steps(stageID)
	if err != nil {
		return schema.StepDefinition{}, false, err
	}
	j, ok := r.stepIdx[stageID][stepID]
	if !ok {
		return schema.StepDefinition{}, false, schema.NewErrorf(schema.ErrCodeNotFound,
			"unknown step %q in stage %q", stepID, stageID).WithStep(stepID)
	}
	if j+1 >= len(steps) {
		return schema.StepDefinition{}, false, nil
	}
	return steps[j+1], true, nil
}

// IsLastStep reports whether stepID is the final step of its stage.
func (r *StepRegistry) IsLastStep(stageID, stepID string) (bool, error) {
	_, ok, err := r.NextStep(stageID, stepID)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// IsLastStage reports whether stageID is the final stage of the catalog.
func (r *StepRegistry) IsLastStage(stageID string) (bool, error) {
	_, ok, err := r.StageAfter(stageID)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// LoadRules parses and validates a flow-rule document.
func LoadRules(data []byte) ([]schema.FlowRule, error) {
	_, rs, err := compiledSchemas()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "compile rule schema").WithCause(err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"rule file is not valid JSON: %s", err.Error()).WithCause(err)
	}
	doc, err := toJSONValue(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "normalize rule document").WithCause(err)
	}
	if err := rs.Validate(doc); err != nil {
		return nil, toEngineError(err)
	}

	var file schema.RuleFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode rule file").WithCause(err)
	}

	if err := validateRuleSemantics(file.Rules); err != nil {
		return nil, err
	}
	return file.Rules, nil
}
