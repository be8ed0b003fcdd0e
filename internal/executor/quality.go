package executor

import (
	"sync"
)

// QualityScorer estimates how good an action's payload is, in [0,1].
type QualityScorer func(payload map[string]any) float64

// ScorerRegistry maps step IDs to quality scorers. Steps without a
// registered scorer use the default heuristic.
type ScorerRegistry struct {
	mu      sync.RWMutex
	scorers map[string]QualityScorer
}

// NewScorerRegistry creates an empty registry.
func NewScorerRegistry() *ScorerRegistry {
	return &ScorerRegistry{scorers: make(map[string]QualityScorer)}
}

// Register binds a scorer to a step ID.
func (r *ScorerRegistry) Register(stepID string, scorer QualityScorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[stepID] = scorer
}

// Score runs the step's scorer, or the default heuristic when none is
// registered. Custom variants score through their base step ID. The result
// is clamped to [0,1].
func (r *ScorerRegistry) Score(stepID string, payload map[string]any) float64 {
	r.mu.RLock()
	scorer, ok := r.scorers[baseStepID(stepID)]
	r.mu.RUnlock()
	if !ok {
		scorer = DefaultScorer
	}
	score := scorer(payload)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// DefaultScorer is the generic payload heuristic: base 0.5, +0.2 when the
// "actions" sequence holds at least two items, +0.1 when those items span
// more than one distinct type.
func DefaultScorer(payload map[string]any) float64 {
	score := 0.5

	items, _ := payload["actions"].([]any)
	if len(items) >= 2 {
		score += 0.2
	}
	if distinctItemTypes(items) > 1 {
		score += 0.1
	}
	return score
}

func distinctItemTypes(items []any) int {
	types := make(map[string]bool, len(items))
	for _, item := range items {
		switch item.(type) {
		case map[string]any:
			types["object"] = true
		case []any:
			types["array"] = true
		case string:
			types["string"] = true
		case float64, int, int64:
			types["number"] = true
		case bool:
			types["bool"] = true
		case nil:
			types["null"] = true
		default:
			types["other"] = true
		}
	}
	return len(types)
}
