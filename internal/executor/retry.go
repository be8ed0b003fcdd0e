package executor

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/stagewise/stagewise/pkg/schema"
)

// PolicyRule binds a retry policy to a step-ID substring. The first rule
// whose pattern is contained in the step ID wins; steps matching no rule
// fall back to the policy default.
type PolicyRule struct {
	Pattern string
	Policy  schema.RetryPolicy
}

// PolicySelector picks the retry policy for a step.
type PolicySelector struct {
	rules    []PolicyRule
	fallback schema.RetryPolicy
}

// NewPolicySelector creates a selector with ordered category rules and a
// default policy.
func NewPolicySelector(rules []PolicyRule, fallback schema.RetryPolicy) *PolicySelector {
	return &PolicySelector{rules: rules, fallback: fallback}
}

// DefaultPolicyRules covers the common step categories: data loading gets
// extra retries, analysis-heavy steps get longer backoff.
func DefaultPolicyRules() []PolicyRule {
	return []PolicyRule{
		{Pattern: "data-loading", Policy: schema.RetryPolicy{MaxRetries: 5, BaseDelay: 500 * time.Millisecond, BackoffFactor: 2.0}},
		{Pattern: "analysis-heavy", Policy: schema.RetryPolicy{MaxRetries: 2, BaseDelay: 2 * time.Second, BackoffFactor: 3.0}},
	}
}

// Select returns the policy for the step ID. Custom variants select by
// their base step ID.
func (s *PolicySelector) Select(stepID string) schema.RetryPolicy {
	id := baseStepID(stepID)
	for _, rule := range s.rules {
		if strings.Contains(id, rule.Pattern) {
			return rule.Policy
		}
	}
	return s.fallback
}

// backoffDelay is base_delay x backoff_factor^attempt, where attempt is
// zero-based.
func backoffDelay(policy schema.RetryPolicy, attempt int) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	factor := policy.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	return time.Duration(float64(policy.BaseDelay) * math.Pow(factor, float64(attempt)))
}

// waitForBackoff sleeps for the delay or returns early when the context is
// cancelled. The wait is per call: it never blocks other sessions.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
