// Package strategy decides which AI analyses a resolution issues, in what order, and runs them.
package strategy

import (
	"fmt"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/config"
)

// Plan is an ordered list of steps. The modes within one step run concurrently; steps run one
// after another until one of them yields a usable candidate.
type Plan struct {
	Policy string
	Steps  [][]schemas.AnalysisMode
	// Adaptations describes every change made to the policy's ideal shape.
	Adaptations []string
}

// Empty reports whether the plan issues no analysis at all.
func (p Plan) Empty() bool { return len(p.Steps) == 0 }

// Modes flattens the plan in execution order.
func (p Plan) Modes() []schemas.AnalysisMode {
	var out []schemas.AnalysisMode
	for _, step := range p.Steps {
		out = append(out, step...)
	}
	return out
}

var (
	structural = schemas.ModeStructural
	visual     = schemas.ModeVisual
)

// PlanFor builds the plan for policy against a backend with caps. Legs the backend cannot run
// are dropped and recorded as adaptations instead of failing the plan.
func PlanFor(policy string, caps schemas.Capabilities) Plan {
	plan := Plan{Policy: config.NormalizeStrategy(policy)}
	if plan.Policy == "" {
		plan.Policy = config.StrategyAdaptiveSequential
		plan.Adaptations = append(plan.Adaptations,
			fmt.Sprintf("unknown policy %q, using %s", policy, plan.Policy))
	}

	var ideal [][]schemas.AnalysisMode
	switch plan.Policy {
	case config.StrategyStructuralOnly:
		ideal = [][]schemas.AnalysisMode{{structural}}
	case config.StrategyVisualFirst:
		ideal = [][]schemas.AnalysisMode{{visual}, {structural}}
	case config.StrategyParallel:
		ideal = [][]schemas.AnalysisMode{{structural, visual}}
	default:
		ideal = [][]schemas.AnalysisMode{{structural}, {visual}}
	}

	for _, step := range ideal {
		var kept []schemas.AnalysisMode
		for _, mode := range step {
			if caps.Supports(mode) {
				kept = append(kept, mode)
				continue
			}
			plan.Adaptations = append(plan.Adaptations,
				fmt.Sprintf("%s: dropped %s analysis, backend does not support it", plan.Policy, mode))
		}
		if len(kept) > 0 {
			plan.Steps = append(plan.Steps, kept)
		}
	}
	return plan
}
