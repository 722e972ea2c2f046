// Package disambiguate picks one element when a selector matches several.
package disambiguate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
)

// ErrNoCandidates is returned when there is nothing to choose from.
var ErrNoCandidates = errors.New("no candidates to disambiguate")

// Chooser is the AI side of disambiguation. aiclient.Client satisfies it.
type Chooser interface {
	Disambiguate(ctx context.Context, candidates []schemas.ElementSummary, description string) (int, error)
}

// Method records how a choice was made.
type Method string

const (
	MethodSingle   Method = "single"
	MethodAI       Method = "ai"
	MethodFallback Method = "document_order"
)

// Choice is the selected element and how it was selected.
type Choice struct {
	Element schemas.ElementSummary
	// Position is the element's position in the slice passed to Choose.
	Position int
	Method   Method
}

// Disambiguator chooses among element summaries, asking the AI first and falling back to
// document order.
type Disambiguator struct {
	ai     Chooser
	logger *zap.Logger
}

// New creates a Disambiguator. ai may be nil, in which case document order always decides.
func New(ai Chooser, logger *zap.Logger) *Disambiguator {
	return &Disambiguator{ai: ai, logger: logger.Named("disambiguate")}
}

// Choose returns the candidate that best matches description.
func (d *Disambiguator) Choose(ctx context.Context, candidates []schemas.ElementSummary, description string) (Choice, error) {
	switch len(candidates) {
	case 0:
		return Choice{}, ErrNoCandidates
	case 1:
		return Choice{Element: candidates[0], Method: MethodSingle}, nil
	}

	if d.ai != nil {
		idx, err := d.ai.Disambiguate(ctx, candidates, description)
		switch {
		case err == nil && idx >= 0 && idx < len(candidates):
			return Choice{Element: candidates[idx], Position: idx, Method: MethodAI}, nil
		case err == nil:
			err = fmt.Errorf("index %d out of range for %d candidates", idx, len(candidates))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Choice{}, ctxErr
		}
		d.logger.Warn("AI disambiguation failed, falling back to document order.",
			zap.String("description", description),
			zap.Int("candidates", len(candidates)),
			zap.Error(err))
	}

	pos := lowestIndex(candidates)
	return Choice{Element: candidates[pos], Position: pos, Method: MethodFallback}, nil
}

func lowestIndex(candidates []schemas.ElementSummary) int {
	best := 0
	for i, c := range candidates {
		if c.Index < candidates[best].Index {
			best = i
		}
	}
	return best
}
