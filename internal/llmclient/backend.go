// internal/llmclient/backend.go
package llmclient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/llmutil"
)

// prompt is one provider-neutral model request.
type prompt struct {
	System string
	User   string
	// Image is an optional PNG attached to the user turn.
	Image []byte
}

// completion is the raw model reply.
type completion struct {
	Text  string
	Usage schemas.Usage
}

// completer is the provider specific transport underneath a Backend.
type completer interface {
	complete(ctx context.Context, p prompt) (completion, error)
}

// Backend adapts a model provider to schemas.AIBackend. It owns prompt construction and reply
// parsing so every provider behaves the same.
type Backend struct {
	name          string
	caps          schemas.Capabilities
	client        completer
	maxCandidates int
	logger        *zap.Logger
}

var _ schemas.AIBackend = (*Backend)(nil)

func newBackend(name string, caps schemas.Capabilities, client completer, maxCandidates int, logger *zap.Logger) *Backend {
	if maxCandidates <= 0 {
		maxCandidates = 5
	}
	return &Backend{
		name:          name,
		caps:          caps,
		client:        client,
		maxCandidates: maxCandidates,
		logger:        logger.Named("llm_client." + name),
	}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Capabilities() schemas.Capabilities { return b.caps }

// Analyze asks the model for replacement selectors.
func (b *Backend) Analyze(ctx context.Context, req schemas.AnalysisRequest) (schemas.AnalysisResponse, error) {
	if !b.caps.Supports(req.Mode) {
		return schemas.AnalysisResponse{}, fmt.Errorf("%w: %s does not support %s analysis", schemas.ErrBackendPermanent, b.name, req.Mode)
	}

	p := buildAnalysisPrompt(req, b.maxCandidates)
	start := time.Now()
	out, err := b.client.complete(ctx, p)
	if err != nil {
		return schemas.AnalysisResponse{}, err
	}

	reply, err := llmutil.ParseJSONResponse[analysisReply](out.Text)
	if err != nil {
		return schemas.AnalysisResponse{}, fmt.Errorf("%w: %v", schemas.ErrBackendPermanent, err)
	}

	candidates := make([]schemas.CandidateSelector, 0, len(reply.Candidates))
	for _, c := range reply.Candidates {
		sel := strings.TrimSpace(c.Selector)
		if sel == "" {
			continue
		}
		candidates = append(candidates, schemas.CandidateSelector{
			Selector:       sel,
			Confidence:     clamp01(c.Confidence),
			Rationale:      c.Rationale,
			SourceStrategy: string(req.Mode),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Confidence > candidates[j].Confidence })
	if len(candidates) > b.maxCandidates {
		candidates = candidates[:b.maxCandidates]
	}

	b.logger.Info("LLM analysis complete",
		zap.String("mode", string(req.Mode)),
		zap.Duration("duration", time.Since(start)),
		zap.Int("candidates", len(candidates)),
		zap.Int64("prompt_tokens", out.Usage.InputTokens),
		zap.Int64("completion_tokens", out.Usage.OutputTokens),
	)
	return schemas.AnalysisResponse{Candidates: candidates, Usage: out.Usage}, nil
}

// Disambiguate asks the model to pick one element summary.
func (b *Backend) Disambiguate(ctx context.Context, req schemas.DisambiguationRequest) (schemas.DisambiguationResponse, error) {
	p, err := buildDisambiguationPrompt(req)
	if err != nil {
		return schemas.DisambiguationResponse{}, fmt.Errorf("%w: %v", schemas.ErrBackendPermanent, err)
	}
	out, err := b.client.complete(ctx, p)
	if err != nil {
		return schemas.DisambiguationResponse{}, err
	}

	reply, err := llmutil.ParseJSONResponse[disambiguationReply](out.Text)
	if err != nil {
		return schemas.DisambiguationResponse{}, fmt.Errorf("%w: %v", schemas.ErrBackendPermanent, err)
	}
	if reply.Index < 0 || reply.Index >= len(req.Candidates) {
		return schemas.DisambiguationResponse{}, fmt.Errorf("%w: index %d out of range [0,%d)", schemas.ErrBackendPermanent, reply.Index, len(req.Candidates))
	}
	return schemas.DisambiguationResponse{Index: reply.Index, Rationale: reply.Rationale, Usage: out.Usage}, nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
