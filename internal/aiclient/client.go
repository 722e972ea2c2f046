// Package aiclient wraps an AI backend with the resilience policy the resolution engine relies
// on: rate limiting, a circuit breaker, bounded retries and per-attempt timeouts. It also
// negotiates capabilities so visual requests degrade to structural ones instead of failing.
package aiclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/observability"
)

// Operation labels.
const (
	OpAnalyzeStructure = "analyze_structure"
	OpAnalyzeVisual    = "analyze_visual"
	OpDisambiguate     = "disambiguate"
)

// Analysis is the result of one guarded analysis call.
type Analysis struct {
	Candidates []schemas.CandidateSelector
	// Mode is the analysis that actually ran.
	Mode schemas.AnalysisMode
	// Substituted is set when a visual request ran as structural.
	Substituted bool
	Usage       schemas.Usage
}

// VisualRequest asks for a visual analysis. Both sources are lazy so the client only pays for
// the evidence it ends up sending.
type VisualRequest struct {
	Description      string
	PreviousSelector string
	Screenshot       func(ctx context.Context) ([]byte, error)
	// Snapshot feeds the structural substitute when the backend cannot see.
	Snapshot func(ctx context.Context) (string, error)
}

// Client is the resilient front of one AI backend. It is safe for concurrent use; breaker state
// is shared by every caller.
type Client struct {
	backend schemas.AIBackend
	guard   *guard
	cost    config.CostConfig
	metrics *observability.Metrics
	logger  *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithMetrics records call, usage and breaker metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithCost prices token usage for the cost counter.
func WithCost(cost config.CostConfig) Option {
	return func(c *Client) { c.cost = cost }
}

// New wraps backend with the policy in cfg.
func New(backend schemas.AIBackend, cfg config.ResilienceConfig, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		backend: backend,
		logger:  logger.Named("aiclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.guard = newGuard(backend.Name(), cfg, c.metrics, c.logger)
	return c
}

// Name returns the backend name.
func (c *Client) Name() string { return c.backend.Name() }

// Capabilities returns what the backend declares it can do.
func (c *Client) Capabilities() schemas.Capabilities { return c.backend.Capabilities() }

// State returns the breaker state.
func (c *Client) State() CircuitState { return c.guard.state() }

// AnalyzeStructure asks for selectors based on a DOM snippet.
func (c *Client) AnalyzeStructure(ctx context.Context, dom, description, previousSelector string) (Analysis, error) {
	req := schemas.AnalysisRequest{
		Mode:             schemas.ModeStructural,
		Payload:          dom,
		Description:      description,
		PreviousSelector: previousSelector,
	}
	return c.analyze(ctx, OpAnalyzeStructure, req)
}

// AnalyzeVisual asks for selectors based on a screenshot. A backend without visual support gets
// a structural request built from req.Snapshot instead.
func (c *Client) AnalyzeVisual(ctx context.Context, req VisualRequest) (Analysis, error) {
	if !c.backend.Capabilities().SupportsVisual {
		if req.Snapshot == nil {
			return Analysis{}, fmt.Errorf("%w: %s cannot analyze screenshots and no snapshot source was given",
				schemas.ErrAIBackendUnavailable, c.backend.Name())
		}
		c.logger.Info("Backend lacks visual analysis, substituting a structural call.",
			zap.String("backend", c.backend.Name()),
			zap.String("description", req.Description))
		dom, err := req.Snapshot(ctx)
		if err != nil {
			return Analysis{}, fmt.Errorf("capturing snapshot for substituted analysis: %w", err)
		}
		a, err := c.AnalyzeStructure(ctx, dom, req.Description, req.PreviousSelector)
		a.Substituted = true
		return a, err
	}

	if req.Screenshot == nil {
		return Analysis{}, fmt.Errorf("visual analysis requires a screenshot source")
	}
	png, err := req.Screenshot(ctx)
	if err != nil {
		return Analysis{}, fmt.Errorf("capturing screenshot: %w", err)
	}
	return c.analyze(ctx, OpAnalyzeVisual, schemas.AnalysisRequest{
		Mode:             schemas.ModeVisual,
		Screenshot:       png,
		Description:      req.Description,
		PreviousSelector: req.PreviousSelector,
	})
}

func (c *Client) analyze(ctx context.Context, op string, req schemas.AnalysisRequest) (Analysis, error) {
	var resp schemas.AnalysisResponse
	err := c.guard.do(ctx, op, func(actx context.Context) error {
		var err error
		resp, err = c.backend.Analyze(actx, req)
		return err
	})
	if err != nil {
		return Analysis{Mode: req.Mode}, err
	}
	c.recordUsage(resp.Usage)
	return Analysis{Candidates: resp.Candidates, Mode: req.Mode, Usage: resp.Usage}, nil
}

// Disambiguate asks the backend which summary matches description and returns its position in
// candidates.
func (c *Client) Disambiguate(ctx context.Context, candidates []schemas.ElementSummary, description string) (int, error) {
	var resp schemas.DisambiguationResponse
	err := c.guard.do(ctx, OpDisambiguate, func(actx context.Context) error {
		var err error
		resp, err = c.backend.Disambiguate(actx, schemas.DisambiguationRequest{
			Candidates:  candidates,
			Description: description,
		})
		return err
	})
	if err != nil {
		return -1, err
	}
	c.recordUsage(resp.Usage)
	if resp.Index < 0 || resp.Index >= len(candidates) {
		return -1, fmt.Errorf("%s chose index %d of %d candidates", c.backend.Name(), resp.Index, len(candidates))
	}
	c.logger.Debug("Disambiguation chose a candidate.", zap.String("backend", c.backend.Name()), zap.Int("index", resp.Index), zap.String("rationale", resp.Rationale))
	return resp.Index, nil
}

func (c *Client) recordUsage(u schemas.Usage) {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	cost := float64(u.InputTokens)/1000*c.cost.InputPer1K + float64(u.OutputTokens)/1000*c.cost.OutputPer1K
	c.metrics.ObserveUsage(c.backend.Name(), u.InputTokens, u.OutputTokens, cost)
}
