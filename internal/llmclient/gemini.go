// internal/llmclient/gemini.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/config"
)

// GeminiClient calls Google Gemini through the genai SDK.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *zap.Logger
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions.BaseURL = cfg.Endpoint
	}
	if cfg.APITimeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.APITimeout}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModels[config.ProviderGemini]
	}
	return &GeminiClient{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger.Named("llm_client.gemini"),
	}, nil
}

func (c *GeminiClient) complete(ctx context.Context, p prompt) (completion, error) {
	parts := []*genai.Part{genai.NewPartFromText(p.User)}
	if len(p.Image) > 0 {
		parts = append(parts, genai.NewPartFromBytes(p.Image, "image/png"))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	genConfig := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(p.System, genai.RoleUser),
		Temperature:       genai.Ptr(c.temperature),
		ResponseMIMEType:  "application/json",
	}
	if c.maxTokens > 0 {
		genConfig.MaxOutputTokens = int32(c.maxTokens)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genConfig)
	if err != nil {
		return completion{}, c.classify(err)
	}
	if len(resp.Candidates) == 0 {
		return completion{}, fmt.Errorf("%w: gemini API returned no candidates", schemas.ErrBackendPermanent)
	}
	if reason := resp.Candidates[0].FinishReason; reason == genai.FinishReasonSafety || reason == genai.FinishReasonBlocklist {
		return completion{}, fmt.Errorf("%w: gemini API blocked the request (Reason: %s)", schemas.ErrBackendPermanent, reason)
	}

	text := resp.Text()
	if text == "" {
		return completion{}, fmt.Errorf("gemini API returned empty content (Reason: %s)", resp.Candidates[0].FinishReason)
	}

	out := completion{Text: text}
	if resp.UsageMetadata != nil {
		out.Usage = schemas.Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// classify marks non-transient API errors as permanent.
func (c *GeminiClient) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		c.logger.Error("Gemini API returned error status", zap.Int("status", apiErr.Code), zap.String("message", apiErr.Message))
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("gemini API error: %w", err)
		default:
			return fmt.Errorf("%w: gemini API error: %v", schemas.ErrBackendPermanent, err)
		}
	}
	return fmt.Errorf("gemini request failed: %w", err)
}
