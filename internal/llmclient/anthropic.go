package llmclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/config"
)

// AnthropicClient calls the Messages API through the official SDK. SDK retries are disabled so
// the resilience layer is the only one retrying.
type AnthropicClient struct {
	client      anthropic.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *zap.Logger
}

// NewAnthropicClient initializes the client.
func NewAnthropicClient(cfg config.AIConfig, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API Key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	if cfg.APITimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.APITimeout))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModels[config.ProviderAnthropic]
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &AnthropicClient{
		client:      anthropic.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		logger:      logger.Named("llm_client.anthropic"),
	}, nil
}

func (c *AnthropicClient) complete(ctx context.Context, p prompt) (completion, error) {
	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(p.User)}
	if len(p.Image) > 0 {
		blocks = append(blocks, anthropic.NewImageBlockBase64("image/png", base64.StdEncoding.EncodeToString(p.Image)))
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(c.maxTokens),
		Temperature: anthropic.Float(float64(c.temperature)),
		System:      []anthropic.TextBlockParam{{Text: p.System}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	})
	if err != nil {
		return completion{}, c.classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return completion{}, fmt.Errorf("%w: anthropic API returned no text (stop reason: %s)", schemas.ErrBackendPermanent, msg.StopReason)
	}

	return completion{
		Text: text.String(),
		Usage: schemas.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

func (c *AnthropicClient) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		c.logger.Error("Anthropic API returned error status", zap.Int("status", apiErr.StatusCode))
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable, 529:
			return fmt.Errorf("anthropic API error: %w", err)
		default:
			return fmt.Errorf("%w: anthropic API error: %v", schemas.ErrBackendPermanent, err)
		}
	}
	return fmt.Errorf("anthropic request failed: %w", err)
}
