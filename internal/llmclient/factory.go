// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/config"
)

// NewBackend creates the AIBackend selected by cfg.Provider.
func NewBackend(ctx context.Context, cfg config.AIConfig, maxCandidates int, logger *zap.Logger) (schemas.AIBackend, error) {
	caps := CapabilitiesFor(cfg)

	switch cfg.Provider {
	case config.ProviderMock:
		m := NewMockBackend(logger)
		m.SetCapabilities(caps)
		return m, nil
	case config.ProviderGemini:
		c, err := NewGeminiClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return newBackend(string(cfg.Provider), caps, c, maxCandidates, logger), nil
	case config.ProviderAnthropic:
		c, err := NewAnthropicClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return newBackend(string(cfg.Provider), caps, c, maxCandidates, logger), nil
	case config.ProviderOpenAI, config.ProviderOllama, config.ProviderDeepSeek, config.ProviderGrok, config.ProviderLocal:
		c, err := NewOpenAIClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return newBackend(string(cfg.Provider), caps, c, maxCandidates, logger), nil
	default:
		return nil, fmt.Errorf("unknown or unsupported AI provider configured: '%s'", cfg.Provider)
	}
}
