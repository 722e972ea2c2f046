package llmclient

import (
	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/config"
)

// visualProviders lists the providers whose default models accept images.
var visualProviders = map[config.AIProvider]bool{
	config.ProviderOpenAI: true,
	config.ProviderGemini: true,
	config.ProviderMock:   true,
}

var defaultModels = map[config.AIProvider]string{
	config.ProviderGemini:    "gemini-2.5-flash",
	config.ProviderAnthropic: "claude-sonnet-4-5",
	config.ProviderOpenAI:    "gpt-4o-mini",
	config.ProviderOllama:    "llama3.1",
	config.ProviderDeepSeek:  "deepseek-chat",
	config.ProviderGrok:      "grok-3-mini",
	config.ProviderLocal:     "local-model",
	config.ProviderMock:      "mock",
}

var defaultEndpoints = map[config.AIProvider]string{
	config.ProviderOpenAI:   "https://api.openai.com/v1",
	config.ProviderOllama:   "http://localhost:11434/v1",
	config.ProviderDeepSeek: "https://api.deepseek.com/v1",
	config.ProviderGrok:     "https://api.x.ai/v1",
	config.ProviderLocal:    "http://localhost:8080/v1",
}

func requiresKey(p config.AIProvider) bool {
	switch p {
	case config.ProviderOllama, config.ProviderLocal, config.ProviderMock:
		return false
	}
	return true
}

// CapabilitiesFor returns the capability record for the configured provider, applying the
// supports_visual override when present.
func CapabilitiesFor(cfg config.AIConfig) schemas.Capabilities {
	caps := schemas.Capabilities{
		SupportsStructural: true,
		SupportsVisual:     visualProviders[cfg.Provider],
		DefaultModel:       defaultModels[cfg.Provider],
	}
	if cfg.Model != "" {
		caps.DefaultModel = cfg.Model
	}
	if cfg.SupportsVisual != nil {
		caps.SupportsVisual = *cfg.SupportsVisual
	}
	return caps
}
