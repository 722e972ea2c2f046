// internal/llmclient/openai.go
package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/llmutil"
)

// OpenAIClient speaks the chat completions protocol shared by OpenAI, Ollama, DeepSeek, xAI and
// most self-hosted inference servers.
type OpenAIClient struct {
	apiKey      string
	endpoint    string
	model       string
	temperature float32
	maxTokens   int
	httpClient  *http.Client
	logger      *zap.Logger
}

// -- Chat completions request/response structures (internal to this file) --

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatRequestPayload struct {
	Model          string              `json:"model"`
	Messages       []chatMessage       `json:"messages"`
	Temperature    float32             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatResponsePayload struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// NewOpenAIClient initializes the client. Keyless providers (ollama, local) may omit the API key.
func NewOpenAIClient(cfg config.AIConfig, logger *zap.Logger) (*OpenAIClient, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoints[cfg.Provider]
	}
	if endpoint == "" {
		return nil, fmt.Errorf("an endpoint is required for provider %q", cfg.Provider)
	}
	if cfg.APIKey == "" && requiresKey(cfg.Provider) {
		return nil, fmt.Errorf("API key is required for provider %q", cfg.Provider)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModels[cfg.Provider]
	}

	return &OpenAIClient{
		apiKey:      cfg.APIKey,
		endpoint:    strings.TrimRight(endpoint, "/") + "/chat/completions",
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: cfg.APITimeout},
		logger:      logger.Named("llm_client." + string(cfg.Provider)),
	}, nil
}

func (c *OpenAIClient) complete(ctx context.Context, p prompt) (completion, error) {
	body, err := json.Marshal(c.buildRequestPayload(p))
	if err != nil {
		return completion{}, fmt.Errorf("%w: failed to marshal request payload: %v", schemas.ErrBackendPermanent, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return completion{}, fmt.Errorf("%w: failed to create HTTP request: %v", schemas.ErrBackendPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return completion{}, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return completion{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return completion{}, c.handleAPIError(resp.StatusCode, respBody)
	}

	var payload chatResponsePayload
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return completion{}, fmt.Errorf("%w: failed to decode response payload: %v", schemas.ErrBackendPermanent, err)
	}
	if len(payload.Choices) == 0 || payload.Choices[0].Message.Content == "" {
		return completion{}, fmt.Errorf("%w: chat completion returned no content", schemas.ErrBackendPermanent)
	}

	return completion{
		Text: payload.Choices[0].Message.Content,
		Usage: schemas.Usage{
			InputTokens:  payload.Usage.PromptTokens,
			OutputTokens: payload.Usage.CompletionTokens,
		},
	}, nil
}

func (c *OpenAIClient) buildRequestPayload(p prompt) chatRequestPayload {
	var user any = p.User
	if len(p.Image) > 0 {
		user = []chatContentPart{
			{Type: "text", Text: p.User},
			{Type: "image_url", ImageURL: &chatImageURL{URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(p.Image)}},
		}
	}
	return chatRequestPayload{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: user},
		},
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: &chatResponseFormat{Type: "json_object"},
	}
}

func (c *OpenAIClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Chat completions API returned error status", zap.Int("status", statusCode), zap.String("response", llmutil.Truncate(string(body), 1000)))
	err := fmt.Errorf("chat completions API error: status %d, body: %s", statusCode, llmutil.Truncate(string(body), 500))

	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return err
	default:
		return fmt.Errorf("%w: %v", schemas.ErrBackendPermanent, err)
	}
}
