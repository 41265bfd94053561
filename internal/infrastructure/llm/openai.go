package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIGenerator implements ports.Generator backed by OpenAI-compatible
// chat completion APIs.
type OpenAIGenerator struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

var _ ports.Generator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator builds a client; an empty endpoint uses the public API.
func NewOpenAIGenerator(endpoint, apiKey, model string, timeout time.Duration) *OpenAIGenerator {
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIGenerator{
		endpoint:   endpoint,
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate posts the prompt as a user message.
func (c *OpenAIGenerator) Generate(ctx context.Context, in domain.GenerationRequest) (domain.GenerationResult, error) {
	if c.apiKey == "" || c.endpoint == "" {
		return domain.GenerationResult{}, fmt.Errorf("openai generator misconfigured")
	}
	model := in.Model
	if model == "" {
		model = c.model
	}

	messages := make([]chatMessage, 0, 2)
	if system := strings.TrimSpace(in.System); system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: in.Prompt})

	body, err := json.Marshal(map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": in.MaxTokens,
	})
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("marshal openai payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.GenerationResult{}, domain.Transient("openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("openai error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
		if retryableStatus(resp.StatusCode) {
			return domain.GenerationResult{}, domain.Transient("openai", err)
		}
		return domain.GenerationResult{}, err
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.GenerationResult{}, domain.Transient("openai", fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return domain.GenerationResult{}, fmt.Errorf("openai returned no choices")
	}

	return domain.GenerationResult{
		Text:         out.Choices[0].Message.Content,
		Model:        out.Model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}
