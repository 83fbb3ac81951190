package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/couchcryptid/place2polygon/internal/domain"
)

const defaultOpenAIURL = "https://api.openai.com/v1"

const systemPrompt = "You help locate administrative boundaries with the Nominatim geocoder. Follow the requested output format exactly."

// OpenAI implements domain.LLM against any OpenAI-compatible chat
// completions endpoint.
type OpenAI struct {
	endpoint string
	model    string
	apiKey   string
	jsonMode bool
	client   *http.Client
}

var _ domain.LLM = (*OpenAI)(nil)

// NewOpenAI builds a client. APIKey and Model are required.
func NewOpenAI(opts Options) (*OpenAI, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("%w: openai provider requires an API key", domain.ErrMisconfigured)
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("%w: openai provider requires a model", domain.ErrMisconfigured)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultOpenAIURL
	}
	return &OpenAI{
		endpoint: strings.TrimRight(opts.BaseURL, "/") + "/chat/completions",
		model:    opts.Model,
		apiKey:   opts.APIKey,
		jsonMode: opts.JSONMode,
		client:   httpClient(opts.Timeout),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends prompt as a user message and returns the first choice.
func (c *OpenAI) Generate(ctx context.Context, prompt string, opts domain.GenerateOptions) (string, error) {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSON && c.jsonMode {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: chat completion: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", statusError("openai", resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("chat response has no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
