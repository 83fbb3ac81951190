package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/couchcryptid/place2polygon/internal/domain"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3.2"
)

// Ollama implements domain.LLM using the Ollama generate API.
type Ollama struct {
	baseURL  string
	model    string
	jsonMode bool
	client   *http.Client
}

var _ domain.LLM = (*Ollama)(nil)

// NewOllama creates an Ollama adapter. Empty BaseURL and Model fall back to
// a local server and llama3.2.
func NewOllama(opts Options) *Ollama {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultOllamaURL
	}
	if opts.Model == "" {
		opts.Model = defaultOllamaModel
	}
	return &Ollama{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		model:    opts.Model,
		jsonMode: opts.JSONMode,
		client:   httpClient(opts.Timeout),
	}
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format,omitempty"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate produces a completion for prompt.
func (a *Ollama) Generate(ctx context.Context, prompt string, opts domain.GenerateOptions) (string, error) {
	reqBody := ollamaGenerateRequest{
		Model:   a.model,
		Prompt:  prompt,
		Options: ollamaOptions{Temperature: opts.Temperature, NumPredict: opts.MaxTokens},
	}
	if opts.JSON && a.jsonMode {
		reqBody.Format = "json"
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: calling ollama: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("ollama", resp)
	}

	var genResp ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return strings.TrimSpace(genResp.Response), nil
}
