// Package llm provides text-completion adapters used by the search
// orchestrator. Output is returned raw; callers parse it.
package llm

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/place2polygon/internal/domain"
)

// DefaultTimeout bounds one completion request.
const DefaultTimeout = 60 * time.Second

// Options configures an adapter. JSONMode is fixed at construction: when
// false the backend is never asked for structured output.
type Options struct {
	BaseURL  string
	Model    string
	APIKey   string
	JSONMode bool
	Timeout  time.Duration
}

// New builds the adapter named by provider ("ollama" or "openai"). "none"
// or "" returns nil, nil.
func New(provider string, opts Options) (domain.LLM, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "none":
		return nil, nil
	case "ollama":
		return NewOllama(opts), nil
	case "openai":
		c, err := NewOpenAI(opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown LLM provider %q", domain.ErrMisconfigured, provider)
	}
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// statusError reads a short excerpt of a failed response body.
func statusError(name string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("%s error %s: %s", name, resp.Status, strings.TrimSpace(string(payload)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return err
}
