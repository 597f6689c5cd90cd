package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"

	"github.com/TobiSchelling/KBCurator/internal/config"
)

var (
	// ErrRateLimited means the service refused the call for quota reasons.
	ErrRateLimited = errors.New("ai service rate limited")
	// ErrModelUnavailable means the model id is deprecated or unknown.
	ErrModelUnavailable = errors.New("ai model unavailable")
	// ErrNotConfigured means no provider could be built.
	ErrNotConfigured = errors.New("ai provider not configured")
)

// Request is one generation call.
type Request struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Response is the text and token usage of a generation call.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider is the interface for AI providers.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// OpenAIProvider talks to any OpenAI-compatible endpoint, including Gemini's.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a provider for baseURL using the key in apiKeyEnv.
func NewOpenAIProvider(baseURL, apiKeyEnv string, timeout time.Duration) (*OpenAIProvider, error) {
	key := os.Getenv(apiKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrNotConfigured, apiKeyEnv)
	}
	cfg := openai.DefaultConfig(key)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}, nil
}

func (o *OpenAIProvider) Name() string { return "openai" }

// Generate sends a prompt as a single user message.
func (o *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxCompletionTokens: req.MaxTokens,
		Temperature:         req.Temperature,
	})
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response from %s", req.Model)
	}
	return &Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        req.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, reqErr.Error(), err)
	}
	return err
}

// classifyStatus maps an HTTP status and message onto the provider sentinels.
func classifyStatus(code int, message string, err error) error {
	lower := strings.ToLower(message)
	switch {
	case code == http.StatusTooManyRequests || strings.Contains(lower, "resource_exhausted"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case code == http.StatusNotFound || strings.Contains(lower, "deprecated") ||
		(strings.Contains(lower, "model") && strings.Contains(lower, "not found")):
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return err
}

// OllamaProvider is a local Ollama provider.
type OllamaProvider struct {
	client *api.Client
}

// NewOllamaProvider creates a provider from OLLAMA_HOST, falling back to baseURL.
func NewOllamaProvider(baseURL string) (*OllamaProvider, error) {
	if os.Getenv("OLLAMA_HOST") != "" {
		client, err := api.ClientFromEnvironment()
		if err == nil {
			return &OllamaProvider{client: client}, nil
		}
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url: %w", err)
	}
	return &OllamaProvider{client: api.NewClient(parsed, http.DefaultClient)}, nil
}

func (o *OllamaProvider) Name() string { return "ollama" }

// IsConfigured checks that the Ollama server answers.
func (o *OllamaProvider) IsConfigured(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return o.client.Heartbeat(ctx) == nil
}

// Generate runs a non-streaming generation.
func (o *OllamaProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	out := &Response{Model: req.Model}
	var text strings.Builder
	err := o.client.Generate(ctx, &api.GenerateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Stream: new(bool),
		Options: map[string]any{
			"num_predict": req.MaxTokens,
			"temperature": req.Temperature,
		},
	}, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		if resp.Done {
			out.InputTokens = resp.PromptEvalCount
			out.OutputTokens = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return nil, classifyStatus(statusErr.StatusCode, statusErr.ErrorMessage, err)
		}
		return nil, fmt.Errorf("ollama generate: %w", err)
	}
	out.Text = text.String()
	return out, nil
}

// CreateProvider creates a provider based on configuration. An unreachable
// Ollama falls back to the OpenAI-compatible endpoint.
func CreateProvider(ctx context.Context, cfg config.Models, log *slog.Logger) (Provider, error) {
	if strings.ToLower(cfg.Provider) == "ollama" {
		p, err := NewOllamaProvider(cfg.OllamaURL)
		if err == nil && p.IsConfigured(ctx) {
			log.Info("using ollama", "url", cfg.OllamaURL)
			return p, nil
		}
		log.Warn("ollama not available, trying OpenAI-compatible fallback")
	}

	p, err := NewOpenAIProvider(cfg.BaseURL, cfg.APIKeyEnv, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	log.Info("using OpenAI-compatible endpoint", "base_url", cfg.BaseURL)
	return p, nil
}
