package ai

import (
	"context"
	"net/http"
	"time"
)

// GrokClient calls the xAI API through its OpenAI-compatible endpoint.
type GrokClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGrokClient creates a Grok (xAI) API client.
func NewGrokClient(apiKey string) *GrokClient {
	return &GrokClient{
		apiKey:  apiKey,
		baseURL: "https://api.x.ai/v1/chat/completions",
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Generate implements the Client interface for Grok.
func (c *GrokClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	model := req.Model
	if model == "" {
		model = "grok-4-fast"
	}

	chatReq := &chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: buildSystemPrompt(req.Capability, req.Language)},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		MaxTokens:   maxTokensFor(req),
		Temperature: req.Temperature,
	}

	resp, err := doChatRequest(ctx, c.httpClient, ProviderGrok, c.baseURL, c.apiKey, chatReq)
	if err != nil {
		return nil, err
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &Response{
		ID:       req.ID,
		Provider: ProviderGrok,
		Model:    model,
		Content:  content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Duration:  time.Since(startTime),
		CreatedAt: time.Now(),
	}, nil
}

// Capabilities returns capabilities Grok is routed for.
func (c *GrokClient) Capabilities() []Capability {
	return []Capability{
		CapabilityCodeGeneration,
		CapabilityExplanation,
		CapabilityDebugging,
		CapabilityTesting,
	}
}

// Provider returns the provider identifier.
func (c *GrokClient) Provider() Provider { return ProviderGrok }

// Health checks if the xAI API is accessible with the configured key.
func (c *GrokClient) Health(ctx context.Context) error {
	testReq := &chatRequest{
		Model:     "grok-4-fast",
		Messages:  []chatMessage{{Role: "user", Content: "Hello"}},
		MaxTokens: 5,
	}
	_, err := doChatRequest(ctx, c.httpClient, ProviderGrok, c.baseURL, c.apiKey, testReq)
	return err
}
