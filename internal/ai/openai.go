package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIClient calls the OpenAI Chat Completions API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Chat Completions wire format, shared with the Grok client (xAI exposes an
// OpenAI-compatible endpoint).
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// NewOpenAIClient creates an OpenAI API client.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1/chat/completions",
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Generate implements the Client interface for OpenAI.
func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	model := req.Model
	if model == "" {
		model = "gpt-5"
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

	resp, err := doChatRequest(ctx, c.httpClient, ProviderGPT4, c.baseURL, c.apiKey, chatReq)
	if err != nil {
		return nil, err
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &Response{
		ID:       req.ID,
		Provider: ProviderGPT4,
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

// Capabilities returns capabilities GPT models excel at.
func (c *OpenAIClient) Capabilities() []Capability {
	return []Capability{
		CapabilityCodeGeneration,
		CapabilityCodeReview,
		CapabilityTesting,
		CapabilityExplanation,
		CapabilityDocumentation,
		CapabilityPlanning,
	}
}

// Provider returns the provider identifier.
func (c *OpenAIClient) Provider() Provider { return ProviderGPT4 }

// Health checks if the OpenAI API is accessible with the configured key.
func (c *OpenAIClient) Health(ctx context.Context) error {
	testReq := &chatRequest{
		Model:     "gpt-4o-mini",
		Messages:  []chatMessage{{Role: "user", Content: "Hello"}},
		MaxTokens: 5,
	}
	_, err := doChatRequest(ctx, c.httpClient, ProviderGPT4, c.baseURL, c.apiKey, testReq)
	return err
}

// doChatRequest posts a Chat Completions request and decodes the response.
func doChatRequest(ctx context.Context, httpClient *http.Client, provider Provider, baseURL, apiKey string, req *chatRequest) (*chatResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{provider: provider, statusCode: resp.StatusCode, message: string(body)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if chatResp.Error != nil {
		return nil, &apiError{provider: provider, statusCode: resp.StatusCode, message: chatResp.Error.Message}
	}

	return &chatResp, nil
}
