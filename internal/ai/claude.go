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

// ClaudeClient calls the Anthropic Messages API.
type ClaudeClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
	System      string          `json:"system,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewClaudeClient creates a Claude API client.
func NewClaudeClient(apiKey string) *ClaudeClient {
	return &ClaudeClient{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1/messages",
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Generate implements the Client interface for Claude.
func (c *ClaudeClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	model := req.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}

	claudeReq := &claudeRequest{
		Model:     model,
		MaxTokens: maxTokensFor(req),
		Messages: []claudeMessage{
			{Role: "user", Content: buildUserPrompt(req)},
		},
		Temperature: req.Temperature,
		System:      buildSystemPrompt(req.Capability, req.Language),
	}

	resp, err := c.makeRequest(ctx, claudeReq)
	if err != nil {
		return nil, err
	}

	content := ""
	if len(resp.Content) > 0 && resp.Content[0].Type == "text" {
		content = resp.Content[0].Text
	}

	return &Response{
		ID:       req.ID,
		Provider: ProviderClaude,
		Model:    model,
		Content:  content,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Duration:  time.Since(startTime),
		CreatedAt: time.Now(),
	}, nil
}

func (c *ClaudeClient) makeRequest(ctx context.Context, req *claudeRequest) (*claudeResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("claude request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{provider: ProviderClaude, statusCode: resp.StatusCode, message: string(body)}
	}

	var claudeResp claudeResponse
	if err := json.Unmarshal(body, &claudeResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if claudeResp.Error != nil {
		return nil, &apiError{provider: ProviderClaude, statusCode: resp.StatusCode, message: claudeResp.Error.Message}
	}

	return &claudeResp, nil
}

// Capabilities returns capabilities Claude excels at.
func (c *ClaudeClient) Capabilities() []Capability {
	return []Capability{
		CapabilityCodeReview,
		CapabilityDebugging,
		CapabilityDocumentation,
		CapabilityRefactoring,
		CapabilityCodeGeneration,
		CapabilityArchitecture,
		CapabilityPlanning,
		CapabilityExplanation,
	}
}

// Provider returns the provider identifier.
func (c *ClaudeClient) Provider() Provider { return ProviderClaude }

// Health checks if the Claude API is accessible with the configured key.
func (c *ClaudeClient) Health(ctx context.Context) error {
	testReq := &claudeRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 5,
		Messages:  []claudeMessage{{Role: "user", Content: "Hello"}},
	}
	_, err := c.makeRequest(ctx, testReq)
	return err
}
