package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient calls a local or self-hosted Ollama server.
// The "key" for Ollama is its base URL.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// NewOllamaClient creates a client for an Ollama server at baseURL.
func NewOllamaClient(baseURL string) *OllamaClient {
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 300 * time.Second, // local models can be slow
		},
	}
}

// Generate implements the Client interface for Ollama.
func (c *OllamaClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	model := req.Model
	if model == "" {
		model = "qwen2.5-coder"
	}

	ollamaReq := &ollamaRequest{
		Model:  model,
		Prompt: buildUserPrompt(req),
		System: buildSystemPrompt(req.Capability, req.Language),
		Stream: false,
	}
	if req.Temperature > 0 {
		ollamaReq.Options = map[string]any{"temperature": req.Temperature}
	}

	resp, err := c.makeRequest(ctx, ollamaReq)
	if err != nil {
		return nil, err
	}

	return &Response{
		ID:       req.ID,
		Provider: ProviderOllama,
		Model:    model,
		Content:  resp.Response,
		Usage: Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
		Duration:  time.Since(startTime),
		CreatedAt: time.Now(),
	}, nil
}

func (c *OllamaClient) makeRequest(ctx context.Context, req *ollamaRequest) (*ollamaResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{provider: ProviderOllama, statusCode: resp.StatusCode, message: string(body)}
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if ollamaResp.Error != "" {
		return nil, &apiError{provider: ProviderOllama, statusCode: resp.StatusCode, message: ollamaResp.Error}
	}

	return &ollamaResp, nil
}

// Capabilities returns capabilities the local model is routed for.
func (c *OllamaClient) Capabilities() []Capability {
	return []Capability{
		CapabilityCodeGeneration,
		CapabilityExplanation,
		CapabilityTesting,
	}
}

// Provider returns the provider identifier.
func (c *OllamaClient) Provider() Provider { return ProviderOllama }

// Health checks if the Ollama server is reachable.
func (c *OllamaClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apiError{provider: ProviderOllama, statusCode: resp.StatusCode, message: "tags endpoint failed"}
	}
	return nil
}
