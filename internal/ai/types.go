// Package ai routes generation requests across multiple AI providers.
package ai

import (
	"context"
	"time"
)

// Provider identifies an AI provider backend.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderGPT4   Provider = "gpt4"
	ProviderGemini Provider = "gemini"
	ProviderGrok   Provider = "grok"
	ProviderOllama Provider = "ollama"
)

// Capability represents different AI use cases.
type Capability string

const (
	CapabilityCodeGeneration Capability = "code_generation"
	CapabilityCodeReview     Capability = "code_review"
	CapabilityDebugging      Capability = "debugging"
	CapabilityExplanation    Capability = "explanation"
	CapabilityRefactoring    Capability = "refactoring"
	CapabilityTesting        Capability = "testing"
	CapabilityDocumentation  Capability = "documentation"
	CapabilityArchitecture   Capability = "architecture"
	CapabilityPlanning       Capability = "planning"
)

// KeySource records whose credential funded a call.
type KeySource string

const (
	KeySourcePlatform KeySource = "platform"
	KeySourceBYOK     KeySource = "byok"
)

// Request is one generation request, scoped to a single task attempt.
type Request struct {
	ID          string            `json:"id"`
	Provider    Provider          `json:"provider,omitempty"` // explicit override; empty = router picks
	Model       string            `json:"model,omitempty"`
	Capability  Capability        `json:"capability"`
	Prompt      string            `json:"prompt"`
	Code        string            `json:"code,omitempty"`
	Language    string            `json:"language,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	UserID      string            `json:"user_id"`
	BuildID     string            `json:"build_id,omitempty"`
}

// Response is the outcome of one provider call.
type Response struct {
	ID        string        `json:"id"`
	Provider  Provider      `json:"provider"`
	Model     string        `json:"model"`
	Content   string        `json:"content"`
	Usage     Usage         `json:"usage"`
	KeySource KeySource     `json:"key_source"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Usage holds the token counts reported by the provider.
// Cost is never computed here; the pricing engine owns that.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client is implemented by each provider backend.
type Client interface {
	// Generate produces content for the request. The returned Response may be
	// non-nil even on error when the provider reported token usage before
	// failing; callers must record spend for such partial responses.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Capabilities returns the capabilities this provider supports.
	Capabilities() []Capability

	// Provider returns the provider identifier.
	Provider() Provider

	// Health checks if the provider is reachable with the configured key.
	Health(ctx context.Context) error
}
