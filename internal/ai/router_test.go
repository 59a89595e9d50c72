package ai

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// fakeClient scripts one provider's behavior and counts calls.
type fakeClient struct {
	provider Provider
	err      error
	partial  *Response // returned alongside err when the failed call still consumed tokens
	calls    atomic.Int32
}

func (f *fakeClient) Generate(_ context.Context, req *Request) (*Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return f.partial, f.err
	}
	return &Response{
		ID:        req.ID,
		Provider:  f.provider,
		Model:     "fake-model",
		Content:   "ok from " + string(f.provider),
		Usage:     Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeClient) Capabilities() []Capability   { return []Capability{CapabilityCodeGeneration} }
func (f *fakeClient) Provider() Provider           { return f.provider }
func (f *fakeClient) Health(context.Context) error { return nil }

func newTestRouter(source KeySource, clients ...*fakeClient) *Router {
	m := make(map[Provider]Client, len(clients))
	for _, c := range clients {
		m[c.provider] = c
	}
	return NewRouter(m, source, Options{
		Chains: map[Capability][]Provider{
			CapabilityCodeGeneration: {ProviderClaude, ProviderGPT4, ProviderGemini},
		},
		RateLimits: map[Provider]rate.Limit{}, // unlimited in tests
	})
}

func codegenRequest() *Request {
	return &Request{Capability: CapabilityCodeGeneration, Prompt: "write a function"}
}

func TestGenerate_FirstHealthyProviderWins(t *testing.T) {
	claude := &fakeClient{provider: ProviderClaude}
	gpt := &fakeClient{provider: ProviderGPT4}
	r := newTestRouter(KeySourcePlatform, claude, gpt)

	resp, err := r.Generate(context.Background(), codegenRequest())
	require.NoError(t, err)
	assert.Equal(t, ProviderClaude, resp.Provider)
	assert.Equal(t, int32(1), claude.calls.Load())
	assert.Equal(t, int32(0), gpt.calls.Load())
}

func TestGenerate_TransientFailureAdvancesChain(t *testing.T) {
	claude := &fakeClient{provider: ProviderClaude,
		err: &apiError{provider: ProviderClaude, statusCode: 503, message: "overloaded"}}
	gpt := &fakeClient{provider: ProviderGPT4}
	r := newTestRouter(KeySourcePlatform, claude, gpt)

	resp, err := r.Generate(context.Background(), codegenRequest())
	require.NoError(t, err)
	assert.Equal(t, ProviderGPT4, resp.Provider)
	assert.Equal(t, int32(1), claude.calls.Load())
	assert.Equal(t, int32(1), gpt.calls.Load())
}

func TestGenerate_NonRetriableShortCircuits(t *testing.T) {
	claude := &fakeClient{provider: ProviderClaude,
		err: &apiError{provider: ProviderClaude, statusCode: 401, message: "invalid api key"}}
	gpt := &fakeClient{provider: ProviderGPT4}
	r := newTestRouter(KeySourcePlatform, claude, gpt)

	_, err := r.Generate(context.Background(), codegenRequest())
	require.Error(t, err)

	var aiErr *Error
	require.ErrorAs(t, err, &aiErr)
	assert.Equal(t, ClassNonRetriable, aiErr.Class)
	assert.Equal(t, CodeUnauthorized, aiErr.Code)
	assert.Equal(t, int32(0), gpt.calls.Load(), "chain must stop at a non-retriable failure")
}

func TestGenerate_InsufficientCreditsIsNonRetriable(t *testing.T) {
	claude := &fakeClient{provider: ProviderClaude,
		err: &apiError{provider: ProviderClaude, statusCode: 402, message: "insufficient credits"}}
	gpt := &fakeClient{provider: ProviderGPT4}
	r := newTestRouter(KeySourcePlatform, claude, gpt)

	_, err := r.Generate(context.Background(), codegenRequest())
	var aiErr *Error
	require.ErrorAs(t, err, &aiErr)
	assert.Equal(t, CodeInsufficientCredits, aiErr.Code)
	assert.False(t, aiErr.Retriable())
	assert.Equal(t, int32(0), gpt.calls.Load())
}

func TestGenerate_PartialResponseTravelsWithError(t *testing.T) {
	partial := &Response{Provider: ProviderClaude,
		Usage: Usage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60}}
	claude := &fakeClient{provider: ProviderClaude, partial: partial,
		err: &apiError{provider: ProviderClaude, statusCode: 402, message: "insufficient credits"}}
	r := newTestRouter(KeySourceBYOK, claude)

	resp, err := r.Generate(context.Background(), codegenRequest())
	require.Error(t, err)
	require.NotNil(t, resp, "usage from a failed call must reach the caller")
	assert.Equal(t, 60, resp.Usage.TotalTokens)
	assert.Equal(t, KeySourceBYOK, resp.KeySource)

	var aiErr *Error
	require.ErrorAs(t, err, &aiErr)
	assert.Equal(t, CodeInsufficientCredits, aiErr.Code)
}

func TestGenerate_TransientWithUsageStopsChain(t *testing.T) {
	partial := &Response{Provider: ProviderClaude, Usage: Usage{TotalTokens: 120}}
	claude := &fakeClient{provider: ProviderClaude, partial: partial,
		err: &apiError{provider: ProviderClaude, statusCode: 503, message: "stream cut short"}}
	gpt := &fakeClient{provider: ProviderGPT4}
	r := newTestRouter(KeySourcePlatform, claude, gpt)

	resp, err := r.Generate(context.Background(), codegenRequest())
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 120, resp.Usage.TotalTokens)
	assert.Equal(t, int32(0), gpt.calls.Load(),
		"advancing the chain would orphan the consumed tokens")
}

func TestGenerate_EachCandidateTriedAtMostOnce(t *testing.T) {
	transient := errors.New("connection reset")
	claude := &fakeClient{provider: ProviderClaude, err: transient}
	gpt := &fakeClient{provider: ProviderGPT4, err: transient}
	gemini := &fakeClient{provider: ProviderGemini, err: transient}
	r := newTestRouter(KeySourcePlatform, claude, gpt, gemini)

	_, err := r.Generate(context.Background(), codegenRequest())
	require.Error(t, err)

	var aiErr *Error
	require.ErrorAs(t, err, &aiErr)
	assert.Equal(t, CodeAllProvidersFailed, aiErr.Code)
	assert.Equal(t, ClassTransient, aiErr.Class)

	assert.Equal(t, int32(1), claude.calls.Load())
	assert.Equal(t, int32(1), gpt.calls.Load())
	assert.Equal(t, int32(1), gemini.calls.Load())
}

func TestGenerate_ExplicitProviderTriedFirst(t *testing.T) {
	claude := &fakeClient{provider: ProviderClaude}
	gemini := &fakeClient{provider: ProviderGemini}
	r := newTestRouter(KeySourcePlatform, claude, gemini)

	req := codegenRequest()
	req.Provider = ProviderGemini
	resp, err := r.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ProviderGemini, resp.Provider)
	assert.Equal(t, int32(0), claude.calls.Load())
}

func TestGenerate_StampsKeySource(t *testing.T) {
	claude := &fakeClient{provider: ProviderClaude}
	r := newTestRouter(KeySourceBYOK, claude)

	resp, err := r.Generate(context.Background(), codegenRequest())
	require.NoError(t, err)
	assert.Equal(t, KeySourceBYOK, resp.KeySource)
}

func TestGenerate_NoClientsConfigured(t *testing.T) {
	r := newTestRouter(KeySourcePlatform)

	_, err := r.Generate(context.Background(), codegenRequest())
	var aiErr *Error
	require.ErrorAs(t, err, &aiErr)
	assert.Equal(t, CodeNoProvider, aiErr.Code)
}

func TestGenerate_SkipsProviderMarkedUnhealthy(t *testing.T) {
	claude := &fakeClient{provider: ProviderClaude}
	gpt := &fakeClient{provider: ProviderGPT4}
	r := newTestRouter(KeySourcePlatform, claude, gpt)

	ctx := context.Background()
	r.health.markUnhealthy(ctx, ProviderClaude)

	resp, err := r.Generate(ctx, codegenRequest())
	require.NoError(t, err)
	assert.Equal(t, ProviderGPT4, resp.Provider)
	assert.Equal(t, int32(0), claude.calls.Load())
}
