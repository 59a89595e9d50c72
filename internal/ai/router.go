package ai

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"buildforge/internal/cache"
	"buildforge/internal/logging"
	"buildforge/internal/metrics"
)

// DefaultCallTimeout bounds a single provider call when the caller's context
// carries no deadline of its own.
const DefaultCallTimeout = 90 * time.Second

const healthCheckInterval = 30 * time.Second

// Router selects a provider for each request and walks a fallback chain on
// transient failures. A router is bound to exactly one key source: a platform
// router holds only platform-funded clients and a BYOK router holds only
// user-funded clients. The two are never mixed, which is what guarantees BYOK
// isolation for every call rather than just the first.
type Router struct {
	clients   map[Provider]Client
	chains    map[Capability][]Provider
	keySource KeySource
	timeout   time.Duration
	limiters  map[Provider]*rate.Limiter
	health    *healthState
	log       *zap.Logger
}

// Options tunes router construction. Zero values use defaults.
type Options struct {
	Chains      map[Capability][]Provider
	CallTimeout time.Duration
	RateLimits  map[Provider]rate.Limit // requests per second
	HealthStore cache.Store             // shared health state; nil keeps it local
	HealthTTL   time.Duration
}

// DefaultChains returns the priority-ordered provider list per capability.
func DefaultChains() map[Capability][]Provider {
	return map[Capability][]Provider{
		CapabilityPlanning:       {ProviderClaude, ProviderGPT4, ProviderGemini},
		CapabilityArchitecture:   {ProviderClaude, ProviderGPT4, ProviderGemini},
		CapabilityCodeGeneration: {ProviderClaude, ProviderGPT4, ProviderGrok, ProviderGemini, ProviderOllama},
		CapabilityCodeReview:     {ProviderClaude, ProviderGPT4, ProviderGemini},
		CapabilityTesting:        {ProviderGPT4, ProviderClaude, ProviderGrok, ProviderGemini},
		CapabilityDebugging:      {ProviderClaude, ProviderGrok, ProviderGPT4},
		CapabilityDocumentation:  {ProviderGemini, ProviderClaude, ProviderGPT4},
		CapabilityExplanation:    {ProviderGemini, ProviderGrok, ProviderClaude},
		CapabilityRefactoring:    {ProviderClaude, ProviderGPT4},
	}
}

func defaultRateLimits() map[Provider]rate.Limit {
	return map[Provider]rate.Limit{
		ProviderClaude: rate.Limit(100.0 / 60.0),
		ProviderGPT4:   rate.Limit(80.0 / 60.0),
		ProviderGemini: rate.Limit(120.0 / 60.0),
		ProviderGrok:   rate.Limit(100.0 / 60.0),
		ProviderOllama: rate.Inf,
	}
}

// NewRouter creates a router over the given clients. keySource must reflect
// who funds every client in the map.
func NewRouter(clients map[Provider]Client, keySource KeySource, opts Options) *Router {
	if opts.Chains == nil {
		opts.Chains = DefaultChains()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.RateLimits == nil {
		opts.RateLimits = defaultRateLimits()
	}
	if opts.HealthTTL <= 0 {
		opts.HealthTTL = 2 * healthCheckInterval
	}

	limiters := make(map[Provider]*rate.Limiter, len(clients))
	for provider := range clients {
		limit, ok := opts.RateLimits[provider]
		if !ok {
			limit = rate.Inf
		}
		burst := 10
		if limit == rate.Inf {
			burst = 1 << 20
		}
		limiters[provider] = rate.NewLimiter(limit, burst)
	}

	return &Router{
		clients:   clients,
		chains:    opts.Chains,
		keySource: keySource,
		timeout:   opts.CallTimeout,
		limiters:  limiters,
		health:    newHealthState(opts.HealthStore, opts.HealthTTL),
		log:       logging.L().Named("ai.router"),
	}
}

// KeySource reports which credentials fund this router's calls.
func (r *Router) KeySource() KeySource { return r.keySource }

// Providers lists the providers this router can reach.
func (r *Router) Providers() []Provider {
	out := make([]Provider, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	return out
}

// Generate routes the request along the capability's fallback chain.
//
// Each candidate is tried at most once. Transient failures advance to the
// next candidate; a non-retriable failure short-circuits and is returned
// immediately with its classification intact.
func (r *Router) Generate(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Temperature == 0 {
		req.Temperature = 0.7
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	candidates := r.candidates(req)
	if len(candidates) == 0 {
		return nil, &Error{Class: ClassNonRetriable, Code: CodeNoProvider,
			Message: "no provider is configured for capability " + string(req.Capability)}
	}

	var lastErr *Error
	for _, provider := range candidates {
		client := r.clients[provider]

		if !r.health.healthy(ctx, provider) {
			r.log.Debug("skipping unhealthy provider", zap.String("provider", string(provider)))
			continue
		}
		if limiter := r.limiters[provider]; limiter != nil && !limiter.Allow() {
			lastErr = &Error{Provider: provider, Class: ClassTransient, Code: CodeRateLimit,
				Message: "local rate limit reached"}
			continue
		}

		start := time.Now()
		resp, err := client.Generate(ctx, req)
		metrics.AICallDuration.WithLabelValues(string(provider)).Observe(time.Since(start).Seconds())

		if err == nil {
			resp.KeySource = r.keySource
			metrics.AICalls.WithLabelValues(string(provider), "success").Inc()
			return resp, nil
		}

		aiErr := classify(provider, err)
		metrics.AICalls.WithLabelValues(string(provider), string(aiErr.Class)).Inc()

		// A failed call can still report token usage. Such a partial
		// response travels with the error so the caller bills the attempt.
		if resp != nil {
			resp.KeySource = r.keySource
		}

		if !aiErr.Retriable() {
			return resp, aiErr
		}
		if resp != nil && resp.Usage.TotalTokens > 0 {
			// Advancing the chain would orphan the consumed tokens; the
			// attempt ends here and the caller decides whether to retry.
			return resp, aiErr
		}

		r.log.Warn("provider failed, advancing fallback chain",
			zap.String("provider", string(provider)),
			zap.String("code", aiErr.Code),
			zap.Error(err))
		r.health.markUnhealthy(ctx, provider)
		lastErr = aiErr
	}

	if lastErr == nil {
		lastErr = &Error{Class: ClassTransient, Code: CodeNoProvider,
			Message: "no healthy provider available"}
	}
	return nil, &Error{
		Provider: lastErr.Provider,
		Class:    lastErr.Class,
		Code:     CodeAllProvidersFailed,
		Message:  "all providers in the fallback chain failed: " + lastErr.Message,
		Err:      lastErr,
	}
}

// candidates builds the ordered, deduplicated chain for a request. An
// explicit provider override is tried first, then the capability chain, then
// any remaining configured providers so a lone BYOK key still serves
// capabilities its provider is not listed for.
func (r *Router) candidates(req *Request) []Provider {
	seen := make(map[Provider]bool, len(r.clients))
	out := make([]Provider, 0, len(r.clients))

	add := func(p Provider) {
		if seen[p] {
			return
		}
		seen[p] = true
		if _, available := r.clients[p]; available {
			out = append(out, p)
		}
	}

	if req.Provider != "" {
		add(req.Provider)
	}
	for _, p := range r.chains[req.Capability] {
		add(p)
	}
	for p := range r.clients {
		add(p)
	}
	return out
}

// StartHealthMonitor refreshes provider health until ctx is cancelled.
func (r *Router) StartHealthMonitor(ctx context.Context) {
	go func() {
		r.refreshHealth(ctx)

		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.refreshHealth(ctx)
			}
		}
	}()
}

func (r *Router) refreshHealth(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for provider, client := range r.clients {
		if err := client.Health(checkCtx); err != nil {
			r.log.Warn("health check failed",
				zap.String("provider", string(provider)), zap.Error(err))
			r.health.markUnhealthy(ctx, provider)
		} else {
			r.health.markHealthy(ctx, provider)
		}
	}
}

// HealthStatus reports the last observed health per configured provider.
func (r *Router) HealthStatus(ctx context.Context) map[Provider]bool {
	out := make(map[Provider]bool, len(r.clients))
	for provider := range r.clients {
		out[provider] = r.health.healthy(ctx, provider)
	}
	return out
}
