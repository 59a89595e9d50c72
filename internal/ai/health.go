package ai

import (
	"context"
	"sync"
	"time"

	"buildforge/internal/cache"
)

const (
	healthyValue   = "healthy"
	unhealthyValue = "unhealthy"
)

// healthState tracks per-provider health. It always keeps a local view and,
// when a shared store is configured, mirrors observations there so sibling
// processes skip providers this one has already seen fail. Entries expire
// after ttl, so a provider marked unhealthy gets retried once the mark ages
// out.
type healthState struct {
	store cache.Store
	ttl   time.Duration

	mu    sync.RWMutex
	local map[Provider]localHealth
}

type localHealth struct {
	healthy   bool
	expiresAt time.Time
}

func newHealthState(store cache.Store, ttl time.Duration) *healthState {
	return &healthState{
		store: store,
		ttl:   ttl,
		local: make(map[Provider]localHealth),
	}
}

// healthy reports whether provider should be attempted. Unknown providers are
// treated as healthy so a fresh process does not refuse every call before the
// first health sweep completes.
func (h *healthState) healthy(ctx context.Context, provider Provider) bool {
	h.mu.RLock()
	entry, ok := h.local[provider]
	h.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.healthy
	}

	if h.store != nil {
		val, err := h.store.Get(ctx, h.key(provider))
		if err == nil {
			return val == healthyValue
		}
	}
	return true
}

func (h *healthState) markHealthy(ctx context.Context, provider Provider) {
	h.set(ctx, provider, true)
}

func (h *healthState) markUnhealthy(ctx context.Context, provider Provider) {
	h.set(ctx, provider, false)
}

func (h *healthState) set(ctx context.Context, provider Provider, healthy bool) {
	h.mu.Lock()
	h.local[provider] = localHealth{healthy: healthy, expiresAt: time.Now().Add(h.ttl)}
	h.mu.Unlock()

	if h.store != nil {
		val := unhealthyValue
		if healthy {
			val = healthyValue
		}
		_ = h.store.Set(ctx, h.key(provider), val, h.ttl)
	}
}

func (h *healthState) key(provider Provider) string {
	return "ai:health:" + string(provider)
}
