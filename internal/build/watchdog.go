package build

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"buildforge/internal/hub"
)

type atomic64 struct{ v atomic.Int64 }

func (a *atomic64) store(t time.Time) { a.v.Store(t.UnixNano()) }
func (a *atomic64) load() time.Time   { return time.Unix(0, a.v.Load()) }

// touch records build activity, resetting the watchdog.
func (ab *activeBuild) touch() { ab.lastActivity.store(time.Now()) }

// watchdog is the build's only timer. Phase completion itself is event
// driven; this loop just catches builds that stop making progress entirely.
// A build gets cfg.WatchdogStrikes silent intervals before it is stalled,
// and any activity in between resets the count. Paused builds are exempt.
func (e *Engine) watchdog(ctx context.Context, ab *activeBuild, done <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()

	strikes := 0
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ab.mu.Lock()
			paused := ab.paused
			ab.mu.Unlock()
			if paused {
				strikes = 0
				continue
			}

			if now.Sub(ab.lastActivity.load()) < e.cfg.WatchdogInterval {
				strikes = 0
				continue
			}

			strikes++
			e.log.Warn("build inactive",
				zap.String("build_id", ab.id),
				zap.Int("strikes", strikes),
				zap.Int("max_strikes", e.cfg.WatchdogStrikes))
			e.hub.Publish(hub.Event{
				Type:    hub.EventBuildWarning,
				BuildID: ab.id,
				Message: fmt.Sprintf("no build activity for %s (strike %d of %d)",
					e.cfg.WatchdogInterval, strikes, e.cfg.WatchdogStrikes),
			})
			if strikes >= e.cfg.WatchdogStrikes {
				ab.mu.Lock()
				ab.stalled = true
				ab.mu.Unlock()
				ab.cancel()
				return
			}
		}
	}
}
