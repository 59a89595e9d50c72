// Package hub fans build events out to subscribers with 50ms batching, so a
// chatty coding phase becomes a handful of frames per second on the wire.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"buildforge/internal/logging"
	"buildforge/internal/metrics"
)

// EventType identifies one kind of build event.
type EventType string

const (
	EventAgentSpawned    EventType = "agent:spawned"
	EventAgentWorking    EventType = "agent:working"
	EventAgentProgress   EventType = "agent:progress"
	EventAgentCompleted  EventType = "agent:completed"
	EventAgentError      EventType = "agent:error"
	EventBuildStarted    EventType = "build:started"
	EventBuildProgress   EventType = "build:progress"
	EventBuildCheckpoint EventType = "build:checkpoint"
	EventBuildCompleted  EventType = "build:completed"
	EventBuildWarning    EventType = "build:warning"
	EventBuildFailed     EventType = "build:failed"
	EventBuildCancelled  EventType = "build:cancelled"
	EventBuildPaused     EventType = "build:paused"
	EventBuildResumed    EventType = "build:resumed"
	EventFileCreated     EventType = "file:created"
	EventFileUpdated     EventType = "file:updated"
)

// isTerminal reports whether an event ends a build's stream. After the batch
// carrying it is delivered, the build's topic closes and its subscribers see
// end of stream.
func isTerminal(et EventType) bool {
	switch et {
	case EventBuildCompleted, EventBuildFailed, EventBuildCancelled:
		return true
	}
	return false
}

// Event is one build notification.
type Event struct {
	Type      EventType      `json:"type"`
	BuildID   string         `json:"build_id"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentRole string         `json:"agent_role,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const (
	batchInterval = 50 * time.Millisecond
	maxBatchSize  = 100
	maxBatchBytes = 64 * 1024

	subscriberBuffer = 16

	// topicIdleTimeout bounds how long a topic with no subscribers and no
	// traffic keeps its flusher goroutine before it is reaped.
	topicIdleTimeout = time.Minute
)

// Subscriber receives batched events for one build.
type Subscriber struct {
	ch    chan []Event
	topic *topic
	once  sync.Once
}

// C is the channel batches arrive on. It is closed when the subscriber or
// the hub shuts down.
func (s *Subscriber) C() <-chan []Event { return s.ch }

// Close unsubscribes. Safe to call more than once, including concurrently
// with hub shutdown.
func (s *Subscriber) Close() {
	s.topic.remove(s)
}

type topic struct {
	hub     *Hub
	buildID string

	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	pending     []Event
	pendingSize int
	flushCh     chan struct{}
	lastActive  time.Time
	terminal    bool
	closed      bool
}

// Hub routes events to per-build topics. Its goroutines are scoped to the
// context passed to New: cancelling it flushes and stops everything, and
// Shutdown waits for that to complete.
type Hub struct {
	ctx         context.Context
	wg          sync.WaitGroup
	log         *zap.Logger
	idleTimeout time.Duration

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool
}

// New creates a hub whose lifetime is bound to ctx.
func New(ctx context.Context) *Hub {
	return &Hub{
		ctx:         ctx,
		log:         logging.L().Named("hub"),
		idleTimeout: topicIdleTimeout,
		topics:      make(map[string]*topic),
	}
}

// Subscribe registers for a build's events. Events published before the
// subscription are not replayed.
func (h *Hub) Subscribe(buildID string) *Subscriber {
	t := h.getTopic(buildID)

	sub := &Subscriber{ch: make(chan []Event, subscriberBuffer), topic: t}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	t.subscribers[sub] = struct{}{}
	t.lastActive = time.Now()
	t.mu.Unlock()
	return sub
}

// Publish queues an event for batched delivery. A full batch flushes
// immediately; otherwise the 50ms window applies. Publishing to a build with
// no subscribers is a no-op beyond metrics. A terminal event (completed,
// failed, cancelled) closes the build's topic once its batch is delivered.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	metrics.HubEvents.Inc()

	for {
		if h.getTopic(event.BuildID).enqueue(event) {
			return
		}
		// The topic was reaped between lookup and enqueue; a fresh one
		// serves the event unless the hub itself is done.
		h.mu.RLock()
		closed := h.closed
		h.mu.RUnlock()
		if closed || h.ctx.Err() != nil {
			return
		}
	}
}

// enqueue adds the event to the pending batch. It reports false when the
// topic is already closed.
func (t *topic) enqueue(event Event) bool {
	size := approxSize(event)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.pending = append(t.pending, event)
	t.pendingSize += size
	t.lastActive = time.Now()
	if isTerminal(event.Type) {
		t.terminal = true
	}
	flushNow := len(t.pending) >= maxBatchSize || t.pendingSize >= maxBatchBytes || t.terminal
	t.mu.Unlock()

	if flushNow {
		select {
		case t.flushCh <- struct{}{}:
		default:
		}
	}
	return true
}

// Shutdown flushes all pending batches, closes every subscriber channel, and
// waits for the flusher goroutines to exit. The hub context must already be
// cancelled or cancel soon after, or Shutdown blocks.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) getTopic(buildID string) *topic {
	h.mu.RLock()
	t, ok := h.topics[buildID]
	h.mu.RUnlock()
	if ok {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok = h.topics[buildID]; ok {
		return t
	}
	t = &topic{
		hub:         h,
		buildID:     buildID,
		subscribers: make(map[*Subscriber]struct{}),
		flushCh:     make(chan struct{}, 1),
		lastActive:  time.Now(),
	}
	if h.closed {
		// Born closed: no flusher will ever run for this topic.
		t.closed = true
		return t
	}
	h.topics[buildID] = t
	h.wg.Add(1)
	go t.flushLoop(h.ctx)
	return t
}

func (h *Hub) removeTopic(buildID string) {
	h.mu.Lock()
	delete(h.topics, buildID)
	h.mu.Unlock()
}

func (t *topic) flushLoop(ctx context.Context) {
	defer t.hub.wg.Done()
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.flush()
			t.close()
			return
		case now := <-ticker.C:
			t.flush()
			if t.reapable(now) {
				t.close()
				return
			}
		case <-t.flushCh:
			t.flush()
			if t.reapable(time.Now()) {
				t.close()
				return
			}
		}
	}
}

// reapable reports whether the topic has nothing left to deliver: the build
// reached a terminal event, or nobody has listened or published for the idle
// window.
func (t *topic) reapable(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) > 0 {
		return false
	}
	if t.terminal {
		return true
	}
	return len(t.subscribers) == 0 && now.Sub(t.lastActive) >= t.hub.idleTimeout
}

func (t *topic) flush() {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	batch := t.pending
	t.pending = nil
	t.pendingSize = 0
	subs := make([]*Subscriber, 0, len(t.subscribers))
	for sub := range t.subscribers {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	metrics.HubBatches.Inc()

	for _, sub := range subs {
		select {
		case sub.ch <- batch:
		default:
			t.hub.log.Warn("subscriber too slow, dropping batch",
				zap.String("build_id", t.buildID),
				zap.Int("events", len(batch)))
		}
	}
}

func (t *topic) close() {
	t.mu.Lock()
	t.closed = true
	subs := make([]*Subscriber, 0, len(t.subscribers))
	for sub := range t.subscribers {
		subs = append(subs, sub)
	}
	t.subscribers = make(map[*Subscriber]struct{})
	t.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	t.hub.removeTopic(t.buildID)
}

func (t *topic) remove(sub *Subscriber) {
	t.mu.Lock()
	_, present := t.subscribers[sub]
	delete(t.subscribers, sub)
	t.mu.Unlock()

	if present {
		sub.once.Do(func() { close(sub.ch) })
	}
}

func approxSize(event Event) int {
	data, err := json.Marshal(event)
	if err != nil {
		return 256
	}
	return len(data)
}
