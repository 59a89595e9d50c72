package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"buildforge/internal/ai"
	"buildforge/internal/hub"
	"buildforge/internal/logging"
	"buildforge/internal/metrics"
	"buildforge/internal/pricing"
	"buildforge/internal/scheduler"
	"buildforge/internal/spend"
	"buildforge/internal/store"
)

var (
	// ErrBuildNotRunning is returned by control operations on builds with no
	// live goroutine.
	ErrBuildNotRunning = errors.New("build: not running")

	// ErrBuildNotPaused is returned by Resume on a build that is not paused.
	ErrBuildNotPaused = errors.New("build: not paused")
)

const insufficientCreditsBuildMessage = "Build paused: Your account has insufficient credits. Please add credits in Settings or contact support."

// errBuildStopped marks phase termination caused by cancel or pause-timeout
// paths rather than task failure.
var errBuildStopped = errors.New("build stopped")

// Generator is the slice of the AI router a build needs.
type Generator interface {
	Generate(ctx context.Context, req *ai.Request) (*ai.Response, error)
	KeySource() ai.KeySource
}

// RouterFunc resolves the router a user's builds must bill against.
type RouterFunc func(ctx context.Context, userID string) (Generator, bool, error)

// Config bounds a build's execution.
type Config struct {
	MaxTaskRetries   int
	MaxBuildRequests int
	WatchdogInterval time.Duration
	WatchdogStrikes  int
	BuildTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTaskRetries <= 0 {
		c.MaxTaskRetries = 3
	}
	if c.MaxBuildRequests <= 0 {
		c.MaxBuildRequests = 120
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 2 * time.Minute
	}
	if c.WatchdogStrikes <= 0 {
		c.WatchdogStrikes = 3
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 30 * time.Minute
	}
	return c
}

// Deps are the collaborators an Engine needs.
type Deps struct {
	Store     *store.Store
	Spend     *spend.Tracker
	Hub       *hub.Hub
	Pool      *scheduler.Pool
	Pricing   *pricing.Engine
	RouterFor RouterFunc
	Config    Config
}

// Engine runs builds. Each build gets one goroutine that walks the phase
// machine; phase completion is event-driven through task futures, with a
// coarse watchdog as the only timer.
type Engine struct {
	ctx       context.Context
	cfg       Config
	store     *store.Store
	spend     *spend.Tracker
	hub       *hub.Hub
	pool      *scheduler.Pool
	pricing   *pricing.Engine
	routerFor RouterFunc
	material  Materializer
	log       *zap.Logger

	// sleep is the retry backoff primitive, replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	active map[string]*activeBuild
	wg     sync.WaitGroup
}

type activeBuild struct {
	id        string
	userID    string
	powerMode string
	isBYOK    bool
	cancel    context.CancelFunc

	lastActivity atomic64
	requests     atomic.Int32

	mu        sync.Mutex
	cancelled bool
	stalled   bool
	paused    bool
	resumeCh  chan struct{}
}

// NewEngine creates an engine bound to ctx; cancelling ctx stops all builds.
func NewEngine(ctx context.Context, deps Deps) *Engine {
	return &Engine{
		ctx:       ctx,
		cfg:       deps.Config.withDefaults(),
		store:     deps.Store,
		spend:     deps.Spend,
		hub:       deps.Hub,
		pool:      deps.Pool,
		pricing:   deps.Pricing,
		routerFor: deps.RouterFor,
		material:  NewCodeBlockMaterializer(deps.Store, deps.Hub),
		log:       logging.L().Named("build"),
		sleep:     sleepCtx,
		active:    make(map[string]*activeBuild),
	}
}

// StartBuild validates the request, persists the build, and launches its
// goroutine. It returns as soon as the build is accepted.
func (e *Engine) StartBuild(ctx context.Context, req StartRequest) (*store.BuildRecord, error) {
	if strings.TrimSpace(req.Request) == "" {
		return nil, errors.New("build: request description is required")
	}
	if req.UserID == "" {
		return nil, errors.New("build: user id is required")
	}
	powerMode := req.PowerMode
	switch powerMode {
	case PowerFast, PowerBalanced, PowerMax:
	case "":
		powerMode = PowerBalanced
	default:
		return nil, fmt.Errorf("build: unknown power mode %q", req.PowerMode)
	}

	record := &store.BuildRecord{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		ProjectName: req.ProjectName,
		Request:     req.Request,
		PowerMode:   powerMode,
		Status:      store.StatusInProgress,
		Phase:       string(PhaseInitializing),
		StartedAt:   time.Now(),
	}
	if record.ProjectName == "" {
		record.ProjectName = "untitled-project"
	}
	if err := e.store.CreateBuild(ctx, record); err != nil {
		return nil, fmt.Errorf("build: failed to persist: %w", err)
	}

	buildCtx, cancel := context.WithTimeout(e.ctx, e.cfg.BuildTimeout)
	ab := &activeBuild{
		id:        record.ID,
		userID:    record.UserID,
		powerMode: powerMode,
		cancel:    cancel,
	}
	ab.lastActivity.store(time.Now())

	e.mu.Lock()
	e.active[record.ID] = ab
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(buildCtx, ab, record, req.Provider)

	return record, nil
}

// Status returns the persisted build record.
func (e *Engine) Status(ctx context.Context, buildID string) (*store.BuildRecord, error) {
	return e.store.GetBuild(ctx, buildID)
}

// ListBuilds returns a user's recent builds.
func (e *Engine) ListBuilds(ctx context.Context, userID string) ([]store.BuildRecord, error) {
	return e.store.ListBuilds(ctx, userID, 50)
}

// Detail is the full view of a build.
type Detail struct {
	Build       *store.BuildRecord       `json:"build"`
	Tasks       []store.TaskRecord       `json:"tasks"`
	Files       []store.FileRecord       `json:"files"`
	Checkpoints []store.CheckpointRecord `json:"checkpoints"`
	SpendTotal  float64                  `json:"spend_total"`
	SpendEvents []spend.Event            `json:"spend_events"`
}

// GetDetail loads the build with its tasks, files, checkpoints, and spend.
func (e *Engine) GetDetail(ctx context.Context, buildID string) (*Detail, error) {
	record, err := e.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasks(ctx, buildID)
	if err != nil {
		return nil, err
	}
	files, err := e.store.ListFiles(ctx, buildID)
	if err != nil {
		return nil, err
	}
	checkpoints, err := e.store.ListCheckpoints(ctx, buildID)
	if err != nil {
		return nil, err
	}
	total, events, err := e.spend.BuildSpend(ctx, buildID)
	if err != nil {
		return nil, err
	}
	return &Detail{
		Build:       record,
		Tasks:       tasks,
		Files:       files,
		Checkpoints: checkpoints,
		SpendTotal:  total,
		SpendEvents: events,
	}, nil
}

// Cancel stops a running build. The build goroutine records the cancelled
// status and publishes build:cancelled before exiting.
func (e *Engine) Cancel(ctx context.Context, buildID string) error {
	e.mu.RLock()
	ab, ok := e.active[buildID]
	e.mu.RUnlock()
	if !ok {
		return ErrBuildNotRunning
	}

	ab.mu.Lock()
	ab.cancelled = true
	if ab.paused {
		// A paused build has no goroutine waiting on tasks; wake it so it
		// can observe the cancellation.
		ab.paused = false
		close(ab.resumeCh)
	}
	ab.mu.Unlock()

	ab.cancel()
	return nil
}

// Pause suspends a build between tasks. Running provider calls finish and
// their spend is recorded; no new tasks start until Resume.
func (e *Engine) Pause(ctx context.Context, buildID string) error {
	e.mu.RLock()
	ab, ok := e.active[buildID]
	e.mu.RUnlock()
	if !ok {
		return ErrBuildNotRunning
	}

	ab.mu.Lock()
	if ab.paused || ab.cancelled {
		ab.mu.Unlock()
		return nil
	}
	ab.paused = true
	ab.resumeCh = make(chan struct{})
	ab.mu.Unlock()

	if err := e.store.UpdateBuild(ctx, buildID, map[string]any{"status": store.StatusPaused}); err != nil {
		return err
	}
	e.hub.Publish(hub.Event{Type: hub.EventBuildPaused, BuildID: buildID})
	return nil
}

// Resume continues a paused build.
func (e *Engine) Resume(ctx context.Context, buildID string) error {
	e.mu.RLock()
	ab, ok := e.active[buildID]
	e.mu.RUnlock()
	if !ok {
		return ErrBuildNotRunning
	}

	ab.mu.Lock()
	if !ab.paused {
		ab.mu.Unlock()
		return ErrBuildNotPaused
	}
	ab.paused = false
	close(ab.resumeCh)
	ab.mu.Unlock()

	if err := e.store.UpdateBuild(ctx, buildID, map[string]any{"status": store.StatusInProgress}); err != nil {
		return err
	}
	e.hub.Publish(hub.Event{Type: hub.EventBuildResumed, BuildID: buildID})
	return nil
}

// ActiveCount reports how many builds have live goroutines.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

// Shutdown waits for all build goroutines to exit. Callers cancel the engine
// context first.
func (e *Engine) Shutdown() {
	e.wg.Wait()
}

/// run is the build goroutine: resolve the router, start the watchdog, walk
// the phases, settle the terminal status.
func (e *Engine) run(ctx context.Context, ab *activeBuild, record *store.BuildRecord, provider ai.Provider) {
	defer e.wg.Done()
	defer ab.cancel()
	defer func() {
		e.mu.Lock()
		delete(e.active, ab.id)
		e.mu.Unlock()
	}()

	log := e.log.With(zap.String("build_id", ab.id), zap.String("user_id", ab.userID))

	router, isBYOK, err := e.routerFor(ctx, ab.userID)
	if err != nil {
		log.Error("failed to resolve router", zap.Error(err))
		e.failBuild(ab, "No AI provider available: "+err.Error())
		return
	}
	ab.isBYOK = isBYOK
	if isBYOK {
		if err := e.store.UpdateBuild(ctx, ab.id, map[string]any{"is_byok": true}); err != nil {
			log.Warn("failed to flag byok build", zap.Error(err))
		}
	}

	e.hub.Publish(hub.Event{
		Type:    hub.EventBuildStarted,
		BuildID: ab.id,
		Message: "Build started",
		Data:    map[string]any{"power_mode": ab.powerMode, "byok": isBYOK},
	})

	watchdogDone := make(chan struct{})
	go e.watchdog(ctx, ab, watchdogDone)
	defer close(watchdogDone)

	state := newBuildState()
	for _, phase := range phaseOrder {
		if err := e.waitIfPaused(ctx, ab); err != nil {
			e.settleStopped(ab, log)
			return
		}

		if err := e.enterPhase(ctx, ab, phase); err != nil {
			e.settleStopped(ab, log)
			return
		}

		if err := e.runPhase(ctx, ab, record, router, phase, state, provider); err != nil {
			if errors.Is(err, errBuildStopped) || ctx.Err() != nil {
				e.settleStopped(ab, log)
				return
			}
			var aiErr *ai.Error
			if errors.As(err, &aiErr) && aiErr.Code == ai.CodeInsufficientCredits {
				e.failBuild(ab, insufficientCreditsBuildMessage)
				return
			}
			e.failBuild(ab, fmt.Sprintf("Build failed during %s phase: %v", phase, err))
			return
		}

		e.completePhase(ab, phase)
	}

	log.Info("build completed")
	metrics.Builds.WithLabelValues(store.StatusCompleted).Inc()
}

// enterPhase records and announces the phase transition.
func (e *Engine) enterPhase(ctx context.Context, ab *activeBuild, phase Phase) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	ab.touch()
	if err := e.store.UpdateBuild(ctx, ab.id, map[string]any{"phase": string(phase)}); err != nil {
		return err
	}
	e.hub.Publish(hub.Event{
		Type:    hub.EventBuildProgress,
		BuildID: ab.id,
		Phase:   string(phase),
		Message: "Entering " + string(phase) + " phase",
	})
	return nil
}

func (e *Engine) completePhase(ab *activeBuild, phase Phase) {
	progress := phaseProgress[phase]
	if err := e.store.UpdateBuild(e.ctx, ab.id, map[string]any{"progress": progress}); err != nil {
		e.log.Warn("failed to persist progress", zap.String("build_id", ab.id), zap.Error(err))
	}
	e.hub.Publish(hub.Event{
		Type:    hub.EventBuildProgress,
		BuildID: ab.id,
		Phase:   string(phase),
		Data:    map[string]any{"progress": progress},
	})
}

// runPhase executes one phase's tasks on the pool and folds their outputs
// into state.
func (e *Engine) runPhase(ctx context.Context, ab *activeBuild, record *store.BuildRecord, router Generator, phase Phase, state *buildState, provider ai.Provider) error {
	switch phase {
	case PhaseInitializing:
		return e.checkpoint(ctx, ab.id, phase, fmt.Sprintf(`{"project":%q,"power_mode":%q}`, record.ProjectName, ab.powerMode))
	case PhaseComplete:
		return e.finalize(ctx, ab)
	}

	specs := phaseTasks[phase]
	futures := make([]*scheduler.Future, 0, len(specs))
	tasks := make([]*store.TaskRecord, 0, len(specs))

	for _, spec := range specs {
		task := &store.TaskRecord{
			ID:         uuid.New().String(),
			BuildID:    ab.id,
			Phase:      string(phase),
			AgentRole:  string(spec.role),
			Capability: string(spec.capability),
			Status:     store.StatusQueued,
		}
		if err := e.store.CreateTask(ctx, task); err != nil {
			return fmt.Errorf("failed to persist task: %w", err)
		}
		e.hub.Publish(hub.Event{
			Type:      hub.EventAgentSpawned,
			BuildID:   ab.id,
			TaskID:    task.ID,
			AgentRole: task.AgentRole,
			Phase:     string(phase),
		})

		spec := spec
		future, err := e.pool.Submit(ctx, func(taskCtx context.Context) (any, error) {
			return e.executeTask(taskCtx, ab, record, router, task, spec, state, provider)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s task: %w", spec.role, err)
		}
		futures = append(futures, future)
		tasks = append(tasks, task)
	}

	var phaseErr error
	outputs := make(map[AgentRole]string, len(specs))
	for i, future := range futures {
		result, err := future.Wait(ctx)
		if err != nil {
			if phaseErr == nil {
				phaseErr = err
			}
			continue
		}
		outputs[AgentRole(tasks[i].AgentRole)] = result.(string)
	}
	if phaseErr != nil {
		return phaseErr
	}

	return e.foldOutputs(ctx, ab, phase, state, outputs)
}

// foldOutputs stores phase results where later phases look for them and
// writes the phase checkpoint.
func (e *Engine) foldOutputs(ctx context.Context, ab *activeBuild, phase Phase, state *buildState, outputs map[AgentRole]string) error {
	switch phase {
	case PhasePlanning:
		state.plan = outputs[RolePlanner]
		if err := e.store.UpdateBuild(ctx, ab.id, map[string]any{"plan": state.plan}); err != nil {
			return err
		}
	case PhaseArchitecture:
		state.architecture = outputs[RoleArchitect]
		if err := e.store.UpdateBuild(ctx, ab.id, map[string]any{"architecture": state.architecture}); err != nil {
			return err
		}
	case PhaseCoding:
		for role, output := range outputs {
			state.code[role] = output
			if err := e.material.Materialize(ctx, ab.id, string(role), output); err != nil {
				e.log.Warn("failed to materialize files",
					zap.String("build_id", ab.id),
					zap.String("role", string(role)),
					zap.Error(err))
			}
		}
	case PhaseOptimization:
		for role, output := range outputs {
			if err := e.material.Materialize(ctx, ab.id, string(role), output); err != nil {
				e.log.Warn("failed to materialize optimized files",
					zap.String("build_id", ab.id), zap.Error(err))
			}
		}
	}
	return e.checkpoint(ctx, ab.id, phase, checkpointJSON(outputs))
}

func (e *Engine) finalize(ctx context.Context, ab *activeBuild) error {
	now := time.Now()
	err := e.store.UpdateBuild(ctx, ab.id, map[string]any{
		"status":       store.StatusCompleted,
		"phase":        string(PhaseComplete),
		"progress":     100,
		"completed_at": now,
	})
	if err != nil {
		return err
	}
	e.hub.Publish(hub.Event{
		Type:    hub.EventBuildCompleted,
		BuildID: ab.id,
		Phase:   string(PhaseComplete),
		Message: "Build completed",
	})
	return nil
}

func (e *Engine) checkpoint(ctx context.Context, buildID string, phase Phase, data string) error {
	if err := e.store.SaveCheckpoint(ctx, buildID, string(phase), data); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	e.hub.Publish(hub.Event{
		Type:    hub.EventBuildCheckpoint,
		BuildID: buildID,
		Phase:   string(phase),
		Message: string(phase) + " checkpoint saved",
	})
	return nil
}

// failBuild settles a build as failed. Uses the engine context because the
// build context is usually already cancelled or expired here.
func (e *Engine) failBuild(ab *activeBuild, message string) {
	now := time.Now()
	if err := e.store.UpdateBuild(e.ctx, ab.id, map[string]any{
		"status":        store.StatusFailed,
		"error_message": message,
		"completed_at":  now,
	}); err != nil {
		e.log.Error("failed to settle failed build", zap.String("build_id", ab.id), zap.Error(err))
	}
	e.hub.Publish(hub.Event{
		Type:    hub.EventBuildFailed,
		BuildID: ab.id,
		Message: message,
	})
	metrics.Builds.WithLabelValues(store.StatusFailed).Inc()
}

// settleStopped distinguishes user cancellation from timeout.
func (e *Engine) settleStopped(ab *activeBuild, log *zap.Logger) {
	ab.mu.Lock()
	cancelled := ab.cancelled
	stalled := ab.stalled
	ab.mu.Unlock()

	if cancelled {
		now := time.Now()
		if err := e.store.UpdateBuild(e.ctx, ab.id, map[string]any{
			"status":        store.StatusCancelled,
			"error_message": "Build cancelled by user",
			"completed_at":  now,
		}); err != nil {
			log.Error("failed to settle cancelled build", zap.Error(err))
		}
		e.hub.Publish(hub.Event{Type: hub.EventBuildCancelled, BuildID: ab.id})
		metrics.Builds.WithLabelValues(store.StatusCancelled).Inc()
		log.Info("build cancelled")
		return
	}

	if stalled {
		e.failBuild(ab, "Build stalled: no progress for too long")
		log.Warn("build stalled")
		return
	}

	e.failBuild(ab, "Build timed out")
	log.Warn("build timed out")
}

// waitIfPaused blocks between phases while the build is paused.
func (e *Engine) waitIfPaused(ctx context.Context, ab *activeBuild) error {
	ab.mu.Lock()
	paused := ab.paused
	resumeCh := ab.resumeCh
	ab.mu.Unlock()

	if !paused {
		return ctx.Err()
	}
	select {
	case <-resumeCh:
		ab.touch()
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func checkpointJSON(outputs map[AgentRole]string) string {
	var sb strings.Builder
	sb.WriteString(`{"outputs":{`)
	first := true
	for role, out := range outputs {
		if !first {
			sb.WriteString(",")
		}
		first = false
		preview := out
		if len(preview) > 400 {
			preview = preview[:400]
		}
		sb.WriteString(fmt.Sprintf("%q:%q", role, preview))
	}
	sb.WriteString("}}")
	return sb.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
