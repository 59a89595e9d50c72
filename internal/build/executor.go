package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"buildforge/internal/ai"
	"buildforge/internal/hub"
	"buildforge/internal/metrics"
	"buildforge/internal/spend"
	"buildforge/internal/store"
)

// contextLimit caps how much prior-phase output is fed into a prompt.
const contextLimit = 12000

// executeTask runs one agent task to a terminal state. Transient provider
// failures retry with exponential backoff up to cfg.MaxTaskRetries attempts;
// non-retriable failures stop immediately. Every attempt whose response
// carried token usage records exactly one spend event before any retry or
// failure handling.
func (e *Engine) executeTask(ctx context.Context, ab *activeBuild, record *store.BuildRecord, router Generator, task *store.TaskRecord, spec taskSpec, state *buildState, provider ai.Provider) (string, error) {
	log := e.log.With(
		zap.String("build_id", ab.id),
		zap.String("task_id", task.ID),
		zap.String("role", task.AgentRole))

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxTaskRetries; attempt++ {
		if err := e.waitIfPaused(ctx, ab); err != nil {
			return "", errBuildStopped
		}

		// Guardrail against runaway builds: cap the total provider calls a
		// single build may make across all tasks and retries.
		if int(ab.requests.Add(1)) > e.cfg.MaxBuildRequests {
			err := &ai.Error{Class: ai.ClassFatal, Code: ai.CodeRequestBudget,
				Message: fmt.Sprintf("build exceeded its provider request budget of %d", e.cfg.MaxBuildRequests)}
			e.failTask(ab, task, err)
			return "", err
		}

		now := time.Now()
		updates := map[string]any{
			"status":   store.StatusInProgress,
			"attempts": attempt,
		}
		if task.StartedAt == nil {
			task.StartedAt = &now
			updates["started_at"] = now
		}
		if err := e.store.UpdateTask(ctx, task.ID, updates); err != nil {
			return "", err
		}
		ab.touch()

		workEvent := hub.Event{
			Type:      hub.EventAgentWorking,
			BuildID:   ab.id,
			TaskID:    task.ID,
			AgentRole: task.AgentRole,
			Phase:     task.Phase,
			Message:   "Working",
		}
		if attempt > 1 {
			workEvent.Type = hub.EventAgentProgress
			workEvent.Message = fmt.Sprintf("Retrying (attempt %d of %d)", attempt, e.cfg.MaxTaskRetries)
		}
		e.hub.Publish(workEvent)

		req := &ai.Request{
			Provider:    provider,
			Capability:  spec.capability,
			Prompt:      e.taskPrompt(record, spec, state),
			Context:     e.taskContext(record, state),
			UserID:      ab.userID,
			BuildID:     ab.id,
			Temperature: 0.7,
		}

		start := time.Now()
		resp, err := router.Generate(ctx, req)
		duration := time.Since(start)
		ab.touch()

		if resp != nil && resp.Usage.TotalTokens > 0 {
			e.recordSpend(ab, task, resp, duration, err)
		}

		if err == nil {
			return e.completeTask(ctx, ab, task, resp)
		}
		lastErr = err

		var aiErr *ai.Error
		if errors.As(err, &aiErr) && !aiErr.Retriable() {
			log.Warn("task failed non-retriably",
				zap.String("code", aiErr.Code), zap.Error(err))
			e.failTask(ab, task, err)
			return "", err
		}
		if ctx.Err() != nil {
			e.failTask(ab, task, ctx.Err())
			return "", errBuildStopped
		}

		if attempt < e.cfg.MaxTaskRetries {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			log.Warn("task attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if err := e.sleep(ctx, backoff); err != nil {
				e.failTask(ab, task, err)
				return "", errBuildStopped
			}
		}
	}

	err := fmt.Errorf("task failed after %d attempts: %w", e.cfg.MaxTaskRetries, lastErr)
	e.failTask(ab, task, err)
	return "", err
}

func (e *Engine) completeTask(ctx context.Context, ab *activeBuild, task *store.TaskRecord, resp *ai.Response) (string, error) {
	now := time.Now()
	err := e.store.UpdateTask(ctx, task.ID, map[string]any{
		"status":       store.StatusCompleted,
		"provider":     string(resp.Provider),
		"model":        resp.Model,
		"output":       resp.Content,
		"completed_at": now,
	})
	if err != nil {
		return "", err
	}
	e.hub.Publish(hub.Event{
		Type:      hub.EventAgentCompleted,
		BuildID:   ab.id,
		TaskID:    task.ID,
		AgentRole: task.AgentRole,
		Phase:     task.Phase,
		Data: map[string]any{
			"provider": string(resp.Provider),
			"model":    resp.Model,
			"tokens":   resp.Usage.TotalTokens,
		},
	})
	metrics.Tasks.WithLabelValues(task.AgentRole, store.StatusCompleted).Inc()
	return resp.Content, nil
}

func (e *Engine) failTask(ab *activeBuild, task *store.TaskRecord, cause error) {
	now := time.Now()
	if err := e.store.UpdateTask(e.ctx, task.ID, map[string]any{
		"status":        store.StatusFailed,
		"error_message": cause.Error(),
		"completed_at":  now,
	}); err != nil {
		e.log.Warn("failed to settle failed task",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	e.hub.Publish(hub.Event{
		Type:      hub.EventAgentError,
		BuildID:   ab.id,
		TaskID:    task.ID,
		AgentRole: task.AgentRole,
		Phase:     task.Phase,
		Message:   cause.Error(),
	})
	metrics.Tasks.WithLabelValues(task.AgentRole, store.StatusFailed).Inc()
}

// recordSpend writes the ledger row for one provider attempt. It uses the
// engine context so spend survives build cancellation observed after the
// provider call completed.
func (e *Engine) recordSpend(ab *activeBuild, task *store.TaskRecord, resp *ai.Response, duration time.Duration, callErr error) {
	status := "success"
	if callErr != nil {
		status = "error"
	}
	_, err := e.spend.Record(e.ctx, spend.RecordInput{
		UserID:       ab.userID,
		BuildID:      ab.id,
		TaskID:       task.ID,
		AgentRole:    task.AgentRole,
		Provider:     string(resp.Provider),
		Model:        resp.Model,
		Capability:   task.Capability,
		IsBYOK:       resp.KeySource == ai.KeySourceBYOK,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		PowerMode:    ab.powerMode,
		DurationMs:   int(duration.Milliseconds()),
		Status:       status,
	})
	if err != nil {
		e.log.Error("failed to record spend",
			zap.String("build_id", ab.id),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// taskPrompt builds the role-specific instruction for one task.
func (e *Engine) taskPrompt(record *store.BuildRecord, spec taskSpec, state *buildState) string {
	var sb strings.Builder
	switch spec.role {
	case RolePlanner:
		sb.WriteString("Create a detailed build plan for the following project request. ")
		sb.WriteString("List the features, tech stack, data models, API endpoints, and files to generate.\n\n")
	case RoleArchitect:
		sb.WriteString("Design the system architecture for this project: module boundaries, ")
		sb.WriteString("data flow, and the responsibilities of each component.\n\n")
	case RoleFrontend:
		sb.WriteString("Generate the frontend code for this project. ")
		sb.WriteString("Emit each file as a fenced code block preceded by a line `File: <path>`.\n\n")
	case RoleBackend:
		sb.WriteString("Generate the backend code for this project. ")
		sb.WriteString("Emit each file as a fenced code block preceded by a line `File: <path>`.\n\n")
	case RoleDatabase:
		sb.WriteString("Generate the database schema and data access code for this project. ")
		sb.WriteString("Emit each file as a fenced code block preceded by a line `File: <path>`.\n\n")
	case RoleTester:
		sb.WriteString("Write tests covering the generated code below. ")
		sb.WriteString("Emit each test file as a fenced code block preceded by a line `File: <path>`.\n\n")
	case RoleReviewer:
		sb.WriteString("Review the generated code below for correctness, security, and style. ")
		sb.WriteString("List concrete issues with file references.\n\n")
	case RoleOptimizer:
		sb.WriteString("Apply the review findings and improve the generated code. ")
		sb.WriteString("Emit only changed files as fenced code blocks preceded by a line `File: <path>`.\n\n")
	}

	sb.WriteString("Project request: ")
	sb.WriteString(record.Request)

	switch spec.role {
	case RoleTester, RoleReviewer, RoleOptimizer:
		sb.WriteString("\n\nGenerated code:\n")
		sb.WriteString(truncate(state.codeDump(), contextLimit))
	}
	return sb.String()
}

// taskContext carries prior-phase outputs into the request. Plan and
// architecture each get their own truncation budget so a long plan cannot
// evict the architecture.
func (e *Engine) taskContext(record *store.BuildRecord, state *buildState) map[string]string {
	ctx := map[string]string{
		"project_info": record.ProjectName,
	}
	if state.plan != "" {
		ctx["build_plan"] = truncate(state.plan, contextLimit)
	}
	if state.architecture != "" {
		ctx["architecture"] = truncate(state.architecture, contextLimit)
	}
	return ctx
}

func (s *buildState) codeDump() string {
	var sb strings.Builder
	for role, code := range s.code {
		sb.WriteString("--- ")
		sb.WriteString(string(role))
		sb.WriteString(" ---\n")
		sb.WriteString(code)
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
