// Package spend keeps the immutable ledger of AI spend events and answers
// the aggregate queries the billing surface needs.
package spend

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"buildforge/internal/metrics"
	"buildforge/internal/pricing"
)

// Tracker records and queries spend events. Day and month keys are derived
// from UTC wall-clock time at insert, so aggregates are stable regardless of
// the server's local zone.
type Tracker struct {
	db      *gorm.DB
	pricing *pricing.Engine
}

// NewTracker creates a tracker backed by db, pricing costs with engine.
func NewTracker(db *gorm.DB, engine *pricing.Engine) *Tracker {
	return &Tracker{db: db, pricing: engine}
}

// Record computes costs via the pricing engine, persists an Event, and
// returns it.
func (t *Tracker) Record(ctx context.Context, input RecordInput) (*Event, error) {
	now := time.Now().UTC()

	rawCost := t.pricing.RawCost(input.Provider, input.Model, input.InputTokens, input.OutputTokens)
	billedCost := t.pricing.BilledCost(input.Provider, input.Model, input.InputTokens, input.OutputTokens, input.PowerMode, input.IsBYOK)

	event := Event{
		UserID:       input.UserID,
		BuildID:      input.BuildID,
		TaskID:       input.TaskID,
		AgentRole:    input.AgentRole,
		Provider:     input.Provider,
		Model:        input.Model,
		Capability:   input.Capability,
		IsBYOK:       input.IsBYOK,
		InputTokens:  input.InputTokens,
		OutputTokens: input.OutputTokens,
		RawCost:      rawCost,
		BilledCost:   billedCost,
		PowerMode:    input.PowerMode,
		DurationMs:   input.DurationMs,
		Status:       input.Status,
		TargetFile:   input.TargetFile,
		DayKey:       now.Format("2006-01-02"),
		MonthKey:     now.Format("2006-01"),
	}
	if event.Status == "" {
		event.Status = "success"
	}

	if err := t.db.WithContext(ctx).Create(&event).Error; err != nil {
		return nil, fmt.Errorf("spend: failed to create event: %w", err)
	}
	metrics.SpendBilled.WithLabelValues(input.Provider).Add(billedCost)
	return &event, nil
}

// DailySpend returns the total billed cost and event count for a user on a
// given day.
func (t *Tracker) DailySpend(ctx context.Context, userID string, day time.Time) (float64, int, error) {
	return t.periodSpend(ctx, userID, "day_key", day.UTC().Format("2006-01-02"))
}

// MonthlySpend returns the total billed cost and event count for a user in a
// given month.
func (t *Tracker) MonthlySpend(ctx context.Context, userID string, month time.Time) (float64, int, error) {
	return t.periodSpend(ctx, userID, "month_key", month.UTC().Format("2006-01"))
}

func (t *Tracker) periodSpend(ctx context.Context, userID, keyCol, key string) (float64, int, error) {
	var result struct {
		Total float64
		Count int
	}
	err := t.db.WithContext(ctx).Model(&Event{}).
		Select("COALESCE(SUM(billed_cost), 0) as total, COUNT(*) as count").
		Where("user_id = ? AND "+keyCol+" = ?", userID, key).
		Scan(&result).Error
	if err != nil {
		return 0, 0, fmt.Errorf("spend: %s query failed: %w", keyCol, err)
	}
	return result.Total, result.Count, nil
}

// GetSummary returns combined daily and monthly spend for the current period.
func (t *Tracker) GetSummary(ctx context.Context, userID string) (*Summary, error) {
	now := time.Now().UTC()

	dailySpend, dailyCount, err := t.DailySpend(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	monthlySpend, monthlyCount, err := t.MonthlySpend(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	return &Summary{
		DailySpend:   dailySpend,
		MonthlySpend: monthlySpend,
		DailyCount:   dailyCount,
		MonthlyCount: monthlyCount,
	}, nil
}

// GetBreakdown returns spend grouped by the dimension in opts.GroupBy,
// ordered by billed cost descending.
func (t *Tracker) GetBreakdown(ctx context.Context, opts BreakdownOpts) ([]BreakdownItem, error) {
	groupCol := "provider"
	switch opts.GroupBy {
	case "model", "agent_role", "build_id":
		groupCol = opts.GroupBy
	}

	// group_key instead of "key": portable across postgres and sqlite
	// without dialect-specific identifier quoting.
	query := t.db.WithContext(ctx).Model(&Event{}).
		Select(
			groupCol + " as group_key, " +
				"COALESCE(SUM(billed_cost), 0) as billed_cost, " +
				"COALESCE(SUM(raw_cost), 0) as raw_cost, " +
				"COALESCE(SUM(input_tokens), 0) as input_tokens, " +
				"COALESCE(SUM(output_tokens), 0) as output_tokens, " +
				"COUNT(*) as count").
		Group(groupCol).
		Order("billed_cost DESC")

	if opts.UserID != "" {
		query = query.Where("user_id = ?", opts.UserID)
	}
	if opts.DayKey != "" {
		query = query.Where("day_key = ?", opts.DayKey)
	}
	if opts.MonthKey != "" {
		query = query.Where("month_key = ?", opts.MonthKey)
	}
	if opts.BuildID != "" {
		query = query.Where("build_id = ?", opts.BuildID)
	}

	var items []BreakdownItem
	if err := query.Scan(&items).Error; err != nil {
		return nil, fmt.Errorf("spend: breakdown query failed: %w", err)
	}
	return items, nil
}

// BuildSpend returns the total billed cost and all events for one build.
func (t *Tracker) BuildSpend(ctx context.Context, buildID string) (float64, []Event, error) {
	var events []Event
	if err := t.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("created_at ASC").
		Find(&events).Error; err != nil {
		return 0, nil, fmt.Errorf("spend: build query failed: %w", err)
	}

	var total float64
	for _, e := range events {
		total += e.BilledCost
	}
	return total, events, nil
}

// GetHistory returns a page of spend events for a user, newest first, plus
// the total count across all pages.
func (t *Tracker) GetHistory(ctx context.Context, userID string, limit, offset int) ([]Event, int64, error) {
	var total int64
	if err := t.db.WithContext(ctx).Model(&Event{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("spend: count query failed: %w", err)
	}

	var events []Event
	if err := t.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("spend: history query failed: %w", err)
	}
	return events, total, nil
}

// ExportCSV generates a CSV of spend events for a user within a time range.
func (t *Tracker) ExportCSV(ctx context.Context, userID string, from, to time.Time) ([]byte, error) {
	var events []Event
	if err := t.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ? AND created_at <= ?", userID, from, to).
		Order("created_at ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("spend: export query failed: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"id", "created_at", "build_id", "task_id", "agent_role",
		"provider", "model", "capability", "is_byok",
		"input_tokens", "output_tokens", "raw_cost", "billed_cost",
		"power_mode", "duration_ms", "status", "target_file",
		"day_key", "month_key",
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("spend: csv header write failed: %w", err)
	}

	for _, e := range events {
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.Format(time.RFC3339),
			e.BuildID,
			e.TaskID,
			e.AgentRole,
			e.Provider,
			e.Model,
			e.Capability,
			strconv.FormatBool(e.IsBYOK),
			strconv.Itoa(e.InputTokens),
			strconv.Itoa(e.OutputTokens),
			strconv.FormatFloat(e.RawCost, 'f', 6, 64),
			strconv.FormatFloat(e.BilledCost, 'f', 6, 64),
			e.PowerMode,
			strconv.Itoa(e.DurationMs),
			e.Status,
			e.TargetFile,
			e.DayKey,
			e.MonthKey,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("spend: csv row write failed: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("spend: csv flush failed: %w", err)
	}
	return buf.Bytes(), nil
}
