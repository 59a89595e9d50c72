package spend

import "time"

// Event is one immutable spend ledger row. Events are insert-only: totals
// are always recomputed from rows, never stored as mutable counters.
type Event struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UserID       string    `gorm:"not null;index:idx_spend_user_day;index:idx_spend_user_month" json:"user_id"`
	BuildID      string    `gorm:"index:idx_spend_build" json:"build_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	AgentRole    string    `json:"agent_role,omitempty"`
	Provider     string    `gorm:"not null" json:"provider"`
	Model        string    `gorm:"not null" json:"model"`
	Capability   string    `json:"capability,omitempty"`
	IsBYOK       bool      `gorm:"default:false" json:"is_byok"`
	InputTokens  int       `gorm:"not null;default:0" json:"input_tokens"`
	OutputTokens int       `gorm:"not null;default:0" json:"output_tokens"`
	RawCost      float64   `gorm:"not null;default:0;type:numeric(12,6)" json:"raw_cost"`
	BilledCost   float64   `gorm:"not null;default:0;type:numeric(12,6)" json:"billed_cost"`
	PowerMode    string    `json:"power_mode,omitempty"`
	DurationMs   int       `gorm:"default:0" json:"duration_ms"`
	Status       string    `gorm:"default:success" json:"status"`
	TargetFile   string    `json:"target_file,omitempty"`
	DayKey       string    `gorm:"not null;index:idx_spend_user_day" json:"day_key"`
	MonthKey     string    `gorm:"not null;index:idx_spend_user_month" json:"month_key"`
}

func (Event) TableName() string { return "spend_events" }

// Summary is returned by the summary endpoint.
type Summary struct {
	DailySpend   float64 `json:"daily_spend"`
	MonthlySpend float64 `json:"monthly_spend"`
	BuildSpend   float64 `json:"build_spend,omitempty"`
	DailyCount   int     `json:"daily_count"`
	MonthlyCount int     `json:"monthly_count"`
}

// BreakdownItem is a row in a grouped breakdown query.
type BreakdownItem struct {
	Key          string  `gorm:"column:group_key" json:"key"`
	BilledCost   float64 `json:"billed_cost"`
	RawCost      float64 `json:"raw_cost"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Count        int     `json:"count"`
}

// BreakdownOpts controls how breakdowns are filtered and grouped.
type BreakdownOpts struct {
	GroupBy  string // "provider", "model", "agent_role", "build_id"
	UserID   string
	DayKey   string // YYYY-MM-DD
	MonthKey string // YYYY-MM
	BuildID  string
}

// RecordInput carries everything needed to record one spend event. Costs are
// not part of the input: the tracker derives them from the pricing engine so
// callers cannot write inconsistent ledger rows.
type RecordInput struct {
	UserID       string
	BuildID      string
	TaskID       string
	AgentRole    string
	Provider     string
	Model        string
	Capability   string
	IsBYOK       bool
	InputTokens  int
	OutputTokens int
	PowerMode    string
	DurationMs   int
	Status       string
	TargetFile   string
}
