// Package store persists builds, tasks, and checkpoints. It owns the
// database schema and the startup recovery sweep.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"buildforge/internal/logging"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Build and task statuses as persisted. Terminal statuses are completed,
// failed, and cancelled; everything else is subject to the recovery sweep.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// interruptedMessage is shown for builds that were in flight when the server
// went down.
const interruptedMessage = "Server restarted during build - please retry"

// BuildRecord is the persisted state of one build.
type BuildRecord struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	UserID       string     `gorm:"index;not null" json:"user_id"`
	ProjectName  string     `json:"project_name"`
	Request      string     `gorm:"type:text" json:"request"`
	PowerMode    string     `json:"power_mode"`
	Status       string     `gorm:"index;not null" json:"status"`
	Phase        string     `json:"phase"`
	Progress     int        `json:"progress"`
	IsBYOK       bool       `json:"is_byok"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Plan         string     `gorm:"type:text" json:"plan,omitempty"`
	Architecture string     `gorm:"type:text" json:"architecture,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (BuildRecord) TableName() string { return "builds" }

// TaskRecord is the persisted state of one agent task within a build.
type TaskRecord struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	BuildID      string     `gorm:"index;not null" json:"build_id"`
	Phase        string     `json:"phase"`
	AgentRole    string     `json:"agent_role"`
	Capability   string     `json:"capability"`
	Status       string     `gorm:"index" json:"status"`
	Attempts     int        `json:"attempts"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Output       string     `gorm:"type:text" json:"output,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (TaskRecord) TableName() string { return "build_tasks" }

// CheckpointRecord snapshots build state at a phase boundary so a resumed or
// inspected build can show what each phase produced.
type CheckpointRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BuildID   string    `gorm:"index;not null" json:"build_id"`
	Phase     string    `gorm:"not null" json:"phase"`
	Data      string    `gorm:"type:text" json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

func (CheckpointRecord) TableName() string { return "build_checkpoints" }

// FileRecord is one generated project file.
type FileRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BuildID   string    `gorm:"index:idx_build_path,unique;not null" json:"build_id"`
	Path      string    `gorm:"index:idx_build_path,unique;not null" json:"path"`
	Content   string    `gorm:"type:text" json:"content"`
	Language  string    `json:"language,omitempty"`
	AgentRole string    `json:"agent_role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (FileRecord) TableName() string { return "build_files" }

// Store wraps the database for build persistence.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// New creates a store and migrates its tables.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&BuildRecord{}, &TaskRecord{}, &CheckpointRecord{}, &FileRecord{}); err != nil {
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return &Store{db: db, log: logging.L().Named("store")}, nil
}

// DB exposes the underlying handle for packages that share the connection.
func (s *Store) DB() *gorm.DB { return s.db }

// CreateBuild persists a new build record.
func (s *Store) CreateBuild(ctx context.Context, build *BuildRecord) error {
	return s.db.WithContext(ctx).Create(build).Error
}

// UpdateBuild applies field updates to a build.
func (s *Store) UpdateBuild(ctx context.Context, buildID string, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(&BuildRecord{}).
		Where("id = ?", buildID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBuild loads one build.
func (s *Store) GetBuild(ctx context.Context, buildID string) (*BuildRecord, error) {
	var build BuildRecord
	err := s.db.WithContext(ctx).First(&build, "id = ?", buildID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &build, nil
}

// ListBuilds returns a user's builds, newest first.
func (s *Store) ListBuilds(ctx context.Context, userID string, limit int) ([]BuildRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var builds []BuildRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&builds).Error
	return builds, err
}

// CreateTask persists a new task record.
func (s *Store) CreateTask(ctx context.Context, task *TaskRecord) error {
	return s.db.WithContext(ctx).Create(task).Error
}

// UpdateTask applies field updates to a task.
func (s *Store) UpdateTask(ctx context.Context, taskID string, updates map[string]any) error {
	return s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ?", taskID).
		Updates(updates).Error
}

// ListTasks returns all tasks for a build in creation order.
func (s *Store) ListTasks(ctx context.Context, buildID string) ([]TaskRecord, error) {
	var tasks []TaskRecord
	err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// SaveCheckpoint appends a phase checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, buildID, phase, data string) error {
	return s.db.WithContext(ctx).Create(&CheckpointRecord{
		BuildID: buildID,
		Phase:   phase,
		Data:    data,
	}).Error
}

// ListCheckpoints returns a build's checkpoints in order.
func (s *Store) ListCheckpoints(ctx context.Context, buildID string) ([]CheckpointRecord, error) {
	var checkpoints []CheckpointRecord
	err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("created_at ASC").
		Find(&checkpoints).Error
	return checkpoints, err
}

// UpsertFile creates or replaces one generated file.
func (s *Store) UpsertFile(ctx context.Context, file *FileRecord) error {
	var existing FileRecord
	err := s.db.WithContext(ctx).
		Where("build_id = ? AND path = ?", file.BuildID, file.Path).
		First(&existing).Error
	if err == nil {
		return s.db.WithContext(ctx).Model(&existing).Updates(map[string]any{
			"content":    file.Content,
			"language":   file.Language,
			"agent_role": file.AgentRole,
		}).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.db.WithContext(ctx).Create(file).Error
}

// ListFiles returns a build's generated files ordered by path.
func (s *Store) ListFiles(ctx context.Context, buildID string) ([]FileRecord, error) {
	var files []FileRecord
	err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("path ASC").
		Find(&files).Error
	return files, err
}

// RecoverStaleBuilds marks every non-terminal build as failed. It runs once
// at startup, before the server accepts traffic, so no build ever reports a
// phase that has no goroutine behind it.
func (s *Store) RecoverStaleBuilds(ctx context.Context) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&BuildRecord{}).
		Where("status IN ?", []string{StatusPending, StatusQueued, StatusInProgress, StatusPaused}).
		Updates(map[string]any{
			"status":        StatusFailed,
			"error_message": interruptedMessage,
			"completed_at":  now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("store: build recovery failed: %w", result.Error)
	}

	taskResult := s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("status IN ?", []string{StatusPending, StatusQueued, StatusInProgress}).
		Updates(map[string]any{
			"status":        StatusFailed,
			"error_message": interruptedMessage,
		})
	if taskResult.Error != nil {
		return 0, fmt.Errorf("store: task recovery failed: %w", taskResult.Error)
	}

	if result.RowsAffected > 0 {
		s.log.Warn("recovered interrupted builds",
			zap.Int64("builds", result.RowsAffected),
			zap.Int64("tasks", taskResult.RowsAffected))
	}
	return result.RowsAffected, nil
}
