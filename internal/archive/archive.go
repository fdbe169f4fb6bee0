// Package archive keeps a durable transcript of tasks and their messages
// in SQLite, so finished runs can be inspected after the process that ran
// them is gone.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/graph"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

// ErrNotFound is returned for tasks the archive has never seen.
var ErrNotFound = errors.New("not found in archive")

// MessageRecord is one archived graph message.
type MessageRecord struct {
	ID                string `gorm:"primaryKey;size:64"`
	TaskID            string `gorm:"size:64;not null;index:idx_task_seq"`
	Seq               uint64 `gorm:"not null;index:idx_task_seq"`
	Role              string `gorm:"size:16;not null"`
	Body              string
	ThoughtTrace      string
	Phase             int `gorm:"not null"`
	RespondsTo        string `gorm:"size:64"`
	IsRevision        bool
	OriginalMessageID string `gorm:"size:64"`
	Changes           string
	Verdict           string `gorm:"size:32"`
	Score             *int
	KeyDecision       string
	Timestamp         time.Time
}

// TableName overrides the table name used by MessageRecord
func (MessageRecord) TableName() string { return "messages" }

// TaskRecord is the latest snapshot of a task.
type TaskRecord struct {
	ID           string               `gorm:"primaryKey;size:64"`
	Description  string               `gorm:"not null"`
	Status       string               `gorm:"size:16;not null;index"`
	CurrentPhase int
	Error        string
	Phases       []orchestrator.Phase `gorm:"serializer:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName overrides the table name used by TaskRecord
func (TaskRecord) TableName() string { return "tasks" }

// Archive writes task snapshots and messages through gorm.
type Archive struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the SQLite database at path and migrates it.
// Use ":memory:" for a throwaway archive.
func Open(path string, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("archive connection pool: %w", err)
	}
	// SQLite has a single writer, and ":memory:" is per connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&TaskRecord{}, &MessageRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &Archive{db: db, logger: logger.Named("archive")}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordMessage archives msg. Messages are immutable, so re-recording the
// same id is a no-op.
func (a *Archive) RecordMessage(ctx context.Context, msg graph.Message) error {
	rec := MessageRecord{
		ID:                msg.ID,
		TaskID:            msg.TaskID,
		Seq:               msg.Seq,
		Role:              string(msg.Role),
		Body:              msg.Body,
		ThoughtTrace:      msg.ThoughtTrace,
		Phase:             msg.Phase,
		RespondsTo:        msg.RespondsTo,
		IsRevision:        msg.IsRevision,
		OriginalMessageID: msg.OriginalMessageID,
		Changes:           msg.Changes,
		Verdict:           string(msg.Verdict),
		Score:             msg.Score,
		KeyDecision:       msg.KeyDecision,
		Timestamp:         msg.Timestamp,
	}
	err := a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("archive message %s: %w", msg.ID, err)
	}
	return nil
}

// RecordTask stores the task's latest snapshot.
func (a *Archive) RecordTask(ctx context.Context, task *orchestrator.Task) error {
	rec := TaskRecord{
		ID:           task.ID,
		Description:  task.Description,
		Status:       string(task.Status),
		CurrentPhase: task.CurrentPhase,
		Error:        task.Error,
		Phases:       task.Phases,
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
	}
	err := a.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("archive task %s: %w", task.ID, err)
	}
	return nil
}

// Task loads a task snapshot.
func (a *Archive) Task(ctx context.Context, taskID string) (*orchestrator.Task, error) {
	var rec TaskRecord
	err := a.db.WithContext(ctx).First(&rec, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return rec.task(), nil
}

// Tasks lists archived tasks, newest first.
func (a *Archive) Tasks(ctx context.Context, limit int) ([]*orchestrator.Task, error) {
	var recs []TaskRecord
	q := a.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*orchestrator.Task, len(recs))
	for i := range recs {
		out[i] = recs[i].task()
	}
	return out, nil
}

// Messages returns a task's archived messages in append order.
func (a *Archive) Messages(ctx context.Context, taskID string) ([]graph.Message, error) {
	var recs []MessageRecord
	err := a.db.WithContext(ctx).Where("task_id = ?", taskID).Order("seq ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load messages for task %s: %w", taskID, err)
	}
	out := make([]graph.Message, len(recs))
	for i, r := range recs {
		out[i] = r.message()
	}
	return out, nil
}

// Attach archives every appended message and every task or phase status
// change of o. Write failures are logged and never stall a task.
func (a *Archive) Attach(o *orchestrator.Orchestrator) {
	o.Graph().OnAppend(func(ctx context.Context, msg graph.Message) {
		if err := a.RecordMessage(ctx, msg); err != nil {
			a.logger.Warn("message archive failed", zap.String("task.id", msg.TaskID), zap.Error(err))
		}
	})
	o.OnEvent(func(ctx context.Context, ev orchestrator.Event) {
		task, err := o.Task(ev.TaskID)
		if err != nil {
			return
		}
		if err := a.RecordTask(ctx, task); err != nil {
			a.logger.Warn("task archive failed", zap.String("task.id", ev.TaskID), zap.Error(err))
		}
	})
}

func (r TaskRecord) task() *orchestrator.Task {
	return &orchestrator.Task{
		ID:           r.ID,
		Description:  r.Description,
		Phases:       r.Phases,
		CurrentPhase: r.CurrentPhase,
		Status:       orchestrator.TaskStatus(r.Status),
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (r MessageRecord) message() graph.Message {
	return graph.Message{
		ID:                r.ID,
		TaskID:            r.TaskID,
		Seq:               r.Seq,
		Role:              graph.Role(r.Role),
		Body:              r.Body,
		ThoughtTrace:      r.ThoughtTrace,
		Timestamp:         r.Timestamp,
		Phase:             r.Phase,
		RespondsTo:        r.RespondsTo,
		IsRevision:        r.IsRevision,
		OriginalMessageID: r.OriginalMessageID,
		Changes:           r.Changes,
		Verdict:           capability.Verdict(r.Verdict),
		Score:             r.Score,
		KeyDecision:       r.KeyDecision,
	}
}
