// Package queue implements a small at-least-once durable task queue backed
// by the same relational store as everything else, rather than reaching for
// a separate broker. A finalize trigger (HTTP request, webhook, poller,
// reconciler) enqueues a row; one or more worker processes poll for ready
// rows, lock them, and hand them to the finalize Worker, retrying with
// backoff on failure up to a bounded attempt count.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Task is a durable unit of work. Payload is opaque to the queue itself —
// only the registered Handler for its Type knows how to decode it.
type Task struct {
	ID          uint   `gorm:"primaryKey;autoIncrement;column:id"`
	TaskType    string `gorm:"column:task_type;size:100;not null"`
	Payload     string `gorm:"column:payload;type:text;not null"`
	Status      string `gorm:"column:status;size:50;not null;default:pending"`
	Attempts    int    `gorm:"column:attempts;not null;default:0"`
	MaxAttempts int    `gorm:"column:max_attempts;not null;default:3"`
	RunAfter    time.Time
	LockedBy    *string
	LockedAt    *time.Time
	LastError   *string `gorm:"column:last_error;type:text"`
	CreatedAt   time.Time
}

func (Task) TableName() string { return "e2epool_queue_tasks" }

// ErrNoTask is returned by claimNext when there is no ready task to process.
var ErrNoTask = errors.New("queue: no task ready")

// Handler processes one task's payload. Returning an error causes the task
// to be retried with backoff (see backoffDelay) until MaxAttempts is
// reached, at which point it is marked failed.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Queue enqueues tasks and exposes the handler registry workers consume from.
type Queue struct {
	db       *gorm.DB
	logger   *zap.Logger
	handlers map[string]Handler
}

// New constructs a Queue.
func New(gdb *gorm.DB, logger *zap.Logger) *Queue {
	return &Queue{db: gdb, logger: logger, handlers: make(map[string]Handler)}
}

// Register wires a Handler for a task type. Call before starting any Worker.
func (q *Queue) Register(taskType string, h Handler) {
	q.handlers[taskType] = h
}

// Enqueue inserts a task ready to run immediately.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload interface{}) error {
	return q.EnqueueAfter(ctx, taskType, payload, 0)
}

// EnqueueAfter inserts a task that should not be claimed until delay has
// elapsed, used by the retry path to implement backoff.
func (q *Queue) EnqueueAfter(ctx context.Context, taskType string, payload interface{}, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}
	t := &Task{
		TaskType:    taskType,
		Payload:     string(raw),
		Status:      StatusPending,
		MaxAttempts: 3,
		RunAfter:    time.Now().Add(delay),
		CreatedAt:   time.Now(),
	}
	if err := q.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// claimNext atomically claims the oldest ready task for workerID, or
// returns ErrNoTask if none is ready. The update-then-reselect pattern
// works identically on both sqlite and postgres without a SELECT ... FOR
// UPDATE SKIP LOCKED, at the cost of one extra round trip under contention
// — acceptable given the low rate of finalize/gc triggers relative to a
// typical job scheduler.
func (q *Queue) claimNext(ctx context.Context, workerID string) (*Task, error) {
	var t Task
	err := q.db.WithContext(ctx).
		Where("status = ? AND run_after <= ?", StatusPending, time.Now()).
		Order("id ASC").
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoTask
		}
		return nil, fmt.Errorf("queue: find next: %w", err)
	}

	now := time.Now()
	result := q.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND status = ?", t.ID, StatusPending).
		Updates(map[string]interface{}{
			"status":    StatusProcessing,
			"locked_by": workerID,
			"locked_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("queue: claim: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Another worker claimed it between our SELECT and UPDATE.
		return nil, ErrNoTask
	}

	t.Status = StatusProcessing
	return &t, nil
}

func (q *Queue) markDone(ctx context.Context, id uint) error {
	return q.db.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Update("status", StatusDone).Error
}

func (q *Queue) markRetry(ctx context.Context, t *Task, taskErr error, delay time.Duration) error {
	errMsg := taskErr.Error()
	attempts := t.Attempts + 1
	status := StatusPending
	if attempts >= t.MaxAttempts {
		status = StatusFailed
	}
	return q.db.WithContext(ctx).Model(&Task{}).Where("id = ?", t.ID).Updates(map[string]interface{}{
		"status":     status,
		"attempts":   attempts,
		"last_error": errMsg,
		"run_after":  time.Now().Add(delay),
		"locked_by":  nil,
		"locked_at":  nil,
	}).Error
}
