package taskqueue

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// FetchTask downloads one overlay image into the disk cache.
type FetchTask struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	URL         string     `json:"url"`
	Dest        string     `json:"dest"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   time.Time  `json:"startedAt,omitempty"`
	CompletedAt time.Time  `json:"completedAt,omitempty"`

	// Error message if failed
	Error string `json:"error,omitempty"`
}

// NewFetchTask creates a pending task for the given cache key.
func NewFetchTask(key, url, dest string) *FetchTask {
	return &FetchTask{
		ID:        uuid.NewString(),
		Key:       key,
		URL:       url,
		Dest:      dest,
		Status:    TaskStatusPending,
		CreatedAt: time.Now(),
	}
}

// Duration returns how long the task ran, or zero if it has not finished.
func (t *FetchTask) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// MarkStarted marks the task as started
func (t *FetchTask) MarkStarted() {
	t.StartedAt = time.Now()
	t.Status = TaskStatusRunning
}

// MarkCompleted marks the task as completed
func (t *FetchTask) MarkCompleted() {
	t.CompletedAt = time.Now()
	t.Status = TaskStatusCompleted
}

// MarkFailed marks the task as failed with an error
func (t *FetchTask) MarkFailed(err error) {
	t.CompletedAt = time.Now()
	t.Status = TaskStatusFailed
	if err != nil {
		t.Error = err.Error()
	}
}

// MarkCancelled marks the task as cancelled
func (t *FetchTask) MarkCancelled() {
	t.CompletedAt = time.Now()
	t.Status = TaskStatusCancelled
}
