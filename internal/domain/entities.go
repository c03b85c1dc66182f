// Package domain holds the core entities and ports of the video-tagging
// pipeline. Adapters depend on this package, never the other way around.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrInternal          = errors.New("internal error")
)

// TaskStatus enumerates the durable task states. Transitions are monotonic
// within pending -> processing -> (completed | failed); a requeued task
// re-enters processing on its next pass.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// DimensionAll selects every configured dimension.
const DimensionAll = "all"

// DefaultDimensions is the stable fan-out order when the selector is "all".
var DefaultDimensions = []string{"vision", "audio", "content", "business"}

// Per-dimension message states.
const (
	DimStatusSuccess = "success"
	DimStatusFailed  = "failed"
)

// MessageAll keys the whole-job entry of a task's message map.
const MessageAll = "all"

// DimensionMessage records the outcome of one dimension (or of the whole job
// under the "all" key).
type DimensionMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// TagSet maps dimension name to that dimension's tag object. A failed
// dimension holds an empty object, never null.
type TagSet map[string]json.RawMessage

// MessageSet maps dimension name (plus "all" for whole-job failures) to its
// outcome.
type MessageSet map[string]DimensionMessage

// Failed reports whether any entry carries a failed status.
func (m MessageSet) Failed() bool {
	for _, dm := range m {
		if dm.Status == DimStatusFailed {
			return true
		}
	}
	return false
}

// Task is the durable job record, system of record in the task store.
type Task struct {
	ID             int64
	TaskID         string
	UID            string
	URL            string
	Platform       string
	Dimensions     string
	Status         TaskStatus
	Message        MessageSet
	Tags           TagSet
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ProcessedStart *time.Time
	ProcessedEnd   *time.Time
}

// Submission is a validated task-creation request.
type Submission struct {
	URL        string
	UID        string
	Platform   string
	Dimensions string
	MaterialID string
}

// TaskDetail is the ephemeral per-task coordination record kept in the queue
// substrate alongside the queue entry.
type TaskDetail struct {
	URL        string
	UID        string
	Platform   string
	Dimensions string
	MaterialID string
	Status     string
	Message    string
	RetryCount int
	CreatedAt  int64
}

// TaskRepository is the port to the durable task store.
type TaskRepository interface {
	Create(ctx context.Context, t Task) error
	// Delete removes a task row; used by the producer to roll back when the
	// queue publish fails after the row committed.
	Delete(ctx context.Context, taskID string) error
	Get(ctx context.Context, taskID string) (Task, error)
	// MarkProcessing sets status=processing and stamps processed_start.
	MarkProcessing(ctx context.Context, taskID string) error
	// Finish replaces tags and message wholesale, sets the terminal status and
	// stamps processed_end.
	Finish(ctx context.Context, taskID string, status TaskStatus, tags TagSet, msg MessageSet) error
	// MarkFailed records a whole-job failure under message.all and stamps
	// processed_end.
	MarkFailed(ctx context.Context, taskID string, reason string) error
}

// TaskQueue is the port to the queue substrate: per-platform list, per-task
// detail hash, per-task lock and failed list.
type TaskQueue interface {
	// Publish atomically writes the detail hash and pushes the task id onto
	// the head of the platform queue.
	Publish(ctx context.Context, platform, taskID string, d TaskDetail) error
	// Pop removes the task id at the queue tail; ok is false when empty.
	Pop(ctx context.Context, platform string) (taskID string, ok bool, err error)
	AcquireLock(ctx context.Context, platform, taskID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, platform, taskID string) error
	Detail(ctx context.Context, platform, taskID string) (TaskDetail, bool, error)
	SetDetailStatus(ctx context.Context, platform, taskID, status, message string) error
	IncrRetry(ctx context.Context, platform, taskID string) (int, error)
	Requeue(ctx context.Context, platform, taskID string) error
	PushFailed(ctx context.Context, platform, taskID string) error
	DeleteDetail(ctx context.Context, platform, taskID string) error
}

// FileHandle identifies a file uploaded to the model provider.
type FileHandle struct {
	Name  string
	URI   string
	MIME  string
	State string
}

// ModelProvider is the port to the generative model: upload once, generate
// once per dimension over the same handle, best-effort delete.
type ModelProvider interface {
	Upload(ctx context.Context, path string) (FileHandle, error)
	// Generate returns the raw response body; the adapter guarantees it is
	// non-empty, well-formed JSON.
	Generate(ctx context.Context, f FileHandle, dimension string) (string, error)
	Delete(ctx context.Context, f FileHandle) error
}

// Downloader fetches a video URL to a local temporary file.
type Downloader interface {
	Download(ctx context.Context, url, taskID string) (path string, err error)
}

// PromptStore renders the system prompt for a dimension.
type PromptStore interface {
	SystemPrompt(dimension string) (string, error)
}

// IndexClient forwards a finished tag bundle to the downstream search index.
type IndexClient interface {
	SyncTags(ctx context.Context, materialIDs []string, tags TagSet) error
}
