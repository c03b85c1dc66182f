package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/vision-to-tag/internal/domain"
)

// TaskRepo persists and loads tasks from PostgreSQL using a minimal pgx pool.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// Create inserts a new task row in pending state.
func (r *TaskRepo) Create(ctx context.Context, t domain.Task) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	msg, tags, err := marshalState(t.Message, t.Tags)
	if err != nil {
		return fmt.Errorf("op=task.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO video_tasks (task_id, uid, url, platform, status, dimensions, message, tags, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`
	_, err = r.Pool.Exec(ctx, q, t.TaskID, t.UID, t.URL, t.Platform, t.Status, t.Dimensions, msg, tags, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=task.create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=task.create: %w", err)
	}
	return nil
}

// Delete removes a task row. The producer calls this to roll back a row whose
// queue publish failed after the insert committed.
func (r *TaskRepo) Delete(ctx context.Context, taskID string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Delete")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `DELETE FROM video_tasks WHERE task_id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("op=task.delete: %w", err)
	}
	return nil
}

// Get loads a task by its public id.
func (r *TaskRepo) Get(ctx context.Context, taskID string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	q := `SELECT id, task_id, uid, url, platform, status, dimensions, message, tags, created_at, updated_at, processed_start, processed_end
	      FROM video_tasks WHERE task_id=$1`
	row := r.Pool.QueryRow(ctx, q, taskID)
	var t domain.Task
	var msg, tags []byte
	err := row.Scan(&t.ID, &t.TaskID, &t.UID, &t.URL, &t.Platform, &t.Status, &t.Dimensions,
		&msg, &tags, &t.CreatedAt, &t.UpdatedAt, &t.ProcessedStart, &t.ProcessedEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	if len(msg) > 0 {
		if err := json.Unmarshal(msg, &t.Message); err != nil {
			return domain.Task{}, fmt.Errorf("op=task.get: decode message: %w", err)
		}
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &t.Tags); err != nil {
			return domain.Task{}, fmt.Errorf("op=task.get: decode tags: %w", err)
		}
	}
	return t, nil
}

// MarkProcessing moves a task into processing and stamps processed_start.
func (r *TaskRepo) MarkProcessing(ctx context.Context, taskID string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkProcessing")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE video_tasks SET status=$2, processed_start=$3, updated_at=$3 WHERE task_id=$1`
	_, err := r.Pool.Exec(ctx, q, taskID, domain.TaskProcessing, now)
	if err != nil {
		return fmt.Errorf("op=task.mark_processing: %w", err)
	}
	return nil
}

// Finish replaces tags and message wholesale, sets the terminal status and
// stamps processed_end.
func (r *TaskRepo) Finish(ctx context.Context, taskID string, status domain.TaskStatus, tags domain.TagSet, msg domain.MessageSet) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Finish")
	defer span.End()
	msgB, tagsB, err := marshalState(msg, tags)
	if err != nil {
		return fmt.Errorf("op=task.finish: %w", err)
	}
	now := time.Now().UTC()
	q := `UPDATE video_tasks SET status=$2, tags=$3, message=$4, processed_end=$5, updated_at=$5 WHERE task_id=$1`
	_, err = r.Pool.Exec(ctx, q, taskID, status, tagsB, msgB, now)
	if err != nil {
		return fmt.Errorf("op=task.finish: %w", err)
	}
	return nil
}

// MarkFailed records a whole-job failure under message.all and stamps
// processed_end.
func (r *TaskRepo) MarkFailed(ctx context.Context, taskID string, reason string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkFailed")
	defer span.End()
	msg := domain.MessageSet{
		domain.MessageAll: {Status: domain.DimStatusFailed, Message: reason},
	}
	msgB, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=task.mark_failed: %w", err)
	}
	now := time.Now().UTC()
	q := `UPDATE video_tasks SET status=$2, message=$3, processed_end=$4, updated_at=$4 WHERE task_id=$1`
	_, err = r.Pool.Exec(ctx, q, taskID, domain.TaskFailed, msgB, now)
	if err != nil {
		return fmt.Errorf("op=task.mark_failed: %w", err)
	}
	return nil
}

func marshalState(msg domain.MessageSet, tags domain.TagSet) (msgB, tagsB []byte, err error) {
	if msg == nil {
		msg = domain.MessageSet{}
	}
	if tags == nil {
		tags = domain.TagSet{}
	}
	msgB, err = json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("encode message: %w", err)
	}
	tagsB, err = json.Marshal(tags)
	if err != nil {
		return nil, nil, fmt.Errorf("encode tags: %w", err)
	}
	return msgB, tagsB, nil
}
