// Package usecase wires the producer and lookup flows of the tagging
// pipeline over the domain ports.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/vision-to-tag/internal/adapter/observability"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
)

// DispatchService materialises accepted submissions as one durable row plus
// one queue entry, atomically from the caller's point of view.
type DispatchService struct {
	Tasks domain.TaskRepository
	Queue domain.TaskQueue
}

// NewDispatchService constructs a DispatchService.
func NewDispatchService(tasks domain.TaskRepository, queue domain.TaskQueue) DispatchService {
	return DispatchService{Tasks: tasks, Queue: queue}
}

// Dispatch validates routing, persists the task row and publishes the queue
// entry. When the publish fails after the row committed, the row is rolled
// back so the two stores never disagree; the submission is then reported as
// not dispatched. The generated task id is returned even on failure so the
// caller can echo it back.
func (s DispatchService) Dispatch(ctx context.Context, sub domain.Submission) (string, error) {
	taskID := uuid.New().String()

	queuePlatform, ok := domain.RoutePlatform(sub.Platform)
	if !ok {
		return taskID, fmt.Errorf("%w: unknown platform %q", domain.ErrInvalidArgument, sub.Platform)
	}
	if !domain.ValidDimension(sub.Dimensions) {
		return taskID, fmt.Errorf("%w: unknown dimension %q", domain.ErrInvalidArgument, sub.Dimensions)
	}

	now := time.Now().UTC()
	task := domain.Task{
		TaskID:     taskID,
		UID:        sub.UID,
		URL:        sub.URL,
		Platform:   sub.Platform,
		Dimensions: sub.Dimensions,
		Status:     domain.TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Tasks.Create(ctx, task); err != nil {
		slog.Error("task row create failed", slog.String("task_id", taskID), slog.Any("error", err))
		return taskID, err
	}

	detail := domain.TaskDetail{
		URL:        sub.URL,
		UID:        sub.UID,
		Platform:   sub.Platform,
		Dimensions: sub.Dimensions,
		MaterialID: sub.MaterialID,
		Status:     string(domain.TaskPending),
		CreatedAt:  now.Unix(),
	}
	if err := s.Queue.Publish(ctx, queuePlatform, taskID, detail); err != nil {
		slog.Error("queue publish failed, rolling back task row",
			slog.String("task_id", taskID),
			slog.String("queue_platform", queuePlatform),
			slog.Any("error", err))
		if delErr := s.Tasks.Delete(ctx, taskID); delErr != nil {
			// The row survives with no queue entry; it will never be picked
			// up and shows as pending until operator cleanup.
			slog.Error("task row rollback failed", slog.String("task_id", taskID), slog.Any("error", delErr))
		}
		return taskID, fmt.Errorf("dispatch task: %w", err)
	}

	observability.EnqueueTask(queuePlatform)
	slog.Info("task dispatched",
		slog.String("task_id", taskID),
		slog.String("platform", sub.Platform),
		slog.String("queue_platform", queuePlatform),
		slog.String("dimensions", sub.Dimensions))
	return taskID, nil
}
