package usecase

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/fairyhunter13/vision-to-tag/internal/domain"
)

// StatusService provides read access to task state and assembles the
// caller-facing view of it.
type StatusService struct {
	Tasks domain.TaskRepository
}

// NewStatusService constructs a StatusService.
func NewStatusService(tasks domain.TaskRepository) StatusService {
	return StatusService{Tasks: tasks}
}

// TaskView is the caller-facing projection of a task.
type TaskView struct {
	TaskID  string
	Status  domain.TaskStatus
	Message string
	Tags    domain.TagSet
}

// Fetch loads a task and flattens its per-dimension messages into one line:
// "success" when nothing failed, otherwise the failed entries joined in
// stable order.
func (s StatusService) Fetch(ctx context.Context, taskID string) (TaskView, error) {
	task, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		slog.Warn("task lookup failed", slog.String("task_id", taskID), slog.Any("error", err))
		return TaskView{}, err
	}
	return TaskView{
		TaskID:  task.TaskID,
		Status:  task.Status,
		Message: flattenMessages(task.Message),
		Tags:    task.Tags,
	}, nil
}

func flattenMessages(msg domain.MessageSet) string {
	if len(msg) == 0 {
		return ""
	}
	keys := make([]string, 0, len(msg))
	for k, m := range msg {
		if m.Status == domain.DimStatusFailed {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "success"
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+msg[k].Message)
	}
	return strings.Join(parts, "; ")
}
