package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/vision-to-tag/internal/domain"
	"github.com/fairyhunter13/vision-to-tag/internal/retry"
)

// Store executes task-store operations under the store retry policy, pulling
// the current pool from the Provider on every attempt so a reset takes effect
// mid-retry. It implements domain.TaskRepository.
type Store struct {
	provider *Provider
	retrier  *retry.Retrier
}

// NewStore wraps a Provider with the given retry policy.
func NewStore(p *Provider, policy retry.Policy) *Store {
	s := &Store{provider: p}
	s.retrier = retry.New(policy, Retryable, retry.WithReset(p.Reset))
	return s
}

// Ping verifies store connectivity; used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.provider.Handle(ctx)
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

func (s *Store) do(ctx context.Context, name string, op func(ctx context.Context, r *TaskRepo) error) error {
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		pool, err := s.provider.Handle(ctx)
		if err != nil {
			s.provider.Invalidate()
			return err
		}
		opErr := op(ctx, NewTaskRepo(pool))
		if opErr != nil && Retryable(opErr) {
			s.provider.Invalidate()
		}
		return opErr
	})
	if err != nil {
		slog.Error("task store operation failed", slog.String("op", name), slog.Any("error", err))
		return fmt.Errorf("op=store.%s: %w", name, err)
	}
	return nil
}

// Create inserts a new task row in pending state.
func (s *Store) Create(ctx context.Context, t domain.Task) error {
	return s.do(ctx, "create", func(ctx context.Context, r *TaskRepo) error {
		return r.Create(ctx, t)
	})
}

// Delete removes a task row.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	return s.do(ctx, "delete", func(ctx context.Context, r *TaskRepo) error {
		return r.Delete(ctx, taskID)
	})
}

// Get loads a task by its public id.
func (s *Store) Get(ctx context.Context, taskID string) (domain.Task, error) {
	var t domain.Task
	err := s.do(ctx, "get", func(ctx context.Context, r *TaskRepo) error {
		var err error
		t, err = r.Get(ctx, taskID)
		return err
	})
	return t, err
}

// MarkProcessing moves a task into processing.
func (s *Store) MarkProcessing(ctx context.Context, taskID string) error {
	return s.do(ctx, "mark_processing", func(ctx context.Context, r *TaskRepo) error {
		return r.MarkProcessing(ctx, taskID)
	})
}

// Finish records the terminal outcome of a processed task.
func (s *Store) Finish(ctx context.Context, taskID string, status domain.TaskStatus, tags domain.TagSet, msg domain.MessageSet) error {
	return s.do(ctx, "finish", func(ctx context.Context, r *TaskRepo) error {
		return r.Finish(ctx, taskID, status, tags, msg)
	})
}

// MarkFailed records a whole-job failure.
func (s *Store) MarkFailed(ctx context.Context, taskID string, reason string) error {
	return s.do(ctx, "mark_failed", func(ctx context.Context, r *TaskRepo) error {
		return r.MarkFailed(ctx, taskID, reason)
	})
}
