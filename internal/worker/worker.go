// Package worker drains a platform queue under per-task locks and drives the
// per-dimension tagging fan-out.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fairyhunter13/vision-to-tag/internal/adapter/observability"
	"github.com/fairyhunter13/vision-to-tag/internal/config"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
	"github.com/fairyhunter13/vision-to-tag/internal/service/ratelimiter"
)

// detailReadAttempts bounds the wait for a detail hash that may lag the
// queue entry it was published with.
const (
	detailReadAttempts = 3
	detailReadDelay    = time.Second
)

// Worker consumes one platform queue. Multiple workers may share the queue;
// the per-task lock keeps any task on a single owner at a time.
type Worker struct {
	cfg      config.Config
	queue    domain.TaskQueue
	tasks    domain.TaskRepository
	model    domain.ModelProvider
	download domain.Downloader
	prompts  domain.PromptStore
	limiter  ratelimiter.Limiter
	index    domain.IndexClient // nil when the downstream sync is disabled
}

// New constructs a Worker for the configured platform.
func New(cfg config.Config, queue domain.TaskQueue, tasks domain.TaskRepository, model domain.ModelProvider,
	download domain.Downloader, prompts domain.PromptStore, limiter ratelimiter.Limiter, index domain.IndexClient) *Worker {
	if limiter == nil {
		limiter = ratelimiter.NopLimiter{}
	}
	return &Worker{
		cfg:      cfg,
		queue:    queue,
		tasks:    tasks,
		model:    model,
		download: download,
		prompts:  prompts,
		limiter:  limiter,
		index:    index,
	}
}

// Run drains the queue until the context ends. Any failure of a single pass
// is logged and absorbed; the loop itself never dies.
func (w *Worker) Run(ctx context.Context) error {
	platform := w.cfg.Platform
	slog.Info("worker started",
		slog.String("platform", platform),
		slog.Int("max_retries", w.cfg.MaxRetries),
		slog.Duration("lock_timeout", w.cfg.LockTimeout))
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping", slog.String("platform", platform))
			return ctx.Err()
		default:
		}
		if err := w.runOnce(ctx); err != nil {
			slog.Error("worker pass failed", slog.String("platform", platform), slog.Any("error", err))
			w.sleep(ctx, w.cfg.IdleSleep)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker pass panicked: %v", r)
		}
	}()

	platform := w.cfg.Platform
	taskID, ok, err := w.queue.Pop(ctx, platform)
	if err != nil {
		return err
	}
	if !ok {
		w.sleep(ctx, w.cfg.IdleSleep)
		return nil
	}

	locked, err := w.queue.AcquireLock(ctx, platform, taskID, w.cfg.LockTimeout)
	if err != nil {
		return err
	}
	if !locked {
		// Another worker owns this task; its queue entry is theirs too.
		slog.Debug("task lock held elsewhere", slog.String("task_id", taskID))
		return nil
	}
	defer func() {
		if relErr := w.queue.ReleaseLock(ctx, platform, taskID); relErr != nil {
			slog.Warn("lock release failed", slog.String("task_id", taskID), slog.Any("error", relErr))
		}
	}()

	w.processTask(ctx, taskID)
	return nil
}

// processTask runs one locked task to a terminal outcome: finished in the
// task store, requeued for another pass, or pushed to the failed list.
func (w *Worker) processTask(ctx context.Context, taskID string) {
	platform := w.cfg.Platform
	start := time.Now()
	observability.StartProcessingTask(platform)

	detail, ok := w.readDetail(ctx, taskID)
	if !ok {
		// No detail hash means the task was already completed or rolled back;
		// the stale queue entry is dropped.
		slog.Warn("task detail missing, dropping queue entry", slog.String("task_id", taskID))
		observability.DropTask(platform)
		return
	}

	localPath, err := w.runPipeline(ctx, taskID, detail)
	if localPath != "" {
		defer func() {
			if rmErr := os.Remove(localPath); rmErr != nil && !os.IsNotExist(rmErr) {
				slog.Warn("video cleanup failed", slog.String("path", localPath), slog.Any("error", rmErr))
			}
		}()
	}
	if err != nil {
		w.handleFailure(ctx, taskID, err)
		return
	}

	observability.CompleteTask(platform)
	slog.Info("task completed",
		slog.String("task_id", taskID),
		slog.Duration("took", time.Since(start)))
}

// readDetail tolerates the detail hash lagging the queue entry by a moment.
func (w *Worker) readDetail(ctx context.Context, taskID string) (domain.TaskDetail, bool) {
	platform := w.cfg.Platform
	for attempt := 1; ; attempt++ {
		detail, ok, err := w.queue.Detail(ctx, platform, taskID)
		if err == nil && ok {
			return detail, true
		}
		if err != nil {
			slog.Warn("detail read failed",
				slog.String("task_id", taskID),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
		}
		if attempt >= detailReadAttempts {
			return domain.TaskDetail{}, false
		}
		w.sleep(ctx, detailReadDelay)
	}
}

// runPipeline performs the whole tagging pass for one task. It returns the
// local video path (possibly empty) so the caller can clean it up, and an
// error only for whole-job failures; per-dimension failures are recorded in
// the result and do not surface here.
func (w *Worker) runPipeline(ctx context.Context, taskID string, detail domain.TaskDetail) (string, error) {
	platform := w.cfg.Platform

	if err := w.tasks.MarkProcessing(ctx, taskID); err != nil {
		return "", fmt.Errorf("mark processing: %w", err)
	}
	if err := w.queue.SetDetailStatus(ctx, platform, taskID, string(domain.TaskProcessing), ""); err != nil {
		return "", fmt.Errorf("set detail processing: %w", err)
	}

	localPath, err := w.download.Download(ctx, detail.URL, taskID)
	if err != nil {
		return "", fmt.Errorf("download video: %w", err)
	}

	handle, err := w.model.Upload(ctx, localPath)
	if err != nil {
		return localPath, fmt.Errorf("upload video: %w", err)
	}
	defer func() { _ = w.model.Delete(ctx, handle) }()

	tags, msgs := w.fanOut(ctx, taskID, handle, detail.Dimensions)

	// A failing dimension terminates the job on this pass with mixed results;
	// it never consumes the whole-job retry budget.
	status := domain.TaskCompleted
	if msgs.Failed() {
		status = domain.TaskFailed
	}
	if err := w.tasks.Finish(ctx, taskID, status, tags, msgs); err != nil {
		return localPath, fmt.Errorf("finish task: %w", err)
	}
	w.syncIndex(ctx, taskID, detail, tags, msgs)
	if err := w.queue.DeleteDetail(ctx, platform, taskID); err != nil {
		slog.Warn("detail cleanup failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
	return localPath, nil
}

// fanOut runs every selected dimension over the uploaded file. A failing
// dimension is recorded with an empty tag object and never interrupts its
// siblings.
func (w *Worker) fanOut(ctx context.Context, taskID string, handle domain.FileHandle, selector string) (domain.TagSet, domain.MessageSet) {
	tags := domain.TagSet{}
	msgs := domain.MessageSet{}
	for _, dim := range domain.ExpandDimensions(selector) {
		if err := w.acquireBudget(ctx, dim); err != nil {
			w.recordDimension(taskID, dim, tags, msgs, "", err)
			continue
		}
		raw, err := w.model.Generate(ctx, handle, dim)
		w.recordDimension(taskID, dim, tags, msgs, raw, err)
	}
	return tags, msgs
}

func (w *Worker) acquireBudget(ctx context.Context, dim string) error {
	prompt, err := w.prompts.SystemPrompt(dim)
	if err != nil {
		return err
	}
	return w.limiter.Acquire(ctx, ratelimiter.EstimateTokens(prompt))
}

func (w *Worker) recordDimension(taskID, dim string, tags domain.TagSet, msgs domain.MessageSet, raw string, err error) {
	if err != nil {
		slog.Error("dimension failed",
			slog.String("task_id", taskID),
			slog.String("dimension", dim),
			slog.Any("error", err))
		tags[dim] = json.RawMessage(`{}`)
		msgs[dim] = domain.DimensionMessage{Status: domain.DimStatusFailed, Message: err.Error()}
		observability.ObserveDimension(dim, domain.DimStatusFailed)
		return
	}
	tags[dim] = json.RawMessage(raw)
	msgs[dim] = domain.DimensionMessage{Status: domain.DimStatusSuccess, Message: domain.DimStatusSuccess}
	observability.ObserveDimension(dim, domain.DimStatusSuccess)
}

// syncIndex forwards the finished bundle downstream. Failures are logged
// only; the task outcome is already durable.
func (w *Worker) syncIndex(ctx context.Context, taskID string, detail domain.TaskDetail, tags domain.TagSet, msgs domain.MessageSet) {
	if w.index == nil || detail.MaterialID == "" || msgs.Failed() {
		return
	}
	var materialIDs []string
	if err := json.Unmarshal([]byte(detail.MaterialID), &materialIDs); err != nil {
		slog.Warn("material id list malformed, skipping index sync",
			slog.String("task_id", taskID),
			slog.Any("error", err))
		return
	}
	if len(materialIDs) == 0 {
		return
	}
	if err := w.index.SyncTags(ctx, materialIDs, tags); err != nil {
		slog.Error("index sync failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// handleFailure applies the whole-job retry budget: requeue below the cap,
// terminal failure at it.
func (w *Worker) handleFailure(ctx context.Context, taskID string, cause error) {
	platform := w.cfg.Platform
	slog.Error("task pass failed",
		slog.String("task_id", taskID),
		slog.Any("error", cause))

	retries, err := w.queue.IncrRetry(ctx, platform, taskID)
	if err != nil {
		// The counter is unreachable; requeue so the task is not lost.
		slog.Error("retry counter unavailable, requeueing",
			slog.String("task_id", taskID),
			slog.Any("error", err))
		w.requeue(ctx, taskID, cause)
		return
	}
	if retries >= w.cfg.MaxRetries {
		slog.Error("task retry budget exhausted",
			slog.String("task_id", taskID),
			slog.Int("retries", retries))
		if err := w.queue.PushFailed(ctx, platform, taskID); err != nil {
			slog.Error("failed-list push failed", slog.String("task_id", taskID), slog.Any("error", err))
		}
		if err := w.queue.SetDetailStatus(ctx, platform, taskID, string(domain.TaskFailed), cause.Error()); err != nil {
			slog.Warn("detail status update failed", slog.String("task_id", taskID), slog.Any("error", err))
		}
		if err := w.tasks.MarkFailed(ctx, taskID, cause.Error()); err != nil {
			slog.Error("task store failure mark failed", slog.String("task_id", taskID), slog.Any("error", err))
		}
		observability.FailTask(platform)
		return
	}
	w.requeue(ctx, taskID, cause)
}

func (w *Worker) requeue(ctx context.Context, taskID string, cause error) {
	platform := w.cfg.Platform
	if err := w.queue.SetDetailStatus(ctx, platform, taskID, string(domain.TaskPending), cause.Error()); err != nil {
		slog.Warn("detail status update failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
	if err := w.queue.Requeue(ctx, platform, taskID); err != nil {
		slog.Error("requeue failed", slog.String("task_id", taskID), slog.Any("error", err))
		observability.AbandonTask(platform)
		return
	}
	observability.RequeueTask(platform)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
