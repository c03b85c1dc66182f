package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/fairyhunter13/vision-to-tag/internal/adapter/observability"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
	"github.com/fairyhunter13/vision-to-tag/internal/service/ratelimiter"
)

// TagOnceService runs the whole tagging pass inline for one video: download,
// upload, per-dimension generation, cleanup. Nothing is persisted and no
// queue entry is created; the caller gets the result or the error directly.
type TagOnceService struct {
	Model    domain.ModelProvider
	Download domain.Downloader
	Prompts  domain.PromptStore
	Limiter  ratelimiter.Limiter
}

// NewTagOnceService constructs a TagOnceService. A nil limiter disables
// throttling.
func NewTagOnceService(model domain.ModelProvider, download domain.Downloader, prompts domain.PromptStore, limiter ratelimiter.Limiter) TagOnceService {
	if limiter == nil {
		limiter = ratelimiter.NopLimiter{}
	}
	return TagOnceService{Model: model, Download: download, Prompts: prompts, Limiter: limiter}
}

// Tag downloads the video, uploads it to the model provider and generates
// tags for every selected dimension. A failing dimension is reported in the
// message set with an empty tag object; only download and upload failures
// abort the whole call.
func (s TagOnceService) Tag(ctx context.Context, url, dimensions string) (domain.TagSet, domain.MessageSet, error) {
	if !domain.ValidDimension(dimensions) {
		return nil, nil, fmt.Errorf("%w: unknown dimension %q", domain.ErrInvalidArgument, dimensions)
	}

	// The scratch id only partitions the download directory.
	scratchID := uuid.New().String()
	localPath, err := s.Download.Download(ctx, url, scratchID)
	if err != nil {
		return nil, nil, fmt.Errorf("download video: %w", err)
	}
	defer func() {
		if rmErr := os.Remove(localPath); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("video cleanup failed", slog.String("path", localPath), slog.Any("error", rmErr))
		}
	}()

	handle, err := s.Model.Upload(ctx, localPath)
	if err != nil {
		return nil, nil, fmt.Errorf("upload video: %w", err)
	}
	defer func() { _ = s.Model.Delete(ctx, handle) }()

	tags := domain.TagSet{}
	msgs := domain.MessageSet{}
	for _, dim := range domain.ExpandDimensions(dimensions) {
		raw, genErr := s.generate(ctx, handle, dim)
		if genErr != nil {
			slog.Error("dimension failed",
				slog.String("url", url),
				slog.String("dimension", dim),
				slog.Any("error", genErr))
			tags[dim] = json.RawMessage(`{}`)
			msgs[dim] = domain.DimensionMessage{Status: domain.DimStatusFailed, Message: genErr.Error()}
			observability.ObserveDimension(dim, domain.DimStatusFailed)
			continue
		}
		tags[dim] = json.RawMessage(raw)
		msgs[dim] = domain.DimensionMessage{Status: domain.DimStatusSuccess, Message: domain.DimStatusSuccess}
		observability.ObserveDimension(dim, domain.DimStatusSuccess)
	}
	return tags, msgs, nil
}

func (s TagOnceService) generate(ctx context.Context, handle domain.FileHandle, dim string) (string, error) {
	prompt, err := s.Prompts.SystemPrompt(dim)
	if err != nil {
		return "", err
	}
	if err := s.Limiter.Acquire(ctx, ratelimiter.EstimateTokens(prompt)); err != nil {
		return "", err
	}
	return s.Model.Generate(ctx, handle, dim)
}
