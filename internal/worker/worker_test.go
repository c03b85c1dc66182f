package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/vision-to-tag/internal/adapter/observability"
	"github.com/fairyhunter13/vision-to-tag/internal/config"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
)

type fakeQueue struct {
	popIDs     []string
	lockOK     bool
	lockCalls  int
	released   int
	detail     domain.TaskDetail
	detailOK   bool
	statusSets []string
	retries    int
	retryErr   error
	requeued   []string
	requeueErr error
	failed     []string
	deleted    []string
}

func (q *fakeQueue) Publish(_ context.Context, _, _ string, _ domain.TaskDetail) error { return nil }

func (q *fakeQueue) Pop(_ context.Context, _ string) (string, bool, error) {
	if len(q.popIDs) == 0 {
		return "", false, nil
	}
	id := q.popIDs[0]
	q.popIDs = q.popIDs[1:]
	return id, true, nil
}

func (q *fakeQueue) AcquireLock(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	q.lockCalls++
	return q.lockOK, nil
}

func (q *fakeQueue) ReleaseLock(_ context.Context, _, _ string) error {
	q.released++
	return nil
}

func (q *fakeQueue) Detail(_ context.Context, _, _ string) (domain.TaskDetail, bool, error) {
	return q.detail, q.detailOK, nil
}

func (q *fakeQueue) SetDetailStatus(_ context.Context, _, _, status, _ string) error {
	q.statusSets = append(q.statusSets, status)
	return nil
}

func (q *fakeQueue) IncrRetry(_ context.Context, _, _ string) (int, error) {
	if q.retryErr != nil {
		return 0, q.retryErr
	}
	q.retries++
	return q.retries, nil
}

func (q *fakeQueue) Requeue(_ context.Context, _, taskID string) error {
	if q.requeueErr != nil {
		return q.requeueErr
	}
	q.requeued = append(q.requeued, taskID)
	return nil
}

func (q *fakeQueue) PushFailed(_ context.Context, _, taskID string) error {
	q.failed = append(q.failed, taskID)
	return nil
}

func (q *fakeQueue) DeleteDetail(_ context.Context, _, taskID string) error {
	q.deleted = append(q.deleted, taskID)
	return nil
}

type fakeRepo struct {
	processing []string
	finished   []finishCall
	failedWith []string
}

type finishCall struct {
	taskID string
	status domain.TaskStatus
	tags   domain.TagSet
	msgs   domain.MessageSet
}

func (r *fakeRepo) Create(_ context.Context, _ domain.Task) error        { return nil }
func (r *fakeRepo) Delete(_ context.Context, _ string) error             { return nil }
func (r *fakeRepo) Get(_ context.Context, _ string) (domain.Task, error) { return domain.Task{}, nil }

func (r *fakeRepo) MarkProcessing(_ context.Context, taskID string) error {
	r.processing = append(r.processing, taskID)
	return nil
}

func (r *fakeRepo) Finish(_ context.Context, taskID string, status domain.TaskStatus, tags domain.TagSet, msgs domain.MessageSet) error {
	r.finished = append(r.finished, finishCall{taskID, status, tags, msgs})
	return nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, taskID string, reason string) error {
	r.failedWith = append(r.failedWith, taskID+": "+reason)
	return nil
}

type fakeModel struct {
	uploads     int
	uploadErr   error
	generated   []string
	generate    map[string]string
	generateErr map[string]error
	deleted     int
}

func (m *fakeModel) Upload(_ context.Context, _ string) (domain.FileHandle, error) {
	m.uploads++
	if m.uploadErr != nil {
		return domain.FileHandle{}, m.uploadErr
	}
	return domain.FileHandle{Name: "files/abc", URI: "uri", MIME: "video/mp4", State: "ACTIVE"}, nil
}

func (m *fakeModel) Generate(_ context.Context, _ domain.FileHandle, dim string) (string, error) {
	m.generated = append(m.generated, dim)
	if err := m.generateErr[dim]; err != nil {
		return "", err
	}
	if out, ok := m.generate[dim]; ok {
		return out, nil
	}
	return `{"` + dim + `":["tag"]}`, nil
}

func (m *fakeModel) Delete(_ context.Context, _ domain.FileHandle) error {
	m.deleted++
	return nil
}

type fakeDownloader struct {
	path string
	err  error
}

func (d *fakeDownloader) Download(_ context.Context, _, _ string) (string, error) {
	return d.path, d.err
}

type fakePrompts struct{}

func (fakePrompts) SystemPrompt(dim string) (string, error) { return "prompt for " + dim, nil }

type fakeIndex struct {
	calls []indexCall
	err   error
}

type indexCall struct {
	materialIDs []string
	tags        domain.TagSet
}

func (i *fakeIndex) SyncTags(_ context.Context, ids []string, tags domain.TagSet) error {
	i.calls = append(i.calls, indexCall{ids, tags})
	return i.err
}

func testConfig() config.Config {
	return config.Config{
		Platform:    "rpa",
		MaxRetries:  30,
		LockTimeout: 300 * time.Second,
		IdleSleep:   time.Millisecond,
	}
}

func tempVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "v.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	return path
}

func newWorker(q *fakeQueue, r *fakeRepo, m *fakeModel, d *fakeDownloader, idx domain.IndexClient) *Worker {
	return New(testConfig(), q, r, m, d, fakePrompts{}, nil, idx)
}

func TestProcessTaskSuccess(t *testing.T) {
	video := tempVideo(t)
	q := &fakeQueue{
		detailOK: true,
		detail:   domain.TaskDetail{URL: "https://host/v.mp4", Dimensions: "all", MaterialID: `["m1"]`},
	}
	r := &fakeRepo{}
	m := &fakeModel{}
	idx := &fakeIndex{}
	w := newWorker(q, r, m, &fakeDownloader{path: video}, idx)

	w.processTask(context.Background(), "t1")

	assert.Equal(t, []string{"t1"}, r.processing)
	assert.Equal(t, 1, m.uploads, "file is uploaded exactly once for the whole fan-out")
	assert.Equal(t, domain.DefaultDimensions, m.generated)
	assert.Equal(t, 1, m.deleted)

	require.Len(t, r.finished, 1)
	fin := r.finished[0]
	assert.Equal(t, domain.TaskCompleted, fin.status)
	for _, dim := range domain.DefaultDimensions {
		assert.Contains(t, fin.tags, dim)
		assert.Equal(t, domain.DimStatusSuccess, fin.msgs[dim].Status)
	}

	assert.Equal(t, []string{"t1"}, q.deleted)
	require.Len(t, idx.calls, 1)
	assert.Equal(t, []string{"m1"}, idx.calls[0].materialIDs)
	assert.Empty(t, q.requeued)
	assert.Empty(t, q.failed)

	_, err := os.Stat(video)
	assert.True(t, os.IsNotExist(err), "downloaded video is removed after processing")
}

func TestDimensionFailureIsIsolated(t *testing.T) {
	q := &fakeQueue{detailOK: true, detail: domain.TaskDetail{URL: "u", Dimensions: "all"}}
	r := &fakeRepo{}
	m := &fakeModel{generateErr: map[string]error{"audio": errors.New("model returned empty response")}}
	w := newWorker(q, r, m, &fakeDownloader{path: tempVideo(t)}, nil)

	w.processTask(context.Background(), "t1")

	// All four dimensions ran despite the audio failure.
	assert.Equal(t, domain.DefaultDimensions, m.generated)

	require.Len(t, r.finished, 1)
	fin := r.finished[0]
	assert.Equal(t, domain.TaskFailed, fin.status)
	assert.Equal(t, json.RawMessage(`{}`), fin.tags["audio"])
	assert.Equal(t, domain.DimStatusFailed, fin.msgs["audio"].Status)
	assert.Equal(t, domain.DimStatusSuccess, fin.msgs["vision"].Status)

	// Per-dimension failures never consume the whole-job retry budget.
	assert.Zero(t, q.retries)
	assert.Empty(t, q.requeued)
}

func TestSingleDimensionSelector(t *testing.T) {
	q := &fakeQueue{detailOK: true, detail: domain.TaskDetail{URL: "u", Dimensions: "vision"}}
	r := &fakeRepo{}
	m := &fakeModel{}
	w := newWorker(q, r, m, &fakeDownloader{path: tempVideo(t)}, nil)

	w.processTask(context.Background(), "t1")

	assert.Equal(t, []string{"vision"}, m.generated)
	require.Len(t, r.finished, 1)
	assert.Len(t, r.finished[0].tags, 1)
}

func TestDownloadFailureRequeues(t *testing.T) {
	q := &fakeQueue{detailOK: true, detail: domain.TaskDetail{URL: "u", Dimensions: "all"}}
	r := &fakeRepo{}
	m := &fakeModel{}
	w := newWorker(q, r, m, &fakeDownloader{err: errors.New("connection refused")}, nil)

	w.processTask(context.Background(), "t1")

	assert.Equal(t, 1, q.retries)
	assert.Equal(t, []string{"t1"}, q.requeued)
	assert.Empty(t, q.failed)
	assert.Empty(t, r.finished)
	assert.Empty(t, r.failedWith)
	assert.Zero(t, m.uploads)
	// Detail flips back to pending for the next pass.
	assert.Contains(t, q.statusSets, string(domain.TaskPending))
}

func TestRetryBudgetExhaustion(t *testing.T) {
	q := &fakeQueue{
		detailOK: true,
		detail:   domain.TaskDetail{URL: "u", Dimensions: "all"},
		retries:  29, // next failure is attempt 30
	}
	r := &fakeRepo{}
	w := newWorker(q, r, &fakeModel{uploadErr: errors.New("status 503")}, &fakeDownloader{path: tempVideo(t)}, nil)

	w.processTask(context.Background(), "t1")

	assert.Equal(t, []string{"t1"}, q.failed)
	assert.Empty(t, q.requeued)
	require.Len(t, r.failedWith, 1)
	assert.Contains(t, r.failedWith[0], "upload video")
	assert.Contains(t, q.statusSets, string(domain.TaskFailed))
}

func TestMissingDetailDropsEntry(t *testing.T) {
	q := &fakeQueue{detailOK: false}
	r := &fakeRepo{}
	m := &fakeModel{}
	w := newWorker(q, r, m, &fakeDownloader{}, nil)

	gaugeBefore := testutil.ToFloat64(observability.TasksProcessing.WithLabelValues("rpa"))
	completedBefore := testutil.ToFloat64(observability.TasksCompletedTotal.WithLabelValues("rpa"))
	droppedBefore := testutil.ToFloat64(observability.TasksDroppedTotal.WithLabelValues("rpa"))

	w.processTask(context.Background(), "t1")

	assert.Empty(t, r.processing)
	assert.Zero(t, m.uploads)
	assert.Zero(t, q.retries)
	assert.Empty(t, q.requeued)

	// A dropped stale entry settles the gauge and is not a completion.
	assert.Equal(t, gaugeBefore, testutil.ToFloat64(observability.TasksProcessing.WithLabelValues("rpa")))
	assert.Equal(t, completedBefore, testutil.ToFloat64(observability.TasksCompletedTotal.WithLabelValues("rpa")))
	assert.Equal(t, droppedBefore+1, testutil.ToFloat64(observability.TasksDroppedTotal.WithLabelValues("rpa")))
}

func TestRequeueFailureSettlesProcessingGauge(t *testing.T) {
	q := &fakeQueue{
		detailOK:   true,
		detail:     domain.TaskDetail{URL: "u", Dimensions: "all"},
		requeueErr: errors.New("substrate down"),
	}
	w := newWorker(q, &fakeRepo{}, &fakeModel{}, &fakeDownloader{err: errors.New("unreachable")}, nil)

	gaugeBefore := testutil.ToFloat64(observability.TasksProcessing.WithLabelValues("rpa"))
	requeuedBefore := testutil.ToFloat64(observability.TasksRequeuedTotal.WithLabelValues("rpa"))

	w.processTask(context.Background(), "t1")

	assert.Empty(t, q.requeued)
	assert.Equal(t, gaugeBefore, testutil.ToFloat64(observability.TasksProcessing.WithLabelValues("rpa")))
	assert.Equal(t, requeuedBefore, testutil.ToFloat64(observability.TasksRequeuedTotal.WithLabelValues("rpa")))
}

func TestRunOnceSkipsLockedTask(t *testing.T) {
	q := &fakeQueue{popIDs: []string{"t1"}, lockOK: false}
	r := &fakeRepo{}
	w := newWorker(q, r, &fakeModel{}, &fakeDownloader{}, nil)

	require.NoError(t, w.runOnce(context.Background()))

	assert.Equal(t, 1, q.lockCalls)
	assert.Empty(t, r.processing)
	assert.Zero(t, q.released, "no release for a lock that was never taken")
}

func TestRunOnceReleasesLock(t *testing.T) {
	q := &fakeQueue{
		popIDs:   []string{"t1"},
		lockOK:   true,
		detailOK: true,
		detail:   domain.TaskDetail{URL: "u", Dimensions: "vision"},
	}
	w := newWorker(q, &fakeRepo{}, &fakeModel{}, &fakeDownloader{path: tempVideo(t)}, nil)

	require.NoError(t, w.runOnce(context.Background()))
	assert.Equal(t, 1, q.released)
}

func TestIndexSyncSkippedOnPartialFailure(t *testing.T) {
	q := &fakeQueue{
		detailOK: true,
		detail:   domain.TaskDetail{URL: "u", Dimensions: "all", MaterialID: `["m1"]`},
	}
	idx := &fakeIndex{}
	m := &fakeModel{generateErr: map[string]error{"vision": errors.New("boom")}}
	w := newWorker(q, &fakeRepo{}, m, &fakeDownloader{path: tempVideo(t)}, idx)

	w.processTask(context.Background(), "t1")

	assert.Empty(t, idx.calls, "partial results are not forwarded downstream")
}

func TestIndexSyncFailureDoesNotFailTask(t *testing.T) {
	q := &fakeQueue{
		detailOK: true,
		detail:   domain.TaskDetail{URL: "u", Dimensions: "vision", MaterialID: `["m1"]`},
	}
	r := &fakeRepo{}
	idx := &fakeIndex{err: errors.New("code 50001")}
	w := newWorker(q, r, &fakeModel{}, &fakeDownloader{path: tempVideo(t)}, idx)

	w.processTask(context.Background(), "t1")

	require.Len(t, r.finished, 1)
	assert.Equal(t, domain.TaskCompleted, r.finished[0].status)
	assert.Empty(t, q.requeued)
}

func TestRetryCounterFailureStillRequeues(t *testing.T) {
	q := &fakeQueue{
		detailOK: true,
		detail:   domain.TaskDetail{URL: "u", Dimensions: "all"},
		retryErr: errors.New("conn closed"),
	}
	w := newWorker(q, &fakeRepo{}, &fakeModel{}, &fakeDownloader{err: errors.New("boom")}, nil)

	w.processTask(context.Background(), "t1")
	assert.Equal(t, []string{"t1"}, q.requeued)
	assert.Empty(t, q.failed)
}
