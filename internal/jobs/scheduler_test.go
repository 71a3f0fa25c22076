package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubemp3/internal/models"
	"tubemp3/internal/pipeline"
	"tubemp3/internal/youtube"
)

const testURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

// clock advances by a millisecond per read so creation order is strict.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memStore struct {
	mu   sync.Mutex
	rows map[string]models.Job
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]models.Job)} }

func (m *memStore) Save(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[job.ID] = job.Clone()
	return nil
}

func (m *memStore) List(ctx context.Context) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.rows {
		c := j.Clone()
		out = append(out, &c)
	}
	return out, nil
}

func (m *memStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[id]
	delete(m.rows, id)
	return ok, nil
}

func (m *memStore) get(id string) (models.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	return j, ok
}

type stageCall[Req, Res any] struct {
	ctx context.Context
	req Req
	ev  pipeline.Events[Res]
}

// fakeStage records Start calls; tests drive the events by hand.
type fakeStage[Req, Res any] struct {
	mu      sync.Mutex
	calls   map[string]*stageCall[Req, Res]
	started chan string
	jobID   func(Req) string
}

func newFakeStage[Req, Res any](jobID func(Req) string) *fakeStage[Req, Res] {
	return &fakeStage[Req, Res]{
		calls:   make(map[string]*stageCall[Req, Res]),
		started: make(chan string, 32),
		jobID:   jobID,
	}
}

func (f *fakeStage[Req, Res]) Start(ctx context.Context, req Req, ev pipeline.Events[Res]) {
	f.mu.Lock()
	id := f.jobID(req)
	f.calls[id] = &stageCall[Req, Res]{ctx: ctx, req: req, ev: ev}
	f.mu.Unlock()
	f.started <- id
}

func (f *fakeStage[Req, Res]) call(t *testing.T, id string) *stageCall[Req, Res] {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[id]
	require.True(t, ok, "stage not started for %s", id)
	return c
}

func (f *fakeStage[Req, Res]) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.calls[id]
	return ok
}

type fakeResolver struct {
	info *youtube.VideoInfo
	err  error
}

func (f *fakeResolver) Resolve(ctx context.Context, url string) (*youtube.VideoInfo, error) {
	return f.info, f.err
}

type harness struct {
	s     *Scheduler
	store *memStore
	dl    *fakeStage[pipeline.DownloadRequest, pipeline.DownloadResult]
	tc    *fakeStage[pipeline.TranscodeRequest, pipeline.TranscodeResult]
	sep   *fakeStage[pipeline.SeparateRequest, []models.Stem]
	clock *clock
	dir   string
}

func newHarness(t *testing.T, max int, store *memStore) *harness {
	t.Helper()
	if store == nil {
		store = newMemStore()
	}
	h := &harness{
		store: store,
		dl:    newFakeStage[pipeline.DownloadRequest, pipeline.DownloadResult](func(r pipeline.DownloadRequest) string { return r.JobID }),
		tc:    newFakeStage[pipeline.TranscodeRequest, pipeline.TranscodeResult](func(r pipeline.TranscodeRequest) string { return r.JobID }),
		sep:   newFakeStage[pipeline.SeparateRequest, []models.Stem](func(r pipeline.SeparateRequest) string { return r.JobID }),
		clock: &clock{t: time.Now()},
		dir:   t.TempDir(),
	}
	h.s = NewScheduler(Options{
		Store:         store,
		Download:      h.dl,
		Transcode:     h.tc,
		Separate:      h.sep,
		OutputDir:     h.dir,
		MaxConcurrent: max,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:           h.clock.Now,
	})
	require.NoError(t, h.s.Load(context.Background()))
	t.Cleanup(h.s.Close)
	return h
}

func (h *harness) submit(t *testing.T) string {
	t.Helper()
	id, err := h.s.Submit(context.Background(), testURL)
	require.NoError(t, err)
	return id
}

func (h *harness) get(t *testing.T, id string) models.Detail {
	t.Helper()
	d, err := h.s.Get(id)
	require.NoError(t, err)
	return d
}

// finishDownload writes a temp file and completes the download stage.
func (h *harness) finishDownload(t *testing.T, id string, meta models.Metadata) string {
	t.Helper()
	temp := pipeline.TempPath(h.dir, id, ".webm")
	require.NoError(t, os.WriteFile(temp, []byte("source"), 0644))
	h.dl.call(t, id).ev.OnComplete(pipeline.DownloadResult{TempPath: temp, Size: 6, Metadata: meta})
	return temp
}

// finishConvert writes the mp3 and completes the transcode stage.
func (h *harness) finishConvert(t *testing.T, id string) string {
	t.Helper()
	name := pipeline.OutputName(time.Now(), id, h.get(t, id).Title)
	out := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(out, []byte("mp3data"), 0644))
	h.tc.call(t, id).ev.OnComplete(pipeline.TranscodeResult{FileName: name, Path: out})
	return out
}

func (h *harness) runToDone(t *testing.T, id string) string {
	t.Helper()
	require.NoError(t, h.s.StartQueued(id))
	h.finishDownload(t, id, models.Metadata{Title: "Song", Duration: 100})
	return h.finishConvert(t, id)
}

func countRunning(s *Scheduler) int {
	n := 0
	for _, j := range s.List() {
		if j.State.IsRunning() {
			n++
		}
	}
	return n
}

func assertTerminalOutcome(t *testing.T, d models.Detail) {
	t.Helper()
	require.True(t, d.State.IsTerminal())
	switch d.State {
	case models.StateDone:
		assert.NotNil(t, d.Result)
		assert.Empty(t, d.Error)
	case models.StateError:
		assert.Nil(t, d.Result)
		assert.NotEmpty(t, d.Error)
	case models.StateCanceled:
		assert.Nil(t, d.Result)
		assert.NotEmpty(t, d.Error)
	}
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	h := newHarness(t, 3, nil)

	_, err := h.s.Submit(context.Background(), "https://example.com/video")
	assert.ErrorIs(t, err, ErrInvalidURL)
	assert.Empty(t, h.s.List())
}

func TestSubmitCreatesQueuedJobWithoutStarting(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)

	list := h.s.List()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, models.StateQueued, list[0].State)
	assert.False(t, h.dl.has(id))

	row, ok := h.store.get(id)
	require.True(t, ok)
	assert.Equal(t, models.StateQueued, row.State)
}

func TestHappyPathReachesDone(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)

	require.NoError(t, h.s.StartQueued(id))
	assert.Equal(t, models.StateDownloading, h.get(t, id).State)
	assert.Equal(t, 1, h.s.Running())

	dl := h.dl.call(t, id)
	dl.ev.OnProgress(pipeline.Progress{Downloaded: 500, Total: 1000, Elapsed: 5 * time.Second})
	d := h.get(t, id)
	assert.Equal(t, 50.0, d.DownloadPercent)
	assert.Equal(t, 25.0, d.Percent)
	require.NotNil(t, d.DownloadETA)
	assert.Equal(t, 5, *d.DownloadETA)

	temp := h.finishDownload(t, id, models.Metadata{Title: "Never Gonna", Duration: 200})
	d = h.get(t, id)
	assert.Equal(t, models.StateConverting, d.State)
	assert.Equal(t, 50.0, d.Percent)
	assert.Nil(t, d.DownloadETA)
	assert.Equal(t, temp, h.tc.call(t, id).req.InputPath)

	h.tc.call(t, id).ev.OnProgress(pipeline.Progress{Percent: 50, TimeMark: 100})
	d = h.get(t, id)
	assert.Equal(t, 50.0, d.ConvertPercent)
	assert.Equal(t, 75.0, d.Percent)

	out := h.finishConvert(t, id)
	d = h.get(t, id)
	assert.Equal(t, models.StateDone, d.State)
	assert.Equal(t, 100.0, d.Percent)
	require.NotNil(t, d.Result)
	assert.True(t, strings.HasSuffix(d.Result.FileName, ".mp3"))
	assert.Equal(t, int64(len("mp3data")), d.Result.Size)
	assert.Equal(t, "Never Gonna", d.Result.Title)
	assert.True(t, d.HasFile)
	assert.FileExists(t, out)
	assert.NoFileExists(t, temp)
	assert.Equal(t, 0, h.s.Running())
	assertTerminalOutcome(t, d)

	row, _ := h.store.get(id)
	assert.Equal(t, models.StateDone, row.State)
	assert.Equal(t, out, row.Result.Path)
}

func TestPercentNeverRegresses(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	require.NoError(t, h.s.StartQueued(id))

	var seen []float64
	record := func() { seen = append(seen, h.get(t, id).Percent) }

	dl := h.dl.call(t, id)
	for _, n := range []int64{300, 600, 400, 900} {
		dl.ev.OnProgress(pipeline.Progress{Downloaded: n, Total: 1000, Elapsed: time.Second})
		record()
	}
	h.finishDownload(t, id, models.Metadata{Duration: 100})
	record()

	tc := h.tc.call(t, id)
	for _, pct := range []float64{20, 60, 40, 100} {
		tc.ev.OnProgress(pipeline.Progress{Percent: pct})
		record()
	}
	h.finishConvert(t, id)
	record()

	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "percent regressed at step %d: %v", i, seen)
	}
	assert.Equal(t, 45.0, seen[3])
	assert.Equal(t, 99.0, seen[len(seen)-2])
	assert.Equal(t, 100.0, seen[len(seen)-1])
}

func TestConvertPercentFallsBackToTimeMark(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	require.NoError(t, h.s.StartQueued(id))
	h.finishDownload(t, id, models.Metadata{Duration: 100})

	h.tc.call(t, id).ev.OnProgress(pipeline.Progress{Percent: -1, TimeMark: 50})

	d := h.get(t, id)
	assert.Equal(t, 50.0, d.ConvertPercent)
	assert.Equal(t, 75.0, d.Percent)
	assert.NotNil(t, d.ConvertETA)
}

func TestAdmissionBoundAndCreationOrderPromotion(t *testing.T) {
	h := newHarness(t, 3, nil)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.submit(t))
	}
	for _, id := range ids {
		require.NoError(t, h.s.StartQueued(id))
	}

	assert.Equal(t, 3, h.s.Running())
	assert.Equal(t, 3, countRunning(h.s))
	for _, id := range ids[3:] {
		d := h.get(t, id)
		assert.Equal(t, models.StateQueued, d.State)
		assert.True(t, d.Waiting)
		assert.Equal(t, "waiting for turn", d.Message)
		assert.False(t, h.dl.has(id))
	}

	h.runToDoneFromDownloading(t, ids[0])

	assert.Equal(t, 3, h.s.Running())
	assert.Equal(t, models.StateDownloading, h.get(t, ids[3]).State, "oldest waiting job is promoted")
	assert.Equal(t, models.StateQueued, h.get(t, ids[4]).State)

	h.dl.call(t, ids[1]).ev.OnError(errors.New("boom"))
	assert.Equal(t, models.StateDownloading, h.get(t, ids[4]).State)
	assert.Equal(t, 3, h.s.Running())
}

func (h *harness) runToDoneFromDownloading(t *testing.T, id string) {
	t.Helper()
	h.finishDownload(t, id, models.Metadata{Title: "Song"})
	h.finishConvert(t, id)
}

func TestPlainQueuedJobsAreNotPromoted(t *testing.T) {
	h := newHarness(t, 1, nil)
	first := h.submit(t)
	idle := h.submit(t)
	require.NoError(t, h.s.StartQueued(first))

	h.dl.call(t, first).ev.OnError(errors.New("boom"))

	assert.Equal(t, models.StateQueued, h.get(t, idle).State)
	assert.Equal(t, 0, h.s.Running())
}

func TestCancelWaitingJobKeepsSlotCount(t *testing.T) {
	h := newHarness(t, 1, nil)
	running := h.submit(t)
	waiting := h.submit(t)
	require.NoError(t, h.s.StartQueued(running))
	require.NoError(t, h.s.StartQueued(waiting))
	require.Equal(t, 1, h.s.Running())

	require.NoError(t, h.s.Cancel(waiting))
	assert.Equal(t, 1, h.s.Running())
	d := h.get(t, waiting)
	assert.Equal(t, models.StateCanceled, d.State)
	assert.False(t, d.Waiting)
	assertTerminalOutcome(t, d)

	h.dl.call(t, running).ev.OnError(errors.New("boom"))
	assert.Equal(t, 0, h.s.Running())
	assert.False(t, h.dl.has(waiting), "canceled job is never promoted")
}

func TestCancelQueuedAndRunningJobsCarryError(t *testing.T) {
	h := newHarness(t, 1, nil)
	running := h.submit(t)
	queued := h.submit(t)
	require.NoError(t, h.s.StartQueued(running))
	require.Equal(t, 1, h.s.Running())

	require.NoError(t, h.s.Cancel(queued))
	require.NoError(t, h.s.Cancel(running))
	assert.Equal(t, 0, h.s.Running())

	for _, id := range []string{queued, running} {
		d := h.get(t, id)
		assert.Equal(t, models.StateCanceled, d.State, id)
		assert.Equal(t, "canceled by user", d.Error, id)
		assert.Nil(t, d.Result, id)
		assertTerminalOutcome(t, d)
	}
	assert.False(t, h.dl.has(queued), "canceled job is never promoted")
}

func TestCancelRunningJobReleasesSlotOnceAndIgnoresLateEvents(t *testing.T) {
	h := newHarness(t, 2, nil)
	id := h.submit(t)
	other := h.submit(t)
	require.NoError(t, h.s.StartQueued(id))
	require.NoError(t, h.s.StartQueued(other))
	require.Equal(t, 2, h.s.Running())

	dl := h.dl.call(t, id)
	dl.ev.OnProgress(pipeline.Progress{Downloaded: 200, Total: 1000, Elapsed: time.Second})
	partial := pipeline.TempPath(h.dir, id, ".webm")
	require.NoError(t, os.WriteFile(partial, []byte("part"), 0644))

	require.NoError(t, h.s.Cancel(id))
	assert.Equal(t, 1, h.s.Running())
	assert.ErrorIs(t, dl.ctx.Err(), context.Canceled)
	assert.NoFileExists(t, partial)

	before := h.get(t, id)
	assert.Equal(t, models.StateCanceled, before.State)
	assertTerminalOutcome(t, before)

	dl.ev.OnProgress(pipeline.Progress{Downloaded: 900, Total: 1000, Elapsed: time.Second})
	dl.ev.OnError(errors.New("download: canceled"))
	require.NoError(t, h.s.Cancel(id))

	after := h.get(t, id)
	assert.Equal(t, models.StateCanceled, after.State)
	assert.Equal(t, before.Percent, after.Percent)
	assert.Equal(t, "canceled by user", after.Error, "late error does not overwrite")
	assert.Equal(t, 1, h.s.Running(), "slot released exactly once")

	h.dl.call(t, other).ev.OnError(errors.New("boom"))
	assert.Equal(t, 0, h.s.Running())
}

func TestCancelDuringConvertDropsLateCompletion(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	require.NoError(t, h.s.StartQueued(id))
	temp := h.finishDownload(t, id, models.Metadata{})

	require.NoError(t, h.s.Cancel(id))
	assert.NoFileExists(t, temp)

	out := h.finishConvert(t, id)
	d := h.get(t, id)
	assert.Equal(t, models.StateCanceled, d.State)
	assert.Nil(t, d.Result)
	assert.NoFileExists(t, out, "late output is discarded")
	assert.Equal(t, 0, h.s.Running())
}

func TestCancelTerminalIsNoop(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	h.runToDone(t, id)

	require.NoError(t, h.s.Cancel(id))
	assert.Equal(t, models.StateDone, h.get(t, id).State)
	assert.ErrorIs(t, h.s.Cancel("missing"), ErrNotFound)
}

func TestStageErrorFailsJob(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	require.NoError(t, h.s.StartQueued(id))
	temp := h.finishDownload(t, id, models.Metadata{})

	h.tc.call(t, id).ev.OnError(&pipeline.StageError{Stage: pipeline.StageConvert, Message: "ffmpeg exited with exit status 1"})

	d := h.get(t, id)
	assert.Equal(t, models.StateError, d.State)
	assert.Equal(t, "convert: ffmpeg exited with exit status 1", d.Error)
	assert.NoFileExists(t, temp)
	assert.Equal(t, 0, h.s.Running())
	assertTerminalOutcome(t, d)

	h.tc.call(t, id).ev.OnError(errors.New("second"))
	assert.Equal(t, "convert: ffmpeg exited with exit status 1", h.get(t, id).Error)
}

func TestFinalizeErrorFailsJob(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	require.NoError(t, h.s.StartQueued(id))
	h.finishDownload(t, id, models.Metadata{})

	h.tc.call(t, id).ev.OnComplete(pipeline.TranscodeResult{FileName: "x.mp3", Path: filepath.Join(h.dir, "missing.mp3")})

	d := h.get(t, id)
	assert.Equal(t, models.StateError, d.State)
	assert.Contains(t, d.Error, "error finalizing")
	assertTerminalOutcome(t, d)
	assert.Equal(t, 0, h.s.Running())
}

func TestStartQueuedErrors(t *testing.T) {
	h := newHarness(t, 3, nil)
	assert.ErrorIs(t, h.s.StartQueued("missing"), ErrNotFound)

	id := h.submit(t)
	require.NoError(t, h.s.StartQueued(id))
	assert.ErrorIs(t, h.s.StartQueued(id), ErrNotQueued)
}

func TestSubmitAndStart(t *testing.T) {
	h := newHarness(t, 3, nil)

	id, err := h.s.SubmitAndStart(context.Background(), testURL)
	require.NoError(t, err)
	assert.Equal(t, models.StateDownloading, h.get(t, id).State)
	assert.True(t, h.dl.has(id))
}

func TestLoadRequeuesMidFlightJobs(t *testing.T) {
	store := newMemStore()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, j := range []models.Job{
		{ID: "dl", URL: testURL, State: models.StateDownloading, Percent: 30, DownloadPercent: 60, CreatedAt: created},
		{ID: "cv", URL: testURL, State: models.StateConverting, Percent: 70, CreatedAt: created},
		{ID: "wait", URL: testURL, State: models.StateQueued, Waiting: true, CreatedAt: created},
		{ID: "done", URL: testURL, State: models.StateDone, Percent: 100, CreatedAt: created,
			Result: &models.Result{FileName: "gone.mp3", Path: "/nonexistent/gone.mp3"}},
	} {
		j := j
		require.NoError(t, store.Save(context.Background(), &j))
	}

	h := newHarness(t, 3, store)

	for _, id := range []string{"dl", "cv"} {
		d := h.get(t, id)
		assert.Equal(t, models.StateQueued, d.State)
		assert.Equal(t, "re-queued after restart", d.Message)
		assert.Equal(t, 0.0, d.Percent)
		row, _ := store.get(id)
		assert.Equal(t, models.StateQueued, row.State)
	}
	assert.False(t, h.get(t, "wait").Waiting)
	assert.False(t, h.get(t, "done").HasFile, "missing file is not advertised")
	assert.Equal(t, 0, h.s.Running())
	assert.False(t, h.dl.has("dl"), "nothing is auto-started")

	require.NoError(t, h.s.StartQueued("dl"))
	assert.Equal(t, models.StateDownloading, h.get(t, "dl").State)
}

func TestDeleteFileThenDeleteAll(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	out := h.runToDone(t, id)

	ok, err := h.s.DeleteFile(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	d := h.get(t, id)
	assert.False(t, d.HasFile)
	assert.Nil(t, d.Result)
	assert.NoFileExists(t, out)

	ok, err = h.s.DeleteFile(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok, "second delete has nothing to remove")

	ok, err = h.s.DeleteAll(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = h.s.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, stored := h.store.get(id)
	assert.False(t, stored)
}

func TestDeleteRecordKeepsFile(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	out := h.runToDone(t, id)

	ok, err := h.s.DeleteRecord(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.FileExists(t, out)

	ok, err = h.s.DeleteRecord(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.s.DeleteFile(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteActiveJobRequiresForce(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	require.NoError(t, h.s.StartQueued(id))

	_, err := h.s.DeleteRecord(context.Background(), id)
	assert.ErrorIs(t, err, ErrActive)
	_, err = h.s.DeleteAll(context.Background(), id)
	assert.ErrorIs(t, err, ErrActive)
}

func TestForceDeleteActiveJob(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	require.NoError(t, h.s.StartQueued(id))
	temp := h.finishDownload(t, id, models.Metadata{})
	tc := h.tc.call(t, id)

	ok, err := h.s.ForceDelete(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Empty(t, h.s.List())
	assert.NoFileExists(t, temp)
	assert.Equal(t, 0, h.s.Running())
	assert.ErrorIs(t, tc.ctx.Err(), context.Canceled)
	_, stored := h.store.get(id)
	assert.False(t, stored)

	tc.ev.OnProgress(pipeline.Progress{Percent: 90})
	_, err = h.s.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = h.s.ForceDelete(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListMostRecentFirst(t *testing.T) {
	h := newHarness(t, 3, nil)
	a := h.submit(t)
	b := h.submit(t)
	c := h.submit(t)

	list := h.s.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{c, b, a}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestMetadataPrefetchDoesNotChangeState(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.s.resolver = &fakeResolver{info: &youtube.VideoInfo{Title: "Prefetched", Author: "Artist", Duration: 90 * time.Second}}
	id := h.submit(t)

	assert.Eventually(t, func() bool {
		d, err := h.s.Get(id)
		return err == nil && d.Title == "Prefetched"
	}, 2*time.Second, 10*time.Millisecond)

	d := h.get(t, id)
	assert.Equal(t, models.StateQueued, d.State)
	assert.Equal(t, 90.0, d.Duration)
}

func TestMetadataPrefetchFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.s.resolver = &fakeResolver{err: errors.New("format changed")}
	id := h.submit(t)

	h.s.wg.Wait()
	d := h.get(t, id)
	assert.Equal(t, models.StateQueued, d.State)
	assert.Empty(t, d.Title)
	assert.Empty(t, d.Error)
}

func TestSubscribeReceivesSnapshotThenUpdates(t *testing.T) {
	h := newHarness(t, 3, nil)
	existing := h.submit(t)

	ch, unsubscribe := h.s.Subscribe()
	defer unsubscribe()

	init := recv(t, ch)
	assert.Equal(t, MessageInit, init.Type)
	snapshot := init.Data.([]models.Detail)
	require.Len(t, snapshot, 1)
	assert.Equal(t, existing, snapshot[0].ID)

	require.NoError(t, h.s.Cancel(existing))
	msg := recv(t, ch)
	assert.Equal(t, MessageJob, msg.Type)
	assert.Equal(t, models.StateCanceled, msg.Data.(models.Detail).State)
}

func TestSeparateLifecycle(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)

	assert.ErrorIs(t, h.s.Separate(id), ErrNotDone)
	assert.ErrorIs(t, h.s.Separate("missing"), ErrNotFound)

	out := h.runToDone(t, id)
	require.NoError(t, h.s.Separate(id))
	assert.ErrorIs(t, h.s.Separate(id), ErrSeparating)

	select {
	case <-h.sep.started:
	case <-time.After(2 * time.Second):
		t.Fatal("separator not started")
	}
	call := h.sep.call(t, id)
	assert.Equal(t, out, call.req.InputPath)

	sep, err := h.s.Stems(id)
	require.NoError(t, err)
	assert.Equal(t, models.SeparationProcessing, sep.State)

	call.ev.OnProgress(pipeline.Progress{Percent: 40})
	call.ev.OnProgress(pipeline.Progress{Percent: 10})
	sep, _ = h.s.Stems(id)
	assert.Equal(t, 40.0, sep.Percent)

	stems := []models.Stem{
		{Name: "no_vocals", File: "no_vocals.wav", Path: filepath.Join(h.dir, "no_vocals.wav"), Size: 2},
		{Name: "vocals", File: "vocals.wav", Path: filepath.Join(h.dir, "vocals.wav"), Size: 1},
	}
	call.ev.OnComplete(stems)

	sep, _ = h.s.Stems(id)
	assert.Equal(t, models.SeparationDone, sep.State)
	assert.Equal(t, 100.0, sep.Percent)
	assert.Len(t, sep.Stems, 2)
	assert.Equal(t, models.StateDone, h.get(t, id).State)

	stem, err := h.s.Stem(id, "vocals")
	require.NoError(t, err)
	assert.Equal(t, "vocals.wav", stem.File)
	_, err = h.s.Stem(id, "drums")
	assert.ErrorIs(t, err, ErrNoStem)
}

func TestSeparateFailureKeepsParentDone(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	h.runToDone(t, id)
	require.NoError(t, h.s.Separate(id))
	<-h.sep.started

	h.sep.call(t, id).ev.OnError(errors.New("separate: demucs exited"))

	sep, err := h.s.Stems(id)
	require.NoError(t, err)
	assert.Equal(t, models.SeparationError, sep.State)
	assert.Equal(t, "separate: demucs exited", sep.Error)
	d := h.get(t, id)
	assert.Equal(t, models.StateDone, d.State)
	assert.True(t, d.HasFile)

	require.NoError(t, h.s.Separate(id), "a failed separation can be retried")
}

func TestSeparateRequiresFile(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	h.runToDone(t, id)
	_, err := h.s.DeleteFile(context.Background(), id)
	require.NoError(t, err)

	assert.ErrorIs(t, h.s.Separate(id), ErrNoFile)
}

func TestSweepEvictsStaleRowsAndFiles(t *testing.T) {
	h := newHarness(t, 3, nil)
	done := h.submit(t)
	out := h.runToDone(t, done)
	active := h.submit(t)
	require.NoError(t, h.s.StartQueued(active))

	stray := filepath.Join(h.dir, "stray.mp3")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0644))
	fresh := filepath.Join(h.dir, "fresh.mp3")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stray, old, old))

	h.clock.Advance(2 * time.Hour)
	res := h.s.Sweep(context.Background(), time.Hour, 24*time.Hour)

	assert.Equal(t, 1, res.Jobs)
	assert.Equal(t, 1, res.Files)
	_, err := h.s.Get(done)
	assert.ErrorIs(t, err, ErrNotFound)
	_, stored := h.store.get(done)
	assert.False(t, stored)
	assert.Equal(t, models.StateDownloading, h.get(t, active).State)

	assert.NoFileExists(t, stray)
	assert.FileExists(t, fresh)
	assert.FileExists(t, out, "evicting a row leaves its file")
}

func TestSweepClearsResultOfExpiredFile(t *testing.T) {
	h := newHarness(t, 3, nil)
	id := h.submit(t)
	out := h.runToDone(t, id)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(out, old, old))

	res := h.s.Sweep(context.Background(), time.Hour, 24*time.Hour)
	assert.Equal(t, 0, res.Jobs)
	assert.Equal(t, 1, res.Files)

	d := h.get(t, id)
	assert.False(t, d.HasFile)
	assert.Nil(t, d.Result)
}

func TestCloseIgnoresLateEvents(t *testing.T) {
	store := newMemStore()
	h := newHarness(t, 3, store)
	id := h.submit(t)
	require.NoError(t, h.s.StartQueued(id))
	dl := h.dl.call(t, id)

	h.s.Close()
	assert.ErrorIs(t, dl.ctx.Err(), context.Canceled)

	dl.ev.OnError(context.Canceled)
	row, _ := store.get(id)
	assert.Equal(t, models.StateDownloading, row.State, "stored state is left for the next Load")

	_, err := h.s.Submit(context.Background(), testURL)
	assert.ErrorIs(t, err, ErrClosed)
}
