// Package jobs owns the job table: admission under a concurrency ceiling,
// stage sequencing, progress aggregation, persistence and push updates.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"tubemp3/internal/models"
	"tubemp3/internal/pipeline"
	"tubemp3/internal/youtube"
)

// Store persists job rows.
type Store interface {
	Save(ctx context.Context, job *models.Job) error
	List(ctx context.Context) ([]*models.Job, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// MetadataResolver looks up video details ahead of the download.
type MetadataResolver interface {
	Resolve(ctx context.Context, url string) (*youtube.VideoInfo, error)
}

// Stage runners. Start must return without waiting for the run.
type (
	DownloadStage interface {
		Start(ctx context.Context, req pipeline.DownloadRequest, ev pipeline.Events[pipeline.DownloadResult])
	}
	TranscodeStage interface {
		Start(ctx context.Context, req pipeline.TranscodeRequest, ev pipeline.Events[pipeline.TranscodeResult])
	}
	SeparateStage interface {
		Start(ctx context.Context, req pipeline.SeparateRequest, ev pipeline.Events[[]models.Stem])
	}
)

// Options configures a Scheduler.
type Options struct {
	Store     Store
	Download  DownloadStage
	Transcode TranscodeStage
	Separate  SeparateStage
	// Resolver is optional; without it metadata arrives with the download.
	Resolver MetadataResolver

	OutputDir     string
	MaxConcurrent int
	// MaxSeparations bounds concurrent separation runs. Default 1.
	MaxSeparations int64
	// UnknownSizeCeiling is the assumed download time when the stream size
	// is unknown. Default 2 minutes.
	UnknownSizeCeiling time.Duration
	// Throttle is the per-job push window. Default 150ms.
	Throttle time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// run is one admission of a job. Events from a run that is no longer the
// job's current run, or that already finished, are ignored.
type run struct {
	cancel    context.CancelFunc
	holdsSlot bool
	finished  bool

	startedAt        time.Time
	convertStartedAt time.Time
	tempPath         string
}

type separation struct {
	cancel   context.CancelFunc
	finished bool
}

// Scheduler is the single mutator of job state.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	runs    map[string]*run
	seps    map[string]*separation
	running int
	closed  bool

	store     Store
	download  DownloadStage
	transcode TranscodeStage
	separate  SeparateStage
	resolver  MetadataResolver

	outputDir     string
	maxConcurrent int
	sizeCeiling   time.Duration
	sepSem        *semaphore.Weighted

	bc     *Broadcaster
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. Call Load before serving requests.
func NewScheduler(opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.MaxSeparations <= 0 {
		opts.MaxSeparations = 1
	}
	if opts.UnknownSizeCeiling <= 0 {
		opts.UnknownSizeCeiling = 2 * time.Minute
	}
	if opts.Throttle <= 0 {
		opts.Throttle = 150 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:          make(map[string]*models.Job),
		runs:          make(map[string]*run),
		seps:          make(map[string]*separation),
		store:         opts.Store,
		download:      opts.Download,
		transcode:     opts.Transcode,
		separate:      opts.Separate,
		resolver:      opts.Resolver,
		outputDir:     opts.OutputDir,
		maxConcurrent: opts.MaxConcurrent,
		sizeCeiling:   opts.UnknownSizeCeiling,
		sepSem:        semaphore.NewWeighted(opts.MaxSeparations),
		bc:            NewBroadcaster(opts.Throttle),
		logger:        opts.Logger,
		now:           opts.Now,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Load fills the table from the store. Jobs caught mid-flight by a restart
// go back to queued; they are not started again automatically.
func (s *Scheduler) Load(ctx context.Context) error {
	rows, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	requeued := 0
	for _, job := range rows {
		changed := false
		if job.State.IsMidFlight() {
			job.State = models.StateQueued
			job.Message = "re-queued after restart"
			job.Percent, job.DownloadPercent, job.ConvertPercent, job.StagePercent = 0, 0, 0, 0
			job.DownloadETA, job.ConvertETA = nil, nil
			job.StartedAt = nil
			requeued++
			changed = true
		}
		if job.Waiting {
			job.Waiting = false
			changed = true
		}
		if job.Separation.State.IsActive() {
			job.Separation = models.Separation{State: models.SeparationIdle, Message: "interrupted by restart"}
			changed = true
		}
		if job.HasFile() && !fileExists(job.Result.Path) {
			job.Result = nil
			changed = true
		}
		if changed {
			job.UpdatedAt = s.now()
			if err := s.store.Save(ctx, job); err != nil {
				return fmt.Errorf("reset job %s: %w", job.ID, err)
			}
		}
		s.jobs[job.ID] = job
	}

	s.logger.Info("jobs loaded", "count", len(rows), "requeued", requeued)
	return nil
}

// Submit creates a queued job and returns its id without starting it.
func (s *Scheduler) Submit(ctx context.Context, url string) (string, error) {
	url = strings.TrimSpace(url)
	if !youtube.ValidateURL(url) {
		return "", ErrInvalidURL
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	now := s.now()
	job := &models.Job{
		ID:         id.String(),
		URL:        url,
		State:      models.StateQueued,
		Message:    "queued",
		CreatedAt:  now,
		UpdatedAt:  now,
		Separation: models.Separation{State: models.SeparationIdle},
	}
	if err := s.store.Save(ctx, job); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("save job: %w", err)
	}
	s.jobs[job.ID] = job
	s.bc.Publish(job.Detail())
	s.mu.Unlock()

	s.logger.Info("job submitted", "job_id", job.ID, "url", url)
	s.prefetch(job.ID, url)
	return job.ID, nil
}

// SubmitAndStart submits a job and immediately asks for admission.
func (s *Scheduler) SubmitAndStart(ctx context.Context, url string) (string, error) {
	id, err := s.Submit(ctx, url)
	if err != nil {
		return "", err
	}
	if err := s.StartQueued(id); err != nil {
		return id, err
	}
	return id, nil
}

// StartQueued moves a queued job to pending and attempts admission.
// Without a free slot the job waits in queued for its turn.
func (s *Scheduler) StartQueued(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if job.State != models.StateQueued {
		s.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotQueued, job.State)
	}

	job.State = models.StatePending
	job.Message = "pending"
	s.touch(job)

	var starts []func()
	if s.running < s.maxConcurrent && !s.closed {
		starts = append(starts, s.begin(job))
	} else {
		job.State = models.StateQueued
		job.Waiting = true
		job.Message = "waiting for turn"
		s.touch(job)
	}
	s.mu.Unlock()

	for _, start := range starts {
		start()
	}
	return nil
}

// Cancel stops a job. Terminal jobs are left alone. The call does not wait
// for the stage to tear down.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	starts := s.cancelLocked(job)
	s.mu.Unlock()

	for _, start := range starts {
		start()
	}
	return nil
}

func (s *Scheduler) cancelLocked(job *models.Job) []func() {
	if job.State.IsTerminal() {
		return nil
	}

	var starts []func()
	if r, ok := s.runs[job.ID]; ok {
		r.cancel()
		starts = s.finishRun(job.ID, r)
	}
	s.removeTemp(job.ID)

	now := s.now()
	job.State = models.StateCanceled
	job.Waiting = false
	job.Message = "canceled"
	job.Error = "canceled by user"
	job.Result = nil
	job.DownloadETA, job.ConvertETA = nil, nil
	job.CompletedAt = &now
	s.touch(job)
	s.logger.Info("job canceled", "job_id", job.ID)
	return starts
}

// DeleteRecord removes the job row and leaves files alone.
func (s *Scheduler) DeleteRecord(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if job.State.IsMidFlight() {
		return false, ErrActive
	}
	return true, s.removeRow(ctx, job)
}

// DeleteFile removes the output file and clears the result, keeping the row.
// It returns false when the job had no file.
func (s *Scheduler) DeleteFile(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if !job.HasFile() {
		return false, nil
	}
	if err := removeFile(job.Result.Path); err != nil {
		return false, err
	}
	job.Result = nil
	job.Message = "file deleted"
	s.touch(job)
	return true, nil
}

// DeleteAll removes the output file, any stems and the row.
func (s *Scheduler) DeleteAll(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if job.State.IsMidFlight() {
		return false, ErrActive
	}
	if err := s.removeArtifacts(job); err != nil {
		return false, err
	}
	return true, s.removeRow(ctx, job)
}

// ForceDelete cancels the job if it is still running, then removes its
// files and row.
func (s *Scheduler) ForceDelete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	starts := s.cancelLocked(job)

	err := s.removeArtifacts(job)
	if err == nil {
		err = s.removeRow(ctx, job)
	}
	s.mu.Unlock()

	for _, start := range starts {
		start()
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns a copy of one job.
func (s *Scheduler) Get(id string) (models.Detail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Detail{}, ErrNotFound
	}
	return job.Detail(), nil
}

// List returns all jobs, most recent first.
func (s *Scheduler) List() []models.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Summary, 0, len(s.jobs))
	for _, job := range s.sortedLocked() {
		out = append(out, job.Summarize())
	}
	return out
}

// Subscribe attaches a live subscriber. The first message is the init
// snapshot; nothing that happens after it is missed.
func (s *Scheduler) Subscribe() (<-chan Message, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]models.Detail, 0, len(s.jobs))
	for _, job := range s.sortedLocked() {
		snapshot = append(snapshot, job.Detail())
	}
	return s.bc.Subscribe(snapshot)
}

// Running returns the number of occupied pipeline slots.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close cancels every run and detaches subscribers. Jobs keep their stored
// state so the next Load re-queues them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.bc.Close()
}

// begin admits a job. The returned func launches the download and must be
// called without the lock held.
func (s *Scheduler) begin(job *models.Job) func() {
	ctx, cancel := context.WithCancel(s.ctx)
	now := s.now()
	r := &run{cancel: cancel, holdsSlot: true, startedAt: now}
	s.runs[job.ID] = r
	s.running++

	job.State = models.StateDownloading
	job.Waiting = false
	job.Message = "downloading"
	job.StagePercent = 0
	job.Error = ""
	job.StartedAt = &now
	s.touch(job)
	s.logger.Info("job admitted", "job_id", job.ID, "running", s.running)

	id := job.ID
	req := pipeline.DownloadRequest{JobID: id, URL: job.URL, OutputDir: s.outputDir}
	return func() {
		s.download.Start(ctx, req, pipeline.Events[pipeline.DownloadResult]{
			OnProgress: func(p pipeline.Progress) { s.onDownloadProgress(id, r, p) },
			OnError:    func(err error) { s.onStageError(id, r, err) },
			OnComplete: func(res pipeline.DownloadResult) { s.onDownloaded(ctx, id, r, res) },
		})
	}
}

// current returns the job if r is still its live run.
func (s *Scheduler) current(id string, r *run) (*models.Job, bool) {
	if s.closed || r.finished || s.runs[id] != r {
		return nil, false
	}
	job, ok := s.jobs[id]
	if !ok || job.State.IsTerminal() {
		return nil, false
	}
	return job, true
}

func (s *Scheduler) onDownloadProgress(id string, r *run, p pipeline.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.current(id, r)
	if !ok || job.State != models.StateDownloading {
		return
	}
	job.DownloadPercent = advance(job.DownloadPercent, downloadPercent(p, s.sizeCeiling))
	job.StagePercent = job.DownloadPercent
	job.Percent = advance(job.Percent, globalDownload(job.DownloadPercent))
	if eta, ok := downloadETA(p); ok {
		job.DownloadETA = &eta
	} else {
		job.DownloadETA = nil
	}
	s.touch(job)
}

func (s *Scheduler) onDownloaded(ctx context.Context, id string, r *run, res pipeline.DownloadResult) {
	s.mu.Lock()
	job, ok := s.current(id, r)
	if !ok || job.State != models.StateDownloading {
		s.mu.Unlock()
		os.Remove(res.TempPath)
		return
	}

	r.tempPath = res.TempPath
	r.convertStartedAt = s.now()
	job.Metadata.Merge(res.Metadata)
	job.DownloadPercent = 100
	job.DownloadETA = nil
	job.Percent = advance(job.Percent, globalDownload(100))
	job.State = models.StateConverting
	job.StagePercent = 0
	job.Message = "converting"
	s.touch(job)

	req := pipeline.TranscodeRequest{
		JobID:     id,
		InputPath: res.TempPath,
		OutputDir: s.outputDir,
		Title:     job.Title,
	}
	s.mu.Unlock()

	s.transcode.Start(ctx, req, pipeline.Events[pipeline.TranscodeResult]{
		OnProgress: func(p pipeline.Progress) { s.onConvertProgress(id, r, p) },
		OnError:    func(err error) { s.onStageError(id, r, err) },
		OnComplete: func(res pipeline.TranscodeResult) { s.onConverted(id, r, res) },
	})
}

func (s *Scheduler) onConvertProgress(id string, r *run, p pipeline.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.current(id, r)
	if !ok || job.State != models.StateConverting {
		return
	}
	if pct, ok := convertPercent(p, job.Duration); ok {
		job.ConvertPercent = advance(job.ConvertPercent, pct)
		job.StagePercent = job.ConvertPercent
		job.Percent = advance(job.Percent, globalConvert(job.ConvertPercent))
	}
	if eta, ok := convertETA(p.TimeMark, job.Duration, s.now().Sub(r.convertStartedAt)); ok {
		job.ConvertETA = &eta
	} else {
		job.ConvertETA = nil
	}
	s.touch(job)
}

func (s *Scheduler) onConverted(id string, r *run, res pipeline.TranscodeResult) {
	s.mu.Lock()
	job, ok := s.current(id, r)
	if !ok || job.State != models.StateConverting {
		s.mu.Unlock()
		os.Remove(res.Path)
		return
	}

	var starts []func()
	info, err := os.Stat(res.Path)
	if err != nil {
		os.Remove(res.Path)
		starts = s.failLocked(job, r, fmt.Errorf("error finalizing: %w", err))
	} else {
		starts = s.finishRun(id, r)
		now := s.now()
		job.Result = &models.Result{
			FileName: res.FileName,
			Path:     res.Path,
			Size:     info.Size(),
			Title:    job.Title,
			Duration: job.Duration,
		}
		job.State = models.StateDone
		job.Percent = 100
		job.ConvertPercent = 100
		job.StagePercent = 100
		job.DownloadETA, job.ConvertETA = nil, nil
		job.Message = "done"
		job.CompletedAt = &now
		s.touch(job)
		s.logger.Info("job done", "job_id", id, "file", res.FileName, "size", info.Size())
	}
	s.mu.Unlock()

	for _, start := range starts {
		start()
	}
}

func (s *Scheduler) onStageError(id string, r *run, err error) {
	s.mu.Lock()
	job, ok := s.current(id, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	starts := s.failLocked(job, r, err)
	s.mu.Unlock()

	for _, start := range starts {
		start()
	}
}

func (s *Scheduler) failLocked(job *models.Job, r *run, err error) []func() {
	starts := s.finishRun(job.ID, r)
	now := s.now()
	job.State = models.StateError
	job.Error = err.Error()
	job.Result = nil
	job.Message = "failed"
	job.DownloadETA, job.ConvertETA = nil, nil
	job.CompletedAt = &now
	s.touch(job)
	s.logger.Warn("job failed", "job_id", job.ID, "error", err)
	return starts
}

// finishRun ends a run exactly once: the temp file goes, the slot is freed
// and the next waiting job is admitted.
func (s *Scheduler) finishRun(id string, r *run) []func() {
	if r.finished {
		return nil
	}
	r.finished = true
	r.cancel()
	if r.tempPath != "" {
		os.Remove(r.tempPath)
	}
	if s.runs[id] == r {
		delete(s.runs, id)
	}
	if r.holdsSlot {
		r.holdsSlot = false
		s.running--
	}
	return s.promote()
}

// promote admits waiting jobs in creation order while slots are free.
func (s *Scheduler) promote() []func() {
	if s.closed {
		return nil
	}
	var starts []func()
	for _, job := range s.waitingLocked() {
		if s.running >= s.maxConcurrent {
			break
		}
		starts = append(starts, s.begin(job))
	}
	return starts
}

func (s *Scheduler) waitingLocked() []*models.Job {
	var waiting []*models.Job
	for _, job := range s.jobs {
		if job.State == models.StateQueued && job.Waiting {
			waiting = append(waiting, job)
		}
	}
	slices.SortFunc(waiting, func(a, b *models.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return waiting
}

func (s *Scheduler) sortedLocked() []*models.Job {
	out := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	slices.SortFunc(out, func(a, b *models.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out
}

// touch persists and publishes a mutation. Store failures are logged; the
// table stays authoritative.
func (s *Scheduler) touch(job *models.Job) {
	job.UpdatedAt = s.now()
	if err := s.store.Save(context.Background(), job); err != nil {
		s.logger.Error("failed to persist job", "job_id", job.ID, "error", err)
	}
	s.bc.Publish(job.Detail())
}

func (s *Scheduler) removeRow(ctx context.Context, job *models.Job) error {
	if sep, ok := s.seps[job.ID]; ok {
		sep.cancel()
		sep.finished = true
		delete(s.seps, job.ID)
	}
	if _, err := s.store.Delete(ctx, job.ID); err != nil {
		return fmt.Errorf("delete job %s: %w", job.ID, err)
	}
	delete(s.jobs, job.ID)
	s.bc.Removed(job.ID)
	s.logger.Info("job deleted", "job_id", job.ID)
	return nil
}

func (s *Scheduler) removeArtifacts(job *models.Job) error {
	if job.HasFile() {
		if err := removeFile(job.Result.Path); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(pipeline.StemDir(s.outputDir, job.ID)); err != nil {
		return fmt.Errorf("remove stems: %w", err)
	}
	return nil
}

// removeTemp deletes any temp download of a job, including one a canceled
// download may still be writing.
func (s *Scheduler) removeTemp(id string) {
	matches, _ := filepath.Glob(filepath.Join(s.outputDir, id+".tmp*"))
	for _, m := range matches {
		os.Remove(m)
	}
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// prefetch resolves metadata in the background. Failures are ignored; the
// download resolves again.
func (s *Scheduler) prefetch(id, url string) {
	if s.resolver == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()

		info, err := s.resolver.Resolve(ctx, url)
		if err != nil {
			s.logger.Debug("metadata prefetch failed", "job_id", id, "error", err)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		job, ok := s.jobs[id]
		if !ok || s.closed {
			return
		}
		job.Metadata.Merge(models.Metadata{
			Title:     info.Title,
			Duration:  info.Duration.Seconds(),
			Author:    info.Author,
			Thumbnail: info.Thumbnail,
		})
		s.touch(job)
	}()
}
