package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tubemp3/internal/models"
	"tubemp3/internal/pipeline"
)

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Jobs  int
	Files int
}

// Sweep evicts job rows created more than jobTTL ago and deletes output
// files modified more than fileTTL ago. Rows of running jobs are kept.
// A job whose file is deleted loses its result.
func (s *Scheduler) Sweep(ctx context.Context, jobTTL, fileTTL time.Duration) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var res SweepResult

	for _, job := range s.sortedLocked() {
		if job.State.IsMidFlight() || s.seps[job.ID] != nil {
			continue
		}
		if now.Sub(job.CreatedAt) <= jobTTL {
			continue
		}
		if err := s.removeRow(ctx, job); err != nil {
			s.logger.Error("failed to evict job", "job_id", job.ID, "error", err)
			continue
		}
		res.Jobs++
	}

	entries, err := os.ReadDir(s.outputDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("failed to scan output dir", "dir", s.outputDir, "error", err)
		}
		return res
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || s.isLiveTemp(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) <= fileTTL {
			continue
		}
		path := filepath.Join(s.outputDir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Error("failed to remove stale file", "file", path, "error", err)
			continue
		}
		res.Files++
		s.forgetFile(path)
	}
	res.Files += s.sweepStems(now, fileTTL)

	if res.Jobs > 0 || res.Files > 0 {
		s.logger.Info("sweep finished", "jobs", res.Jobs, "files", res.Files)
	}
	return res
}

// sweepStems removes stale per-job stem directories.
func (s *Scheduler) sweepStems(now time.Time, ttl time.Duration) int {
	root := filepath.Join(s.outputDir, "stems")
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || s.seps[entry.Name()] != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) <= ttl {
			continue
		}
		if err := os.RemoveAll(pipeline.StemDir(s.outputDir, entry.Name())); err != nil {
			s.logger.Error("failed to remove stale stems", "job_id", entry.Name(), "error", err)
			continue
		}
		removed++
		if job, ok := s.jobs[entry.Name()]; ok && len(job.Separation.Stems) > 0 {
			job.Separation = models.Separation{State: models.SeparationIdle, Message: "stems expired"}
			s.touch(job)
		}
	}
	return removed
}

// isLiveTemp reports whether name is the temp download of a running job.
func (s *Scheduler) isLiveTemp(name string) bool {
	id, _, ok := strings.Cut(name, ".tmp")
	if !ok {
		return false
	}
	_, running := s.runs[id]
	return running
}

func (s *Scheduler) forgetFile(path string) {
	for _, job := range s.jobs {
		if job.HasFile() && job.Result.Path == path {
			job.Result = nil
			job.Message = "file expired"
			s.touch(job)
		}
	}
}
