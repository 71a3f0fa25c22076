package jobs

import (
	"context"
	"fmt"

	"tubemp3/internal/models"
	"tubemp3/internal/pipeline"
)

// Separate queues stem separation for a finished job. The parent job's
// state is never changed by the separation outcome.
func (s *Scheduler) Separate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State != models.StateDone {
		return fmt.Errorf("%w: state is %s", ErrNotDone, job.State)
	}
	if !job.HasFile() {
		return ErrNoFile
	}
	if job.Separation.State.IsActive() {
		return ErrSeparating
	}
	if s.separate == nil || s.closed {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sep := &separation{cancel: cancel}
	s.seps[id] = sep
	job.Separation = models.Separation{State: models.SeparationQueued, Message: "waiting for separator"}
	s.touch(job)

	req := pipeline.SeparateRequest{JobID: id, InputPath: job.Result.Path, OutputDir: s.outputDir}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sepSem.Acquire(ctx, 1); err != nil {
			s.onSeparateError(id, sep, err)
			return
		}

		s.mu.Lock()
		job, ok := s.currentSeparation(id, sep)
		if !ok {
			s.mu.Unlock()
			s.sepSem.Release(1)
			return
		}
		job.Separation.State = models.SeparationProcessing
		job.Separation.Message = "separating"
		s.touch(job)
		s.mu.Unlock()

		s.separate.Start(ctx, req, pipeline.Events[[]models.Stem]{
			OnProgress: func(p pipeline.Progress) { s.onSeparateProgress(id, sep, p) },
			OnError: func(err error) {
				s.sepSem.Release(1)
				s.onSeparateError(id, sep, err)
			},
			OnComplete: func(stems []models.Stem) {
				s.sepSem.Release(1)
				s.onSeparated(id, sep, stems)
			},
		})
	}()
	return nil
}

// Stems returns the separation sub-state of a job.
func (s *Scheduler) Stems(id string) (models.Separation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Separation{}, ErrNotFound
	}
	sep := job.Separation
	sep.Stems = append([]models.Stem(nil), job.Separation.Stems...)
	return sep, nil
}

// Stem returns one produced stem by name.
func (s *Scheduler) Stem(id, name string) (models.Stem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Stem{}, ErrNotFound
	}
	for _, stem := range job.Separation.Stems {
		if stem.Name == name || stem.File == name {
			return stem, nil
		}
	}
	return models.Stem{}, ErrNoStem
}

func (s *Scheduler) currentSeparation(id string, sep *separation) (*models.Job, bool) {
	if s.closed || sep.finished || s.seps[id] != sep {
		return nil, false
	}
	job, ok := s.jobs[id]
	return job, ok
}

func (s *Scheduler) onSeparateProgress(id string, sep *separation, p pipeline.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.currentSeparation(id, sep)
	if !ok || job.Separation.State != models.SeparationProcessing {
		return
	}
	if p.Percent >= 0 {
		job.Separation.Percent = advance(job.Separation.Percent, clampPercent(p.Percent))
	}
	s.touch(job)
}

func (s *Scheduler) onSeparated(id string, sep *separation, stems []models.Stem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.currentSeparation(id, sep)
	if !ok {
		return
	}
	s.endSeparation(id, sep)
	job.Separation = models.Separation{
		State:   models.SeparationDone,
		Percent: 100,
		Message: "separated",
		Stems:   stems,
	}
	s.touch(job)
	s.logger.Info("separation done", "job_id", id, "stems", len(stems))
}

func (s *Scheduler) onSeparateError(id string, sep *separation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.currentSeparation(id, sep)
	if !ok {
		return
	}
	s.endSeparation(id, sep)
	job.Separation.State = models.SeparationError
	job.Separation.Error = err.Error()
	job.Separation.Message = "separation failed"
	job.Separation.Stems = nil
	s.touch(job)
	s.logger.Warn("separation failed", "job_id", id, "error", err)
}

func (s *Scheduler) endSeparation(id string, sep *separation) {
	sep.finished = true
	sep.cancel()
	if s.seps[id] == sep {
		delete(s.seps, id)
	}
}
