package jobs

import "errors"

var (
	ErrInvalidURL = errors.New("invalid youtube url")
	ErrNotFound   = errors.New("job not found")
	ErrNotQueued  = errors.New("job is not queued")
	ErrActive     = errors.New("job is still running")
	ErrNotDone    = errors.New("job is not done")
	ErrNoFile     = errors.New("job has no file")
	ErrSeparating = errors.New("separation already in progress")
	ErrNoStem     = errors.New("stem not found")
	ErrClosed     = errors.New("scheduler is closed")
)
