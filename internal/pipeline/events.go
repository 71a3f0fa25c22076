// Package pipeline wraps the long-running external operations of a job
// (stream download, transcode, stem separation) behind one small event
// surface.
package pipeline

import (
	"fmt"
	"time"
)

// Stage names used in error messages and logs.
const (
	StageDownload = "download"
	StageConvert  = "convert"
	StageFinalize = "finalize"
	StageSeparate = "separate"
)

// Progress is one raw progress signal from a stage.
type Progress struct {
	// Byte progress, download only. Total is 0 when unknown.
	Downloaded int64
	Total      int64
	Elapsed    time.Duration

	// Percent reported by the tool, or -1 when the tool cannot compute it.
	Percent float64
	// TimeMark is the output position in seconds.
	TimeMark float64
}

// Events receives the callbacks of one stage run. All callbacks are invoked
// from the run's goroutine in order; exactly one of OnError or OnComplete
// is called, and nothing after it.
type Events[T any] struct {
	OnProgress func(Progress)
	OnError    func(error)
	OnComplete func(T)
}

func (ev Events[T]) progress(p Progress) {
	if ev.OnProgress != nil {
		ev.OnProgress(p)
	}
}

// StageError is a stage-aware error.
type StageError struct {
	Stage   string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func stageErr(stage, msg string, err error) error {
	return &StageError{Stage: stage, Message: msg, Err: err}
}

// launch runs fn on its own goroutine and routes its outcome to ev.
// A panic inside fn fails the stage instead of the process.
func launch[T any](stage string, ev Events[T], fn func() (T, error)) {
	go func() {
		var (
			res T
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = stageErr(stage, "panic", fmt.Errorf("%v", r))
				}
			}()
			res, err = fn()
		}()

		if err != nil {
			if ev.OnError != nil {
				ev.OnError(err)
			}
			return
		}
		if ev.OnComplete != nil {
			ev.OnComplete(res)
		}
	}()
}
