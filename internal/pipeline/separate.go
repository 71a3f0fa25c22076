package pipeline

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"tubemp3/internal/models"
)

var percentPattern = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)

// SeparateRequest describes one stem separation run.
type SeparateRequest struct {
	JobID     string
	InputPath string
	OutputDir string
}

// Separator splits a finished MP3 into vocal and instrumental stems with demucs.
type Separator struct {
	toolPath string
	model    string
	runner   commandRunner
}

// NewSeparator creates a Separator for the given demucs binary.
func NewSeparator(toolPath string) *Separator {
	return &Separator{
		toolPath: toolPath,
		model:    "htdemucs",
		runner:   execRunner{},
	}
}

// StemDir is where the stems of a job are written.
func StemDir(outputDir, jobID string) string {
	return filepath.Join(outputDir, "stems", jobID)
}

// Start launches the separation and returns immediately.
func (s *Separator) Start(ctx context.Context, req SeparateRequest, ev Events[[]models.Stem]) {
	launch(StageSeparate, ev, func() ([]models.Stem, error) {
		return s.run(ctx, req, ev)
	})
}

func (s *Separator) run(ctx context.Context, req SeparateRequest, ev Events[[]models.Stem]) ([]models.Stem, error) {
	if _, err := os.Stat(req.InputPath); err != nil {
		return nil, stageErr(StageSeparate, "cannot access input", err)
	}

	dir := StemDir(req.OutputDir, req.JobID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, stageErr(StageSeparate, "clear stem directory", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, stageErr(StageSeparate, "create stem directory", err)
	}

	args := []string{
		"--two-stems=vocals",
		"-n", s.model,
		"-o", dir,
		req.InputPath,
	}

	lines := newTail(5)
	err := s.runner.Run(ctx, func(line string) {
		if pct, ok := parsePercent(line); ok {
			ev.progress(Progress{Percent: pct})
			return
		}
		lines.add(line)
	}, s.toolPath, args...)
	if err != nil {
		os.RemoveAll(dir)
		if ctx.Err() != nil {
			return nil, stageErr(StageSeparate, "canceled", ctx.Err())
		}
		return nil, stageErr(StageSeparate, s.toolPath+" "+exitMessage(err, lines), err)
	}

	stems, err := collectStems(dir)
	if err != nil {
		return nil, stageErr(StageSeparate, "collect stems", err)
	}
	if len(stems) == 0 {
		return nil, stageErr(StageSeparate, "no stems produced", nil)
	}
	return stems, nil
}

// parsePercent reads a progress bar line such as " 42%|████".
func parsePercent(line string) (float64, bool) {
	m := percentPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v > 100 {
		return 0, false
	}
	return v, true
}

// collectStems lists the audio files below dir, sorted by name.
func collectStems(dir string) ([]models.Stem, error) {
	var stems []models.Stem
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".wav" && ext != ".mp3" && ext != ".flac" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		base := filepath.Base(path)
		stems = append(stems, models.Stem{
			Name: strings.TrimSuffix(base, filepath.Ext(base)),
			File: base,
			Path: path,
			Size: info.Size(),
		})
		return nil
	})
	sort.Slice(stems, func(i, j int) bool { return stems[i].Name < stems[j].Name })
	return stems, err
}
