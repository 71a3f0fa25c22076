package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tubemp3/internal/youtube"
)

const progressTimePrefix = "out_time_us="

var durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// TranscodeRequest describes one conversion run.
type TranscodeRequest struct {
	JobID     string
	InputPath string
	OutputDir string
	Title     string
}

// TranscodeResult is the produced MP3.
type TranscodeResult struct {
	FileName string
	Path     string
}

// Transcoder converts a downloaded audio file to MP3 with ffmpeg.
type Transcoder struct {
	ffmpegPath string
	bitrate    int
	runner     commandRunner
	now        func() time.Time
}

// NewTranscoder creates a Transcoder for the given ffmpeg binary and bitrate (kbps).
func NewTranscoder(ffmpegPath string, bitrate int) *Transcoder {
	return &Transcoder{
		ffmpegPath: ffmpegPath,
		bitrate:    bitrate,
		runner:     execRunner{},
		now:        time.Now,
	}
}

// OutputName builds "<epochms>-<id>_<title>.mp3", where id is the tail of
// the job id so two jobs landing in the same millisecond never share a file.
func OutputName(now time.Time, jobID, title string) string {
	tag := jobID
	if len(tag) > 8 {
		tag = tag[len(tag)-8:]
	}
	return fmt.Sprintf("%d-%s_%s.mp3", now.UnixMilli(), tag, youtube.SanitizeTitle(title))
}

// Start launches the conversion and returns immediately.
func (t *Transcoder) Start(ctx context.Context, req TranscodeRequest, ev Events[TranscodeResult]) {
	launch(StageConvert, ev, func() (TranscodeResult, error) {
		return t.run(ctx, req, ev)
	})
}

func (t *Transcoder) run(ctx context.Context, req TranscodeRequest, ev Events[TranscodeResult]) (TranscodeResult, error) {
	if _, err := os.Stat(req.InputPath); err != nil {
		return TranscodeResult{}, stageErr(StageConvert, "cannot access input", err)
	}

	name := OutputName(t.now(), req.JobID, req.Title)
	out := filepath.Join(req.OutputDir, name)
	args := []string{
		"-y", "-hide_banner",
		"-i", req.InputPath,
		"-vn",
		"-codec:a", "libmp3lame",
		"-b:a", fmt.Sprintf("%dk", t.bitrate),
		"-progress", "pipe:2", // Progress to stderr
		"-nostats",
		out,
	}

	var duration float64
	lines := newTail(5)
	err := t.runner.Run(ctx, func(line string) {
		if d, ok := parseDuration(line); ok && duration == 0 {
			duration = d
			return
		}
		if mark, ok := parseTimeMark(line); ok {
			pct := -1.0
			if duration > 0 {
				pct = min(mark/duration*100, 100)
			}
			ev.progress(Progress{Percent: pct, TimeMark: mark})
			return
		}
		if !strings.Contains(line, "=") {
			lines.add(line)
		}
	}, t.ffmpegPath, args...)
	if err != nil {
		os.Remove(out)
		if ctx.Err() != nil {
			return TranscodeResult{}, stageErr(StageConvert, "canceled", ctx.Err())
		}
		return TranscodeResult{}, stageErr(StageConvert, "ffmpeg "+exitMessage(err, lines), err)
	}

	return TranscodeResult{FileName: name, Path: out}, nil
}

// parseDuration reads the "Duration: HH:MM:SS.xx" header line.
func parseDuration(line string) (float64, bool) {
	m := durationPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	s, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	return float64(h*3600+mi*60) + s, true
}

// parseTimeMark reads "out_time_us=123456" as seconds.
func parseTimeMark(line string) (float64, bool) {
	v, ok := strings.CutPrefix(line, progressTimePrefix)
	if !ok {
		return 0, false
	}
	us, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return float64(us) / 1e6, true
}
