package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"tubemp3/internal/models"
	"tubemp3/internal/youtube"
)

// Resolver fetches video details and opens the chosen audio stream.
type Resolver interface {
	Resolve(ctx context.Context, url string) (*youtube.VideoInfo, error)
	OpenAudio(ctx context.Context, info *youtube.VideoInfo) (io.ReadCloser, int64, error)
}

// DownloadRequest describes one download run.
type DownloadRequest struct {
	JobID     string
	URL       string
	OutputDir string
}

// DownloadResult is the temp file a download run produced.
type DownloadResult struct {
	TempPath string
	Size     int64
	Metadata models.Metadata
}

// TempPath is the temp download location of a job.
func TempPath(outputDir, jobID, ext string) string {
	return filepath.Join(outputDir, jobID+".tmp"+ext)
}

// Downloader streams the best audio format of a video to a temp file.
type Downloader struct {
	resolver Resolver
	interval time.Duration
	now      func() time.Time
}

// NewDownloader creates a Downloader with a 250ms progress interval.
func NewDownloader(resolver Resolver) *Downloader {
	return &Downloader{
		resolver: resolver,
		interval: 250 * time.Millisecond,
		now:      time.Now,
	}
}

// Start launches the download and returns immediately.
func (d *Downloader) Start(ctx context.Context, req DownloadRequest, ev Events[DownloadResult]) {
	launch(StageDownload, ev, func() (DownloadResult, error) {
		return d.run(ctx, req, ev)
	})
}

func (d *Downloader) run(ctx context.Context, req DownloadRequest, ev Events[DownloadResult]) (DownloadResult, error) {
	info, err := d.resolver.Resolve(ctx, req.URL)
	if err != nil {
		return DownloadResult{}, stageErr(StageDownload, "resolve video", err)
	}

	stream, total, err := d.resolver.OpenAudio(ctx, info)
	if err != nil {
		return DownloadResult{}, stageErr(StageDownload, "open audio stream", err)
	}
	defer stream.Close()

	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return DownloadResult{}, stageErr(StageDownload, "create output directory", err)
	}

	path := TempPath(req.OutputDir, req.JobID, info.Audio.Extension())
	file, err := os.Create(path)
	if err != nil {
		return DownloadResult{}, stageErr(StageDownload, "create temp file", err)
	}

	started := d.now()
	var last time.Time
	lastPct := -1
	written, err := copyWithProgress(ctx, file, stream, func(n int64) {
		now := d.now()
		pct := -1
		if total > 0 {
			pct = int(n * 100 / total)
		}
		if now.Sub(last) < d.interval && pct == lastPct {
			return
		}
		last, lastPct = now, pct
		ev.progress(Progress{Downloaded: n, Total: total, Elapsed: now.Sub(started), Percent: -1})
	})
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		if ctx.Err() != nil {
			return DownloadResult{}, stageErr(StageDownload, "canceled", ctx.Err())
		}
		return DownloadResult{}, stageErr(StageDownload, "stream interrupted", err)
	}
	if written == 0 {
		os.Remove(path)
		return DownloadResult{}, stageErr(StageDownload, "empty audio stream", nil)
	}

	if total <= 0 {
		total = written
	}
	ev.progress(Progress{Downloaded: written, Total: total, Elapsed: d.now().Sub(started), Percent: -1})

	return DownloadResult{
		TempPath: path,
		Size:     written,
		Metadata: models.Metadata{
			Title:     info.Title,
			Duration:  info.Duration.Seconds(),
			Author:    info.Author,
			Thumbnail: info.Thumbnail,
		},
	}, nil
}

// copyWithProgress はコンテキストを確認しながらコピーし、進捗を通知
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, progress func(written int64)) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
				if progress != nil {
					progress(written)
				}
			}
			if ew != nil {
				return written, ew
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, fmt.Errorf("read: %w", err)
		}
	}
}
