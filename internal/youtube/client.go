package youtube

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	ytdl "github.com/kkdai/youtube/v2"
)

// urlPattern accepts watch and short links with an 11 character video id.
var urlPattern = regexp.MustCompile(`(?i)^(https?://)?(www\.|m\.)?(youtube\.com/watch\?v=|youtu\.be/)[\w-]{11}([&?].*)?$`)

// ValidateURL はYouTubeの動画URLとして正しいかを判定
func ValidateURL(url string) bool {
	return urlPattern.MatchString(strings.TrimSpace(url))
}

// Client はYouTube API操作を抽象化するクライアント
type Client struct {
	client ytdl.Client
}

// NewClient は新しいYouTubeクライアントを作成
func NewClient() *Client {
	return &Client{
		client: ytdl.Client{},
	}
}

// VideoInfo は動画のメタ情報と選択済みの音声フォーマット
type VideoInfo struct {
	ID        string
	Title     string
	Author    string
	Duration  time.Duration
	Thumbnail string
	Audio     AudioFormat

	video  *ytdl.Video
	format *ytdl.Format
}

// Resolve は動画情報を取得し、最適な音声フォーマットを選択
func (c *Client) Resolve(ctx context.Context, url string) (*VideoInfo, error) {
	video, err := c.client.GetVideoContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	format, err := bestAudioFormat(video)
	if err != nil {
		return nil, err
	}

	return &VideoInfo{
		ID:        video.ID,
		Title:     video.Title,
		Author:    video.Author,
		Duration:  video.Duration,
		Thumbnail: bestThumbnail(video.Thumbnails),
		Audio:     toAudioFormat(format),
		video:     video,
		format:    format,
	}, nil
}

// OpenAudio は選択済みフォーマットの音声ストリームを開く
// サイズが不明な場合は 0 を返す
func (c *Client) OpenAudio(ctx context.Context, info *VideoInfo) (io.ReadCloser, int64, error) {
	if info == nil || info.video == nil || info.format == nil {
		return nil, 0, fmt.Errorf("video info has no resolved audio format")
	}
	stream, size, err := c.client.GetStreamContext(ctx, info.video, info.format)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get stream: %w", err)
	}
	if size <= 0 {
		size = info.Audio.ContentLength
	}
	return stream, size, nil
}

// bestThumbnail は最も大きいサムネイルのURLを返す
func bestThumbnail(thumbs ytdl.Thumbnails) string {
	var best ytdl.Thumbnail
	for _, t := range thumbs {
		if t.Width*t.Height >= best.Width*best.Height {
			best = t
		}
	}
	return best.URL
}
