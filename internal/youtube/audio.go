package youtube

import (
	"fmt"
	"sort"
	"strings"

	ytdl "github.com/kkdai/youtube/v2"
)

// AudioFormat は音声フォーマット情報
type AudioFormat struct {
	ItagNo        int
	MimeType      string // "audio/mp4", "audio/webm"
	Bitrate       int    // ビットレート (bps)
	ContentLength int64  // ファイルサイズ (bytes)
	Quality       string // 音質ラベル
	Language      string // 言語コード (例: "ja", "en")
	IsDefault     bool   // デフォルト音声トラックかどうか
}

// Extension はMIMEタイプから拡張子を返す
func (f *AudioFormat) Extension() string {
	if strings.Contains(f.MimeType, "mp4") {
		return ".m4a"
	}
	if strings.Contains(f.MimeType, "webm") {
		return ".webm"
	}
	return ".audio"
}

func toAudioFormat(f *ytdl.Format) AudioFormat {
	af := AudioFormat{
		ItagNo:        f.ItagNo,
		MimeType:      f.MimeType,
		Bitrate:       f.Bitrate,
		ContentLength: f.ContentLength,
		Quality:       f.AudioQuality,
	}
	if f.AudioTrack != nil {
		af.Language = f.AudioTrack.ID
		af.IsDefault = f.AudioTrack.AudioIsDefault
	}
	return af
}

// bestAudioFormat は音声のみのフォーマットから最高ビットレートのものを選択
// 吹き替えトラックがある場合はデフォルトトラックを優先
func bestAudioFormat(video *ytdl.Video) (*ytdl.Format, error) {
	var candidates []*ytdl.Format
	for i := range video.Formats {
		f := &video.Formats[i]
		if !strings.HasPrefix(f.MimeType, "audio/") {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no audio formats available")
	}

	var defaults []*ytdl.Format
	for _, f := range candidates {
		if f.AudioTrack == nil || f.AudioTrack.AudioIsDefault {
			defaults = append(defaults, f)
		}
	}
	if len(defaults) > 0 {
		candidates = defaults
	}

	// ビットレート降順でソート
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Bitrate > candidates[j].Bitrate
	})
	return candidates[0], nil
}

// SanitizeTitle はファイル名として安全な文字だけを残し、60文字に切り詰める
func SanitizeTitle(title string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == ' ':
			return r
		default:
			return '_'
		}
	}, title)
	if r := []rune(safe); len(r) > 60 {
		safe = string(r[:60])
	}
	safe = strings.TrimSpace(safe)
	if safe == "" {
		return "audio"
	}
	return safe
}
