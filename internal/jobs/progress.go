package jobs

import (
	"math"
	"time"

	"tubemp3/internal/pipeline"
)

// downloadPercent maps byte progress to a 0-100 stage percent. Without a
// known total the percent ramps with elapsed time against ceiling and
// stays below 100 until the download finishes.
func downloadPercent(p pipeline.Progress, ceiling time.Duration) float64 {
	if p.Total > 0 {
		return clampPercent(float64(p.Downloaded) / float64(p.Total) * 100)
	}
	if ceiling <= 0 {
		return 0
	}
	return math.Min(clampPercent(p.Elapsed.Seconds()/ceiling.Seconds()*100), 99)
}

// downloadETA is (total - downloaded) / (downloaded / elapsed), in whole
// seconds. ok is false when the total or the rate is unknown.
func downloadETA(p pipeline.Progress) (int, bool) {
	if p.Total <= 0 || p.Downloaded <= 0 || p.Elapsed <= 0 {
		return 0, false
	}
	rate := float64(p.Downloaded) / p.Elapsed.Seconds()
	remaining := float64(p.Total-p.Downloaded) / rate
	return etaSeconds(remaining), true
}

// convertPercent uses the tool's percent when it has one, otherwise the
// time mark against the media duration. ok is false when neither is known.
func convertPercent(p pipeline.Progress, duration float64) (float64, bool) {
	if p.Percent >= 0 {
		return clampPercent(p.Percent), true
	}
	if duration > 0 && p.TimeMark >= 0 {
		return clampPercent(p.TimeMark / duration * 100), true
	}
	return 0, false
}

// convertETA extrapolates the remaining media time from the rate the time
// mark has advanced since conversion started.
func convertETA(timeMark, duration float64, elapsed time.Duration) (int, bool) {
	if duration <= 0 || timeMark <= 0 || elapsed <= 0 {
		return 0, false
	}
	rate := timeMark / elapsed.Seconds()
	return etaSeconds((duration - timeMark) / rate), true
}

// globalDownload is the overall percent while downloading: the first half.
func globalDownload(stage float64) float64 {
	return stage / 2
}

// globalConvert is the overall percent while converting. 100 is held back
// until finalization.
func globalConvert(stage float64) float64 {
	return math.Min(50+stage/2, 99)
}

// advance returns the new value of a percent that must not regress.
func advance(prev, computed float64) float64 {
	return math.Max(prev, computed)
}

func clampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func etaSeconds(v float64) int {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int(math.Ceil(v))
}
