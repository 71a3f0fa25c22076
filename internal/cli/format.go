package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"tubemp3/internal/models"
)

type styles struct {
	queued  lipgloss.Style
	running lipgloss.Style
	done    lipgloss.Style
	failed  lipgloss.Style
	hint    lipgloss.Style
	header  lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{queued: plain, running: plain, done: plain, failed: plain, hint: plain, header: plain}
	}
	return styles{
		queued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C")),
		running: lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7")),
		done:    lipgloss.NewStyle().Foreground(lipgloss.Color("#00D787")).Bold(true),
		failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF005F")).Bold(true),
		hint:    lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C")).Italic(true),
		header:  lipgloss.NewStyle().Bold(true),
	}
}

func (s styles) state(state models.State) string {
	label := string(state)
	switch state {
	case models.StateDone:
		return s.done.Render(label)
	case models.StateError, models.StateCanceled:
		return s.failed.Render(label)
	case models.StateDownloading, models.StateConverting, models.StatePending:
		return s.running.Render(label)
	default:
		return s.queued.Render(label)
	}
}

func (s styles) separation(state models.SeparationState) string {
	label := string(state)
	switch state {
	case models.SeparationDone:
		return s.done.Render(label)
	case models.SeparationError:
		return s.failed.Render(label)
	case models.SeparationQueued, models.SeparationProcessing:
		return s.running.Render(label)
	default:
		return s.queued.Render(label)
	}
}

// padRight pads s to width visible cells, truncating when longer.
func padRight(s string, width int) string {
	w := lipgloss.Width(s)
	if width <= 0 {
		return s
	}
	if w > width {
		r := []rune(s)
		if len(r) > width {
			return string(r[:width-1]) + "…"
		}
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

func formatPercent(p float64) string {
	return fmt.Sprintf("%5.1f%%", p)
}

// formatClock renders seconds as m:ss or h:mm:ss.
func formatClock(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	total := int(seconds + 0.5)
	h, m, sec := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}

func formatETA(eta *int) string {
	if eta == nil {
		return ""
	}
	return "eta " + formatClock(float64(*eta))
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func titleOf(title, fallback string) string {
	if title != "" {
		return title
	}
	return fallback
}
