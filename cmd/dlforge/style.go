package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/dlforge/dlforge/internal/queue"
	"github.com/dlforge/dlforge/internal/utils"
)

// Colors carried over from the teacher's TUI palette; dlforge only
// needs the semantic state colors for a headless progress line, not
// the full cyberpunk theme.
var (
	colorError       = lipgloss.Color("#ff5555")
	colorPaused      = lipgloss.Color("#ffb86c")
	colorDownloading = lipgloss.Color("#50fa7b")
	colorDone        = lipgloss.Color("#bd93f9")
	colorWarning     = lipgloss.Color("#f1fa8c")
	colorMuted       = lipgloss.Color("#a9b1d6")
)

func stateStyle(s queue.State) lipgloss.Style {
	switch s {
	case queue.Completed:
		return lipgloss.NewStyle().Foreground(colorDone).Bold(true)
	case queue.Failed:
		return lipgloss.NewStyle().Foreground(colorError).Bold(true)
	case queue.Cancelled:
		return lipgloss.NewStyle().Foreground(colorError)
	case queue.Paused:
		return lipgloss.NewStyle().Foreground(colorPaused)
	case queue.RetryWait:
		return lipgloss.NewStyle().Foreground(colorWarning)
	case queue.Downloading, queue.Starting:
		return lipgloss.NewStyle().Foreground(colorDownloading)
	default:
		return lipgloss.NewStyle().Foreground(colorMuted)
	}
}

// progressLine renders a single-line, carriage-return-refreshed status
// for a download in flight: a bar, percentage, throughput, and state.
func progressLine(filename string, downloaded, total int64, bps float64, state queue.State) string {
	const width = 30
	frac := 0.0
	if total > 0 {
		frac = float64(downloaded) / float64(total)
	}
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * width)
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", width-filled)

	label := stateStyle(state).Render(string(state))
	return fmt.Sprintf("\r[%s] %5.1f%%  %s/%s  %s/s  %-12s",
		bar, frac*100,
		utils.ConvertBytesToHumanReadable(downloaded),
		utils.ConvertBytesToHumanReadable(total),
		utils.ConvertBytesToHumanReadable(int64(bps)),
		label,
	)
}
