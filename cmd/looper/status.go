package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JeanRibes/midi-looper/music"

	"github.com/charmbracelet/lipgloss"
)

const progressWidth = 16

var (
	timeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	recStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	leadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	clickStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
)

// status rewrites a single terminal line.
type status struct {
	mu sync.Mutex
	w  io.Writer
}

func newStatus(w io.Writer) *status {
	return &status{w: w}
}

func (s *status) print(st music.State, notes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, "\r\033[K"+statusLine(st, notes))
}

func statusLine(st music.State, notes int) string {
	icon := "■"
	if st.IsPlaying {
		icon = "▶"
	}
	filled := int(st.Progress / 100 * progressWidth)
	filled = max(0, min(progressWidth, filled))
	parts := []string{
		icon,
		timeStyle.Render(st.FormattedTime),
		barStyle.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("░", progressWidth-filled)),
		fmt.Sprintf("%.0f BPM", st.BPM),
		dimStyle.Render(fmt.Sprintf("%d bars", st.LoopLengthBars)),
		dimStyle.Render(fmt.Sprintf("%d notes", notes)),
	}
	switch {
	case st.IsRecordingLeadIn:
		parts = append(parts, leadStyle.Render("LEAD-IN"))
	case st.IsRecordingMidi:
		parts = append(parts, recStyle.Render("REC"))
	}
	if st.MetronomeEnabled {
		parts = append(parts, clickStyle.Render("♩"))
	}
	return strings.Join(parts, " ")
}
