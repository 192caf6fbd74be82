package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/Rajchodisetti/tradedesk/internal/store"
)

var (
	toastTitleStyle = lipgloss.NewStyle().Bold(true)
	toastTimeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))

	priorityColors = map[store.Priority]lipgloss.Color{
		store.PriorityCritical: lipgloss.Color("#EF4444"),
		store.PriorityHigh:     lipgloss.Color("#F59E0B"),
		store.PriorityMedium:   lipgloss.Color("#3B82F6"),
		store.PriorityLow:      lipgloss.Color("#6B7280"),
	}
)

// ConsoleSink renders toasts to a terminal and rings the bell for sound events.
type ConsoleSink struct {
	mu   sync.Mutex
	w    io.Writer
	bell bool
}

func NewConsoleSink(w io.Writer, bell bool) *ConsoleSink {
	return &ConsoleSink{w: w, bell: bell}
}

func (c *ConsoleSink) Notify(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bell && ev.Sound {
		fmt.Fprint(c.w, "\a")
	}
	fmt.Fprintln(c.w, RenderToast(ev))
}

// RenderToast formats ev as a bordered box coloured by priority.
func RenderToast(ev Event) string {
	color, ok := priorityColors[ev.Priority]
	if !ok {
		color = priorityColors[store.PriorityLow]
	}
	box := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(color).
		Padding(0, 1).
		Width(60)

	header := toastTitleStyle.Foreground(color).Render(ev.Title)
	if !ev.At.IsZero() {
		header += " " + toastTimeStyle.Render(ev.At.Format("15:04:05"))
	}
	if ev.Body == "" {
		return box.Render(header)
	}
	return box.Render(lipgloss.JoinVertical(lipgloss.Left, header, ev.Body))
}
