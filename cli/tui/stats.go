package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/ferry/cli/reader"
)

// StatsModel is a Bubble Tea model for stats views.
type StatsModel struct {
	viewType string
	data     any
	cursor   int
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a new stats model.
func NewStatsModel(viewType string, data any) StatsModel {
	return StatsModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Down):
			if m.cursor < m.rowCount()-1 {
				m.cursor++
			}
		}
	}

	return m, nil
}

func (m StatsModel) rowCount() int {
	if data, ok := m.data.(*reader.ExportReport); ok {
		return len(data.Downloads)
	}
	return 0
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case ViewStatsExport:
		content = m.renderStatsExport()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("↑/↓ select download • q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m StatsModel) renderStatsExport() string {
	data, ok := m.data.(*reader.ExportReport)
	if !ok {
		return "Invalid data type for " + ViewStatsExport
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Export Summary"))
	b.WriteString("\n\n")

	boxes := []string{
		m.renderStatBox("Files", int64(data.Stats.Files), highlightColor),
		m.renderStatBox("Segments", data.Stats.SegmentsFlushed, primaryColor),
		m.renderStatBox("Saved", data.Stats.DownloadSuccess, successColor),
		m.renderStatBox("Failed", data.Stats.DownloadFailure, errorColor),
		m.renderStatBox("Dropped", data.Stats.MessagesDropped, warningColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Backend:"), ValueStyle.Render(data.Backend))
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Received:"),
		ValueStyle.Render(fmt.Sprintf("%s in %d chunks", formatBytes(data.Stats.BytesReceived), data.Stats.ChunksReceived)))
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Backlog:"),
		WarningStyle.Render(fmt.Sprintf("%d holds, %d wakes", data.Stats.BacklogHolds, data.Stats.BacklogWakes)))
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Duration:"), ValueStyle.Render(data.Duration))

	if len(data.Downloads) == 0 {
		return b.String()
	}

	b.WriteString("\n")
	b.WriteString(TitleStyle.Render("Downloads"))
	b.WriteString("\n")
	for i, row := range data.Downloads {
		line := fmt.Sprintf("%-40s %10s  %s", row.StoredAs, formatBytes(row.Size), StateStyle(row.State).Render(row.State))
		if i == m.cursor {
			line = SelectedStyle.Render("> ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.cursor < len(data.Downloads) {
		if sel := data.Downloads[m.cursor]; sel.Error != "" {
			b.WriteString("\n")
			b.WriteString(ErrorStyle.Render(sel.Error))
			b.WriteString("\n")
		}
	}

	return b.String()
}

func (m StatsModel) renderStatBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// RunStatsTUI runs the stats TUI.
func RunStatsTUI(viewType string, data any) error {
	model := NewStatsModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders stats data without full TUI (for fallback).
func RenderStatsStatic(viewType string, data any) string {
	model := NewStatsModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
