package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/cloudcare/alert-desk/pkg/models"
)

var (
	// Colors
	colorRed    = lipgloss.Color("#FF5555")
	colorOrange = lipgloss.Color("#FFB86C")
	colorYellow = lipgloss.Color("#F1FA8C")
	colorGreen  = lipgloss.Color("#50FA7B")
	colorCyan   = lipgloss.Color("#8BE9FD")
	colorWhite  = lipgloss.Color("#F8F8F2")
	colorGray   = lipgloss.Color("#6272A4")
	colorPanel  = lipgloss.Color("#44475A")

	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	labelStyle    = lipgloss.NewStyle().Foreground(colorGray)
	valueStyle    = lipgloss.NewStyle().Foreground(colorWhite)
	okStyle       = lipgloss.NewStyle().Foreground(colorGreen)
	errStyle      = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	selectedStyle = lipgloss.NewStyle().Background(colorPanel).Foreground(colorWhite)
	helpStyle     = lipgloss.NewStyle().Foreground(colorGray)
	dimStyle      = lipgloss.NewStyle().Foreground(colorGray)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray).
			Padding(0, 1)
)

func severityStyle(s models.Severity) lipgloss.Style {
	switch s {
	case models.SeverityCritical:
		return lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	case models.SeverityHigh:
		return lipgloss.NewStyle().Foreground(colorOrange).Bold(true)
	case models.SeverityMedium:
		return lipgloss.NewStyle().Foreground(colorYellow)
	default:
		return lipgloss.NewStyle().Foreground(colorCyan)
	}
}

func statusStyle(s models.AlertStatus) lipgloss.Style {
	switch s {
	case models.AlertStatusActive, "":
		return errStyle
	case models.AlertStatusResolved, models.AlertStatusFalseAlarm:
		return dimStyle
	default:
		return okStyle
	}
}
