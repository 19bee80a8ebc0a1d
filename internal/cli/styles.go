package cli

import "github.com/charmbracelet/lipgloss"

// Styles contains the lipgloss styles for list output
type Styles struct {
	Header  lipgloss.Style
	Name    lipgloss.Style
	Dim     lipgloss.Style
	Running lipgloss.Style
	Stopped lipgloss.Style
	Other   lipgloss.Style
}

// DefaultStyles returns the default list styles
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Name:    lipgloss.NewStyle().Bold(true),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Running: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Stopped: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Other:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
}

// Icons used in list output
const (
	IconRunning = "●"
	IconStopped = "○"
	IconOther   = "◐"
)
