package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED") // Purple
	secondaryColor = lipgloss.Color("#10B981") // Green
	mutedColor     = lipgloss.Color("#6B7280") // Gray
	accentColor    = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#EF4444") // Red
	fgColor        = lipgloss.Color("#F9FAFB") // Light

	// Layout styles
	AppStyle    = lipgloss.NewStyle().Padding(1, 2)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1)

	// Config list (left side)
	ListPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(mutedColor).Padding(0, 1)

	// Operations (right side)
	DetailPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(primaryColor).Padding(1, 2)

	// Config list item styles
	SelectedItemStyle = lipgloss.NewStyle().Background(primaryColor).Foreground(fgColor).Bold(true).Padding(0, 1)
	NormalItemStyle   = lipgloss.NewStyle().Foreground(fgColor).Padding(0, 1)
	DisabledItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#52525B")).Faint(true).Padding(0, 1)

	// Detail panel styles
	TitleStyle     = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1)
	LabelStyle     = lipgloss.NewStyle().Foreground(accentColor).Bold(true).Width(14)
	ValueStyle     = lipgloss.NewStyle().Foreground(fgColor)
	LinkStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA")).Underline(true)
	CompletedStyle = lipgloss.NewStyle().Foreground(secondaryColor)
	FailedStyle    = lipgloss.NewStyle().Foreground(errorColor)
	PendingStyle   = lipgloss.NewStyle().Foreground(accentColor)

	// Help bar
	HelpStyle    = lipgloss.NewStyle().Foreground(mutedColor).MarginTop(1)
	HelpKeyStyle = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)

	// Sync running indicator
	SyncingStyle = lipgloss.NewStyle().Background(secondaryColor).Foreground(fgColor).Bold(true).Padding(0, 1)
)
