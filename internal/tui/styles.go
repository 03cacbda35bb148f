package tui

import "github.com/charmbracelet/lipgloss"

const (
	accent = lipgloss.Color("212")
	muted  = lipgloss.Color("241")
	green  = lipgloss.Color("78")
	amber  = lipgloss.Color("214")
	red    = lipgloss.Color("196")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(accent)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	subtitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle      = lipgloss.NewStyle().Foreground(muted)

	successStyle = lipgloss.NewStyle().Foreground(green)
	warnStyle    = lipgloss.NewStyle().Foreground(amber)
	errorStyle   = lipgloss.NewStyle().Foreground(red)

	// Chat transcript and status line.
	userMsgStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("111"))
	assistantMsgStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	statusBarStyle    = lipgloss.NewStyle().Foreground(muted).Background(lipgloss.Color("236")).Padding(0, 1)
)
