package main

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	roleStyles = map[string]lipgloss.Style{
		"system":    lipgloss.NewStyle().Foreground(lipgloss.Color("135")).Italic(true),
		"user":      lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		"assistant": lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
	}
)

func roleLabel(role string) string {
	if s, ok := roleStyles[role]; ok {
		return s.Render(role + ":")
	}
	return role + ":"
}
