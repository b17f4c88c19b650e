package main

import "github.com/charmbracelet/lipgloss"

var (
	// Color palette
	primaryColor = lipgloss.Color("#7D56F4")
	accentColor  = lipgloss.Color("#00D7FF")
	successColor = lipgloss.Color("#04B575")
	warningColor = lipgloss.Color("#FFA500")
	errorColor   = lipgloss.Color("#FF4B4B")
	mutedColor   = lipgloss.Color("#666666")
)

type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	value lipgloss.Style
	muted lipgloss.Style
	pass  lipgloss.Style
	fail  lipgloss.Style
	guard lipgloss.Style
	box   lipgloss.Style
}

func newStyles(opts *globalOptions) styles {
	if opts.noColor {
		plain := lipgloss.NewStyle()
		return styles{
			title: plain,
			label: plain,
			value: plain,
			muted: plain,
			pass:  plain,
			fail:  plain,
			guard: plain,
			box:   plain,
		}
	}

	return styles{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor),
		label: lipgloss.NewStyle().
			Foreground(mutedColor),
		value: lipgloss.NewStyle().
			Foreground(accentColor),
		muted: lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true),
		pass: lipgloss.NewStyle().
			Bold(true).
			Foreground(successColor),
		fail: lipgloss.NewStyle().
			Bold(true).
			Foreground(errorColor),
		guard: lipgloss.NewStyle().
			Foreground(warningColor),
		box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1),
	}
}

// keyValues renders label/value pairs as an aligned block.
func (s styles) keyValues(pairs ...[2]string) string {
	var width int
	for _, pair := range pairs {
		if w := lipgloss.Width(pair[0]); w > width {
			width = w
		}
	}

	lines := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		lines = append(lines, lipgloss.JoinHorizontal(
			lipgloss.Top,
			s.label.Width(width+2).Render(pair[0]),
			s.value.Render(pair[1]),
		))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
