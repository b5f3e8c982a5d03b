package theme

import (
	"fmt"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

// Color palette
var (
	Primary   = lipgloss.Color("#8B5CF6") // Vivid Purple
	Secondary = lipgloss.Color("#14B8A6") // Teal
	Accent    = lipgloss.Color("#F97316") // Orange
	Success   = lipgloss.Color("#22C55E") // Green
	Error     = lipgloss.Color("#F43F5E") // Rose
	Text      = lipgloss.Color("#F8FAFC") // White
	TextDim   = lipgloss.Color("#94A3B8") // Slate
	Border    = lipgloss.Color("#334155") // Slate
)

// Typography
var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary)

	Heading = lipgloss.NewStyle().
		Bold(true).
		Foreground(Text)

	Dim = lipgloss.NewStyle().
		Foreground(TextDim)

	Hint = lipgloss.NewStyle().
		Foreground(TextDim).
		Italic(true)
)

// Hint cards
var (
	Card = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Border).
		Padding(0, 1)

	SolutionCard = Card.
			BorderForeground(Accent)
)

// States
var (
	Due = lipgloss.NewStyle().
		Foreground(Accent).
		Bold(true)

	Scheduled = lipgloss.NewStyle().
			Foreground(Secondary)

	Disabled = lipgloss.NewStyle().
			Foreground(TextDim).
			Strikethrough(true)

	Correct = lipgloss.NewStyle().
		Foreground(Success).
		Bold(true)

	Incorrect = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)
)

// levelColors shades hint levels from gentle nudge to full solution.
var levelColors = []lipgloss.Style{
	lipgloss.NewStyle().Foreground(Secondary),
	lipgloss.NewStyle().Foreground(Primary),
	lipgloss.NewStyle().Foreground(Accent),
	lipgloss.NewStyle().Foreground(Error).Bold(true),
}

// Level renders a hint level badge such as "L2".
func Level(level int) string {
	i := level - 1
	if i < 0 {
		i = 0
	}
	if i >= len(levelColors) {
		i = len(levelColors) - 1
	}
	return levelColors[i].Render(fmt.Sprintf("L%d", level))
}

// Status renders a review item status.
func Status(status string) string {
	switch status {
	case "due":
		return Due.Render(status)
	case "disabled":
		return Disabled.Render(status)
	default:
		return Scheduled.Render(status)
	}
}

// Check renders a correct/incorrect mark.
func Check(ok bool) string {
	if ok {
		return Correct.Render("✓")
	}
	return Incorrect.Render("✗")
}

var (
	tableHeader = lipgloss.NewStyle().Bold(true).Foreground(Text).Padding(0, 1)
	tableCell   = lipgloss.NewStyle().Padding(0, 1)
	tableNumber = tableCell.Align(lipgloss.Right)
)

// Table starts a bordered table. Columns listed in numeric are right
// aligned.
func Table(headers []string, numeric ...int) *table.Table {
	right := make(map[int]bool, len(numeric))
	for _, c := range numeric {
		right[c] = true
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Border)).
		BorderColumn(false).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return tableHeader
			case right[col]:
				return tableNumber
			}
			return tableCell
		})
}
