package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abhisek/codecoach/internal/hints"
	"github.com/abhisek/codecoach/internal/mistakes"
	"github.com/abhisek/codecoach/internal/spacedrep"
	"github.com/abhisek/codecoach/internal/ui/theme"
)

const dateTime = "2006-01-02 15:04"

func printHint(h *hints.Hint) {
	fmt.Printf("%s  %s  %s\n",
		theme.Level(h.Level),
		theme.Heading.Render(h.ContextKey),
		theme.Dim.Render(string(h.Source)))

	card := theme.Card
	body := h.Content
	switch {
	case h.Gated:
		body = theme.Hint.Render("The full solution is ready. Ask again with --show-solution to see it.")
	case h.Level == hints.SolutionLevel:
		card = theme.SolutionCard
	}
	fmt.Println(card.Render(body))

	if len(h.RelatedDocs) > 0 {
		fmt.Println(theme.Dim.Render("See also: " + strings.Join(h.RelatedDocs, ", ")))
	}
}

func printPatterns(patterns []mistakes.Pattern) {
	t := theme.Table([]string{"Pattern", "Language", "Error", "Freq", "Recent", "Severity", "Last seen"}, 3, 4, 5)
	for _, p := range patterns {
		t.Row(
			truncate(p.PatternKey, 20),
			truncate(p.Language, 12),
			truncate(p.ErrorKind, 24),
			strconv.Itoa(p.Frequency),
			strconv.Itoa(p.RecentFrequency),
			strconv.FormatFloat(p.Severity, 'f', 2, 64),
			p.LastSeenAt.Local().Format(dateTime),
		)
	}
	fmt.Println(t.Render())
}

func printItems(items []*spacedrep.ReviewItem, now time.Time) {
	t := theme.Table([]string{"Key", "Kind", "Due", "Interval", "Ease", "Reviews", "Status"}, 3, 4, 5)
	for _, it := range items {
		due := "-"
		if !it.Disabled {
			due = it.DueAt.Local().Format(dateTime)
		}
		t.Row(
			truncate(it.Key, 36),
			string(it.Kind),
			due,
			fmt.Sprintf("%dd", it.IntervalDays),
			strconv.FormatFloat(it.EaseFactor, 'f', 2, 64),
			strconv.Itoa(it.ReviewCount),
			theme.Status(string(it.Status(now))),
		)
	}
	fmt.Println(t.Render())
}
