package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abhisek/codecoach/internal/spacedrep"
	"github.com/abhisek/codecoach/internal/store"
	"github.com/abhisek/codecoach/internal/ui/theme"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show learning statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCoach(cmd, coachOptions{})
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		user := resolveUser(cmd)
		now := time.Now()

		records, err := c.engine.Mistakes().Records(ctx, user)
		if err != nil {
			return fmt.Errorf("load mistakes: %w", err)
		}
		patterns, err := c.engine.Mistakes().Patterns(ctx, user)
		if err != nil {
			return fmt.Errorf("load patterns: %w", err)
		}
		recurring, err := c.engine.PatternsNeedingReinforcement(ctx, user)
		if err != nil {
			return fmt.Errorf("load patterns: %w", err)
		}
		items, err := c.engine.Scheduler().Items(ctx, user)
		if err != nil {
			return fmt.Errorf("load reviews: %w", err)
		}
		byStatus := make(map[spacedrep.ReviewStatus]int)
		for _, it := range items {
			byStatus[it.Status(now)]++
		}

		counts := make(map[string]int)
		for _, kind := range []string{store.EventHint, store.EventReview} {
			events, err := c.events.QueryEvents(ctx, kind, store.QueryOpts{Owner: user})
			if err != nil {
				return fmt.Errorf("query %s events: %w", kind, err)
			}
			counts[kind] = len(events)
		}

		fmt.Println(theme.Title.Render("codecoach stats for " + user))
		fmt.Println(strings.Repeat("─", 40))
		fmt.Printf("%-24s  %6d\n", "Mistakes", len(records))
		fmt.Printf("%-24s  %6d\n", "Patterns", len(patterns))
		fmt.Printf("%-24s  %6d\n", "Recurring patterns", len(recurring))
		fmt.Printf("%-24s  %6d\n", "Hints served", counts[store.EventHint])
		fmt.Printf("%-24s  %6d\n", "Reviews answered", counts[store.EventReview])
		fmt.Println(strings.Repeat("─", 40))
		fmt.Printf("%-24s  %6d\n", "Reviews due", byStatus[spacedrep.ReviewDue])
		fmt.Printf("%-24s  %6d\n", "Reviews scheduled", byStatus[spacedrep.ReviewScheduled])
		fmt.Printf("%-24s  %6d\n", "Reviews disabled", byStatus[spacedrep.ReviewDisabled])
		return nil
	},
}
