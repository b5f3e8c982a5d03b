package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abhisek/codecoach/internal/spacedrep"
	"github.com/abhisek/codecoach/internal/ui/theme"
)

var dueCmd = &cobra.Command{
	Use:   "due",
	Short: "List reviews that are due",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		at, err := parseAt(cmd)
		if err != nil {
			return err
		}

		c, err := openCoach(cmd, coachOptions{})
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		user := resolveUser(cmd)
		var items []*spacedrep.ReviewItem
		if all {
			items, err = c.engine.Scheduler().Items(ctx, user)
		} else {
			items, err = c.engine.DueNow(ctx, user, at)
		}
		if err != nil {
			return fmt.Errorf("load reviews: %w", err)
		}
		if len(items) == 0 {
			fmt.Println("Nothing due. Nice work.")
			return nil
		}

		printItems(items, at)
		fmt.Printf("\n%d items\n", len(items))
		return nil
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review [key]",
	Short: "Record review outcomes",
	Long: `With a key, record one outcome using --correct or --incorrect.

Without a key, walk through every due review interactively: answer y if
you remembered the fix, n if not. Response time is measured for you.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReview,
}

func init() {
	dueCmd.Flags().String("at", "", "Evaluate due reviews at this RFC3339 time (default: now)")
	dueCmd.Flags().Bool("all", false, "List every review item with its status")

	reviewCmd.Flags().Bool("correct", false, "The learner got it right")
	reviewCmd.Flags().Bool("incorrect", false, "The learner got it wrong")
	reviewCmd.Flags().Int64("ms", 0, "Response time in milliseconds")
	reviewCmd.Flags().String("token", "", "Idempotency token (default: one per due occurrence)")
	reviewCmd.MarkFlagsMutuallyExclusive("correct", "incorrect")
}

func runReview(cmd *cobra.Command, args []string) error {
	c, err := openCoach(cmd, coachOptions{})
	if err != nil {
		return err
	}
	defer c.Close()

	if len(args) == 1 {
		return reviewOne(cmd, c, args[0])
	}
	return reviewDue(cmd, c)
}

func reviewOne(cmd *cobra.Command, c *coach, key string) error {
	correct, _ := cmd.Flags().GetBool("correct")
	incorrect, _ := cmd.Flags().GetBool("incorrect")
	ms, _ := cmd.Flags().GetInt64("ms")
	token, _ := cmd.Flags().GetString("token")
	if !correct && !incorrect {
		return fmt.Errorf("pass --correct or --incorrect")
	}

	ctx := cmd.Context()
	user := resolveUser(cmd)
	if token == "" {
		item, err := c.engine.Scheduler().Get(ctx, user, key)
		if err != nil {
			return fmt.Errorf("load review %s: %w", key, err)
		}
		token = occurrenceToken(item)
	}

	item, err := c.engine.RecordOutcome(ctx, spacedrep.Outcome{
		UserID:         user,
		Key:            key,
		Correct:        correct,
		ResponseTimeMs: ms,
		Token:          token,
	})
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	printOutcome(item, correct)
	return nil
}

func reviewDue(cmd *cobra.Command, c *coach) error {
	ctx := cmd.Context()
	user := resolveUser(cmd)
	due, err := c.engine.DueNow(ctx, user, time.Now())
	if err != nil {
		return fmt.Errorf("load reviews: %w", err)
	}
	if len(due) == 0 {
		fmt.Println("Nothing due. Nice work.")
		return nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	var right int
	for i, it := range due {
		fmt.Printf("── Review %d/%d ──\n", i+1, len(due))
		if err := describeItem(cmd, c, it); err != nil {
			return err
		}

		start := time.Now()
		fmt.Print("\nDid you remember the fix? [y/n/s] ")
		if !scanner.Scan() {
			fmt.Println("\n(input closed)")
			break
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer == "" || answer == "s" {
			fmt.Println("(skipped)")
			fmt.Println()
			continue
		}
		correct := answer == "y" || answer == "yes"

		item, err := c.engine.RecordOutcome(ctx, spacedrep.Outcome{
			UserID:         user,
			Key:            it.Key,
			Correct:        correct,
			ResponseTimeMs: time.Since(start).Milliseconds(),
			Token:          occurrenceToken(it),
		})
		if err != nil {
			if errors.Is(err, spacedrep.ErrDisabled) {
				continue
			}
			return fmt.Errorf("record outcome: %w", err)
		}
		if correct {
			right++
		}
		printOutcome(item, correct)
		fmt.Println()
	}

	fmt.Printf("Session complete: %d/%d remembered\n", right, len(due))
	return nil
}

// describeItem prints what a review item is about.
func describeItem(cmd *cobra.Command, c *coach, it *spacedrep.ReviewItem) error {
	ctx := cmd.Context()
	if it.Kind == spacedrep.KindPattern {
		p, ok, err := c.engine.Mistakes().Pattern(ctx, it.UserID, it.Key)
		if err != nil {
			return fmt.Errorf("load pattern: %w", err)
		}
		if ok {
			fmt.Printf("%s in %s, made %d times (last %s)\n",
				theme.Heading.Render(p.ErrorKind), p.Language, p.Frequency,
				p.LastSeenAt.Local().Format(dateTime))
			return nil
		}
	}
	fmt.Printf("%s %s\n", theme.Heading.Render(string(it.Kind)), it.Key)
	return nil
}

func printOutcome(it *spacedrep.ReviewItem, correct bool) {
	fmt.Printf("%s next review %s (in %dd, ease %.2f)\n",
		theme.Check(correct),
		it.DueAt.Local().Format(dateTime),
		it.IntervalDays,
		it.EaseFactor)
}

// occurrenceToken identifies one due occurrence so repeated submissions
// for it apply once.
func occurrenceToken(it *spacedrep.ReviewItem) string {
	return fmt.Sprintf("%s@%d", it.Key, it.DueAt.Unix())
}

var disableCmd = &cobra.Command{
	Use:   "disable <key>",
	Short: "Stop reviewing a mistake or pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCoach(cmd, coachOptions{})
		if err != nil {
			return err
		}
		defer c.Close()

		item, err := c.engine.Disable(cmd.Context(), resolveUser(cmd), args[0])
		if err != nil {
			return fmt.Errorf("disable %s: %w", args[0], err)
		}
		fmt.Printf("%s %s\n", theme.Status(string(item.Status(time.Now()))), item.Key)
		return nil
	},
}
