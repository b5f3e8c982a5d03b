package cmd

import (
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/abhisek/codecoach/internal/mistakes"
	"github.com/abhisek/codecoach/internal/spacedrep"
	"github.com/abhisek/codecoach/internal/ui/theme"
)

var mistakeCmd = &cobra.Command{
	Use:   "mistake",
	Short: "Record and list mistakes",
}

var mistakeRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a mistake",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		language, _ := cmd.Flags().GetString("language")
		errorKind, _ := cmd.Flags().GetString("error")
		snippet, _ := cmd.Flags().GetString("snippet")
		file, _ := cmd.Flags().GetString("file")
		review, _ := cmd.Flags().GetBool("review")

		if file != "" {
			b, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read snippet: %w", err)
			}
			snippet = string(b)
			if language == "" {
				language = languageFor(file)
			}
		}

		c, err := openCoach(cmd, coachOptions{})
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		user := resolveUser(cmd)
		rec, err := c.engine.RecordMistake(ctx, mistakes.Event{
			MistakeID: id,
			UserID:    user,
			Language:  language,
			ErrorKind: errorKind,
			Snippet:   snippet,
		})
		if err != nil {
			return fmt.Errorf("record mistake: %w", err)
		}
		fmt.Printf("Recorded %s (%s, %s)\n", rec.MistakeID, rec.Language, rec.ErrorKind)

		if review {
			item, err := c.engine.Schedule(ctx, spacedrep.Schedulable{
				Key:       rec.MistakeID,
				Kind:      spacedrep.KindMistake,
				UserID:    user,
				CreatedAt: rec.Timestamp,
			})
			if err != nil {
				return fmt.Errorf("schedule review: %w", err)
			}
			fmt.Printf("Review due %s\n", item.DueAt.Local().Format(dateTime))
		}

		patterns, err := c.engine.PatternsNeedingReinforcement(ctx, user)
		if err != nil {
			return fmt.Errorf("load patterns: %w", err)
		}
		for _, p := range patterns {
			if slices.Contains(p.MemberMistakeIDs, rec.MistakeID) {
				fmt.Println(theme.Due.Render(fmt.Sprintf(
					"Recurring pattern %s: seen %d times recently, scheduled for review.",
					p.PatternKey, p.RecentFrequency)))
			}
		}
		return nil
	},
}

var mistakeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded mistakes",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := openCoach(cmd, coachOptions{})
		if err != nil {
			return err
		}
		defer c.Close()

		records, err := c.engine.Mistakes().Records(cmd.Context(), resolveUser(cmd))
		if err != nil {
			return fmt.Errorf("load mistakes: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No mistakes recorded.")
			return nil
		}
		if limit > 0 && len(records) > limit {
			records = records[len(records)-limit:]
		}

		t := theme.Table([]string{"ID", "Time", "Language", "Error", "Shape", "Reviews"}, 5)
		for _, r := range records {
			t.Row(
				r.MistakeID,
				r.Timestamp.Local().Format(dateTime),
				truncate(r.Language, 12),
				truncate(r.ErrorKind, 24),
				truncate(r.ContextFingerprint, 12),
				strconv.Itoa(r.ReviewCount),
			)
		}
		fmt.Println(t.Render())
		return nil
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List recurring mistake patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		c, err := openCoach(cmd, coachOptions{})
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		user := resolveUser(cmd)
		var patterns []mistakes.Pattern
		if all {
			patterns, err = c.engine.Mistakes().Patterns(ctx, user)
		} else {
			patterns, err = c.engine.PatternsNeedingReinforcement(ctx, user)
		}
		if err != nil {
			return fmt.Errorf("load patterns: %w", err)
		}
		if len(patterns) == 0 {
			fmt.Println("No patterns need reinforcement.")
			return nil
		}

		printPatterns(patterns)
		fmt.Printf("\n%d patterns\n", len(patterns))
		return nil
	},
}

func init() {
	mistakeRecordCmd.Flags().String("id", "", "Mistake ID (default: generated)")
	mistakeRecordCmd.Flags().StringP("language", "l", "", "Source language")
	mistakeRecordCmd.Flags().StringP("error", "e", "", "Error kind (required)")
	mistakeRecordCmd.Flags().String("snippet", "", "Code around the mistake")
	mistakeRecordCmd.Flags().StringP("file", "f", "", "Read the snippet from a file")
	mistakeRecordCmd.Flags().Bool("review", false, "Also schedule this mistake for review")
	_ = mistakeRecordCmd.MarkFlagRequired("error")

	mistakeListCmd.Flags().IntP("limit", "n", 20, "Number of mistakes to show")

	patternsCmd.Flags().Bool("all", false, "Include patterns that do not need reinforcement")

	mistakeCmd.AddCommand(mistakeRecordCmd)
	mistakeCmd.AddCommand(mistakeListCmd)
}
