package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove expired hint cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCoach(cmd, coachOptions{})
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.repo.PurgeExpired(cmd.Context(), time.Now())
		if err != nil {
			return fmt.Errorf("purge expired: %w", err)
		}
		fmt.Printf("Removed %d expired entries\n", n)
		return nil
	},
}
