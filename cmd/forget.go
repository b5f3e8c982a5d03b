package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Erase every mistake, review and event of a learner",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		user := resolveUser(cmd)
		if !yes {
			fmt.Printf("This erases all learning data of %q. Run again with --yes to confirm.\n", user)
			return nil
		}

		c, err := openCoach(cmd, coachOptions{})
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.engine.EraseUser(cmd.Context(), user)
		if err != nil {
			return fmt.Errorf("erase %s: %w", user, err)
		}
		fmt.Printf("Erased %d records and events of %s\n", n, user)
		return nil
	},
}

func init() {
	forgetCmd.Flags().Bool("yes", false, "Confirm the erase")
}
