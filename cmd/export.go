package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/abhisek/codecoach/internal/archive"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a learner's data as compressed JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")

		c, err := openCoach(cmd, coachOptions{})
		if err != nil {
			return err
		}
		defer c.Close()

		if dir == "" {
			dbPath, err := resolveDBPath(cmd, c.cfg)
			if err != nil {
				return fmt.Errorf("resolve database path: %w", err)
			}
			dir = filepath.Join(filepath.Dir(dbPath), "exports")
		}

		path, sum, err := archive.ExportFile(cmd.Context(), c.repo, c.events, resolveUser(cmd), dir)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		fmt.Printf("Wrote %d records and %d events to %s\n", sum.Records, sum.Events, path)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore a learner's records from an export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open export: %w", err)
		}
		defer f.Close()

		lines, err := archive.Read(f)
		if err != nil {
			return fmt.Errorf("read export: %w", err)
		}

		c, err := openCoach(cmd, coachOptions{})
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := archive.Restore(cmd.Context(), c.repo, resolveUser(cmd), lines)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		fmt.Printf("Restored %d records\n", n)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("dir", "", "Output directory (default: exports/ next to the database)")
}
