package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/abhisek/codecoach/internal/config"
	"github.com/abhisek/codecoach/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "codecoach",
	Short: "Adaptive hints and spaced review for an in-editor tutor",
	Long: `codecoach watches how a learner edits code, offers graduated hints when
they get stuck, and brings recurring mistakes back for spaced review.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to SQLite database file (overrides store.path)")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringP("user", "u", "", "Learner ID (default $CODECOACH_USER, then $USER)")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(hintCmd)
	rootCmd.AddCommand(mistakeCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(dueCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(publishDueCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(llmCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolveDBPath returns the database path using --db flag (highest priority),
// then store.path from config, then the default XDG path.
func resolveDBPath(cmd *cobra.Command, cfg *config.Config) (string, error) {
	if p, _ := cmd.Flags().GetString("db"); p != "" {
		return p, store.EnsureDir(p)
	}
	if cfg != nil && cfg.Store.Path != "" {
		return cfg.Store.Path, store.EnsureDir(cfg.Store.Path)
	}
	return store.DefaultDBPath()
}

// resolveUser returns the learner ID using --user, then CODECOACH_USER,
// then the login name.
func resolveUser(cmd *cobra.Command) string {
	if u, _ := cmd.Flags().GetString("user"); u != "" {
		return u
	}
	if u := os.Getenv("CODECOACH_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}
