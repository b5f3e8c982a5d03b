package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abhisek/codecoach/internal/engine"
	"github.com/abhisek/codecoach/internal/hints"
	"github.com/abhisek/codecoach/internal/ui/theme"
)

var hintCmd = &cobra.Command{
	Use:   "hint <file>",
	Short: "Ask for a hint on a source file",
	Long: `Request a hint for the code in <file>. Hints start as a gentle nudge;
--level walks the ladder up to the given level, printing each step.
Level 4 is the full solution and is only shown with --show-solution.`,
	Args: cobra.ExactArgs(1),
	RunE: runHint,
}

func init() {
	hintCmd.Flags().StringP("language", "l", "", "Source language (default: from file extension)")
	hintCmd.Flags().StringP("error", "e", "", "Error kind reported by the compiler or tests")
	hintCmd.Flags().String("context", "", "Context key such as a function name (default: file path)")
	hintCmd.Flags().Int("level", 1, "Highest hint level to show (1-4)")
	hintCmd.Flags().Bool("show-solution", false, "Reveal the full solution at level 4")
}

func runHint(cmd *cobra.Command, args []string) error {
	path := args[0]
	language, _ := cmd.Flags().GetString("language")
	errorKind, _ := cmd.Flags().GetString("error")
	contextKey, _ := cmd.Flags().GetString("context")
	level, _ := cmd.Flags().GetInt("level")
	showSolution, _ := cmd.Flags().GetBool("show-solution")

	if level < hints.MinLevel || level > hints.MaxLevel {
		return fmt.Errorf("--level must be between %d and %d", hints.MinLevel, hints.MaxLevel)
	}
	if language == "" {
		language = languageFor(path)
	}
	if language == "" {
		return fmt.Errorf("cannot tell the language of %s, pass --language", path)
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	c, err := openCoach(cmd, coachOptions{llm: true})
	if err != nil {
		return err
	}
	defer c.Close()

	e := c.engine
	e.OpenDocument(path, resolveUser(cmd), language)
	req := engine.HintRequest{
		DocumentID: path,
		ContextKey: contextKey,
		Code:       string(code),
		ErrorKind:  errorKind,
	}

	for {
		h, err := e.RequestHint(cmd.Context(), req)
		if h == nil {
			return err
		}
		printHint(h)
		if err != nil {
			fmt.Println(theme.Dim.Render(fmt.Sprintf("(generator unavailable: %v)", err)))
		}
		if h.Level >= level || !h.NextLevelAvailable {
			if h.Gated && showSolution {
				req.Trigger = hints.TriggerShowSolution
				if h, err = e.RequestHint(cmd.Context(), req); h == nil {
					return err
				}
				printHint(h)
				if err != nil {
					fmt.Println(theme.Dim.Render(fmt.Sprintf("(generator unavailable: %v)", err)))
				}
			}
			return nil
		}
		req.Trigger = hints.TriggerNextLevel
		fmt.Println()
	}
}

var extLanguages = map[string]string{
	".py":    "python",
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".rs":    "rust",
	".java":  "java",
	".rb":    "ruby",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".cs":    "csharp",
	".kt":    "kotlin",
	".swift": "swift",
}

// languageFor guesses a language from a file name.
func languageFor(name string) string {
	return extLanguages[strings.ToLower(filepath.Ext(name))]
}
