package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/abhisek/codecoach/internal/engine"
	"github.com/abhisek/codecoach/internal/signal"
	"github.com/abhisek/codecoach/internal/ui/theme"
)

var replayCmd = &cobra.Command{
	Use:   "replay <events.jsonl>",
	Short: "Replay recorded editor events and show the hints they trigger",
	Long: `Feed a JSONL file of editor events through the struggle classifier.

Each line is one event as the editor host sends it, for example:

  {"timestamp":"2026-01-05T10:00:00Z","kind":"insert","documentId":"main.py","content":"..."}

Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringP("language", "l", "", "Language of every document (default: from file extension)")
	replayCmd.Flags().Bool("no-tick", false, "Do not check for a trailing pause after the last event")
}

func runReplay(cmd *cobra.Command, args []string) error {
	language, _ := cmd.Flags().GetString("language")
	noTick, _ := cmd.Flags().GetBool("no-tick")
	user := resolveUser(cmd)

	in := io.Reader(os.Stdin)
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open events: %w", err)
		}
		defer f.Close()
		in = f
	}

	var mu sync.Mutex
	var hinted int
	c, err := openCoach(cmd, coachOptions{
		llm: true,
		onHint: func(r engine.HintResult) {
			mu.Lock()
			defer mu.Unlock()
			if r.Err != nil {
				fmt.Printf("%s %s: %v\n", theme.Check(false), r.ContextKey, r.Err)
			}
			if r.Hint != nil {
				hinted++
				if r.Signal != nil {
					fmt.Println(theme.Dim.Render(fmt.Sprintf("struggle %.2f %v", r.Signal.Confidence, r.Signal.Reasons)))
				}
				printHint(r.Hint)
			}
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	e := c.engine
	opened := make(map[string]bool)
	var ingested, skipped int
	var last time.Time

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		var raw signal.RawEvent
		if err := json.Unmarshal(b, &raw); err != nil {
			c.logger.Sugar().Warnf("line %d: %v", line, err)
			skipped++
			continue
		}
		if raw.DocumentID != "" && !opened[raw.DocumentID] {
			lang := language
			if lang == "" {
				lang = languageFor(raw.DocumentID)
			}
			e.OpenDocument(raw.DocumentID, user, lang)
			opened[raw.DocumentID] = true
		}
		ev, ok := e.Ingest(raw)
		if !ok {
			skipped++
			continue
		}
		ingested++
		last = ev.Timestamp
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}

	if !noTick && !last.IsZero() {
		e.Tick(last.Add(c.cfg.Engine.Struggle.PauseThreshold))
	}
	e.Drain()

	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("\n%d events replayed, %d skipped, %d hints\n", ingested, skipped, hinted)
	return nil
}
