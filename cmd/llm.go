package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abhisek/codecoach/internal/config"
	"github.com/abhisek/codecoach/internal/llm"
	"github.com/abhisek/codecoach/internal/store"
	"github.com/abhisek/codecoach/internal/ui/theme"
)

var llmCmd = &cobra.Command{
	Use:   "llm",
	Short: "Inspect hint generator calls",
}

var llmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent generator calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		failed, _ := cmd.Flags().GetBool("failed")

		events, closeFn, err := llmEvents(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if failed {
			kept := events[:0]
			for _, e := range events {
				if !e.Success {
					kept = append(kept, e)
				}
			}
			events = kept
		}
		if limit > 0 && len(events) > limit {
			events = events[:limit]
		}
		if len(events) == 0 {
			fmt.Println("No generator calls recorded.")
			return nil
		}

		t := theme.Table([]string{"ID", "Time", "Purpose", "Model", "In", "Out", "Ms", "OK"}, 0, 4, 5, 6)
		for _, e := range events {
			t.Row(
				strconv.FormatInt(e.ID, 10),
				e.Timestamp.Local().Format(dateTime),
				e.Purpose,
				truncate(e.Model, 28),
				strconv.Itoa(e.InputTokens),
				strconv.Itoa(e.OutputTokens),
				strconv.FormatInt(e.LatencyMs, 10),
				theme.Check(e.Success),
			)
		}
		fmt.Println(t.Render())
		return nil
	},
}

var llmViewCmd = &cobra.Command{
	Use:   "view <id>",
	Short: "Show the prompt and reply of one generator call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid ID %q", args[0])
		}

		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		e, err := s.EventRepo().GetLLMEvent(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("get event: %w", err)
		}
		if e == nil {
			return fmt.Errorf("event %d not found", id)
		}

		fields := [][2]string{
			{"Time", e.Timestamp.Local().Format(time.RFC3339)},
			{"Provider", e.Provider},
			{"Model", e.Model},
			{"Purpose", e.Purpose},
			{"Tokens", fmt.Sprintf("%d in / %d out", e.InputTokens, e.OutputTokens)},
			{"Latency", fmt.Sprintf("%dms", e.LatencyMs)},
			{"Result", theme.Check(e.Success)},
		}
		if e.ErrorMessage != "" {
			fields = append(fields, [2]string{"Error", theme.Incorrect.Render(e.ErrorMessage)})
		}
		fmt.Println(theme.Title.Render(fmt.Sprintf("Generator call %d", e.ID)))
		for _, f := range fields {
			fmt.Printf("%-9s %s\n", theme.Dim.Render(f[0]), f[1])
		}

		printBody("Prompt", e.RequestBody)
		printBody("Reply", e.ResponseBody)
		return nil
	},
}

// printBody prints a captured request or response, indenting JSON.
func printBody(title, body string) {
	fmt.Println()
	fmt.Println(theme.Heading.Render(title))
	if body == "" {
		fmt.Println(theme.Dim.Render("(not captured)"))
		return
	}
	var buf bytes.Buffer
	if json.Indent(&buf, []byte(body), "", "  ") == nil {
		body = buf.String()
	}
	fmt.Println(theme.Card.Render(body))
}

var llmStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show generator token usage and estimated cost",
	RunE: func(cmd *cobra.Command, args []string) error {
		events, closeFn, err := llmEvents(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if len(events) == 0 {
			fmt.Println("No generator calls recorded.")
			return nil
		}

		byPurpose := theme.Table([]string{"Purpose", "Calls", "Failed", "Input", "Output", "Avg ms"}, 1, 2, 3, 4, 5)
		var total usage
		for _, u := range usageBy(events, func(e store.LLMEvent) string { return e.Purpose }) {
			byPurpose.Row(u.Key, strconv.Itoa(u.Calls), strconv.Itoa(u.Failed),
				strconv.Itoa(u.InputTokens), strconv.Itoa(u.OutputTokens), strconv.FormatInt(u.AvgLatencyMs, 10))
			total.Calls += u.Calls
			total.Failed += u.Failed
			total.InputTokens += u.InputTokens
			total.OutputTokens += u.OutputTokens
		}
		byPurpose.Row(theme.Heading.Render("total"), strconv.Itoa(total.Calls), strconv.Itoa(total.Failed),
			strconv.Itoa(total.InputTokens), strconv.Itoa(total.OutputTokens), "")
		fmt.Println(byPurpose.Render())

		byModel := theme.Table([]string{"Model", "Calls", "Input", "Output", "Cost (USD)"}, 1, 2, 3, 4)
		var cost float64
		var unpriced []string
		for _, u := range usageBy(events, func(e store.LLMEvent) string { return e.Model }) {
			price := "?"
			if mc := llm.LookupCost(u.Key); mc != nil {
				c := mc.Cost(u.InputTokens, u.OutputTokens)
				cost += c
				price = formatCost(c)
			} else {
				unpriced = append(unpriced, u.Key)
			}
			byModel.Row(truncate(u.Key, 32), strconv.Itoa(u.Calls),
				strconv.Itoa(u.InputTokens), strconv.Itoa(u.OutputTokens), price)
		}
		label := "total"
		if len(unpriced) > 0 {
			label = "total (partial)"
		}
		byModel.Row(theme.Heading.Render(label), "", "", "", formatCost(cost))
		fmt.Println(byModel.Render())

		if len(unpriced) > 0 {
			fmt.Println(theme.Dim.Render("No pricing for " + strings.Join(unpriced, ", ")))
		}
		return nil
	},
}

// usage aggregates generator calls sharing a key.
type usage struct {
	Key          string
	Calls        int
	Failed       int
	InputTokens  int
	OutputTokens int
	AvgLatencyMs int64
}

// usageBy groups events by key, in first-seen order.
func usageBy(events []store.LLMEvent, key func(store.LLMEvent) string) []usage {
	var out []usage
	index := make(map[string]int)
	latency := make(map[string]int64)
	for _, e := range events {
		k := key(e)
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, usage{Key: k})
		}
		out[i].Calls++
		if !e.Success {
			out[i].Failed++
		}
		out[i].InputTokens += e.InputTokens
		out[i].OutputTokens += e.OutputTokens
		latency[k] += e.LatencyMs
	}
	for i := range out {
		out[i].AvgLatencyMs = latency[out[i].Key] / int64(out[i].Calls)
	}
	return out
}

// llmEvents loads generator calls, newest first, honoring --since.
func llmEvents(cmd *cobra.Command) ([]store.LLMEvent, func(), error) {
	since, _ := cmd.Flags().GetDuration("since")

	s, err := openStore(cmd)
	if err != nil {
		return nil, nil, err
	}
	var opts store.QueryOpts
	if since > 0 {
		opts.From = time.Now().Add(-since)
	}
	events, err := s.EventRepo().QueryLLMEvents(cmd.Context(), opts)
	if err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("query events: %w", err)
	}
	return events, func() { s.Close() }, nil
}

// openStore opens the database without building the engine.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	dbPath, err := resolveDBPath(cmd, cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return s, nil
}

func formatCost(usd float64) string {
	if usd < 0.01 {
		return fmt.Sprintf("$%.4f", usd)
	}
	return fmt.Sprintf("$%.2f", usd)
}

func init() {
	llmListCmd.Flags().IntP("limit", "n", 20, "Number of calls to show")
	llmListCmd.Flags().Bool("failed", false, "Only show failed calls")
	llmListCmd.Flags().Duration("since", 0, "Only calls newer than this (e.g. 24h)")
	llmStatsCmd.Flags().Duration("since", 0, "Only calls newer than this (e.g. 24h)")

	llmCmd.AddCommand(llmListCmd)
	llmCmd.AddCommand(llmViewCmd)
	llmCmd.AddCommand(llmStatsCmd)
}
