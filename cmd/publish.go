package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/abhisek/codecoach/internal/notify"
	"github.com/abhisek/codecoach/internal/ui/theme"
)

var errNotifyDisabled = errors.New("notifications are disabled, set notify.enabled in the config")

var publishDueCmd = &cobra.Command{
	Use:   "publish-due",
	Short: "Publish due reviews to NATS",
	RunE: func(cmd *cobra.Command, args []string) error {
		at, err := parseAt(cmd)
		if err != nil {
			return err
		}

		c, err := openCoach(cmd, coachOptions{})
		if err != nil {
			return err
		}
		defer c.Close()
		if c.pub == nil {
			return errNotifyDisabled
		}

		user := resolveUser(cmd)
		n, err := c.engine.PublishDue(cmd.Context(), user, at)
		if err != nil {
			return fmt.Errorf("publish due reviews: %w", err)
		}
		fmt.Printf("Published %d due reviews to %s\n", n, c.pub.DueSubject(user))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print due review notifications as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCoach(cmd, coachOptions{})
		if err != nil {
			return err
		}
		defer c.Close()
		if c.pub == nil {
			return errNotifyDisabled
		}

		user := resolveUser(cmd)
		sub, err := c.pub.SubscribeDue(user, func(m notify.DueMessage) {
			fmt.Printf("%s  %s %s  %s\n",
				theme.Due.Render("due"),
				m.Kind,
				m.Key,
				theme.Dim.Render(m.DueAt.Local().Format(time.RFC3339)))
		})
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		defer sub.Unsubscribe()

		fmt.Printf("Watching %s (Ctrl-C to stop)\n", c.pub.DueSubject(user))
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}

func init() {
	publishDueCmd.Flags().String("at", "", "Publish reviews due at this RFC3339 time (default: now)")
}
