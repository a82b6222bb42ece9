package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sbenjam1n/studysync/internal/queue"
	"github.com/sbenjam1n/studysync/internal/study"
)

func newEventsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Trial event stream",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the length of the trial event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := a.connectRedis()
			if err != nil {
				return err
			}
			defer rdb.Close()

			length, pending, err := queue.New(rdb, 0).Status(context.Background())
			if err != nil {
				return fmt.Errorf("event status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Event Stream Status:\n")
			fmt.Fprintf(out, "  %s: %d events\n", queue.StreamTrialEvents, length)
			fmt.Fprintf(out, "  %s: %d unacknowledged\n", queue.GroupWatchers, pending)
			return nil
		},
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print trial events as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			studyName, _ := cmd.Flags().GetString("study")
			count, _ := cmd.Flags().GetInt("count")
			consumer, _ := cmd.Flags().GetString("consumer")
			if consumer == "" {
				consumer = "tail-" + uuid.NewString()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			q, closeQueue, err := a.eventQueue(ctx)
			if err != nil {
				return err
			}
			if q == nil {
				return fmt.Errorf("no event stream configured\nSet STUDY_REDIS_URL environment variable")
			}
			defer closeQueue()

			for seen := 0; count == 0 || seen < count; {
				ev, id, err := q.Read(ctx, consumer, 2*time.Second)
				if errors.Is(err, queue.ErrNoEvents) {
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					return err
				}
				if err := q.Ack(ctx, id); err != nil {
					return fmt.Errorf("ack %s: %w", id, err)
				}
				if studyName != "" && ev.Study != studyName {
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
				seen++
			}
			return nil
		},
	}
	tail.Flags().String("study", "", "Only print events of this study")
	tail.Flags().Int("count", 0, "Stop after this many events (0 = until interrupted)")
	tail.Flags().String("consumer", "", "Consumer name inside the watcher group")

	cmd.AddCommand(status, tail)
	return cmd
}

func formatEvent(ev *study.Event) string {
	line := fmt.Sprintf("%s  %-15s %s #%d %s",
		ev.At.Local().Format("15:04:05.000"), ev.Kind, ev.Study, ev.TrialNumber, ev.State)
	if ev.Step != nil {
		line += fmt.Sprintf(" step=%d", *ev.Step)
	}
	if ev.Value != nil {
		line += " value=" + formatValue(ev.Value)
	}
	return line
}
