package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yashrajoria/tourism-payments/models"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and replay webhook events",
	}
	cmd.AddCommand(eventsFailedCmd())
	cmd.AddCommand(eventsReplayCmd())
	return cmd
}

func eventsFailedCmd() *cobra.Command {
	var (
		all    bool
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List parked webhook events (--all includes events still retrying)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.Operator.FailedEvents(cmd.Context(), !all, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			printEvents(cmd, events)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include failed events that will still be retried")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum events to list")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func printEvents(cmd *cobra.Command, events []models.WebhookEvent) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tEVENT ID\tTYPE\tATTEMPTS\tUPDATED\tERROR")
	for _, ev := range events {
		msg := ""
		if ev.ErrorMessage != nil {
			msg = *ev.ErrorMessage
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			ev.ID, ev.Provider, ev.ProviderEventID, ev.EventType, ev.Attempts,
			ev.UpdatedAt.Format(time.RFC3339), msg)
	}
	_ = w.Flush()
}

func eventsReplayCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Give a parked event one more dispatcher attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", args[0], err)
			}
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ev, err := a.Operator.Replay(cmd.Context(), id, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "event %s (%s) requeued\n", ev.ID, ev.ProviderEventID)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "who is replaying, recorded in logs")
	return cmd
}

func reaperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Abandoned-order reaper",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one reaper pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Reaper.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "abandoned=%d no_shows=%d\n", res.Abandoned, res.NoShows)
			return err
		},
	})
	return cmd
}

func tokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Auth token hygiene",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired and revoked auth tokens now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.TokenSweeper.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d\n", n)
			return err
		},
	})
	return cmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
