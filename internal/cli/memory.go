package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/KafClaw/SocialClaw/internal/history"
	"github.com/KafClaw/SocialClaw/internal/memory"
	"github.com/spf13/cobra"
)

var memoryCmd = &cobra.Command{
	Use:   "memory [channel]",
	Short: "Show a channel's summary and short-term memory, or list channels",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		store, err := history.Open(cfg.Paths.HistoryDB)
		if err != nil {
			return err
		}
		defer store.Close()
		channel := ""
		if len(args) == 1 {
			channel = args[0]
		}
		return printMemory(cmd.Context(), cmd.OutOrStdout(), store, channel)
	},
}

func printMemory(ctx context.Context, w io.Writer, store *history.Store, channel string) error {
	snaps, err := store.LoadMemorySnapshots(ctx)
	if err != nil {
		return err
	}
	if channel == "" {
		if len(snaps) == 0 {
			fmt.Fprintln(w, "No channel memory stored.")
			return nil
		}
		for _, s := range snaps {
			fmt.Fprintf(w, "%s\t(updated %s, %d turns since summary)\n", s.Channel, s.UpdatedAt.Local().Format("2006-01-02 15:04"), s.TurnsSinceSummary)
		}
		return nil
	}

	summary, err := store.GetSummary(ctx, channel)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Channel: %s\n", channel)
	if summary != "" {
		fmt.Fprintf(w, "Summary:\n  %s\n", summary)
	} else {
		fmt.Fprintln(w, "Summary: none yet")
	}

	for _, s := range snaps {
		if s.Channel != channel {
			continue
		}
		var entries []memory.Entry
		if err := json.Unmarshal(s.Entries, &entries); err != nil {
			return fmt.Errorf("decode memory for %s: %w", channel, err)
		}
		fmt.Fprintf(w, "Recent (%d):\n", len(entries))
		for _, e := range entries {
			who := e.Role
			if e.Sender != "" {
				who += " " + e.Sender
			}
			fmt.Fprintf(w, "  [%s] %s: %s\n", e.Timestamp.Local().Format("15:04"), who, e.Content)
		}
		return nil
	}
	fmt.Fprintln(w, "Recent: none")
	return nil
}
