package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/KafClaw/SocialClaw/internal/history"
	"github.com/spf13/cobra"
)

var (
	actionsJSON       bool
	actionsStatus     string
	actionsChannel    string
	actionsCapability string
	actionsLimit      int
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List recorded actions, newest first",
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

		recs, err := store.ListActions(cmd.Context(), history.ActionFilter{
			Status:     actionsStatus,
			Channel:    actionsChannel,
			Capability: actionsCapability,
			Limit:      actionsLimit,
		})
		if err != nil {
			return err
		}
		return printActions(cmd.OutOrStdout(), recs, actionsJSON)
	},
}

func init() {
	actionsCmd.Flags().BoolVar(&actionsJSON, "json", false, "Output machine-readable JSON")
	actionsCmd.Flags().StringVar(&actionsStatus, "status", "", "Filter by status (success|failure|skipped|scheduled)")
	actionsCmd.Flags().StringVar(&actionsChannel, "channel", "", "Filter by channel key, e.g. slack:C0123")
	actionsCmd.Flags().StringVar(&actionsCapability, "capability", "", "Filter by capability name")
	actionsCmd.Flags().IntVar(&actionsLimit, "limit", 50, "Maximum number of records")
}

func printActions(w io.Writer, recs []history.ActionRecord, asJSON bool) error {
	if asJSON {
		if recs == nil {
			recs = []history.ActionRecord{}
		}
		b, err := json.MarshalIndent(recs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(b))
		return nil
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No actions recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tCHANNEL\tCAPABILITY\tSTATUS\tDETAIL")
	for _, r := range recs {
		when := r.StartedAt.Local().Format("2006-01-02 15:04:05")
		if r.Status == history.StatusScheduled && r.RunAt != nil {
			when = "@" + r.RunAt.Local().Format(time.RFC3339)
		}
		detail := r.Message
		if r.ErrorText != "" {
			detail = r.ErrorKind + ": " + r.ErrorText
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", when, r.Channel, r.Capability, r.Status, truncate(detail, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
