package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/KafClaw/SocialClaw/internal/history"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "socialclaw %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, channels and action history status",
	RunE: func(cmd *cobra.Command, args []string) error {
		printHeader("📊 SocialClaw Status")
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		return printStatus(cmd.Context(), cmd.OutOrStdout(), cfg)
	},
}

func printStatus(ctx context.Context, w io.Writer, cfg *config.Config) error {
	fmt.Fprintf(w, "Version: %s\n", version)

	if path, err := config.ConfigPath(); err == nil {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(w, "Config:  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "Config:  ✗ not found (%s), using defaults\n", path)
		}
	}
	fmt.Fprintf(w, "Model:   %s\n", cfg.Model.Name)
	fmt.Fprintf(w, "API Key: %s\n", mark(cfg.Providers.OpenAI.APIKey != ""))

	fmt.Fprintf(w, "Slack:    %s\n", mark(cfg.Channels.Slack.Enabled))
	fmt.Fprintf(w, "WhatsApp: %s\n", mark(cfg.Channels.WhatsApp.Enabled))
	if cfg.Channels.WhatsApp.Enabled {
		if _, err := os.Stat(cfg.Channels.WhatsApp.DBPath); err == nil {
			fmt.Fprintln(w, "  Link:   ✓ session found")
		} else {
			fmt.Fprintf(w, "  Link:   ✗ no session, scan %s after starting the gateway\n", cfg.Channels.WhatsApp.QRPath)
		}
	}
	fmt.Fprintf(w, "Kafka:    %s", mark(cfg.Kafka.Enabled))
	if cfg.Kafka.Enabled {
		fmt.Fprintf(w, " (%s, in=%s, events=%s)", cfg.Kafka.Brokers, cfg.Kafka.InboundTopic, cfg.Kafka.EventsTopic)
	}
	fmt.Fprintln(w)

	if _, err := os.Stat(cfg.Paths.HistoryDB); err != nil {
		fmt.Fprintln(w, "History: no database yet")
		return nil
	}
	store, err := history.Open(cfg.Paths.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	pid, _ := store.GetSetting(settingGatewayPID)
	started, _ := store.GetSetting(settingGatewayStarted)
	stopped, _ := store.GetSetting(settingGatewayStopped)
	switch {
	case started == "":
		fmt.Fprintln(w, "Gateway: never started")
	case stopped == "":
		fmt.Fprintf(w, "Gateway: running since %s (pid %s)\n", started, pid)
	default:
		fmt.Fprintf(w, "Gateway: stopped at %s\n", stopped)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Actions: %s\n", formatCounts(counts))
	if counts[history.StatusScheduled] > 0 {
		due, err := store.ListDue(ctx, time.Now(), 100)
		if err == nil {
			fmt.Fprintf(w, "  Due now: %d\n", len(due))
		}
	}
	return nil
}

func mark(ok bool) string {
	if ok {
		return "✓ enabled"
	}
	return "✗ disabled"
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none recorded"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%d", k, counts[k])
	}
	return out
}
