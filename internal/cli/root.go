// Package cli implements the socialclaw command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/SocialClaw/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  ____             _       _  ____ _\n" +
		" / ___|  ___   ___(_) __ _| |/ ___| | __ ___      __\n" +
		" \\___ \\ / _ \\ / __| |/ _` | | |   | |/ _` \\ \\ /\\ / /\n" +
		"  ___) | (_) | (__| | (_| | | |___| | (_| |\\ V  V /\n" +
		" |____/ \\___/ \\___|_|\\__,_|_|\\____|_|\\__,_| \\_/\\_/\n"
)

var (
	verbose  bool
	jsonLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "socialclaw",
	Short: "SocialClaw - conversational agent for Slack, WhatsApp and Kafka",
	Long:  color.CyanString(logo) + "\nAn event-driven agent that batches chat messages into turns, plans actions with an LLM and executes them once.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(verbose, jsonLogs)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(secretCmd)
}

func setupLogging(debug, asJSON bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if asJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}
