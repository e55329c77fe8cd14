// Package main is the entry point for the socialclaw CLI.
package main

import (
	"os"

	"github.com/KafClaw/SocialClaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
