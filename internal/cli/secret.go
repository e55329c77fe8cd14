package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/KafClaw/SocialClaw/internal/provider/middleware"
	"github.com/KafClaw/SocialClaw/internal/secrets"
	"github.com/spf13/cobra"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Store credentials in the OS keyring",
	Long: `Store credentials in the OS keyring and reference them from config.json
as "keyring:<name>", for example:

  echo "$SLACK_BOT_TOKEN" | socialclaw secret set slack-bot
  {"channels": {"slack": {"botToken": "keyring:slack-bot"}}}`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Read a credential from stdin and store it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return errors.New("no secret on stdin")
		}
		value := strings.TrimSpace(line)
		if err := secrets.Set(args[0], value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%s). Reference it as %q.\n", args[0], middleware.MaskSecret(value), secrets.Ref(args[0]))
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := secrets.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretDeleteCmd)
}
