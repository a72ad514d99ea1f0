package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/mailparse"
)

func newAppendCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "append <account> <folder> <file|->",
		Short: "Upload a raw RFC 5322 message into a remote folder",
		Long: `Append a message to a remote folder. The next pass picks it up like any
other new item. Use "-" to read the message from stdin.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, folder, path := args[0], args[1], args[2]

			var raw []byte
			var err error
			if path == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(path)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "reading message", err)
			}
			if len(raw) == 0 {
				return WrapExitError(ExitCommandError, "message is empty", nil)
			}

			env, err := loadEnvironment(cmd, opts)
			if err != nil {
				return err
			}
			acct, err := env.cfg.Account(account)
			if err != nil {
				return WrapExitError(ExitCommandError, "unknown account", err)
			}
			mb, err := env.mailbox(acct)
			if err != nil {
				return err
			}
			defer mb.Close()

			if err := mb.Append(cmd.Context(), folder, raw); err != nil {
				return WrapExitError(ExitFailure, "append failed", err)
			}

			id := mailparse.Parse(raw).Identity()
			env.logger.Info("message appended", "account", account, "folder", folder, "stable_id", id.StableID)
			return writeResult(cmd.OutOrStdout(), opts.Format,
				map[string]any{"account": account, "folder": folder, "stable_id": id.StableID},
				func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "appended to %s/%s\n", account, folder)
					return err
				})
		},
	}
}
