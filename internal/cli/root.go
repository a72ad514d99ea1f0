// Package cli implements the mailsync command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Format     string // "json" | "text"

	// Credentials replaces the system keyring (for testing).
	Credentials *credential.Store

	// NewMailbox replaces the IMAP mailbox factory (for testing).
	NewMailbox func(acct model.AccountConfig, password string) source.Mailbox
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the mailsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mailsync",
		Short: "Mirror IMAP mailboxes and enrich them with a local pipeline",
		Long: `mailsync mirrors remote IMAP folders into a local SQLite store,
detects moves, flag changes and deletions, and runs every fetched message
through embedding, translation, classification and rule steps.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", model.DefaultConfigPath(), "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides the config")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json), overrides the config")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newAppendCommand(opts))
	cmd.AddCommand(newKeygenCommand(opts))
	cmd.AddCommand(newLoginCommand(opts))

	return cmd
}
