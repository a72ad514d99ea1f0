package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/secret"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/email"
)

type keygenOptions struct {
	*RootOptions
	Force bool
}

func newKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &keygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the field encryption key and store it in the keyring",
		Long: `Generate a random key for the encrypted database columns. Replacing an
existing key makes every stored body unreadable, so --force is required.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			creds, err := env.credentials()
			if err != nil {
				return WrapExitError(ExitCommandError, "keyring unavailable", err)
			}

			_, err = creds.FieldKey()
			switch {
			case err == nil && !opts.Force:
				return WrapExitError(ExitCommandError, "a field key already exists (use --force to replace it)", nil)
			case err != nil && !errors.Is(err, model.ErrNotFound):
				return WrapExitError(ExitCommandError, "reading field key", err)
			}

			key, err := secret.GenerateKey()
			if err != nil {
				return WrapExitError(ExitFailure, "generating key", err)
			}
			if err := creds.SetFieldKey(secret.EncodeKey(key)); err != nil {
				return WrapExitError(ExitFailure, "storing key", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "field key stored in keyring")
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "replace an existing key")
	return cmd
}

type loginOptions struct {
	*RootOptions
	Verify bool
}

// pinger is implemented by mailboxes that can check credentials without
// listing a folder.
type pinger interface {
	Ping(ctx context.Context) error
}

func newLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &loginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login <account>",
		Short: "Store an account's IMAP password in the keyring",
		Long: `Read the password from the first line of stdin and store it in the keyring.
With --verify the password is checked against the server before it is stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			acct, err := env.cfg.Account(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "unknown account", err)
			}

			password, err := readLine(cmd.InOrStdin())
			if err != nil {
				return WrapExitError(ExitCommandError, "reading password", err)
			}
			if password == "" {
				return WrapExitError(ExitCommandError, "password is empty", nil)
			}

			if opts.Verify {
				if err := verifyLogin(cmd.Context(), env, acct, password); err != nil {
					return WrapExitError(ExitFailure, "verifying password", err)
				}
			}

			creds, err := env.credentials()
			if err != nil {
				return WrapExitError(ExitCommandError, "keyring unavailable", err)
			}
			if err := creds.SetPassword(acct.ID, password); err != nil {
				return WrapExitError(ExitFailure, "storing password", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "password stored for %s\n", acct.ID)
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "check the password against the server first")
	return cmd
}

func verifyLogin(ctx context.Context, env *environment, acct model.AccountConfig, password string) error {
	var mb source.Mailbox
	if env.opts.NewMailbox != nil {
		mb = env.opts.NewMailbox(acct, password)
	} else {
		mb = email.NewIMAPMailbox(email.ConfigFromAccount(acct), password)
	}
	defer mb.Close()

	p, ok := mb.(pinger)
	if !ok {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return p.Ping(ctx)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
