package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/monitor"
	"github.com/nhle/mailsync/internal/pipeline"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline progress, items needing attention and open conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, opts)
			if err != nil {
				return err
			}
			st, err := env.openStore(false)
			if err != nil {
				return err
			}
			defer env.close(st)

			svc := monitor.NewService(st, pipeline.PolicyFromConfig(env.cfg.Pipeline).MaxRetries,
				monitor.WithLogger(env.logger))
			o, err := svc.Overview(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "reading status", err)
			}
			return writeResult(cmd.OutOrStdout(), opts.Format, o, func(w io.Writer) error {
				_, err := io.WriteString(w, monitor.Render(o))
				return err
			})
		},
	}
}

func newResolveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Mark an identity conflict as reviewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "conflict id must be a number", err)
			}
			env, err := loadEnvironment(cmd, opts)
			if err != nil {
				return err
			}
			st, err := env.openStore(false)
			if err != nil {
				return err
			}
			defer env.close(st)

			if err := st.ResolveConflict(cmd.Context(), id, time.Now()); err != nil {
				return WrapExitError(ExitFailure, "resolving conflict", err)
			}
			return writeResult(cmd.OutOrStdout(), opts.Format, map[string]any{"resolved": id}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "conflict %d resolved\n", id)
				return err
			})
		},
	}
}
