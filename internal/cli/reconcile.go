package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/reconcile"
	"github.com/nhle/mailsync/internal/sync"
)

type reconcileOptions struct {
	*RootOptions
	Process bool
}

func newReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &reconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile <account>",
		Short: "Run one reconciliation pass for an account",
		Long: `Enumerate every configured folder of the account, commit the resulting
plan atomically and fetch new bodies. With --process the pipeline then
drains every step that is currently eligible.

Example:
  mailsync reconcile work
  mailsync reconcile work --process --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Process, "process", false, "drain the pipeline after the pass")
	return cmd
}

type reconcileResult struct {
	Account   string         `json:"account"`
	PassID    int64          `json:"pass_id"`
	Actions   map[string]int `json:"actions"`
	Fetched   int            `json:"fetched"`
	Reused    int            `json:"reused"`
	Conflicts int            `json:"conflicts"`
	Failed    int            `json:"fetch_failures"`
	Processed int            `json:"steps_processed,omitempty"`
}

func runReconcile(cmd *cobra.Command, opts *reconcileOptions, account string) error {
	env, err := loadEnvironment(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	acct, err := env.cfg.Account(account)
	if err != nil {
		return WrapExitError(ExitCommandError, "unknown account", err)
	}

	st, err := env.openStore(true)
	if err != nil {
		return err
	}
	defer env.close(st)

	mb, err := env.mailbox(acct)
	if err != nil {
		return err
	}
	defer mb.Close()

	poller := sync.New(env.reconciler(st), sync.WithLogger(env.logger))
	poller.Register(acct, mb)

	ctx := cmd.Context()
	res, err := poller.RunOnce(ctx, acct.ID)
	if err != nil {
		return WrapExitError(ExitFailure, "reconciliation failed", err)
	}
	out := summarizePass(acct.ID, res)

	if opts.Process {
		exec, err := env.executors()
		if err != nil {
			return err
		}
		n, err := env.pool(st, exec).Drain(ctx)
		out.Processed = n
		if err != nil {
			return WrapExitError(ExitFailure, "pipeline drain failed", err)
		}
	}

	return writeResult(cmd.OutOrStdout(), opts.Format, out, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s: pass #%d fetch=%d move=%d flags=%d delete=%d | fetched=%d reused=%d conflicts=%d failed=%d\n",
			out.Account, out.PassID,
			out.Actions[string(model.ActionFetch)], out.Actions[string(model.ActionMove)],
			out.Actions[string(model.ActionFlagsChanged)], out.Actions[string(model.ActionDelete)],
			out.Fetched, out.Reused, out.Conflicts, out.Failed)
		if err == nil && opts.Process {
			_, err = fmt.Fprintf(w, "pipeline: %d steps processed\n", out.Processed)
		}
		return err
	})
}

func summarizePass(account string, res *reconcile.PassResult) reconcileResult {
	out := reconcileResult{
		Account:   account,
		PassID:    res.PassID,
		Actions:   map[string]int{},
		Fetched:   res.Fetch.Fetched,
		Reused:    res.Fetch.Reused,
		Conflicts: res.Fetch.Conflicts,
		Failed:    res.Fetch.Failed,
	}
	for _, kind := range []model.ActionKind{model.ActionFetch, model.ActionMove, model.ActionFlagsChanged, model.ActionDelete} {
		out.Actions[string(kind)] = res.Plan.Count(kind)
	}
	return out
}
