package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/monitor"
	"github.com/nhle/mailsync/internal/pipeline"
	"github.com/nhle/mailsync/internal/sync"
)

type runOptions struct {
	*RootOptions
	NoMonitor bool
	Workers   int
}

func newRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll every mailbox and run the pipeline until interrupted",
		Long: `Start one poller per enabled account, the pipeline workers and the
monitoring endpoint. SIGINT or SIGTERM stops everything gracefully; leases
held by interrupted workers expire and are retried on the next start.

Example:
  mailsync run
  mailsync run --workers 8 --no-monitor`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoMonitor, "no-monitor", false, "do not serve the monitoring endpoint")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "number of pipeline workers, overrides the config")
	return cmd
}

func runDaemon(cmd *cobra.Command, opts *runOptions) error {
	env, err := loadEnvironment(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Workers > 0 {
		env.cfg.Pipeline.Workers = opts.Workers
	}

	st, err := env.openStore(true)
	if err != nil {
		return err
	}
	defer env.close(st)

	exec, err := env.executors()
	if err != nil {
		return err
	}
	pool := env.pool(st, exec)

	poller := sync.New(env.reconciler(st), sync.WithLogger(env.logger))
	for _, acct := range env.cfg.Accounts {
		if !acct.Enabled {
			continue
		}
		mb, err := env.mailbox(acct)
		if err != nil {
			return err
		}
		defer mb.Close()
		poller.Register(acct, mb)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env.logger.Info("mailsync started",
		"accounts", len(env.cfg.Accounts),
		"workers", env.cfg.Pipeline.Workers,
		"database", env.cfg.Database)

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return poller.Run(ctx) })
	grp.Go(func() error { return pool.Run(ctx) })
	if !opts.NoMonitor && env.cfg.Monitor.Listen != "" {
		mon := monitor.NewService(st, pipeline.PolicyFromConfig(env.cfg.Pipeline).MaxRetries,
			monitor.WithMailboxes(poller.MailboxStatuses),
			monitor.WithLogger(env.logger))
		grp.Go(func() error { return mon.Serve(ctx, env.cfg.Monitor.Listen) })
	}

	err = grp.Wait()
	env.logger.Info("mailsync stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "mailsync stopped with an error", err)
	}
	return nil
}
