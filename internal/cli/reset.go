package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pipeline"
)

type resetOptions struct {
	*RootOptions
	Steps      []string
	Item       int64
	OnlyFailed bool
}

func newResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &resetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Make pipeline steps eligible again",
		Long: `Clear completion, retry count, last error and lease of steps so that
workers pick them up again. Other steps of the same item are untouched.

Example:
  mailsync reset --step translation --item 42
  mailsync reset --step classification --failed-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Steps, "step", nil, "step(s) to reset (required)")
	cmd.Flags().Int64Var(&opts.Item, "item", 0, "raw item id; without it every item is reset")
	cmd.Flags().BoolVar(&opts.OnlyFailed, "failed-only", false, "reset only steps that exhausted their retries")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func runReset(cmd *cobra.Command, opts *resetOptions) error {
	steps := make([]model.Step, 0, len(opts.Steps))
	for _, name := range opts.Steps {
		s, err := model.ParseStep(name)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --step", err)
		}
		steps = append(steps, s)
	}
	if opts.Item != 0 && opts.OnlyFailed {
		return WrapExitError(ExitCommandError, "--failed-only applies to bulk resets only", nil)
	}

	env, err := loadEnvironment(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	st, err := env.openStore(false)
	if err != nil {
		return err
	}
	defer env.close(st)

	tracker := pipeline.NewTracker(st, pipeline.PolicyFromConfig(env.cfg.Pipeline), pipeline.WithLogger(env.logger))
	ctx := cmd.Context()

	result := map[string]any{"steps": steps}
	if opts.Item != 0 {
		if err := tracker.Reset(ctx, opts.Item, steps...); err != nil {
			return WrapExitError(ExitFailure, "reset failed", err)
		}
		result["item"] = opts.Item
	} else {
		var total int64
		for _, s := range steps {
			n, err := tracker.ResetAll(ctx, s, opts.OnlyFailed)
			if err != nil {
				return WrapExitError(ExitFailure, "reset failed", err)
			}
			total += n
		}
		result["reset"] = total
	}

	return writeResult(cmd.OutOrStdout(), opts.Format, result, func(w io.Writer) error {
		var err error
		if opts.Item != 0 {
			_, err = fmt.Fprintf(w, "item %d: reset %v\n", opts.Item, steps)
		} else {
			_, err = fmt.Fprintf(w, "reset %d step(s) across all items\n", result["reset"])
		}
		return err
	})
}
