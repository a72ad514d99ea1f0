package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/mailparse"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// PoolConfig sizes and paces the worker pool.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	StepTimeout  time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 2 * time.Minute
	}
	return c
}

// Pool runs workers that claim steps, execute them and report outcomes.
// Workers share nothing but the store.
type Pool struct {
	store     store.PipelineStore
	scheduler *Scheduler
	tracker   *Tracker
	exec      Executors
	policy    Policy
	cfg       PoolConfig
	opts      options
}

// NewPool creates a worker pool over st.
func NewPool(st store.PipelineStore, policy Policy, exec Executors, cfg PoolConfig, opts ...Option) *Pool {
	return &Pool{
		store:     st,
		scheduler: NewScheduler(st, policy, opts...),
		tracker:   NewTracker(st, policy, opts...),
		exec:      exec,
		policy:    policy,
		cfg:       cfg.withDefaults(),
		opts:      applyOptions(opts),
	}
}

// Tracker returns the tracker the pool reports through.
func (p *Pool) Tracker() *Tracker { return p.tracker }

// Scheduler returns the scheduler the pool claims through.
func (p *Pool) Scheduler() *Scheduler { return p.scheduler }

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	steps := p.exec.Steps()
	if len(steps) == 0 {
		return errors.New("pipeline: no step executors configured")
	}

	p.opts.logger.Info("pipeline workers started", "workers", p.cfg.Workers, "steps", steps)

	grp, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		grp.Go(func() error {
			p.worker(ctx, i, steps)
			return nil
		})
	}
	err := grp.Wait()
	p.opts.logger.Info("pipeline workers stopped")
	return err
}

func (p *Pool) worker(ctx context.Context, id int, steps []model.Step) {
	for ctx.Err() == nil {
		worked := false
		for _, step := range steps {
			ok, err := p.RunNext(ctx, step)
			if err != nil && ctx.Err() == nil {
				p.opts.logger.Error("pipeline worker error",
					"worker", id, "step", step, "error", err)
			}
			worked = worked || ok
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// Drain processes eligible steps until none is left and returns how many
// were executed.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		worked := false
		for _, step := range p.exec.Steps() {
			ok, err := p.RunNext(ctx, step)
			if err != nil {
				return n, err
			}
			if ok {
				n++
				worked = true
			}
		}
		if !worked {
			return n, nil
		}
	}
}

// RunNext claims one eligible instance of step and executes it. It
// reports whether a claim was made.
func (p *Pool) RunNext(ctx context.Context, step model.Step) (bool, error) {
	claim, err := p.scheduler.Claim(ctx, step)
	if err != nil {
		return false, err
	}
	if claim == nil {
		return false, nil
	}
	return true, p.Execute(ctx, claim)
}

// Execute runs the executor for a held claim and reports the outcome. A
// report rejected because the lease was lost is logged and dropped: the
// step has already been counted as failed and will be retried.
func (p *Pool) Execute(ctx context.Context, claim *model.Claim) error {
	log := p.opts.logger.With("item", claim.RawItemID, "step", claim.Step, "attempt", claim.RetryCount+1)

	content, err := p.store.LoadItemContent(ctx, claim.RawItemID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return report(log, p.tracker.Fail(ctx, claim,
			&model.TransientExecutionError{Step: claim.Step, Err: err}))
	}
	item := ItemFromContent(content)

	out, runErr := p.runLeased(ctx, claim, item)

	// Shutdown interrupts the attempt; record it so the step backs off
	// instead of waiting for the lease to lapse.
	reportCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		reportCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}

	var pe *model.PermanentStepError
	switch {
	case errors.Is(runErr, model.ErrLeaseLost):
		err = runErr
	case runErr == nil:
		err = p.tracker.Complete(reportCtx, claim, out)
		if err == nil {
			log.Debug("step completed")
		}
	case errors.As(runErr, &pe):
		err = p.tracker.CompleteWithWarning(reportCtx, claim, pe.Code, pe.Error())
	default:
		err = p.tracker.Fail(reportCtx, claim, runErr)
	}
	return report(log, err)
}

func report(log *slog.Logger, err error) error {
	if errors.Is(err, model.ErrLeaseLost) {
		log.Warn("lease lost before report, outcome dropped", "error", err)
		return nil
	}
	return err
}

// runLeased executes the step under the step timeout while a background
// goroutine keeps the lease alive. Losing the lease cancels the attempt.
func (p *Pool) runLeased(ctx context.Context, claim *model.Claim, item *model.ItemContent) (*model.StepOutput, error) {
	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		lostErr error
	)
	renewEvery := p.policy.LeaseTTL / 3
	if renewEvery > 0 {
		done := make(chan struct{})
		defer func() {
			close(done)
			wg.Wait()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(renewEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-stepCtx.Done():
					return
				case <-ticker.C:
					if err := p.tracker.Renew(stepCtx, claim); err != nil {
						if errors.Is(err, model.ErrLeaseLost) {
							lostErr = err
							cancel()
							return
						}
						p.opts.logger.Warn("lease renewal failed",
							"item", claim.RawItemID, "step", claim.Step, "error", err)
					}
				}
			}
		}()
	}

	out, err := p.exec.Run(stepCtx, claim.Step, item)
	if err != nil && stepCtx.Err() != nil && ctx.Err() == nil {
		err = &model.TransientExecutionError{
			Step: claim.Step,
			Err:  fmt.Errorf("step timed out after %s: %w", p.cfg.StepTimeout, stepCtx.Err()),
		}
	}
	cancel()
	wg.Wait()
	if lostErr != nil {
		return nil, lostErr
	}
	return out, err
}

// ItemFromContent builds the executor input from stored content.
func ItemFromContent(c *store.StoredContent) *model.ItemContent {
	msg := mailparse.Parse(c.Body)
	return &model.ItemContent{
		RawItemID:      c.RawItemID,
		Account:        c.Account,
		StableID:       c.StableID,
		From:           msg.From,
		Subject:        msg.Subject,
		Date:           msg.Date,
		Text:           msg.Text(),
		Folders:        c.Folders,
		Flags:          c.Flags,
		Translation:    c.Translation,
		Classification: c.Classification,
	}
}
