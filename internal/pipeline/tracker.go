package pipeline

import (
	"context"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// Tracker records step outcomes. Every report carries the claim's lease
// token; a report whose lease was swept or revoked fails with
// model.ErrLeaseLost and changes nothing.
type Tracker struct {
	store  store.PipelineStore
	policy Policy
	opts   options
}

// NewTracker creates a Tracker over st.
func NewTracker(st store.PipelineStore, policy Policy, opts ...Option) *Tracker {
	return &Tracker{store: st, policy: policy, opts: applyOptions(opts)}
}

// Complete marks the claimed step done and persists its output.
func (t *Tracker) Complete(ctx context.Context, claim *model.Claim, out *model.StepOutput) error {
	if err := t.store.CompleteStep(ctx, claim, t.opts.now(), out, nil); err != nil {
		return fmt.Errorf("completing %s of %d: %w", claim.Step, claim.RawItemID, err)
	}
	return nil
}

// CompleteWithWarning records a skipped-but-done step: a warning is
// appended and the step is marked complete so it is never retried.
func (t *Tracker) CompleteWithWarning(ctx context.Context, claim *model.Claim, code, message string) error {
	now := t.opts.now()
	w := model.NewWarning(code, claim.Step, message, now)
	if err := t.store.CompleteStep(ctx, claim, now, nil, []model.Warning{w}); err != nil {
		return fmt.Errorf("completing %s of %d with warning: %w", claim.Step, claim.RawItemID, err)
	}
	t.opts.logger.Warn("step skipped",
		"item", claim.RawItemID, "step", claim.Step, "code", code, "reason", message)
	return nil
}

// Fail records a failed attempt. The step becomes eligible again after
// the policy backoff, or never once retries are exhausted.
func (t *Tracker) Fail(ctx context.Context, claim *model.Claim, cause error) error {
	now := t.opts.now()
	attempts := claim.RetryCount + 1
	next := now.Add(t.policy.Backoff(attempts))

	if err := t.store.FailStep(ctx, claim, now, cause.Error(), next); err != nil {
		return fmt.Errorf("failing %s of %d: %w", claim.Step, claim.RawItemID, err)
	}

	if t.policy.Exhausted(attempts) {
		t.opts.logger.Error("step permanently failed, needs attention",
			"item", claim.RawItemID, "step", claim.Step, "attempts", attempts, "error", cause)
	} else {
		t.opts.logger.Warn("step failed, will retry",
			"item", claim.RawItemID, "step", claim.Step, "attempts", attempts,
			"next_attempt", next, "error", cause)
	}
	return nil
}

// Renew extends the claim's lease by the policy lease TTL.
func (t *Tracker) Renew(ctx context.Context, claim *model.Claim) error {
	if err := t.store.RenewLease(ctx, claim, t.opts.now(), t.policy.LeaseTTL); err != nil {
		return fmt.Errorf("renewing %s of %d: %w", claim.Step, claim.RawItemID, err)
	}
	return nil
}

// Reset clears completion and retry history of the given steps of one
// item, or of all steps when none are named.
func (t *Tracker) Reset(ctx context.Context, itemID int64, steps ...model.Step) error {
	if err := t.store.ResetSteps(ctx, itemID, steps); err != nil {
		return fmt.Errorf("resetting item %d: %w", itemID, err)
	}
	t.opts.logger.Info("steps reset", "item", itemID, "steps", steps)
	return nil
}

// ResetAll resets step across all items, for example after a model
// upgrade. With onlyFailed set only permanently failed steps are reset.
func (t *Tracker) ResetAll(ctx context.Context, step model.Step, onlyFailed bool) (int64, error) {
	n, err := t.store.ResetStepAll(ctx, step, onlyFailed, t.policy.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("resetting %s: %w", step, err)
	}
	t.opts.logger.Info("step reset across items", "step", step, "only_failed", onlyFailed, "count", n)
	return n, nil
}

// Status returns the coarse processing status of one item.
func (t *Tracker) Status(ctx context.Context, itemID int64) (model.ProcessingStatus, error) {
	item, err := t.store.GetRawItem(ctx, itemID)
	if err != nil {
		return "", fmt.Errorf("loading item %d: %w", itemID, err)
	}
	return item.Status(t.policy.MaxRetries), nil
}

// Item returns one raw item with its step states and warnings.
func (t *Tracker) Item(ctx context.Context, itemID int64) (*model.RawItemRecord, error) {
	return t.store.GetRawItem(ctx, itemID)
}
