package pipeline

import (
	"context"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// Scheduler hands out leases on eligible steps. Among concurrent callers
// racing for the same (item, step) exactly one wins.
type Scheduler struct {
	store  store.PipelineStore
	policy Policy
	opts   options
}

// NewScheduler creates a Scheduler over st.
func NewScheduler(st store.PipelineStore, policy Policy, opts ...Option) *Scheduler {
	return &Scheduler{store: st, policy: policy, opts: applyOptions(opts)}
}

func (s *Scheduler) request(step model.Step, itemID int64) store.ClaimRequest {
	return store.ClaimRequest{
		Step:       step,
		RawItemID:  itemID,
		Now:        s.opts.now(),
		LeaseTTL:   s.policy.LeaseTTL,
		MaxRetries: s.policy.MaxRetries,
		Token:      s.opts.newToken(),
		Backoff:    s.policy.Backoff,
	}
}

// Claim leases the next eligible instance of step. It returns nil, nil
// when nothing is eligible.
func (s *Scheduler) Claim(ctx context.Context, step model.Step) (*model.Claim, error) {
	claim, err := s.store.ClaimNext(ctx, s.request(step, 0))
	if err != nil {
		return nil, fmt.Errorf("claiming %s: %w", step, err)
	}
	return claim, nil
}

// ClaimItem leases step of one raw item. It fails with
// model.ErrNotEligible when that step is complete, exhausted, leased,
// backing off or waiting for its prerequisite, or when the item is
// retired. The error names the reason.
func (s *Scheduler) ClaimItem(ctx context.Context, itemID int64, step model.Step) (*model.Claim, error) {
	req := s.request(step, itemID)
	claim, err := s.store.ClaimNext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("claiming %s of %d: %w", step, itemID, err)
	}
	if claim != nil {
		return claim, nil
	}

	item, err := s.store.GetRawItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("%s of %d: %w", step, itemID, err)
	}
	reason := s.policy.blocker(item.Steps, step, req.Now)
	if item.RetiredAt != nil {
		reason = "retired"
	}
	if reason == "" {
		// Claimed by someone else between the two reads.
		reason = "leased"
	}
	return nil, fmt.Errorf("%s of %d (%s): %w", step, itemID, reason, model.ErrNotEligible)
}
