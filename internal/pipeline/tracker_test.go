package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/tests/testutil"
)

type trackerFixture struct {
	ctx     context.Context
	clock   *fakeClock
	sched   *Scheduler
	tracker *Tracker
	item    int64
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	st := testutil.NewTestStore(t)
	clock := newFakeClock()
	return &trackerFixture{
		ctx:     context.Background(),
		clock:   clock,
		sched:   NewScheduler(st, testPolicy, testOptions(clock)...),
		tracker: NewTracker(st, testPolicy, testOptions(clock)...),
		item:    seedItems(t, st, 1)[0],
	}
}

func TestFail_BacksOffBeforeNextAttempt(t *testing.T) {
	f := newTrackerFixture(t)

	claim, err := f.sched.ClaimItem(f.ctx, f.item, model.StepEmbedding)
	require.NoError(t, err)
	require.NoError(t, f.tracker.Fail(f.ctx, claim, errors.New("connection refused")))

	// One failure waits Backoff(1).
	f.clock.Advance(testPolicy.Backoff(1) - time.Second)
	_, err = f.sched.ClaimItem(f.ctx, f.item, model.StepEmbedding)
	assert.ErrorIs(t, err, model.ErrNotEligible)
	assert.ErrorContains(t, err, "backing off")

	f.clock.Advance(time.Second)
	item, err := f.tracker.Item(f.ctx, f.item)
	require.NoError(t, err)
	assert.True(t, testPolicy.Claimable(item.Steps, model.StepEmbedding, f.clock.Now()))
	claim, err = f.sched.ClaimItem(f.ctx, f.item, model.StepEmbedding)
	require.NoError(t, err)
	assert.Equal(t, 1, claim.RetryCount)

	item, err = f.tracker.Item(f.ctx, f.item)
	require.NoError(t, err)
	assert.Equal(t, "connection refused", item.Steps[model.StepEmbedding].LastError)
}

func TestFail_ExhaustedNeedsAttention(t *testing.T) {
	f := newTrackerFixture(t)

	for i := 0; i < testPolicy.MaxRetries; i++ {
		claim, err := f.sched.ClaimItem(f.ctx, f.item, model.StepTranslation)
		require.NoError(t, err, "attempt %d", i+1)
		require.NoError(t, f.tracker.Fail(f.ctx, claim, errors.New("model overloaded")))
		f.clock.Advance(testPolicy.BackoffCap)
	}

	f.clock.Advance(24 * time.Hour)
	_, err := f.sched.ClaimItem(f.ctx, f.item, model.StepTranslation)
	assert.ErrorIs(t, err, model.ErrNotEligible, "exhausted steps are never retried automatically")
	assert.ErrorContains(t, err, "retries exhausted")

	status, err := f.tracker.Status(f.ctx, f.item)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsAttention, status)

	// Other steps keep running.
	_, err = f.sched.ClaimItem(f.ctx, f.item, model.StepEmbedding)
	assert.NoError(t, err)
}

func TestCompleteWithWarning_MarksDoneAndLogsWarning(t *testing.T) {
	f := newTrackerFixture(t)

	claim, err := f.sched.ClaimItem(f.ctx, f.item, model.StepTranslation)
	require.NoError(t, err)
	require.NoError(t, f.tracker.CompleteWithWarning(f.ctx, claim,
		model.WarnTranslationUnavailable, "no model for xx->en"))

	item, err := f.tracker.Item(f.ctx, f.item)
	require.NoError(t, err)
	assert.True(t, item.Steps[model.StepTranslation].Completed())
	require.Len(t, item.Warnings, 1)
	assert.Equal(t, model.WarnTranslationUnavailable, item.Warnings[0].Code)
	assert.Equal(t, model.StepTranslation, item.Warnings[0].Step)
	assert.Equal(t, model.WarningSchemaV1, item.Warnings[0].Schema)

	_, err = f.sched.ClaimItem(f.ctx, f.item, model.StepTranslation)
	assert.ErrorIs(t, err, model.ErrNotEligible)
}

func TestReport_StaleLeaseIsRejected(t *testing.T) {
	f := newTrackerFixture(t)

	stale, err := f.sched.ClaimItem(f.ctx, f.item, model.StepEmbedding)
	require.NoError(t, err)

	// The worker stalls past its lease; the sweep counts the attempt as
	// failed and another worker takes over after the backoff.
	f.clock.Advance(testPolicy.LeaseTTL + testPolicy.Backoff(1))
	fresh, err := f.sched.ClaimItem(f.ctx, f.item, model.StepEmbedding)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.RetryCount)

	err = f.tracker.Complete(f.ctx, stale, &model.StepOutput{Embedding: []float32{1}})
	assert.ErrorIs(t, err, model.ErrLeaseLost)
	err = f.tracker.Fail(f.ctx, stale, errors.New("late"))
	assert.ErrorIs(t, err, model.ErrLeaseLost)

	require.NoError(t, f.tracker.Complete(f.ctx, fresh, &model.StepOutput{Embedding: []float32{2}}))
	// Reporting twice is harmless: the second report is rejected.
	assert.ErrorIs(t, f.tracker.Complete(f.ctx, fresh, nil), model.ErrLeaseLost)
}

func TestRenew_ExtendsLease(t *testing.T) {
	f := newTrackerFixture(t)

	claim, err := f.sched.ClaimItem(f.ctx, f.item, model.StepEmbedding)
	require.NoError(t, err)

	f.clock.Advance(testPolicy.LeaseTTL / 2)
	require.NoError(t, f.tracker.Renew(f.ctx, claim))
	assert.Equal(t, f.clock.Now().Add(testPolicy.LeaseTTL), claim.LeaseExpiresAt)

	// Past the original expiry the lease still holds.
	f.clock.Advance(testPolicy.LeaseTTL * 3 / 4)
	_, err = f.sched.ClaimItem(f.ctx, f.item, model.StepEmbedding)
	assert.ErrorIs(t, err, model.ErrNotEligible)
	require.NoError(t, f.tracker.Complete(f.ctx, claim, &model.StepOutput{Embedding: []float32{1}}))

	// An expired lease cannot be renewed.
	claim, err = f.sched.ClaimItem(f.ctx, f.item, model.StepTranslation)
	require.NoError(t, err)
	f.clock.Advance(testPolicy.LeaseTTL + time.Second)
	assert.ErrorIs(t, f.tracker.Renew(f.ctx, claim), model.ErrLeaseLost)
}

func TestReset_MakesStepsClaimableAgain(t *testing.T) {
	f := newTrackerFixture(t)

	claim, err := f.sched.ClaimItem(f.ctx, f.item, model.StepEmbedding)
	require.NoError(t, err)
	require.NoError(t, f.tracker.Complete(f.ctx, claim, &model.StepOutput{Embedding: []float32{1}}))

	for i := 0; i < testPolicy.MaxRetries; i++ {
		claim, err := f.sched.ClaimItem(f.ctx, f.item, model.StepTranslation)
		require.NoError(t, err)
		require.NoError(t, f.tracker.Fail(f.ctx, claim, errors.New("boom")))
		f.clock.Advance(testPolicy.BackoffCap)
	}

	require.NoError(t, f.tracker.Reset(f.ctx, f.item, model.StepEmbedding))
	claim, err = f.sched.ClaimItem(f.ctx, f.item, model.StepEmbedding)
	require.NoError(t, err)
	assert.Zero(t, claim.RetryCount)
	require.NoError(t, f.tracker.Complete(f.ctx, claim, &model.StepOutput{Embedding: []float32{1}}))

	_, err = f.sched.ClaimItem(f.ctx, f.item, model.StepTranslation)
	assert.ErrorIs(t, err, model.ErrNotEligible, "reset of one step leaves the others alone")

	n, err := f.tracker.ResetAll(f.ctx, model.StepTranslation, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	claim, err = f.sched.ClaimItem(f.ctx, f.item, model.StepTranslation)
	require.NoError(t, err)
	assert.Zero(t, claim.RetryCount)

	assert.ErrorIs(t, f.tracker.Reset(f.ctx, 999_999), model.ErrNotFound)
}

func TestStatus_Progression(t *testing.T) {
	f := newTrackerFixture(t)

	status, err := f.tracker.Status(f.ctx, f.item)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, status)

	complete := func(step model.Step, out *model.StepOutput) {
		t.Helper()
		claim, err := f.sched.ClaimItem(f.ctx, f.item, step)
		require.NoError(t, err)
		require.NoError(t, f.tracker.Complete(f.ctx, claim, out))
	}

	complete(model.StepEmbedding, &model.StepOutput{Embedding: []float32{0.5}})
	status, _ = f.tracker.Status(f.ctx, f.item)
	assert.Equal(t, model.StatusInProgress, status)

	complete(model.StepClassification, &model.StepOutput{Classification: &model.Classification{Category: "news"}})
	status, _ = f.tracker.Status(f.ctx, f.item)
	assert.Equal(t, model.StatusClassified, status)

	complete(model.StepTranslation, &model.StepOutput{Translation: "hi", Language: "en"})
	complete(model.StepRules, &model.StepOutput{})
	status, _ = f.tracker.Status(f.ctx, f.item)
	assert.Equal(t, model.StatusComplete, status)
}
