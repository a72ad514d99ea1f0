package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/tests/testutil"
)

func TestClaimItem_ExactlyOneOfTenWins(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	clock := newFakeClock()
	ids := seedItems(t, st, 1)
	sched := NewScheduler(st, testPolicy, testOptions(clock)...)

	const racers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []*model.Claim
		rejected int
		other    []error
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claim, err := sched.ClaimItem(ctx, ids[0], model.StepEmbedding)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, claim)
			case errors.Is(err, model.ErrNotEligible):
				rejected++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, other)
	require.Len(t, winners, 1)
	assert.Equal(t, racers-1, rejected)
	assert.NotEmpty(t, winners[0].Token)
	assert.Equal(t, clock.Now().Add(testPolicy.LeaseTTL), winners[0].LeaseExpiresAt)
}

func TestClaim_NothingEligible(t *testing.T) {
	st := testutil.NewTestStore(t)
	sched := NewScheduler(st, testPolicy, testOptions(newFakeClock())...)

	claim, err := sched.Claim(context.Background(), model.StepTranslation)
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func TestClaim_DistinctItemsInParallel(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	ids := seedItems(t, st, 3)
	sched := NewScheduler(st, testPolicy, testOptions(newFakeClock())...)

	seen := make(map[int64]bool)
	for range ids {
		claim, err := sched.Claim(ctx, model.StepEmbedding)
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.False(t, seen[claim.RawItemID], "item %d claimed twice", claim.RawItemID)
		seen[claim.RawItemID] = true
	}

	claim, err := sched.Claim(ctx, model.StepEmbedding)
	require.NoError(t, err)
	assert.Nil(t, claim, "every embedding step is leased")

	// Other steps of the same items are independent.
	claim, err = sched.Claim(ctx, model.StepTranslation)
	require.NoError(t, err)
	assert.NotNil(t, claim)
}

func TestClaimItem_RulesWaitForClassification(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	clock := newFakeClock()
	ids := seedItems(t, st, 1)
	sched := NewScheduler(st, testPolicy, testOptions(clock)...)
	tracker := NewTracker(st, testPolicy, testOptions(clock)...)

	_, err := sched.ClaimItem(ctx, ids[0], model.StepRules)
	assert.ErrorIs(t, err, model.ErrNotEligible)
	assert.ErrorContains(t, err, "waiting for classification")

	claim, err := sched.ClaimItem(ctx, ids[0], model.StepClassification)
	require.NoError(t, err)
	require.NoError(t, tracker.Complete(ctx, claim, &model.StepOutput{
		Classification: &model.Classification{Category: "work"},
	}))

	claim, err = sched.ClaimItem(ctx, ids[0], model.StepRules)
	require.NoError(t, err)
	assert.Equal(t, model.StepRules, claim.Step)
}
