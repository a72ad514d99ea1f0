// Package pipeline tracks, schedules and executes the per-item processing
// steps (embedding, translation, classification, rules).
//
// Every step of every raw item is tracked independently. Workers lease a
// step through the Scheduler, run its executor and report the outcome
// through the Tracker. The store is the only synchronization point, so any
// number of workers, in one process or several, can share a database.
package pipeline

import (
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// Policy holds the retry and lease settings shared by the scheduler, the
// tracker and the workers.
type Policy struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	LeaseTTL    time.Duration
}

// DefaultPolicy returns the settings used when no configuration is given.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  5,
		BackoffBase: 30 * time.Second,
		BackoffCap:  time.Hour,
		LeaseTTL:    5 * time.Minute,
	}
}

// PolicyFromConfig builds a Policy from the pipeline configuration.
func PolicyFromConfig(cfg model.PipelineConfig) Policy {
	p := DefaultPolicy()
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if cfg.BackoffBase > 0 {
		p.BackoffBase = cfg.BackoffBase
	}
	if cfg.BackoffCap > 0 {
		p.BackoffCap = cfg.BackoffCap
	}
	if cfg.LeaseTTL > 0 {
		p.LeaseTTL = cfg.LeaseTTL
	}
	return p
}

// Backoff returns the delay before the next attempt of a step that has
// failed n times: min(base·2ⁿ, cap). It never decreases as n grows.
func (p Policy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BackoffBase
	for i := 0; i < n; i++ {
		if d >= p.BackoffCap || d > p.BackoffCap/2 {
			return p.BackoffCap
		}
		d *= 2
	}
	return min(d, p.BackoffCap)
}

// Claimable reports whether step of a live item with the given step
// states may be leased at now. It evaluates the rule the store applies
// when claiming, including treating a lapsed lease as a failed attempt
// that backs off from the lease expiry.
func (p Policy) Claimable(steps map[model.Step]model.StepState, step model.Step, now time.Time) bool {
	return p.blocker(steps, step, now) == ""
}

// blocker names what keeps step from being claimed at now, or returns ""
// when nothing does.
func (p Policy) blocker(steps map[model.Step]model.StepState, step model.Step, now time.Time) string {
	st, ok := steps[step]
	if !ok {
		return "not tracked"
	}
	if st.Completed() {
		return "complete"
	}
	if st.Leased(now) {
		return "leased"
	}

	retries, next := st.RetryCount, st.NextEligibleAt
	if st.LeaseToken != "" && st.LeaseExpiresAt != nil {
		retries++
		lapsed := st.LeaseExpiresAt.Add(p.Backoff(retries))
		next = &lapsed
	}
	if p.Exhausted(retries) {
		return "retries exhausted"
	}
	if next != nil && now.Before(*next) {
		return "backing off"
	}
	if dep, ok := step.Prerequisite(); ok && !steps[dep].Completed() {
		return "waiting for " + string(dep)
	}
	return ""
}

// Exhausted reports whether a step with retryCount failures will no
// longer be retried automatically.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
