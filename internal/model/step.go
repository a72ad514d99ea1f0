package model

import (
	"fmt"
	"time"
)

// Step names one independently tracked unit of pipeline work.
type Step string

const (
	StepEmbedding      Step = "embedding"
	StepTranslation    Step = "translation"
	StepClassification Step = "classification"
	StepRules          Step = "rules"
)

// Steps lists every pipeline step in canonical order.
var Steps = []Step{StepEmbedding, StepTranslation, StepClassification, StepRules}

// Prerequisite returns the step that must be complete before s can be
// claimed, if any.
func (s Step) Prerequisite() (Step, bool) {
	if s == StepRules {
		return StepClassification, true
	}
	return "", false
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	for _, known := range Steps {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStep converts a user-supplied step name.
func ParseStep(name string) (Step, error) {
	s := Step(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown step %q", name)
	}
	return s, nil
}

// StepState is the persisted progress of one step of one raw item.
type StepState struct {
	Step Step

	// CompletedAt is nil while the step is pending.
	CompletedAt *time.Time

	RetryCount    int
	LastError     string
	LastAttemptAt *time.Time

	// NextEligibleAt is the end of the backoff after a failure.
	NextEligibleAt *time.Time

	// LeaseToken is set while a worker holds the claim.
	LeaseToken     string
	LeaseExpiresAt *time.Time
}

// Completed reports whether the step has finished.
func (s StepState) Completed() bool {
	return s.CompletedAt != nil
}

// PermanentlyFailed reports whether automatic retries are exhausted.
func (s StepState) PermanentlyFailed(maxRetries int) bool {
	return s.CompletedAt == nil && s.RetryCount >= maxRetries
}

// Leased reports whether a worker holds an unexpired claim at now.
func (s StepState) Leased(now time.Time) bool {
	return s.LeaseToken != "" && s.LeaseExpiresAt != nil && now.Before(*s.LeaseExpiresAt)
}

// WarningSchemaV1 tags the first version of the warning entry layout.
const WarningSchemaV1 = "warning/v1"

// Warning codes recorded by the pipeline.
const (
	WarnUnsupportedInput       = "unsupported_input"
	WarnTranslationUnavailable = "translation_unavailable"
	WarnEmptyBody              = "empty_body"
	WarnIdentityConflict       = "identity_conflict"
)

// Warning is one entry of a raw item's append-only warnings log.
type Warning struct {
	Schema    string    `json:"schema"`
	Code      string    `json:"code"`
	Step      Step      `json:"step,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewWarning builds a warning entry tagged with the current schema.
func NewWarning(code string, step Step, message string, at time.Time) Warning {
	return Warning{
		Schema:    WarningSchemaV1,
		Code:      code,
		Step:      step,
		Message:   message,
		Timestamp: at.UTC(),
	}
}

// ProcessingStatus is the coarse, derived status shown on dashboards.
// It is recomputed from step states and never persisted.
type ProcessingStatus string

const (
	StatusNew            ProcessingStatus = "new"
	StatusInProgress     ProcessingStatus = "in_progress"
	StatusClassified     ProcessingStatus = "classified"
	StatusComplete       ProcessingStatus = "complete"
	StatusNeedsAttention ProcessingStatus = "needs_attention"
)

// ProjectStatus derives the coarse status from the four step states.
func ProjectStatus(steps map[Step]StepState, maxRetries int) ProcessingStatus {
	done := 0
	for _, s := range Steps {
		st, ok := steps[s]
		if !ok {
			continue
		}
		if st.PermanentlyFailed(maxRetries) {
			return StatusNeedsAttention
		}
		if st.Completed() {
			done++
		}
	}
	switch {
	case done == len(Steps):
		return StatusComplete
	case steps[StepClassification].Completed():
		return StatusClassified
	case done > 0:
		return StatusInProgress
	default:
		return StatusNew
	}
}

// Claim is the exclusive right, held until LeaseExpiresAt, to execute one
// step of one raw item.
type Claim struct {
	RawItemID      int64
	Step           Step
	Token          string
	RetryCount     int
	ClaimedAt      time.Time
	LeaseExpiresAt time.Time
}
