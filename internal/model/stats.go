package model

import "time"

// StepStats are the aggregate counts of one step for dashboards.
type StepStats struct {
	Step              Step `json:"step"`
	Pending           int  `json:"pending"`
	InFlight          int  `json:"in_flight"`
	Completed         int  `json:"completed"`
	PermanentlyFailed int  `json:"permanently_failed"`
	Warnings          int  `json:"warnings"`
}

// AttentionItem is a step that exhausted its retries.
type AttentionItem struct {
	RawItemID     int64      `json:"raw_item_id"`
	Account       string     `json:"account"`
	StableID      string     `json:"stable_id"`
	Step          Step       `json:"step"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// IdentityConflict is an unresolved identity collision awaiting review.
type IdentityConflict struct {
	ID            int64     `json:"id"`
	Account       string    `json:"account"`
	StableID      string    `json:"stable_id"`
	ServerStateID int64     `json:"server_state_id"`
	OtherID       int64     `json:"other_server_state_id,omitempty"`
	RawItemID     int64     `json:"raw_item_id,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
}

// PassRecord summarizes one committed reconciliation pass.
type PassRecord struct {
	ID          int64     `json:"id"`
	Account     string    `json:"account"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Fetches     int       `json:"fetches"`
	Moves       int       `json:"moves"`
	FlagChanges int       `json:"flag_changes"`
	Deletes     int       `json:"deletes"`
	Conflicts   int       `json:"conflicts"`
}

// MailboxStatus is the poller state of one mailbox.
type MailboxStatus struct {
	Account  string    `json:"account"`
	State    string    `json:"state"`
	LastSync time.Time `json:"last_sync,omitempty"`
	Passes   int       `json:"passes"`
	Error    string    `json:"error,omitempty"`
}

// Overview bundles everything the monitoring surface exposes.
type Overview struct {
	Steps          []StepStats              `json:"steps"`
	Statuses       map[ProcessingStatus]int `json:"statuses"`
	NeedsAttention []AttentionItem          `json:"needs_attention"`
	Conflicts      []IdentityConflict       `json:"conflicts"`
	LastPasses     []PassRecord             `json:"last_passes"`
	Mailboxes      []MailboxStatus          `json:"mailboxes,omitempty"`
	GeneratedAt    time.Time                `json:"generated_at"`
}
