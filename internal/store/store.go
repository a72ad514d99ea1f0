package store

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// Snapshot is the local view of one account as of the start of a pass.
type Snapshot struct {
	Account string

	// Records holds every server_state row of the account, deleted ones
	// included, without the encrypted envelope fields.
	Records []model.ServerStateRecord

	// Generations maps each known folder to its last seen uidvalidity.
	Generations map[string]uint32
}

// FetchedItem is a downloaded body ready to be attached to a record.
type FetchedItem struct {
	RecordID  int64
	Body      []byte
	MessageID string

	// ContentHash and StableID are computed from the parsed headers.
	ContentHash string
	StableID    string
}

// AttachResult describes how a fetched body was linked.
type AttachResult struct {
	RawItemID int64

	// Reused is true when an existing raw item with the same identity
	// was relinked instead of creating a new one.
	Reused bool

	// Conflict is true when a live item already holds the identity.
	Conflict bool
}

// ClaimRequest selects the next eligible step to lease.
type ClaimRequest struct {
	Step model.Step

	// RawItemID restricts the claim to one item when non-zero.
	RawItemID int64

	Now        time.Time
	LeaseTTL   time.Duration
	MaxRetries int
	Token      string

	// Backoff returns the delay before the next attempt after n
	// failures. It is used when sweeping expired leases.
	Backoff func(n int) time.Duration
}

// ServerStateStore persists reconciliation state.
type ServerStateStore interface {
	LoadSnapshot(ctx context.Context, account string) (*Snapshot, error)
	ApplyPlan(ctx context.Context, plan *model.Plan, started, now time.Time) (int64, error)
	PendingFetches(ctx context.Context, account string, limit int) ([]model.ServerStateRecord, error)
	AttachFetched(ctx context.Context, item FetchedItem, now time.Time) (AttachResult, error)
}

// PipelineStore persists per-step pipeline progress.
type PipelineStore interface {
	ClaimNext(ctx context.Context, req ClaimRequest) (*model.Claim, error)
	RenewLease(ctx context.Context, claim *model.Claim, now time.Time, ttl time.Duration) error
	CompleteStep(ctx context.Context, claim *model.Claim, now time.Time, out *model.StepOutput, warnings []model.Warning) error
	FailStep(ctx context.Context, claim *model.Claim, now time.Time, msg string, nextEligible time.Time) error
	ResetSteps(ctx context.Context, rawItemID int64, steps []model.Step) error
	ResetStepAll(ctx context.Context, step model.Step, onlyFailed bool, maxRetries int) (int64, error)
	GetRawItem(ctx context.Context, id int64) (*model.RawItemRecord, error)
	LoadItemContent(ctx context.Context, id int64) (*StoredContent, error)
}

// StatsStore answers monitoring queries.
type StatsStore interface {
	StepStats(ctx context.Context, now time.Time, maxRetries int) ([]model.StepStats, error)
	StatusCounts(ctx context.Context, maxRetries int) (map[model.ProcessingStatus]int, error)
	NeedsAttention(ctx context.Context, maxRetries, limit int) ([]model.AttentionItem, error)
	OpenConflicts(ctx context.Context, limit int) ([]model.IdentityConflict, error)
	RecentPasses(ctx context.Context, limit int) ([]model.PassRecord, error)
}

// StoredContent is the decrypted material a step executor works on.
type StoredContent struct {
	RawItemID      int64
	Account        string
	StableID       string
	Body           []byte
	Translation    string
	Classification *model.Classification
	Folders        []string
	Flags          []string
}

var (
	_ ServerStateStore = (*SQLiteStore)(nil)
	_ PipelineStore    = (*SQLiteStore)(nil)
	_ StatsStore       = (*SQLiteStore)(nil)
)
