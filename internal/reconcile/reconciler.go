package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nhle/mailsync/internal/identity"
	"github.com/nhle/mailsync/internal/mailparse"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/store"
)

// defaultFetchBatch caps how many pending bodies one pass downloads.
const defaultFetchBatch = 200

// Reconciler runs reconciliation passes. Passes for the same account are
// serialized; different accounts may reconcile concurrently.
type Reconciler struct {
	store      store.ServerStateStore
	logger     *slog.Logger
	now        func() time.Time
	fetchBatch int
	batches    map[string]int

	mu     sync.Mutex
	active map[string]bool
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithFetchBatch sets how many pending bodies a pass fetches.
func WithFetchBatch(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.fetchBatch = n
		}
	}
}

// WithAccountFetchBatch overrides the fetch batch for one account.
func WithAccountFetchBatch(account string, n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batches[account] = n
		}
	}
}

// New creates a Reconciler backed by st.
func New(st store.ServerStateStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:      st,
		logger:     slog.Default(),
		now:        time.Now,
		fetchBatch: defaultFetchBatch,
		batches:    make(map[string]int),
		active:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	PassID int64
	Plan   *model.Plan
	Fetch  FetchResult
}

// FetchResult summarizes a fetch backlog drain.
type FetchResult struct {
	Fetched   int
	Reused    int
	Conflicts int
	Failed    int
}

func (r *Reconciler) acquire(account string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[account] {
		return false
	}
	r.active[account] = true
	return true
}

func (r *Reconciler) release(account string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, account)
}

// Pass enumerates every folder of the account, commits the combined plan
// and then fetches pending bodies. Any enumeration or persistence error
// discards the pass with no state change.
func (r *Reconciler) Pass(ctx context.Context, account string, mb source.Mailbox, folders []string) (*PassResult, error) {
	if !r.acquire(account) {
		return nil, fmt.Errorf("%s: %w", account, model.ErrPassInProgress)
	}
	defer r.release(account)

	started := r.now()
	listings := make([]model.Listing, 0, len(folders))
	for _, folder := range folders {
		l, err := mb.Enumerate(ctx, folder)
		if err != nil {
			r.logger.Warn("enumeration failed, discarding pass",
				"account", account, "folder", folder, "error", err)
			return nil, fmt.Errorf("enumerating %s: %w", folder, err)
		}
		listings = append(listings, *l)
	}

	plan, passID, err := r.apply(ctx, account, listings, started)
	if err != nil {
		return nil, err
	}

	res := &PassResult{PassID: passID, Plan: plan}
	res.Fetch, err = r.FetchPending(ctx, account, mb)
	if err != nil {
		return res, err
	}
	return res, nil
}

// ReconcileFolder diffs a single folder listing against stored state,
// commits the result and returns the applied actions. Other folders are
// not listed, so an item arriving from one of them is fetched as a
// conflict rather than moved.
func (r *Reconciler) ReconcileFolder(ctx context.Context, account string, listing model.Listing) ([]model.Action, error) {
	if !r.acquire(account) {
		return nil, fmt.Errorf("%s: %w", account, model.ErrPassInProgress)
	}
	defer r.release(account)

	plan, _, err := r.apply(ctx, account, []model.Listing{listing}, r.now())
	if err != nil {
		return nil, err
	}
	return plan.Actions, nil
}

func (r *Reconciler) apply(ctx context.Context, account string, listings []model.Listing, started time.Time) (*model.Plan, int64, error) {
	snap, err := r.store.LoadSnapshot(ctx, account)
	if err != nil {
		return nil, 0, &model.FatalPersistenceError{Op: "load snapshot", Err: err}
	}

	plan := Diff(snap, listings)
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	passID, err := r.store.ApplyPlan(ctx, plan, started, r.now())
	if err != nil {
		r.logger.Error("reconciliation pass aborted",
			"account", account, "error", err)
		return nil, 0, err
	}

	r.logConflicts(snap, plan)
	r.logger.Info("reconciliation pass committed",
		"account", account,
		"pass", passID,
		"fetch", plan.Count(model.ActionFetch),
		"move", plan.Count(model.ActionMove),
		"flags", plan.Count(model.ActionFlagsChanged),
		"delete", plan.Count(model.ActionDelete),
		"conflicts", plan.Conflicts(),
	)
	return plan, passID, nil
}

func (r *Reconciler) logConflicts(snap *store.Snapshot, plan *model.Plan) {
	for _, a := range plan.Actions {
		if !a.Conflict {
			continue
		}
		err := &model.IdentityConflictError{StableID: a.StableID, Key: a.Key}
		for _, rec := range snap.Records {
			if rec.ID == a.ConflictWith {
				err.Other = rec.Key
				break
			}
		}
		r.logger.Warn("identity conflict queued for review",
			"account", plan.Account, "error", err)
	}
}

// FetchPending downloads bodies of records seen but not fetched yet and
// attaches them. A failed fetch leaves the record pending for the next
// pass; only cancellation and persistence failures stop the drain.
func (r *Reconciler) FetchPending(ctx context.Context, account string, mb source.Mailbox) (FetchResult, error) {
	var res FetchResult

	batch := r.fetchBatch
	if n, ok := r.batches[account]; ok {
		batch = n
	}
	pending, err := r.store.PendingFetches(ctx, account, batch)
	if err != nil {
		return res, fmt.Errorf("listing pending fetches: %w", err)
	}

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		body, err := mb.Fetch(ctx, rec.Folder, rec.UIDValidity, rec.UID)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			r.logger.Warn("fetch failed, will retry next pass",
				"account", account, "folder", rec.Folder, "uid", rec.UID, "error", err)
			continue
		}

		item := fetchedItem(rec, body)
		att, err := r.store.AttachFetched(ctx, item, r.now())
		if errors.Is(err, model.ErrNotFound) {
			// Deleted or moved while we were downloading.
			continue
		}
		if err != nil {
			return res, err
		}

		res.Fetched++
		if att.Reused {
			res.Reused++
			r.logger.Info("reappearing item linked to existing raw item",
				"account", account, "stable_id", item.StableID, "raw_item", att.RawItemID)
		}
		if att.Conflict {
			res.Conflicts++
			r.logger.Warn("identity conflict queued for review",
				"account", account,
				"error", &model.IdentityConflictError{StableID: item.StableID, Key: rec.Key})
		}
	}
	return res, nil
}

// fetchedItem resolves the final identity of a fetched body. Identity
// known from the envelope wins; the parsed headers fill what is missing.
func fetchedItem(rec model.ServerStateRecord, body []byte) store.FetchedItem {
	msg := mailparse.Parse(body)

	messageID := rec.MessageID
	if messageID == "" {
		messageID = msg.MessageID
	}
	from, subject, date := rec.From, rec.Subject, rec.Date
	if from == "" && subject == "" && date.IsZero() {
		from, subject, date = msg.From, msg.Subject, msg.Date
	}

	res := identity.Resolve(messageID, date, from, subject)
	if rec.ContentHash != "" {
		res.ContentHash = rec.ContentHash
	}
	if res.ContentHash == "" {
		// No header at all: the empty-field hash aliases every such item
		// and conflicts are recorded on attach.
		res.ContentHash = identity.ContentHash("", "", "")
	}
	if res.StableID == "" {
		res.StableID = identity.StableIdentifier(res.MessageID, res.ContentHash)
	}

	return store.FetchedItem{
		RecordID:    rec.ID,
		Body:        body,
		MessageID:   res.MessageID,
		ContentHash: res.ContentHash,
		StableID:    res.StableID,
	}
}
