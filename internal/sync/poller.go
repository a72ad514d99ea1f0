// Package sync runs reconciliation passes for every configured mailbox on
// a schedule.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/reconcile"
	"github.com/nhle/mailsync/internal/source"
)

// SyncState represents the current state of a mailbox.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the sync state for a single mailbox.
type SyncStatus struct {
	Account  string
	State    SyncState
	LastSync time.Time
	Passes   int
	Last     *reconcile.PassResult
	Error    error
}

// mailboxEntry holds a registered mailbox and its configuration.
type mailboxEntry struct {
	mb      source.Mailbox
	cfg     model.AccountConfig
	trigger chan struct{}
}

// Poller runs one polling goroutine per mailbox. Passes of one mailbox
// are strictly sequential; mailboxes poll in parallel.
type Poller struct {
	rec       *reconcile.Reconciler
	logger    *slog.Logger
	now       func() time.Time
	onPass    func(account string, res *reconcile.PassResult, err error)
	mailboxes []*mailboxEntry
	statuses  map[string]*SyncStatus
	mu        gosync.Mutex
	running   bool
}

// Option customizes a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithClock overrides the time source used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithPassHook registers a callback invoked after every pass.
func WithPassHook(fn func(account string, res *reconcile.PassResult, err error)) Option {
	return func(p *Poller) { p.onPass = fn }
}

// New creates a new Poller driving rec.
func New(rec *reconcile.Reconciler, opts ...Option) *Poller {
	p := &Poller{
		rec:      rec,
		logger:   slog.Default(),
		now:      time.Now,
		statuses: make(map[string]*SyncStatus),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a mailbox and its configuration. Disabled accounts are
// kept for manual passes but never polled.
func (p *Poller) Register(cfg model.AccountConfig, mb source.Mailbox) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mailboxes = append(p.mailboxes, &mailboxEntry{
		mb:      mb,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	})
	p.statuses[cfg.ID] = &SyncStatus{Account: cfg.ID, State: SyncIdle}
}

// Run polls every enabled mailbox until ctx is cancelled. Each mailbox
// runs one pass immediately, then on its interval or when triggered.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("poller already running")
	}
	p.running = true
	entries := append([]*mailboxEntry(nil), p.mailboxes...)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		if !e.cfg.Enabled {
			continue
		}
		g.Go(func() error {
			p.pollMailbox(ctx, e)
			return nil
		})
	}
	return g.Wait()
}

// Trigger requests an immediate pass for account. It reports false when
// the account is unknown. Triggers arriving while a pass is queued are
// coalesced.
func (p *Poller) Trigger(account string) bool {
	e := p.entry(account)
	if e == nil {
		return false
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
	return true
}

// TriggerAll requests an immediate pass of every mailbox.
func (p *Poller) TriggerAll() {
	p.mu.Lock()
	entries := append([]*mailboxEntry(nil), p.mailboxes...)
	p.mu.Unlock()
	for _, e := range entries {
		select {
		case e.trigger <- struct{}{}:
		default:
		}
	}
}

// RunOnce runs a single pass for account in the calling goroutine. It
// fails with model.ErrPassInProgress when the poller is mid-pass for the
// same account.
func (p *Poller) RunOnce(ctx context.Context, account string) (*reconcile.PassResult, error) {
	e := p.entry(account)
	if e == nil {
		return nil, model.ErrNotFound
	}
	return p.pass(ctx, e)
}

// Statuses returns the current sync status of all mailboxes ordered by
// account.
func (p *Poller) Statuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Account < statuses[j].Account })
	return statuses
}

// MailboxStatuses reports Statuses in the monitoring shape.
func (p *Poller) MailboxStatuses() []model.MailboxStatus {
	statuses := p.Statuses()
	out := make([]model.MailboxStatus, 0, len(statuses))
	for _, s := range statuses {
		ms := model.MailboxStatus{
			Account:  s.Account,
			State:    s.State.String(),
			LastSync: s.LastSync,
			Passes:   s.Passes,
		}
		if s.Error != nil {
			ms.Error = s.Error.Error()
		}
		out = append(out, ms)
	}
	return out
}

func (p *Poller) entry(account string) *mailboxEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.mailboxes {
		if e.cfg.ID == account {
			return e
		}
	}
	return nil
}

// pollMailbox runs the polling loop for a single mailbox.
func (p *Poller) pollMailbox(ctx context.Context, e *mailboxEntry) {
	ticker := time.NewTicker(e.cfg.PollInterval())
	defer ticker.Stop()

	p.passAndLog(ctx, e)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.passAndLog(ctx, e)
		case <-e.trigger:
			p.passAndLog(ctx, e)
		}
	}
}

func (p *Poller) passAndLog(ctx context.Context, e *mailboxEntry) {
	res, err := p.pass(ctx, e)
	log := p.logger.With("account", e.cfg.ID)
	switch {
	case err == nil:
		log.Info("pass complete",
			"pass", res.PassID,
			"fetched", res.Fetch.Fetched,
			"reused", res.Fetch.Reused,
			"conflicts", res.Fetch.Conflicts)
	case errors.Is(err, model.ErrPassInProgress):
		log.Debug("pass skipped, another pass is running")
	case ctx.Err() != nil:
		// shutting down
	case source.IsAuthError(err):
		log.Error("authentication failed, check the account password", "error", err)
	default:
		log.Warn("pass failed", "error", err)
	}
}

func (p *Poller) pass(ctx context.Context, e *mailboxEntry) (*reconcile.PassResult, error) {
	p.setStatus(e.cfg.ID, func(s *SyncStatus) { s.State = SyncRunning })

	res, err := p.rec.Pass(ctx, e.cfg.ID, e.mb, e.cfg.Folders)

	p.setStatus(e.cfg.ID, func(s *SyncStatus) {
		if errors.Is(err, model.ErrPassInProgress) {
			return
		}
		s.Error = err
		if err != nil {
			s.State = SyncError
			return
		}
		s.State = SyncIdle
		s.LastSync = p.now()
		s.Passes++
		s.Last = res
	})
	if p.onPass != nil {
		p.onPass(e.cfg.ID, res, err)
	}
	return res, err
}

// setStatus updates the sync status for an account.
func (p *Poller) setStatus(account string, fn func(*SyncStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.statuses[account]; ok {
		fn(s)
	}
}
