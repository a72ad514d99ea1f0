// Package monitor exposes pipeline and reconciliation health read-only,
// as JSON over HTTP and as rendered text.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

const defaultLimit = 50

// Service answers monitoring queries from the store.
type Service struct {
	stats      store.StatsStore
	maxRetries int
	now        func() time.Time
	mailboxes  func() []model.MailboxStatus
	logger     *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMailboxes adds live mailbox states to the overview.
func WithMailboxes(fn func() []model.MailboxStatus) Option {
	return func(s *Service) { s.mailboxes = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a monitoring service. maxRetries must match the
// pipeline policy so that exhausted steps are counted consistently.
func NewService(stats store.StatsStore, maxRetries int, opts ...Option) *Service {
	s := &Service{
		stats:      stats,
		maxRetries: maxRetries,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Overview gathers every monitoring view at once.
func (s *Service) Overview(ctx context.Context) (*model.Overview, error) {
	now := s.now()
	o := &model.Overview{GeneratedAt: now.UTC()}

	var err error
	if o.Steps, err = s.stats.StepStats(ctx, now, s.maxRetries); err != nil {
		return nil, fmt.Errorf("step stats: %w", err)
	}
	if o.Statuses, err = s.stats.StatusCounts(ctx, s.maxRetries); err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	if o.NeedsAttention, err = s.stats.NeedsAttention(ctx, s.maxRetries, defaultLimit); err != nil {
		return nil, fmt.Errorf("needs attention: %w", err)
	}
	if o.Conflicts, err = s.stats.OpenConflicts(ctx, defaultLimit); err != nil {
		return nil, fmt.Errorf("conflicts: %w", err)
	}
	if o.LastPasses, err = s.stats.RecentPasses(ctx, 10); err != nil {
		return nil, fmt.Errorf("recent passes: %w", err)
	}
	if s.mailboxes != nil {
		o.Mailboxes = s.mailboxes()
	}
	return o, nil
}

// Handler returns the read-only HTTP API.
//
//	GET /healthz
//	GET /overview
//	GET /pipeline/stats
//	GET /pipeline/statuses
//	GET /pipeline/attention?limit=N
//	GET /conflicts?limit=N
//	GET /passes?limit=N
//	GET /mailboxes
func (s *Service) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/overview", s.getOverview)

	p := r.Group("/pipeline")
	p.GET("/stats", s.getStepStats)
	p.GET("/statuses", s.getStatuses)
	p.GET("/attention", s.getAttention)

	r.GET("/conflicts", s.getConflicts)
	r.GET("/passes", s.getPasses)
	r.GET("/mailboxes", s.getMailboxes)
	return r
}

// Serve runs the HTTP API on addr until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("monitor listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("monitor request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// GET /overview
func (s *Service) getOverview(c *gin.Context) {
	o, err := s.Overview(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// GET /pipeline/stats
func (s *Service) getStepStats(c *gin.Context) {
	stats, err := s.stats.StepStats(c.Request.Context(), s.now(), s.maxRetries)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": stats})
}

// GET /pipeline/statuses
func (s *Service) getStatuses(c *gin.Context) {
	counts, err := s.stats.StatusCounts(c.Request.Context(), s.maxRetries)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": counts})
}

// GET /pipeline/attention?limit=50
func (s *Service) getAttention(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	items, err := s.stats.NeedsAttention(c.Request.Context(), s.maxRetries, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

// GET /conflicts?limit=50
func (s *Service) getConflicts(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	conflicts, err := s.stats.OpenConflicts(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts, "total": len(conflicts)})
}

// GET /passes?limit=50
func (s *Service) getPasses(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	passes, err := s.stats.RecentPasses(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"passes": passes})
}

// GET /mailboxes
func (s *Service) getMailboxes(c *gin.Context) {
	mailboxes := []model.MailboxStatus{}
	if s.mailboxes != nil {
		mailboxes = s.mailboxes()
	}
	c.JSON(http.StatusOK, gin.H{"mailboxes": mailboxes})
}

func (s *Service) fail(c *gin.Context, err error) {
	s.logger.Error("monitor query failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func parseLimit(c *gin.Context) (int, bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return 0, false
	}
	return limit, true
}
