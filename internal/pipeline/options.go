package pipeline

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type options struct {
	now      func() time.Time
	logger   *slog.Logger
	newToken func() string
}

func defaultOptions() options {
	return options{
		now:      time.Now,
		logger:   slog.Default(),
		newToken: uuid.NewString,
	}
}

// Option customizes the scheduler, tracker and pool.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTokenSource overrides how lease tokens are generated.
func WithTokenSource(f func() string) Option {
	return func(o *options) { o.newToken = f }
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
