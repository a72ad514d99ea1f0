package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testPolicy = Policy{
	MaxRetries:  3,
	BackoffBase: 10 * time.Second,
	BackoffCap:  time.Minute,
	LeaseTTL:    time.Minute,
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(clock *fakeClock) []Option {
	return []Option{WithClock(clock.Now), WithLogger(quietLogger())}
}

func message(n int, body string) []byte {
	return []byte(fmt.Sprintf("Message-ID: <msg-%d@example.com>\r\n"+
		"From: Bob <bob@example.com>\r\n"+
		"Subject: note %d\r\n"+
		"Date: Wed, 01 May 2024 08:00:00 +0000\r\n"+
		"Content-Type: text/plain\r\n\r\n%s\r\n", n, n, body))
}

// seedItems stores n raw items and returns their ids.
func seedItems(t *testing.T, st *store.SQLiteStore, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, testutil.SeedRawItem(t, st, "acct", uint32(i), message(i, fmt.Sprintf("body %d", i))))
	}
	return ids
}
