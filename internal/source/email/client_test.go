package email

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"

	"github.com/nhle/mailsync/internal/model"
)

func TestWindowUIDs(t *testing.T) {
	uids := []imap.UID{1, 2, 3, 4, 5}

	all, complete := windowUIDs(uids, 0)
	assert.Equal(t, uids, all)
	assert.True(t, complete)

	all, complete = windowUIDs(uids, 10)
	assert.Len(t, all, 5)
	assert.True(t, complete)

	newest, complete := windowUIDs(uids, 2)
	assert.Equal(t, []imap.UID{4, 5}, newest)
	assert.False(t, complete, "a cut listing must not produce deletions")
}

func TestChunkUIDs(t *testing.T) {
	uids := []imap.UID{1, 2, 3, 4, 5}
	assert.Equal(t, [][]imap.UID{{1, 2}, {3, 4}, {5}}, chunkUIDs(uids, 2))
	assert.Nil(t, chunkUIDs(nil, 2))
}

func TestRemoteFromBuffer(t *testing.T) {
	date := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	buf := &imapclient.FetchMessageBuffer{
		UID:   42,
		Flags: []imap.Flag{imap.FlagSeen, imap.FlagFlagged, imap.FlagSeen},
		Envelope: &imap.Envelope{
			Date:      date,
			Subject:   "Hi",
			MessageID: "m1@example.com",
			From:      []imap.Address{{Name: "Alice", Mailbox: "alice", Host: "example.com"}},
		},
	}

	item := remoteFromBuffer(buf)
	assert.Equal(t, model.RemoteItem{
		UID:   42,
		Flags: []string{`\Flagged`, `\Seen`},
		Envelope: model.Envelope{
			MessageID: "m1@example.com",
			From:      "alice@example.com",
			Subject:   "Hi",
			Date:      date,
		},
	}, item)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{TLS: true}.withDefaults()
	assert.Equal(t, "993", c.Port)
	assert.Equal(t, 30*time.Second, c.Timeout)

	c = ConfigFromAccount(model.AccountConfig{ID: "work", Host: "h", Port: "1143", EnumerateWindow: 100, FetchTimeoutSec: 5}).withDefaults()
	assert.Equal(t, "1143", c.Port)
	assert.Equal(t, 100, c.Window)
	assert.Equal(t, 5*time.Second, c.Timeout)
}
