package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/identity"
	"github.com/nhle/mailsync/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func remote(uid uint32, msgID string, flags ...string) *model.RemoteItem {
	return &model.RemoteItem{
		UID:   uid,
		Flags: flags,
		Envelope: model.Envelope{
			MessageID: msgID,
			From:      "alice@example.com",
			Subject:   "subject " + msgID,
			Date:      t0,
		},
	}
}

func fetchAction(folder string, uidvalidity uint32, r *model.RemoteItem) model.Action {
	res := identity.Resolve(r.Envelope.MessageID, r.Envelope.Date, r.Envelope.From, r.Envelope.Subject)
	return model.Action{
		Kind:        model.ActionFetch,
		Key:         model.Key{Folder: folder, UID: r.UID, UIDValidity: uidvalidity},
		Remote:      r,
		MessageID:   res.MessageID,
		ContentHash: res.ContentHash,
		StableID:    res.StableID,
	}
}

func plan(account string, gens map[string]uint32, actions ...model.Action) *model.Plan {
	p := &model.Plan{Account: account, Actions: actions, Generations: gens}
	for f := range gens {
		p.CompleteFolders = append(p.CompleteFolders, f)
	}
	return p
}

// seedFetched stores one fetched message and returns its record and raw
// item ids.
func seedFetched(t *testing.T, s *SQLiteStore, account, folder string, uid uint32, msgID string) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	r := remote(uid, msgID)
	_, err := s.ApplyPlan(ctx, plan(account, map[string]uint32{folder: 1}, fetchAction(folder, 1, r)), t0, t0)
	require.NoError(t, err)

	snap, err := s.LoadSnapshot(ctx, account)
	require.NoError(t, err)
	var recID int64
	for _, rec := range snap.Records {
		if rec.Folder == folder && rec.UID == uid {
			recID = rec.ID
		}
	}
	require.NotZero(t, recID)

	res := identity.Resolve(msgID, t0, r.Envelope.From, r.Envelope.Subject)
	att, err := s.AttachFetched(ctx, FetchedItem{
		RecordID:    recID,
		Body:        []byte("Subject: hi\r\n\r\nbody of " + msgID),
		MessageID:   res.MessageID,
		ContentHash: res.ContentHash,
		StableID:    res.StableID,
	}, t0)
	require.NoError(t, err)
	return recID, att.RawItemID
}

func claimReq(step model.Step, now time.Time, token string) ClaimRequest {
	return ClaimRequest{
		Step:       step,
		Now:        now,
		LeaseTTL:   time.Minute,
		MaxRetries: 3,
		Token:      token,
		Backoff:    func(n int) time.Duration { return time.Duration(n) * time.Second },
	}
}
