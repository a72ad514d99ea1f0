package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/identity"
	"github.com/nhle/mailsync/internal/mailparse"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates a file-backed SQLiteStore in a temporary directory
// with all migrations applied. A real file is used so that several
// connections share one database, as they do in production.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T, opts ...store.Option) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mailsync.db"), opts...)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedRawItem stores one fetched message for account and returns its raw
// item id. The message lives in INBOX with uidvalidity 1.
func SeedRawItem(t *testing.T, s *store.SQLiteStore, account string, uid uint32, raw []byte) int64 {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	msg := mailparse.Parse(raw)
	res := msg.Identity()
	if res.StableID == "" {
		res.ContentHash = identity.ContentHash("", "", "")
		res.StableID = identity.StableIdentifier("", res.ContentHash)
	}

	key := model.Key{Folder: "INBOX", UID: uid, UIDValidity: 1}
	plan := &model.Plan{
		Account: account,
		Actions: []model.Action{{
			Kind: model.ActionFetch,
			Key:  key,
			Remote: &model.RemoteItem{UID: uid, Envelope: model.Envelope{
				MessageID: msg.MessageID, From: msg.From, Subject: msg.Subject, Date: msg.Date,
			}},
			MessageID:   res.MessageID,
			ContentHash: res.ContentHash,
			StableID:    res.StableID,
		}},
		Generations: map[string]uint32{"INBOX": 1},
	}
	if _, err := s.ApplyPlan(ctx, plan, now, now); err != nil {
		t.Fatalf("seeding %s/%d: %v", account, uid, err)
	}

	snap, err := s.LoadSnapshot(ctx, account)
	if err != nil {
		t.Fatalf("loading snapshot: %v", err)
	}
	for _, rec := range snap.Records {
		if rec.Key != key {
			continue
		}
		att, err := s.AttachFetched(ctx, store.FetchedItem{
			RecordID:    rec.ID,
			Body:        raw,
			MessageID:   res.MessageID,
			ContentHash: res.ContentHash,
			StableID:    res.StableID,
		}, now)
		if err != nil {
			t.Fatalf("attaching %s/%d: %v", account, uid, err)
		}
		return att.RawItemID
	}
	t.Fatalf("seeded record %v not found", key)
	return 0
}
