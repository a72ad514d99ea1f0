package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

const acct = "acct"

type fakeMessage struct {
	uid   uint32
	flags []string
	env   model.Envelope
	raw   []byte
}

type fakeFolder struct {
	uidvalidity uint32
	messages    []fakeMessage
}

// fakeMailbox is an in-memory source.Mailbox.
type fakeMailbox struct {
	mu            sync.Mutex
	folders       map[string]*fakeFolder
	failEnumerate map[string]error
	failFetch     map[uint32]error
	window        int
	fetches       int

	// enumerating, when set, is signalled on entry to Enumerate which
	// then blocks until release is closed.
	enumerating chan struct{}
	release     chan struct{}
}

var _ source.Mailbox = (*fakeMailbox)(nil)

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		folders:       map[string]*fakeFolder{},
		failEnumerate: map[string]error{},
		failFetch:     map[uint32]error{},
	}
}

func rawMessage(msgID, subject string) []byte {
	var hdr string
	if msgID != "" {
		hdr = "Message-ID: <" + msgID + ">\r\n"
	}
	return []byte(hdr +
		"From: Alice <alice@example.com>\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Fri, 01 Mar 2024 12:00:00 +0000\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"hello " + subject + "\r\n")
}

func (m *fakeMailbox) put(folder string, uidvalidity, uid uint32, msgID string, flags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.folders[folder]
	if f == nil {
		f = &fakeFolder{uidvalidity: uidvalidity}
		m.folders[folder] = f
	}
	f.messages = append(f.messages, fakeMessage{
		uid:   uid,
		flags: flags,
		env: model.Envelope{
			MessageID: msgID,
			From:      "alice@example.com",
			Subject:   "subject " + msgID,
			Date:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		raw: rawMessage(msgID, "subject "+msgID),
	})
}

// putBare stores an item whose envelope is unavailable but whose body
// carries full headers.
func (m *fakeMailbox) putBare(folder string, uidvalidity, uid uint32, msgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.folders[folder]
	if f == nil {
		f = &fakeFolder{uidvalidity: uidvalidity}
		m.folders[folder] = f
	}
	f.messages = append(f.messages, fakeMessage{uid: uid, raw: rawMessage(msgID, "bare "+msgID)})
}

func (m *fakeMailbox) remove(folder string, uid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.folders[folder]
	for i, msg := range f.messages {
		if msg.uid == uid {
			f.messages = append(f.messages[:i], f.messages[i+1:]...)
			return
		}
	}
}

func (m *fakeMailbox) Enumerate(ctx context.Context, folder string) (*model.Listing, error) {
	if m.enumerating != nil {
		m.enumerating <- struct{}{}
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failEnumerate[folder]; err != nil {
		return nil, err
	}
	f := m.folders[folder]
	if f == nil {
		return &model.Listing{Folder: folder, UIDValidity: 1, Complete: true}, nil
	}

	msgs := append([]fakeMessage(nil), f.messages...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].uid < msgs[j].uid })
	complete := true
	if m.window > 0 && len(msgs) > m.window {
		msgs = msgs[len(msgs)-m.window:]
		complete = false
	}

	l := &model.Listing{Folder: folder, UIDValidity: f.uidvalidity, Complete: complete}
	for _, msg := range msgs {
		l.Items = append(l.Items, model.RemoteItem{UID: msg.uid, Flags: msg.flags, Envelope: msg.env})
	}
	return l, nil
}

func (m *fakeMailbox) Fetch(_ context.Context, folder string, uidvalidity, uid uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFetch[uid]; err != nil {
		return nil, err
	}
	f := m.folders[folder]
	if f == nil || f.uidvalidity != uidvalidity {
		return nil, source.ErrStaleGeneration
	}
	for _, msg := range f.messages {
		if msg.uid == uid {
			m.fetches++
			return msg.raw, nil
		}
	}
	return nil, fmt.Errorf("uid %d: %w", uid, model.ErrNotFound)
}

func (m *fakeMailbox) Append(context.Context, string, []byte) error { return nil }
func (m *fakeMailbox) Close() error                                 { return nil }

func newReconciler(t *testing.T) (*Reconciler, *store.SQLiteStore) {
	t.Helper()
	st := testutil.NewTestStore(t)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, WithLogger(logger), WithClock(now)), st
}

func liveRecords(t *testing.T, st *store.SQLiteStore) map[model.Key]model.ServerStateRecord {
	t.Helper()
	snap, err := st.LoadSnapshot(context.Background(), acct)
	require.NoError(t, err)
	out := make(map[model.Key]model.ServerStateRecord)
	for _, r := range snap.Records {
		if !r.IsDeleted {
			out[r.Key] = r
		}
	}
	return out
}

func TestPass_FetchesNewItemsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, st := newReconciler(t)
	mb := newFakeMailbox()
	mb.put("INBOX", 5, 1, "m1")
	mb.put("INBOX", 5, 2, "m2", `\Seen`)

	res, err := r.Pass(ctx, acct, mb, []string{"INBOX"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Plan.Count(model.ActionFetch))
	assert.Equal(t, 2, res.Fetch.Fetched)
	assert.NotZero(t, res.PassID)

	live := liveRecords(t, st)
	require.Len(t, live, 2)
	for _, rec := range live {
		assert.True(t, rec.Fetched(), "record %v should have a body", rec.Key)
	}

	again, err := r.Pass(ctx, acct, mb, []string{"INBOX"})
	require.NoError(t, err)
	assert.Empty(t, again.Plan.Actions)
	assert.Len(t, again.Plan.Touched, 2)
	assert.Zero(t, again.Fetch.Fetched)
	assert.Equal(t, 2, mb.fetches)
}

func TestPass_MoveKeepsRawItem(t *testing.T) {
	ctx := context.Background()
	r, st := newReconciler(t)
	mb := newFakeMailbox()
	mb.put("INBOX", 5, 10, "m1")
	mb.folders["Archive"] = &fakeFolder{uidvalidity: 5}
	folders := []string{"INBOX", "Archive"}

	_, err := r.Pass(ctx, acct, mb, folders)
	require.NoError(t, err)
	before := liveRecords(t, st)[model.Key{Folder: "INBOX", UID: 10, UIDValidity: 5}]
	require.NotZero(t, before.RawItemID)

	mb.remove("INBOX", 10)
	mb.put("Archive", 5, 77, "m1")

	res, err := r.Pass(ctx, acct, mb, folders)
	require.NoError(t, err)
	require.Len(t, res.Plan.Actions, 1)
	assert.Equal(t, model.ActionMove, res.Plan.Actions[0].Kind)
	assert.Zero(t, res.Fetch.Fetched, "a moved item is never downloaded again")

	live := liveRecords(t, st)
	require.Len(t, live, 1)
	after := live[model.Key{Folder: "Archive", UID: 77, UIDValidity: 5}]
	assert.Equal(t, before.RawItemID, after.RawItemID)

	raw, err := st.GetRawItem(ctx, after.RawItemID)
	require.NoError(t, err)
	assert.Nil(t, raw.RetiredAt)
}

func TestPass_EnumerationFailureDiscardsPass(t *testing.T) {
	ctx := context.Background()
	r, st := newReconciler(t)
	mb := newFakeMailbox()
	mb.put("INBOX", 5, 1, "m1")
	mb.put("INBOX", 5, 2, "m2")
	folders := []string{"INBOX", "Archive"}

	_, err := r.Pass(ctx, acct, mb, folders)
	require.NoError(t, err)

	mb.remove("INBOX", 1)
	mb.failEnumerate["Archive"] = errors.New("connection reset")

	_, err = r.Pass(ctx, acct, mb, folders)
	require.Error(t, err)

	live := liveRecords(t, st)
	assert.Len(t, live, 2, "nothing may be deleted from a failed pass")

	passes, err := st.RecentPasses(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, passes, 1)
}

func TestPass_WindowedListingNeverDeletes(t *testing.T) {
	ctx := context.Background()
	r, st := newReconciler(t)
	mb := newFakeMailbox()
	for uid := uint32(1); uid <= 4; uid++ {
		mb.put("INBOX", 5, uid, fmt.Sprintf("m%d", uid))
	}

	_, err := r.Pass(ctx, acct, mb, []string{"INBOX"})
	require.NoError(t, err)

	mb.window = 2
	res, err := r.Pass(ctx, acct, mb, []string{"INBOX"})
	require.NoError(t, err)
	assert.Zero(t, res.Plan.Count(model.ActionDelete))
	assert.Len(t, liveRecords(t, st), 4)
}

func TestPass_CopyOutsideWindowKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	r, st := newReconciler(t)
	mb := newFakeMailbox()
	for uid := uint32(1); uid <= 4; uid++ {
		mb.put("INBOX", 5, uid, fmt.Sprintf("m%d", uid))
	}
	_, err := r.Pass(ctx, acct, mb, []string{"INBOX", "Archive"})
	require.NoError(t, err)

	// m1 is copied to Archive while INBOX is only listed through a window
	// that no longer covers uid 1.
	mb.put("Archive", 9, 77, "m1")
	mb.window = 2
	res, err := r.Pass(ctx, acct, mb, []string{"INBOX", "Archive"})
	require.NoError(t, err)
	assert.Zero(t, res.Plan.Count(model.ActionMove))
	assert.Equal(t, 1, res.Plan.Conflicts())

	inbox1 := model.Key{Folder: "INBOX", UID: 1, UIDValidity: 5}
	live := liveRecords(t, st)
	assert.Contains(t, live, inbox1)
	assert.Contains(t, live, model.Key{Folder: "Archive", UID: 77, UIDValidity: 9})

	// A full listing still sees INBOX/1, so nothing changes for it.
	mb.window = 0
	res, err = r.Pass(ctx, acct, mb, []string{"INBOX", "Archive"})
	require.NoError(t, err)
	assert.Zero(t, res.Plan.Count(model.ActionDelete))
	assert.Contains(t, liveRecords(t, st), inbox1)
}

func TestPass_UIDValidityBumpRematchesByIdentity(t *testing.T) {
	ctx := context.Background()
	r, st := newReconciler(t)
	mb := newFakeMailbox()
	mb.put("INBOX", 5, 1, "m1")
	mb.put("INBOX", 5, 2, "m2")

	_, err := r.Pass(ctx, acct, mb, []string{"INBOX"})
	require.NoError(t, err)
	rawIDs := map[string]int64{}
	for _, rec := range liveRecords(t, st) {
		rawIDs[rec.MessageID] = rec.RawItemID
	}

	mb.folders["INBOX"] = &fakeFolder{uidvalidity: 6}
	mb.put("INBOX", 6, 100, "m2")
	mb.put("INBOX", 6, 101, "m1")

	res, err := r.Pass(ctx, acct, mb, []string{"INBOX"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Plan.Count(model.ActionMove))
	assert.Zero(t, res.Plan.Count(model.ActionFetch))
	assert.Zero(t, res.Fetch.Fetched)

	live := liveRecords(t, st)
	require.Len(t, live, 2)
	for _, rec := range live {
		assert.Equal(t, uint32(6), rec.UIDValidity)
		assert.Equal(t, rawIDs[rec.MessageID], rec.RawItemID)
	}
}

func TestPass_ProvisionalIdentityLearnedFromBody(t *testing.T) {
	ctx := context.Background()
	r, st := newReconciler(t)
	mb := newFakeMailbox()
	mb.putBare("INBOX", 5, 1, "bare-1")
	mb.folders["Archive"] = &fakeFolder{uidvalidity: 3}
	folders := []string{"INBOX", "Archive"}

	res, err := r.Pass(ctx, acct, mb, folders)
	require.NoError(t, err)
	require.Len(t, res.Plan.Actions, 1)
	assert.Empty(t, res.Plan.Actions[0].StableID)

	rec := liveRecords(t, st)[model.Key{Folder: "INBOX", UID: 1, UIDValidity: 5}]
	assert.Equal(t, "bare-1", rec.MessageID)
	firstRaw := rec.RawItemID

	// Moved while the server still hides the envelope: the new key is
	// fetched provisionally and relinked to the retired raw item.
	mb.remove("INBOX", 1)
	mb.putBare("Archive", 3, 9, "bare-1")

	res, err = r.Pass(ctx, acct, mb, folders)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Plan.Count(model.ActionFetch))
	assert.Equal(t, 1, res.Plan.Count(model.ActionDelete))
	assert.Equal(t, 1, res.Fetch.Reused)

	moved := liveRecords(t, st)[model.Key{Folder: "Archive", UID: 9, UIDValidity: 3}]
	assert.Equal(t, firstRaw, moved.RawItemID)
}

func TestPass_CopyRecordsConflict(t *testing.T) {
	ctx := context.Background()
	r, st := newReconciler(t)
	mb := newFakeMailbox()
	mb.put("INBOX", 5, 1, "dup")
	mb.put("Archive", 7, 1, "dup")

	res, err := r.Pass(ctx, acct, mb, []string{"INBOX", "Archive"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Plan.Conflicts())
	assert.Equal(t, 2, res.Fetch.Fetched)

	live := liveRecords(t, st)
	require.Len(t, live, 2)
	a := live[model.Key{Folder: "INBOX", UID: 1, UIDValidity: 5}]
	b := live[model.Key{Folder: "Archive", UID: 1, UIDValidity: 7}]
	assert.NotEqual(t, a.RawItemID, b.RawItemID, "live items never share a raw item")

	conflicts, err := st.OpenConflicts(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, conflicts)
	assert.Equal(t, "dup", conflicts[0].StableID)
}

func TestPass_FetchFailureLeavesItemPending(t *testing.T) {
	ctx := context.Background()
	r, st := newReconciler(t)
	mb := newFakeMailbox()
	mb.put("INBOX", 5, 1, "m1")
	mb.put("INBOX", 5, 2, "m2")
	mb.failFetch[2] = errors.New("timeout")

	res, err := r.Pass(ctx, acct, mb, []string{"INBOX"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetch.Fetched)
	assert.Equal(t, 1, res.Fetch.Failed)

	pending, err := st.PendingFetches(ctx, acct, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint32(2), pending[0].UID)

	delete(mb.failFetch, 2)
	res, err = r.Pass(ctx, acct, mb, []string{"INBOX"})
	require.NoError(t, err)
	assert.Empty(t, res.Plan.Actions)
	assert.Equal(t, 1, res.Fetch.Fetched)
}

func TestPass_ConcurrentPassRejected(t *testing.T) {
	ctx := context.Background()
	r, _ := newReconciler(t)
	mb := newFakeMailbox()
	mb.put("INBOX", 5, 1, "m1")
	mb.enumerating = make(chan struct{}, 1)
	mb.release = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := r.Pass(ctx, acct, mb, []string{"INBOX"})
		errc <- err
	}()
	<-mb.enumerating

	_, err := r.Pass(ctx, acct, newFakeMailbox(), []string{"INBOX"})
	assert.ErrorIs(t, err, model.ErrPassInProgress)

	_, err = r.ReconcileFolder(ctx, acct, model.Listing{Folder: "INBOX", UIDValidity: 5})
	assert.ErrorIs(t, err, model.ErrPassInProgress)

	// Other accounts are not blocked.
	_, err = r.Pass(ctx, "other", newFakeMailbox(), []string{"INBOX"})
	assert.NoError(t, err)

	close(mb.release)
	require.NoError(t, <-errc)
}

func TestPass_CancelledContextAppliesNothing(t *testing.T) {
	r, st := newReconciler(t)
	mb := newFakeMailbox()
	mb.put("INBOX", 5, 1, "m1")
	mb.enumerating = make(chan struct{}, 1)
	mb.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Pass(ctx, acct, mb, []string{"INBOX"})
		errc <- err
	}()
	<-mb.enumerating
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Empty(t, liveRecords(t, st))
}

func TestReconcileFolder_ReturnsAppliedActions(t *testing.T) {
	ctx := context.Background()
	r, st := newReconciler(t)

	actions, err := r.ReconcileFolder(ctx, acct, model.Listing{
		Folder: "INBOX", UIDValidity: 5, Complete: true,
		Items: []model.RemoteItem{item(1, "m1"), item(2, "m2")},
	})
	require.NoError(t, err)
	assert.Len(t, actions, 2)

	actions, err = r.ReconcileFolder(ctx, acct, model.Listing{
		Folder: "INBOX", UIDValidity: 5, Complete: true,
		Items: []model.RemoteItem{item(2, "m2", `\Flagged`)},
	})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, model.ActionFlagsChanged, actions[0].Kind)
	assert.Equal(t, model.ActionDelete, actions[1].Kind)

	live := liveRecords(t, st)
	require.Len(t, live, 1)
	assert.Equal(t, []string{`\Flagged`}, live[model.Key{Folder: "INBOX", UID: 2, UIDValidity: 5}].Flags)
}

func TestFetchedItem_EnvelopeWinsOverHeaders(t *testing.T) {
	rec := model.ServerStateRecord{
		ID:        7,
		MessageID: "env-id",
	}
	got := fetchedItem(rec, rawMessage("body-id", "hello"))
	assert.Equal(t, "env-id", got.MessageID)
	assert.Equal(t, "env-id", got.StableID)
	assert.NotEmpty(t, got.ContentHash)

	got = fetchedItem(model.ServerStateRecord{ID: 8}, []byte("no headers at all"))
	assert.Empty(t, got.MessageID)
	assert.Equal(t, "hash:"+got.ContentHash, got.StableID)
}

func TestFetchPending_HonorsAccountBatch(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	r := New(st, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithAccountFetchBatch(acct, 2))
	mb := newFakeMailbox()
	for uid := uint32(1); uid <= 5; uid++ {
		mb.put("INBOX", 1, uid, fmt.Sprintf("m%d", uid))
	}

	res, err := r.Pass(ctx, acct, mb, []string{"INBOX"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetch.Fetched)

	more, err := r.FetchPending(ctx, acct, mb)
	require.NoError(t, err)
	assert.Equal(t, 2, more.Fetched)
}
