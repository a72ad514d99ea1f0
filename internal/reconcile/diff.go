// Package reconcile detects what changed on a remote mailbox since the
// last pass and applies the changes to local state atomically.
//
// Diff is pure: it compares folder listings with a stored snapshot and
// produces a Plan. The Reconciler enumerates, diffs, commits the plan in
// one transaction and then drains the fetch backlog.
package reconcile

import (
	"sort"

	"github.com/nhle/mailsync/internal/identity"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// Diff compares listings against snap and returns the ordered actions
// that bring the snapshot in line with the server.
//
// Listings are processed in the given order. A listing with Complete
// unset never produces DELETE, and its unobserved records are never taken
// as move sources. Records whose key was observed but that are already
// deleted produce no action; deletion is monotonic.
func Diff(snap *store.Snapshot, listings []model.Listing) *model.Plan {
	plan := &model.Plan{
		Account:     snap.Account,
		Generations: make(map[string]uint32, len(listings)),
	}

	byKey := make(map[model.Key]*model.ServerStateRecord, len(snap.Records))
	byStable := make(map[string][]*model.ServerStateRecord)
	for i := range snap.Records {
		r := &snap.Records[i]
		byKey[r.Key] = r
		if r.IsDeleted {
			continue
		}
		if id := r.StableID(); id != "" {
			byStable[id] = append(byStable[id], r)
		}
	}

	// Observation is computed over every listing before any identity
	// matching so a record seen in a later folder is never taken as a
	// move source.
	observed := make(map[int64]bool)
	type pending struct {
		item model.RemoteItem
		key  model.Key
		rec  *model.ServerStateRecord
	}
	perFolder := make([][]pending, len(listings))
	complete := make(map[string]bool, len(listings))
	for i, l := range listings {
		plan.Generations[l.Folder] = l.UIDValidity
		if l.Complete {
			plan.CompleteFolders = append(plan.CompleteFolders, l.Folder)
			complete[l.Folder] = true
		}

		seen := make(map[uint32]bool, len(l.Items))
		items := make([]model.RemoteItem, 0, len(l.Items))
		for _, it := range l.Items {
			if seen[it.UID] {
				continue
			}
			seen[it.UID] = true
			items = append(items, it)
		}
		sort.Slice(items, func(a, b int) bool { return items[a].UID < items[b].UID })

		for _, it := range items {
			key := model.Key{Folder: l.Folder, UID: it.UID, UIDValidity: l.UIDValidity}
			rec := byKey[key]
			if rec != nil && !rec.IsDeleted {
				observed[rec.ID] = true
			}
			perFolder[i] = append(perFolder[i], pending{item: it, key: key, rec: rec})
		}
	}

	consumed := make(map[int64]bool)
	claimedThisPass := make(map[string]bool)

	for i, l := range listings {
		for _, p := range perFolder[i] {
			item := p.item
			switch {
			case p.rec != nil && p.rec.IsDeleted:
				// A tombstoned key never comes back.
			case p.rec != nil:
				if model.FlagsEqual(p.rec.Flags, item.Flags) {
					plan.Touched = append(plan.Touched, p.rec.ID)
					continue
				}
				plan.Actions = append(plan.Actions, model.Action{
					Kind:     model.ActionFlagsChanged,
					Key:      p.key,
					RecordID: p.rec.ID,
					Remote:   remoteCopy(item),
				})
			default:
				plan.Actions = append(plan.Actions,
					matchNew(p.key, item, byStable, complete, observed, consumed, claimedThisPass))
			}
		}

		if !l.Complete {
			continue
		}
		var gone []*model.ServerStateRecord
		for j := range snap.Records {
			r := &snap.Records[j]
			if r.Folder != l.Folder || r.IsDeleted || observed[r.ID] || consumed[r.ID] {
				continue
			}
			gone = append(gone, r)
		}
		sort.Slice(gone, func(a, b int) bool {
			if gone[a].UIDValidity != gone[b].UIDValidity {
				return gone[a].UIDValidity < gone[b].UIDValidity
			}
			return gone[a].UID < gone[b].UID
		})
		for _, r := range gone {
			plan.Actions = append(plan.Actions, model.Action{
				Kind:        model.ActionDelete,
				Key:         r.Key,
				RecordID:    r.ID,
				MessageID:   r.MessageID,
				ContentHash: r.ContentHash,
				StableID:    r.StableID(),
			})
		}
	}

	return plan
}

// matchNew decides between MOVE and FETCH for a remote item whose key is
// not stored yet. A live record with the same identity that is observed,
// or that sits in a folder not completely listed this pass, makes the
// FETCH a conflict.
func matchNew(
	key model.Key,
	item model.RemoteItem,
	byStable map[string][]*model.ServerStateRecord,
	complete map[string]bool,
	observed, consumed map[int64]bool,
	claimedThisPass map[string]bool,
) model.Action {
	env := item.Envelope
	res := identity.Resolve(env.MessageID, env.Date, env.From, env.Subject)
	act := model.Action{
		Kind:        model.ActionFetch,
		Key:         key,
		Remote:      remoteCopy(item),
		MessageID:   res.MessageID,
		ContentHash: res.ContentHash,
		StableID:    res.StableID,
	}
	if res.StableID == "" {
		// Provisional: identity is learned from the fetched body.
		return act
	}

	if src := moveSource(key.Folder, byStable[res.StableID], complete, observed, consumed); src != nil {
		consumed[src.ID] = true
		claimedThisPass[res.StableID] = true
		from := src.Key
		act.Kind = model.ActionMove
		act.From = &from
		act.RecordID = src.ID
		return act
	}

	for _, r := range byStable[res.StableID] {
		if observed[r.ID] || (!consumed[r.ID] && !complete[r.Folder]) {
			act.Conflict = true
			act.ConflictWith = r.ID
			break
		}
	}
	if claimedThisPass[res.StableID] {
		act.Conflict = true
	}
	claimedThisPass[res.StableID] = true
	return act
}

// moveSource picks the live record an item most plausibly moved from:
// unobserved and unconsumed in a completely listed folder, same folder
// first (uidvalidity bump), then the most recently seen.
func moveSource(
	folder string,
	candidates []*model.ServerStateRecord,
	complete map[string]bool,
	observed, consumed map[int64]bool,
) *model.ServerStateRecord {
	var best *model.ServerStateRecord
	for _, r := range candidates {
		if !complete[r.Folder] || observed[r.ID] || consumed[r.ID] {
			continue
		}
		if best == nil || better(folder, r, best) {
			best = r
		}
	}
	return best
}

func better(folder string, a, b *model.ServerStateRecord) bool {
	aSame, bSame := a.Folder == folder, b.Folder == folder
	if aSame != bSame {
		return aSame
	}
	if !a.LastSeenAt.Equal(b.LastSeenAt) {
		return a.LastSeenAt.After(b.LastSeenAt)
	}
	return a.ID > b.ID
}

func remoteCopy(item model.RemoteItem) *model.RemoteItem {
	item.Flags = model.NormalizeFlags(item.Flags)
	return &item
}
