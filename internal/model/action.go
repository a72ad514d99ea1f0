package model

// ActionKind is the kind of change a reconciliation pass detected.
type ActionKind string

const (
	ActionFetch        ActionKind = "FETCH"
	ActionMove         ActionKind = "MOVE"
	ActionFlagsChanged ActionKind = "FLAGS_CHANGED"
	ActionDelete       ActionKind = "DELETE"
)

// Action is one entry of a reconciliation plan.
type Action struct {
	Kind ActionKind

	// Key is the remote location the action applies to. For MOVE it is
	// the destination; for DELETE it is the vanished record's key.
	Key Key

	// From is the source location of a MOVE.
	From *Key

	// RecordID is the stored record the action mutates (the MOVE source,
	// the FLAGS_CHANGED target or the DELETE target). Zero for FETCH.
	RecordID int64

	// Remote is the observed item for FETCH, MOVE and FLAGS_CHANGED.
	Remote *RemoteItem

	// MessageID, ContentHash and StableID carry the resolved identity of
	// the remote item.
	MessageID   string
	ContentHash string
	StableID    string

	// Conflict marks a FETCH whose identity collides with another live
	// item; ConflictWith is the colliding record when it is stored.
	Conflict     bool
	ConflictWith int64
}

// Plan is the ordered outcome of diffing remote listings against the
// stored snapshot.
type Plan struct {
	Account string

	// Actions are ordered by folder (listing order), then MOVE, FETCH,
	// FLAGS_CHANGED by uid, then DELETE by uid.
	Actions []Action

	// Touched lists live stored records observed unchanged or with flag
	// changes; their last_seen_at is advanced when the plan is applied.
	Touched []int64

	// Generations records the uidvalidity observed for each listed folder.
	Generations map[string]uint32

	// CompleteFolders lists folders whose listing covered the whole folder.
	CompleteFolders []string
}

// Count returns the number of actions of kind k.
func (p *Plan) Count(k ActionKind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind == k {
			n++
		}
	}
	return n
}

// Conflicts returns the number of conflicting FETCH actions.
func (p *Plan) Conflicts() int {
	n := 0
	for _, a := range p.Actions {
		if a.Conflict {
			n++
		}
	}
	return n
}
