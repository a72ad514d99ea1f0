package model

import (
	"sort"
	"strings"
	"time"

	"github.com/nhle/mailsync/internal/identity"
)

// Key identifies one remote item within a single folder generation.
// A uid is only meaningful together with the folder and uidvalidity it
// was observed under.
type Key struct {
	Folder      string `json:"folder"`
	UID         uint32 `json:"uid"`
	UIDValidity uint32 `json:"uidvalidity"`
}

// Envelope holds the header metadata a mailbox reports for an item
// without fetching its body.
type Envelope struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Date      time.Time `json:"date"`
}

// Empty reports whether no identity-bearing field is present.
func (e Envelope) Empty() bool {
	return e.MessageID == "" && e.From == "" && e.Subject == "" && e.Date.IsZero()
}

// RemoteItem is a single entry of a folder enumeration.
type RemoteItem struct {
	UID      uint32   `json:"uid"`
	Flags    []string `json:"flags"`
	Envelope Envelope `json:"envelope"`
}

// Listing is the result of enumerating one folder.
type Listing struct {
	// Folder is the remote folder name.
	Folder string

	// UIDValidity is the folder generation the uids belong to.
	UIDValidity uint32

	// Items are the observed remote items.
	Items []RemoteItem

	// Complete is true only when the enumeration covered the whole
	// folder. Windowed enumerations never produce deletions.
	Complete bool
}

// ServerStateRecord is the last observed remote state of one
// (account, folder, uid, uidvalidity).
type ServerStateRecord struct {
	// ID is the local row identifier.
	ID int64

	// Account identifies the mailbox this record belongs to.
	Account string

	// Key locates the item on the server.
	Key

	// MessageID is the Message-ID header, empty when absent.
	MessageID string

	// ContentHash is identity.ContentHash over the envelope, empty
	// until it can be computed.
	ContentHash string

	// From, Subject and Date are the envelope metadata (plaintext in
	// memory, encrypted at rest).
	From    string
	Subject string
	Date    time.Time

	// Flags is the sorted set of remote flags.
	Flags []string

	// RawItemID references the fetched body; zero means seen on the
	// server but not fetched yet.
	RawItemID int64

	// IsDeleted only ever moves from false to true.
	IsDeleted bool

	// MovedToID is set when the record was retired by a move.
	MovedToID int64

	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// StableID returns the canonical identity of the record, or "" when it
// cannot be resolved yet.
func (r *ServerStateRecord) StableID() string {
	if r.MessageID == "" && r.ContentHash == "" {
		return ""
	}
	return identity.StableIdentifier(r.MessageID, r.ContentHash)
}

// Fetched reports whether the record has a body attached.
func (r *ServerStateRecord) Fetched() bool {
	return r.RawItemID != 0
}

// RawItemRecord is one fetched item body and its pipeline progress.
type RawItemRecord struct {
	ID               int64
	Account          string
	StableIdentifier string
	ContentHash      string
	MessageID        string

	// Body is the raw RFC 5322 message (plaintext in memory).
	Body []byte

	CreatedAt time.Time
	RetiredAt *time.Time

	// Steps holds the four step states, indexed by Step.
	Steps map[Step]StepState

	// Warnings is the append-only warnings log.
	Warnings []Warning
}

// Status returns the coarse monitoring projection of the record.
func (r *RawItemRecord) Status(maxRetries int) ProcessingStatus {
	return ProjectStatus(r.Steps, maxRetries)
}

// NormalizeFlags returns a sorted, deduplicated copy of flags.
func NormalizeFlags(flags []string) []string {
	if len(flags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(flags))
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// FlagsEqual compares two flag sets regardless of order.
func FlagsEqual(a, b []string) bool {
	na, nb := NormalizeFlags(a), NormalizeFlags(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}
