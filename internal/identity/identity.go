// Package identity canonicalizes the identity of a mailbox item so that it
// survives folder moves and uid reassignment.
//
// Items carrying a Message-ID keep that as their identity. Items without one
// fall back to a hash of date, sender and subject. The fallback is best
// effort: distinct automated messages that share all three fields alias to
// the same identity.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// HashPrefix marks a stable identifier derived from a content hash.
const HashPrefix = "hash:"

// DateLayout is the rendering of an envelope date fed into ContentHash.
const DateLayout = "2006-01-02T15:04:05"

// ContentHash returns the first 32 hex characters of
// SHA-256(date + "|" + from + "|" + subject).
func ContentHash(date, from, subject string) string {
	sum := sha256.Sum256([]byte(date + "|" + from + "|" + subject))
	return hex.EncodeToString(sum[:])[:32]
}

// StableIdentifier returns messageID when present, otherwise the content
// hash prefixed with HashPrefix.
func StableIdentifier(messageID, contentHash string) string {
	if messageID != "" {
		return messageID
	}
	return HashPrefix + contentHash
}

// FormatDate renders t for hashing. The zero time renders as "".
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(DateLayout)
}

// NormalizeMessageID strips surrounding whitespace and angle brackets.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// Resolved is the outcome of resolving an item's identity.
type Resolved struct {
	MessageID   string
	ContentHash string
	StableID    string
}

// Resolve computes the identity of an item from its header fields.
//
// The hash is only computed when at least one of date, from or subject is
// known; an item with none of them and no Message-ID is left unresolved
// (StableID == "") so that it is not aliased with every other header-less
// item. Such items get their identity once the fetched body is parsed.
func Resolve(messageID string, date time.Time, from, subject string) Resolved {
	r := Resolved{MessageID: NormalizeMessageID(messageID)}
	if !date.IsZero() || from != "" || subject != "" {
		r.ContentHash = ContentHash(FormatDate(date), from, subject)
	}
	switch {
	case r.MessageID != "":
		r.StableID = r.MessageID
	case r.ContentHash != "":
		r.StableID = StableIdentifier("", r.ContentHash)
	}
	return r
}

// IsHashIdentity reports whether id was derived from a content hash.
func IsHashIdentity(id string) bool {
	return strings.HasPrefix(id, HashPrefix)
}
