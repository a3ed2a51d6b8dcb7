package message

import (
	"slices"
	"strings"

	"github.com/andrefmz/chatsync/internal/content"
	"github.com/andrefmz/chatsync/internal/status"
)

// Message is the atomic unit of a conversation. A record with Content nil
// is an update: a status-only patch for an existing guid. A record with
// Content set is a full message.
type Message struct {
	GUID      string
	ChannelID string
	// HostingChannelIDs lists additional conversations the message is
	// visible in, for cross-posted messages.
	HostingChannelIDs []string
	Timestamp         int64
	// RelativeOrder is a tiebreaker assigned by server arrival sequence.
	// It is meaningful only as a local tiebreaker, never as an absolute
	// value across devices or sessions.
	RelativeOrder int64
	Status        status.Status
	Type          content.Type
	Content       content.Content
	ContentMeta   *content.Meta
	ReplyToID     string
	// ReplyTo caches at most one lazily hydrated reply message.
	ReplyTo    *Message
	ClientID   string
	SenderName string
	TTL        int64
	UpdatedAt  int64
}

// IsUpdate reports whether the record is a status-only patch.
func (m *Message) IsUpdate() bool {
	return m.Content == nil
}

// Compare defines the total display order: timestamp descending, then
// relativeOrder descending, then guid lexicographically descending.
// Negative means a displays before b. The store, the sync merge and any
// list sorting must all use this comparator.
func Compare(a, b *Message) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return -1
		}
		return 1
	}
	if a.RelativeOrder != b.RelativeOrder {
		if a.RelativeOrder > b.RelativeOrder {
			return -1
		}
		return 1
	}
	return strings.Compare(b.GUID, a.GUID)
}

// Equal reports dedup equality: guid, status and updatedAt all match.
// This is intentionally looser than deep equality; ordering uses Compare.
func Equal(a, b *Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.GUID == b.GUID && a.Status == b.Status && a.UpdatedAt == b.UpdatedAt
}

// Sort orders messages for display, newest first, using Compare. The sort
// is stable so equal elements keep their input order.
func Sort(msgs []*Message) {
	slices.SortStableFunc(msgs, Compare)
}
