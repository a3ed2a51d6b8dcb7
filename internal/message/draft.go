package message

import (
	"encoding/json"

	"github.com/andrefmz/chatsync/internal/content"
	"github.com/andrefmz/chatsync/internal/status"
)

// Draft is a locally composed, not-yet-sent message. It shares its
// MessageGUID with the Message it will become on a successful send, so
// the store can atomically swap one for the other.
type Draft struct {
	MessageGUID   string
	ChannelID     string
	Text          string
	Attachments   []DraftAttachment
	MessageStatus status.Status
	UpdatedAt     int64
}

// DraftAttachment is a typed attachment descriptor: a content-kind tag
// plus opaque kind-specific properties. New content kinds add themselves
// to drafts without changing the draft schema.
type DraftAttachment struct {
	Type       content.Type    `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// NewDraft creates an empty draft for a channel keyed by guid.
func NewDraft(guid, channelID string) *Draft {
	return &Draft{
		MessageGUID:   guid,
		ChannelID:     channelID,
		MessageStatus: status.Draft,
	}
}

// EncodeAttachments serializes the attachment list for storage.
func EncodeAttachments(atts []DraftAttachment) ([]byte, error) {
	if atts == nil {
		atts = []DraftAttachment{}
	}
	return json.Marshal(atts)
}

// DecodeAttachments parses a stored attachment list.
func DecodeAttachments(data []byte) ([]DraftAttachment, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var atts []DraftAttachment
	if err := json.Unmarshal(data, &atts); err != nil {
		return nil, err
	}
	return atts, nil
}
