package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andrefmz/chatsync/internal/content"
	"github.com/andrefmz/chatsync/internal/status"
	"go.uber.org/zap"
)

// wireMessage is the JSON envelope shared by the REST protocol and the
// persisted columns. A cached row decodes through the same path as a
// fresh response.
type wireMessage struct {
	GUID              string          `json:"guid"`
	ChannelID         string          `json:"channelId"`
	HostingChannelIDs []string        `json:"hostingChannelIds,omitempty"`
	Timestamp         int64           `json:"timestamp"`
	RelativeOrder     int64           `json:"relativeOrder"`
	Status            string          `json:"status"`
	Type              content.Type    `json:"type,omitempty"`
	Content           json.RawMessage `json:"content,omitempty"`
	ContentMeta       *content.Meta   `json:"contentMeta,omitempty"`
	ReplyToID         string          `json:"replyToId,omitempty"`
	ReplyTo           json.RawMessage `json:"replyTo,omitempty"`
	ClientID          string          `json:"clientId,omitempty"`
	SenderName        string          `json:"senderName,omitempty"`
	TTL               int64           `json:"ttl,omitempty"`
	UpdatedAt         int64           `json:"updatedAt"`
}

// Codec encodes and decodes messages against a content registry. The
// registry is passed in explicitly; there is no global decoder state.
type Codec struct {
	registry *content.Registry
	logger   *zap.Logger
}

// NewCodec creates a codec bound to a registry.
func NewCodec(registry *content.Registry, logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{registry: registry, logger: logger}
}

// Registry returns the content registry the codec decodes against.
func (c *Codec) Registry() *content.Registry {
	return c.registry
}

// Encode serializes a message to its wire envelope.
func (c *Codec) Encode(m *Message) ([]byte, error) {
	w := wireMessage{
		GUID:              m.GUID,
		ChannelID:         m.ChannelID,
		HostingChannelIDs: m.HostingChannelIDs,
		Timestamp:         m.Timestamp,
		RelativeOrder:     m.RelativeOrder,
		Status:            string(m.Status),
		Type:              m.Type,
		ContentMeta:       m.ContentMeta,
		ReplyToID:         m.ReplyToID,
		ClientID:          m.ClientID,
		SenderName:        m.SenderName,
		TTL:               m.TTL,
		UpdatedAt:         m.UpdatedAt,
	}
	if m.Content != nil {
		raw, err := c.registry.Encode(m.Content)
		if err != nil {
			return nil, err
		}
		w.Content = raw
		w.Type = m.Content.ContentType()
	}
	if m.ReplyTo != nil {
		raw, err := c.Encode(m.ReplyTo)
		if err != nil {
			return nil, err
		}
		w.ReplyTo = raw
	}
	return json.Marshal(w)
}

// Decode parses a message from its wire envelope. Content tags with no
// registered variant demote the record to an update (Content nil) with a
// warning, never a decode failure, so old clients tolerate content kinds
// shipped server-side later.
func (c *Codec) Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}
	m := &Message{
		GUID:              w.GUID,
		ChannelID:         w.ChannelID,
		HostingChannelIDs: w.HostingChannelIDs,
		Timestamp:         w.Timestamp,
		RelativeOrder:     w.RelativeOrder,
		Status:            status.Parse(w.Status),
		Type:              w.Type,
		ContentMeta:       w.ContentMeta,
		ReplyToID:         w.ReplyToID,
		ClientID:          w.ClientID,
		SenderName:        w.SenderName,
		TTL:               w.TTL,
		UpdatedAt:         w.UpdatedAt,
	}
	if w.Type != "" && len(w.Content) > 0 {
		m.Content = c.DecodeContent(w.GUID, w.Type, w.Content)
	}
	if len(w.ReplyTo) > 0 {
		reply, err := c.Decode(w.ReplyTo)
		if err != nil {
			c.logger.Warn("reply decode failed, dropping reply",
				zap.String("guid", w.GUID), zap.Error(err))
		} else {
			m.ReplyTo = reply
		}
	}
	return m, nil
}

// DecodeContent decodes a content payload, demoting unknown tags and
// malformed payloads to nil (an update record) with a warning. The store
// and the wire decoder share this path so a persisted column behaves
// exactly like a wire field.
func (c *Codec) DecodeContent(guid string, t content.Type, raw []byte) content.Content {
	cnt, err := c.registry.Decode(t, raw)
	switch {
	case err == nil:
		return cnt
	case errors.Is(err, content.ErrUnknownType):
		c.logger.Warn("unregistered content type, demoting to update",
			zap.String("guid", guid), zap.String("type", string(t)))
	default:
		c.logger.Warn("content decode failed, demoting to update",
			zap.String("guid", guid), zap.String("type", string(t)), zap.Error(err))
	}
	return nil
}

// DecodePage parses a JSON array of messages. A record that fails to
// decode is skipped with a warning; one malformed message never blocks a
// page fetch.
func (c *Codec) DecodePage(data []byte) ([]*Message, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decode message page: %w", err)
	}
	msgs := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		m, err := c.Decode(raw)
		if err != nil {
			c.logger.Warn("skipping malformed message in page", zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
