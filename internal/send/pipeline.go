package send

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andrefmz/chatsync/internal/bus"
	"github.com/andrefmz/chatsync/internal/content"
	"github.com/andrefmz/chatsync/internal/filecache"
	"github.com/andrefmz/chatsync/internal/message"
	"github.com/andrefmz/chatsync/internal/metrics"
	"github.com/andrefmz/chatsync/internal/status"
	"github.com/andrefmz/chatsync/internal/store"
	"github.com/andrefmz/chatsync/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pipeline orchestrates outbound sends: it stages content, persists the
// optimistic message, runs the sender, and reconciles the confirmed
// message back into the store under the same guid.
type Pipeline struct {
	db     *store.DB
	api    *transport.Client
	files  *transport.Client
	cache  *filecache.Cache
	codec  *message.Codec
	bus    *bus.Bus
	logger *zap.Logger
}

// NewPipeline creates a pipeline. api talks to the conversation service,
// files to the file service.
func NewPipeline(db *store.DB, api, files *transport.Client, cache *filecache.Cache, codec *message.Codec, b *bus.Bus, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		db:     db,
		api:    api,
		files:  files,
		cache:  cache,
		codec:  codec,
		bus:    b,
		logger: logger,
	}
}

// Text creates a text sender. An empty guid synthesizes a fresh one.
func (p *Pipeline) Text(guid, channelID, text string) Sender {
	return &textSender{pipeline: p, guid: orNewGUID(guid), channelID: channelID, text: text}
}

// Location creates a location sender.
func (p *Pipeline) Location(guid, channelID string, lat, lon float64) Sender {
	return &locationSender{pipeline: p, guid: orNewGUID(guid), channelID: channelID, lat: lat, lon: lon}
}

// Image creates an image sender for raw image bytes.
func (p *Pipeline) Image(guid, channelID string, payload []byte, filename string, meta *content.Meta) Sender {
	return p.file(content.TypeImage, guid, channelID, payload, filename, meta)
}

// Video creates a video sender.
func (p *Pipeline) Video(guid, channelID string, payload []byte, filename string, meta *content.Meta) Sender {
	return p.file(content.TypeVideo, guid, channelID, payload, filename, meta)
}

// Voice creates a voice note sender.
func (p *Pipeline) Voice(guid, channelID string, payload []byte, filename string, meta *content.Meta) Sender {
	return p.file(content.TypeVoice, guid, channelID, payload, filename, meta)
}

// Contact creates a contact (vCard) sender.
func (p *Pipeline) Contact(guid, channelID string, payload []byte, filename string, meta *content.Meta) Sender {
	return p.file(content.TypeContact, guid, channelID, payload, filename, meta)
}

// Document creates a document sender.
func (p *Pipeline) Document(guid, channelID string, payload []byte, filename string, meta *content.Meta) Sender {
	return p.file(content.TypeDocument, guid, channelID, payload, filename, meta)
}

func (p *Pipeline) file(kind content.Type, guid, channelID string, payload []byte, filename string, meta *content.Meta) Sender {
	return &fileSender{
		pipeline:  p,
		guid:      orNewGUID(guid),
		channelID: channelID,
		kind:      kind,
		payload:   payload,
		filename:  filename,
		meta:      meta,
		build:     builderFor(kind, meta),
	}
}

func builderFor(kind content.Type, meta *content.Meta) func(content.FileInfo) content.Content {
	name := ""
	if meta != nil {
		name = meta.Name
	}
	switch kind {
	case content.TypeVideo:
		return func(f content.FileInfo) content.Content { return &content.Video{File: f} }
	case content.TypeVoice:
		return func(f content.FileInfo) content.Content { return &content.Voice{File: f} }
	case content.TypeContact:
		return func(f content.FileInfo) content.Content { return &content.Contact{File: f, Name: name} }
	case content.TypeDocument:
		return func(f content.FileInfo) content.Content { return &content.Document{File: f, Name: name} }
	default:
		return func(f content.FileInfo) content.Content { return &content.Image{File: f} }
	}
}

func orNewGUID(guid string) string {
	if guid != "" {
		return guid
	}
	return uuid.New().String()
}

// Progress is the payload of a message.progress bus event.
type Progress struct {
	GUID     string
	Fraction float64
}

// Send runs a sender end to end. The optimistic message is persisted and
// announced before any network call; on failure the local state stays in
// Sending for the caller to retry or mark Failed, never discarded.
func (p *Pipeline) Send(ctx context.Context, s Sender) (*message.Message, error) {
	c, meta, err := s.Stage()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	optimistic := &message.Message{
		GUID:        s.MessageGUID(),
		ChannelID:   s.ChannelID(),
		Timestamp:   now,
		Status:      status.Sending,
		Type:        s.ContentType(),
		Content:     c,
		ContentMeta: meta,
		UpdatedAt:   now,
	}
	if err := p.db.UpsertMessage(optimistic); err != nil {
		return nil, err
	}
	p.publish(bus.KindMessageUpserted, optimistic)
	p.publish(bus.KindMessageProgress, Progress{GUID: s.MessageGUID(), Fraction: 0})

	confirmed, err := s.Send(ctx, func(f float64) {
		p.publish(bus.KindMessageProgress, Progress{GUID: s.MessageGUID(), Fraction: f})
	})
	if err != nil {
		metrics.RecordSend("failed")
		p.logger.Warn("send failed", zap.String("guid", s.MessageGUID()), zap.Error(err))
		p.publish(bus.KindMessageSendFail, s.MessageGUID())
		return nil, err
	}

	if err := p.db.UpsertMessage(confirmed); err != nil {
		return nil, err
	}
	metrics.RecordSend("sent")
	p.publish(bus.KindMessageUpserted, confirmed)
	p.publish(bus.KindMessageSendAck, confirmed.GUID)
	return confirmed, nil
}

// MarkFailed transitions a message to Failed after the caller gives up on
// a send. The failed message stays visible, it never silently vanishes.
func (p *Pipeline) MarkFailed(guid string) error {
	if err := p.db.UpdateStatuses([]string{guid}, status.Failed, time.Now().Unix()); err != nil {
		return err
	}
	p.publish(bus.KindMessageUpserted, guid)
	return nil
}

// SendDraft promotes a draft: the text (if any) is sent under the
// draft's own guid, each attachment under its own, and the draft row is
// deleted once everything is handed to the server. An attachment whose
// staged payload no longer exists locally is dropped, not fatal.
func (p *Pipeline) SendDraft(ctx context.Context, d *message.Draft) ([]*message.Message, error) {
	var senders []Sender
	if d.Text != "" {
		senders = append(senders, p.Text(d.MessageGUID, d.ChannelID, d.Text))
	}
	for _, att := range d.Attachments {
		s, ok := p.ResolveAttachment(att, d.ChannelID)
		if !ok {
			p.logger.Warn("dropping unresolvable draft attachment",
				zap.String("draft", d.MessageGUID), zap.String("type", string(att.Type)))
			continue
		}
		senders = append(senders, s)
	}
	if len(senders) == 0 {
		return nil, fmt.Errorf("%w: draft %s has nothing to send", ErrInvalidContent, d.MessageGUID)
	}

	var sent []*message.Message
	for _, s := range senders {
		m, err := p.Send(ctx, s)
		if err != nil {
			return sent, err
		}
		sent = append(sent, m)
	}

	if err := p.db.DeleteDraft(d.MessageGUID); err != nil {
		p.logger.Warn("deleting promoted draft failed", zap.String("draft", d.MessageGUID), zap.Error(err))
	}
	return sent, nil
}

// ResolveAttachment rebuilds a sender from a draft attachment. Content
// kinds with a binary payload require their staged bytes to still exist
// in the local cache; a cache miss drops the attachment.
func (p *Pipeline) ResolveAttachment(att message.DraftAttachment, channelID string) (Sender, bool) {
	var props attachmentProps
	if err := json.Unmarshal(att.Properties, &props); err != nil {
		p.logger.Warn("undecodable draft attachment properties", zap.Error(err))
		return nil, false
	}
	switch att.Type {
	case content.TypeText:
		if props.Text == "" {
			return nil, false
		}
		return p.Text(props.MessageGUID, channelID, props.Text), true
	case content.TypeLocation:
		return p.Location(props.MessageGUID, channelID, props.Latitude, props.Longitude), true
	case content.TypeImage, content.TypeVideo, content.TypeVoice, content.TypeContact, content.TypeDocument:
		if props.MessageGUID == "" || !p.cache.Has(props.MessageGUID) {
			return nil, false
		}
		meta := &content.Meta{Name: props.Name}
		return p.file(att.Type, props.MessageGUID, channelID, nil, props.FileName, meta), true
	default:
		return nil, false
	}
}

// Resume retries every message stuck in a not-sent status after a
// relaunch. Each one ends in exactly Sent or Failed; none silently
// disappears.
func (p *Pipeline) Resume(ctx context.Context) error {
	stuck, err := p.db.MessagesWithStatuses(status.NotSent)
	if err != nil {
		return err
	}
	for _, m := range stuck {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s, ok := p.senderForMessage(m)
		if !ok {
			p.logger.Warn("cannot rebuild sender for stuck message, marking failed",
				zap.String("guid", m.GUID), zap.String("type", string(m.Type)))
			_ = p.MarkFailed(m.GUID)
			continue
		}
		if _, err := p.Send(ctx, s); err != nil {
			_ = p.MarkFailed(m.GUID)
		}
	}
	return nil
}

// senderForMessage reconstructs a sender from a persisted optimistic
// message.
func (p *Pipeline) senderForMessage(m *message.Message) (Sender, bool) {
	switch c := m.Content.(type) {
	case *content.Text:
		return p.Text(m.GUID, m.ChannelID, c.Text), true
	case *content.Location:
		return p.Location(m.GUID, m.ChannelID, c.Latitude, c.Longitude), true
	case *content.Image, *content.Video, *content.Voice, *content.Contact, *content.Document:
		if !p.cache.Has(m.GUID) {
			return nil, false
		}
		filename := m.GUID
		if m.ContentMeta != nil && m.ContentMeta.Name != "" {
			filename = m.ContentMeta.Name
		}
		return p.file(m.Type, m.GUID, m.ChannelID, nil, filename, m.ContentMeta), true
	default:
		return nil, false
	}
}

func (p *Pipeline) publish(kind string, payload any) {
	if p.bus != nil {
		p.bus.Publish(bus.NewEvent(kind, payload))
	}
}
