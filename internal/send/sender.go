package send

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/andrefmz/chatsync/internal/content"
	"github.com/andrefmz/chatsync/internal/message"
	"github.com/andrefmz/chatsync/internal/status"
	"github.com/andrefmz/chatsync/internal/transport"
)

// minUploadProgress is the floor reported once an upload has started, so
// the UI never regresses from "started" back to "not started".
const minUploadProgress = 0.1

// Sender turns locally staged content into an uploaded, registered
// message. A sender owns its message guid from the start, so the UI can
// show an optimistic message immediately and reconcile it when the
// server confirms.
type Sender interface {
	MessageGUID() string
	ChannelID() string
	ContentType() content.Type
	// Stage caches the raw payload locally and returns the optimistic
	// content and meta to show before any network call.
	Stage() (content.Content, *content.Meta, error)
	// Send uploads the payload (if any) and registers the message.
	Send(ctx context.Context, progress transport.ProgressFunc) (*message.Message, error)
	// Attachment describes the sender as a draft attachment.
	Attachment() (message.DraftAttachment, error)
}

// attachmentProps is the opaque properties struct shared by the built-in
// content kinds.
type attachmentProps struct {
	MessageGUID string  `json:"messageGuid"`
	FileName    string  `json:"fileName,omitempty"`
	Name        string  `json:"name,omitempty"`
	Text        string  `json:"text,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
}

// uploadResult is the file service's response to a multipart upload.
type uploadResult struct {
	UUID string `json:"uuid"`
	Path string `json:"path"`
}

// register posts the message to the conversation service and decodes the
// confirmed message from the response.
func (p *Pipeline) register(ctx context.Context, m *message.Message) (*message.Message, error) {
	raw, err := p.codec.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}

	params := url.Values{"t": {strconv.FormatInt(time.Now().Unix(), 10)}}
	var respRaw json.RawMessage
	if err := p.api.Create(ctx, "/messages", params, json.RawMessage(raw), &respRaw); err != nil {
		return nil, err
	}

	confirmed, err := p.codec.Decode(respRaw)
	if err != nil || confirmed.GUID == "" {
		// Backend accepted the message but returned nothing usable; keep
		// the local view and mark it durably accepted.
		accepted := *m
		accepted.Status = status.Sent
		accepted.UpdatedAt = time.Now().Unix()
		return &accepted, nil
	}
	return confirmed, nil
}

// upload pushes a payload through the file service's serialized multipart
// queue, clamping progress to minUploadProgress once started.
func (p *Pipeline) upload(ctx context.Context, filename string, payload []byte, progress transport.ProgressFunc) (*uploadResult, error) {
	clamped := func(f float64) {
		if progress == nil {
			return
		}
		if f < minUploadProgress {
			f = minUploadProgress
		}
		progress(f)
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	task := p.files.Upload(ctx, "/files", filename, payload, clamped,
		func(body []byte, err error) { done <- result{body: body, err: err} },
		transport.WithTimeout(transport.ExtendedTimeout))

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		var out uploadResult
		if err := json.Unmarshal(res.body, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUploadResult, err)
		}
		if out.UUID == "" && out.Path == "" {
			return nil, fmt.Errorf("%w: empty file reference", ErrInvalidUploadResult)
		}
		return &out, nil
	case <-ctx.Done():
		task.Cancel()
		return nil, ctx.Err()
	}
}

// textSender registers plain text without an upload step.
type textSender struct {
	pipeline  *Pipeline
	guid      string
	channelID string
	text      string
}

func (s *textSender) MessageGUID() string       { return s.guid }
func (s *textSender) ChannelID() string         { return s.channelID }
func (s *textSender) ContentType() content.Type { return content.TypeText }

func (s *textSender) Stage() (content.Content, *content.Meta, error) {
	if s.text == "" {
		return nil, nil, fmt.Errorf("%w: empty text", ErrInvalidContent)
	}
	return &content.Text{Text: s.text}, nil, nil
}

func (s *textSender) Send(ctx context.Context, progress transport.ProgressFunc) (*message.Message, error) {
	now := time.Now().Unix()
	confirmed, err := s.pipeline.register(ctx, &message.Message{
		GUID:      s.guid,
		ChannelID: s.channelID,
		Timestamp: now,
		Status:    status.Sending,
		Content:   &content.Text{Text: s.text},
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(1)
	}
	return confirmed, nil
}

func (s *textSender) Attachment() (message.DraftAttachment, error) {
	return encodeAttachment(content.TypeText, attachmentProps{MessageGUID: s.guid, Text: s.text})
}

// locationSender registers a geographic point without an upload step.
type locationSender struct {
	pipeline  *Pipeline
	guid      string
	channelID string
	lat, lon  float64
}

func (s *locationSender) MessageGUID() string       { return s.guid }
func (s *locationSender) ChannelID() string         { return s.channelID }
func (s *locationSender) ContentType() content.Type { return content.TypeLocation }

func (s *locationSender) Stage() (content.Content, *content.Meta, error) {
	c := &content.Location{Latitude: s.lat, Longitude: s.lon}
	return c, &content.Meta{Latitude: s.lat, Longitude: s.lon}, nil
}

func (s *locationSender) Send(ctx context.Context, progress transport.ProgressFunc) (*message.Message, error) {
	c, meta, _ := s.Stage()
	now := time.Now().Unix()
	confirmed, err := s.pipeline.register(ctx, &message.Message{
		GUID:        s.guid,
		ChannelID:   s.channelID,
		Timestamp:   now,
		Status:      status.Sending,
		Content:     c,
		ContentMeta: meta,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(1)
	}
	return confirmed, nil
}

func (s *locationSender) Attachment() (message.DraftAttachment, error) {
	return encodeAttachment(content.TypeLocation, attachmentProps{
		MessageGUID: s.guid, Latitude: s.lat, Longitude: s.lon,
	})
}

// fileSender implements the upload-then-register flow shared by image,
// video, voice, contact and document content.
type fileSender struct {
	pipeline  *Pipeline
	guid      string
	channelID string
	kind      content.Type
	payload   []byte
	filename  string
	meta      *content.Meta
	build     func(f content.FileInfo) content.Content
}

func (s *fileSender) MessageGUID() string       { return s.guid }
func (s *fileSender) ChannelID() string         { return s.channelID }
func (s *fileSender) ContentType() content.Type { return s.kind }

// Stage caches the raw payload immediately, so an app kill mid-send
// resumes from cached bytes instead of re-prompting the user.
func (s *fileSender) Stage() (content.Content, *content.Meta, error) {
	if len(s.payload) == 0 {
		// Resume path: the payload must still be staged from the
		// original attempt.
		data, err := s.pipeline.cache.Get(s.guid)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		s.payload = data
	}
	localPath, err := s.pipeline.cache.Put(s.guid, s.payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return s.build(content.FileInfo{UUID: s.guid, LocalPath: localPath}), s.meta, nil
}

func (s *fileSender) Send(ctx context.Context, progress transport.ProgressFunc) (*message.Message, error) {
	res, err := s.pipeline.upload(ctx, s.filename, s.payload, progress)
	if err != nil {
		return nil, err
	}

	fileUUID := res.UUID
	if fileUUID == "" {
		fileUUID = s.guid
	}
	remote := s.build(content.FileInfo{UUID: fileUUID, RemotePath: res.Path})

	now := time.Now().Unix()
	confirmed, err := s.pipeline.register(ctx, &message.Message{
		GUID:        s.guid,
		ChannelID:   s.channelID,
		Timestamp:   now,
		Status:      status.Sending,
		Content:     remote,
		ContentMeta: s.meta,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(1)
	}
	return confirmed, nil
}

func (s *fileSender) Attachment() (message.DraftAttachment, error) {
	name := ""
	if s.meta != nil {
		name = s.meta.Name
	}
	return encodeAttachment(s.kind, attachmentProps{
		MessageGUID: s.guid, FileName: s.filename, Name: name,
	})
}

func encodeAttachment(t content.Type, props attachmentProps) (message.DraftAttachment, error) {
	raw, err := json.Marshal(props)
	if err != nil {
		return message.DraftAttachment{}, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return message.DraftAttachment{Type: t, Properties: raw}, nil
}
