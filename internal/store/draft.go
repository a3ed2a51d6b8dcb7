package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/andrefmz/chatsync/internal/message"
	"github.com/andrefmz/chatsync/internal/status"
	"go.uber.org/zap"
)

// UpsertDraft inserts or replaces the draft for its message guid.
func (db *DB) UpsertDraft(d *message.Draft) error {
	atts, err := message.EncodeAttachments(d.Attachments)
	if err != nil {
		return err
	}
	if d.UpdatedAt == 0 {
		d.UpdatedAt = time.Now().Unix()
	}
	if d.MessageStatus == "" {
		d.MessageStatus = status.Draft
	}
	_, err = db.Exec(`
		INSERT INTO drafts (message_guid, channel_id, text, attachments, message_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_guid) DO UPDATE SET
			channel_id = excluded.channel_id,
			text = excluded.text,
			attachments = excluded.attachments,
			message_status = excluded.message_status,
			updated_at = excluded.updated_at`,
		d.MessageGUID, d.ChannelID, d.Text, string(atts), string(d.MessageStatus), d.UpdatedAt)
	return err
}

// GetDraft returns the draft for a guid, or nil when absent. A corrupt
// draft is treated as absent.
func (db *DB) GetDraft(messageGUID string) (*message.Draft, error) {
	row := db.QueryRow(`
		SELECT message_guid, channel_id, text, attachments, message_status, updated_at
		FROM drafts WHERE message_guid = ?`, messageGUID)
	d, err := db.scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		db.logger.Warn("undecodable draft row", zap.String("guid", messageGUID), zap.Error(err))
		return nil, nil
	}
	return d, nil
}

// ListDrafts returns the drafts for a channel, most recently edited first.
func (db *DB) ListDrafts(channelID string) ([]*message.Draft, error) {
	rows, err := db.Query(`
		SELECT message_guid, channel_id, text, attachments, message_status, updated_at
		FROM drafts WHERE channel_id = ? ORDER BY updated_at DESC`, channelID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var drafts []*message.Draft
	for rows.Next() {
		d, err := db.scanDraft(rows)
		if err != nil {
			db.logger.Warn("skipping undecodable draft row", zap.Error(err))
			continue
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// DeleteDraft removes a draft once it is superseded by a sent message or
// explicitly discarded.
func (db *DB) DeleteDraft(messageGUID string) error {
	_, err := db.Exec(`DELETE FROM drafts WHERE message_guid = ?`, messageGUID)
	return err
}

func (db *DB) scanDraft(row rowScanner) (*message.Draft, error) {
	var (
		d    message.Draft
		atts string
		st   string
	)
	if err := row.Scan(&d.MessageGUID, &d.ChannelID, &d.Text, &atts, &st, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.MessageStatus = status.Parse(st)
	parsed, err := message.DecodeAttachments([]byte(atts))
	if err != nil {
		return nil, err
	}
	d.Attachments = parsed
	return &d, nil
}
