package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andrefmz/chatsync/internal/content"
	"github.com/andrefmz/chatsync/internal/message"
	"github.com/andrefmz/chatsync/internal/status"
	"go.uber.org/zap"
)

// Direction selects the temporal direction of a channel scan relative to
// an anchor timestamp. The values double as the wire parameter.
type Direction string

const (
	Older Direction = "OLDER"
	Newer Direction = "NEWER"
)

const messageColumns = `guid, channel_id, hosting_channel_ids, status, timestamp, relative_order,
	type, content, content_meta, reply_to_id, reply_to, client_id, sender_name, ttl, updated_at`

// UpsertMessage inserts or replaces a message by guid. The write is a
// full-row replace, never a partial patch, so concurrent writers for the
// same guid are last-writer-wins.
func (db *DB) UpsertMessage(m *message.Message) error {
	args, err := db.encodeRow(m)
	if err != nil {
		return err
	}
	_, err = db.Exec(upsertMessageSQL, args...)
	return err
}

const upsertMessageSQL = `
	INSERT INTO messages (guid, channel_id, hosting_channel_ids, status, timestamp, relative_order,
		type, content, content_meta, reply_to_id, reply_to, client_id, sender_name, ttl, updated_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(guid) DO UPDATE SET
		channel_id = excluded.channel_id,
		hosting_channel_ids = excluded.hosting_channel_ids,
		status = excluded.status,
		timestamp = excluded.timestamp,
		relative_order = excluded.relative_order,
		type = excluded.type,
		content = excluded.content,
		content_meta = excluded.content_meta,
		reply_to_id = excluded.reply_to_id,
		reply_to = excluded.reply_to,
		client_id = excluded.client_id,
		sender_name = excluded.sender_name,
		ttl = excluded.ttl,
		updated_at = excluded.updated_at`

// UpsertMessages replaces a batch of messages in one transaction.
func (db *DB) UpsertMessages(msgs []*message.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		args, err := db.encodeRow(m)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(upsertMessageSQL, args...); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
	}
	return tx.Commit()
}

// GetMessage returns the message for a guid, or nil when absent or
// undecodable.
func (db *DB) GetMessage(guid string) (*message.Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE guid = ?`, guid)
	m, err := db.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		// A corrupt row is treated as absent, never as a crash.
		db.logger.Warn("undecodable message row", zap.String("guid", guid), zap.Error(err))
		return nil, nil
	}
	return m, nil
}

// ListMessages scans a channel in the given direction relative to an
// anchor timestamp. Messages hosted in the channel through cross-posting
// are included. Results come back in display order (newest first). An
// anchor <= 0 means "from the newest" for Older and "from the beginning"
// for Newer.
func (db *DB) ListMessages(channelID string, dir Direction, anchor int64, limit int) ([]*message.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	cmp := "<"
	if dir == Newer {
		cmp = ">"
	}
	if anchor <= 0 {
		if dir == Older {
			anchor = time.Now().Unix() + 1
		} else {
			anchor = 0
		}
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE (channel_id = ?1 OR (',' || hosting_channel_ids || ',') LIKE '%,' || ?1 || ',%')
			AND timestamp `+cmp+` ?2
		ORDER BY timestamp DESC, relative_order DESC, guid DESC
		LIMIT ?3`, channelID, anchor, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*message.Message
	for rows.Next() {
		m, err := db.scanMessage(rows)
		if err != nil {
			// Skip the corrupt row; the scan continues.
			db.logger.Warn("skipping undecodable message row", zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The SQL ordering matches Compare, but sort again so the comparator
	// stays the single source of truth for display order.
	message.Sort(msgs)
	return msgs, nil
}

// DeleteMessage removes a message by guid.
func (db *DB) DeleteMessage(guid string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE guid = ?`, guid)
	return err
}

// UpdateStatuses applies a bulk status transition to a set of guids.
func (db *DB) UpdateStatuses(guids []string, st status.Status, updatedAt int64) error {
	if len(guids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(guids)), ",")
	args := make([]any, 0, len(guids)+2)
	args = append(args, string(st), updatedAt)
	for _, g := range guids {
		args = append(args, g)
	}
	_, err := db.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE guid IN (`+placeholders+`)`, args...)
	return err
}

// MessagesWithStatuses returns every message currently in one of the
// given statuses, oldest first. Used by the send pipeline's relaunch
// recovery pass.
func (db *DB) MessagesWithStatuses(sts []status.Status) ([]*message.Message, error) {
	if len(sts) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sts)), ",")
	args := make([]any, 0, len(sts))
	for _, s := range sts {
		args = append(args, string(s))
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages WHERE status IN (`+placeholders+`)
		ORDER BY timestamp ASC, relative_order ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*message.Message
	for rows.Next() {
		m, err := db.scanMessage(rows)
		if err != nil {
			db.logger.Warn("skipping undecodable message row", zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (db *DB) encodeRow(m *message.Message) ([]any, error) {
	var contentCol, metaCol, replyCol sql.NullString
	typeCol := string(m.Type)
	if m.Content != nil {
		raw, err := db.codec.Registry().Encode(m.Content)
		if err != nil {
			return nil, err
		}
		contentCol = sql.NullString{String: string(raw), Valid: true}
		typeCol = string(m.Content.ContentType())
	}
	if m.ContentMeta != nil {
		raw, err := json.Marshal(m.ContentMeta)
		if err != nil {
			return nil, fmt.Errorf("encode content meta: %w", err)
		}
		metaCol = sql.NullString{String: string(raw), Valid: true}
	}
	if m.ReplyTo != nil {
		raw, err := db.codec.Encode(m.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("encode reply: %w", err)
		}
		replyCol = sql.NullString{String: string(raw), Valid: true}
	}
	return []any{
		m.GUID, m.ChannelID, strings.Join(m.HostingChannelIDs, ","), string(m.Status),
		m.Timestamp, m.RelativeOrder, typeCol, contentCol, metaCol,
		m.ReplyToID, replyCol, m.ClientID, m.SenderName, m.TTL, m.UpdatedAt,
		time.Now().Unix(),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanMessage(row rowScanner) (*message.Message, error) {
	var (
		m          message.Message
		hosting    string
		st         string
		typ        string
		contentCol sql.NullString
		metaCol    sql.NullString
		replyCol   sql.NullString
	)
	if err := row.Scan(&m.GUID, &m.ChannelID, &hosting, &st, &m.Timestamp, &m.RelativeOrder,
		&typ, &contentCol, &metaCol, &m.ReplyToID, &replyCol, &m.ClientID, &m.SenderName,
		&m.TTL, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if hosting != "" {
		m.HostingChannelIDs = strings.Split(hosting, ",")
	}
	m.Status = status.Parse(st)
	m.Type = content.Type(typ)
	if typ != "" && contentCol.Valid {
		m.Content = db.codec.DecodeContent(m.GUID, m.Type, []byte(contentCol.String))
	}
	if metaCol.Valid {
		var meta content.Meta
		if err := json.Unmarshal([]byte(metaCol.String), &meta); err != nil {
			db.logger.Warn("content meta decode failed", zap.String("guid", m.GUID), zap.Error(err))
		} else {
			m.ContentMeta = &meta
		}
	}
	if replyCol.Valid {
		reply, err := db.codec.Decode([]byte(replyCol.String))
		if err != nil {
			db.logger.Warn("reply decode failed", zap.String("guid", m.GUID), zap.Error(err))
		} else {
			m.ReplyTo = reply
		}
	}
	return &m, nil
}
