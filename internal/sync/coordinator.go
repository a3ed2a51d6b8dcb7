package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andrefmz/chatsync/internal/bus"
	"github.com/andrefmz/chatsync/internal/message"
	"github.com/andrefmz/chatsync/internal/metrics"
	"github.com/andrefmz/chatsync/internal/status"
	"github.com/andrefmz/chatsync/internal/store"
	"github.com/andrefmz/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Coordinator pulls message pages from the conversation service in either
// temporal direction and merges them into the store. Merging is
// idempotent: replaying the same page yields the same timeline.
type Coordinator struct {
	db      *store.DB
	api     *transport.Client
	offline *transport.CachedClient
	codec   *message.Codec
	bus     *bus.Bus
	logger  *zap.Logger
}

// Query bounds a page fetch. Zero values mean "unbounded" / server
// default.
type Query struct {
	From  int64
	To    int64
	Limit int
}

// NewCoordinator creates a coordinator. offline may be nil to disable the
// cached fallback.
func NewCoordinator(db *store.DB, api *transport.Client, offline *transport.CachedClient, codec *message.Codec, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		db:      db,
		api:     api,
		offline: offline,
		codec:   codec,
		bus:     b,
		logger:  logger,
	}
}

// LoadOlder fetches messages before the anchor timestamp and merges them.
// The returned slice is the merged page in display order.
func (c *Coordinator) LoadOlder(ctx context.Context, channelID string, anchor int64, q Query) ([]*message.Message, error) {
	return c.loadPage(ctx, channelID, store.Older, anchor, q)
}

// LoadNewer fetches messages after the anchor timestamp and merges them.
func (c *Coordinator) LoadNewer(ctx context.Context, channelID string, anchor int64, q Query) ([]*message.Message, error) {
	return c.loadPage(ctx, channelID, store.Newer, anchor, q)
}

// LoadIncremental pulls everything newer than the channel's checkpoint.
// This is the pull triggered by a push notification.
func (c *Coordinator) LoadIncremental(ctx context.Context, channelID string) ([]*message.Message, error) {
	anchor, err := c.checkpoint(channelID)
	if err != nil {
		return nil, err
	}
	return c.LoadNewer(ctx, channelID, anchor, Query{})
}

func (c *Coordinator) loadPage(ctx context.Context, channelID string, dir store.Direction, anchor int64, q Query) ([]*message.Message, error) {
	params := url.Values{
		"t":         {strconv.FormatInt(time.Now().Unix(), 10)},
		"channelId": {channelID},
		"direction": {string(dir)},
	}
	if anchor != 0 {
		params.Set("from", strconv.FormatInt(anchor, 10))
	}
	if q.From != 0 {
		params.Set("from", strconv.FormatInt(q.From, 10))
	}
	if q.To != 0 {
		params.Set("to", strconv.FormatInt(q.To, 10))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	raw, err := c.fetch(ctx, "/messages", params)
	if err != nil {
		// A failed incremental sync is "no update", never a corrupted
		// timeline.
		return nil, err
	}
	metrics.RecordSyncPage(string(dir))

	fetched, err := c.codec.DecodePage(raw)
	if err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}

	merged, err := c.Merge(fetched)
	if err != nil {
		return nil, err
	}
	if dir == store.Newer {
		c.advanceCheckpoint(channelID, merged)
	}
	return merged, nil
}

// fetch performs a GET against the conversation service, falling back to
// the encrypted response cache when the network is unreachable.
func (c *Coordinator) fetch(ctx context.Context, path string, params url.Values) ([]byte, error) {
	raw, err := c.api.RetrieveBytes(ctx, path, params)
	if err == nil {
		return raw, nil
	}
	if c.offline != nil && errors.Is(err, transport.ErrURLSession) {
		cached, cerr := c.offline.RetrieveBytes(path, params)
		if cerr == nil {
			c.logger.Info("serving page from offline cache", zap.String("path", path))
			metrics.RecordCacheLookup("hit")
			return cached, nil
		}
		metrics.RecordCacheLookup("miss")
	}
	return nil, err
}

// Merge reconciles fetched records with local state and persists the
// result. Dedup is by guid: the record with the newer updatedAt wins, so
// an in-flight optimistic send is never clobbered by a stale page. A
// record without content is an update and patches the stored message
// instead of replacing its content.
func (c *Coordinator) Merge(fetched []*message.Message) ([]*message.Message, error) {
	var out []*message.Message
	for _, m := range fetched {
		local, err := c.db.GetMessage(m.GUID)
		if err != nil {
			return nil, err
		}
		merged, keep := mergeOne(local, m)
		if !keep {
			c.logger.Debug("dropping orphan update record", zap.String("guid", m.GUID))
			continue
		}
		out = append(out, merged)
	}
	if len(out) == 0 {
		return nil, nil
	}

	if err := c.db.UpsertMessages(out); err != nil {
		return nil, err
	}
	metrics.RecordMerged(len(out))
	if c.bus != nil {
		for _, m := range out {
			c.bus.Publish(bus.NewEvent(bus.KindMessageUpserted, m))
		}
		c.bus.Publish(bus.NewEvent(bus.KindSyncMerged, len(out)))
	}
	message.Sort(out)
	return out, nil
}

// mergeOne resolves a single fetched record against its local row.
func mergeOne(local, remote *message.Message) (*message.Message, bool) {
	if local == nil {
		if remote.IsUpdate() {
			// An update for a message we never stored patches nothing.
			return nil, false
		}
		return remote, true
	}
	if remote.IsUpdate() {
		patched := *remote
		patched.Content = local.Content
		patched.ContentMeta = local.ContentMeta
		patched.Type = local.Type
		if patched.ReplyTo == nil {
			patched.ReplyTo = local.ReplyTo
			patched.ReplyToID = local.ReplyToID
		}
		return &patched, true
	}
	if local.UpdatedAt > remote.UpdatedAt {
		return local, true
	}
	return remote, true
}

// Retrieve fetches a single message by guid, merging it into the store.
// Used to hydrate a reply reference lazily.
func (c *Coordinator) Retrieve(ctx context.Context, guid string) (*message.Message, error) {
	params := url.Values{
		"t":    {strconv.FormatInt(time.Now().Unix(), 10)},
		"guid": {guid},
	}
	raw, err := c.fetch(ctx, "/messages", params)
	if err != nil {
		return nil, err
	}
	page, err := c.codec.DecodePage(raw)
	if err != nil {
		return nil, fmt.Errorf("decode message %s: %w", guid, err)
	}
	merged, err := c.Merge(page)
	if err != nil {
		return nil, err
	}
	for _, m := range merged {
		if m.GUID == guid {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message %s not in response", guid)
}

// HydrateReply fills m.ReplyTo from the store, or from the service when
// the referenced message is not local yet.
func (c *Coordinator) HydrateReply(ctx context.Context, m *message.Message) error {
	if m.ReplyToID == "" || m.ReplyTo != nil {
		return nil
	}
	local, err := c.db.GetMessage(m.ReplyToID)
	if err != nil {
		return err
	}
	if local != nil {
		m.ReplyTo = local
		return nil
	}
	remote, err := c.Retrieve(ctx, m.ReplyToID)
	if err != nil {
		return err
	}
	m.ReplyTo = remote
	return nil
}

// UpdateStatus transitions a batch of messages remotely and locally, e.g.
// marking a page as seen.
func (c *Coordinator) UpdateStatus(ctx context.Context, guids []string, st status.Status) error {
	if len(guids) == 0 {
		return nil
	}
	params := url.Values{
		"guid":   {strings.Join(guids, ",")},
		"status": {string(st)},
	}
	if err := c.api.Update(ctx, "/messages", params, nil, nil); err != nil {
		return err
	}
	now := time.Now().Unix()
	if err := c.db.UpdateStatuses(guids, st, now); err != nil {
		return err
	}
	if c.bus != nil {
		for _, guid := range guids {
			c.bus.Publish(bus.NewEvent(bus.KindMessageUpserted, guid))
		}
	}
	return nil
}

type countResponse struct {
	Count int `json:"count"`
}

// UnreadCount reports the unread message count for one channel.
func (c *Coordinator) UnreadCount(ctx context.Context, channelID string) (int, error) {
	params := url.Values{
		"t":         {strconv.FormatInt(time.Now().Unix(), 10)},
		"channelId": {channelID},
	}
	return c.count(ctx, "/unreadCount", params)
}

// TotalUnreadCount reports the unread message count across all channels.
func (c *Coordinator) TotalUnreadCount(ctx context.Context) (int, error) {
	params := url.Values{"t": {strconv.FormatInt(time.Now().Unix(), 10)}}
	return c.count(ctx, "/totalUnreadCount", params)
}

func (c *Coordinator) count(ctx context.Context, path string, params url.Values) (int, error) {
	raw, err := c.fetch(ctx, path, params)
	if err != nil {
		return 0, err
	}
	var resp countResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("decode count: %w", err)
	}
	return resp.Count, nil
}

func checkpointKey(channelID string) string {
	return "sync.newest." + channelID
}

func (c *Coordinator) checkpoint(channelID string) (int64, error) {
	val, err := c.db.GetCheckpoint(checkpointKey(channelID))
	if err != nil {
		return 0, err
	}
	if val == "" {
		return 0, nil
	}
	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		c.logger.Warn("corrupt sync checkpoint, restarting from zero",
			zap.String("channel", channelID), zap.String("value", val))
		return 0, nil
	}
	return ts, nil
}

func (c *Coordinator) advanceCheckpoint(channelID string, merged []*message.Message) {
	var newest int64
	for _, m := range merged {
		if m.Timestamp > newest {
			newest = m.Timestamp
		}
	}
	if newest == 0 {
		return
	}
	if err := c.db.SetCheckpoint(checkpointKey(channelID), strconv.FormatInt(newest, 10)); err != nil {
		c.logger.Warn("persisting sync checkpoint failed",
			zap.String("channel", channelID), zap.Error(err))
	}
}
