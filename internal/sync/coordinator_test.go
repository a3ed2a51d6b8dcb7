package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/andrefmz/chatsync/internal/bus"
	"github.com/andrefmz/chatsync/internal/content"
	"github.com/andrefmz/chatsync/internal/message"
	"github.com/andrefmz/chatsync/internal/respcache"
	"github.com/andrefmz/chatsync/internal/status"
	"github.com/andrefmz/chatsync/internal/store"
	"github.com/andrefmz/chatsync/internal/transport"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	codec := message.NewCodec(content.NewDefaultRegistry(), nil)
	db, err := store.Open(path, codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCoordinator(t *testing.T, handler http.Handler) (*Coordinator, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	codec := message.NewCodec(content.NewDefaultRegistry(), nil)

	var api *transport.Client
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		client, err := transport.New(srv.URL, transport.Credentials{}, nil, b, nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(client.Close)
		api = client
	}
	return NewCoordinator(db, api, nil, codec, b, nil), db, b
}

// pageHandler serves a fixed JSON page for every GET /messages.
func pageHandler(t *testing.T, codec *message.Codec, msgs []*message.Message) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var encoded []json.RawMessage
		for _, m := range msgs {
			raw, err := codec.Encode(m)
			if err != nil {
				t.Errorf("encode fixture: %v", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			encoded = append(encoded, raw)
		}
		_ = json.NewEncoder(w).Encode(encoded)
	}
}

func textMsg(guid, channel string, ts, order int64, st status.Status) *message.Message {
	return &message.Message{
		GUID: guid, ChannelID: channel, Timestamp: ts, RelativeOrder: order,
		Status: st, Type: content.TypeText,
		Content: &content.Text{Text: "body-" + guid}, UpdatedAt: ts,
	}
}

func updateRecord(guid, channel string, ts, order, updatedAt int64, st status.Status) *message.Message {
	return &message.Message{
		GUID: guid, ChannelID: channel, Timestamp: ts, RelativeOrder: order,
		Status: st, UpdatedAt: updatedAt,
	}
}

// A cached message plus a page carrying an update for it and a brand new
// message merge into [new, updated], with the update keeping the stored
// content.
func TestLoadNewerMergesUpdatesAndNewMessages(t *testing.T) {
	codec := message.NewCodec(content.NewDefaultRegistry(), nil)
	page := []*message.Message{
		updateRecord("A", "ch1", 100, 2, 150, status.Seen),
		textMsg("B", "ch1", 101, 0, status.Sent),
	}
	coord, db, _ := testCoordinator(t, pageHandler(t, codec, page))

	if err := db.UpsertMessage(textMsg("A", "ch1", 100, 1, status.Sent)); err != nil {
		t.Fatal(err)
	}

	merged, err := coord.LoadNewer(context.Background(), "ch1", 0, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 2 {
		t.Fatalf("merged %d messages, want 2", len(merged))
	}
	if merged[0].GUID != "B" || merged[1].GUID != "A" {
		t.Errorf("order = [%s, %s], want [B, A]", merged[0].GUID, merged[1].GUID)
	}

	a, err := db.GetMessage("A")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != status.Seen {
		t.Errorf("A status = %s, want SEEN", a.Status)
	}
	txt, ok := a.Content.(*content.Text)
	if !ok || txt.Text != "body-A" {
		t.Errorf("update replaced content: %#v", a.Content)
	}
}

// Replaying the same page leaves the store unchanged.
func TestMergeIdempotent(t *testing.T) {
	codec := message.NewCodec(content.NewDefaultRegistry(), nil)
	page := []*message.Message{
		textMsg("m1", "ch1", 100, 0, status.Sent),
		textMsg("m2", "ch1", 101, 0, status.Sent),
	}
	coord, db, _ := testCoordinator(t, pageHandler(t, codec, page))

	first, err := coord.LoadNewer(context.Background(), "ch1", 0, Query{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := coord.LoadNewer(context.Background(), "ch1", 0, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("replay changed page size: %d then %d", len(first), len(second))
	}
	for i := range first {
		if !message.Equal(first[i], second[i]) {
			t.Errorf("replay changed message %d: %+v vs %+v", i, first[i], second[i])
		}
	}

	all, err := db.ListMessages("ch1", store.Older, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("store holds %d messages after replay, want 2", len(all))
	}
}

// An optimistic in-flight send with a newer updatedAt must not be
// clobbered by a stale page.
func TestMergeKeepsNewerLocal(t *testing.T) {
	codec := message.NewCodec(content.NewDefaultRegistry(), nil)
	stale := textMsg("g1", "ch1", 100, 0, status.Sent)
	stale.UpdatedAt = 100
	coord, db, _ := testCoordinator(t, pageHandler(t, codec, []*message.Message{stale}))

	local := textMsg("g1", "ch1", 100, 0, status.Sending)
	local.UpdatedAt = 200
	if err := db.UpsertMessage(local); err != nil {
		t.Fatal(err)
	}

	if _, err := coord.LoadNewer(context.Background(), "ch1", 0, Query{}); err != nil {
		t.Fatal(err)
	}
	stored, err := db.GetMessage("g1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != status.Sending || stored.UpdatedAt != 200 {
		t.Errorf("local state clobbered: status=%s updatedAt=%d", stored.Status, stored.UpdatedAt)
	}
}

func TestMergeDropsOrphanUpdate(t *testing.T) {
	coord, db, _ := testCoordinator(t, nil)

	merged, err := coord.Merge([]*message.Message{
		updateRecord("ghost", "ch1", 100, 0, 100, status.Seen),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 0 {
		t.Errorf("orphan update produced %d messages", len(merged))
	}
	stored, err := db.GetMessage("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if stored != nil {
		t.Error("orphan update was persisted")
	}
}

func TestLoadNewerAdvancesCheckpoint(t *testing.T) {
	codec := message.NewCodec(content.NewDefaultRegistry(), nil)
	page := []*message.Message{textMsg("m1", "ch1", 500, 0, status.Sent)}
	coord, db, _ := testCoordinator(t, pageHandler(t, codec, page))

	if _, err := coord.LoadNewer(context.Background(), "ch1", 0, Query{}); err != nil {
		t.Fatal(err)
	}
	cp, err := db.GetCheckpoint("sync.newest.ch1")
	if err != nil {
		t.Fatal(err)
	}
	if cp != "500" {
		t.Errorf("checkpoint = %q, want 500", cp)
	}
}

func TestUpdateStatusRemoteAndLocal(t *testing.T) {
	var gotGUIDs, gotStatus string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			gotGUIDs = r.URL.Query().Get("guid")
			gotStatus = r.URL.Query().Get("status")
		}
		w.WriteHeader(http.StatusOK)
	})
	coord, db, _ := testCoordinator(t, handler)

	for _, g := range []string{"g1", "g2"} {
		if err := db.UpsertMessage(textMsg(g, "ch1", 100, 0, status.Sent)); err != nil {
			t.Fatal(err)
		}
	}

	if err := coord.UpdateStatus(context.Background(), []string{"g1", "g2"}, status.Seen); err != nil {
		t.Fatal(err)
	}
	if gotGUIDs != "g1,g2" || gotStatus != "SEEN" {
		t.Errorf("request carried guid=%q status=%q", gotGUIDs, gotStatus)
	}
	for _, g := range []string{"g1", "g2"} {
		m, err := db.GetMessage(g)
		if err != nil {
			t.Fatal(err)
		}
		if m.Status != status.Seen {
			t.Errorf("%s status = %s, want SEEN", g, m.Status)
		}
	}
}

func TestRetrieveHydratesReply(t *testing.T) {
	codec := message.NewCodec(content.NewDefaultRegistry(), nil)
	remote := textMsg("parent", "ch1", 50, 0, status.Sent)
	coord, db, _ := testCoordinator(t, pageHandler(t, codec, []*message.Message{remote}))

	child := textMsg("child", "ch1", 60, 0, status.Sent)
	child.ReplyToID = "parent"
	if err := db.UpsertMessage(child); err != nil {
		t.Fatal(err)
	}

	if err := coord.HydrateReply(context.Background(), child); err != nil {
		t.Fatal(err)
	}
	if child.ReplyTo == nil || child.ReplyTo.GUID != "parent" {
		t.Fatalf("reply not hydrated: %+v", child.ReplyTo)
	}

	// The retrieved parent is merged into the store along the way.
	stored, err := db.GetMessage("parent")
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil {
		t.Error("retrieved parent not persisted")
	}
}

func TestUnreadCounts(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := 7
		if r.URL.Path == "/totalUnreadCount" {
			count = 42
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"count": count})
	})
	coord, _, _ := testCoordinator(t, handler)

	n, err := coord.UnreadCount(context.Background(), "ch1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("UnreadCount = %d, want 7", n)
	}
	total, err := coord.TotalUnreadCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if total != 42 {
		t.Errorf("TotalUnreadCount = %d, want 42", total)
	}
}

// With the network down, a page previously mirrored into the encrypted
// cache is still served; sync degrades to "no update" instead of an
// error surfacing as timeline corruption.
func TestLoadFallsBackToOfflineCache(t *testing.T) {
	codec := message.NewCodec(content.NewDefaultRegistry(), nil)
	page := []*message.Message{textMsg("m1", "ch1", 100, 0, status.Sent)}

	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	mirror := respcache.New(t.TempDir(), key, nil)

	srv := httptest.NewServer(pageHandler(t, codec, page))
	client, err := transport.New(srv.URL, transport.Credentials{}, mirror, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)

	db := testDB(t)
	offline, err := transport.NewCached(srv.URL, mirror)
	if err != nil {
		t.Fatal(err)
	}
	coord := NewCoordinator(db, client, offline, codec, nil, nil)

	// Warm the mirror, then take the network away.
	if _, err := coord.LoadNewer(context.Background(), "ch1", 0, Query{}); err != nil {
		t.Fatal(err)
	}
	srv.Close()

	merged, err := coord.LoadNewer(context.Background(), "ch1", 0, Query{})
	if err != nil {
		t.Fatalf("offline load failed: %v", err)
	}
	if len(merged) != 1 || merged[0].GUID != "m1" {
		t.Errorf("offline page = %+v, want cached m1", merged)
	}
}
