package send

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/andrefmz/chatsync/internal/bus"
	"github.com/andrefmz/chatsync/internal/content"
	"github.com/andrefmz/chatsync/internal/filecache"
	"github.com/andrefmz/chatsync/internal/message"
	"github.com/andrefmz/chatsync/internal/status"
	"github.com/andrefmz/chatsync/internal/store"
	"github.com/andrefmz/chatsync/internal/transport"
	"github.com/google/uuid"
)

type testEnv struct {
	pipeline *Pipeline
	db       *store.DB
	cache    *filecache.Cache
	bus      *bus.Bus
	api      *httptest.Server
	files    *httptest.Server
}

// echoHandler registers posted messages by echoing them back with the
// status flipped to SENT, the way the real conversation service does.
func echoHandler(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		raw["status"] = "SENT"
		_ = json.NewEncoder(w).Encode(raw)
	}
}

func uploadHandler(uuid, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"uuid": uuid, "path": path})
	}
}

func newTestEnv(t *testing.T, apiHandler, filesHandler http.Handler) *testEnv {
	t.Helper()
	if apiHandler == nil {
		apiHandler = echoHandler(t)
	}
	if filesHandler == nil {
		filesHandler = uploadHandler("file-1", "/remote/file-1")
	}
	api := httptest.NewServer(apiHandler)
	t.Cleanup(api.Close)
	files := httptest.NewServer(filesHandler)
	t.Cleanup(files.Close)

	codec := message.NewCodec(content.NewDefaultRegistry(), nil)
	db, err := store.Open(filepath.Join(t.TempDir(), "send.db"), codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fc, err := filecache.New(filepath.Join(t.TempDir(), "files"))
	if err != nil {
		t.Fatal(err)
	}

	apiClient, err := transport.New(api.URL, transport.Credentials{}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(apiClient.Close)
	filesClient, err := transport.New(files.URL, transport.Credentials{}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(filesClient.Close)

	b := bus.New()
	return &testEnv{
		pipeline: NewPipeline(db, apiClient, filesClient, fc, codec, b, nil),
		db:       db,
		cache:    fc,
		bus:      b,
		api:      api,
		files:    files,
	}
}

func TestSendTextConfirmsAndPersists(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	s := env.pipeline.Text("", "ch1", "hello")
	if s.MessageGUID() == "" {
		t.Fatal("sender did not synthesize a guid")
	}

	m, err := env.pipeline.Send(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if m.GUID != s.MessageGUID() {
		t.Errorf("confirmed guid = %q, want optimistic guid %q", m.GUID, s.MessageGUID())
	}
	if m.Status != status.Sent {
		t.Errorf("status = %s, want SENT", m.Status)
	}

	stored, err := env.db.GetMessage(m.GUID)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.Status != status.Sent {
		t.Fatalf("stored message = %+v, want SENT", stored)
	}
	txt, ok := stored.Content.(*content.Text)
	if !ok || txt.Text != "hello" {
		t.Errorf("stored content = %#v, want text %q", stored.Content, "hello")
	}
}

func TestSendEmptyTextRejected(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	_, err := env.pipeline.Send(context.Background(), env.pipeline.Text("", "ch1", ""))
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("err = %v, want ErrInvalidContent", err)
	}
}

// Regression: the UI once showed an upload snapping back to zero when the
// transfer stalled early. Once started, progress never reads below 0.1.
func TestUploadProgressClampedToFloor(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	var mu sync.Mutex
	var observed []float64
	res, err := env.pipeline.upload(context.Background(), "clamp.bin", make([]byte, 64), func(f float64) {
		mu.Lock()
		observed = append(observed, f)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.UUID != "file-1" {
		t.Errorf("upload uuid = %q, want file-1", res.UUID)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) == 0 {
		t.Fatal("no progress reported")
	}
	for _, f := range observed {
		if f < 0.1 {
			t.Errorf("observed progress %v below floor 0.1", f)
		}
	}
	if last := observed[len(observed)-1]; last != 1.0 {
		t.Errorf("final progress = %v, want 1.0", last)
	}
}

func TestSendImagePersistsRemoteFile(t *testing.T) {
	env := newTestEnv(t, nil, uploadHandler("remote-uuid", "/remote/pic.jpg"))

	payload := []byte("jpeg-bytes")
	s := env.pipeline.Image("", "ch1", payload, "pic.jpg", &content.Meta{Width: 640, Height: 480})
	m, err := env.pipeline.Send(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}

	img, ok := m.Content.(*content.Image)
	if !ok {
		t.Fatalf("content = %#v, want *content.Image", m.Content)
	}
	if img.File.UUID != "remote-uuid" || img.File.RemotePath != "/remote/pic.jpg" {
		t.Errorf("file = %+v, want remote-uuid at /remote/pic.jpg", img.File)
	}

	// Staged payload remains available locally under the message guid.
	data, err := env.cache.Get(s.MessageGUID())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(payload) {
		t.Error("staged payload does not match original bytes")
	}
}

func TestSendFailureKeepsRecoverableState(t *testing.T) {
	apiDown := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})
	env := newTestEnv(t, apiDown, nil)

	events, unsub := env.bus.Subscribe("message.", 16)
	defer unsub()

	s := env.pipeline.Text("", "ch1", "doomed")
	_, err := env.pipeline.Send(context.Background(), s)
	if !errors.Is(err, transport.ErrInvalidResponse) {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}

	stored, err := env.db.GetMessage(s.MessageGUID())
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil {
		t.Fatal("failed send removed the local message")
	}
	if stored.Status != status.Sending {
		t.Errorf("status after failure = %s, want SENDING", stored.Status)
	}

	var sawFail bool
	for len(events) > 0 {
		evt := <-events
		if evt.Kind == bus.KindMessageSendFail {
			sawFail = true
		}
	}
	if !sawFail {
		t.Error("no message.send_failed event published")
	}
}

func TestMarkFailed(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	m := &message.Message{GUID: "g1", ChannelID: "ch1", Timestamp: 100,
		Status: status.Sending, Content: &content.Text{Text: "x"}, UpdatedAt: 100}
	if err := env.db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := env.pipeline.MarkFailed("g1"); err != nil {
		t.Fatal(err)
	}
	stored, _ := env.db.GetMessage("g1")
	if stored.Status != status.Failed {
		t.Errorf("status = %s, want FAILED", stored.Status)
	}
}

func TestSendDraftPromotesUnderSameGUID(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	d := message.NewDraft(uuid.New().String(), "ch1")
	d.Text = "draft body"
	if err := env.db.UpsertDraft(d); err != nil {
		t.Fatal(err)
	}

	sent, err := env.pipeline.SendDraft(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].GUID != d.MessageGUID {
		t.Errorf("message guid = %q, want draft guid %q", sent[0].GUID, d.MessageGUID)
	}

	left, err := env.db.GetDraft(d.MessageGUID)
	if err != nil {
		t.Fatal(err)
	}
	if left != nil {
		t.Error("promoted draft still present in store")
	}
}

func TestSendDraftWithAttachments(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	img := env.pipeline.Image("", "ch1", []byte("pixels"), "a.jpg", &content.Meta{Name: "a.jpg"})
	if _, _, err := img.Stage(); err != nil {
		t.Fatal(err)
	}
	att, err := img.Attachment()
	if err != nil {
		t.Fatal(err)
	}

	d := message.NewDraft(uuid.New().String(), "ch1")
	d.Text = "look at this"
	d.Attachments = []message.DraftAttachment{att}

	sent, err := env.pipeline.SendDraft(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want text + attachment", len(sent))
	}
	if sent[1].GUID != img.MessageGUID() {
		t.Errorf("attachment guid = %q, want staged guid %q", sent[1].GUID, img.MessageGUID())
	}
}

func TestSendDraftDropsUnresolvableAttachment(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	props, _ := json.Marshal(map[string]string{"messageGuid": "gone", "fileName": "gone.jpg"})
	d := message.NewDraft(uuid.New().String(), "ch1")
	d.Text = "still goes out"
	d.Attachments = []message.DraftAttachment{{Type: content.TypeImage, Properties: props}}

	sent, err := env.pipeline.SendDraft(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want only the text", len(sent))
	}
}

func TestSendDraftEmptyRejected(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	d := message.NewDraft(uuid.New().String(), "ch1")
	_, err := env.pipeline.SendDraft(context.Background(), d)
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("err = %v, want ErrInvalidContent", err)
	}
}

// Every message stuck in a not-sent status after a relaunch ends in
// exactly SENT or FAILED.
func TestResumeDrainsStuckMessages(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	stuckText := &message.Message{GUID: "stuck-text", ChannelID: "ch1", Timestamp: 100,
		Status: status.Sending, Content: &content.Text{Text: "retry me"}, UpdatedAt: 100}
	if err := env.db.UpsertMessage(stuckText); err != nil {
		t.Fatal(err)
	}

	// Image whose staged payload survived the crash.
	if _, err := env.cache.Put("stuck-img", []byte("pixels")); err != nil {
		t.Fatal(err)
	}
	stuckImg := &message.Message{GUID: "stuck-img", ChannelID: "ch1", Timestamp: 101,
		Status: status.New, Type: content.TypeImage,
		Content:   &content.Image{File: content.FileInfo{UUID: "stuck-img"}},
		UpdatedAt: 101}
	if err := env.db.UpsertMessage(stuckImg); err != nil {
		t.Fatal(err)
	}

	// Image whose staged payload is gone; resume cannot rebuild it.
	stuckLost := &message.Message{GUID: "stuck-lost", ChannelID: "ch1", Timestamp: 102,
		Status: status.Sending, Type: content.TypeImage,
		Content:   &content.Image{File: content.FileInfo{UUID: "stuck-lost"}},
		UpdatedAt: 102}
	if err := env.db.UpsertMessage(stuckLost); err != nil {
		t.Fatal(err)
	}

	if err := env.pipeline.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := map[string]status.Status{
		"stuck-text": status.Sent,
		"stuck-img":  status.Sent,
		"stuck-lost": status.Failed,
	}
	for guid, st := range want {
		m, err := env.db.GetMessage(guid)
		if err != nil {
			t.Fatal(err)
		}
		if m == nil {
			t.Fatalf("message %s vanished during resume", guid)
		}
		if m.Status != st {
			t.Errorf("%s status = %s, want %s", guid, m.Status, st)
		}
	}
}

func TestResolveAttachmentKinds(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	loc := env.pipeline.Location("", "ch1", 12.5, -8.25)
	att, err := loc.Attachment()
	if err != nil {
		t.Fatal(err)
	}
	s, ok := env.pipeline.ResolveAttachment(att, "ch1")
	if !ok {
		t.Fatal("location attachment did not resolve")
	}
	if s.ContentType() != content.TypeLocation {
		t.Errorf("resolved type = %s, want LOCATION", s.ContentType())
	}
	if s.MessageGUID() != loc.MessageGUID() {
		t.Errorf("resolved guid = %q, want %q", s.MessageGUID(), loc.MessageGUID())
	}

	if _, ok := env.pipeline.ResolveAttachment(message.DraftAttachment{
		Type: "STICKER", Properties: json.RawMessage(`{}`),
	}, "ch1"); ok {
		t.Error("unknown attachment kind resolved")
	}
}
