package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/andrefmz/chatsync/internal/bus"
	"github.com/andrefmz/chatsync/internal/message"
	"github.com/andrefmz/chatsync/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// reconnectDelay is the fixed pause between reconnect attempts. The
	// stream retries indefinitely; the server decides when we are back.
	reconnectDelay = 5 * time.Second

	// maxRefreshes bounds simultaneous channel refreshes so a burst of
	// notifications cannot saturate the transport.
	maxRefreshes = 5

	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

// Loader pulls the incremental page for a changed channel. Implemented by
// sync.Coordinator.
type Loader interface {
	LoadIncremental(ctx context.Context, channelID string) ([]*message.Message, error)
}

// Gate decides whether a changed channel may be refreshed right now.
type Gate func(channelID string) bool

// PreviewFunc receives the first message of a refresh, newest first.
type PreviewFunc func(channelID string, preview *message.Message)

// frame is the wire shape of a push notification.
type frame struct {
	Kind      string `json:"kind"`
	ChannelID string `json:"channelId"`
}

// Supervisor owns the push stream: it keeps a websocket connected,
// reconnecting after a fixed delay forever, and turns channel-changed
// notifications into bounded incremental syncs.
type Supervisor struct {
	url    string
	header http.Header
	loader Loader
	gate   Gate
	bus    *bus.Bus
	logger *zap.Logger
	dialer *websocket.Dialer
	sem    *semaphore.Weighted
	delay  time.Duration

	mu      sync.Mutex
	preview PreviewFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervisor for the given stream URL. header carries the
// auth headers; gate may be nil to allow every channel.
func New(url string, header http.Header, loader Loader, gate Gate, b *bus.Bus, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gate == nil {
		gate = func(string) bool { return true }
	}
	return &Supervisor{
		url:    url,
		header: header,
		loader: loader,
		gate:   gate,
		bus:    b,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		sem:    semaphore.NewWeighted(maxRefreshes),
		delay:  reconnectDelay,
	}
}

// SetPreviewListener registers the listener that receives the first
// message of each refresh. Replaces any previous listener.
func (s *Supervisor) SetPreviewListener(fn PreviewFunc) {
	s.mu.Lock()
	s.preview = fn
	s.mu.Unlock()
}

// Start launches the connection loop. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop tears down the stream and waits for the loop to exit.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	for {
		if err := s.connect(ctx); err != nil {
			s.logger.Warn("push stream disconnected", zap.Error(err))
		}
		s.publish(bus.KindPushDisconnected, s.url)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.delay):
			metrics.RecordPushReconnect()
		}
	}
}

// connect dials the stream and reads frames until the connection dies or
// the context is cancelled.
func (s *Supervisor) connect(ctx context.Context) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	s.logger.Info("push stream connected", zap.String("url", s.url))
	s.publish(bus.KindPushConnected, s.url)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Keepalive pings; the read deadline above kills a half-dead link.
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx, conn)

	// Unblock ReadMessage on cancellation.
	go func() {
		<-pingCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleFrame(ctx, raw)
	}
}

func (s *Supervisor) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Supervisor) handleFrame(ctx context.Context, raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.logger.Warn("undecodable push frame", zap.Error(err))
		return
	}
	if f.Kind != "channel.changed" || f.ChannelID == "" {
		return
	}
	s.publish(bus.KindChannelChanged, f.ChannelID)

	if !s.gate(f.ChannelID) {
		s.logger.Debug("refresh gated off", zap.String("channel", f.ChannelID))
		return
	}
	go s.refresh(ctx, f.ChannelID)
}

// refresh runs one bounded incremental sync for a changed channel.
func (s *Supervisor) refresh(ctx context.Context, channelID string) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	msgs, err := s.loader.LoadIncremental(ctx, channelID)
	if err != nil {
		// Failed incremental sync means "no update", nothing more.
		s.logger.Warn("incremental sync failed",
			zap.String("channel", channelID), zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	fn := s.preview
	s.mu.Unlock()
	if fn != nil {
		fn(channelID, msgs[0])
	}
}

func (s *Supervisor) publish(kind string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(kind, payload))
	}
}
