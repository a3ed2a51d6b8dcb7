package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "message." or "transport.".
const (
	KindMessageUpserted  = "message.upserted"
	KindMessageProgress  = "message.progress"
	KindMessageSendAck   = "message.send_ack"
	KindMessageSendFail  = "message.send_failed"
	KindSyncMerged       = "sync.merged"
	KindPushConnected    = "push.connected"
	KindPushDisconnected = "push.disconnected"
	KindChannelChanged   = "push.channel_changed"
	// KindTransportFailure carries every transport error as a diagnostic
	// event for host-app observability, independent of the error also
	// being returned to the caller.
	KindTransportFailure = "transport.failure"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent creates an event with a fresh id and the current time.
func NewEvent(kind string, payload any) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
