package status

import "slices"

// Status is the delivery state of a message.
type Status string

const (
	Draft    Status = "DRAFT"
	New      Status = "NEW"
	Sending  Status = "SENDING"
	Reserved Status = "RESERVED"
	Sent     Status = "SENT"
	Seen     Status = "SEEN"
	Deleted  Status = "DELETED"
	Failed   Status = "FAILED"
	Unknown  Status = "UNKNOWN"
)

// NotSent is the exact set of statuses that must be retried or recovered
// on relaunch: the message exists locally but the server never durably
// accepted it.
var NotSent = []Status{Draft, New, Sending, Failed}

// Remote is the set of statuses that imply the server has durably
// accepted the message.
var Remote = []Status{Sent, Reserved, Seen, Deleted}

// validTransitions defines allowed status transitions.
// draft → new → sending → (reserved | sent) → seen, with failed reachable
// from new/sending and deleted reachable from any post-new state.
var validTransitions = map[Status][]Status{
	Draft:    {New},
	New:      {Sending, Failed, Deleted},
	Sending:  {Reserved, Sent, Failed, Deleted},
	Reserved: {Sent, Seen, Deleted},
	Sent:     {Seen, Deleted},
	Seen:     {Deleted},
	Failed:   {New, Sending, Deleted},
	Deleted:  {},
}

// Parse maps a wire value to a Status. Unknown wire values decode to
// Unknown rather than failing, so server-added statuses don't break old
// clients.
func Parse(s string) Status {
	switch st := Status(s); st {
	case Draft, New, Sending, Reserved, Sent, Seen, Deleted, Failed:
		return st
	default:
		return Unknown
	}
}

// IsNotSent reports whether the status requires retry/recovery on relaunch.
func (s Status) IsNotSent() bool {
	return slices.Contains(NotSent, s)
}

// IsRemote reports whether the server has durably accepted the message.
func (s Status) IsRemote() bool {
	return slices.Contains(Remote, s)
}

// CanTransition reports whether a message may move from one status to
// another. Transitions out of Unknown are always allowed: the local
// client has no say over statuses it doesn't understand.
func CanTransition(from, to Status) bool {
	if from == Unknown {
		return true
	}
	return slices.Contains(validTransitions[from], to)
}
