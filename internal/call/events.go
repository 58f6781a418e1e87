package call

import "sync"

// EventKind discriminates lifecycle notifications to the UI layer.
type EventKind string

const (
	// EventIncoming — a remote-initiated call is ringing locally.
	EventIncoming EventKind = "incoming"
	// EventOutgoing — a locally started call is ringing remotely.
	EventOutgoing EventKind = "outgoing"
	// EventActive — the call became active. Fired exactly once per call.
	EventActive EventKind = "active"
	// EventRosterChanged — a participant joined, left or toggled media.
	EventRosterChanged EventKind = "roster-changed"
	// EventRejected — a callee rejected our outgoing call (reason attached).
	EventRejected EventKind = "rejected"
	// EventEnded — the call ended; state is back to idle after cleanup.
	EventEnded EventKind = "ended"
	// EventResumed — startup restored an in-progress call from the recovery
	// store. Detail distinguishes the screen to render.
	EventResumed EventKind = "resumed"
	// EventPeerFailed — negotiation with one peer failed; only that
	// participant was removed.
	EventPeerFailed EventKind = "peer-failed"
)

// Resume details carried by EventResumed.
const (
	ResumeInitiatorRinging = "initiator-ringing"
	ResumeInitiatorActive  = "initiator-active"
	ResumeReceiverActive   = "receiver-active"
)

// Event is one lifecycle notification. Snapshot fields are copies; handlers
// never observe later mutations.
type Event struct {
	Kind   EventKind
	CallID string
	Media  string
	Roster []Participant

	// UserID is the subject participant for kinds that have one.
	UserID string
	// Reason carries reject reasons and end causes.
	Reason string
	// Detail carries the resume distinction for EventResumed.
	Detail string
}

// Events is the listener registry. UI components subscribe per event kind
// and unsubscribe on unmount; there are no reassignable callback fields to
// clobber when several views attach at once.
type Events struct {
	mu   sync.RWMutex
	subs map[chan Event][]EventKind
}

// NewEvents creates an empty registry.
func NewEvents() *Events {
	return &Events{subs: make(map[chan Event][]EventKind)}
}

// Subscribe registers for the given kinds (none means all kinds) and
// returns the delivery channel plus a cancel function. Slow subscribers
// drop events rather than stall the coordinator.
func (e *Events) Subscribe(kinds ...EventKind) (chan Event, func()) {
	ch := make(chan Event, 32)
	e.mu.Lock()
	e.subs[ch] = append([]EventKind(nil), kinds...)
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *Events) emit(evt Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for ch, kinds := range e.subs {
		if len(kinds) > 0 && !containsKind(kinds, evt.Kind) {
			continue
		}
		select {
		case ch <- evt:
		default:
			log.Warnf("event subscriber full, dropping %s", evt.Kind)
		}
	}
}

func containsKind(kinds []EventKind, k EventKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}
