// Package call is the call session core: the state machine governing a
// call's lifecycle, the per-peer negotiation session registry, and the
// coordinator that drives both from signaling events.
//
// Signaling is inherently racy — duplicate and out-of-order delivery are
// normal — so every transition is tolerant by design: invalid attempts are
// logged and ignored, never surfaced as errors to remote peers.
package call

import (
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/hearthapp/hearth/internal/signal"
)

var log = logging.Logger("call")

// Status is the lifecycle state of the tracked call.
type Status int

const (
	Idle Status = iota
	Ringing
	Active
	Ended
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ringing:
		return "ringing"
	case Active:
		return "active"
	case Ended:
		return "ended"
	}
	return "unknown"
}

// wireStatus converts to the on-wire/persisted status string.
func (s Status) wireStatus() string {
	switch s {
	case Ringing:
		return "ringing"
	case Active:
		return "active"
	default:
		return "ended"
	}
}

func statusFromWire(s string) Status {
	switch s {
	case "ringing":
		return Ringing
	case "active":
		return Active
	default:
		return Ended
	}
}

// Participant is one roster entry. Flags are local projections; they are
// never serialized with media state.
type Participant struct {
	UserID      string
	DisplayName string
	Muted       bool
	VideoOff    bool
}

// Call is the authoritative model of the current call. Mutated only through
// the transition methods below, always under the coordinator's lock.
type Call struct {
	ID            string
	InitiatorID   string
	InitiatorName string
	GroupID       string
	Media         string // signal.MediaAudio | signal.MediaVideo
	Status        Status
	StartedAt     time.Time
	EndedAt       time.Time

	// Invited is the set of users the initiator rang; used to detect the
	// everyone-rejected case while still ringing.
	Invited []string

	order  []string
	byUser map[string]*Participant
}

func newCall(id, initiatorID, initiatorName, groupID, media string, invited []string) *Call {
	c := &Call{
		ID:            id,
		InitiatorID:   initiatorID,
		InitiatorName: initiatorName,
		GroupID:       groupID,
		Media:         media,
		Status:        Ringing,
		Invited:       append([]string(nil), invited...),
		byUser:        make(map[string]*Participant),
	}
	c.merge(Participant{UserID: initiatorID, DisplayName: initiatorName})
	return c
}

// merge adds or updates a roster entry. Returns true only when the user was
// newly added, so duplicate join/accept notifications stay idempotent and
// fire no second lifecycle event.
func (c *Call) merge(p Participant) bool {
	if existing, ok := c.byUser[p.UserID]; ok {
		if p.DisplayName != "" {
			existing.DisplayName = p.DisplayName
		}
		return false
	}
	cp := p
	c.byUser[p.UserID] = &cp
	c.order = append(c.order, p.UserID)
	return true
}

// remove drops a roster entry. Returns true when it was present.
func (c *Call) remove(userID string) bool {
	if _, ok := c.byUser[userID]; !ok {
		return false
	}
	delete(c.byUser, userID)
	for i, id := range c.order {
		if id == userID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// participant returns the entry for userID, or nil.
func (c *Call) participant(userID string) *Participant {
	return c.byUser[userID]
}

// Roster returns the participants in join order.
func (c *Call) Roster() []Participant {
	out := make([]Participant, 0, len(c.order))
	for _, id := range c.order {
		if p, ok := c.byUser[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// activate moves Ringing → Active. Repeated activation is a no-op returning
// false, so the "now active" notification fires exactly once.
func (c *Call) activate() bool {
	switch c.Status {
	case Ringing:
		c.Status = Active
		c.StartedAt = time.Now().UTC()
		return true
	case Active:
		return false
	default:
		log.Debugf("ignoring activate on %s call %s", c.Status, c.ID)
		return false
	}
}

// end moves any state → Ended. The universal escape transition; idempotent.
func (c *Call) end() bool {
	if c.Status == Ended {
		return false
	}
	c.Status = Ended
	c.EndedAt = time.Now().UTC()
	return true
}

// wireInfo is the serialized form used for snapshots and sync.
func (c *Call) wireInfo() signal.CallInfo {
	return signal.CallInfo{
		CallID:        c.ID,
		InitiatorID:   c.InitiatorID,
		InitiatorName: c.InitiatorName,
		GroupID:       c.GroupID,
		Media:         c.Media,
		Status:        c.Status.wireStatus(),
		StartedAt:     c.StartedAt,
	}
}

// wireRoster is the serialized roster (no media flags).
func (c *Call) wireRoster() []signal.ParticipantInfo {
	roster := c.Roster()
	out := make([]signal.ParticipantInfo, 0, len(roster))
	for _, p := range roster {
		out = append(out, signal.ParticipantInfo{UserID: p.UserID, DisplayName: p.DisplayName})
	}
	return out
}

// callFromWire rebuilds a Call from its persisted/synced form.
func callFromWire(info signal.CallInfo, roster []signal.ParticipantInfo) *Call {
	c := &Call{
		ID:            info.CallID,
		InitiatorID:   info.InitiatorID,
		InitiatorName: info.InitiatorName,
		GroupID:       info.GroupID,
		Media:         info.Media,
		Status:        statusFromWire(info.Status),
		StartedAt:     info.StartedAt,
		byUser:        make(map[string]*Participant),
	}
	for _, p := range roster {
		c.merge(Participant{UserID: p.UserID, DisplayName: p.DisplayName})
	}
	return c
}
