package relay

import (
	"sync"
	"time"

	"github.com/hearthapp/hearth/internal/signal"
)

// callRecord is the relay's authoritative view of one call. Participants are
// kept in join order; the initiator is always first.
type callRecord struct {
	info    signal.CallInfo
	invited []string
	order   []string
	members map[string]signal.ParticipantInfo
	touched time.Time
}

// registry tracks every live call the relay has seen. It is the authority
// that answers SyncRequest for recovering clients.
type registry struct {
	mu    sync.Mutex
	calls map[string]*callRecord
}

func newRegistry() *registry {
	return &registry{calls: make(map[string]*callRecord)}
}

// start records a new ringing call. Restarting a known call ID is a no-op
// (duplicate StartCall delivery).
func (r *registry) start(m signal.StartCall, callerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[m.CallID]; ok {
		return
	}
	rec := &callRecord{
		info: signal.CallInfo{
			CallID:        m.CallID,
			InitiatorID:   m.CallerID,
			InitiatorName: callerName,
			GroupID:       m.GroupID,
			Media:         m.Media,
			Status:        "ringing",
		},
		invited: append([]string(nil), m.Participants...),
		members: map[string]signal.ParticipantInfo{},
		touched: time.Now(),
	}
	rec.members[m.CallerID] = signal.ParticipantInfo{UserID: m.CallerID, DisplayName: callerName}
	rec.order = append(rec.order, m.CallerID)
	r.calls[m.CallID] = rec
}

// accept merges the acceptor into the call and promotes ringing to active on
// the first accept. Idempotent per user. Returns the roster after the merge
// and whether the call is known and not ended.
func (r *registry) accept(callID, userID, userName string) ([]signal.ParticipantInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.calls[callID]
	if !ok || rec.info.Status == "ended" {
		return nil, false
	}
	if rec.info.Status == "ringing" {
		rec.info.Status = "active"
		rec.info.StartedAt = time.Now().UTC()
	}
	if _, exists := rec.members[userID]; !exists {
		rec.order = append(rec.order, userID)
	}
	rec.members[userID] = signal.ParticipantInfo{UserID: userID, DisplayName: userName}
	rec.touched = time.Now()
	return rec.roster(), true
}

// ringingInvites returns an IncomingCall for every still-ringing call that
// invited userID, so a client announcing after the ring began still rings.
func (r *registry) ringingInvites(groupID, userID string) []signal.IncomingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signal.IncomingCall
	for _, rec := range r.calls {
		if rec.info.GroupID != groupID || rec.info.Status != "ringing" {
			continue
		}
		for _, id := range rec.invited {
			if id == userID {
				out = append(out, signal.IncomingCall{
					CallID:       rec.info.CallID,
					CallerID:     rec.info.InitiatorID,
					CallerName:   rec.info.InitiatorName,
					GroupID:      rec.info.GroupID,
					Media:        rec.info.Media,
					Participants: append([]string(nil), rec.invited...),
				})
				break
			}
		}
	}
	return out
}

// leave removes one participant. When the roster empties the call ends.
// Returns the remaining roster and whether the call just ended.
func (r *registry) leave(callID, userID string) ([]signal.ParticipantInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.calls[callID]
	if !ok {
		return nil, false
	}
	if _, exists := rec.members[userID]; exists {
		delete(rec.members, userID)
		for i, id := range rec.order {
			if id == userID {
				rec.order = append(rec.order[:i], rec.order[i+1:]...)
				break
			}
		}
	}
	rec.touched = time.Now()
	if len(rec.members) <= 1 {
		rec.info.Status = "ended"
		delete(r.calls, callID)
		return rec.roster(), true
	}
	return rec.roster(), false
}

// end terminates the call for everyone. Idempotent.
func (r *registry) end(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.calls[callID]; ok {
		rec.info.Status = "ended"
		delete(r.calls, callID)
	}
}

// lookup returns the authoritative state for callID. Unknown calls come back
// with Status "ended" so a recovering client can discard its snapshot.
func (r *registry) lookup(callID string) (signal.CallInfo, []signal.ParticipantInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.calls[callID]
	if !ok {
		return signal.CallInfo{CallID: callID, Status: "ended"}, nil
	}
	return rec.info, rec.roster()
}

// prune drops calls untouched since cutoff (abandoned ringing calls whose
// participants all vanished without Leave/End).
func (r *registry) prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.calls {
		if rec.touched.Before(cutoff) {
			delete(r.calls, id)
			n++
		}
	}
	return n
}

func (rec *callRecord) roster() []signal.ParticipantInfo {
	out := make([]signal.ParticipantInfo, 0, len(rec.order))
	for _, id := range rec.order {
		if p, ok := rec.members[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
