// Package signal defines the wire protocol spoken between clients and the
// relay. Every message is a typed struct behind the Message interface; the
// envelope carries a kind discriminator so decoding is an exhaustive switch
// instead of duck-typed field sniffing.
package signal

import "time"

// Kind discriminates signaling messages on the wire.
type Kind string

const (
	KindAnnounce     Kind = "announce"
	KindStartCall    Kind = "start-call"
	KindIncomingCall Kind = "incoming-call"
	KindAcceptCall   Kind = "accept-call"
	KindRejectCall   Kind = "reject-call"
	KindEndCall      Kind = "end-call"
	KindLeave        Kind = "leave"
	KindJoined       Kind = "joined"
	KindLeft         Kind = "left"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindSyncRequest  Kind = "sync-request"
	KindSyncResponse Kind = "sync-response"
)

// Reject reasons carried by RejectCall.
const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
)

// Media kinds for a call.
const (
	MediaAudio = "audio"
	MediaVideo = "video"
)

// Message is implemented by every signaling payload.
type Message interface {
	Kind() Kind
	// Call returns the call ID the message refers to, or "" for messages
	// that exist outside any call (Announce).
	Call() string
}

// ParticipantInfo is the wire form of one roster entry. Media tracks and
// session objects are never serialized.
type ParticipantInfo struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// CallInfo is the wire form of a call, used by SyncResponse. Date fields
// ride as RFC 3339 strings via encoding/json.
type CallInfo struct {
	CallID        string    `json:"call_id"`
	InitiatorID   string    `json:"initiator_id"`
	InitiatorName string    `json:"initiator_name"`
	GroupID       string    `json:"group_id"`
	Media         string    `json:"media"`
	Status        string    `json:"status"` // "ringing" | "active" | "ended"
	StartedAt     time.Time `json:"started_at,omitempty"`
}

// CandidateInfo mirrors the fields of a trickled ICE candidate without
// importing pion types into the wire package.
type CandidateInfo struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// Announce registers the sender in its group scope so the relay can route
// IncomingCall to it. Re-announcing after reconnect is idempotent.
type Announce struct {
	GroupID  string `json:"group_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// StartCall is sent by the initiator to its group.
type StartCall struct {
	CallID       string   `json:"call_id"`
	CallerID     string   `json:"caller_id"`
	CallerName   string   `json:"caller_name"`
	GroupID      string   `json:"group_id"`
	Media        string   `json:"media"`
	Participants []string `json:"participants"`
}

// IncomingCall is the relay's fan-out of StartCall to each target.
type IncomingCall struct {
	CallID       string   `json:"call_id"`
	CallerID     string   `json:"caller_id"`
	CallerName   string   `json:"caller_name"`
	GroupID      string   `json:"group_id"`
	Media        string   `json:"media"`
	Participants []string `json:"participants"`
}

// AcceptCall is sent by an acceptor to the group.
type AcceptCall struct {
	CallID         string            `json:"call_id"`
	AcceptedBy     string            `json:"accepted_by"`
	AcceptedByName string            `json:"accepted_by_name"`
	Participants   []ParticipantInfo `json:"participants,omitempty"`
}

// RejectCall is sent by a rejector to the group.
type RejectCall struct {
	CallID     string `json:"call_id"`
	RejectedBy string `json:"rejected_by"`
	Reason     string `json:"reason"`
}

// EndCall ends the call for everyone.
type EndCall struct {
	CallID   string `json:"call_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// Leave removes only the sender from the call.
type Leave struct {
	CallID   string `json:"call_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// Joined is the relay's fan-out confirmation that a participant joined.
type Joined struct {
	CallID       string            `json:"call_id"`
	UserID       string            `json:"user_id"`
	UserName     string            `json:"user_name"`
	Participants []ParticipantInfo `json:"participants,omitempty"`
}

// Left is the relay's fan-out confirmation that a participant left.
type Left struct {
	CallID       string            `json:"call_id"`
	UserID       string            `json:"user_id"`
	UserName     string            `json:"user_name"`
	Participants []ParticipantInfo `json:"participants,omitempty"`
}

// Offer carries an SDP offer peer to peer.
type Offer struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
	Target string `json:"target"`
	SDP    string `json:"sdp"`
}

// Answer carries an SDP answer peer to peer.
type Answer struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
	Target string `json:"target"`
	SDP    string `json:"sdp"`
}

// ICECandidate carries one trickled candidate peer to peer.
type ICECandidate struct {
	CallID    string        `json:"call_id"`
	From      string        `json:"from"`
	Target    string        `json:"target"`
	Candidate CandidateInfo `json:"candidate"`
}

// SyncRequest asks the relay for the authoritative state of a call,
// issued by a recovering client after restoring its snapshot.
type SyncRequest struct {
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
}

// SyncResponse is the relay's authoritative answer to a SyncRequest.
// A zero-value CallData with Status "ended" means the call no longer exists.
type SyncResponse struct {
	CallID       string            `json:"call_id"`
	CallData     CallInfo          `json:"call_data"`
	Participants []ParticipantInfo `json:"participants"`
}

func (Announce) Kind() Kind     { return KindAnnounce }
func (StartCall) Kind() Kind    { return KindStartCall }
func (IncomingCall) Kind() Kind { return KindIncomingCall }
func (AcceptCall) Kind() Kind   { return KindAcceptCall }
func (RejectCall) Kind() Kind   { return KindRejectCall }
func (EndCall) Kind() Kind      { return KindEndCall }
func (Leave) Kind() Kind        { return KindLeave }
func (Joined) Kind() Kind       { return KindJoined }
func (Left) Kind() Kind         { return KindLeft }
func (Offer) Kind() Kind        { return KindOffer }
func (Answer) Kind() Kind       { return KindAnswer }
func (ICECandidate) Kind() Kind { return KindICECandidate }
func (SyncRequest) Kind() Kind  { return KindSyncRequest }
func (SyncResponse) Kind() Kind { return KindSyncResponse }

func (Announce) Call() string       { return "" }
func (m StartCall) Call() string    { return m.CallID }
func (m IncomingCall) Call() string { return m.CallID }
func (m AcceptCall) Call() string   { return m.CallID }
func (m RejectCall) Call() string   { return m.CallID }
func (m EndCall) Call() string      { return m.CallID }
func (m Leave) Call() string        { return m.CallID }
func (m Joined) Call() string       { return m.CallID }
func (m Left) Call() string         { return m.CallID }
func (m Offer) Call() string        { return m.CallID }
func (m Answer) Call() string       { return m.CallID }
func (m ICECandidate) Call() string { return m.CallID }
func (m SyncRequest) Call() string  { return m.CallID }
func (m SyncResponse) Call() string { return m.CallID }
