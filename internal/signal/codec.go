package signal

import (
	"encoding/json"
	"fmt"
)

// envelope is the outer wire frame: kind discriminator plus raw payload.
type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode frames a message as newline-free JSON ready for one websocket frame.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("signal: marshal %s payload: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Kind: msg.Kind(), Payload: payload})
}

// Decode parses one wire frame into its typed message. Unknown kinds are an
// error so protocol drift surfaces loudly instead of as silently-ignored
// map lookups.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("signal: decode envelope: %w", err)
	}

	var msg Message
	switch env.Kind {
	case KindAnnounce:
		msg = &Announce{}
	case KindStartCall:
		msg = &StartCall{}
	case KindIncomingCall:
		msg = &IncomingCall{}
	case KindAcceptCall:
		msg = &AcceptCall{}
	case KindRejectCall:
		msg = &RejectCall{}
	case KindEndCall:
		msg = &EndCall{}
	case KindLeave:
		msg = &Leave{}
	case KindJoined:
		msg = &Joined{}
	case KindLeft:
		msg = &Left{}
	case KindOffer:
		msg = &Offer{}
	case KindAnswer:
		msg = &Answer{}
	case KindICECandidate:
		msg = &ICECandidate{}
	case KindSyncRequest:
		msg = &SyncRequest{}
	case KindSyncResponse:
		msg = &SyncResponse{}
	default:
		return nil, fmt.Errorf("signal: unknown kind %q", env.Kind)
	}

	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("signal: decode %s payload: %w", env.Kind, err)
	}
	return deref(msg), nil
}

// deref returns the value form so type switches over Message see value types
// on both the send and receive paths.
func deref(msg Message) Message {
	switch m := msg.(type) {
	case *Announce:
		return *m
	case *StartCall:
		return *m
	case *IncomingCall:
		return *m
	case *AcceptCall:
		return *m
	case *RejectCall:
		return *m
	case *EndCall:
		return *m
	case *Leave:
		return *m
	case *Joined:
		return *m
	case *Left:
		return *m
	case *Offer:
		return *m
	case *Answer:
		return *m
	case *ICECandidate:
		return *m
	case *SyncRequest:
		return *m
	case *SyncResponse:
		return *m
	}
	return msg
}

// Target returns the user a peer-scoped message is addressed to, or "" for
// group fan-out messages. The relay uses this to pick unicast vs broadcast.
func Target(msg Message) string {
	switch m := msg.(type) {
	case Offer:
		return m.Target
	case Answer:
		return m.Target
	case ICECandidate:
		return m.Target
	}
	return ""
}
