package call

import (
	"fmt"
	"sync"

	"github.com/hearthapp/hearth/internal/signal"
)

// sessionRegistry tracks the peer sessions of the current call, keyed by
// remote user ID. Candidates addressed to a peer we have no session for yet
// are queued here — a candidate on its own never creates a session.
type sessionRegistry struct {
	selfID string

	mu       sync.Mutex
	callID   string
	factory  connFactory
	send     func(signal.Message)
	onGone   func(peerID string, reason string)
	sessions map[string]*PeerSession
	pending  map[string][]signal.CandidateInfo
}

func newSessionRegistry(selfID string) *sessionRegistry {
	return &sessionRegistry{
		selfID:   selfID,
		sessions: map[string]*PeerSession{},
		pending:  map[string][]signal.CandidateInfo{},
	}
}

// reset binds the registry to a new call. Any leftover sessions from a
// previous call are closed first.
func (r *sessionRegistry) reset(callID string, factory connFactory, send func(signal.Message), onGone func(peerID, reason string)) {
	r.closeAll()
	r.mu.Lock()
	r.callID = callID
	r.factory = factory
	r.send = send
	r.onGone = onGone
	r.pending = map[string][]signal.CandidateInfo{}
	r.mu.Unlock()
}

// setFactory arms session creation once local media is available. Until
// then the registry only queues candidates; it never builds sessions.
func (r *sessionRegistry) setFactory(f connFactory) {
	r.mu.Lock()
	r.factory = f
	r.mu.Unlock()
}

func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ensureSession returns the session for peerID, creating it when absent.
// Creation drains the registry-level candidate queue into the new session,
// preserving arrival order.
func (r *sessionRegistry) ensureSession(peerID string) (*PeerSession, error) {
	r.mu.Lock()
	if s, ok := r.sessions[peerID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	factory, send, callID := r.factory, r.send, r.callID
	queued := r.pending[peerID]
	delete(r.pending, peerID)
	r.mu.Unlock()

	if factory == nil {
		return nil, fmt.Errorf("no active call for peer %s", peerID)
	}
	conn, err := factory()
	if err != nil {
		return nil, fmt.Errorf("peer connection for %s: %w", peerID, err)
	}
	s := newPeerSession(peerID, conn)
	conn.OnCandidate(func(ci signal.CandidateInfo) {
		send(signal.ICECandidate{CallID: callID, From: r.selfID, Target: peerID, Candidate: ci})
	})
	conn.OnStateChange(func(st PeerState) {
		r.handleState(peerID, st)
	})

	r.mu.Lock()
	// Lost the race to a concurrent ensureSession.
	if existing, ok := r.sessions[peerID]; ok {
		r.mu.Unlock()
		s.close()
		return existing, nil
	}
	r.sessions[peerID] = s
	r.mu.Unlock()

	for _, ci := range queued {
		s.addCandidate(ci)
	}
	return s, nil
}

// dispatchLocalOffer opens (or reuses) a session toward peerID and sends the
// offer over signaling.
func (r *sessionRegistry) dispatchLocalOffer(peerID string) error {
	s, err := r.ensureSession(peerID)
	if err != nil {
		return err
	}
	sdp, err := s.sendOffer()
	if err != nil {
		r.fail(peerID, err)
		return &negotiationError{peerID: peerID, err: err}
	}
	r.mu.Lock()
	send, callID := r.send, r.callID
	r.mu.Unlock()
	send(signal.Offer{CallID: callID, From: r.selfID, Target: peerID, SDP: sdp})
	return nil
}

// handleRemoteOffer answers an inbound offer from peerID.
func (r *sessionRegistry) handleRemoteOffer(peerID, sdp string) error {
	s, err := r.ensureSession(peerID)
	if err != nil {
		return err
	}
	answerSDP, err := s.answer(sdp)
	if err != nil {
		r.fail(peerID, err)
		return &negotiationError{peerID: peerID, err: err}
	}
	r.mu.Lock()
	send, callID := r.send, r.callID
	r.mu.Unlock()
	send(signal.Answer{CallID: callID, From: r.selfID, Target: peerID, SDP: answerSDP})
	return nil
}

// handleRemoteAnswer completes a negotiation we initiated. An answer for an
// unknown peer is dropped: we never offered to them.
func (r *sessionRegistry) handleRemoteAnswer(peerID, sdp string) error {
	r.mu.Lock()
	s, ok := r.sessions[peerID]
	r.mu.Unlock()
	if !ok {
		log.Debugf("answer from %s without a session, dropping", peerID)
		return nil
	}
	if err := s.acceptAnswer(sdp); err != nil {
		r.fail(peerID, err)
		return &negotiationError{peerID: peerID, err: err}
	}
	return nil
}

// handleRemoteCandidate routes a candidate to its session, or queues it when
// the session does not exist yet.
func (r *sessionRegistry) handleRemoteCandidate(peerID string, ci signal.CandidateInfo) {
	r.mu.Lock()
	s, ok := r.sessions[peerID]
	if !ok {
		r.pending[peerID] = append(r.pending[peerID], ci)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	s.addCandidate(ci)
}

// pendingFor reports how many candidates are queued for a peer with no
// session yet.
func (r *sessionRegistry) pendingFor(peerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[peerID])
}

// closeSession removes and closes one session. Returns whether it existed.
func (r *sessionRegistry) closeSession(peerID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[peerID]
	if ok {
		delete(r.sessions, peerID)
	}
	delete(r.pending, peerID)
	r.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

// closeAll tears down every session and clears queued candidates.
func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = map[string]*PeerSession{}
	r.pending = map[string][]signal.CandidateInfo{}
	r.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}

// fail closes the failed session. Only that peer's session is affected; the
// caller decides how to surface it (the onGone callback is reserved for
// async transport-state changes to keep lock ordering single-direction).
func (r *sessionRegistry) fail(peerID string, err error) {
	log.Warnf("peer %s: negotiation failed: %v", peerID, err)
	r.closeSession(peerID)
}

// handleState reacts to transport-level state changes from the peer
// connection. Runs on pion callback goroutines, so it must not be holding
// r.mu when calling back out.
func (r *sessionRegistry) handleState(peerID string, st PeerState) {
	log.Debugf("peer %s: state %s", peerID, st)
	switch st {
	case PeerDisconnected, PeerClosed:
		if r.closeSession(peerID) {
			r.notifyGone(peerID, st.String())
		}
	default:
		r.mu.Lock()
		s, ok := r.sessions[peerID]
		r.mu.Unlock()
		if ok {
			s.setState(st)
		}
	}
}

func (r *sessionRegistry) notifyGone(peerID, reason string) {
	r.mu.Lock()
	onGone := r.onGone
	r.mu.Unlock()
	if onGone != nil {
		onGone(peerID, reason)
	}
}
