package call

import (
	"sync"

	"github.com/hearthapp/hearth/internal/signal"
)

// PeerSession owns the negotiation with one remote participant. Candidates
// that arrive before the remote description is applied are queued and
// flushed in arrival order — trickled ICE has no ordering guarantee against
// the offer/answer exchange.
type PeerSession struct {
	peerID string
	conn   peerConn

	mu        sync.Mutex
	state     PeerState
	remoteSet bool
	pending   []signal.CandidateInfo
	closed    bool
}

func newPeerSession(peerID string, conn peerConn) *PeerSession {
	return &PeerSession{peerID: peerID, conn: conn, state: PeerNew}
}

// PeerID returns the remote participant this session negotiates with.
func (s *PeerSession) PeerID() string { return s.peerID }

// State returns the last observed connection state.
func (s *PeerSession) State() PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *PeerSession) setState(st PeerState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// sendOffer produces the local offer SDP (offering side).
func (s *PeerSession) sendOffer() (string, error) {
	s.setState(PeerNegotiating)
	return s.conn.CreateOffer()
}

// answer applies the remote offer and produces the local answer (answering
// side), then flushes any queued candidates.
func (s *PeerSession) answer(offerSDP string) (string, error) {
	s.setState(PeerNegotiating)
	sdp, err := s.conn.CreateAnswer(offerSDP)
	if err != nil {
		return "", err
	}
	s.flushPending()
	return sdp, nil
}

// acceptAnswer applies the remote answer (offering side), then flushes any
// queued candidates.
func (s *PeerSession) acceptAnswer(sdp string) error {
	if err := s.conn.AcceptAnswer(sdp); err != nil {
		return err
	}
	s.flushPending()
	return nil
}

// addCandidate applies a remote candidate, queueing it while no remote
// description is present. Queued candidates are never dropped.
func (s *PeerSession) addCandidate(ci signal.CandidateInfo) {
	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, ci)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.conn.AddCandidate(ci); err != nil {
		log.Warnf("peer %s: add candidate: %v", s.peerID, err)
	}
}

// flushPending marks the remote description applied and drains the queue in
// arrival order.
func (s *PeerSession) flushPending() {
	s.mu.Lock()
	s.remoteSet = true
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, ci := range queued {
		if err := s.conn.AddCandidate(ci); err != nil {
			log.Warnf("peer %s: flush candidate: %v", s.peerID, err)
		}
	}
}

// close tears the session down and releases its media-track bindings.
// Idempotent.
func (s *PeerSession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = PeerClosed
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil {
		log.Debugf("peer %s: close: %v", s.peerID, err)
	}
}
