package call

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/hearthapp/hearth/internal/signal"
)

// PeerState is the connection state of one peer session.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerNegotiating
	PeerConnected
	PeerDisconnected
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerNegotiating:
		return "negotiating"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// peerConn abstracts the negotiation surface of a peer connection so session
// logic is testable without device or network access.
type peerConn interface {
	// CreateOffer produces a local offer SDP and applies it as the local
	// description.
	CreateOffer() (string, error)
	// CreateAnswer applies the remote offer and produces the local answer.
	CreateAnswer(offerSDP string) (string, error)
	// AcceptAnswer applies the remote answer on the offering side.
	AcceptAnswer(sdp string) error
	// AddCandidate applies one remote ICE candidate. Only valid after a
	// remote description has been applied.
	AddCandidate(c signal.CandidateInfo) error
	// OnCandidate registers the trickle callback for locally gathered
	// candidates.
	OnCandidate(fn func(signal.CandidateInfo))
	// OnStateChange registers the connection-state callback.
	OnStateChange(fn func(PeerState))
	Close() error
}

// connFactory builds one peerConn per remote participant, with local media
// already attached.
type connFactory func() (peerConn, error)

// pionConn implements peerConn on a pion PeerConnection.
type pionConn struct {
	pc *webrtc.PeerConnection

	statsMu sync.Mutex
	packets map[string]*uint64 // remote track ID → packet counter
}

func newPionConn(pc *webrtc.PeerConnection) *pionConn {
	c := &pionConn{pc: pc, packets: make(map[string]*uint64)}
	pc.OnTrack(c.onTrack)
	return c
}

func (c *pionConn) CreateOffer() (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (c *pionConn) CreateAnswer(offerSDP string) (string, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (c *pionConn) AcceptAnswer(sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (c *pionConn) AddCandidate(ci signal.CandidateInfo) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	})
}

func (c *pionConn) OnCandidate(fn func(signal.CandidateInfo)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // gathering complete
		}
		init := cand.ToJSON()
		fn(signal.CandidateInfo{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (c *pionConn) OnStateChange(fn func(PeerState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(mapPeerState(s))
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

func mapPeerState(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return PeerNew
	case webrtc.PeerConnectionStateConnecting:
		return PeerNegotiating
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	default: // Failed, Closed
		return PeerClosed
	}
}

// onTrack drains inbound RTP and, for video, periodically requests a
// keyframe via PLI so late joiners and lossy links recover without waiting
// for the encoder's own interval.
func (c *pionConn) onTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	var count uint64
	c.statsMu.Lock()
	c.packets[remote.ID()] = &count
	c.statsMu.Unlock()

	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(3 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					err := c.pc.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
					})
					if err != nil {
						return
					}
				}
			}
		}()
	}

	var prev *rtp.Packet
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if err != io.EOF {
				log.Debugf("track %s read: %v", remote.ID(), err)
			}
			return
		}
		if gap := seqGap(prev, pkt); gap > 0 {
			log.Debugf("track %s lost %d packet(s)", remote.ID(), gap)
		}
		prev = pkt
		atomic.AddUint64(&count, 1)
	}
}

// seqGap reports how many packets were skipped between prev and next,
// accounting for 16-bit sequence wraparound.
func seqGap(prev, next *rtp.Packet) int {
	if prev == nil {
		return 0
	}
	diff := next.SequenceNumber - prev.SequenceNumber // wraps naturally
	if diff == 0 || diff > 1<<15 {
		return 0 // duplicate or reorder
	}
	return int(diff) - 1
}

// TrackPackets reports packets received per remote track, for diagnostics.
func (c *pionConn) TrackPackets() map[string]uint64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := make(map[string]uint64, len(c.packets))
	for id, n := range c.packets {
		out[id] = atomic.LoadUint64(n)
	}
	return out
}
