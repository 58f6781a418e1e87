package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// trackSender is the slice of *webrtc.RTPSender the gate needs.
type trackSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// outbound registers every RTP sender created from the local source and
// gates what flows through them. Muting swaps the sender's track for nil,
// so remote peers stop receiving payload immediately; unmuting swaps it
// back. The m-line survives either way, so no renegotiation is needed.
type outbound struct {
	mu       sync.Mutex
	muted    bool
	videoOff bool
	senders  []gatedSender
}

type gatedSender struct {
	audio  bool
	sender trackSender
	track  webrtc.TrackLocal
}

// add registers a sender and applies the current gate to it, so a peer
// joining mid-mute does not hear the first few seconds.
func (o *outbound) add(audio bool, s trackSender, track webrtc.TrackLocal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.senders = append(o.senders, gatedSender{audio: audio, sender: s, track: track})
	if (audio && o.muted) || (!audio && o.videoOff) {
		if err := s.ReplaceTrack(nil); err != nil {
			log.Warnf("gate new sender: %v", err)
		}
	}
}

func (o *outbound) toggleMute() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.muted = !o.muted
	o.apply(true, o.muted)
	return o.muted
}

func (o *outbound) toggleVideo() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.videoOff = !o.videoOff
	o.apply(false, o.videoOff)
	return o.videoOff
}

// apply gates or restores every sender of one kind. A sender whose peer
// connection has closed fails ReplaceTrack and drops off the list.
func (o *outbound) apply(audio, off bool) {
	kept := o.senders[:0]
	for _, s := range o.senders {
		if s.audio != audio {
			kept = append(kept, s)
			continue
		}
		var err error
		if off {
			err = s.sender.ReplaceTrack(nil)
		} else {
			err = s.sender.ReplaceTrack(s.track)
		}
		if err != nil {
			log.Warnf("replace track: %v", err)
			continue
		}
		kept = append(kept, s)
	}
	o.senders = kept
}

func (o *outbound) isMuted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

func (o *outbound) isVideoOff() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.videoOff
}

func (o *outbound) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.senders = nil
}
