//go:build linux && cgo

package media

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

type deviceCapture struct{}

// Acquire captures local camera/mic via pion/mediadevices (V4L2 + malgo).
// GetUserMedia fails as a unit if either track can't be opened, so try the
// richest constraint set first and degrade: a busy microphone must not
// prevent the camera from working and vice versa.
func (deviceCapture) Acquire(ctx context.Context, withVideo bool) (Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, &Error{Reason: Unsupported, Err: err}
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, &Error{Reason: Unsupported, Err: err}
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, &Error{Reason: Unsupported, Err: err}
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5 s is far too
	// short for home networks during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	if devices := mediadevices.EnumerateDevices(); len(devices) == 0 {
		return nil, &Error{Reason: DeviceNotFound, Err: errNoDevices}
	} else {
		for _, d := range devices {
			log.Debugf("media device: kind=%v label=%q", d.Kind, d.Label)
		}
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if !withVideo {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		select {
		case <-ctx.Done():
			return nil, &Error{Reason: DeviceBusy, Err: ctx.Err()}
		default:
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480 — higher resolutions increase VP8 encoding
				// latency without helping a family call.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
		}
		log.Infof("local media captured (%s), %d track(s)", a.label, len(tracks))
		return &deviceSource{api: api, tracks: tracks}, nil
	}

	return nil, classify(lastErr)
}

var errNoDevices = &noDevicesError{}

type noDevicesError struct{}

func (*noDevicesError) Error() string { return "no media devices found" }

// classify maps driver errors onto the media error taxonomy by message,
// since V4L2/malgo errors surface as opaque strings.
func classify(err error) *Error {
	if err == nil {
		return &Error{Reason: DeviceNotFound, Err: errNoDevices}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "access denied"):
		return &Error{Reason: PermissionDenied, Err: err}
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return &Error{Reason: DeviceBusy, Err: err}
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such"):
		return &Error{Reason: DeviceNotFound, Err: err}
	default:
		return &Error{Reason: Unsupported, Err: err}
	}
}

// deviceSource lends mediadevices tracks to peer connections and gates
// their outbound senders for mute/video-off.
type deviceSource struct {
	api *webrtc.API
	out outbound

	mu     sync.Mutex
	tracks []mediadevices.Track
	closed bool
}

func (s *deviceSource) CreatePeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	pc, err := s.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	tracks := s.tracks
	s.mu.Unlock()
	if closed || len(tracks) == 0 {
		addRecvOnlyTransceivers(pc)
		return pc, nil
	}
	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			log.Warnf("AddTrack: %v", err)
			continue
		}
		s.out.add(track.Kind() == webrtc.RTPCodecTypeAudio, sender, track)
	}
	return pc, nil
}

func (s *deviceSource) ToggleMute() bool {
	muted := s.out.toggleMute()
	log.Infof("audio muted=%v", muted)
	return muted
}

func (s *deviceSource) ToggleVideo() bool {
	off := s.out.toggleVideo()
	log.Infof("video disabled=%v", off)
	return off
}

func (s *deviceSource) Muted() bool    { return s.out.isMuted() }
func (s *deviceSource) VideoOff() bool { return s.out.isVideoOff() }

// Close stops all device tracks synchronously so camera/mic indicator lights
// turn off before the caller returns. Idempotent.
func (s *deviceSource) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	s.out.reset()
	for _, t := range tracks {
		_ = t.Close()
	}
}

// addRecvOnlyTransceivers keeps CreateOffer/CreateAnswer producing valid
// m-lines with ICE credentials even when local capture failed.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("AddTransceiver(%s): %v", kind, err)
		}
	}
}
