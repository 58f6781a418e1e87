package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/hearthapp/hearth/internal/media"
	"github.com/hearthapp/hearth/internal/signal"
	"github.com/hearthapp/hearth/internal/storage"
)

// defaultSnapshotTTL bounds how old a recovery snapshot may be before it is
// discarded instead of restored.
const defaultSnapshotTTL = 2 * time.Hour

// syncTimeout bounds how long a recovering client waits for the relay's
// authoritative answer before keeping its restored state as-is.
const syncTimeout = 5 * time.Second

// defaultRingTimeout bounds how long an outgoing call rings before it ends
// as unreachable. Invitees who are offline never answer and never reject,
// so without this the initiator would ring forever.
const defaultRingTimeout = 45 * time.Second

// Transport is the signaling connection the coordinator drives. Satisfied
// by transport.Client.
type Transport interface {
	Send(signal.Message) error
	Subscribe() (chan signal.Message, func())
}

// SnapshotStore persists the active call for crash recovery. Satisfied by
// storage.Store.
type SnapshotStore interface {
	Save(storage.Snapshot) error
	Load(ttl time.Duration) (*storage.Snapshot, error)
	Clear() error
}

// Options configures a Coordinator.
type Options struct {
	UserID      string
	DisplayName string
	GroupID     string

	Transport Transport
	Store     SnapshotStore
	Capture   media.Capture

	ICEServers  []webrtc.ICEServer
	SnapshotTTL time.Duration
	RingTimeout time.Duration
}

// Info is a point-in-time copy of the tracked call for callers outside the
// coordinator.
type Info struct {
	ID          string
	Status      Status
	Media       string
	InitiatorID string
	Roster      []Participant
}

// Coordinator owns the call lifecycle: it turns local operations and
// signaling messages into state-machine transitions, peer negotiations and
// UI events. At most one call is tracked at a time.
type Coordinator struct {
	selfID   string
	selfName string
	groupID  string

	transport Transport
	store     SnapshotStore
	capture   media.Capture
	iceCfg    webrtc.Configuration
	ttl       time.Duration
	ringTTL   time.Duration

	events   *Events
	registry *sessionRegistry
	newConn  func(media.Source) connFactory

	msgs  chan signal.Message
	unsub func()

	mu            sync.Mutex
	call          *Call
	resumed       bool
	source        media.Source
	pendingOffers []signal.Offer
	rejected      map[string]bool
	ringTimer     *time.Timer
}

// NewCoordinator wires a coordinator from its collaborators. Call Restore
// before the transport connects, then Run to consume signaling.
func NewCoordinator(opt Options) *Coordinator {
	ttl := opt.SnapshotTTL
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	ringTTL := opt.RingTimeout
	if ringTTL <= 0 {
		ringTTL = defaultRingTimeout
	}
	co := &Coordinator{
		selfID:    opt.UserID,
		selfName:  opt.DisplayName,
		groupID:   opt.GroupID,
		transport: opt.Transport,
		store:     opt.Store,
		capture:   opt.Capture,
		iceCfg:    webrtc.Configuration{ICEServers: opt.ICEServers},
		ttl:       ttl,
		ringTTL:   ringTTL,
		events:    NewEvents(),
		registry:  newSessionRegistry(opt.UserID),
	}
	co.newConn = co.factoryFor
	return co
}

// Events returns the lifecycle event registry for subscribers.
func (co *Coordinator) Events() *Events { return co.events }

// Current returns a copy of the tracked call, or an Idle Info when none.
func (co *Coordinator) Current() Info {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.call == nil {
		return Info{Status: Idle}
	}
	return Info{
		ID:          co.call.ID,
		Status:      co.call.Status,
		Media:       co.call.Media,
		InitiatorID: co.call.InitiatorID,
		Roster:      co.call.Roster(),
	}
}

// StartCall rings the given group members. Media is acquired before any
// signaling leaves the device, so a capture failure produces no ghost ring
// on the remote side. Returns the new call ID.
func (co *Coordinator) StartCall(ctx context.Context, targets []string, withVideo bool) (string, error) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.call != nil && co.call.Status != Ended {
		return "", ErrAlreadyInCall
	}

	src, err := co.capture.Acquire(ctx, withVideo)
	if err != nil {
		return "", fmt.Errorf("acquire media: %w", err)
	}

	kind := signal.MediaAudio
	if withVideo {
		kind = signal.MediaVideo
	}
	id := uuid.NewString()

	if err := co.transport.Send(signal.StartCall{
		CallID:       id,
		CallerID:     co.selfID,
		CallerName:   co.selfName,
		GroupID:      co.groupID,
		Media:        kind,
		Participants: targets,
	}); err != nil {
		src.Close()
		return "", fmt.Errorf("send start-call: %w", err)
	}

	co.call = newCall(id, co.selfID, co.selfName, co.groupID, kind, targets)
	co.source = src
	co.rejected = map[string]bool{}
	co.registry.reset(id, co.newConn(src), co.send, co.peerGone)
	co.persistLocked()
	co.ringTimer = time.AfterFunc(co.ringTTL, func() { co.ringExpired(id) })

	co.events.emit(Event{Kind: EventOutgoing, CallID: id, Media: kind, Roster: co.call.Roster()})
	log.Infof("started %s call %s to %d members", kind, id, len(targets))
	return id, nil
}

// AnswerCall accepts the ringing incoming call. Idempotent once active.
// Offers that arrived while ringing are replayed after media is up.
func (co *Coordinator) AnswerCall(ctx context.Context, callID string) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.call == nil || co.call.ID != callID {
		return ErrNoSuchCall
	}
	switch co.call.Status {
	case Active:
		return nil
	case Ringing:
	default:
		return ErrNoSuchCall
	}

	src, err := co.capture.Acquire(ctx, co.call.Media == signal.MediaVideo)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	if err := co.transport.Send(signal.AcceptCall{
		CallID:         callID,
		AcceptedBy:     co.selfID,
		AcceptedByName: co.selfName,
	}); err != nil {
		src.Close()
		return fmt.Errorf("send accept-call: %w", err)
	}

	co.source = src
	co.registry.setFactory(co.newConn(src))
	co.call.merge(Participant{UserID: co.selfID, DisplayName: co.selfName})
	if co.call.activate() {
		co.events.emit(Event{Kind: EventActive, CallID: callID, Media: co.call.Media, Roster: co.call.Roster()})
	}
	co.persistLocked()

	queued := co.pendingOffers
	co.pendingOffers = nil
	for _, off := range queued {
		if err := co.registry.handleRemoteOffer(off.From, off.SDP); err != nil {
			log.Warnf("replayed offer from %s: %v", off.From, err)
			co.dropPeerLocked(off.From, "negotiation-failed")
		}
	}
	return nil
}

// RejectCall declines the ringing incoming call. Any mismatch — no call,
// wrong ID, already active, or a call we initiated — is a silent no-op.
func (co *Coordinator) RejectCall(callID string) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.call == nil || co.call.ID != callID ||
		co.call.Status != Ringing || co.call.InitiatorID == co.selfID {
		return nil
	}

	co.send(signal.RejectCall{CallID: callID, RejectedBy: co.selfID, Reason: signal.ReasonDeclined})
	co.finishLocked(signal.ReasonDeclined)
	return nil
}

// EndCall hangs up. The initiator ends the call for everyone; any other
// participant only leaves. Local teardown is synchronous: when this returns
// there are no peer sessions and no live device tracks. Hanging up with no
// tracked call is a no-op, so UI teardown paths can call it unconditionally.
func (co *Coordinator) EndCall() error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.call == nil || co.call.Status == Ended {
		return nil
	}

	if co.call.InitiatorID == co.selfID {
		co.send(signal.EndCall{CallID: co.call.ID, UserID: co.selfID, UserName: co.selfName})
	} else {
		co.send(signal.Leave{CallID: co.call.ID, UserID: co.selfID, UserName: co.selfName})
	}
	co.finishLocked("local")
	return nil
}

// UpdateConfig applies a reloaded display name and ICE server list. Peer
// connections created after this use the new servers; sessions already
// negotiated keep the configuration they were built with.
func (co *Coordinator) UpdateConfig(displayName string, servers []webrtc.ICEServer) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if displayName != "" && displayName != co.selfName {
		co.selfName = displayName
		if co.call != nil {
			if p := co.call.participant(co.selfID); p != nil {
				p.DisplayName = displayName
			}
			co.events.emit(Event{Kind: EventRosterChanged, CallID: co.call.ID, Roster: co.call.Roster()})
		}
	}
	co.iceCfg = webrtc.Configuration{ICEServers: servers}
}

// ToggleMute flips the microphone and returns the new muted state.
func (co *Coordinator) ToggleMute() (bool, error) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.call == nil || co.source == nil {
		return false, ErrNoSuchCall
	}
	v := co.source.ToggleMute()
	if p := co.call.participant(co.selfID); p != nil {
		p.Muted = v
	}
	co.events.emit(Event{Kind: EventRosterChanged, CallID: co.call.ID, Roster: co.call.Roster()})
	return v, nil
}

// ToggleVideo flips the camera and returns the new video-off state.
func (co *Coordinator) ToggleVideo() (bool, error) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.call == nil || co.source == nil {
		return false, ErrNoSuchCall
	}
	v := co.source.ToggleVideo()
	if p := co.call.participant(co.selfID); p != nil {
		p.VideoOff = v
	}
	co.events.emit(Event{Kind: EventRosterChanged, CallID: co.call.ID, Roster: co.call.Roster()})
	return v, nil
}

// Restore subscribes to the transport and resumes any recoverable snapshot
// locally. Call it before the transport connects: the relay fans out
// immediately after the announce, and only an already-registered listener
// sees those messages. Reconciliation against the relay happens in Run.
func (co *Coordinator) Restore() {
	if co.msgs == nil {
		co.msgs, co.unsub = co.transport.Subscribe()
	}
	if co.store == nil {
		return
	}
	snap, err := co.store.Load(co.ttl)
	if err != nil {
		log.Warnf("recovery load: %v", err)
		return
	}
	if snap == nil {
		return
	}

	restored := callFromWire(snap.Call, snap.Roster)
	co.mu.Lock()
	co.call = restored
	co.resumed = true
	co.rejected = map[string]bool{}
	co.registry.reset(restored.ID, nil, co.send, co.peerGone)
	co.mu.Unlock()

	detail := ResumeReceiverActive
	if restored.InitiatorID == co.selfID {
		if restored.Status == Ringing {
			detail = ResumeInitiatorRinging
		} else {
			detail = ResumeInitiatorActive
		}
	}
	co.events.emit(Event{
		Kind:   EventResumed,
		CallID: restored.ID,
		Media:  restored.Media,
		Roster: restored.Roster(),
		Detail: detail,
	})
	log.Infof("resumed call %s (%s) from snapshot", restored.ID, restored.Status)
}

// Run reconciles a restored call against the relay, then consumes signaling
// until ctx is cancelled. The transport must be started by now; Restore must
// have run before it connected.
func (co *Coordinator) Run(ctx context.Context) error {
	if co.msgs == nil {
		co.Restore()
	}
	defer co.unsub()

	for _, m := range co.syncRestored(ctx) {
		co.dispatch(m)
	}

	for {
		select {
		case <-ctx.Done():
			co.shutdown()
			return ctx.Err()
		case m, ok := <-co.msgs:
			if !ok {
				co.shutdown()
				return nil
			}
			co.dispatch(m)
		}
	}
}

// syncRestored asks the relay for the authoritative state of the call
// Restore resumed. Messages that arrive before the sync answer are buffered
// and returned for replay, never dropped.
func (co *Coordinator) syncRestored(ctx context.Context) []signal.Message {
	co.mu.Lock()
	resumed := co.resumed
	co.resumed = false
	var callID string
	if co.call != nil {
		callID = co.call.ID
	}
	co.mu.Unlock()
	if !resumed || callID == "" {
		return nil
	}

	if err := co.transport.Send(signal.SyncRequest{CallID: callID, UserID: co.selfID}); err != nil {
		log.Warnf("sync request: %v", err)
		return nil
	}

	var buffered []signal.Message
	deadline := time.After(syncTimeout)
	for {
		select {
		case <-ctx.Done():
			return buffered
		case <-deadline:
			log.Warnf("no sync response for call %s, keeping restored state", callID)
			return buffered
		case m, ok := <-co.msgs:
			if !ok {
				return buffered
			}
			if sr, isSync := m.(signal.SyncResponse); isSync && sr.CallID == callID {
				co.reconcile(ctx, sr)
				return buffered
			}
			buffered = append(buffered, m)
		}
	}
}

// reconcile applies the relay's authoritative view over the restored call.
func (co *Coordinator) reconcile(ctx context.Context, sr signal.SyncResponse) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.call == nil || co.call.ID != sr.CallID {
		return
	}

	switch statusFromWire(sr.CallData.Status) {
	case Ended:
		log.Infof("call %s ended while away", sr.CallID)
		co.finishLocked("ended-remotely")

	case Active:
		co.call = callFromWire(sr.CallData, sr.Participants)
		co.call.Status = Active
		if co.source == nil {
			src, err := co.capture.Acquire(ctx, co.call.Media == signal.MediaVideo)
			if err != nil {
				log.Errorf("resume media: %v", err)
				co.send(signal.Leave{CallID: sr.CallID, UserID: co.selfID, UserName: co.selfName})
				co.finishLocked("media-unavailable")
				return
			}
			co.source = src
		}
		co.registry.setFactory(co.newConn(co.source))
		co.persistLocked()
		co.events.emit(Event{Kind: EventActive, CallID: co.call.ID, Media: co.call.Media, Roster: co.call.Roster()})
		// Rejoin the mesh: the recovering side offers to everyone else.
		for _, p := range co.call.Roster() {
			if p.UserID == co.selfID {
				continue
			}
			if err := co.registry.dispatchLocalOffer(p.UserID); err != nil {
				log.Warnf("rejoin offer to %s: %v", p.UserID, err)
				co.dropPeerLocked(p.UserID, "negotiation-failed")
			}
		}

	default: // still ringing, keep the restored state
		co.persistLocked()
	}
}

// dispatch routes one inbound signaling message. Unknown-call messages are
// dropped with a log line, matching the tolerant transition policy.
func (co *Coordinator) dispatch(m signal.Message) {
	switch msg := m.(type) {
	case signal.IncomingCall:
		co.onIncoming(msg)
	case signal.AcceptCall:
		co.onAdmit(msg.CallID, msg.AcceptedBy, msg.AcceptedByName, msg.Participants)
	case signal.Joined:
		co.onAdmit(msg.CallID, msg.UserID, msg.UserName, msg.Participants)
	case signal.RejectCall:
		co.onReject(msg)
	case signal.EndCall:
		co.onRemoteEnd(msg)
	case signal.Left:
		co.onLeft(msg)
	case signal.Offer:
		co.onOffer(msg)
	case signal.Answer:
		co.onAnswer(msg)
	case signal.ICECandidate:
		co.onCandidate(msg)
	case signal.SyncResponse:
		// Late answer after the recovery window closed.
		log.Debugf("dropping late sync response for %s", msg.CallID)
	default:
		log.Debugf("ignoring %s", m.Kind())
	}
}

// onIncoming tracks a remote-initiated call, or auto-rejects busy when a
// different call is already tracked.
func (co *Coordinator) onIncoming(msg signal.IncomingCall) {
	co.mu.Lock()
	if co.call != nil && co.call.Status != Ended {
		busy := co.call.ID != msg.CallID
		co.mu.Unlock()
		if busy {
			log.Infof("busy, auto-rejecting call %s from %s", msg.CallID, msg.CallerID)
			co.send(signal.RejectCall{CallID: msg.CallID, RejectedBy: co.selfID, Reason: signal.ReasonBusy})
		}
		return
	}

	call := newCall(msg.CallID, msg.CallerID, msg.CallerName, msg.GroupID, msg.Media, msg.Participants)
	co.call = call
	co.rejected = map[string]bool{}
	co.registry.reset(msg.CallID, nil, co.send, co.peerGone)
	roster := call.Roster()
	co.mu.Unlock()

	co.events.emit(Event{
		Kind:   EventIncoming,
		CallID: msg.CallID,
		Media:  msg.Media,
		Roster: roster,
		UserID: msg.CallerID,
	})
}

// onAdmit merges a newly joined participant. Activation happens here only
// on the initiator's side; a receiver that has not answered keeps ringing.
// Participants already media-ready offer to the newcomer, so the newcomer
// only ever answers.
func (co *Coordinator) onAdmit(callID, userID, userName string, roster []signal.ParticipantInfo) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.call == nil || co.call.ID != callID {
		log.Debugf("dropping join for unknown call %s", callID)
		return
	}

	for _, p := range roster {
		co.call.merge(Participant{UserID: p.UserID, DisplayName: p.DisplayName})
	}
	newly := co.call.merge(Participant{UserID: userID, DisplayName: userName})

	if co.call.InitiatorID == co.selfID && co.call.activate() {
		co.stopRingTimerLocked()
		co.events.emit(Event{Kind: EventActive, CallID: callID, Media: co.call.Media, Roster: co.call.Roster()})
	}

	if newly && userID != co.selfID && co.source != nil && co.call.Status == Active {
		if err := co.registry.dispatchLocalOffer(userID); err != nil {
			log.Warnf("offer to %s: %v", userID, err)
			co.dropPeerLocked(userID, "negotiation-failed")
			return
		}
	}
	if newly {
		co.events.emit(Event{Kind: EventRosterChanged, CallID: callID, Roster: co.call.Roster(), UserID: userID})
	}
	co.persistLocked()
}

// onReject records a decline on an outgoing call. When every invited member
// has rejected a still-ringing call, the call ends.
func (co *Coordinator) onReject(msg signal.RejectCall) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.call == nil || co.call.ID != msg.CallID || co.call.InitiatorID != co.selfID {
		return
	}

	co.rejected[msg.RejectedBy] = true
	co.events.emit(Event{
		Kind:   EventRejected,
		CallID: msg.CallID,
		UserID: msg.RejectedBy,
		Reason: msg.Reason,
	})

	if co.call.Status != Ringing {
		return
	}
	for _, id := range co.call.Invited {
		if !co.rejected[id] {
			return
		}
	}
	log.Infof("call %s rejected by everyone", msg.CallID)
	co.send(signal.EndCall{CallID: msg.CallID, UserID: co.selfID, UserName: co.selfName})
	co.finishLocked("all-rejected")
}

// ringExpired ends an outgoing call that is still ringing after the ring
// timeout: every invitee is offline or ignoring, so nobody will ever accept
// or reject.
func (co *Coordinator) ringExpired(callID string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.call == nil || co.call.ID != callID || co.call.Status != Ringing {
		return
	}
	log.Infof("call %s rang out, nobody reachable", callID)
	co.send(signal.EndCall{CallID: callID, UserID: co.selfID, UserName: co.selfName})
	co.finishLocked("unreachable")
}

func (co *Coordinator) stopRingTimerLocked() {
	if co.ringTimer != nil {
		co.ringTimer.Stop()
		co.ringTimer = nil
	}
}

func (co *Coordinator) onRemoteEnd(msg signal.EndCall) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.call == nil || co.call.ID != msg.CallID {
		return
	}
	co.finishLocked("ended-remotely")
}

func (co *Coordinator) onLeft(msg signal.Left) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.call == nil || co.call.ID != msg.CallID || msg.UserID == co.selfID {
		return
	}
	if !co.call.remove(msg.UserID) {
		return
	}
	co.registry.closeSession(msg.UserID)
	co.events.emit(Event{Kind: EventRosterChanged, CallID: msg.CallID, Roster: co.call.Roster(), UserID: msg.UserID})
	co.persistLocked()
}

// onOffer answers an inbound offer, or buffers it while the call is still
// ringing locally (media not yet acquired).
func (co *Coordinator) onOffer(msg signal.Offer) {
	co.mu.Lock()
	if co.call == nil || co.call.ID != msg.CallID {
		co.mu.Unlock()
		log.Debugf("dropping offer for unknown call %s", msg.CallID)
		return
	}
	if co.source == nil {
		co.pendingOffers = append(co.pendingOffers, msg)
		co.mu.Unlock()
		return
	}
	co.mu.Unlock()

	if err := co.registry.handleRemoteOffer(msg.From, msg.SDP); err != nil {
		log.Warnf("offer from %s: %v", msg.From, err)
		co.peerGone(msg.From, "negotiation-failed")
	}
}

func (co *Coordinator) onAnswer(msg signal.Answer) {
	co.mu.Lock()
	known := co.call != nil && co.call.ID == msg.CallID
	co.mu.Unlock()
	if !known {
		log.Debugf("dropping answer for unknown call %s", msg.CallID)
		return
	}
	if err := co.registry.handleRemoteAnswer(msg.From, msg.SDP); err != nil {
		log.Warnf("answer from %s: %v", msg.From, err)
		co.peerGone(msg.From, "negotiation-failed")
	}
}

func (co *Coordinator) onCandidate(msg signal.ICECandidate) {
	co.mu.Lock()
	known := co.call != nil && co.call.ID == msg.CallID
	co.mu.Unlock()
	if !known {
		log.Debugf("dropping candidate for unknown call %s", msg.CallID)
		return
	}
	co.registry.handleRemoteCandidate(msg.From, msg.Candidate)
}

// peerGone removes one participant after an async session-state failure.
// Runs off pion callbacks, never while co.mu is held.
func (co *Coordinator) peerGone(peerID, reason string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.dropPeerLocked(peerID, reason)
}

// dropPeerLocked removes one participant after a negotiation or transport
// failure. Only that peer leaves; the call itself stays up.
func (co *Coordinator) dropPeerLocked(peerID, reason string) {
	if co.call == nil || !co.call.remove(peerID) {
		return
	}
	co.persistLocked()
	co.events.emit(Event{Kind: EventPeerFailed, CallID: co.call.ID, UserID: peerID, Reason: reason})
	co.events.emit(Event{Kind: EventRosterChanged, CallID: co.call.ID, Roster: co.call.Roster(), UserID: peerID})
}

// finishLocked tears the call down locally: sessions, media, snapshot.
// Sends nothing; callers decide what, if anything, goes out first.
func (co *Coordinator) finishLocked(reason string) {
	call := co.call
	if call == nil {
		return
	}
	call.end()
	co.call = nil
	co.pendingOffers = nil
	co.rejected = nil
	co.stopRingTimerLocked()

	co.registry.closeAll()
	if co.source != nil {
		co.source.Close()
		co.source = nil
	}
	if co.store != nil {
		if err := co.store.Clear(); err != nil {
			log.Warnf("clear snapshot: %v", err)
		}
	}
	co.events.emit(Event{Kind: EventEnded, CallID: call.ID, Reason: reason})
	log.Infof("call %s ended (%s)", call.ID, reason)
}

// shutdown releases devices and sessions on process exit but keeps the
// snapshot, so an in-progress call can be resumed on the next start.
func (co *Coordinator) shutdown() {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.call != nil {
		co.persistLocked()
	}
	co.registry.closeAll()
	if co.source != nil {
		co.source.Close()
		co.source = nil
	}
}

// persistLocked writes the whole snapshot document. Ended calls are never
// persisted, and neither is a ring the local user has not answered: a
// restart must never resurrect an incoming call the user never committed
// to, let alone auto-join it.
func (co *Coordinator) persistLocked() {
	if co.store == nil || co.call == nil || co.call.Status == Ended {
		return
	}
	if co.call.InitiatorID != co.selfID && co.source == nil {
		return
	}
	snap := storage.Snapshot{
		Call:    co.call.wireInfo(),
		Roster:  co.call.wireRoster(),
		SavedAt: time.Now().UTC(),
	}
	if err := co.store.Save(snap); err != nil {
		log.Warnf("save snapshot: %v", err)
	}
}

// send fires a message where delivery failure is tolerable (the transport
// reconnects on its own); failures are logged, not surfaced.
func (co *Coordinator) send(msg signal.Message) {
	if err := co.transport.Send(msg); err != nil {
		log.Warnf("send %s: %v", msg.Kind(), err)
	}
}

func (co *Coordinator) factoryFor(src media.Source) connFactory {
	cfg := co.iceCfg
	return func() (peerConn, error) {
		pc, err := src.CreatePeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return newPionConn(pc), nil
	}
}
