package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hearthapp/hearth/internal/media"
	"github.com/hearthapp/hearth/internal/signal"
	"github.com/hearthapp/hearth/internal/storage"
)

type fakeConn struct {
	mu         sync.Mutex
	offers     int
	answered   []string
	accepted   []string
	candidates []signal.CandidateInfo
	closed     bool
	failOffer  error
}

func (c *fakeConn) CreateOffer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOffer != nil {
		return "", c.failOffer
	}
	c.offers++
	return "offer-sdp", nil
}

func (c *fakeConn) CreateAnswer(offerSDP string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = append(c.answered, offerSDP)
	return "answer-sdp", nil
}

func (c *fakeConn) AcceptAnswer(sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted = append(c.accepted, sdp)
	return nil
}

func (c *fakeConn) AddCandidate(ci signal.CandidateInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) OnCandidate(func(signal.CandidateInfo)) {}
func (c *fakeConn) OnStateChange(func(PeerState))          {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeSource struct {
	mu       sync.Mutex
	closed   bool
	muted    bool
	videoOff bool
}

func (s *fakeSource) CreatePeerConnection(webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return nil, errors.New("not wired in tests")
}

func (s *fakeSource) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = !s.muted
	return s.muted
}

func (s *fakeSource) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOff = !s.videoOff
	return s.videoOff
}

func (s *fakeSource) Muted() bool    { return s.muted }
func (s *fakeSource) VideoOff() bool { return s.videoOff }

func (s *fakeSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

type fakeCapture struct {
	mu       sync.Mutex
	acquired int
	fail     error
	last     *fakeSource
}

func (c *fakeCapture) Acquire(context.Context, bool) (media.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	c.acquired++
	c.last = &fakeSource{}
	return c.last, nil
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []signal.Message
	failSend error
	inbox    chan signal.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan signal.Message, 64)}
}

func (t *fakeTransport) Send(m signal.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSend != nil {
		return t.failSend
	}
	t.sent = append(t.sent, m)
	return nil
}

func (t *fakeTransport) Subscribe() (chan signal.Message, func()) {
	return t.inbox, func() {}
}

func (t *fakeTransport) sentOf(kind signal.Kind) []signal.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []signal.Message
	for _, m := range t.sent {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

type fakeStore struct {
	mu     sync.Mutex
	snap   *storage.Snapshot
	saves  int
	clears int
}

func (s *fakeStore) Save(snap storage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := snap
	s.snap = &cp
	s.saves++
	return nil
}

func (s *fakeStore) Load(time.Duration) (*storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func (s *fakeStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
	s.clears++
	return nil
}

type testRig struct {
	co    *Coordinator
	tr    *fakeTransport
	cap   *fakeCapture
	store *fakeStore

	mu    sync.Mutex
	conns []*fakeConn
}

func newTestRig(selfID string) *testRig {
	rig := &testRig{
		tr:    newFakeTransport(),
		cap:   &fakeCapture{},
		store: &fakeStore{},
	}
	rig.co = NewCoordinator(Options{
		UserID:      selfID,
		DisplayName: "Self " + selfID,
		GroupID:     "family",
		Transport:   rig.tr,
		Store:       rig.store,
		Capture:     rig.cap,
	})
	rig.co.newConn = func(media.Source) connFactory {
		return func() (peerConn, error) {
			c := &fakeConn{}
			rig.mu.Lock()
			rig.conns = append(rig.conns, c)
			rig.mu.Unlock()
			return c, nil
		}
	}
	return rig
}

func (r *testRig) conn(i int) *fakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.conns) {
		return nil
	}
	return r.conns[i]
}

func drain(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestStartCallRefusedWhileInCall(t *testing.T) {
	rig := newTestRig("alice")
	ctx := context.Background()

	if _, err := rig.co.StartCall(ctx, []string{"bob"}, false); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := rig.co.StartCall(ctx, []string{"carol"}, false); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("second start: want ErrAlreadyInCall, got %v", err)
	}
	if got := len(rig.tr.sentOf(signal.KindStartCall)); got != 1 {
		t.Fatalf("start-call sent %d times, want 1", got)
	}
	if rig.cap.acquired != 1 {
		t.Fatalf("media acquired %d times, want 1", rig.cap.acquired)
	}
}

func TestStartCallMediaFailureSendsNothing(t *testing.T) {
	rig := newTestRig("alice")
	rig.cap.fail = &media.Error{Reason: media.PermissionDenied, Err: errors.New("denied")}

	_, err := rig.co.StartCall(context.Background(), []string{"bob"}, true)
	if err == nil {
		t.Fatal("want error")
	}
	if media.ReasonOf(err) != media.PermissionDenied {
		t.Fatalf("reason = %v, want permission-denied", media.ReasonOf(err))
	}
	if len(rig.tr.sent) != 0 {
		t.Fatalf("sent %d messages, want 0", len(rig.tr.sent))
	}
	if rig.co.Current().Status != Idle {
		t.Fatalf("status = %v, want idle", rig.co.Current().Status)
	}
}

func TestInitiatorActivatesOnFirstAccept(t *testing.T) {
	rig := newTestRig("alice")
	ch, cancel := rig.co.Events().Subscribe()
	defer cancel()

	id, err := rig.co.StartCall(context.Background(), []string{"bob", "carol"}, false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	rig.co.dispatch(signal.AcceptCall{CallID: id, AcceptedBy: "bob", AcceptedByName: "Bob"})
	// Relay's Joined fan-out duplicates the accept.
	rig.co.dispatch(signal.Joined{CallID: id, UserID: "bob", UserName: "Bob"})
	rig.co.dispatch(signal.AcceptCall{CallID: id, AcceptedBy: "carol", AcceptedByName: "Carol"})

	cur := rig.co.Current()
	if cur.Status != Active {
		t.Fatalf("status = %v, want active", cur.Status)
	}
	if len(cur.Roster) != 3 {
		t.Fatalf("roster size = %d, want 3", len(cur.Roster))
	}

	events := drain(ch)
	if n := countKind(events, EventActive); n != 1 {
		t.Fatalf("active events = %d, want exactly 1", n)
	}

	offers := rig.tr.sentOf(signal.KindOffer)
	if len(offers) != 2 {
		t.Fatalf("offers sent = %d, want 2 (one per acceptor)", len(offers))
	}
	targets := map[string]bool{}
	for _, m := range offers {
		targets[m.(signal.Offer).Target] = true
	}
	if !targets["bob"] || !targets["carol"] {
		t.Fatalf("offer targets = %v, want bob and carol", targets)
	}
}

func TestReceiverAnswerReplaysQueuedOfferAndCandidates(t *testing.T) {
	rig := newTestRig("bob")
	ch, cancel := rig.co.Events().Subscribe()
	defer cancel()

	rig.co.dispatch(signal.IncomingCall{
		CallID: "c1", CallerID: "alice", CallerName: "Alice",
		GroupID: "family", Media: signal.MediaAudio, Participants: []string{"bob"},
	})
	if rig.co.Current().Status != Ringing {
		t.Fatalf("status = %v, want ringing", rig.co.Current().Status)
	}
	if n := countKind(drain(ch), EventIncoming); n != 1 {
		t.Fatalf("incoming events = %d, want 1", n)
	}

	// Candidates may trickle in before the offer, and all of it before the
	// user answers. Nothing may be dropped, order must hold.
	mid := "0"
	for _, cand := range []string{"cand-1", "cand-2", "cand-3"} {
		rig.co.dispatch(signal.ICECandidate{
			CallID: "c1", From: "alice", Target: "bob",
			Candidate: signal.CandidateInfo{Candidate: cand, SDPMid: &mid},
		})
	}
	rig.co.dispatch(signal.Offer{CallID: "c1", From: "alice", Target: "bob", SDP: "alice-offer"})

	if err := rig.co.AnswerCall(context.Background(), "c1"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if rig.co.Current().Status != Active {
		t.Fatalf("status = %v, want active", rig.co.Current().Status)
	}
	if got := len(rig.tr.sentOf(signal.KindAcceptCall)); got != 1 {
		t.Fatalf("accept-call sent %d times, want 1", got)
	}

	answers := rig.tr.sentOf(signal.KindAnswer)
	if len(answers) != 1 || answers[0].(signal.Answer).Target != "alice" {
		t.Fatalf("answers = %v, want one to alice", answers)
	}

	conn := rig.conn(0)
	if conn == nil {
		t.Fatal("no session conn created")
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.answered) != 1 || conn.answered[0] != "alice-offer" {
		t.Fatalf("answered = %v, want the queued offer", conn.answered)
	}
	if len(conn.candidates) != 3 {
		t.Fatalf("candidates applied = %d, want 3", len(conn.candidates))
	}
	for i, want := range []string{"cand-1", "cand-2", "cand-3"} {
		if conn.candidates[i].Candidate != want {
			t.Fatalf("candidate[%d] = %q, want %q", i, conn.candidates[i].Candidate, want)
		}
	}

	// Answering again is a no-op.
	if err := rig.co.AnswerCall(context.Background(), "c1"); err != nil {
		t.Fatalf("re-answer: %v", err)
	}
	if got := len(rig.tr.sentOf(signal.KindAcceptCall)); got != 1 {
		t.Fatalf("accept-call sent %d times after re-answer, want 1", got)
	}
}

func TestEndCallReleasesEverything(t *testing.T) {
	rig := newTestRig("alice")

	id, err := rig.co.StartCall(context.Background(), []string{"bob"}, false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rig.co.dispatch(signal.AcceptCall{CallID: id, AcceptedBy: "bob", AcceptedByName: "Bob"})
	src := rig.cap.last

	if err := rig.co.EndCall(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if got := rig.co.Current().Status; got != Idle {
		t.Fatalf("status = %v, want idle", got)
	}
	if rig.co.registry.count() != 0 {
		t.Fatalf("sessions left = %d, want 0", rig.co.registry.count())
	}
	if !src.closed {
		t.Fatal("media source not closed")
	}
	if c := rig.conn(0); c != nil && !c.closed {
		t.Fatal("peer conn not closed")
	}
	if rig.store.snap != nil {
		t.Fatal("snapshot not cleared")
	}
	if got := len(rig.tr.sentOf(signal.KindEndCall)); got != 1 {
		t.Fatalf("end-call sent %d times, want 1 (initiator ends for everyone)", got)
	}

	// Idle again: ending twice is a tolerated no-op, starting again works.
	if err := rig.co.EndCall(); err != nil {
		t.Fatalf("second end: want no-op, got %v", err)
	}
	if got := len(rig.tr.sentOf(signal.KindEndCall)); got != 1 {
		t.Fatalf("idle end sent a message: %d end-calls, want still 1", got)
	}
	if _, err := rig.co.StartCall(context.Background(), []string{"bob"}, false); err != nil {
		t.Fatalf("restart after end: %v", err)
	}
}

func TestNonInitiatorHangupLeaves(t *testing.T) {
	rig := newTestRig("bob")
	rig.co.dispatch(signal.IncomingCall{CallID: "c1", CallerID: "alice", CallerName: "Alice", GroupID: "family", Media: signal.MediaAudio})
	if err := rig.co.AnswerCall(context.Background(), "c1"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := rig.co.EndCall(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if got := len(rig.tr.sentOf(signal.KindLeave)); got != 1 {
		t.Fatalf("leave sent %d times, want 1", got)
	}
	if got := len(rig.tr.sentOf(signal.KindEndCall)); got != 0 {
		t.Fatalf("end-call sent %d times, want 0 for non-initiator", got)
	}
}

func TestRejectWhileOtherCallActiveIsNoop(t *testing.T) {
	rig := newTestRig("alice")
	id, err := rig.co.StartCall(context.Background(), []string{"bob"}, false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	before := len(rig.tr.sent)

	if err := rig.co.RejectCall("some-other-call"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if len(rig.tr.sent) != before {
		t.Fatal("reject of a foreign call sent signaling")
	}
	if cur := rig.co.Current(); cur.ID != id || cur.Status == Ended {
		t.Fatalf("tracked call disturbed: %+v", cur)
	}
}

func TestBusyAutoReject(t *testing.T) {
	rig := newTestRig("alice")
	id, err := rig.co.StartCall(context.Background(), []string{"bob"}, false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	rig.co.dispatch(signal.IncomingCall{CallID: "intruder", CallerID: "carol", CallerName: "Carol", GroupID: "family", Media: signal.MediaAudio})

	rejects := rig.tr.sentOf(signal.KindRejectCall)
	if len(rejects) != 1 {
		t.Fatalf("rejects sent = %d, want 1", len(rejects))
	}
	rj := rejects[0].(signal.RejectCall)
	if rj.CallID != "intruder" || rj.Reason != signal.ReasonBusy {
		t.Fatalf("reject = %+v, want busy for intruder", rj)
	}
	if cur := rig.co.Current(); cur.ID != id {
		t.Fatalf("tracked call = %s, want %s", cur.ID, id)
	}
}

func TestEveryoneRejectedEndsRingingCall(t *testing.T) {
	rig := newTestRig("alice")
	ch, cancel := rig.co.Events().Subscribe()
	defer cancel()

	id, err := rig.co.StartCall(context.Background(), []string{"bob", "carol"}, false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	rig.co.dispatch(signal.RejectCall{CallID: id, RejectedBy: "bob", Reason: signal.ReasonDeclined})
	if rig.co.Current().Status != Ringing {
		t.Fatal("call ended before everyone rejected")
	}
	rig.co.dispatch(signal.RejectCall{CallID: id, RejectedBy: "carol", Reason: signal.ReasonBusy})

	if rig.co.Current().Status != Idle {
		t.Fatalf("status = %v, want idle after all rejected", rig.co.Current().Status)
	}
	events := drain(ch)
	if n := countKind(events, EventRejected); n != 2 {
		t.Fatalf("rejected events = %d, want 2", n)
	}
	if n := countKind(events, EventEnded); n != 1 {
		t.Fatalf("ended events = %d, want 1", n)
	}
	if got := len(rig.tr.sentOf(signal.KindEndCall)); got != 1 {
		t.Fatalf("end-call sent %d times, want 1", got)
	}
}

func TestLeftShrinksRosterAndClosesSession(t *testing.T) {
	rig := newTestRig("alice")
	id, _ := rig.co.StartCall(context.Background(), []string{"bob", "carol"}, false)
	rig.co.dispatch(signal.AcceptCall{CallID: id, AcceptedBy: "bob", AcceptedByName: "Bob"})
	rig.co.dispatch(signal.AcceptCall{CallID: id, AcceptedBy: "carol", AcceptedByName: "Carol"})
	if rig.co.registry.count() != 2 {
		t.Fatalf("sessions = %d, want 2", rig.co.registry.count())
	}

	rig.co.dispatch(signal.Left{CallID: id, UserID: "carol", UserName: "Carol"})

	if rig.co.registry.count() != 1 {
		t.Fatalf("sessions = %d, want 1 after carol left", rig.co.registry.count())
	}
	cur := rig.co.Current()
	if len(cur.Roster) != 2 || cur.Status != Active {
		t.Fatalf("call = %+v, want alice+bob still active", cur)
	}
}

func TestStaleCallMessagesDropped(t *testing.T) {
	rig := newTestRig("alice")
	id, _ := rig.co.StartCall(context.Background(), []string{"bob"}, false)

	rig.co.dispatch(signal.EndCall{CallID: "old-call", UserID: "bob"})
	rig.co.dispatch(signal.Offer{CallID: "old-call", From: "bob", Target: "alice", SDP: "x"})
	rig.co.dispatch(signal.AcceptCall{CallID: "old-call", AcceptedBy: "bob"})

	cur := rig.co.Current()
	if cur.ID != id || cur.Status != Ringing {
		t.Fatalf("call = %+v, stale messages must not touch it", cur)
	}
}

func TestToggleMuteAndVideo(t *testing.T) {
	rig := newTestRig("alice")
	if _, err := rig.co.ToggleMute(); !errors.Is(err, ErrNoSuchCall) {
		t.Fatalf("toggle without call: want ErrNoSuchCall, got %v", err)
	}

	rig.co.StartCall(context.Background(), []string{"bob"}, true)

	muted, err := rig.co.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("toggle mute = %v, %v; want true", muted, err)
	}
	muted, _ = rig.co.ToggleMute()
	if muted {
		t.Fatal("second toggle should unmute")
	}
	videoOff, err := rig.co.ToggleVideo()
	if err != nil || !videoOff {
		t.Fatalf("toggle video = %v, %v; want true", videoOff, err)
	}
	var self *Participant
	for _, p := range rig.co.Current().Roster {
		if p.UserID == "alice" {
			cp := p
			self = &cp
		}
	}
	if self == nil {
		t.Fatal("self missing from roster")
	}
	if self.Muted {
		t.Fatal("self still muted after two toggles")
	}
	if !self.VideoOff {
		t.Fatal("self video should be off after one toggle")
	}
}

func TestUpdateConfigRenamesSelfInRoster(t *testing.T) {
	rig := newTestRig("alice")
	rig.co.StartCall(context.Background(), []string{"bob"}, true)
	rig.co.dispatch(signal.AcceptCall{CallID: rig.co.Current().ID, AcceptedBy: "bob", AcceptedByName: "Bob"})

	servers := []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}
	rig.co.UpdateConfig("Alice P.", servers)

	var name string
	for _, p := range rig.co.Current().Roster {
		if p.UserID == "alice" {
			name = p.DisplayName
		}
	}
	if name != "Alice P." {
		t.Fatalf("self display name = %q, want %q", name, "Alice P.")
	}
	if len(rig.co.iceCfg.ICEServers) != 1 {
		t.Fatalf("ice servers = %d, want 1", len(rig.co.iceCfg.ICEServers))
	}

	// Same name again is a no-op, no roster event.
	ch, cancel := rig.co.Events().Subscribe()
	defer cancel()
	rig.co.UpdateConfig("Alice P.", servers)
	if n := countKind(drain(ch), EventRosterChanged); n != 0 {
		t.Fatalf("repeat rename emitted %d roster events, want 0", n)
	}
}

func TestNegotiationFailureRemovesOnlyThatPeer(t *testing.T) {
	rig := newTestRig("alice")
	ch, cancel := rig.co.Events().Subscribe()
	defer cancel()

	made := 0
	rig.co.newConn = func(media.Source) connFactory {
		return func() (peerConn, error) {
			made++
			c := &fakeConn{}
			if made == 1 {
				c.failOffer = errors.New("dtls handshake failed")
			}
			rig.mu.Lock()
			rig.conns = append(rig.conns, c)
			rig.mu.Unlock()
			return c, nil
		}
	}

	id, err := rig.co.StartCall(context.Background(), []string{"bob", "carol"}, false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rig.co.dispatch(signal.AcceptCall{CallID: id, AcceptedBy: "bob", AcceptedByName: "Bob"})
	rig.co.dispatch(signal.AcceptCall{CallID: id, AcceptedBy: "carol", AcceptedByName: "Carol"})

	cur := rig.co.Current()
	if cur.Status != Active {
		t.Fatalf("status = %v, one bad peer must not end the call", cur.Status)
	}
	ids := map[string]bool{}
	for _, p := range cur.Roster {
		ids[p.UserID] = true
	}
	if ids["bob"] || !ids["carol"] || !ids["alice"] {
		t.Fatalf("roster = %v, want alice+carol without bob", ids)
	}
	if rig.co.registry.count() != 1 {
		t.Fatalf("sessions = %d, want only carol's", rig.co.registry.count())
	}

	events := drain(ch)
	if n := countKind(events, EventPeerFailed); n != 1 {
		t.Fatalf("peer-failed events = %d, want 1", n)
	}
	if n := countKind(events, EventEnded); n != 0 {
		t.Fatalf("ended events = %d, want 0", n)
	}
}

func TestRecoveryReconcilesToActive(t *testing.T) {
	rig := newTestRig("alice")
	rig.store.snap = &storage.Snapshot{
		Call: signal.CallInfo{
			CallID: "c9", InitiatorID: "alice", InitiatorName: "Self alice",
			GroupID: "family", Media: signal.MediaVideo, Status: "ringing",
		},
		Roster:  []signal.ParticipantInfo{{UserID: "alice", DisplayName: "Self alice"}},
		SavedAt: time.Now().UTC(),
	}
	ch, cancel := rig.co.Events().Subscribe()
	defer cancel()

	// A roster update raced ahead of the sync answer; it must be replayed,
	// not lost.
	rig.tr.inbox <- signal.Joined{CallID: "c9", UserID: "bob", UserName: "Bob"}
	rig.tr.inbox <- signal.SyncResponse{
		CallID: "c9",
		CallData: signal.CallInfo{
			CallID: "c9", InitiatorID: "alice", GroupID: "family",
			Media: signal.MediaVideo, Status: "active", StartedAt: time.Now().UTC(),
		},
		Participants: []signal.ParticipantInfo{
			{UserID: "alice", DisplayName: "Self alice"},
			{UserID: "bob", DisplayName: "Bob"},
		},
	}

	rig.co.Restore()
	buffered := rig.co.syncRestored(context.Background())
	if len(buffered) != 1 {
		t.Fatalf("buffered = %d messages, want the raced Joined", len(buffered))
	}
	if _, ok := buffered[0].(signal.Joined); !ok {
		t.Fatalf("buffered[0] = %T, want Joined", buffered[0])
	}

	if got := len(rig.tr.sentOf(signal.KindSyncRequest)); got != 1 {
		t.Fatalf("sync requests = %d, want 1", got)
	}
	cur := rig.co.Current()
	if cur.Status != Active || cur.ID != "c9" {
		t.Fatalf("call = %+v, want c9 active", cur)
	}
	if rig.cap.acquired != 1 {
		t.Fatalf("media acquired %d times, want 1", rig.cap.acquired)
	}
	offers := rig.tr.sentOf(signal.KindOffer)
	if len(offers) != 1 || offers[0].(signal.Offer).Target != "bob" {
		t.Fatalf("rejoin offers = %v, want one to bob", offers)
	}

	events := drain(ch)
	if n := countKind(events, EventResumed); n != 1 {
		t.Fatalf("resumed events = %d, want 1", n)
	}
	if n := countKind(events, EventActive); n != 1 {
		t.Fatalf("active events = %d, want exactly 1", n)
	}
	for _, e := range events {
		if e.Kind == EventResumed && e.Detail != ResumeInitiatorRinging {
			t.Fatalf("resume detail = %q, want %q", e.Detail, ResumeInitiatorRinging)
		}
	}
}

func TestRecoveryEndedWhileAway(t *testing.T) {
	rig := newTestRig("bob")
	rig.store.snap = &storage.Snapshot{
		Call: signal.CallInfo{
			CallID: "c9", InitiatorID: "alice", GroupID: "family",
			Media: signal.MediaAudio, Status: "active",
		},
		Roster: []signal.ParticipantInfo{
			{UserID: "alice"}, {UserID: "bob"},
		},
		SavedAt: time.Now().UTC(),
	}
	ch, cancel := rig.co.Events().Subscribe()
	defer cancel()

	rig.tr.inbox <- signal.SyncResponse{
		CallID:   "c9",
		CallData: signal.CallInfo{CallID: "c9", Status: "ended"},
	}
	rig.co.Restore()
	rig.co.syncRestored(context.Background())

	if rig.co.Current().Status != Idle {
		t.Fatalf("status = %v, want idle", rig.co.Current().Status)
	}
	if rig.store.snap != nil {
		t.Fatal("stale snapshot not cleared")
	}
	if n := countKind(drain(ch), EventEnded); n != 1 {
		t.Fatalf("ended events = %d, want 1", n)
	}
	if rig.cap.acquired != 0 {
		t.Fatal("media acquired for a dead call")
	}
}

func TestRecoveryNoSnapshot(t *testing.T) {
	rig := newTestRig("alice")
	rig.co.Restore()
	if buffered := rig.co.syncRestored(context.Background()); buffered != nil {
		t.Fatalf("buffered = %v, want nil", buffered)
	}
	if len(rig.tr.sent) != 0 {
		t.Fatal("no snapshot must mean no sync request")
	}
	if rig.co.Current().Status != Idle {
		t.Fatal("want idle start")
	}
}

func TestUnansweredRingNeverPersisted(t *testing.T) {
	rig := newTestRig("bob")
	rig.co.dispatch(signal.IncomingCall{
		CallID: "c1", CallerID: "alice", CallerName: "Alice",
		GroupID: "family", Media: signal.MediaAudio,
		Participants: []string{"bob", "carol"},
	})
	// Others joining (or leaving) while bob is still deciding must not write
	// a snapshot: a restart would resurrect a ring bob never answered.
	rig.co.dispatch(signal.Joined{CallID: "c1", UserID: "carol", UserName: "Carol"})
	rig.co.dispatch(signal.Left{CallID: "c1", UserID: "carol"})
	if rig.store.saves != 0 {
		t.Fatalf("snapshot saved %d times while ringing unanswered, want 0", rig.store.saves)
	}

	if err := rig.co.AnswerCall(context.Background(), "c1"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if rig.store.snap == nil {
		t.Fatal("answering must persist the call")
	}
}

func TestRestoreListensBeforeSignalingFlows(t *testing.T) {
	rig := newTestRig("bob")
	rig.co.Restore()

	// Fanned out between the announce and Run starting; the subscription
	// from Restore must already be catching these.
	rig.tr.inbox <- signal.IncomingCall{
		CallID: "c5", CallerID: "alice", CallerName: "Alice",
		GroupID: "family", Media: signal.MediaAudio,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		rig.co.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rig.co.Current().ID != "c5" {
		if time.Now().After(deadline) {
			t.Fatal("incoming call delivered before Run was lost")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rig.co.Current().Status != Ringing {
		t.Fatalf("status = %v, want ringing", rig.co.Current().Status)
	}
	cancel()
	<-done
}

func TestRingingTimesOutWhenNobodyAnswers(t *testing.T) {
	rig := newTestRig("alice")
	rig.co.ringTTL = 20 * time.Millisecond
	ch, cancel := rig.co.Events().Subscribe()
	defer cancel()

	if _, err := rig.co.StartCall(context.Background(), []string{"bob"}, false); err != nil {
		t.Fatalf("start: %v", err)
	}
	src := rig.cap.last

	deadline := time.Now().Add(2 * time.Second)
	for rig.co.Current().Status != Idle {
		if time.Now().After(deadline) {
			t.Fatal("unanswered call still ringing after the timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(rig.tr.sentOf(signal.KindEndCall)); got != 1 {
		t.Fatalf("end-call sent %d times, want 1", got)
	}
	if !src.closed {
		t.Fatal("media source not released on ring-out")
	}
	if rig.store.snap != nil {
		t.Fatal("snapshot not cleared on ring-out")
	}
	var reason string
	for _, e := range drain(ch) {
		if e.Kind == EventEnded {
			reason = e.Reason
		}
	}
	if reason != "unreachable" {
		t.Fatalf("ended reason = %q, want unreachable", reason)
	}
}

func TestAcceptStopsRingTimeout(t *testing.T) {
	rig := newTestRig("alice")
	rig.co.ringTTL = 20 * time.Millisecond

	id, err := rig.co.StartCall(context.Background(), []string{"bob"}, false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rig.co.dispatch(signal.AcceptCall{CallID: id, AcceptedBy: "bob", AcceptedByName: "Bob"})

	time.Sleep(60 * time.Millisecond)
	if got := rig.co.Current().Status; got != Active {
		t.Fatalf("status = %v, want active after accept outlives the ring window", got)
	}
	if got := len(rig.tr.sentOf(signal.KindEndCall)); got != 0 {
		t.Fatalf("end-call sent %d times, want 0", got)
	}
}
