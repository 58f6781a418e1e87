package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hearthapp/hearth/internal/relay"
	"github.com/hearthapp/hearth/internal/signal"
)

func startRelay(t *testing.T) *relay.Server {
	t.Helper()
	srv := relay.New("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
	})
	return srv
}

func newClient(t *testing.T, url, userID string) *Client {
	t.Helper()
	c := New(Options{
		URL:          url,
		GroupID:      "family",
		UserID:       userID,
		UserName:     "User " + userID,
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 200 * time.Millisecond,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func waitState(t *testing.T, ch chan ConnState, want ConnState) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatalf("state channel closed waiting for %s", want)
			}
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func recvMsg(t *testing.T, ch chan signal.Message, kind signal.Kind) signal.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				t.Fatalf("message channel closed waiting for %s", kind)
			}
			if m.Kind() == kind {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestConnectAnnounceAndRelayThrough(t *testing.T) {
	srv := startRelay(t)
	ctx := context.Background()

	alice := newClient(t, srv.URL(), "alice")
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("alice start: %v", err)
	}
	if alice.State() != Connected {
		t.Fatalf("state = %s, want connected after Start returns", alice.State())
	}

	bob := newClient(t, srv.URL(), "bob")
	bobMsgs, cancel := bob.Subscribe()
	defer cancel()
	if err := bob.Start(ctx); err != nil {
		t.Fatalf("bob start: %v", err)
	}

	// The announce has landed once Start returns, so the fan-out below can
	// only work if registration happened.
	if err := alice.Send(signal.StartCall{
		CallID: "c1", CallerID: "alice", CallerName: "User alice",
		GroupID: "family", Media: signal.MediaAudio, Participants: []string{"bob"},
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	inc := recvMsg(t, bobMsgs, signal.KindIncomingCall).(signal.IncomingCall)
	if inc.CallID != "c1" || inc.CallerID != "alice" {
		t.Fatalf("incoming = %+v", inc)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1/ws", "alice")
	err := c.Send(signal.SyncRequest{CallID: "c1", UserID: "alice"})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
}

func TestReconnectReannounces(t *testing.T) {
	srv := startRelay(t)
	ctx := context.Background()

	alice := newClient(t, srv.URL(), "alice")
	states, cancelStates := alice.SubscribeState()
	defer cancelStates()
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	bob := newClient(t, srv.URL(), "bob")
	if err := bob.Start(ctx); err != nil {
		t.Fatalf("bob start: %v", err)
	}
	aliceMsgs, cancelMsgs := alice.Subscribe()
	defer cancelMsgs()

	// Kill alice's socket out from under her; the relay replaces the
	// registration when she re-announces.
	alice.mu.Lock()
	alice.conn.Close()
	alice.mu.Unlock()

	waitState(t, states, Disconnected)
	waitState(t, states, Connected)

	// Deliverability proves the re-announce: the relay only unicasts to
	// registered connections.
	if err := bob.Send(signal.Offer{CallID: "c9", From: "bob", Target: "alice", SDP: "x"}); err != nil {
		t.Fatalf("bob send: %v", err)
	}
	off := recvMsg(t, aliceMsgs, signal.KindOffer).(signal.Offer)
	if off.From != "bob" {
		t.Fatalf("offer = %+v", off)
	}
}

func TestSubscribeCancelIdempotent(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1/ws", "alice")
	_, cancel := c.Subscribe()
	cancel()
	cancel() // double cancel must not panic

	ch, cancel2 := c.SubscribeState()
	cancel2()
	if _, ok := <-ch; ok {
		t.Fatal("cancelled state channel should be closed")
	}
}

func TestCloseShutsSubscribers(t *testing.T) {
	srv := startRelay(t)
	c := newClient(t, srv.URL(), "alice")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	msgs, _ := c.Subscribe()

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatal("message after close")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
	if c.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", c.State())
	}
}
